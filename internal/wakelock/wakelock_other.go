//go:build !linux

package wakelock

func inhibit(why string) (func(), error) {
	return nil, errUnsupported
}
