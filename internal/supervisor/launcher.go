package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Process is a launched agent. It is owned by the supervisor for one run.
type Process interface {
	PID() int
	// Output is the combined stdout/stderr stream
	Output() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	// A process killed by a signal reports 128+signal.
	Wait() (int, error)
	// Signal delivers sig to the process group
	Signal(sig syscall.Signal) error
	// Close releases the output stream, unblocking pending reads
	Close() error
}

// Launcher starts agent processes
type Launcher interface {
	Launch(ctx context.Context, argv []string, env []string) (Process, error)
}

// ExecLauncher runs the agent with its output on a pipe, in its own process group
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, argv []string, env []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// The child holds its own copy of the write end
	pw.Close()

	return &execProcess{cmd: cmd, out: pr}, nil
}

// PTYLauncher runs the agent on a pseudo terminal so line-buffered output
// arrives as it is written
type PTYLauncher struct{}

func (PTYLauncher) Launch(ctx context.Context, argv []string, env []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)

	// pty.Start makes the child a session leader, so its pid is also its process group
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, out: f}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	out *os.File

	waitOnce sync.Once
	code     int
	waitErr  error

	closeOnce sync.Once
	closeErr  error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Output() io.Reader {
	return p.out
}

func (p *execProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.code = exitCode(p.cmd.ProcessState)
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = err
		}
	})
	return p.code, p.waitErr
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	pid := p.cmd.Process.Pid

	// Send signal to process group (negative PID) so children started by
	// a privilege helper receive it too
	if err := unix.Kill(-pid, sig); err != nil {
		// Fall back to signaling just the process if group signal fails
		if err := p.cmd.Process.Signal(sig); err != nil {
			return err
		}
	}
	return nil
}

func (p *execProcess) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.out.Close()
	})
	return p.closeErr
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
