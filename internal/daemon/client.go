package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.olrik.dev/agentd/internal/core"
)

// SendCommand connects to the daemon, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	return sendCommandTo(core.GetSocketPath(), command)
}

// sendCommandWithTimeout bounds the whole exchange, for liveness checks
func sendCommandWithTimeout(command string, timeout time.Duration) (Response, error) {
	return sendCommandDeadline(core.GetSocketPath(), command, timeout)
}

func sendCommandTo(socketPath, command string) (Response, error) {
	return sendCommandDeadline(socketPath, command, 0)
}

func sendCommandDeadline(socketPath, command string, timeout time.Duration) (Response, error) {
	response := Response{}

	conn, err := net.DialTimeout("unix", socketPath, dialTimeout(timeout))
	if err != nil {
		return response, err
	}
	defer conn.Close()
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}

	return response, nil
}

// StreamCommand sends a streaming command (LOGS, EVENTS ... follow) and calls
// onLine for every line until the daemon closes the connection or ctx ends.
func StreamCommand(ctx context.Context, command string, onLine func(string)) error {
	return streamCommandTo(ctx, core.GetSocketPath(), command, onLine)
}

func streamCommandTo(ctx context.Context, socketPath, command string, onLine func(string)) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("failed to send command to daemon: %w", err)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			onLine(line)
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func dialTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return 5 * time.Second
}

// IsRunning reports whether a daemon answers on the socket
func IsRunning() bool {
	_, err := sendCommandWithTimeout("VERSION", 2*time.Second)
	return err == nil
}

// StartDaemon launches `agentd daemon` detached from the current terminal
func StartDaemon() (int, error) {
	executable, err := os.Executable()
	if err != nil {
		executable = os.Args[0]
	}

	args := []string{"daemon", "--config-path", core.Config.ConfigPath}
	if core.Config.Verbose > 0 {
		args = append(args, "-"+strings.Repeat("v", core.Config.Verbose))
	}

	cmd := exec.Command(executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("could not fork daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	// The daemon outlives us; reap it if it dies early so it does not linger as a zombie
	go cmd.Wait()
	return pid, nil
}

// WaitForDaemon polls the socket until the daemon answers or timeout passes
func WaitForDaemon(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if IsRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not answer on %s within %s", core.GetSocketPath(), timeout)
}

// EnsureDaemonIsRunning starts the daemon when no daemon answers
func EnsureDaemonIsRunning() error {
	if IsRunning() {
		return nil
	}
	if _, err := StartDaemon(); err != nil {
		return err
	}
	return WaitForDaemon(5 * time.Second)
}

// ReadPID returns the pid recorded in the daemon pid file
func ReadPID() (int, error) {
	data, err := os.ReadFile(core.GetPIDFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
