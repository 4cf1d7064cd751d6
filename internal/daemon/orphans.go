package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.olrik.dev/agentd/internal/agent"
)

const orphanTerminateTimeout = 2 * time.Second

// agentProcess is a running process that looks like an agent executable
type agentProcess struct {
	PID     int32
	Name    string
	Cmdline string
}

// matchesKillPattern mirrors pkill: the process name, or the base name of
// its executable, must contain the pattern
func matchesKillPattern(name, cmdline, pattern string) bool {
	if pattern == "" {
		return false
	}
	if strings.Contains(name, pattern) {
		return true
	}
	fields := strings.Fields(cmdline)
	return len(fields) > 0 && strings.Contains(filepath.Base(fields[0]), pattern)
}

// findAgentProcesses lists processes matching pattern, skipping this
// process and the pids in exclude
func findAgentProcesses(ctx context.Context, pattern string, exclude ...int32) ([]agentProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	var found []agentProcess
	for _, p := range procs {
		if p.Pid == self || containsPID(exclude, p.Pid) {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Process exited while scanning
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		if matchesKillPattern(name, cmdline, pattern) {
			found = append(found, agentProcess{PID: p.Pid, Name: name, Cmdline: cmdline})
		}
	}
	return found, nil
}

func containsPID(pids []int32, pid int32) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

// terminatePID sends SIGTERM, waits for the process to exit, then falls back to SIGKILL
func terminatePID(ctx context.Context, pid int32, timeout time.Duration) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		// Already gone
		return nil
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return fmt.Errorf("failed to send SIGTERM to %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if running, err := p.IsRunningWithContext(ctx); err != nil || !running || isZombie(ctx, p) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := p.KillWithContext(ctx); err != nil {
		if running, _ := p.IsRunningWithContext(ctx); !running {
			return nil
		}
		return fmt.Errorf("failed to kill %d: %w", pid, err)
	}
	return nil
}

func isZombie(ctx context.Context, p *process.Process) bool {
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == process.Zombie {
			return true
		}
	}
	return false
}

// cleanOrphanAgents terminates agent processes that this daemon does not own.
// They are left over from a daemon that died without stopping its agent.
// Returns the number of processes terminated.
func (d *Daemon) cleanOrphanAgents(ctx context.Context) int {
	var exclude []int32
	if pid := d.supervisor.Snapshot().PID; pid > 0 {
		exclude = append(exclude, int32(pid))
	}

	killed := 0
	for _, v := range agent.All() {
		orphans, err := findAgentProcesses(ctx, v.ProcessKillPattern, exclude...)
		if err != nil {
			d.logger.Warn("Failed to search for orphan agent processes", "error", err)
			return killed
		}

		for _, o := range orphans {
			d.logger.Warn("Found orphan agent process, terminating", "variant", v.ID, "pid", o.PID, "cmdline", o.Cmdline)
			if err := terminatePID(ctx, o.PID, orphanTerminateTimeout); err != nil {
				// Elevated agents are owned by root
				if ok, out := d.prober.RunElevated(ctx, fmt.Sprintf("kill -9 %d", o.PID)); !ok {
					d.logger.Error("Failed to terminate orphan agent process", "pid", o.PID, "error", err, "elevated_output", strings.TrimSpace(out))
					continue
				}
			}
			killed++
			if d.database != nil {
				if err := d.database.LogAgentEvent(v.ID, "orphan_killed", fmt.Sprintf("pid=%d", o.PID)); err != nil {
					d.logger.Error("Failed to log orphan kill event", "error", err)
				}
			}
		}
	}

	if killed > 0 {
		d.logger.Info("Orphan agent cleanup complete", "killed", killed)
	}
	return killed
}
