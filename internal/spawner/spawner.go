// Package spawner launches db-yard's child processes detached from the
// supervisor's own lifetime, stamps them with ownership tags, and provides
// the bounded liveness/termination primitives the reconciler needs.
package spawner

import (
	"fmt"
	"os"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/netspective-labs/db-yard/internal/model"
)

// FastExitGuard is how long Spawn waits after launch before confirming the
// child is still alive.
const FastExitGuard = 750 * time.Millisecond

// KillPollInterval/KillPollTimeout bound how long Terminate polls for a pid
// to die before escalating signals.
const (
	KillPollInterval = 100 * time.Millisecond
	KillPollTimeout  = 2 * time.Second
)

// Spawner launches SpawnPlans as detached children.
type Spawner struct {
	logger hclog.Logger
}

// New returns a Spawner. A nil logger is replaced with a null logger.
func New(logger hclog.Logger) *Spawner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Spawner{logger: logger.Named("spawner")}
}

// Spawn launches plan as a detached child, redirecting stdout/stderr to the
// given paths and stamping the three DB_YARD_* tag variables into its
// environment. It returns the pid only once the fast-exit guard confirms
// the process is still alive.
func (s *Spawner) Spawn(plan model.SpawnPlan) (int, error) {
	outFile, err := openAppend(plan.StdoutPath)
	if err != nil {
		return 0, fmt.Errorf("spawner: open stdout: %w", err)
	}
	defer outFile.Close()

	errFile, err := openAppend(plan.StderrPath)
	if err != nil {
		return 0, fmt.Errorf("spawner: open stderr: %w", err)
	}
	defer errFile.Close()

	env := append(append([]string{}, os.Environ()...), plan.Env...)
	env = append(env, plan.Tag.EnvPairs()...)

	pid, err := launchDetached(plan, env, outFile, errFile)
	if err != nil {
		return 0, fmt.Errorf("spawner: launch %s: %w", plan.Command, err)
	}

	time.Sleep(FastExitGuard)
	if !IsAlive(pid) {
		s.logger.Warn("spawn failed fast-exit", "command", plan.Command, "pid", pid)
		return 0, fmt.Errorf("spawner: %s exited within %s of launch", plan.Command, FastExitGuard)
	}

	s.logger.Info("spawned", "command", plan.Command, "pid", pid)
	return pid, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// IsAlive reports whether pid currently identifies a live process. A
// zombie (exited but not yet reaped) counts as not alive. gopsutil backs
// the cross-platform check; the POSIX-specific Terminate path still
// signals directly for speed.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil || !alive {
		return false
	}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if st, err := p.Status(); err == nil && len(st) > 0 && st[0] == process.Zombie {
			return false
		}
	}
	return true
}
