//go:build !windows

package spawner

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/netspective-labs/db-yard/internal/model"
)

// launchDetached starts plan's command as the leader of a new session
// (process group), with stdin closed and stdout/stderr redirected to the
// given files. The supervisor never holds a pipe to the child.
func launchDetached(plan model.SpawnPlan, env []string, stdout, stderr *os.File) (int, error) {
	cmd := exec.Command(plan.Command, plan.Argv...)
	cmd.Dir = plan.Cwd
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // new session: detaches from the controlling terminal, ignores SIGHUP
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// The child is on its own now; release our hold on the handle so the
	// supervisor's exit can never reap or block on it.
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// Terminate stops pid: SIGTERM to the process group then the pid, poll for
// death, escalate to SIGKILL on both. Idempotent — a pid that's already
// gone is treated as success.
func Terminate(pid int) error {
	if !IsAlive(pid) {
		return nil
	}

	signalGroupThenPID(pid, unix.SIGTERM)
	if waitForDeath(pid, KillPollTimeout) {
		return nil
	}

	signalGroupThenPID(pid, unix.SIGKILL)
	waitForDeath(pid, KillPollTimeout)
	return nil
}

func signalGroupThenPID(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil {
		_ = unix.Kill(pid, sig)
	}
}

func waitForDeath(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			return true
		}
		time.Sleep(KillPollInterval)
	}
	return !IsAlive(pid)
}
