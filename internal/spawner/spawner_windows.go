//go:build windows

package spawner

import (
	"os"
	"os/exec"
	"time"

	"github.com/netspective-labs/db-yard/internal/model"
)

// launchDetached provides best-effort detachment on Windows: stdio is
// redirected to the given files, but process groups are not assumed and
// the child's lifetime reduces to "independent of this process's stdio
// handles" rather than a true new session, per the governing design's
// documented reduced guarantee on this platform.
func launchDetached(plan model.SpawnPlan, env []string, stdout, stderr *os.File) (int, error) {
	cmd := exec.Command(plan.Command, plan.Argv...)
	cmd.Dir = plan.Cwd
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// Terminate stops pid by killing the single process; Windows process
// groups are not assumed available.
func Terminate(pid int) error {
	if !IsAlive(pid) {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	_ = proc.Kill()

	deadline := time.Now().Add(KillPollTimeout)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			return nil
		}
		time.Sleep(KillPollInterval)
	}
	return nil
}
