package process

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// SpawnDetached starts a command in its own session with no inherited stdio.
// The child survives the death of this process; the caller gets only the PID
// back. Any output the child wants kept must be redirected by the child
// itself.
func SpawnDetached(path string, args []string, dir string, environ []string) (int, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), environ...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	// A new session detaches the child from our controlling terminal and
	// makes it the leader of its own process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting detached %q: %w", path, err)
	}

	pid := cmd.Process.Pid

	// Release, don't Wait: the child is meant to outlive us. The kernel
	// reparents it to init, which will reap it.
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("releasing detached %q: %w", path, err)
	}

	return pid, nil
}
