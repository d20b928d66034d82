package process

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal is a unix signal deliverable to a child process.
type Signal syscall.Signal

const (
	SIGHUP  Signal = Signal(syscall.SIGHUP)
	SIGINT  Signal = Signal(syscall.SIGINT)
	SIGQUIT Signal = Signal(syscall.SIGQUIT)
	SIGKILL Signal = Signal(syscall.SIGKILL)
	SIGTERM Signal = Signal(syscall.SIGTERM)
)

var signalMap = map[string]Signal{
	"SIGHUP":  SIGHUP,
	"SIGINT":  SIGINT,
	"SIGQUIT": SIGQUIT,
	"SIGKILL": SIGKILL,
	"SIGTERM": SIGTERM,
}

func (s Signal) String() string {
	for name, sig := range signalMap {
		if sig == s {
			return name
		}
	}
	return fmt.Sprintf("%d", int(s))
}

// ParseSignal converts a signal name like "SIGTERM" into a Signal.
func ParseSignal(name string) (Signal, error) {
	sig, ok := signalMap[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Signal(0), fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

func (p *Process) setupProcessGroup() {
	p.command.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

func (p *Process) interruptProcessGroup() error {
	p.logger.Debug("[Process] Sending signal %s to PGID %d", p.conf.InterruptSignal, p.pid)
	return unix.Kill(-p.pid, syscall.Signal(p.conf.InterruptSignal))
}

func (p *Process) terminateProcessGroup() error {
	p.logger.Debug("[Process] Sending signal SIGKILL to PGID %d", p.pid)
	return unix.Kill(-p.pid, unix.SIGKILL)
}

// KillGroup sends sig to the process group of pid. Used for processes batchd
// did not start itself (recovered or detached children).
func KillGroup(pid int, sig Signal) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return err
	}
	return unix.Kill(-pgid, syscall.Signal(sig))
}

// Alive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
