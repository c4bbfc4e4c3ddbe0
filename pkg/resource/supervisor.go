package resource

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// ProcessHandle is an opaque reference to a started process.
type ProcessHandle interface{}

// ProcessSupervisor abstracts the start/stop/is-alive primitives for
// auxiliary server processes.
type ProcessSupervisor interface {
	Start(name, command string, args []string) (ProcessHandle, error)
	Stop(handle ProcessHandle) error
	IsAlive(handle ProcessHandle) bool
}

const stopGracePeriod = 2 * time.Second

// ExecSupervisor runs resource processes via os/exec. Stop terminates
// gracefully first and kills after a grace period.
type ExecSupervisor struct{}

func NewExecSupervisor() *ExecSupervisor {
	return &ExecSupervisor{}
}

func (s *ExecSupervisor) Start(name, command string, args []string) (ProcessHandle, error) {
	cmd := exec.Command(command, args...)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start resource '%s'", name)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return &execHandle{cmd: cmd, done: done}, nil
}

func (s *ExecSupervisor) Stop(handle ProcessHandle) error {
	h, ok := handle.(*execHandle)
	if !ok {
		return errors.New("unknown process handle")
	}
	if !s.IsAlive(h) {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrap(err, "terminate resource process")
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(stopGracePeriod):
	}
	if err := h.cmd.Process.Kill(); err != nil {
		return errors.Wrap(err, "kill resource process")
	}
	<-h.done
	return nil
}

func (s *ExecSupervisor) IsAlive(handle ProcessHandle) bool {
	h, ok := handle.(*execHandle)
	if !ok || h.cmd.Process == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}
