// Package supervisor runs the proxy as a child process and relays signals to
// it.
package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Supervisor.
type State int

// States of a Supervisor. Stopped, Exited and SpawnFailed are final.
const (
	Provisioning State = iota
	Spawning
	Running
	Stopped
	Exited
	SpawnFailed
)

func (s State) String() string {
	switch s {
	case Provisioning:
		return "provisioning"
	case Spawning:
		return "spawning"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Exited:
		return "exited"
	case SpawnFailed:
		return "spawn-failed"
	}
	return "unknown"
}

// ExitFailure is the exit code used when the child could not be started.
const ExitFailure = 1

// DefaultStopTimeout is how long Run waits for the child after relaying a
// signal before it is killed.
const DefaultStopTimeout = 5 * time.Second

// Supervisor starts a single child process and waits for it.
type Supervisor struct {
	Path string
	Args []string
	Dir  string

	Stdin          io.Reader
	Stdout, Stderr io.Writer

	StopTimeout time.Duration
	Log         logrus.FieldLogger

	m     sync.Mutex
	state State
	pid   int
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state
}

// PID returns the process ID of the child, or zero if it was not started.
func (s *Supervisor) PID() int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.pid
}

func (s *Supervisor) setState(st State) {
	s.m.Lock()
	s.state = st
	s.m.Unlock()
}

// ExitCode returns the exit code for the error returned by exec.Cmd.Wait. A
// process terminated by a signal is reported as 128+signal, like a shell does.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitFailure
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}

	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	return ExitFailure
}

// Run starts the child and blocks until it is gone. A signal received on
// signals is relayed to the child, after which Run waits up to StopTimeout for
// it to exit and returns 0. Cancelling ctx is handled like os.Interrupt. If the
// child exits on its own, its exit code is returned. If it cannot be started,
// ExitFailure and the error are returned.
func (s *Supervisor) Run(ctx context.Context, signals <-chan os.Signal) (int, error) {
	s.setState(Spawning)

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.Dir
	cmd.Stdin = s.Stdin
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	err := cmd.Start()
	if err != nil {
		s.setState(SpawnFailed)
		return ExitFailure, errors.Wrapf(err, "start %v", s.Path)
	}

	s.m.Lock()
	s.state = Running
	s.pid = cmd.Process.Pid
	s.m.Unlock()

	s.Log.Printf("started %v (PID %d)", s.Path, cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var sig os.Signal
	select {
	case err := <-done:
		s.setState(Exited)
		code := ExitCode(err)
		s.Log.Printf("%v exited (exit code %d)", s.Path, code)
		return code, nil
	case sig = <-signals:
	case <-ctx.Done():
		sig = os.Interrupt
	}

	s.Log.Printf("stopping %v (%v)", s.Path, sig)

	err = cmd.Process.Signal(sig)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.Log.Warnf("relaying %v failed: %v", sig, err)
	}

	timeout := s.StopTimeout
	if timeout == 0 {
		timeout = DefaultStopTimeout
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		s.Log.Debugf("%v stopped: %v", s.Path, err)
	case <-t.C:
		s.Log.Warnf("%v did not stop within %v, killing it", s.Path, timeout)
		_ = cmd.Process.Kill()
		<-done
	}

	s.setState(Stopped)
	return 0, nil
}
