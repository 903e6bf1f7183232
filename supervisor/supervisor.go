/*
Package supervisor spawns and terminates the child processes of a horde.

Every child runs as an ifrit.Runner wrapping an exec.Cmd, so it can be
signaled and waited on like any other ifrit process. Each child is handed a
diagnostic port of its own; ports only ever increase, so a port is never
reused while the process holding it lives.
*/
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tedsuo/ifrit"
)

const DefaultStopTimeout = 10 * time.Second

var ErrUnknownHandle = errors.New("supervisor: unknown process handle")

// Spec describes one child process.
type Spec struct {
	Identity    string
	Path        string
	Args        []string
	Env         []string
	Detached    bool
	InspectPort int
}

type Handle interface {
	PID() int
	Identity() string
	InspectPort() int
	Wait() <-chan error
}

type Supervisor struct {
	logger      zerolog.Logger
	stopTimeout time.Duration

	mu       sync.Mutex
	nextPort int
	children map[int]*child
}

func New(logger zerolog.Logger, inspectPortBase int) *Supervisor {
	return &Supervisor{
		logger:      logger.With().Str("component", "supervisor").Logger(),
		stopTimeout: DefaultStopTimeout,
		nextPort:    inspectPortBase,
		children:    make(map[int]*child),
	}
}

// Spawn starts the child and returns once the process exists.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("supervisor: no executable for %q", spec.Identity)
	}

	s.mu.Lock()
	if spec.InspectPort == 0 {
		s.nextPort++
		spec.InspectPort = s.nextPort
	} else if spec.InspectPort > s.nextPort {
		s.nextPort = spec.InspectPort
	}
	s.mu.Unlock()

	r := &runner{spec: spec, started: make(chan int, 1)}
	process := ifrit.Background(r)

	select {
	case <-process.Ready():
	case err := <-process.Wait():
		return nil, fmt.Errorf("supervisor: spawn %q: %w", spec.Identity, err)
	case <-ctx.Done():
		process.Signal(os.Kill)
		return nil, ctx.Err()
	}

	c := &child{spec: spec, pid: <-r.started, process: process}
	s.mu.Lock()
	s.children[c.pid] = c
	s.mu.Unlock()

	s.logger.Info().
		Str("identity", spec.Identity).
		Int("pid", c.pid).
		Int("inspect_port", spec.InspectPort).
		Msg("child spawned")

	go func() {
		err := <-process.Wait()
		s.mu.Lock()
		delete(s.children, c.pid)
		s.mu.Unlock()
		s.logger.Debug().Int("pid", c.pid).AnErr("exit", err).Msg("child exited")
	}()

	return c, nil
}

// Terminate sends SIGTERM, or SIGKILL when force is set, and waits for the
// child to exit. A graceful stop escalates to SIGKILL after the stop timeout.
func (s *Supervisor) Terminate(handle Handle, force bool) error {
	s.mu.Lock()
	c, ok := s.children[handle.PID()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrUnknownHandle, handle.PID())
	}

	exited := c.process.Wait()
	if force {
		c.process.Signal(os.Kill)
		<-exited
		return nil
	}

	c.process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(s.stopTimeout):
		s.logger.Warn().Int("pid", c.pid).Msg("child ignored SIGTERM, killing")
		c.process.Signal(os.Kill)
		<-exited
	}
	return nil
}

func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

type child struct {
	spec    Spec
	pid     int
	process ifrit.Process
}

func (c *child) PID() int           { return c.pid }
func (c *child) Identity() string   { return c.spec.Identity }
func (c *child) InspectPort() int   { return c.spec.InspectPort }
func (c *child) Wait() <-chan error { return c.process.Wait() }

type runner struct {
	spec    Spec
	started chan int
}

func (r *runner) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	cmd := exec.Command(r.spec.Path, r.spec.Args...)
	cmd.Env = append(os.Environ(), r.spec.Env...)
	cmd.Env = append(cmd.Env,
		"HORDE_NODE="+r.spec.Identity,
		"HORDE_INSPECT_PORT="+strconv.Itoa(r.spec.InspectPort),
	)
	if r.spec.Detached {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	r.started <- cmd.Process.Pid
	close(ready)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	for {
		select {
		case sig := <-signals:
			cmd.Process.Signal(sig)
		case err := <-exited:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.Sys().(syscall.WaitStatus).Signaled() {
				return nil
			}
			return err
		}
	}
}
