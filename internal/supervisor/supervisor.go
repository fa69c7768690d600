// Package supervisor manages the server process: it records the pid of
// the running instance, turns signals into stop and reload requests and
// lets a second invocation of the program control the first.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cdr.dev/slog"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"nhooyr.io/wsserver/internal/xsync"
)

// Service is what a Supervisor runs.
type Service interface {
	// Serve runs until ctx is done.
	Serve(ctx context.Context) error
	// Reload is called on SIGUSR1, and on SIGUSR2 with taskOnly set.
	Reload(taskOnly bool) error
}

// Options configure a Supervisor.
type Options struct {
	PIDFile      string
	StopTimeout  time.Duration
	PollInterval time.Duration
	Log          slog.Logger
}

// Supervisor controls one server instance identified by its pid file.
type Supervisor struct {
	opts Options

	kill   killFunc
	notify func(c chan<- os.Signal, sigs ...os.Signal)
	sleep  func(time.Duration)

	mu    sync.Mutex
	state State
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 300 * time.Millisecond
	}
	return &Supervisor{
		opts:   opts,
		kill:   unix.Kill,
		notify: signal.Notify,
		sleep:  time.Sleep,
	}
}

// State returns the state of the service started by Start.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if !from.canTransition(to) {
		s.opts.Log.Warn(context.Background(), "unexpected state transition",
			slog.F("from", from),
			slog.F("to", to),
		)
	}
	s.opts.Log.Debug(context.Background(), "state changed", slog.F("from", from), slog.F("to", to))
}

// runningPID returns the pid of the running instance.
func (s *Supervisor) runningPID() (int, error) {
	pid, err := ReadPID(s.opts.PIDFile)
	if err != nil {
		if xerrors.Is(err, os.ErrNotExist) {
			return 0, ErrNotRunning
		}
		return 0, xerrors.Errorf("%v: %w", err, ErrNotRunning)
	}
	if !alive(s.kill, pid) {
		return 0, xerrors.Errorf("stale pid file names %v: %w", pid, ErrNotRunning)
	}
	return pid, nil
}

// Start runs svc in this process until ctx is done or a stop signal
// arrives. It records the pid and removes it on return.
func (s *Supervisor) Start(ctx context.Context, svc Service) (err error) {
	pid, err := s.runningPID()
	if err == nil && pid != os.Getpid() {
		return xerrors.Errorf("pid %v: %w", pid, ErrAlreadyRunning)
	}

	s.setState(Starting)

	// Control commands signal as soon as they can read the pid.
	sigs := make(chan os.Signal, 4)
	var notifyOn []os.Signal
	for _, sig := range handledSignals() {
		notifyOn = append(notifyOn, sig)
	}
	s.notify(sigs, notifyOn...)
	defer signal.Stop(sigs)

	err = WritePID(s.opts.PIDFile, os.Getpid())
	if err != nil {
		s.setState(Stopped)
		return err
	}
	defer func() {
		rerr := RemovePID(s.opts.PIDFile)
		if err == nil {
			err = rerr
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := xsync.Go(func() error {
		return svc.Serve(ctx)
	})
	s.setState(Running)
	s.opts.Log.Info(ctx, "server running", slog.F("pid", os.Getpid()), slog.F("pid_file", s.opts.PIDFile))

	for {
		select {
		case err := <-errs:
			s.setState(Stopped)
			return err
		case sig := <-sigs:
			ssig, _ := sig.(syscall.Signal)
			cmd, ok := commandFor(ssig)
			if !ok {
				continue
			}
			switch cmd {
			case CommandStop:
				s.opts.Log.Info(ctx, "stopping", slog.F("signal", sig.String()))
				s.setState(Stopping)
				cancel()
				err := <-errs
				s.setState(Stopped)
				return err
			case CommandReload, CommandReloadTask:
				taskOnly := cmd == CommandReloadTask
				s.setState(Reloading)
				err := svc.Reload(taskOnly)
				if err != nil {
					s.opts.Log.Error(ctx, "reload failed", slog.Error(err))
				} else {
					s.opts.Log.Info(ctx, "reloaded", slog.F("task_only", taskOnly))
				}
				s.setState(Running)
			}
		}
	}
}

// send delivers cmd to the running instance and returns its pid.
func (s *Supervisor) send(cmd Command) (int, error) {
	pid, err := s.runningPID()
	if err != nil {
		return 0, err
	}
	sig, ok := cmd.Signal()
	if !ok {
		return 0, xerrors.Errorf("%q: %w", cmd, ErrUnsupported)
	}
	err = s.kill(pid, sig)
	if err != nil {
		return 0, xerrors.Errorf("failed to send %v to %v: %w", cmd, pid, err)
	}
	return pid, nil
}

// Stop asks the running instance to stop and waits until it exits.
func (s *Supervisor) Stop(ctx context.Context) error {
	pid, err := s.send(CommandStop)
	if err != nil {
		return err
	}
	s.opts.Log.Info(ctx, "waiting for server to stop", slog.F("pid", pid))

	deadline := time.Now().Add(s.opts.StopTimeout)
	for alive(s.kill, pid) {
		if time.Now().After(deadline) {
			return xerrors.Errorf("pid %v still alive after %v: %w", pid, s.opts.StopTimeout, ErrStopTimeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.sleep(s.opts.PollInterval)
	}

	// A killed instance does not clean up after itself.
	return RemovePID(s.opts.PIDFile)
}

// Restart stops the running instance, if any, and calls start.
func (s *Supervisor) Restart(ctx context.Context, start func() error) error {
	err := s.Stop(ctx)
	if err != nil && !xerrors.Is(err, ErrNotRunning) {
		return err
	}
	return start()
}

// Reload asks the running instance to reload. With taskOnly only the
// event workers restart.
func (s *Supervisor) Reload(taskOnly bool) error {
	cmd := CommandReload
	if taskOnly {
		cmd = CommandReloadTask
	}
	_, err := s.send(cmd)
	return err
}

// Status returns the pid of the running instance.
func (s *Supervisor) Status() (int, error) {
	return s.runningPID()
}
