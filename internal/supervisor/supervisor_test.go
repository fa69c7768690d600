package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"cdr.dev/slog/sloggers/slogtest"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"nhooyr.io/wsserver/internal/test/assert"
	"nhooyr.io/wsserver/internal/xsync"
)

// fakeProcs stands in for the kernel's process table.
type fakeProcs struct {
	mu    sync.Mutex
	alive map[int]bool
	sent  []syscall.Signal
	// dieOn makes a process exit when it receives the signal.
	dieOn syscall.Signal
	// deny answers liveness probes with EPERM.
	deny bool
}

func (f *fakeProcs) kill(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.alive[pid] {
		return unix.ESRCH
	}
	if sig == 0 {
		if f.deny {
			return unix.EPERM
		}
		return nil
	}
	f.sent = append(f.sent, sig)
	if f.dieOn != 0 && sig == f.dieOn {
		delete(f.alive, pid)
	}
	return nil
}

func (f *fakeProcs) signals() []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syscall.Signal(nil), f.sent...)
}

func newTestSupervisor(t *testing.T, procs *fakeProcs) *Supervisor {
	s := New(Options{
		PIDFile:      filepath.Join(t.TempDir(), "ws.pid"),
		StopTimeout:  50 * time.Millisecond,
		PollInterval: time.Millisecond,
		Log:          slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	s.kill = procs.kill
	return s
}

func TestPIDFile(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "ws.pid")

	_, err := ReadPID(p)
	assert.ErrorIs(t, os.ErrNotExist, err)

	assert.Success(t, WritePID(p, 4242))
	pid, err := ReadPID(p)
	assert.Success(t, err)
	assert.Equal(t, "pid", 4242, pid)

	assert.Success(t, RemovePID(p))
	assert.Success(t, RemovePID(p))

	assert.Success(t, os.WriteFile(p, []byte("nope"), 0o644))
	_, err = ReadPID(p)
	assert.Error(t, err)
}

func TestAlive(t *testing.T) {
	t.Parallel()

	assert.True(t, "self", Alive(os.Getpid()))
	assert.True(t, "zero", !Alive(0))

	procs := &fakeProcs{alive: map[int]bool{7: true}, deny: true}
	assert.True(t, "eperm", alive(procs.kill, 7))
	assert.True(t, "missing", !alive(procs.kill, 8))
}

func TestStop(t *testing.T) {
	t.Parallel()

	t.Run("notRunning", func(t *testing.T) {
		t.Parallel()

		s := newTestSupervisor(t, &fakeProcs{})
		err := s.Stop(context.Background())
		assert.ErrorIs(t, ErrNotRunning, err)
		assert.Equal(t, "exit", ExitNotRunning, ExitCode(err))
	})

	t.Run("stale", func(t *testing.T) {
		t.Parallel()

		s := newTestSupervisor(t, &fakeProcs{})
		assert.Success(t, WritePID(s.opts.PIDFile, 99))
		err := s.Stop(context.Background())
		assert.ErrorIs(t, ErrNotRunning, err)
	})

	t.Run("stops", func(t *testing.T) {
		t.Parallel()

		procs := &fakeProcs{alive: map[int]bool{99: true}, dieOn: unix.SIGTERM}
		s := newTestSupervisor(t, procs)
		assert.Success(t, WritePID(s.opts.PIDFile, 99))

		err := s.Stop(context.Background())
		assert.Success(t, err)
		assert.Equal(t, "signals", []syscall.Signal{unix.SIGTERM}, procs.signals())

		_, err = os.Stat(s.opts.PIDFile)
		assert.ErrorIs(t, os.ErrNotExist, err)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		procs := &fakeProcs{alive: map[int]bool{99: true}}
		s := newTestSupervisor(t, procs)
		assert.Success(t, WritePID(s.opts.PIDFile, 99))

		err := s.Stop(context.Background())
		assert.ErrorIs(t, ErrStopTimeout, err)
		assert.Equal(t, "exit", ExitStopTimeout, ExitCode(err))
		// Never escalates.
		assert.Equal(t, "signals", []syscall.Signal{unix.SIGTERM}, procs.signals())
	})
}

func TestReload(t *testing.T) {
	t.Parallel()

	procs := &fakeProcs{alive: map[int]bool{99: true}}
	s := newTestSupervisor(t, procs)

	err := s.Reload(false)
	assert.ErrorIs(t, ErrNotRunning, err)

	assert.Success(t, WritePID(s.opts.PIDFile, 99))
	assert.Success(t, s.Reload(false))
	assert.Success(t, s.Reload(true))
	assert.Equal(t, "signals", []syscall.Signal{unix.SIGUSR1, unix.SIGUSR2}, procs.signals())

	pid, err := s.Status()
	assert.Success(t, err)
	assert.Equal(t, "pid", 99, pid)
}

func TestRestart(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t, &fakeProcs{})
	started := false
	err := s.Restart(context.Background(), func() error {
		started = true
		return nil
	})
	assert.Success(t, err)
	assert.True(t, "started", started)
}

type fakeService struct {
	reloads chan bool
}

func (f *fakeService) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeService) Reload(taskOnly bool) error {
	f.reloads <- taskOnly
	return nil
}

func TestStart(t *testing.T) {
	t.Parallel()

	t.Run("signals", func(t *testing.T) {
		t.Parallel()

		s := newTestSupervisor(t, &fakeProcs{alive: map[int]bool{os.Getpid(): true}})
		sigs := make(chan chan<- os.Signal, 1)
		s.notify = func(c chan<- os.Signal, _ ...os.Signal) {
			sigs <- c
		}

		svc := &fakeService{reloads: make(chan bool)}
		errs := xsync.Go(func() error {
			return s.Start(context.Background(), svc)
		})
		c := <-sigs

		pid, err := ReadPID(s.opts.PIDFile)
		assert.Success(t, err)
		assert.Equal(t, "pid", os.Getpid(), pid)

		c <- unix.SIGUSR1
		assert.Equal(t, "task only", false, <-svc.reloads)
		c <- unix.SIGUSR2
		assert.Equal(t, "task only", true, <-svc.reloads)

		c <- unix.SIGTERM
		assert.Success(t, <-errs)
		assert.Equal(t, "state", Stopped, s.State())

		_, err = os.Stat(s.opts.PIDFile)
		assert.ErrorIs(t, os.ErrNotExist, err)
	})

	t.Run("alreadyRunning", func(t *testing.T) {
		t.Parallel()

		s := newTestSupervisor(t, &fakeProcs{alive: map[int]bool{99: true}})
		assert.Success(t, WritePID(s.opts.PIDFile, 99))

		err := s.Start(context.Background(), &fakeService{})
		assert.ErrorIs(t, ErrAlreadyRunning, err)
		assert.Equal(t, "exit", ExitAlreadyRunning, ExitCode(err))
	})

	t.Run("serviceError", func(t *testing.T) {
		t.Parallel()

		s := newTestSupervisor(t, &fakeProcs{})
		s.notify = func(chan<- os.Signal, ...os.Signal) {}

		errBoom := xerrors.New("boom")
		err := s.Start(context.Background(), serviceFunc(func(ctx context.Context) error {
			return errBoom
		}))
		assert.ErrorIs(t, errBoom, err)
		assert.Equal(t, "exit", ExitError, ExitCode(err))
	})
}

type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }
func (f serviceFunc) Reload(bool) error               { return nil }

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "nil", ExitOK, ExitCode(nil))
	assert.Equal(t, "unsupported", ExitUnsupported, ExitCode(xerrors.Errorf("frob: %w", ErrUnsupported)))
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "running", "running", Running.String())
	assert.True(t, "transition", Running.canTransition(Reloading))
	assert.True(t, "no transition", !Stopped.canTransition(Running))
}

func TestCommandSignals(t *testing.T) {
	t.Parallel()

	for _, c := range []Command{CommandStop, CommandReload, CommandReloadTask} {
		sig, ok := c.Signal()
		assert.True(t, "known", ok)
		back, ok := commandFor(sig)
		assert.True(t, "inverse", ok)
		assert.Equal(t, "round trip", c, back)
	}

	c, ok := commandFor(unix.SIGINT)
	assert.True(t, "sigint", ok)
	assert.Equal(t, "sigint stops", CommandStop, c)

	_, ok = commandFor(unix.SIGHUP)
	assert.True(t, "sighup unhandled", !ok)
	_, ok = Command("frob").Signal()
	assert.True(t, "unknown command", !ok)
	assert.Equal(t, "handled", 4, len(handledSignals()))
}
