package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/wsserver/internal/supervisor"
	"nhooyr.io/wsserver/internal/test/assert"
	"nhooyr.io/wsserver/internal/xsync"
)

func runCmd(t *testing.T, ctx context.Context, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestHelp(t *testing.T) {
	t.Parallel()

	code, stdout, _ := runCmd(t, context.Background(), "help")
	assert.Equal(t, "code", supervisor.ExitOK, code)
	assert.Contains(t, stdout, "Usage: wsserver")
	assert.Contains(t, stdout, "--pid-file")

	code, stdout, _ = runCmd(t, context.Background(), "-h")
	assert.Equal(t, "code", supervisor.ExitOK, code)
	assert.Contains(t, stdout, "Commands:")

	code, _, stderr := runCmd(t, context.Background())
	assert.Equal(t, "code", supervisor.ExitError, code)
	assert.Contains(t, stderr, "Usage: wsserver")
}

func TestUnsupported(t *testing.T) {
	t.Parallel()

	code, _, stderr := runCmd(t, context.Background(), "-l", filepath.Join(t.TempDir(), "log"), "frobnicate")
	assert.Equal(t, "code", supervisor.ExitUnsupported, code)
	assert.Contains(t, stderr, "frobnicate")
}

func TestBadFlags(t *testing.T) {
	t.Parallel()

	code, _, _ := runCmd(t, context.Background(), "--nope", "start")
	assert.Equal(t, "code", supervisor.ExitError, code)

	code, _, stderr := runCmd(t, context.Background(), "-n", "0", "info")
	assert.Equal(t, "code", supervisor.ExitError, code)
	assert.Contains(t, stderr, "worker_num")
}

func TestNotRunning(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pid := filepath.Join(dir, "ws.pid")
	logFile := filepath.Join(dir, "ws.log")

	for _, cmd := range []string{"stop", "status", "reload"} {
		code, _, _ := runCmd(t, context.Background(), "-p", pid, "-l", logFile, cmd)
		assert.Equal(t, cmd, supervisor.ExitNotRunning, code)
	}
}

func TestInfo(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "ws.yaml")
	err := os.WriteFile(cfg, []byte("addr: 127.0.0.1:9100\nworker_num: 3\n"), 0o600)
	assert.Success(t, err)

	code, stdout, _ := runCmd(t, context.Background(), "-c", cfg, "-n", "5", "info")
	assert.Equal(t, "code", supervisor.ExitOK, code)
	assert.Contains(t, stdout, "127.0.0.1:9100")
	assert.Equal(t, "workers", "5", field(stdout, "workers"))
	assert.Contains(t, stdout, "nbio")
}

// field returns the value printed for key by info or status.
func field(out, key string) string {
	for _, l := range strings.Split(out, "\n") {
		if strings.HasPrefix(l, key+" ") {
			return strings.TrimSpace(strings.TrimPrefix(l, key))
		}
	}
	return ""
}

func TestStartReload(t *testing.T) {
	dir := t.TempDir()
	pid := filepath.Join(dir, "ws.pid")
	logFile := filepath.Join(dir, "ws.log")
	flags := []string{"-p", pid, "-l", logFile, "-s", "127.0.0.1:0"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := xsync.Go(func() error {
		code, _, stderr := runCmd(t, ctx, append(flags, "start")...)
		if code != supervisor.ExitOK {
			t.Errorf("start exited with %v: %v", code, stderr)
		}
		return nil
	})

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := supervisor.ReadPID(pid); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	code, stdout, _ := runCmd(t, context.Background(), append(flags, "status")...)
	assert.Equal(t, "status", supervisor.ExitOK, code)
	assert.Contains(t, stdout, "running with pid")

	code, _, _ = runCmd(t, context.Background(), append(flags, "start")...)
	assert.Equal(t, "second start", supervisor.ExitAlreadyRunning, code)

	code, _, _ = runCmd(t, context.Background(), append(flags, "reload")...)
	assert.Equal(t, "reload", supervisor.ExitOK, code)
	code, _, _ = runCmd(t, context.Background(), append(flags, "--task", "reload")...)
	assert.Equal(t, "reload task", supervisor.ExitOK, code)

	cancel()
	<-errs

	_, err := os.Stat(pid)
	assert.ErrorIs(t, os.ErrNotExist, err)
}

func TestStartArgs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "args", []string{"-d", "start", "-s", ":1"}, startArgs([]string{"-d", "restart", "-s", ":1"}))
	assert.Equal(t, "args", []string{"start"}, startArgs([]string{"start"}))
}
