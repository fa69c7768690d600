package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/xerrors"
)

const envDaemon = "WSSERVER_DAEMON"

// IsDaemon reports whether this process was started by Daemonize.
func IsDaemon() bool {
	return os.Getenv(envDaemon) == "1"
}

// Daemonize starts this program again with args in a new session,
// detached from the terminal, and returns the child's pid. Output goes
// to logFile, or nowhere when it is empty.
func Daemonize(args []string, logFile string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, xerrors.Errorf("failed to find executable: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, xerrors.Errorf("failed to open %v: %w", os.DevNull, err)
	}
	defer devnull.Close()

	out := devnull
	if logFile != "" {
		out, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, xerrors.Errorf("failed to open log file: %w", err)
		}
		defer out.Close()
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), envDaemon+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	err = cmd.Start()
	if err != nil {
		return 0, xerrors.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	err = cmd.Process.Release()
	if err != nil {
		return pid, xerrors.Errorf("failed to release daemon: %w", err)
	}
	return pid, nil
}
