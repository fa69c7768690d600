package supervisor

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"nhooyr.io/wsserver/internal/errd"
)

// ReadPID reads the pid recorded at path.
func ReadPID(path string) (_ int, err error) {
	defer errd.Wrap(&err, "failed to read pid file %v", path)

	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, err
	}
	if pid <= 0 {
		return 0, xerrors.Errorf("invalid pid %v", pid)
	}
	return pid, nil
}

// WritePID records pid at path, replacing the file atomically.
func WritePID(path string, pid int) (err error) {
	defer errd.Wrap(&err, "failed to write pid file %v", path)

	tmp := path + ".tmp"
	err = os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644)
	if err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RemovePID removes the pid file. A missing file is not an error.
func RemovePID(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

type killFunc func(pid int, sig syscall.Signal) error

// alive reports whether a process with pid exists. A process we may not
// signal still exists.
func alive(kill killFunc, pid int) bool {
	if pid <= 0 {
		return false
	}
	err := kill(pid, 0)
	return err == nil || xerrors.Is(err, unix.EPERM)
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	return alive(unix.Kill, pid)
}
