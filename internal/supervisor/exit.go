package supervisor

import (
	"golang.org/x/xerrors"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitAlreadyRunning = 2
	ExitNotRunning     = 3
	ExitStopTimeout    = 4
	ExitUnsupported    = 5
)

var (
	ErrAlreadyRunning = xerrors.New("server is already running")
	ErrNotRunning     = xerrors.New("server is not running")
	ErrStopTimeout    = xerrors.New("server did not stop in time")
	ErrUnsupported    = xerrors.New("unsupported command")
)

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case xerrors.Is(err, ErrAlreadyRunning):
		return ExitAlreadyRunning
	case xerrors.Is(err, ErrNotRunning):
		return ExitNotRunning
	case xerrors.Is(err, ErrStopTimeout):
		return ExitStopTimeout
	case xerrors.Is(err, ErrUnsupported):
		return ExitUnsupported
	}
	return ExitError
}
