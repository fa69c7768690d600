package supervisor

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Command is a control request sent to a running server.
type Command string

const (
	CommandStop       Command = "stop"
	CommandReload     Command = "reload"
	CommandReloadTask Command = "reload-task"
)

// commandSignals maps control commands to the signal that carries them.
var commandSignals = map[Command]syscall.Signal{
	CommandStop:       unix.SIGTERM,
	CommandReload:     unix.SIGUSR1,
	CommandReloadTask: unix.SIGUSR2,
}

// Signal returns the signal that carries c.
func (c Command) Signal() (syscall.Signal, bool) {
	sig, ok := commandSignals[c]
	return sig, ok
}

// commandFor is the inverse of Command.Signal. SIGINT stops too.
func commandFor(sig syscall.Signal) (Command, bool) {
	if sig == unix.SIGINT {
		return CommandStop, true
	}
	for c, s := range commandSignals {
		if s == sig {
			return c, true
		}
	}
	return "", false
}

func handledSignals() []syscall.Signal {
	sigs := []syscall.Signal{unix.SIGINT}
	for _, s := range commandSignals {
		sigs = append(sigs, s)
	}
	return sigs
}
