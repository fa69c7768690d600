// Package xsync contains goroutine helpers that never let a panic escape.
package xsync

import (
	"golang.org/x/xerrors"
)

// Go runs fn in a new goroutine and delivers its error, or the value it
// panicked with, on the returned channel.
func Go(fn func() error) <-chan error {
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		errs <- Recover(fn)
	}()
	return errs
}

// Recover calls fn and converts a panic into an error.
func Recover(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = xerrors.Errorf("panic in goroutine: %v", r)
		}
	}()
	return fn()
}
