// Package errs holds the error wrappers shared by the wormhole packages.
package errs

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Remove when xerrors supports "%w" in arbitrary location in the formatting
// string. At the time of writing, it only allows it at the end.
type prefixErr struct {
	err    error
	errmsg string
}

// Prefix returns an error with message "err: format", that unwraps to err.
func Prefix(err error, format string, args ...interface{}) error {
	return &prefixErr{err, err.Error() + ": " + fmt.Sprintf(format, args...)}
}

func (e *prefixErr) Error() string {
	return e.errmsg
}

func (e *prefixErr) Unwrap() error {
	return e.err
}

// wrapErr implements "Is" for the first error, and unwraps into the second error.
type wrapErr struct {
	err  error
	next error
}

// Wrap returns an error that is err, and unwraps to next.
func Wrap(err, next error) error {
	return &wrapErr{err, next}
}

func (e *wrapErr) Error() string {
	return e.err.Error() + ": " + e.next.Error()
}

func (e *wrapErr) Is(err error) bool {
	return xerrors.Is(e.err, err)
}

func (e *wrapErr) Unwrap() error {
	return e.next
}
