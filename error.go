package wormhole

import (
	"errors"

	"golang.org/x/xerrors"
)

var (
	// ErrBadAddress is returned when a wormhole address is malformed.
	ErrBadAddress = errors.New("malformed wormhole address")

	// ErrBadConfig is returned when a config and address cannot be turned into a
	// usable Config.
	ErrBadConfig = errors.New("invalid configuration/address combination")

	// ErrConnClosed is returned when calling functions on a closed connection or
	// subchannel.
	ErrConnClosed = errors.New("connection closed")

	// ErrNoWormholeDir indicates no .wormhole directory was found.
	ErrNoWormholeDir = errors.New("no .wormhole directory found")

	// ErrTimeout is returned by reads on a subchannel after its deadline
	// passed. It implements net.Error.
	ErrTimeout error = timeoutError{}

	errHandshakeDone = errors.New("handshake already completed")
	errNoConfig      = errors.New("nil config passed to function")
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func errorHandler(fn func(error)) (func(error, string), func()) {
	type localError struct {
		err error
	}

	check := func(err error, msg string) {
		if err != nil {
			err = xerrors.Errorf("%s: %w", msg, err)
			panic(&localError{err})
		}
	}
	handle := func() {
		e := recover()
		if e == nil {
			return
		}
		if le, ok := e.(*localError); ok {
			fn(le.err)
		} else {
			panic(e)
		}
	}
	return check, handle
}
