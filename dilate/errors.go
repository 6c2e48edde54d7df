package dilate

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming is returned for malformed relay handshakes, prologues and
	// frame length prefixes. The connection attempt must be abandoned.
	ErrFraming = errors.New("framing error")

	// ErrDecrypt is returned when a Noise handshake message or record cannot
	// be authenticated and decrypted.
	ErrDecrypt = errors.New("decrypt error")

	// ErrParse is returned for decrypted records with an unknown type or a
	// length that does not match the type.
	ErrParse = errors.New("record parse error")

	// ErrProtocol is returned when a peer sends input that is well-formed but
	// not allowed in the current state.
	ErrProtocol = errors.New("protocol error")

	// ErrContract is returned when the local side calls an operation that is
	// not allowed in the current state.
	ErrContract = errors.New("operation not allowed in current state")

	// ErrDisconnected is returned for operations on a disconnected framer.
	ErrDisconnected = errors.New("disconnected")
)

// FramingError describes a relay handshake or prologue that did not match
// what was expected. Prefix holds the offending bytes, for diagnostics.
type FramingError struct {
	What   string
	Prefix []byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%s: bad %s: %q", ErrFraming, e.What, e.Prefix)
}

// Is makes errors.Is(err, ErrFraming) true.
func (e *FramingError) Is(target error) bool {
	return target == ErrFraming
}
