package errs

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBase = errors.New("base")

func TestPrefix(t *testing.T) {
	err := Prefix(errBase, "value %d", 3)
	require.Equal(t, "base: value 3", err.Error())
	require.True(t, errors.Is(err, errBase))
	require.Equal(t, errBase, errors.Unwrap(err))
}

func TestWrap(t *testing.T) {
	err := Wrap(errBase, io.ErrUnexpectedEOF)
	require.Equal(t, "base: unexpected EOF", err.Error())
	require.True(t, errors.Is(err, errBase))
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	// Prefixed causes keep matching their own sentinel.
	err = Wrap(errBase, Prefix(io.EOF, "reading"))
	require.True(t, errors.Is(err, io.EOF))
}
