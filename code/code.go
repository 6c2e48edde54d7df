// Package code implements the code machine: it turns a human-exchanged
// wormhole code, or the pieces it is entered as, into a known code and
// nameplate.
//
// A code has the form "<nameplate>-<word>-<word>...", for example
// "4-purple-sausages". The nameplate is announced to a rendezvous service to
// find the other side. The full code is the shared secret.
//
// Machine is a synchronous state machine. Each operation returns the events it
// produced, in order, for the caller to dispatch to the allocator, the input
// helper, the nameplate and key machines and the application.
package code

import (
	"errors"
	"strings"

	"github.com/mjl-/wormhole/internal/errs"
)

var (
	// ErrBadCode is returned for codes that are not of the form
	// "<digits>-<word>...".
	ErrBadCode = errors.New("malformed code")

	// ErrProtocol is returned when input from the allocator does not fit the
	// current state, or is inconsistent.
	ErrProtocol = errors.New("code protocol error")

	// ErrContract is returned when the local application calls an operation
	// that is not valid in the current state.
	ErrContract = errors.New("code operation not allowed in current state")
)

// Code is a full wormhole code, nameplate and words.
type Code string

// Nameplate is the leading, public part of a code.
type Nameplate string

// Nameplate returns the part of the code before the first "-". If the code
// has no "-", the whole code is returned.
func (c Code) Nameplate() Nameplate {
	s := string(c)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return Nameplate(s[:i])
	}
	return Nameplate(s)
}

// Words returns the part of the code after the first "-".
func (c Code) Words() string {
	s := string(c)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// Wordlist chooses the words of a code. The code machine only passes it on
// to the allocator.
type Wordlist interface {
	// NumWords is the number of words in a code, not counting the nameplate.
	NumWords() int

	// ChooseWords returns NumWords words joined with "-".
	ChooseWords() string
}

// ValidateCode checks that code has a numeric nameplate followed by at least
// one word, and contains no spaces.
func ValidateCode(code Code) error {
	s := string(code)
	if strings.Contains(s, " ") {
		return errs.Prefix(ErrBadCode, "code contains spaces")
	}
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return errs.Prefix(ErrBadCode, "code has no dash")
	}
	if err := validateNameplate(Nameplate(s[:i])); err != nil {
		return err
	}
	if i == len(s)-1 {
		return errs.Prefix(ErrBadCode, "code has no words")
	}
	return nil
}

func validateNameplate(nameplate Nameplate) error {
	if nameplate == "" {
		return errs.Prefix(ErrBadCode, "empty nameplate")
	}
	for _, c := range nameplate {
		if c < '0' || c > '9' {
			return errs.Prefix(ErrBadCode, "nameplate %q is not numeric", nameplate)
		}
	}
	return nil
}
