package wormhole

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/mjl-/wormhole/code"
)

// KeySize is the size of the wormhole key and of keys derived from it.
const KeySize = 32

const (
	purposeCodeKey     = "wormhole:code-key"
	purposeDilationPSK = "dilation-v1"
	purposeRelayToken  = "transit_relay_token"
)

func deriveKey(secret []byte, purpose string) []byte {
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF can produce 255 hash lengths of output.
		panic(err)
	}
	return key
}

// CodeKey derives a wormhole key directly from a code. Unlike a key agreed
// with PAKE through a rendezvous server, it offers no protection against
// offline guessing of the code by someone who observed the handshake. Use it
// only with long codes, or set Config.Key.
func CodeKey(c code.Code) []byte {
	return deriveKey([]byte(c), purposeCodeKey)
}

// DilationPSK derives the pre-shared key for the Noise handshake of dilation
// from the wormhole key.
func DilationPSK(key []byte) []byte {
	return deriveKey(key, purposeDilationPSK)
}

// RelayToken derives the token both sides present to a transit relay, for the
// relay to match them.
func RelayToken(key []byte) []byte {
	return deriveKey(key, purposeRelayToken)
}
