package dilate

import (
	"io"

	"github.com/flynn/noise"

	"github.com/mjl-/wormhole/internal/errs"
)

const (
	// authSize authenticator bytes are appended to encrypted data by ChaCha20-Poly1305.
	authSize = 16

	// MaxRecordSize is the maximum size of a plaintext record.
	MaxRecordSize = noise.MaxMsgLen - authSize

	// MaxDataPayload is the maximum payload of a single Data record.
	MaxDataPayload = MaxRecordSize - DataHeaderSize

	// NoisePrologue is mixed into the Noise handshake.
	NoisePrologue = "wormhole-dilation-v1"
)

// Noise is the handshake and transport encryption capability used by the
// record handler. The leader calls WriteMessage then ReadMessage, the follower
// ReadMessage then WriteMessage. Encrypt and Decrypt are valid once both
// messages have been processed.
type Noise interface {
	WriteMessage() ([]byte, error)
	ReadMessage(message []byte) ([]byte, error)
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// NoiseSession implements Noise with the Noise_NNpsk0_25519_ChaChaPoly_BLAKE2s
// protocol. The pre-shared key is derived from the wormhole key, so both
// sides prove knowledge of the code.
type NoiseSession struct {
	state *noise.HandshakeState
	enc   *noise.CipherState
	dec   *noise.CipherState
	lead  bool
}

// NewNoise returns a NoiseSession for role. The psk must be 32 bytes. If
// random is nil, crypto/rand is used.
func NewNoise(role Role, psk []byte, random io.Reader) (*NoiseSession, error) {
	if len(psk) != 32 {
		return nil, errs.Prefix(ErrContract, "pre-shared key must be 32 bytes, got %d", len(psk))
	}
	config := noise.Config{
		Random:                random,
		CipherSuite:           noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s),
		Pattern:               noise.HandshakeNN,
		Initiator:             role == Leader,
		Prologue:              []byte(NoisePrologue),
		PresharedKey:          psk,
		PresharedKeyPlacement: 0,
	}
	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, errs.Wrap(ErrContract, err)
	}
	return &NoiseSession{state: state, lead: role == Leader}, nil
}

func (s *NoiseSession) split(cs0, cs1 *noise.CipherState) {
	if cs0 == nil {
		return
	}
	if s.lead {
		s.enc, s.dec = cs0, cs1
	} else {
		s.enc, s.dec = cs1, cs0
	}
}

// WriteMessage returns the next handshake message.
func (s *NoiseSession) WriteMessage() ([]byte, error) {
	if s.enc != nil {
		return nil, errs.Prefix(ErrContract, "handshake already completed")
	}
	msg, cs0, cs1, err := s.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, errs.Wrap(ErrContract, err)
	}
	s.split(cs0, cs1)
	return msg, nil
}

// ReadMessage processes a handshake message from the peer and returns its
// payload, which is empty in this protocol.
func (s *NoiseSession) ReadMessage(message []byte) ([]byte, error) {
	if s.enc != nil {
		return nil, errs.Prefix(ErrProtocol, "handshake message after completed handshake")
	}
	payload, cs0, cs1, err := s.state.ReadMessage(nil, message)
	if err != nil {
		return nil, errs.Wrap(ErrDecrypt, err)
	}
	s.split(cs0, cs1)
	return payload, nil
}

// Encrypt seals a record.
func (s *NoiseSession) Encrypt(plaintext []byte) ([]byte, error) {
	if s.enc == nil {
		return nil, errs.Prefix(ErrContract, "encrypt before handshake completed")
	}
	if len(plaintext) > MaxRecordSize {
		return nil, errs.Prefix(ErrContract, "record of %d bytes too big", len(plaintext))
	}
	return s.enc.Encrypt(nil, nil, plaintext)
}

// Decrypt opens a record.
func (s *NoiseSession) Decrypt(ciphertext []byte) ([]byte, error) {
	if s.dec == nil {
		return nil, errs.Prefix(ErrProtocol, "record before handshake completed")
	}
	plaintext, err := s.dec.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, errs.Wrap(ErrDecrypt, err)
	}
	return plaintext, nil
}
