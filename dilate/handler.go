package dilate

import (
	"errors"

	"github.com/mjl-/wormhole/internal/errs"
)

// Role determines which side starts the Noise handshake.
type Role int

const (
	Leader Role = iota
	Follower
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

// RecordState is the state of a RecordHandler.
type RecordState int

const (
	RecordWantPrologue RecordState = iota
	RecordWantHandshake
	RecordWantMessage

	// RecordFailed is entered when the Noise state may be inconsistent, after
	// a failed handshake message or decryption. All later calls return the
	// error that caused it.
	RecordFailed
)

func (s RecordState) String() string {
	switch s {
	case RecordWantPrologue:
		return "want prologue"
	case RecordWantHandshake:
		return "want handshake"
	case RecordWantMessage:
		return "want message"
	case RecordFailed:
		return "failed"
	}
	return "unknown"
}

// RecordOutput is produced by the record handler.
type RecordOutput interface {
	recordOutput()
}

type (
	// SendFrame holds a frame to pass to Framer.SendFrame.
	SendFrame struct{ Frame Frame }

	// HandshakeComplete signals records can be sent and received.
	HandshakeComplete struct{}

	// RecordReceived holds a decrypted and parsed record from the peer.
	RecordReceived struct{ Record Record }
)

func (SendFrame) recordOutput()         {}
func (HandshakeComplete) recordOutput() {}
func (RecordReceived) recordOutput()    {}

// RecordHandler runs the Noise handshake over the first frames of a
// connection, then encrypts and decrypts records.
type RecordHandler struct {
	role  Role
	state RecordState
	noise Noise
	err   error // Set in RecordFailed.
}

// NewRecordHandler returns a handler in state RecordWantPrologue.
func NewRecordHandler(role Role, noise Noise) *RecordHandler {
	return &RecordHandler{role: role, state: RecordWantPrologue, noise: noise}
}

// Role returns the role the handler was created with.
func (h *RecordHandler) Role() Role {
	return h.role
}

// State returns the current state.
func (h *RecordHandler) State() RecordState {
	return h.state
}

// PrologueReceived must be called when the framer has received the peer's
// prologue. The leader then sends the first handshake message.
func (h *RecordHandler) PrologueReceived() ([]RecordOutput, error) {
	if h.state == RecordFailed {
		return nil, h.err
	}
	if h.state != RecordWantPrologue {
		return nil, errs.Prefix(ErrProtocol, "prologue in state %s", h.state)
	}
	h.state = RecordWantHandshake
	if h.role == Follower {
		return nil, nil
	}
	msg, err := h.noise.WriteMessage()
	if err != nil {
		return nil, h.fail(err)
	}
	return []RecordOutput{SendFrame{msg}}, nil
}

// fail moves the handler to RecordFailed, keeping err for later calls.
func (h *RecordHandler) fail(err error) error {
	h.state = RecordFailed
	h.err = err
	return err
}

// FrameReceived processes a frame from the framer. In RecordWantPrologue, the
// frame only marks the prologue cycle and is not inspected. The next frame is
// the peer's handshake message, all later frames are records.
func (h *RecordHandler) FrameReceived(frame Frame) ([]RecordOutput, error) {
	switch h.state {
	case RecordFailed:
		return nil, h.err

	case RecordWantPrologue:
		return h.PrologueReceived()

	case RecordWantHandshake:
		// Noise can carry a payload in handshake messages, we do not use it.
		if _, err := h.noise.ReadMessage(frame); err != nil {
			return nil, h.fail(decryptError(err))
		}
		h.state = RecordWantMessage
		if h.role == Leader {
			return []RecordOutput{HandshakeComplete{}}, nil
		}
		msg, err := h.noise.WriteMessage()
		if err != nil {
			return nil, h.fail(err)
		}
		return []RecordOutput{SendFrame{msg}, HandshakeComplete{}}, nil

	default:
		plaintext, err := h.noise.Decrypt(frame)
		if err != nil {
			return nil, h.fail(decryptError(err))
		}
		record, err := ParseRecord(plaintext)
		if err != nil {
			return nil, err
		}
		return []RecordOutput{RecordReceived{record}}, nil
	}
}

func decryptError(err error) error {
	if errors.Is(err, ErrDecrypt) || errors.Is(err, ErrProtocol) {
		return err
	}
	return errs.Wrap(ErrDecrypt, err)
}

// SendRecord encrypts a record into a frame. Records can only be sent after
// the handshake completed.
func (h *RecordHandler) SendRecord(record Record) ([]RecordOutput, error) {
	if h.state == RecordFailed {
		return nil, h.err
	}
	if h.state != RecordWantMessage {
		return nil, errs.Prefix(ErrContract, "send %s record in state %s", TypeName(record.Type()), h.state)
	}
	ciphertext, err := h.noise.Encrypt(EncodeRecord(record))
	if err != nil {
		return nil, h.fail(err)
	}
	return []RecordOutput{SendFrame{ciphertext}}, nil
}
