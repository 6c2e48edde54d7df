package dilate

import (
	"bytes"
	"encoding/binary"

	"github.com/mjl-/wormhole/internal/errs"
)

// DefaultMaxFrameSize is the largest frame accepted when FramerConfig does
// not set one. It is the maximum size of a Noise message.
const DefaultMaxFrameSize = 65535

// DefaultRelayExpectedInbound is what a transit relay answers to a valid relay
// handshake.
var DefaultRelayExpectedInbound = []byte("ok\n")

// Frame is the unit exchanged between the framer and the record handler. On
// the wire, a frame is prefixed with its length as big-endian uint32.
type Frame []byte

// RelayHandshake configures the optional handshake with a transit relay,
// exchanged before the prologue.
type RelayHandshake struct {
	Outbound []byte

	// ExpectedInbound defaults to DefaultRelayExpectedInbound.
	ExpectedInbound []byte
}

// FramerConfig holds the byte strings a Framer exchanges before frames.
type FramerConfig struct {
	// Relay is nil for direct connections.
	Relay *RelayHandshake

	InboundPrologue  []byte
	OutboundPrologue []byte

	// MaxFrameSize defaults to DefaultMaxFrameSize.
	MaxFrameSize int
}

// FramerState is the state of a Framer.
type FramerState int

const (
	NotConnected FramerState = iota
	WantRelay
	WantPrologue
	WantFrame
	Disconnected
)

func (s FramerState) String() string {
	switch s {
	case NotConnected:
		return "not connected"
	case WantRelay:
		return "want relay"
	case WantPrologue:
		return "want prologue"
	case WantFrame:
		return "want frame"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// FramerOutput is produced by the framer.
type FramerOutput interface {
	framerOutput()
}

type (
	// Send holds bytes to write to the transport, in order.
	Send struct{ Data []byte }

	// PrologueReceived signals the peer's prologue was received. Frames
	// can be sent from now on.
	PrologueReceived struct{}

	// FrameReceived holds a complete frame from the peer.
	FrameReceived struct{ Frame Frame }

	// Lost signals the transport was disconnected.
	Lost struct{}
)

func (Send) framerOutput()             {}
func (PrologueReceived) framerOutput() {}
func (FrameReceived) framerOutput()    {}
func (Lost) framerOutput()             {}

// Framer turns a byte stream into frames, after an optional relay handshake
// and a prologue, and frames into bytes.
type Framer struct {
	config FramerConfig
	state  FramerState

	// Received bytes are buf[off:].
	buf []byte
	off int
}

// NewFramer returns a framer in state NotConnected.
func NewFramer(config FramerConfig) *Framer {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	if config.Relay != nil && config.Relay.ExpectedInbound == nil {
		relay := *config.Relay
		relay.ExpectedInbound = DefaultRelayExpectedInbound
		config.Relay = &relay
	}
	return &Framer{config: config, state: NotConnected}
}

// State returns the current state.
func (f *Framer) State() FramerState {
	return f.state
}

// Connected must be called once the transport is connected. It returns the
// relay handshake to send. For direct connections there is no output, the
// caller sends OutboundPrologue itself.
func (f *Framer) Connected() ([]FramerOutput, error) {
	if f.state != NotConnected {
		return nil, errs.Prefix(ErrContract, "connected in state %s", f.state)
	}
	if f.config.Relay != nil {
		f.state = WantRelay
		return []FramerOutput{Send{clone(f.config.Relay.Outbound)}}, nil
	}
	f.state = WantPrologue
	return nil, nil
}

// OutboundPrologue returns a copy of the prologue this side sends.
func (f *Framer) OutboundPrologue() []byte {
	return clone(f.config.OutboundPrologue)
}

// Relayed returns whether the framer starts with a relay handshake.
func (f *Framer) Relayed() bool {
	return f.config.Relay != nil
}

// DataReceived consumes bytes from the transport, in whatever chunks they
// arrived. It returns all events that became possible, in order.
func (f *Framer) DataReceived(data []byte) ([]FramerOutput, error) {
	switch f.state {
	case NotConnected:
		return nil, errs.Prefix(ErrContract, "data received before connected")
	case Disconnected:
		return nil, errs.Prefix(ErrDisconnected, "data received after disconnect")
	}

	f.buf = append(f.buf, data...)
	defer f.compact()

	var outputs []FramerOutput
	for {
		out, err := f.parseNext()
		if err != nil {
			return outputs, err
		}
		if out == nil {
			return outputs, nil
		}
		outputs = append(outputs, out...)
	}
}

// parseNext makes at most one step of progress. It returns nil outputs when
// more data is needed.
func (f *Framer) parseNext() ([]FramerOutput, error) {
	switch f.state {
	case WantRelay:
		found, err := f.expect("relay handshake", f.config.Relay.ExpectedInbound)
		if err != nil || !found {
			return nil, err
		}
		f.state = WantPrologue
		return []FramerOutput{Send{clone(f.config.OutboundPrologue)}}, nil

	case WantPrologue:
		found, err := f.expect("prologue", f.config.InboundPrologue)
		if err != nil || !found {
			return nil, err
		}
		f.state = WantFrame
		return []FramerOutput{PrologueReceived{}}, nil

	case WantFrame:
		frame, err := f.parseFrame()
		if err != nil || frame == nil {
			return nil, err
		}
		return []FramerOutput{FrameReceived{frame}}, nil
	}
	return nil, nil
}

// expect consumes expected from the start of the buffer. Once the buffered
// bytes cannot be a prefix of expected, an error is returned, but only after
// either a newline or len(expected) bytes have been received, so the error
// shows what the peer actually sent.
func (f *Framer) expect(what string, expected []byte) (bool, error) {
	buf := f.buf[f.off:]
	if bytes.HasPrefix(buf, expected) {
		f.off += len(expected)
		return true, nil
	}
	if bytes.HasPrefix(expected, buf) {
		return false, nil
	}
	if bytes.IndexByte(buf, '\n') < 0 && len(buf) < len(expected) {
		return false, nil
	}
	n := len(expected)
	if n > len(buf) {
		n = len(buf)
	}
	return false, &FramingError{What: what, Prefix: clone(buf[:n])}
}

func (f *Framer) parseFrame() (Frame, error) {
	buf := f.buf[f.off:]
	if len(buf) < 4 {
		return nil, nil
	}
	size := binary.BigEndian.Uint32(buf)
	if uint64(size) > uint64(f.config.MaxFrameSize) {
		return nil, errs.Prefix(ErrFraming, "frame length %d exceeds maximum %d", size, f.config.MaxFrameSize)
	}
	if len(buf) < 4+int(size) {
		return nil, nil
	}
	// Frames are copied out, the buffer is reused after compaction.
	frame := make(Frame, size)
	copy(frame, buf[4:])
	f.off += 4 + int(size)
	return frame, nil
}

func (f *Framer) compact() {
	switch {
	case f.off == len(f.buf):
		f.buf = f.buf[:0]
		f.off = 0
	case f.off > 0 && f.off >= len(f.buf)/2:
		n := copy(f.buf, f.buf[f.off:])
		f.buf = f.buf[:n]
		f.off = 0
	}
}

// SendFrame returns the bytes for frame, length-prefixed. Frames can only be
// sent after the prologue was received.
func (f *Framer) SendFrame(frame Frame) ([]FramerOutput, error) {
	if f.state != WantFrame {
		return nil, errs.Prefix(ErrContract, "send frame in state %s", f.state)
	}
	if len(frame) > f.config.MaxFrameSize {
		return nil, errs.Prefix(ErrContract, "frame of %d bytes exceeds maximum %d", len(frame), f.config.MaxFrameSize)
	}
	return []FramerOutput{Send{EncodeFrame(frame)}}, nil
}

// Disconnected must be called when the transport is gone. Calling it before
// Connected or a second time returns an error.
func (f *Framer) Disconnected() ([]FramerOutput, error) {
	switch f.state {
	case NotConnected:
		return nil, errs.Prefix(ErrContract, "disconnected before connected")
	case Disconnected:
		return nil, errs.Prefix(ErrDisconnected, "already disconnected")
	}
	f.state = Disconnected
	f.buf = nil
	f.off = 0
	return []FramerOutput{Lost{}}, nil
}

// EncodeFrame returns frame with its 4-byte big-endian length prefix.
func EncodeFrame(frame Frame) []byte {
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	return buf
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
