package dilate

import (
	"encoding/binary"
	"fmt"

	"github.com/mjl-/wormhole/internal/errs"
)

// Record type tags, the first byte of a decrypted frame.
const (
	TypeKCM   byte = 0x00
	TypePing  byte = 0x01
	TypePong  byte = 0x02
	TypeOpen  byte = 0x03
	TypeData  byte = 0x04
	TypeClose byte = 0x05
	TypeAck   byte = 0x06
)

// Sizes of the encoded records, including the type byte. Data records are
// DataHeaderSize plus the payload.
const (
	kcmSize        = 1
	pingSize       = 1 + 4
	openSize       = 1 + 4 + 4
	ackSize        = 1 + 4
	DataHeaderSize = 1 + 4 + 4
)

// SubchannelID identifies a subchannel within a connection.
type SubchannelID uint32

// Seqnum numbers Open, Data and Close records sent on a connection.
type Seqnum uint32

// PingID is an opaque identifier echoed in a Pong.
type PingID [4]byte

// Record is one of KCM, Ping, Pong, Open, Data, Close, Ack.
type Record interface {
	Type() byte
}

type (
	// KCM marks the connection as the one chosen to carry the dilation.
	KCM struct{}

	Ping struct{ ID PingID }
	Pong struct{ ID PingID }

	Open struct {
		SubchannelID SubchannelID
		Seqnum       Seqnum
	}

	Data struct {
		SubchannelID SubchannelID
		Seqnum       Seqnum
		Payload      []byte
	}

	Close struct {
		SubchannelID SubchannelID
		Seqnum       Seqnum
	}

	Ack struct{ Seqnum Seqnum }
)

func (KCM) Type() byte   { return TypeKCM }
func (Ping) Type() byte  { return TypePing }
func (Pong) Type() byte  { return TypePong }
func (Open) Type() byte  { return TypeOpen }
func (Data) Type() byte  { return TypeData }
func (Close) Type() byte { return TypeClose }
func (Ack) Type() byte   { return TypeAck }

// TypeName returns a short lower-case name for a record type tag, used in logs
// and metric labels.
func TypeName(t byte) string {
	switch t {
	case TypeKCM:
		return "kcm"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeOpen:
		return "open"
	case TypeData:
		return "data"
	case TypeClose:
		return "close"
	case TypeAck:
		return "ack"
	}
	return "unknown"
}

// EncodeRecord returns the plaintext wire form of r.
func EncodeRecord(r Record) []byte {
	switch r := r.(type) {
	case KCM:
		return []byte{TypeKCM}
	case Ping:
		return append([]byte{TypePing}, r.ID[:]...)
	case Pong:
		return append([]byte{TypePong}, r.ID[:]...)
	case Open:
		return encodeIDSeq(TypeOpen, r.SubchannelID, r.Seqnum, 0)
	case Close:
		return encodeIDSeq(TypeClose, r.SubchannelID, r.Seqnum, 0)
	case Data:
		buf := encodeIDSeq(TypeData, r.SubchannelID, r.Seqnum, len(r.Payload))
		copy(buf[DataHeaderSize:], r.Payload)
		return buf
	case Ack:
		buf := make([]byte, ackSize)
		buf[0] = TypeAck
		binary.BigEndian.PutUint32(buf[1:], uint32(r.Seqnum))
		return buf
	}
	panic(fmt.Sprintf("unknown record type %T", r))
}

func encodeIDSeq(t byte, id SubchannelID, seq Seqnum, extra int) []byte {
	buf := make([]byte, DataHeaderSize+extra)
	buf[0] = t
	binary.BigEndian.PutUint32(buf[1:5], uint32(id))
	binary.BigEndian.PutUint32(buf[5:9], uint32(seq))
	return buf
}

// ParseRecord parses a decrypted frame. The length must match the record
// type exactly, except for Data which carries the rest as payload.
func ParseRecord(buf []byte) (Record, error) {
	if len(buf) == 0 {
		return nil, errs.Prefix(ErrParse, "empty record")
	}
	var want int
	switch buf[0] {
	case TypeKCM:
		want = kcmSize
	case TypePing, TypePong:
		want = pingSize
	case TypeOpen, TypeClose:
		want = openSize
	case TypeData:
		if len(buf) < DataHeaderSize {
			return nil, errs.Prefix(ErrParse, "short data record: got %d bytes, need at least %d", len(buf), DataHeaderSize)
		}
		want = len(buf)
	case TypeAck:
		want = ackSize
	default:
		return nil, errs.Prefix(ErrParse, "unknown record type 0x%02x", buf[0])
	}
	if len(buf) != want {
		return nil, errs.Prefix(ErrParse, "%s record: got %d bytes, want %d", TypeName(buf[0]), len(buf), want)
	}

	id := func() SubchannelID { return SubchannelID(binary.BigEndian.Uint32(buf[1:5])) }
	seq := func() Seqnum { return Seqnum(binary.BigEndian.Uint32(buf[5:9])) }

	switch buf[0] {
	case TypeKCM:
		return KCM{}, nil
	case TypePing:
		var r Ping
		copy(r.ID[:], buf[1:])
		return r, nil
	case TypePong:
		var r Pong
		copy(r.ID[:], buf[1:])
		return r, nil
	case TypeOpen:
		return Open{id(), seq()}, nil
	case TypeClose:
		return Close{id(), seq()}, nil
	case TypeData:
		payload := make([]byte, len(buf)-DataHeaderSize)
		copy(payload, buf[DataHeaderSize:])
		return Data{id(), seq(), payload}, nil
	default:
		return Ack{Seqnum(binary.BigEndian.Uint32(buf[1:5]))}, nil
	}
}
