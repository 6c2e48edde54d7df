package dilate

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	records := []Record{
		KCM{},
		Ping{PingID{1, 2, 3, 4}},
		Pong{PingID{0xff, 0, 0, 0xff}},
		Open{SubchannelID: 1, Seqnum: 0},
		Open{SubchannelID: 0xffffffff, Seqnum: 0xffffffff},
		Close{SubchannelID: 2, Seqnum: 7},
		Data{SubchannelID: 3, Seqnum: 9, Payload: []byte{}},
		Data{SubchannelID: 3, Seqnum: 10, Payload: []byte("x")},
		Data{SubchannelID: 3, Seqnum: 11, Payload: bytes.Repeat([]byte{0xaa}, MaxDataPayload)},
		Ack{Seqnum: 0},
		Ack{Seqnum: 0x01020304},
	}
	for _, r := range records {
		buf := EncodeRecord(r)
		require.Equal(t, r.Type(), buf[0])
		got, err := ParseRecord(buf)
		require.NoError(t, err, "%T", r)
		require.Equal(t, r, got)
	}
}

func TestRecordWireLayout(t *testing.T) {
	require.Equal(t, []byte{0x00}, EncodeRecord(KCM{}))
	require.Equal(t, []byte{0x01, 'a', 'b', 'c', 'd'}, EncodeRecord(Ping{PingID{'a', 'b', 'c', 'd'}}))
	require.Equal(t, []byte{0x03, 0, 0, 0, 1, 0, 0, 1, 0}, EncodeRecord(Open{1, 256}))
	require.Equal(t, []byte{0x04, 0, 0, 0, 2, 0, 0, 0, 3, 'h', 'i'}, EncodeRecord(Data{2, 3, []byte("hi")}))
	require.Equal(t, []byte{0x05, 0, 0, 0, 2, 0, 0, 0, 4}, EncodeRecord(Close{2, 4}))
	require.Equal(t, []byte{0x06, 0, 0, 0, 5}, EncodeRecord(Ack{5}))
}

func TestRecordParseErrors(t *testing.T) {
	for _, buf := range [][]byte{
		{},
		{0x07},
		{0xff, 1, 2, 3},
		{0x00, 0},
		{0x01, 1, 2, 3},
		{0x02, 1, 2, 3, 4, 5},
		{0x03, 0, 0, 0, 1, 0, 0, 0},
		{0x04, 0, 0, 0, 1, 0, 0, 0},
		{0x05, 0, 0, 0, 1, 0, 0, 0, 1, 0},
		{0x06, 0, 0, 1},
	} {
		_, err := ParseRecord(buf)
		require.True(t, errors.Is(err, ErrParse), "%x: %v", buf, err)
	}
}

// fakeNoise "encrypts" by prefixing a marker byte.
type fakeNoise struct {
	wrote, read int
	fail        bool
}

func (n *fakeNoise) WriteMessage() ([]byte, error) {
	n.wrote++
	return []byte{'h', byte(n.wrote)}, nil
}

func (n *fakeNoise) ReadMessage(msg []byte) ([]byte, error) {
	n.read++
	if len(msg) == 0 || msg[0] != 'h' {
		return nil, errors.New("bad handshake message")
	}
	return nil, nil
}

func (n *fakeNoise) Encrypt(plaintext []byte) ([]byte, error) {
	return append([]byte{'e'}, plaintext...), nil
}

func (n *fakeNoise) Decrypt(ciphertext []byte) ([]byte, error) {
	if n.fail || len(ciphertext) == 0 || ciphertext[0] != 'e' {
		return nil, errors.New("authentication failed")
	}
	return ciphertext[1:], nil
}

func TestRecordHandlerLeader(t *testing.T) {
	n := &fakeNoise{}
	h := NewRecordHandler(Leader, n)

	_, err := h.SendRecord(KCM{})
	require.True(t, errors.Is(err, ErrContract))

	out, err := h.FrameReceived(nil)
	require.NoError(t, err)
	require.Equal(t, []RecordOutput{SendFrame{Frame{'h', 1}}}, out)
	require.Equal(t, RecordWantHandshake, h.State())

	_, err = h.SendRecord(KCM{})
	require.True(t, errors.Is(err, ErrContract), "records cannot be sent during the handshake")

	out, err = h.FrameReceived(Frame{'h', 1})
	require.NoError(t, err)
	require.Equal(t, []RecordOutput{HandshakeComplete{}}, out)
	require.Equal(t, RecordWantMessage, h.State())
	require.Equal(t, 1, n.wrote)
	require.Equal(t, 1, n.read)

	out, err = h.SendRecord(Ack{1})
	require.NoError(t, err)
	require.Equal(t, []RecordOutput{SendFrame{Frame{'e', 0x06, 0, 0, 0, 1}}}, out)

	out, err = h.FrameReceived(Frame{'e', 0x01, 1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, []RecordOutput{RecordReceived{Ping{PingID{1, 2, 3, 4}}}}, out)
}

func TestRecordHandlerFollower(t *testing.T) {
	n := &fakeNoise{}
	h := NewRecordHandler(Follower, n)

	out, err := h.PrologueReceived()
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, RecordWantHandshake, h.State())

	_, err = h.PrologueReceived()
	require.True(t, errors.Is(err, ErrProtocol))

	out, err = h.FrameReceived(Frame{'h', 1})
	require.NoError(t, err)
	require.Equal(t, []RecordOutput{SendFrame{Frame{'h', 1}}, HandshakeComplete{}}, out)
	require.Equal(t, RecordWantMessage, h.State())
}

func TestRecordHandlerErrors(t *testing.T) {
	n := &fakeNoise{}
	h := NewRecordHandler(Follower, n)
	_, err := h.FrameReceived(nil)
	require.NoError(t, err)

	// A bad handshake message leaves the handler failed for good.
	_, err = h.FrameReceived(Frame("garbage"))
	require.True(t, errors.Is(err, ErrDecrypt), "%v", err)
	require.Equal(t, RecordFailed, h.State())
	_, err2 := h.FrameReceived(Frame{'h', 1})
	require.Equal(t, err, err2, "no retry after a failed handshake message")
	_, err2 = h.SendRecord(KCM{})
	require.Equal(t, err, err2)
	_, err2 = h.PrologueReceived()
	require.Equal(t, err, err2)

	n = &fakeNoise{}
	h = NewRecordHandler(Follower, n)
	_, err = h.PrologueReceived()
	require.NoError(t, err)
	_, err = h.FrameReceived(Frame{'h', 1})
	require.NoError(t, err)

	_, err = h.FrameReceived(Frame{'e', 0x09})
	require.True(t, errors.Is(err, ErrParse), "%v", err)

	_, err = h.FrameReceived(Frame{'e', 0x01, 1, 2, 3})
	require.True(t, errors.Is(err, ErrParse), "%v", err)

	n.fail = true
	_, err = h.FrameReceived(Frame{'e', 0x00})
	require.True(t, errors.Is(err, ErrDecrypt), "%v", err)
	require.Equal(t, RecordFailed, h.State())

	n.fail = false
	_, err2 = h.FrameReceived(Frame{'e', 0x00})
	require.Equal(t, err, err2, "no records after a failed decryption")
}

func testPSK(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

// pipe runs frames between two record handlers until neither produces output.
func pipe(t *testing.T, a, b *RecordHandler, out []RecordOutput, fromA bool) (completeA, completeB int) {
	t.Helper()
	type pending struct {
		out   []RecordOutput
		fromA bool
	}
	queue := []pending{{out, fromA}}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, o := range p.out {
			switch o := o.(type) {
			case SendFrame:
				dst := b
				if !p.fromA {
					dst = a
				}
				next, err := dst.FrameReceived(o.Frame)
				require.NoError(t, err)
				queue = append(queue, pending{next, !p.fromA})
			case HandshakeComplete:
				if p.fromA {
					completeA++
				} else {
					completeB++
				}
			}
		}
	}
	return
}

func TestRecordHandlerNoise(t *testing.T) {
	ln, err := NewNoise(Leader, testPSK(1), nil)
	require.NoError(t, err)
	fn, err := NewNoise(Follower, testPSK(1), nil)
	require.NoError(t, err)
	leader := NewRecordHandler(Leader, ln)
	follower := NewRecordHandler(Follower, fn)

	fout, err := follower.PrologueReceived()
	require.NoError(t, err)
	require.Empty(t, fout)

	lout, err := leader.PrologueReceived()
	require.NoError(t, err)
	completeL, completeF := pipe(t, leader, follower, lout, true)
	require.Equal(t, 1, completeL)
	require.Equal(t, 1, completeF)
	require.Equal(t, RecordWantMessage, leader.State())
	require.Equal(t, RecordWantMessage, follower.State())

	records := []Record{KCM{}, Open{1, 0}, Data{1, 1, []byte("hello")}, Close{1, 2}}
	for _, r := range records {
		out, err := leader.SendRecord(r)
		require.NoError(t, err)
		frame := out[0].(SendFrame).Frame
		require.NotContains(t, string(frame), "hello")
		got, err := follower.FrameReceived(frame)
		require.NoError(t, err)
		require.Equal(t, []RecordOutput{RecordReceived{r}}, got)
	}

	out, err := follower.SendRecord(Ack{2})
	require.NoError(t, err)
	frame := out[0].(SendFrame).Frame
	got, err := leader.FrameReceived(frame)
	require.NoError(t, err)
	require.Equal(t, []RecordOutput{RecordReceived{Ack{2}}}, got)

	// Tampered records fail to decrypt.
	out, err = follower.SendRecord(KCM{})
	require.NoError(t, err)
	frame = out[0].(SendFrame).Frame
	frame[0] ^= 1
	_, err = leader.FrameReceived(frame)
	require.True(t, errors.Is(err, ErrDecrypt), "%v", err)
}

func TestRecordHandlerNoiseWrongKey(t *testing.T) {
	ln, err := NewNoise(Leader, testPSK(1), nil)
	require.NoError(t, err)
	fn, err := NewNoise(Follower, testPSK(2), nil)
	require.NoError(t, err)
	leader := NewRecordHandler(Leader, ln)
	follower := NewRecordHandler(Follower, fn)

	_, err = follower.PrologueReceived()
	require.NoError(t, err)
	lout, err := leader.PrologueReceived()
	require.NoError(t, err)

	// With NNpsk0 the follower cannot authenticate the leader's first
	// message, it carries a payload encrypted under the psk-mixed key.
	fout, err := follower.FrameReceived(lout[0].(SendFrame).Frame)
	if err == nil {
		// The leader then fails on the reply.
		_, err = leader.FrameReceived(fout[0].(SendFrame).Frame)
	}
	require.True(t, errors.Is(err, ErrDecrypt), "%v", err)
}

func TestNewNoiseBadPSK(t *testing.T) {
	_, err := NewNoise(Leader, []byte("short"), nil)
	require.True(t, errors.Is(err, ErrContract))
}
