package wormhole

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/mjl-/wormhole/dilate"
)

// Subchannel is a bidirectional stream multiplexed over a dilated connection.
// Writes never block: data is queued for the connection. Reads return io.EOF
// after the peer closed the subchannel. A subchannel closed by the peer is
// closed in both directions.
type Subchannel struct {
	conn *Conn
	id   dilate.SubchannelID

	// Guarded by conn.mu.
	machine *dilate.Subchannel

	reader struct {
		sync.Mutex
		buf         []byte
		err         error // Set when no more data will arrive.
		localClosed bool
		deadline    time.Time
		notify      chan struct{}
	}
}

var _ net.Conn = (*Subchannel)(nil)

func newSubchannel(c *Conn, id dilate.SubchannelID) *Subchannel {
	sc := &Subchannel{
		conn:    c,
		id:      id,
		machine: dilate.NewSubchannel(id),
	}
	sc.reader.notify = make(chan struct{}, 1)
	return sc
}

// ID returns the subchannel id, odd for subchannels opened by the leader, even
// for those opened by the follower.
func (sc *Subchannel) ID() dilate.SubchannelID {
	return sc.id
}

func (sc *Subchannel) deliver(data []byte) {
	sc.reader.Lock()
	sc.reader.buf = append(sc.reader.buf, data...)
	sc.reader.Unlock()
	poke(sc.reader.notify)
}

func (sc *Subchannel) finish(err error) {
	sc.reader.Lock()
	if sc.reader.err == nil {
		if err == nil {
			err = io.EOF
		}
		sc.reader.err = err
	}
	sc.reader.Unlock()
	poke(sc.reader.notify)
}

// Read reads data sent by the peer. After the peer closed the subchannel,
// buffered data is returned first, then io.EOF. If the connection was lost,
// the connection error is returned instead of io.EOF.
func (sc *Subchannel) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		sc.reader.Lock()
		if sc.reader.localClosed {
			sc.reader.Unlock()
			return 0, ErrConnClosed
		}
		if len(sc.reader.buf) > 0 {
			n := copy(buf, sc.reader.buf)
			sc.reader.buf = sc.reader.buf[n:]
			if len(sc.reader.buf) == 0 {
				sc.reader.buf = nil
			}
			sc.reader.Unlock()
			return n, nil
		}
		if sc.reader.err != nil {
			err := sc.reader.err
			sc.reader.Unlock()
			return 0, err
		}
		deadline := sc.reader.deadline
		sc.reader.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, ErrTimeout
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}
		select {
		case <-sc.reader.notify:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Write sends data to the peer, split into records of at most
// dilate.MaxDataPayload bytes.
func (sc *Subchannel) Write(buf []byte) (int, error) {
	c := sc.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if sc.machine.State() != dilate.SubchannelOpen {
		return 0, ErrConnClosed
	}

	written := 0
	for len(buf) > 0 {
		n := len(buf)
		if n > dilate.MaxDataPayload {
			n = dilate.MaxDataPayload
		}
		// Callers may reuse buf once Write returns.
		data := append([]byte(nil), buf[:n]...)
		outs, err := sc.machine.LocalData(data)
		if err == nil {
			err = c.subchannelOutputs(sc, outs, nil)
		}
		if err != nil {
			c.teardown(err)
			return written, err
		}
		written += n
		buf = buf[n:]
	}
	return written, nil
}

// CloseWrite closes the sending half of the subchannel. The peer reads io.EOF
// after the data written before, and closes its side in response. Reads on sc
// return data the peer sent before its close, then io.EOF. Writes fail with
// ErrConnClosed.
func (sc *Subchannel) CloseWrite() error {
	c := sc.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if sc.machine.State() != dilate.SubchannelOpen {
		return ErrConnClosed
	}
	return sc.localClose()
}

// Close closes the subchannel. The peer reads io.EOF after the data written
// before. Reads and writes on sc fail with ErrConnClosed, use CloseWrite to
// keep reading the remaining data from the peer.
func (sc *Subchannel) Close() error {
	sc.reader.Lock()
	if sc.reader.localClosed {
		sc.reader.Unlock()
		return ErrConnClosed
	}
	sc.reader.localClosed = true
	sc.reader.Unlock()
	poke(sc.reader.notify)

	c := sc.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil || sc.machine.State() != dilate.SubchannelOpen {
		// Already closed by the peer, with the connection, or by CloseWrite.
		return nil
	}
	return sc.localClose()
}

// localClose must be called with conn.mu held, in state open.
func (sc *Subchannel) localClose() error {
	c := sc.conn
	outs, err := sc.machine.LocalClose()
	if err == nil {
		err = c.subchannelOutputs(sc, outs, nil)
	}
	if err != nil {
		c.teardown(err)
	}
	return err
}

// LocalAddr returns the local address of the dilated connection.
func (sc *Subchannel) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

// RemoteAddr returns the remote address of the dilated connection.
func (sc *Subchannel) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// SetDeadline sets the read deadline. Writes do not block.
func (sc *Subchannel) SetDeadline(t time.Time) error {
	return sc.SetReadDeadline(t)
}

// SetReadDeadline makes pending and future reads return ErrTimeout once t has
// passed. A zero t disables the deadline.
func (sc *Subchannel) SetReadDeadline(t time.Time) error {
	sc.reader.Lock()
	sc.reader.deadline = t
	sc.reader.Unlock()
	poke(sc.reader.notify)
	return nil
}

// SetWriteDeadline is a no-op, writes are queued and do not block.
func (sc *Subchannel) SetWriteDeadline(t time.Time) error {
	return nil
}
