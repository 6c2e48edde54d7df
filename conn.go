package wormhole

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/mjl-/wormhole/code"
	"github.com/mjl-/wormhole/dilate"
	"github.com/mjl-/wormhole/internal/errs"
	"github.com/mjl-/wormhole/metrics"
	"github.com/mjl-/wormhole/transport"
)

const (
	// DefaultLeaderPrologue is sent by the leader, and expected by the follower.
	DefaultLeaderPrologue = "Magic-Wormhole Dilation Handshake v1 Leader\n\n"

	// DefaultFollowerPrologue is sent by the follower, and expected by the leader.
	DefaultFollowerPrologue = "Magic-Wormhole Dilation Handshake v1 Follower\n\n"

	// closeFlushTimeout is how long Close waits for queued data to be written.
	closeFlushTimeout = 5 * time.Second

	readBufferSize = 32 * 1024
)

// Config holds the secret and connection settings for a dilated connection.
type Config struct {
	// Rand is used as source of cryptographic randomness. If nil, Reader from
	// crypto/rand is used.
	Rand io.Reader

	// Address to dial or listen after parsing the wormhole address. Set by
	// ParseAddress, which is also called by Dial and Listen.
	Address string

	// Code is the wormhole code. Set directly or through a wormhole address.
	Code code.Code

	// Nameplate of the code, set by ParseAddress.
	Nameplate code.Nameplate

	// Key is the wormhole key, as agreed by both sides through a rendezvous
	// server. If nil, a key is derived from Code with CodeKey.
	Key []byte

	// Relay makes the connection start with a transit relay handshake.
	Relay bool

	// Side identifies this side to a transit relay, as hex. If empty, a random
	// side is generated per connection.
	Side string

	// Prologues exchanged before the Noise handshake. Both sides must agree.
	// If nil, DefaultLeaderPrologue and DefaultFollowerPrologue are used.
	LeaderPrologue   []byte
	FollowerPrologue []byte

	// Logger for connection events. If nil, nothing is logged.
	Logger *zerolog.Logger
}

func (c *Config) random() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

// Conn is a dilated connection: an encrypted connection carrying any number of
// subchannels, each a bidirectional stream.
//
// The leader side of the connection is the one that dialed.
type Conn struct {
	conn   net.Conn
	config *Config
	role   dilate.Role
	log    zerolog.Logger

	handshake struct {
		sync.Mutex
		completed bool
		err       error
	}

	// Closed once records can be exchanged.
	readyc chan struct{}

	// Closed when the connection is torn down. err is set before.
	donec chan struct{}

	// Guards the state machines and the router.
	mu          sync.Mutex
	framer      *dilate.Framer
	records     *dilate.RecordHandler
	started     bool
	ready       bool
	err         error
	closed      bool
	nextID      dilate.SubchannelID
	seqnum      dilate.Seqnum
	subchannels map[dilate.SubchannelID]*Subchannel
	pings       map[dilate.PingID]chan struct{}

	accept struct {
		sync.Mutex
		pending []*Subchannel
		notify  chan struct{}
	}

	out writeQueue
}

// writeQueue holds bytes for the writer goroutine. It is unbounded, so the
// state machines never block on a slow peer.
type writeQueue struct {
	sync.Mutex
	bufs    [][]byte
	notify  chan struct{}
	flush   bool          // Close requested, flushed is closed once bufs is empty.
	flushed chan struct{} // Closed by the writer.
}

func (q *writeQueue) push(buf []byte) {
	q.Lock()
	q.bufs = append(q.bufs, buf)
	q.Unlock()
	poke(q.notify)
}

func (q *writeQueue) take() ([][]byte, bool) {
	q.Lock()
	defer q.Unlock()
	bufs := q.bufs
	q.bufs = nil
	return bufs, q.flush && len(bufs) == 0
}

func poke(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// LocalAddr returns the local network address of the underlying connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Nameplate returns the nameplate of the code of the connection, if known.
func (c *Conn) Nameplate() code.Nameplate {
	return c.config.Nameplate
}

// Done returns a channel that is closed when the connection is gone, after
// Close or a failure. Err then returns the cause.
func (c *Conn) Done() <-chan struct{} {
	return c.donec
}

// Err returns the error that ended the connection, or nil while it is usable.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Role returns whether this side leads the Noise handshake.
func (c *Conn) Role() dilate.Role {
	return c.role
}

// Dial connects to the remote, as leader, and performs the handshake.
//
// Dial calls ParseAddress on address, which can be a wormhole address. Network
// is "tcp", "tcp4", "tcp6", or "quic".
func Dial(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		return nil, errNoConfig
	}

	err := ParseAddress(address, config)
	if err != nil {
		return nil, xerrors.Errorf("parsing address: %w", err)
	}

	var conn net.Conn
	if network == "quic" {
		conn, err = transport.Dial(context.Background(), config.Address)
	} else {
		conn, err = net.Dial(network, config.Address)
	}
	if err != nil {
		return nil, err
	}
	nc, err := newConn(conn, config, dilate.Leader, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return nc, nil
}

// Client turns an existing connection into a dilated connection, as leader,
// and performs the handshake. A failed handshake closes the existing
// connection.
func Client(conn net.Conn, config *Config) (*Conn, error) {
	return newConn(conn, config, dilate.Leader, true)
}

// Server turns an existing connection into a dilated connection, as follower.
// The handshake is performed on first use, or by calling Handshake.
func Server(conn net.Conn, config *Config) (*Conn, error) {
	return newConn(conn, config, dilate.Follower, false)
}

// Listener accepts incoming connections, returning them as *Conn.
type Listener struct {
	l      net.Listener
	config *Config
}

// Listen creates a new listener for incoming connections. Accept on the
// returned listener returns a *Conn, as follower, with the handshake not yet
// completed.
//
// Listen calls ParseAddress on address, which can be a wormhole address.
func Listen(network, address string, config *Config) (*Listener, error) {
	if config == nil {
		return nil, errNoConfig
	}
	err := ParseAddress(address, config)
	if err != nil {
		return nil, xerrors.Errorf("parsing address: %w", err)
	}

	var l net.Listener
	if network == "quic" {
		l, err = transport.Listen(config.Address)
	} else {
		l, err = net.Listen(network, config.Address)
	}
	if err != nil {
		return nil, err
	}
	return &Listener{l: l, config: config}, nil
}

// Accept accepts an incoming connection. The handshake can be triggered
// explicitly by calling Handshake, and is performed automatically by the
// other operations on the connection.
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	nc, err := newConn(conn, l.config, dilate.Follower, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return nc, nil
}

// Addr returns the address the listener is listening on.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Close stops listening. Accepted connections are not closed.
func (l *Listener) Close() error {
	return l.l.Close()
}

// newConn turns an existing connection into a dilated Conn.
func newConn(conn net.Conn, config *Config, role dilate.Role, shake bool) (nc *Conn, rerr error) {
	if config == nil {
		return nil, errNoConfig
	}
	lcheck, handle := errorHandler(func(xerr error) {
		rerr = xerr
	})
	defer handle()

	key := config.Key
	if key == nil {
		if config.Code == "" {
			return nil, errs.Prefix(ErrBadConfig, "config has neither key nor code")
		}
		key = CodeKey(config.Code)
	}

	noise, err := dilate.NewNoise(role, DilationPSK(key), config.random())
	lcheck(err, "initializing noise")

	leaderPrologue, followerPrologue := []byte(DefaultLeaderPrologue), []byte(DefaultFollowerPrologue)
	if config.LeaderPrologue != nil {
		leaderPrologue = config.LeaderPrologue
	}
	if config.FollowerPrologue != nil {
		followerPrologue = config.FollowerPrologue
	}
	fc := dilate.FramerConfig{
		InboundPrologue:  followerPrologue,
		OutboundPrologue: leaderPrologue,
	}
	if role == dilate.Follower {
		fc.InboundPrologue, fc.OutboundPrologue = leaderPrologue, followerPrologue
	}
	if config.Relay {
		side := config.Side
		if side == "" {
			buf := make([]byte, 8)
			_, err := io.ReadFull(config.random(), buf)
			lcheck(err, "generating relay side")
			side = hex.EncodeToString(buf)
		}
		fc.Relay = &dilate.RelayHandshake{
			Outbound: []byte(fmt.Sprintf("please relay %x for side %s\n", RelayToken(key), side)),
		}
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	c := &Conn{
		conn:        conn,
		config:      config,
		role:        role,
		log:         logger.With().Str("role", role.String()).Str("nameplate", string(config.Nameplate)).Logger(),
		readyc:      make(chan struct{}),
		donec:       make(chan struct{}),
		framer:      dilate.NewFramer(fc),
		records:     dilate.NewRecordHandler(role, noise),
		subchannels: map[dilate.SubchannelID]*Subchannel{},
		pings:       map[dilate.PingID]chan struct{}{},
	}
	c.accept.notify = make(chan struct{}, 1)
	c.out.notify = make(chan struct{}, 1)
	c.out.flushed = make(chan struct{})
	if role == dilate.Leader {
		c.nextID = 1
	} else {
		c.nextID = 2
	}

	if shake {
		err := c.Handshake()
		if err != nil {
			return nil, xerrors.Errorf("handshake: %w", err)
		}
	}
	return c, nil
}

// ensureHandshake performs the handshake if it has not already been completed.
func (c *Conn) ensureHandshake() error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if !c.handshake.completed && c.handshake.err == nil {
		return c.shakehands()
	}
	return c.handshake.err
}

// Handshake exchanges the relay handshake if configured, the prologues, and
// runs the Noise handshake. It returns once records can be exchanged. Other
// operations on a new connection ensure a handshake is done.
//
// Handshake returns an error if a handshake has already completed or failed.
func (c *Conn) Handshake() error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if c.handshake.err != nil {
		return c.handshake.err
	}
	if c.handshake.completed {
		return errHandshakeDone
	}
	return c.shakehands()
}

// Must be called with handshake lock held.
func (c *Conn) shakehands() (rerr error) {
	defer func() {
		if rerr != nil {
			c.handshake.err = rerr
		} else {
			c.handshake.completed = true
		}
	}()

	c.mu.Lock()
	if !c.started && c.err == nil {
		c.started = true
		go c.readLoop()
		go c.writeLoop()

		outs, err := c.framer.Connected()
		if err == nil {
			if !c.framer.Relayed() {
				c.out.push(c.framer.OutboundPrologue())
			}
			err = c.framerOutputs(outs)
		}
		if err != nil {
			c.teardown(err)
		}
	}
	c.mu.Unlock()

	select {
	case <-c.readyc:
		c.log.Debug().Msg("connection ready")
		return nil
	case <-c.donec:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	}
}

func (c *Conn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			if c.err == nil {
				outs, ferr := c.framer.DataReceived(buf[:n])
				// Outputs before an error are still processed, like frames
				// preceding a malformed one.
				if perr := c.framerOutputs(outs); ferr == nil {
					ferr = perr
				}
				if ferr != nil {
					c.teardown(ferr)
				}
			}
			stop := c.err != nil
			c.mu.Unlock()
			if stop {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				// Closing the underlying connection is not an authenticated EOF.
				err = io.ErrUnexpectedEOF
			}
			c.fail(xerrors.Errorf("reading from connection: %w", err))
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.out.notify:
		case <-c.donec:
			return
		}
		bufs, flushed := c.out.take()
		for _, buf := range bufs {
			if _, err := c.conn.Write(buf); err != nil {
				c.fail(xerrors.Errorf("writing to connection: %w", err))
				return
			}
		}
		if flushed {
			close(c.out.flushed)
			return
		}
		if len(bufs) > 0 {
			// More may have been queued while writing.
			poke(c.out.notify)
		}
	}
}

// fail tears down the connection, unless that already happened.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown(err)
}

// teardown must be called with mu held.
func (c *Conn) teardown(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	if !xerrors.Is(err, ErrConnClosed) {
		metrics.Error(errorKind(err))
		c.log.Error().Err(err).Msg("connection failed")
	} else {
		c.log.Debug().Msg("connection closed")
	}

	if _, ferr := c.framer.Disconnected(); ferr != nil {
		c.log.Debug().Err(ferr).Msg("disconnecting framer")
	}

	for id, sc := range c.subchannels {
		outs, perr := sc.machine.Process(dilate.Disconnect{})
		if perr != nil {
			c.log.Debug().Err(perr).Uint32("subchannel", uint32(id)).Msg("disconnecting subchannel")
			continue
		}
		c.subchannelOutputs(sc, outs, err)
	}
	close(c.donec)
	c.conn.Close()
}

func errorKind(err error) string {
	switch {
	case xerrors.Is(err, dilate.ErrFraming):
		return "framing"
	case xerrors.Is(err, dilate.ErrDecrypt):
		return "decrypt"
	case xerrors.Is(err, dilate.ErrParse):
		return "parse"
	case xerrors.Is(err, dilate.ErrProtocol):
		return "protocol"
	case xerrors.Is(err, dilate.ErrContract):
		return "contract"
	}
	return "io"
}

// Must be called with mu held, as are all functions below handling outputs.
func (c *Conn) framerOutputs(outs []dilate.FramerOutput) error {
	for _, o := range outs {
		switch o := o.(type) {
		case dilate.Send:
			c.out.push(o.Data)

		case dilate.PrologueReceived:
			c.log.Debug().Msg("prologue received")
			routs, err := c.records.PrologueReceived()
			if err != nil {
				return err
			}
			if err := c.recordOutputs(routs); err != nil {
				return err
			}

		case dilate.FrameReceived:
			metrics.Frame(metrics.In)
			routs, err := c.records.FrameReceived(o.Frame)
			if err != nil {
				return err
			}
			if err := c.recordOutputs(routs); err != nil {
				return err
			}

		case dilate.Lost:
		}
	}
	return nil
}

func (c *Conn) recordOutputs(outs []dilate.RecordOutput) error {
	for _, o := range outs {
		switch o := o.(type) {
		case dilate.SendFrame:
			fouts, err := c.framer.SendFrame(o.Frame)
			if err != nil {
				return err
			}
			metrics.Frame(metrics.Out)
			if err := c.framerOutputs(fouts); err != nil {
				return err
			}

		case dilate.HandshakeComplete:
			c.log.Debug().Msg("noise handshake complete")
			if c.role == dilate.Leader {
				if err := c.sendRecord(dilate.KCM{}); err != nil {
					return err
				}
				c.setReady()
			}

		case dilate.RecordReceived:
			if err := c.route(o.Record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) setReady() {
	if !c.ready {
		c.ready = true
		close(c.readyc)
	}
}

func (c *Conn) sendRecord(r dilate.Record) error {
	outs, err := c.records.SendRecord(r)
	if err != nil {
		return err
	}
	metrics.Record(metrics.Out, dilate.TypeName(r.Type()))
	return c.recordOutputs(outs)
}

func (c *Conn) nextSeqnum() dilate.Seqnum {
	seq := c.seqnum
	c.seqnum++
	return seq
}

// ownID returns whether id is in the range this side allocates from.
func (c *Conn) ownID(id dilate.SubchannelID) bool {
	return (id%2 == 1) == (c.role == dilate.Leader)
}

// route dispatches a record received from the peer.
func (c *Conn) route(r dilate.Record) error {
	metrics.Record(metrics.In, dilate.TypeName(r.Type()))

	if _, ok := r.(dilate.KCM); ok {
		if c.role == dilate.Leader {
			return errs.Prefix(dilate.ErrProtocol, "kcm from follower")
		}
		c.setReady()
		return nil
	}

	if !c.ready {
		return errs.Prefix(dilate.ErrProtocol, "%s record before kcm", dilate.TypeName(r.Type()))
	}

	switch r := r.(type) {
	case dilate.Ping:
		return c.sendRecord(dilate.Pong{ID: r.ID})

	case dilate.Pong:
		if ch, ok := c.pings[r.ID]; ok {
			delete(c.pings, r.ID)
			close(ch)
		} else {
			c.log.Debug().Hex("ping", r.ID[:]).Msg("unexpected pong")
		}
		return nil

	case dilate.Open:
		if r.SubchannelID == 0 || c.ownID(r.SubchannelID) {
			return errs.Prefix(dilate.ErrProtocol, "peer opened subchannel %d from our range", r.SubchannelID)
		}
		if _, ok := c.subchannels[r.SubchannelID]; ok {
			return errs.Prefix(dilate.ErrProtocol, "open for existing subchannel %d", r.SubchannelID)
		}
		sc := newSubchannel(c, r.SubchannelID)
		c.subchannels[r.SubchannelID] = sc
		metrics.SubchannelOpened()
		c.log.Debug().Uint32("subchannel", uint32(r.SubchannelID)).Uint32("seqnum", uint32(r.Seqnum)).Msg("subchannel opened by peer")
		if err := c.sendRecord(dilate.Ack{Seqnum: r.Seqnum}); err != nil {
			return err
		}
		c.accept.Lock()
		c.accept.pending = append(c.accept.pending, sc)
		c.accept.Unlock()
		poke(c.accept.notify)
		return nil

	case dilate.Data:
		sc, ok := c.subchannels[r.SubchannelID]
		if !ok {
			return errs.Prefix(dilate.ErrProtocol, "data for unknown subchannel %d", r.SubchannelID)
		}
		if err := c.sendRecord(dilate.Ack{Seqnum: r.Seqnum}); err != nil {
			return err
		}
		outs, err := sc.machine.RemoteData(r.Payload)
		if err != nil {
			return err
		}
		return c.subchannelOutputs(sc, outs, nil)

	case dilate.Close:
		sc, ok := c.subchannels[r.SubchannelID]
		if !ok {
			return errs.Prefix(dilate.ErrProtocol, "close for unknown subchannel %d", r.SubchannelID)
		}
		if err := c.sendRecord(dilate.Ack{Seqnum: r.Seqnum}); err != nil {
			return err
		}
		outs, err := sc.machine.RemoteClose()
		if err != nil {
			return err
		}
		return c.subchannelOutputs(sc, outs, io.EOF)

	case dilate.Ack:
		// Records are not retransmitted, acks are only informational.
		c.log.Debug().Uint32("seqnum", uint32(r.Seqnum)).Msg("ack")
		return nil
	}
	return errs.Prefix(dilate.ErrProtocol, "unexpected record %T", r)
}

// subchannelOutputs handles the outputs of a subchannel machine. When the
// subchannel is lost, readers get lostErr once buffered data is read.
func (c *Conn) subchannelOutputs(sc *Subchannel, outs []dilate.SubchannelOutput, lostErr error) error {
	for _, o := range outs {
		switch o := o.(type) {
		case dilate.SendData:
			if err := c.sendRecord(dilate.Data{SubchannelID: sc.id, Seqnum: c.nextSeqnum(), Payload: o.Data}); err != nil {
				return err
			}
		case dilate.SendClose:
			if err := c.sendRecord(dilate.Close{SubchannelID: sc.id, Seqnum: c.nextSeqnum()}); err != nil {
				return err
			}
		case dilate.DeliverData:
			sc.deliver(o.Data)
		case dilate.ConnectionLost:
			delete(c.subchannels, sc.id)
			metrics.SubchannelClosed()
			c.log.Debug().Uint32("subchannel", uint32(sc.id)).Msg("subchannel closed")
			sc.finish(lostErr)
		}
	}
	return nil
}

// usable ensures a handshake and returns an error if the connection is gone.
// On success, mu is held.
func (c *Conn) usable() error {
	if err := c.ensureHandshake(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	return nil
}

// OpenSubchannel opens a new subchannel to the peer. The peer receives it
// through AcceptSubchannel.
func (c *Conn) OpenSubchannel() (*Subchannel, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID += 2
	sc := newSubchannel(c, id)
	seq := c.nextSeqnum()
	if err := c.sendRecord(dilate.Open{SubchannelID: id, Seqnum: seq}); err != nil {
		c.teardown(err)
		return nil, err
	}
	c.subchannels[id] = sc
	metrics.SubchannelOpened()
	c.log.Debug().Uint32("subchannel", uint32(id)).Uint32("seqnum", uint32(seq)).Msg("subchannel opened")
	return sc, nil
}

// AcceptSubchannel waits for the peer to open a subchannel.
func (c *Conn) AcceptSubchannel(ctx context.Context) (*Subchannel, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	c.mu.Unlock()

	for {
		c.accept.Lock()
		if len(c.accept.pending) > 0 {
			sc := c.accept.pending[0]
			c.accept.pending = c.accept.pending[1:]
			c.accept.Unlock()
			return sc, nil
		}
		c.accept.Unlock()

		select {
		case <-c.accept.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.donec:
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
	}
}

// Ping sends a ping to the peer and waits for its pong.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	var id dilate.PingID
	if _, err := io.ReadFull(c.config.random(), id[:]); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	ch := make(chan struct{})
	c.pings[id] = ch
	start := time.Now()
	if err := c.sendRecord(dilate.Ping{ID: id}); err != nil {
		c.teardown(err)
		c.mu.Unlock()
		return 0, err
	}
	c.mu.Unlock()

	select {
	case <-ch:
		return time.Since(start), nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pings, id)
		c.mu.Unlock()
		return 0, ctx.Err()
	case <-c.donec:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, c.err
	}
}

// Close closes the connection and all its subchannels. Data already written
// to subchannels is sent before the underlying connection is closed, waiting
// at most a few seconds.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.closed = true
	running := c.started && c.err == nil
	c.mu.Unlock()

	if running {
		c.out.Lock()
		c.out.flush = true
		c.out.Unlock()
		poke(c.out.notify)

		t := time.NewTimer(closeFlushTimeout)
		select {
		case <-c.out.flushed:
		case <-c.donec:
		case <-t.C:
		}
		t.Stop()
	}

	c.mu.Lock()
	c.teardown(ErrConnClosed)
	c.mu.Unlock()

	c.handshake.Lock()
	if c.handshake.err == nil {
		c.handshake.err = ErrConnClosed
	}
	c.handshake.Unlock()
	return nil
}

// SubchannelListener returns a net.Listener whose Accept returns subchannels
// opened by the peer. Closing the listener does not close the connection.
func (c *Conn) SubchannelListener() net.Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &subchannelListener{conn: c, ctx: ctx, cancel: cancel}
}

type subchannelListener struct {
	conn   *Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *subchannelListener) Accept() (net.Conn, error) {
	sc, err := l.conn.AcceptSubchannel(l.ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			return nil, ErrConnClosed
		}
		return nil, err
	}
	return sc, nil
}

func (l *subchannelListener) Close() error {
	l.cancel()
	return nil
}

func (l *subchannelListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
