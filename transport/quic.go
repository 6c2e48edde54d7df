// Package transport carries a dilated connection over a QUIC stream.
//
// Each QUIC connection carries exactly one bidirectional stream, opened by the
// dialer. The stream is exposed as a net.Conn so the framer can run over it
// like over TCP.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// streamTimeout is how long an accepted connection may take to open its stream.
const streamTimeout = 10 * time.Second

var quicConfig = &quic.Config{
	MaxIdleTimeout:    30 * time.Second,
	KeepAlivePeriod:   10 * time.Second,
	InitialPacketSize: 1200,
}

// StreamConn is a QUIC stream as net.Conn. Closing it closes the QUIC
// connection, and for dialed connections the UDP socket.
type StreamConn struct {
	*quic.Stream
	qconn *quic.Conn
	tr    *quic.Transport // only for dialed conns

	closeOnce sync.Once
	closeErr  error
}

var _ net.Conn = (*StreamConn)(nil)

func (c *StreamConn) LocalAddr() net.Addr {
	return c.qconn.LocalAddr()
}

func (c *StreamConn) RemoteAddr() net.Addr {
	return c.qconn.RemoteAddr()
}

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.Stream.CancelRead(0)
		c.Stream.Close()
		c.closeErr = c.qconn.CloseWithError(0, "closed")
		if c.tr != nil {
			if err := c.tr.Close(); c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// Dial opens a QUIC connection to address and opens its stream.
func Dial(ctx context.Context, address string) (*StreamConn, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, addr, clientTLSConfig(), quicConfig)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("quic dial: %w", err)
	}
	// The peer only learns about the stream when data is written, which the
	// framer does immediately after connecting.
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &StreamConn{Stream: stream, qconn: qconn, tr: tr}, nil
}

// Listener accepts QUIC connections and returns their first stream.
// Connections wait for their stream concurrently, a peer that never opens one
// does not hold up others.
type Listener struct {
	tr *quic.Transport
	ln *quic.Listener

	ctx    context.Context // Canceled by Close.
	cancel context.CancelFunc
	conns  chan *StreamConn
	done   chan struct{} // Closed when the accept loop stops, err is set.
	err    error
}

var _ net.Listener = (*Listener)(nil)

// Listen listens for QUIC connections on the UDP address, with a fresh
// self-signed certificate.
func Listen(address string) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate tls certificate: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(serverTLSConfig(cert), quicConfig)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		tr:     tr,
		ln:     ln,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(chan *StreamConn),
		done:   make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer close(l.done)
	for {
		qconn, err := l.ln.Accept(l.ctx)
		if err != nil {
			l.err = fmt.Errorf("accept quic connection: %w", err)
			return
		}
		go l.acceptStream(qconn)
	}
}

func (l *Listener) acceptStream(qconn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, streamTimeout)
	defer cancel()
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return
	}
	select {
	case l.conns <- &StreamConn{Stream: stream, qconn: qconn}:
	case <-l.ctx.Done():
		qconn.CloseWithError(0, "listener closed")
	}
}

// AcceptContext waits for a connection that opened its stream.
func (l *Listener) AcceptContext(ctx context.Context) (*StreamConn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, l.err
	}
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.AcceptContext(context.Background())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *Listener) Addr() net.Addr {
	return l.tr.Conn.LocalAddr()
}

func (l *Listener) Close() error {
	l.cancel()
	l.ln.Close()
	return l.tr.Close()
}
