package wormhole

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/xerrors"

	"github.com/mjl-/wormhole/dilate"
)

const testCode = "4-purple-sausages"

func check(t *testing.T, got, expect error, action string) {
	t.Helper()

	if got == expect {
		return
	}
	if expect == nil || expect == io.EOF || !xerrors.Is(got, expect) {
		t.Fatalf("%s: got %v, expected %v", action, got, expect)
	}
}

func connPair(t *testing.T, cconfig, sconfig *Config) (*Conn, *Conn) {
	t.Helper()

	cr, sw := io.Pipe()
	sr, cw := io.Pipe()

	cconn, err := newConn(&testConn{cr, cw}, cconfig, dilate.Leader, false)
	check(t, err, nil, "client connection")
	sconn, err := newConn(&testConn{sr, sw}, sconfig, dilate.Follower, false)
	check(t, err, nil, "server connection")
	return cconn, sconn
}

func handshakePair(t *testing.T, cconn, sconn *Conn) {
	t.Helper()

	errc := make(chan error, 1)
	go func() {
		errc <- sconn.Handshake()
	}()
	check(t, cconn.Handshake(), nil, "client handshake")
	check(t, <-errc, nil, "server handshake")
}

func TestConn(t *testing.T) {
	tcheck := func(got, exp error, action string) {
		t.Helper()
		check(t, got, exp, action)
	}

	cconn, sconn := connPair(t, &Config{Code: testCode}, &Config{Code: testCode})
	handshakePair(t, cconn, sconn)

	err := cconn.Handshake()
	tcheck(err, errHandshakeDone, "second handshake")

	csc, err := cconn.OpenSubchannel()
	tcheck(err, nil, "client open subchannel")
	if csc.ID() != 1 {
		t.Fatalf("first leader subchannel id %d, expected 1", csc.ID())
	}
	ssc, err := sconn.AcceptSubchannel(context.Background())
	tcheck(err, nil, "server accept subchannel")
	if ssc.ID() != csc.ID() {
		t.Fatalf("accepted subchannel %d, expected %d", ssc.ID(), csc.ID())
	}

	readwrite := func(t *testing.T, src, dst *Subchannel, count int) {
		srcbuf := make([]byte, count)
		for i := range srcbuf {
			srcbuf[i] = byte(i)
		}
		n, err := src.Write(srcbuf)
		if err != nil || n != count {
			t.Fatalf("write: wrote %d of %d: %v", n, count, err)
		}
		dstbuf := make([]byte, count)
		_, err = io.ReadFull(dst, dstbuf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(srcbuf, dstbuf) {
			t.Fatalf("read/write data mismatch")
		}
	}

	sizes := []int{1, dilate.MaxDataPayload, 3*dilate.MaxDataPayload + 7}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("cs%d", size), func(t *testing.T) { readwrite(t, csc, ssc, size) })
		t.Run(fmt.Sprintf("cs%d", size+1), func(t *testing.T) { readwrite(t, csc, ssc, size+1) })
		t.Run(fmt.Sprintf("sc%d", size), func(t *testing.T) { readwrite(t, ssc, csc, size) })
		t.Run(fmt.Sprintf("sc%d", size+1), func(t *testing.T) { readwrite(t, ssc, csc, size+1) })
	}

	// Subchannels opened by the follower have even ids.
	ssc2, err := sconn.OpenSubchannel()
	tcheck(err, nil, "server open subchannel")
	if ssc2.ID() != 2 {
		t.Fatalf("first follower subchannel id %d, expected 2", ssc2.ID())
	}
	csc2, err := cconn.AcceptSubchannel(context.Background())
	tcheck(err, nil, "client accept subchannel")
	if csc2.ID() != 2 {
		t.Fatalf("accepted subchannel %d, expected 2", csc2.ID())
	}

	_, err = cconn.Ping(context.Background())
	tcheck(err, nil, "ping from leader")
	_, err = sconn.Ping(context.Background())
	tcheck(err, nil, "ping from follower")

	// Close from the client, the server reads the data written before, then EOF.
	_, err = csc.Write([]byte("bye"))
	tcheck(err, nil, "write before close")
	tcheck(csc.Close(), nil, "client close subchannel")
	tcheck(csc.Close(), ErrConnClosed, "second close")
	_, err = csc.Write([]byte("x"))
	tcheck(err, ErrConnClosed, "write after close")
	_, err = csc.Read(make([]byte, 1))
	tcheck(err, ErrConnClosed, "read after close")

	buf, err := io.ReadAll(ssc)
	tcheck(err, nil, "server read until eof")
	if string(buf) != "bye" {
		t.Fatalf("server read %q, expected %q", buf, "bye")
	}
	_, err = ssc.Write([]byte("x"))
	tcheck(err, ErrConnClosed, "write after remote close")

	// The other subchannel is still usable.
	readwrite(t, ssc2, csc2, 10)

	tcheck(cconn.Close(), nil, "client close")
	tcheck(cconn.Close(), ErrConnClosed, "second client close")
	_, err = csc2.Read(make([]byte, 1))
	if err == nil || err == io.EOF {
		t.Fatalf("read from subchannel of closed connection: got %v, expected error", err)
	}
	_, err = ssc2.Read(make([]byte, 1))
	if err == nil || err == io.EOF {
		t.Fatalf("read from subchannel of connection closed by peer: got %v, expected error", err)
	}
	_, err = cconn.OpenSubchannel()
	tcheck(err, ErrConnClosed, "open subchannel after close")
	tcheck(sconn.Close(), nil, "server close")
}

func TestSubchannelCloseWrite(t *testing.T) {
	tcheck := func(got, exp error, action string) {
		t.Helper()
		check(t, got, exp, action)
	}

	cconn, sconn := connPair(t, &Config{Code: testCode}, &Config{Code: testCode})
	handshakePair(t, cconn, sconn)
	defer cconn.Close()
	defer sconn.Close()

	csc, err := cconn.OpenSubchannel()
	tcheck(err, nil, "open subchannel")
	_, err = csc.Write([]byte("ping"))
	tcheck(err, nil, "write request")

	ssc, err := sconn.AcceptSubchannel(context.Background())
	tcheck(err, nil, "accept subchannel")
	buf := make([]byte, 4)
	_, err = io.ReadFull(ssc, buf)
	tcheck(err, nil, "read request")
	_, err = ssc.Write([]byte("pong"))
	tcheck(err, nil, "write reply")

	// The reply is queued before our close reaches the server.
	tcheck(csc.CloseWrite(), nil, "close write")
	tcheck(csc.CloseWrite(), ErrConnClosed, "second close write")
	_, err = csc.Write([]byte("x"))
	tcheck(err, ErrConnClosed, "write after close write")

	buf, err = io.ReadAll(csc)
	tcheck(err, nil, "read reply until eof")
	if string(buf) != "pong" {
		t.Fatalf("read %q, expected %q", buf, "pong")
	}

	buf, err = io.ReadAll(ssc)
	tcheck(err, nil, "server read until eof")
	if len(buf) != 0 {
		t.Fatalf("server read %q after request, expected nothing", buf)
	}
	tcheck(csc.Close(), nil, "close after close write")
	tcheck(ssc.Close(), nil, "server close after remote close")
}

func TestConnWrongCode(t *testing.T) {
	cconn, sconn := connPair(t, &Config{Code: testCode}, &Config{Code: "4-purple-sausage"})

	errc := make(chan error, 1)
	go func() {
		errc <- sconn.Handshake()
	}()
	err := cconn.Handshake()
	if err == nil {
		t.Fatalf("client handshake with wrong code succeeded")
	}
	check(t, <-errc, dilate.ErrDecrypt, "server handshake with wrong code")

	_, err = sconn.OpenSubchannel()
	check(t, err, dilate.ErrDecrypt, "open subchannel after failed handshake")
}

func TestConnBadPrologue(t *testing.T) {
	cconn, sconn := connPair(t, &Config{Code: testCode}, &Config{Code: testCode, FollowerPrologue: []byte("bogus prologue\n\n")})

	errc := make(chan error, 1)
	go func() {
		errc <- sconn.Handshake()
	}()
	err := cconn.Handshake()
	check(t, err, dilate.ErrFraming, "client handshake with bad prologue from server")
	var ferr *dilate.FramingError
	if !xerrors.As(err, &ferr) || ferr.What != "prologue" {
		t.Fatalf("expected prologue framing error, got %v", err)
	}
	if err := <-errc; err == nil {
		t.Fatalf("server handshake succeeded after client failed")
	}
}

func TestConnKey(t *testing.T) {
	key := bytes.Repeat([]byte{1}, KeySize)
	cconn, sconn := connPair(t, &Config{Key: key}, &Config{Key: key})
	handshakePair(t, cconn, sconn)
	cconn.Close()
	sconn.Close()

	_, err := newConn(&testConn{}, &Config{}, dilate.Leader, false)
	check(t, err, ErrBadConfig, "config without code or key")
}

func TestSubchannelDeadline(t *testing.T) {
	cconn, sconn := connPair(t, &Config{Code: testCode}, &Config{Code: testCode})
	handshakePair(t, cconn, sconn)
	defer cconn.Close()
	defer sconn.Close()

	csc, err := cconn.OpenSubchannel()
	check(t, err, nil, "open subchannel")

	err = csc.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	check(t, err, nil, "set read deadline")
	_, err = csc.Read(make([]byte, 1))
	check(t, err, ErrTimeout, "read after deadline")
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("expected timeout net.Error, got %v", err)
	}

	check(t, csc.SetDeadline(time.Time{}), nil, "clear deadline")
	ssc, err := sconn.AcceptSubchannel(context.Background())
	check(t, err, nil, "accept subchannel")
	_, err = ssc.Write([]byte("x"))
	check(t, err, nil, "write")
	_, err = csc.Read(make([]byte, 1))
	check(t, err, nil, "read without deadline")
}

func TestAcceptSubchannelContext(t *testing.T) {
	cconn, sconn := connPair(t, &Config{Code: testCode}, &Config{Code: testCode})
	handshakePair(t, cconn, sconn)
	defer cconn.Close()
	defer sconn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sconn.AcceptSubchannel(ctx)
	check(t, err, context.DeadlineExceeded, "accept without peer opening")
}

// rawLeader runs the leader side of the protocol with the state machines
// directly, so tests can send records a Conn would never send.
type rawLeader struct {
	t       *testing.T
	r       io.Reader
	w       io.Writer
	framer  *dilate.Framer
	records *dilate.RecordHandler
}

func newRawLeader(t *testing.T, r io.Reader, w io.Writer) *rawLeader {
	noise, err := dilate.NewNoise(dilate.Leader, DilationPSK(CodeKey(testCode)), nil)
	check(t, err, nil, "new noise")
	return &rawLeader{
		t: t,
		r: r,
		w: w,
		framer: dilate.NewFramer(dilate.FramerConfig{
			InboundPrologue:  []byte(DefaultFollowerPrologue),
			OutboundPrologue: []byte(DefaultLeaderPrologue),
		}),
		records: dilate.NewRecordHandler(dilate.Leader, noise),
	}
}

// handshake returns once the Noise handshake completed.
func (l *rawLeader) handshake() {
	outs, err := l.framer.Connected()
	check(l.t, err, nil, "connected")
	l.framerOutputs(append(outs, dilate.Send{Data: l.framer.OutboundPrologue()}))

	buf := make([]byte, 1024)
	for l.records.State() != dilate.RecordWantMessage {
		n, err := l.r.Read(buf)
		check(l.t, err, nil, "raw read")
		outs, err := l.framer.DataReceived(buf[:n])
		check(l.t, err, nil, "framer data received")
		l.framerOutputs(outs)
	}
}

func (l *rawLeader) framerOutputs(outs []dilate.FramerOutput) {
	for _, o := range outs {
		switch o := o.(type) {
		case dilate.Send:
			_, err := l.w.Write(o.Data)
			check(l.t, err, nil, "raw write")
		case dilate.PrologueReceived:
			routs, err := l.records.PrologueReceived()
			check(l.t, err, nil, "prologue received")
			l.recordOutputs(routs)
		case dilate.FrameReceived:
			routs, err := l.records.FrameReceived(o.Frame)
			check(l.t, err, nil, "frame received")
			l.recordOutputs(routs)
		}
	}
}

func (l *rawLeader) recordOutputs(outs []dilate.RecordOutput) {
	for _, o := range outs {
		if sf, ok := o.(dilate.SendFrame); ok {
			fouts, err := l.framer.SendFrame(sf.Frame)
			check(l.t, err, nil, "send frame")
			l.framerOutputs(fouts)
		}
	}
}

func (l *rawLeader) send(r dilate.Record) {
	outs, err := l.records.SendRecord(r)
	check(l.t, err, nil, "send record")
	l.recordOutputs(outs)
}

func TestConnPeerProtocolError(t *testing.T) {
	records := []dilate.Record{
		dilate.Data{SubchannelID: 5, Seqnum: 0, Payload: []byte("x")},
		dilate.Close{SubchannelID: 5, Seqnum: 0},
		dilate.Open{SubchannelID: 2, Seqnum: 0},
	}
	for _, r := range records {
		t.Run(dilate.TypeName(r.Type()), func(t *testing.T) {
			cr, sw := io.Pipe()
			sr, cw := io.Pipe()

			sconn, err := Server(&testConn{sr, sw}, &Config{Code: testCode})
			check(t, err, nil, "server")
			errc := make(chan error, 1)
			go func() {
				_, err := sconn.AcceptSubchannel(context.Background())
				errc <- err
			}()

			// Keep reading, so the server's writes never block.
			leader := newRawLeader(t, cr, cw)
			leader.handshake()
			go io.Copy(io.Discard, cr)
			leader.send(dilate.KCM{})
			leader.send(r)

			check(t, <-errc, dilate.ErrProtocol, "server after bad record")
			cw.Close()
		})
	}
}

func TestNetwork(t *testing.T) {
	tcheck := func(got, exp error, action string) {
		t.Helper()
		check(t, got, exp, action)
	}

	sconfig := &Config{}
	l, err := Listen("tcp", "127.0.0.1:0+"+testCode, sconfig)
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer l.Close()
	if sconfig.Nameplate != "4" {
		t.Fatalf("nameplate %q, expected 4", sconfig.Nameplate)
	}

	accept := func(errc chan error) {
		conn, err := l.Accept()
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()

		sc, err := conn.AcceptSubchannel(context.Background())
		if err != nil {
			errc <- err
			return
		}
		_, err = io.Copy(sc, sc)
		if err == nil {
			err = sc.Close()
		}
		errc <- err
	}

	dial := func(code string, errc chan error) {
		conn, err := Dial("tcp", l.Addr().String()+"+"+code, &Config{})
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()

		sc, err := conn.OpenSubchannel()
		if err != nil {
			errc <- err
			return
		}
		hello := []byte("hello world")
		if _, err := sc.Write(hello); err != nil {
			errc <- err
			return
		}
		buf := make([]byte, len(hello))
		if _, err := io.ReadFull(sc, buf); err != nil {
			errc <- err
			return
		}
		if !bytes.Equal(buf, hello) {
			errc <- fmt.Errorf("echo mismatch, got %q", buf)
			return
		}
		errc <- sc.Close()
	}

	cerr := make(chan error, 1)
	serr := make(chan error, 1)

	go dial(testCode, cerr)
	go accept(serr)
	tcheck(<-cerr, nil, "dial")
	tcheck(<-serr, nil, "accept")

	go dial("4-purple-sausage", cerr)
	go accept(serr)
	if err := <-cerr; err == nil {
		t.Fatalf("dial with wrong code succeeded")
	}
	tcheck(<-serr, dilate.ErrDecrypt, "accept with wrong code")
}

// relay is a minimal transit relay: it pairs the first two connections with
// the same token.
func relay(l net.Listener) {
	type peer struct {
		conn  net.Conn
		r     *bufio.Reader
		token string
	}
	var peers []peer
	for len(peers) < 2 {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		r := bufio.NewReader(conn)
		line, err := r.ReadString('\n')
		if err != nil {
			conn.Close()
			return
		}
		fields := strings.Fields(line)
		if len(fields) != 6 || fields[0] != "please" || fields[1] != "relay" || fields[3] != "for" || fields[4] != "side" {
			conn.Close()
			return
		}
		peers = append(peers, peer{conn, r, fields[2]})
	}
	a, b := peers[0], peers[1]
	if a.token != b.token {
		a.conn.Close()
		b.conn.Close()
		return
	}
	a.conn.Write([]byte("ok\n"))
	b.conn.Write([]byte("ok\n"))
	go func() {
		io.Copy(b.conn, a.r)
		b.conn.Close()
	}()
	io.Copy(a.conn, b.r)
	a.conn.Close()
}

func TestRelay(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer l.Close()
	go relay(l)

	errc := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			errc <- err
			return
		}
		sconn, err := Server(conn, &Config{Code: testCode, Relay: true, Side: "0102"})
		if err != nil {
			errc <- err
			return
		}
		defer sconn.Close()
		sc, err := sconn.AcceptSubchannel(context.Background())
		if err != nil {
			errc <- err
			return
		}
		_, err = io.Copy(sc, sc)
		errc <- err
	}()

	conn, err := Dial("tcp", l.Addr().String()+"+"+testCode+"+relay", &Config{})
	check(t, err, nil, "dial through relay")
	defer conn.Close()
	sc, err := conn.OpenSubchannel()
	check(t, err, nil, "open subchannel")
	_, err = sc.Write([]byte("relayed"))
	check(t, err, nil, "write")
	buf := make([]byte, len("relayed"))
	_, err = io.ReadFull(sc, buf)
	check(t, err, nil, "read")
	if string(buf) != "relayed" {
		t.Fatalf("got %q, expected %q", buf, "relayed")
	}
	check(t, sc.Close(), nil, "close subchannel")
	check(t, <-errc, nil, "server")
}

func TestQUIC(t *testing.T) {
	l, err := Listen("quic", "127.0.0.1:0+"+testCode, &Config{})
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer l.Close()

	errc := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()
		_, err = conn.Ping(context.Background())
		errc <- err
	}()

	conn, err := Dial("quic", l.Addr().String()+"+"+testCode, &Config{})
	check(t, err, nil, "dial quic")
	defer conn.Close()
	_, err = conn.Ping(context.Background())
	check(t, err, nil, "ping over quic")
	check(t, <-errc, nil, "ping from listener")
}

type testConn struct {
	io.ReadCloser
	io.WriteCloser
}

type addr struct {
}

func (addr) Network() string {
	return "test"
}

func (addr) String() string {
	return "test"
}

func (c *testConn) Close() error {
	err1 := c.ReadCloser.Close()
	err2 := c.WriteCloser.Close()
	if err1 == nil {
		return err2
	}
	return nil
}

func (c *testConn) LocalAddr() net.Addr {
	return addr{}
}

func (c *testConn) RemoteAddr() net.Addr {
	return addr{}
}

func (c *testConn) SetDeadline(t time.Time) error {
	return errors.New("not supported")
}

func (c *testConn) SetReadDeadline(t time.Time) error {
	return errors.New("not supported")
}

func (c *testConn) SetWriteDeadline(t time.Time) error {
	return errors.New("not supported")
}
