package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestQUICStreamConn(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		conn, err := ln.AcceptContext(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return err
		}
		_, err = conn.Write(append(buf, '!'))
		return err
	})

	conn, err := Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NotNil(t, conn.LocalAddr())
	require.Equal(t, ln.Addr().String(), conn.RemoteAddr().String())

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 6)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello!", string(buf))
	require.NoError(t, g.Wait())
}

func TestQUICAcceptCanceled(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ln.AcceptContext(ctx)
	require.Error(t, err)
}

func TestQUICAcceptIdlePeer(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A peer that connects but never opens a stream.
	udpConn, err := net.ListenUDP("udp", nil)
	require.NoError(t, err)
	tr := &quic.Transport{Conn: udpConn}
	defer tr.Close()
	idle, err := tr.Dial(ctx, ln.Addr(), clientTLSConfig(), quicConfig)
	require.NoError(t, err)
	defer idle.CloseWithError(0, "")

	var g errgroup.Group
	g.Go(func() error {
		conn, err := ln.AcceptContext(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		buf := make([]byte, 2)
		_, err = io.ReadFull(conn, buf)
		return err
	})

	conn, err := Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, g.Wait(), "accept of a second peer must not wait for the idle one")
}

func TestQUICAcceptClosed(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	_, err = ln.Accept()
	require.Error(t, err)
}
