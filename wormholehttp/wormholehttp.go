// Package wormholehttp provides a http.RoundTripper for making HTTP requests
// over subchannels of dilated wormhole connections.
package wormholehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mjl-/wormhole"
)

// RegisterDefaultTransport registers a RoundTripper with URL scheme "httpw" on
// http.DefaultTransport. This enables calls like:
//
//	http.Get("httpw://localhost:1047+4-purple-sausages/")
func RegisterDefaultTransport() {
	Register("httpw", http.DefaultTransport.(*http.Transport))
}

// Register registers a RoundTripper for an URL scheme (like "http" or "httpw")
// with transport.
func Register(scheme string, transport *http.Transport) {
	rt := NewRoundTripper(scheme, "tcp")
	transport.RegisterProtocol(scheme, rt)
}

// NewTransport returns a http.Transport that sends each HTTP connection over
// a new subchannel of conn. The host in request URLs is ignored.
func NewTransport(conn *wormhole.Conn) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return conn.OpenSubchannel()
		},
	}
}

// NewRoundTripper creates a new RoundTripper for scheme, dialing peers over
// network ("tcp" or "quic").
func NewRoundTripper(scheme, network string) *RoundTripper {
	return &RoundTripper{scheme: scheme, network: network, peers: map[string]*peer{}}
}

// RoundTripper is a http.RoundTripper that dials wormhole connections to the
// host of request URLs, which must be wormhole addresses. A dilated connection
// is kept per address, HTTP connections are subchannels.
type RoundTripper struct {
	scheme  string
	network string

	sync.Mutex
	peers map[string]*peer
}

type peer struct {
	conn      *wormhole.Conn
	transport *http.Transport
}

// RoundTrip performs a HTTP request over a wormhole subchannel.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != rt.scheme {
		return nil, fmt.Errorf("bad scheme, got %q, expected %q", req.URL.Scheme, rt.scheme)
	}

	p, err := rt.peer(req.URL.Host)
	if err != nil {
		return nil, err
	}

	u := *req.URL
	u.Scheme = "http"
	u.Host = p.conn.RemoteAddr().String()
	nreq := req.Clone(req.Context())
	nreq.URL = &u
	resp, err := p.transport.RoundTrip(nreq)
	if err != nil {
		rt.forget(req.URL.Host, p)
	}
	return resp, err
}

func (rt *RoundTripper) peer(address string) (*peer, error) {
	rt.Lock()
	defer rt.Unlock()

	if p, ok := rt.peers[address]; ok {
		return p, nil
	}

	config := &wormhole.Config{}
	if err := wormhole.ParseAddress(address, config); err != nil {
		return nil, err
	}
	conn, err := wormhole.Dial(rt.network, config.Address, config)
	if err != nil {
		return nil, err
	}
	p := &peer{conn, NewTransport(conn)}
	rt.peers[address] = p
	return p, nil
}

// forget drops a peer after a failed request, if its connection is gone.
func (rt *RoundTripper) forget(address string, p *peer) {
	select {
	case <-p.conn.Done():
	default:
		return
	}

	rt.Lock()
	defer rt.Unlock()
	if rt.peers[address] == p {
		delete(rt.peers, address)
	}
	p.transport.CloseIdleConnections()
	p.conn.Close()
}

// CloseIdleConnections closes all idle HTTP connections and the dilated
// connections they run over.
func (rt *RoundTripper) CloseIdleConnections() {
	rt.Lock()
	defer rt.Unlock()
	for address, p := range rt.peers {
		p.transport.CloseIdleConnections()
		p.conn.Close()
		delete(rt.peers, address)
	}
}
