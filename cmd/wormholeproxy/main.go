/*
Wormholeproxy is an HTTP proxy allowing incoming plain requests and making
outgoing requests over subchannels of dilated wormhole connections.

HTTPS is not supported, simply configure your http client to only use the proxy
for plain HTTP.

Wormhole addresses are created by adding the code given with -code to the
requested host. With -relay, the requested host is a transit relay. One dilated
connection is kept per host, each proxied HTTP connection is a subchannel.

Addresses to use wormhole for can be whitelisted or blacklisted. If a whitelist
is active, only outgoing connections for matching addresses are made with
wormhole. If a blacklist is active, all outgoing connections except those
matching the blacklist are made with wormhole.

Example:

	$ wormholeproxy -verbose -code 4-b1c3-9e0f -whitelist localhost:1047

	$ http_proxy=http://localhost:8000 curl -v localhost:1047
*/
package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mjl-/wormhole"
	"github.com/mjl-/wormhole/code"
	"github.com/mjl-/wormhole/wormholehttp"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Str("cmd", "wormholeproxy").Logger()

func check(err error, action string) {
	if err != nil {
		log.Fatal().Err(err).Msg(action)
	}
}

var address = flag.String("address", "localhost:8000", "address to serve http proxy on")
var codeFlag = flag.String("code", "", "wormhole code to use for dialing wormhole addresses")
var relay = flag.Bool("relay", false, "requested hosts are transit relays")
var network = flag.String("network", "", "network for wormhole connections, tcp or quic; default from config file")
var verbose = flag.Bool("verbose", false, "print requested URLs to stderr")
var whitelist = flag.String("whitelist", "", "comma-separated dial addresses to use with wormhole; if empty, all addresses are dialed with wormhole")
var blacklist = flag.String("blacklist", "", "comma-separated dial addresses not to use with wormhole; if empty, no addresses are dialed with plain http")

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: wormholeproxy [flags]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if len(flag.Args()) != 0 {
		flag.Usage()
		os.Exit(2)
	}

	if *whitelist != "" && *blacklist != "" {
		log.Fatal().Msg("cannot have both whitelist and blacklist")
	}

	fc, err := wormhole.ReadNearestFileConfig()
	check(err, "reading config file")
	log = log.Level(fc.LogLevel)
	if *network == "" {
		*network = fc.Network
	}
	if fc.Relay {
		*relay = true
	}

	err = code.ValidateCode(code.Code(*codeFlag))
	check(err, "checking -code")

	pr := newPickRoundTripper(code.Code(*codeFlag), *relay, *network, *whitelist, *blacklist)

	proxy := &httputil.ReverseProxy{
		Director:  pr.director,
		Transport: pr,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			transportName := "wormhole"
			if pr.usePlain(r) {
				transportName = "plain http"
			}
			msg := fmt.Sprintf("%s request failed: %s: %s", transportName, r.URL, err)
			log.Error().Msg(msg)
			http.Error(w, "http status 502 - wormholeproxy: "+msg, http.StatusBadGateway)
		},
	}
	http.Handle("/", proxy)

	log.Info().Str("address", *address).Str("network", *network).Bool("relay", *relay).Msg("serving http proxy")
	err = http.ListenAndServe(*address, nil)
	log.Fatal().Err(err).Msg("serve")
}

type pickRoundTripper struct {
	code      code.Code
	mode      string
	whitelist map[string]struct{}
	blacklist map[string]struct{}
	wormhole  *wormholehttp.RoundTripper
}

func newPickRoundTripper(c code.Code, relay bool, network, wl, bl string) *pickRoundTripper {
	mode := "direct"
	if relay {
		mode = "relay"
	}
	pr := &pickRoundTripper{
		c,
		mode,
		map[string]struct{}{},
		map[string]struct{}{},
		wormholehttp.NewRoundTripper("http", network),
	}

	if wl != "" {
		for _, addr := range strings.Split(wl, ",") {
			pr.whitelist[addr] = struct{}{}
		}
	}
	if bl != "" {
		for _, addr := range strings.Split(bl, ",") {
			pr.blacklist[addr] = struct{}{}
		}
	}
	return pr
}

func (pr *pickRoundTripper) director(req *http.Request) {
	transportName := "plain"
	if *verbose {
		defer func() {
			log.Info().Str("transport", transportName).Str("url", req.URL.String()).Msg("request")
		}()
	}
	if req.URL.Scheme != "http" || pr.usePlain(req) {
		return
	}
	transportName = "wormhole"
	if !strings.Contains(req.URL.Host, ":") {
		req.URL.Host += ":80"
	}
	req.URL.Host += "+" + string(pr.code) + "+" + pr.mode
}

func (pr *pickRoundTripper) usePlain(req *http.Request) bool {
	if len(pr.blacklist) > 0 {
		if _, ok := pr.blacklist[req.URL.Host]; ok {
			return true
		}
	}
	if len(pr.whitelist) > 0 {
		if _, ok := pr.whitelist[req.URL.Host]; !ok {
			return true
		}
	}
	return false
}

func (pr *pickRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.Contains(req.URL.Host, "+") {
		return http.DefaultTransport.RoundTrip(req)
	}
	return pr.wormhole.RoundTrip(req)
}
