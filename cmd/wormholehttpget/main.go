// Wormholehttpget fetches a URL over a subchannel of a dilated wormhole
// connection, using package wormholehttp, and writes the body to stdout.
//
// Usage:
//
//	wormholehttpget httpw://localhost:1047+4-purple-sausages/
//	wormholehttpget -network quic httpw://relay.example:4001+4-purple-sausages+relay/
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mjl-/wormhole/wormholehttp"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

func check(err error, action string) {
	if err != nil {
		log.Fatal().Err(err).Msg(action)
	}
}

func main() {
	network := flag.String("network", "tcp", "network for wormhole connections, tcp or quic")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: wormholehttpget [flags] url")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	rt := wormholehttp.NewRoundTripper("httpw", *network)
	defer rt.CloseIdleConnections()
	transport := &http.Transport{}
	transport.RegisterProtocol("httpw", rt)

	client := &http.Client{Transport: transport}
	resp, err := client.Get(flag.Arg(0))
	check(err, "http get")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatal().Int("status", resp.StatusCode).Msg("http response status, expected 200")
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	check(err, "copy")
}
