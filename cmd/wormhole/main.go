/*
Wormhole is a tool for making dilated wormhole connections.

	$ wormhole
	usage: wormhole { init | gencode | nameplate | listen | dial | ping }

Both sides of a connection need the same code. One side generates it with
"wormhole gencode" and tells the other side, for example over the phone. Then
one side listens and the other dials, with the code in the address.

Init

Create a ".wormhole" directory with a default "config.toml":

	$ wormhole init
	created .wormhole/config.toml

The config file sets defaults for the other commands: whether addresses are
transit relays, the network ("tcp" or "quic"), the log level, and an address to
serve prometheus metrics on.

Gencode

Print a new random code:

	$ wormhole gencode
	4-b1c3-9e0f

Nameplate

Print the nameplate of a code. Without argument, the nameplate and the words
are read from stdin as separate lines:

	$ wormhole nameplate 4-b1c3-9e0f
	4

Listen

Start a server that echoes back everything it reads on each subchannel:

	server$ wormhole listen localhost:1047+4-b1c3-9e0f cat

Without command, the first subchannel is connected to stdin and stdout.

Dial

Connect to the server, open a subchannel and connect it to stdin and stdout, or
to a command:

	client$ wormhole dial localhost:1047+4-b1c3-9e0f

Ping

Measure round trip times over the dilated connection:

	client$ wormhole ping -n 3 localhost:1047+4-b1c3-9e0f
*/
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mjl-/wormhole"
	"github.com/mjl-/wormhole/code"
	"github.com/mjl-/wormhole/metrics"
)

var log zerolog.Logger

func check(err error, action string) {
	if err != nil {
		log.Fatal().Err(err).Msg(action)
	}
}

func initLogger(cmd string, level zerolog.Level) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	log = zerolog.New(output).Level(level).With().Timestamp().Str("cmd", cmd).Logger()
}

func main() {
	initLogger("wormhole", zerolog.InfoLevel)

	usage := func() {
		fmt.Fprintln(os.Stderr, "usage: wormhole { init | gencode | nameplate | listen | dial | ping }")
		os.Exit(2)
	}
	if len(os.Args) < 2 {
		usage()
	}

	args := os.Args[1:]
	switch os.Args[1] {
	case "init":
		init0(args)
	case "gencode":
		gencode(args)
	case "nameplate":
		nameplate(args)
	case "listen":
		listen(args)
	case "dial":
		dial(args)
	case "ping":
		ping(args)
	default:
		usage()
	}
}

func init0(args []string) {
	initLogger("init", zerolog.InfoLevel)

	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: wormhole init")
		os.Exit(2)
	}

	err := os.MkdirAll(".wormhole", 0750)
	check(err, "creating .wormhole directory")

	f, err := os.OpenFile(".wormhole/"+wormhole.ConfigFileName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	check(err, "creating config file")
	fc := wormhole.DefaultFileConfig()
	_, err = fmt.Fprintf(f, "relay = %v\nnetwork = %q\nlog_level = %q\n# metrics_address = \"localhost:9100\"\n", fc.Relay, fc.Network, fc.LogLevel.String())
	check(err, "writing config file")
	err = f.Close()
	check(err, "closing config file")
	log.Info().Msg("created .wormhole/" + wormhole.ConfigFileName)
}

// hexWordlist chooses words of random hex digits.
type hexWordlist struct {
	words int
}

func (wl hexWordlist) NumWords() int {
	return wl.words
}

func (wl hexWordlist) ChooseWords() string {
	words := make([]string, wl.words)
	for i := range words {
		buf := make([]byte, 2)
		_, err := rand.Read(buf)
		check(err, "reading random bytes")
		words[i] = hex.EncodeToString(buf)
	}
	return strings.Join(words, "-")
}

// allocate acts as a local allocator for a machine that asked for a code.
func allocate(m *code.Machine, wordlist code.Wordlist, maxNameplate int64) code.Code {
	events, err := m.AllocateCode(wordlist)
	check(err, "allocate code")
	for _, ev := range events {
		a, ok := ev.(code.Allocate)
		if !ok {
			continue
		}
		n, err := rand.Int(rand.Reader, big.NewInt(maxNameplate))
		check(err, "choosing nameplate")
		nameplate := code.Nameplate(fmt.Sprintf("%d", n.Int64()+1))
		events, err = m.Allocated(nameplate, code.Code(string(nameplate)+"-"+a.Wordlist.ChooseWords()))
		check(err, "allocated")
		for _, ev := range events {
			if got, ok := ev.(code.BossGotCode); ok {
				return got.Code
			}
		}
	}
	log.Fatal().Msg("no code allocated")
	return ""
}

func gencode(args []string) {
	initLogger("gencode", zerolog.InfoLevel)

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	words := flagset.Int("words", 2, "number of words in code")
	nameplates := flagset.Int64("nameplates", 999, "highest nameplate to choose")
	flagset.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: wormhole gencode [flags]")
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	if flagset.NArg() != 0 || *words < 1 || *nameplates < 1 {
		flagset.Usage()
		os.Exit(2)
	}

	c := allocate(code.New(), hexWordlist{*words}, *nameplates)
	fmt.Println(c)
}

func nameplate(args []string) {
	initLogger("nameplate", zerolog.InfoLevel)

	if len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: wormhole nameplate [code]")
		os.Exit(2)
	}

	m := code.New()
	if len(args) == 2 {
		_, err := m.SetCode(code.Code(args[1]))
		check(err, "set code")
		fmt.Println(m.Nameplate())
		return
	}

	_, err := m.InputCode()
	check(err, "input code")
	scanner := bufio.NewScanner(os.Stdin)
	line := func(prompt string) string {
		fmt.Fprint(os.Stderr, prompt)
		if !scanner.Scan() {
			check(scanner.Err(), "reading stdin")
			log.Fatal().Msg("unexpected end of input")
		}
		return strings.TrimSpace(scanner.Text())
	}
	_, err = m.GotNameplate(code.Nameplate(line("nameplate: ")))
	check(err, "nameplate")
	_, err = m.FinishedInput(line("words: "))
	check(err, "words")
	log.Info().Str("nameplate", string(m.Nameplate())).Msg("code complete")
	fmt.Println(m.Nameplate())
}

// setup parses the common flags and those added by flags, applies the nearest
// config file and starts serving metrics if configured.
func setup(args []string, usage string, minArgs int, flags func(*flag.FlagSet)) ([]string, *wormhole.Config, string) {
	fc, err := wormhole.ReadNearestFileConfig()
	check(err, "reading config file")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	network := flagset.String("network", fc.Network, "network to use, tcp or quic")
	verbose := flagset.Bool("v", false, "verbose logging")
	if flags != nil {
		flags(flagset)
	}
	flagset.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: wormhole "+usage)
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	rest := flagset.Args()
	if len(rest) < minArgs {
		flagset.Usage()
		os.Exit(2)
	}

	level := fc.LogLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	initLogger(args[0], level)

	if fc.MetricsAddress != "" {
		metrics.Register()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			err := http.ListenAndServe(fc.MetricsAddress, mux)
			log.Error().Err(err).Str("address", fc.MetricsAddress).Msg("metrics server stopped")
		}()
	}

	config := &wormhole.Config{Logger: &log}
	fc.Apply(config)
	return rest, config, *network
}

func listen(args []string) {
	args, config, network := setup(args, "listen [flags] address [command ...]", 1, nil)

	l, err := wormhole.Listen(network, args[0], config)
	check(err, "listen")
	log.Info().Str("address", config.Address).Str("nameplate", string(config.Nameplate)).Msg("listening")

	argv := args[1:]
	for {
		conn, err := l.Accept()
		check(err, "accept")
		go serve(conn, argv)
	}
}

func serve(conn *wormhole.Conn, argv []string) {
	defer conn.Close()

	clog := log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	err := conn.Handshake()
	if err != nil {
		clog.Error().Err(err).Msg("handshake")
		return
	}
	clog.Info().Msg("new connection")

	for {
		sc, err := conn.AcceptSubchannel(context.Background())
		if err != nil {
			clog.Info().Err(err).Msg("connection finished")
			return
		}
		slog := clog.With().Uint32("subchannel", uint32(sc.ID())).Logger()
		if len(argv) == 0 {
			err := stdio(sc)
			slog.Info().AnErr("result", err).Msg("subchannel finished")
			return
		}
		go func() {
			err := command(sc, argv)
			slog.Info().AnErr("result", err).Msg("subchannel finished")
		}()
	}
}

// stdio copies between sc and stdin/stdout until the peer closes sc. At EOF
// on stdin, the sending half of sc is closed.
func stdio(sc *wormhole.Subchannel) error {
	defer sc.Close()

	go func() {
		_, err := io.Copy(sc, os.Stdin)
		if err == nil {
			err = sc.CloseWrite()
		}
		if err != nil {
			log.Debug().Err(err).Msg("copy from stdin")
		}
	}()
	_, err := io.Copy(os.Stdout, sc)
	return err
}

// command runs argv with its stdin and stdout connected to sc. Once the
// command closes its stdout, the sending half of sc is closed. Once the peer
// closes sc, output of the command can no longer be sent.
func command(sc *wormhole.Subchannel, argv []string) error {
	defer sc.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		_, err := io.Copy(stdin, sc)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(sc, stdout)
		if err == nil {
			err = sc.CloseWrite()
		}
		if errors.Is(err, wormhole.ErrConnClosed) {
			// Closed by the peer, discard the remaining output.
			_, err = io.Copy(io.Discard, stdout)
		}
		return err
	})
	err = g.Wait()
	if werr := cmd.Wait(); err == nil {
		err = werr
	}
	return err
}

func dial(args []string) {
	args, config, network := setup(args, "dial [flags] address [command ...]", 1, nil)

	conn, err := wormhole.Dial(network, args[0], config)
	check(err, "dial")
	defer conn.Close()
	log.Info().Str("address", config.Address).Str("nameplate", string(config.Nameplate)).Msg("connected")

	sc, err := conn.OpenSubchannel()
	check(err, "open subchannel")

	if len(args) == 1 {
		var g errgroup.Group
		g.Go(func() error {
			_, err := io.Copy(os.Stdout, sc)
			return err
		})
		_, err = io.Copy(sc, os.Stdin)
		if err == nil {
			err = sc.CloseWrite()
		}
		// A peer that closed first makes writing fail, its output is still read.
		if err != nil && !errors.Is(err, wormhole.ErrConnClosed) {
			check(err, "copy from stdin")
		}
		err = g.Wait()
		check(err, "copy to stdout")
		return
	}

	err = command(sc, args[1:])
	check(err, "command")
}

func ping(args []string) {
	var count int
	var interval time.Duration
	args, config, network := setup(args, "ping [flags] address", 1, func(fs *flag.FlagSet) {
		fs.IntVar(&count, "n", 4, "number of pings")
		fs.DurationVar(&interval, "i", time.Second, "interval between pings")
	})

	conn, err := wormhole.Dial(network, args[0], config)
	check(err, "dial")
	defer conn.Close()

	for i := 0; i < count; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rtt, err := conn.Ping(ctx)
		cancel()
		check(err, "ping")
		fmt.Printf("pong from %s: time=%s\n", conn.RemoteAddr(), rtt)
	}
}
