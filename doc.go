/*
Package wormhole implements dilated connections: a connection between two
peers that share a wormhole code, secured by the Noise protocol variant
Noise_NNpsk0_25519_ChaChaPoly_BLAKE2s, and carrying any number of subchannels.

A dilated connection starts with an optional transit relay handshake, followed
by a prologue in each direction. Then the side that dialed, the leader, starts
the Noise handshake. The pre-shared key is derived from the wormhole key, so
only a peer knowing the key completes the handshake. Afterwards, encrypted
records open, carry data for and close subchannels.

This package provides a programming interface similar to "net" and
"crypto/tls". Dial and Listen parse wormhole addresses that contain the code,
making integration in existing Go code easy. Each Subchannel is a net.Conn, and
SubchannelListener turns a connection into a net.Listener, for use with
net/http and similar packages.

Errors returned by wormhole are typically wrapped with additional information.
Use errors.Is() or Unwrap to check for errors. The state machines in package
dilate return ErrFraming, ErrDecrypt, ErrParse and ErrProtocol for bad input
from the peer, each of which tears down the connection.

# Keys

Normally, both sides agree on a wormhole key through a rendezvous server, and
set it in Config.Key. Without a key, one is derived from the code with HKDF.
That is only as strong as the code is hard to guess, offline. Prefer long
codes, or a key.

# Wormhole addresses

	host:port+code+mode

Host and port are like in regular dial addresses. Code is a wormhole code, like
"4-purple-sausages". Mode is "direct" (the default) or "relay". See
ParseAddress for details.

The nearest ".wormhole" directory can hold a "config.toml" file with defaults,
see FileConfig. Use cmd/wormhole to initialize a ".wormhole" directory and to
create simple servers and clients.
*/
package wormhole
