package wormhole

import (
	"strings"

	"github.com/mjl-/wormhole/code"
	"github.com/mjl-/wormhole/internal/errs"
)

// ParseAddress parses a regular "host:port" address, or a wormhole address of
// the form "host:port+code+mode". Config is updated with the code and its
// nameplate, and with the mode. The leftover regular address is stored in
// config.Address.
//
// "Code" is a wormhole code like "4-purple-sausages". It may be empty if
// config already has a Code or a Key. Keep in mind the address may be printed
// or logged, revealing the code unintentionally.
//
// "Mode" is optional and must be one of:
//
//   - "direct", the address is the peer. The default.
//   - "relay", the address is a transit relay. Both sides send a relay
//     handshake with a token derived from the key, and the relay connects
//     the two.
//
// Example addresses:
//
//	localhost:1047+4-purple-sausages
//	relay.example:4001+4-purple-sausages+relay
func ParseAddress(address string, config *Config) error {
	// NOTE: we don't include the address in error messages: it contains the code.

	if address == config.Address {
		return nil
	}
	if config.Address != "" {
		return errs.Prefix(ErrBadConfig, "an address was already parsed into the config")
	}

	t := strings.Split(address, "+")
	if len(t) > 3 {
		return errs.Prefix(ErrBadAddress, "found more than 3 plus-separated tokens in address")
	}
	if t[0] == "" {
		return errs.Prefix(ErrBadAddress, "missing host:port")
	}

	if len(t) > 1 && t[1] != "" {
		if config.Code != "" {
			return errs.Prefix(ErrBadConfig, "config already has a code")
		}
		if err := setCode(config, code.Code(t[1])); err != nil {
			return err
		}
	} else if config.Code != "" && config.Nameplate == "" {
		if err := setCode(config, config.Code); err != nil {
			return err
		}
	} else if config.Code == "" && config.Key == nil {
		return errs.Prefix(ErrBadAddress, "no code in address or config")
	}

	if len(t) > 2 {
		switch t[2] {
		case "", "direct":
		case "relay":
			config.Relay = true
		default:
			return errs.Prefix(ErrBadAddress, "unknown mode %q, must be direct or relay", t[2])
		}
	}

	config.Address = t[0]
	return nil
}

// setCode runs the code machine on c, storing the announced nameplate and
// code in config.
func setCode(config *Config, c code.Code) error {
	m := code.New()
	events, err := m.SetCode(c)
	if err != nil {
		return errs.Wrap(ErrBadAddress, err)
	}
	for _, ev := range events {
		switch ev := ev.(type) {
		case code.SetNameplate:
			config.Nameplate = ev.Nameplate
		case code.KeyGotCode:
			config.Code = ev.Code
		}
	}
	return nil
}
