package wormhole

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/mjl-/wormhole/internal/errs"
)

// ConfigFileName is the name of the configuration file in a .wormhole directory.
const ConfigFileName = "config.toml"

// FileConfig holds the settings read from ".wormhole/config.toml".
//
// Example:
//
//	relay = true
//	network = "quic"
//	log_level = "debug"
//	metrics_address = "localhost:9100"
type FileConfig struct {
	Relay            bool
	Network          string
	LeaderPrologue   string
	FollowerPrologue string
	LogLevel         zerolog.Level
	MetricsAddress   string
}

type fileConfig struct {
	Relay            bool   `toml:"relay"`
	Network          string `toml:"network"`
	LeaderPrologue   string `toml:"leader_prologue"`
	FollowerPrologue string `toml:"follower_prologue"`
	LogLevel         string `toml:"log_level"`
	MetricsAddress   string `toml:"metrics_address"`
}

// DefaultFileConfig returns the settings used when no config file exists.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Network:  "tcp",
		LogLevel: zerolog.InfoLevel,
	}
}

// LoadFileConfig reads a TOML config file. Keys absent from the file keep
// their default value.
func LoadFileConfig(path string) (FileConfig, error) {
	fc := DefaultFileConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return FileConfig{}, errs.Wrap(ErrBadConfig, xerrors.Errorf("loading config file: %w", err))
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return FileConfig{}, errs.Prefix(ErrBadConfig, "unknown key %q in %s", undecoded[0].String(), path)
	}

	if meta.IsDefined("relay") {
		fc.Relay = raw.Relay
	}
	if meta.IsDefined("network") {
		switch network := strings.TrimSpace(raw.Network); network {
		case "tcp", "tcp4", "tcp6", "quic":
			fc.Network = network
		default:
			return FileConfig{}, errs.Prefix(ErrBadConfig, "unknown network %q", network)
		}
	}
	if meta.IsDefined("leader_prologue") {
		fc.LeaderPrologue = raw.LeaderPrologue
	}
	if meta.IsDefined("follower_prologue") {
		fc.FollowerPrologue = raw.FollowerPrologue
	}
	if meta.IsDefined("log_level") {
		level, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return FileConfig{}, errs.Prefix(ErrBadConfig, "log_level: %s", err)
		}
		fc.LogLevel = level
	}
	if meta.IsDefined("metrics_address") {
		fc.MetricsAddress = strings.TrimSpace(raw.MetricsAddress)
	}
	return fc, nil
}

// ReadNearestFileConfig loads the config file from the nearest .wormhole
// directory. If there is no such directory or it has no config file, the
// defaults are returned.
func ReadNearestFileConfig() (FileConfig, error) {
	dir, err := NearestWormholeDir()
	if xerrors.Is(err, ErrNoWormholeDir) {
		return DefaultFileConfig(), nil
	} else if err != nil {
		return FileConfig{}, err
	}
	path := dir + "/" + ConfigFileName
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultFileConfig(), nil
	}
	return LoadFileConfig(path)
}

// Apply copies the file settings into config, for fields config does not set
// itself.
func (fc FileConfig) Apply(config *Config) {
	if fc.Relay {
		config.Relay = true
	}
	if config.LeaderPrologue == nil && fc.LeaderPrologue != "" {
		config.LeaderPrologue = []byte(fc.LeaderPrologue)
	}
	if config.FollowerPrologue == nil && fc.FollowerPrologue != "" {
		config.FollowerPrologue = []byte(fc.FollowerPrologue)
	}
}
