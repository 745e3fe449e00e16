// Package config defines meshnode's on-disk configuration format, loaded
// via github.com/BurntSushi/toml, mirroring go-ethereum's TOML-based node
// configuration (SPEC_FULL.md §4.17).
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration with text (un)marshalling so TOML documents
// can write "15s"/"24h" rather than raw nanosecond integers; BurntSushi/toml
// dispatches to encoding.TextUnmarshaler for any field that implements it.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Security names which secureconn.Transport the host negotiates, by its
// multistream-select protocol id.
type Security string

const (
	SecurityNoise     Security = "/noise"
	SecurityTLS       Security = "/tls/1.0.0"
	SecurityPlaintext Security = "/plaintext/2.0.0"
)

// Muxer names which muxer.Transport the host negotiates.
type Muxer string

const (
	MuxerYamux Muxer = "/yamux/1.0.0"
	MuxerMplex Muxer = "/mplex/6.7.0"
)

// Kademlia bundles the query engine and table tunables spec.md names
// defaults for.
type Kademlia struct {
	BucketSize         int      `toml:"bucket_size"`
	Alpha              int      `toml:"alpha"`
	QueryTimeout       Duration `toml:"query_timeout"`
	ValueTTL           Duration `toml:"value_ttl"`
	ProviderTTL        Duration `toml:"provider_ttl"`
	ReannounceInterval Duration `toml:"reannounce_interval"`
	BootstrapPeers     []string `toml:"bootstrap_peers"`
}

// Config is meshnode's top-level TOML document.
type Config struct {
	ListenAddrs []string `toml:"listen_addrs"`

	Security []Security `toml:"security"`
	Muxers   []Muxer    `toml:"muxers"`

	Kademlia Kademlia `toml:"kademlia"`

	ConnectTimeout Duration `toml:"connect_timeout"`

	// StrictMultistream requires the multistream-select handshake line
	// before the first protocol proposal, per spec.md §4.4. Disabling it
	// lets this host skip/tolerate the handshake round trip when talking
	// to a peer running the same relaxed mode.
	StrictMultistream bool `toml:"strict_multistream"`
}

// Default returns the configuration used when no file is supplied,
// matching the defaults spec.md names throughout §4.10–§4.14.
func Default() Config {
	return Config{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/4001"},
		Security:    []Security{SecurityNoise, SecurityTLS},
		Muxers:      []Muxer{MuxerYamux, MuxerMplex},
		Kademlia: Kademlia{
			BucketSize:         20,
			Alpha:              3,
			QueryTimeout:       Duration(60 * time.Second),
			ValueTTL:           Duration(24 * time.Hour),
			ProviderTTL:        Duration(24 * time.Hour),
			ReannounceInterval: Duration(12 * time.Hour),
		},
		ConnectTimeout:    Duration(15 * time.Second),
		StrictMultistream: true,
	}
}

// Load reads and parses the TOML document at path, starting from Default()
// so a partial file only overrides the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
