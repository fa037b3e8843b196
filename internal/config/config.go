// Package config loads roomgraph configuration: a CUE file checked against
// an embedded schema that also supplies defaults, then ROOMGRAPH_*
// environment overrides.
package config

import (
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"

	"github.com/roach88/roomgraph/internal/pdu"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROOMGRAPH_"

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the complete server configuration.
type Config struct {
	ServerName     string `json:"server_name" env:"SERVER_NAME"`
	SigningKeyFile string `json:"signing_key_file" env:"SIGNING_KEY_FILE"`
	DatabasePath   string `json:"database_path" env:"DATABASE_PATH"`
	LogLevel       string `json:"log_level" env:"LOG_LEVEL"`

	// Peers maps server names to federation base URLs.
	Peers      map[string]string            `json:"peers" env:"PEERS" envKeyValSeparator:"="`
	VerifyKeys map[string]map[string]string `json:"verify_keys"`

	Fetch FetchConfig `json:"fetch" envPrefix:"FETCH_"`

	PendingTTL         Duration `json:"pending_ttl" env:"PENDING_TTL"`
	PendingMaxAttempts int      `json:"pending_max_attempts" env:"PENDING_MAX_ATTEMPTS"`
	SnapshotCacheSize  int      `json:"snapshot_cache_size" env:"SNAPSHOT_CACHE_SIZE"`

	NATS NATSConfig `json:"nats" envPrefix:"NATS_"`
}

// FetchConfig bounds ancestor fetching.
type FetchConfig struct {
	MaxDepth          int      `json:"max_depth" env:"MAX_DEPTH"`
	MaxEvents         int      `json:"max_events" env:"MAX_EVENTS"`
	MaxOutstanding    int64    `json:"max_outstanding" env:"MAX_OUTSTANDING"`
	MaxAttempts       int      `json:"max_attempts" env:"MAX_ATTEMPTS"`
	Timeout           Duration `json:"timeout" env:"TIMEOUT"`
	BackoffInitial    Duration `json:"backoff_initial" env:"BACKOFF_INITIAL"`
	BackoffMax        Duration `json:"backoff_max" env:"BACKOFF_MAX"`
	ServerBackoff     Duration `json:"server_backoff" env:"SERVER_BACKOFF"`
	PrefetchThreshold int      `json:"prefetch_threshold" env:"PREFETCH_THRESHOLD"`
}

// NATSConfig configures the room update publisher. An empty URL disables it.
type NATSConfig struct {
	URL           string `json:"url" env:"URL"`
	SubjectPrefix string `json:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// Default returns the schema defaults. It panics if the embedded schema is
// broken.
func Default() Config {
	v, err := schema(cuecontext.New())
	if err != nil {
		panic(err)
	}
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads path (optional: an empty path uses defaults only), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	ctx := cuecontext.New()
	v, err := schema(ctx)
	if err != nil {
		return Config{}, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		file := ctx.CompileBytes(data, cue.Filename(path))
		if err := file.Err(); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		v = v.Unify(file)
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func schema(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("config: schema: %w", err)
	}
	return v.LookupPath(cue.ParsePath("#Config")), nil
}

func decode(v cue.Value) (Config, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// Validate checks values that environment overrides may have broken.
func (c Config) Validate() error {
	if _, err := pdu.ParseServerName(c.ServerName); err != nil {
		return fmt.Errorf("config: server_name: %w", err)
	}
	for name := range c.Peers {
		if _, err := pdu.ParseServerName(name); err != nil {
			return fmt.Errorf("config: peers: %w", err)
		}
	}
	if c.Fetch.MaxDepth < 1 || c.Fetch.MaxEvents < 1 || c.Fetch.MaxOutstanding < 1 || c.Fetch.MaxAttempts < 1 {
		return errors.New("config: fetch limits must be positive")
	}
	if c.PendingMaxAttempts < 1 {
		return errors.New("config: pending_max_attempts must be positive")
	}
	if c.SnapshotCacheSize < 1 {
		return errors.New("config: snapshot_cache_size must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}

// Server returns the parsed server name.
func (c Config) Server() pdu.ServerName {
	return pdu.MustParseServerName(c.ServerName)
}

// PeerNames returns the configured peers in name order.
func (c Config) PeerNames() []pdu.ServerName {
	out := make([]pdu.ServerName, 0, len(c.Peers))
	for _, name := range sortedKeys(c.Peers) {
		out = append(out, pdu.MustParseServerName(name))
	}
	return out
}

// SigningKey reads the signing key file. The file holds one line in the
// form "ed25519 <version> <unpadded base64 seed>".
func (c Config) SigningKey() (pdu.SigningKey, error) {
	if c.SigningKeyFile == "" {
		return pdu.SigningKey{}, errors.New("config: signing_key_file is not set")
	}
	data, err := os.ReadFile(c.SigningKeyFile)
	if err != nil {
		return pdu.SigningKey{}, fmt.Errorf("config: %w", err)
	}
	return ParseSigningKey(c.Server(), string(data))
}

// ParseSigningKey parses a signing key line.
func ParseSigningKey(server pdu.ServerName, line string) (pdu.SigningKey, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "ed25519" {
		return pdu.SigningKey{}, errors.New("config: signing key must be \"ed25519 <version> <seed>\"")
	}
	seed, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(fields[2], "="))
	if err != nil {
		return pdu.SigningKey{}, fmt.Errorf("config: signing key seed: %w", err)
	}
	key, err := pdu.NewSigningKeyFromSeed(server, "ed25519:"+fields[1], seed)
	if err != nil {
		return pdu.SigningKey{}, fmt.Errorf("config: %w", err)
	}
	return key, nil
}

// KeyRing builds a static key ring from VerifyKeys plus the local key.
func (c Config) KeyRing(local pdu.SigningKey) (pdu.StaticKeyRing, error) {
	ring := pdu.StaticKeyRing{}
	if local.Private != nil {
		ring.AddSigningKey(local)
	}
	for _, name := range sortedKeys(c.VerifyKeys) {
		server, err := pdu.ParseServerName(name)
		if err != nil {
			return nil, fmt.Errorf("config: verify_keys: %w", err)
		}
		for keyID, encoded := range c.VerifyKeys[name] {
			raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
			if err != nil {
				return nil, fmt.Errorf("config: verify key %s %s: %w", name, keyID, err)
			}
			if len(raw) != 32 {
				return nil, fmt.Errorf("config: verify key %s %s has %d bytes", name, keyID, len(raw))
			}
			ring.Add(server, keyID, raw)
		}
	}
	return ring, nil
}
