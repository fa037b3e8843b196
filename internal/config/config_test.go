package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomgraph/internal/pdu"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "localhost", cfg.ServerName)
	assert.Equal(t, "roomgraph.db", cfg.DatabasePath)
	assert.Equal(t, 20, cfg.Fetch.MaxDepth)
	assert.Equal(t, 200, cfg.Fetch.MaxEvents)
	assert.Equal(t, int64(8), cfg.Fetch.MaxOutstanding)
	assert.Equal(t, 3, cfg.Fetch.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Fetch.Timeout.Duration)
	assert.Equal(t, time.Hour, cfg.PendingTTL.Duration)
	assert.Equal(t, 5, cfg.PendingMaxAttempts)
	assert.Equal(t, 4096, cfg.SnapshotCacheSize)
	assert.Equal(t, "roomgraph", cfg.NATS.SubjectPrefix)
	assert.Empty(t, cfg.Peers)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "roomgraph.cue", `
server_name: "a.org"
log_level: "debug"
peers: "b.org": "https://b.org:8448"
fetch: {
	max_depth: 5
	timeout: "2s"
}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a.org", cfg.ServerName)
	assert.Equal(t, 5, cfg.Fetch.MaxDepth)
	assert.Equal(t, 2*time.Second, cfg.Fetch.Timeout.Duration)
	assert.Equal(t, 200, cfg.Fetch.MaxEvents, "unset fields keep defaults")
	assert.Equal(t, []pdu.ServerName{pdu.MustParseServerName("b.org")}, cfg.PeerNames())

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"zero depth":   `fetch: max_depth: 0`,
		"bad duration": `pending_ttl: "soon"`,
		"bad level":    `log_level: "loud"`,
		"bad peer url": `peers: "b.org": "b.org"`,
		"unknown key":  `fetch: max_depht: 3`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.cue", src))
			assert.Error(t, err)
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ROOMGRAPH_SERVER_NAME", "env.org")
	t.Setenv("ROOMGRAPH_FETCH_MAX_ATTEMPTS", "7")
	t.Setenv("ROOMGRAPH_PENDING_TTL", "30m")
	t.Setenv("ROOMGRAPH_PEERS", "b.org=https://b.org,c.org=http://c.org:8008")
	t.Setenv("ROOMGRAPH_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load(writeFile(t, "roomgraph.cue", `server_name: "file.org"`))
	require.NoError(t, err)
	assert.Equal(t, "env.org", cfg.ServerName)
	assert.Equal(t, 7, cfg.Fetch.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.PendingTTL.Duration)
	assert.Equal(t, "http://c.org:8008", cfg.Peers["c.org"])
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
}

func TestLoadEnvValidated(t *testing.T) {
	t.Setenv("ROOMGRAPH_FETCH_MAX_DEPTH", "0")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.cue"))
	assert.Error(t, err)
}

func TestSigningKeyAndKeyRing(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	keyFile := writeFile(t, "signing.key", "ed25519 a_abcd "+base64.RawStdEncoding.EncodeToString(seed)+"\n")

	remote := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)).Public().(ed25519.PublicKey)
	cfg := Default()
	cfg.ServerName = "a.org"
	cfg.SigningKeyFile = keyFile
	cfg.VerifyKeys = map[string]map[string]string{
		"b.org": {"ed25519:1": base64.RawStdEncoding.EncodeToString(remote)},
	}

	key, err := cfg.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, "ed25519:a_abcd", key.KeyID)
	assert.Equal(t, "a.org", key.Server.String())

	ring, err := cfg.KeyRing(key)
	require.NoError(t, err)
	got, err := ring.VerifyKey(pdu.MustParseServerName("b.org"), "ed25519:1")
	require.NoError(t, err)
	assert.Equal(t, remote, got)
	_, err = ring.VerifyKey(pdu.MustParseServerName("a.org"), "ed25519:a_abcd")
	assert.NoError(t, err)
}

func TestParseSigningKeyRejects(t *testing.T) {
	server := pdu.MustParseServerName("a.org")
	for _, line := range []string{"", "rsa 1 AAAA", "ed25519 1 !!!", "ed25519 1 AAAA"} {
		_, err := ParseSigningKey(server, line)
		assert.Error(t, err, line)
	}
}
