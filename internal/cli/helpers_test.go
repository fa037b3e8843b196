package cli

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/testutil"
)

// execute runs the root command with args and returns what it wrote.
func execute(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

type testSetup struct {
	dir    string
	config string
	db     string
}

// newSetup writes a config that trusts the test keys of servers and points
// at a fresh database.
func newSetup(t *testing.T, servers ...string) *testSetup {
	t.Helper()
	dir := t.TempDir()
	keys := map[string]map[string]string{}
	for _, s := range servers {
		pub := testutil.ServerKey(s).Private.Public().(ed25519.PublicKey)
		keys[s] = map[string]string{testutil.TestKeyID: base64.RawStdEncoding.EncodeToString(pub)}
	}
	db := filepath.Join(dir, "roomgraph.db")
	data, err := json.Marshal(map[string]any{
		"server_name":   "local.test",
		"database_path": db,
		"verify_keys":   keys,
		"log_level":     "error",
	})
	require.NoError(t, err)

	// JSON is valid CUE.
	path := filepath.Join(dir, "roomgraph.cue")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return &testSetup{dir: dir, config: path, db: db}
}

func (s *testSetup) run(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	return execute(t, stdin, append([]string{"--config", s.config}, args...)...)
}

// writeFile writes data under the setup directory and returns its path.
func (s *testSetup) writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(s.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// seedRoom builds create, creator_join, power_levels, join_rules and one
// message from alice.
func seedRoom(t *testing.T) *testutil.RoomBuilder {
	t.Helper()
	room := testutil.StandardRoom(t, pdu.DefaultRoomVersion, "@alice:a.org", nil)
	room.Message("hello", "@alice:a.org", "hi", []string{"join_rules"}, testutil.StandardAuth("creator_join"))
	return room
}

func jsonLines(events []*pdu.Event) []byte {
	var buf bytes.Buffer
	for _, ev := range events {
		buf.Write(ev.JSON())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// response mirrors CLIResponse with the payload left raw.
type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

// ingested returns a setup whose database holds the seed room.
func ingested(t *testing.T) (*testSetup, *testutil.RoomBuilder) {
	t.Helper()
	s := newSetup(t, "a.org")
	room := seedRoom(t)
	path := s.writeFile(t, "pdus.jsonl", jsonLines(room.Events()))
	_, _, err := s.run(t, nil, "ingest", "--origin", "a.org", path)
	require.NoError(t, err)
	return s, room
}
