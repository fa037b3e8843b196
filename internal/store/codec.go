package store

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/roach88/roomgraph/internal/pdu"
)

// codec handles the on-disk encodings: zstd for event JSON, deterministic
// CBOR plus zstd for state snapshots, and blake3 snapshot addresses.
type codec struct {
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
}

// snapshotEntry is the CBOR shape of one state entry, encoded as a
// three-element array.
type snapshotEntry struct {
	_        struct{} `cbor:",toarray"`
	Type     string
	StateKey string
	EventID  string
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		enc.Close()
		dec.Close()
		return nil, fmt.Errorf("create cbor encoder: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		enc.Close()
		dec.Close()
		return nil, fmt.Errorf("create cbor decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec, cborEnc: em, cborDec: dm}, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}

func (c *codec) compress(data []byte) []byte {
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func (c *codec) decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// encodeState returns the snapshot address and compressed encoding of a
// state map. Equal maps always produce the same address.
func (c *codec) encodeState(state pdu.StateMap) (string, []byte, error) {
	entries := make([]snapshotEntry, 0, len(state))
	for _, k := range state.Keys() {
		entries = append(entries, snapshotEntry{Type: k.Type, StateKey: k.StateKey, EventID: state[k].String()})
	}
	raw, err := c.cborEnc.Marshal(entries)
	if err != nil {
		return "", nil, fmt.Errorf("encode state: %w", err)
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), c.compress(raw), nil
}

func (c *codec) decodeState(data []byte) (pdu.StateMap, error) {
	raw, err := c.decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	var entries []snapshotEntry
	if err := c.cborDec.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	state := make(pdu.StateMap, len(entries))
	for _, e := range entries {
		id, err := pdu.ParseEventID(e.EventID)
		if err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		state[pdu.StateKey{Type: e.Type, StateKey: e.StateKey}] = id
	}
	return state, nil
}

func sortedIDs(ids []pdu.EventID) []pdu.EventID {
	out := append([]pdu.EventID(nil), ids...)
	pdu.SortEventIDs(out)
	return out
}
