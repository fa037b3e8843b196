package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/roomgraph/internal/pdu"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// StoredEvent is an event with its storage metadata.
type StoredEvent struct {
	Event           *pdu.Event
	StreamOrdering  int64
	Rejected        bool
	RejectionReason string
}

// RoomInfo summarizes a stored room.
type RoomInfo struct {
	RoomID        pdu.RoomID
	Version       pdu.RoomVersion
	CreateEventID pdu.EventID
	EventCount    int
}

// GetEvent returns a stored event. Returns ErrNotFound if absent.
func (s *Store) GetEvent(ctx context.Context, id pdu.EventID) (*pdu.Event, error) {
	var data []byte
	var version string
	err := s.db.QueryRowContext(ctx, `
		SELECT e.json, r.room_version
		FROM events e JOIN rooms r ON r.room_id = e.room_id
		WHERE e.event_id = ?
	`, id.String()).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return s.decodeEvent(id, data, version)
}

func (s *Store) decodeEvent(id pdu.EventID, data []byte, version string) (*pdu.Event, error) {
	raw, err := s.codec.decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	ev, err := pdu.ParseEvent(raw, pdu.RoomVersion(version))
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	if ev.EventID != id {
		return nil, fmt.Errorf("decode event %s: stored body hashes to %s", id, ev.EventID)
	}
	return ev, nil
}

// GetEvents returns the stored subset of ids. Absent events are simply
// missing from the result.
func (s *Store) GetEvents(ctx context.Context, ids []pdu.EventID) (map[pdu.EventID]*pdu.Event, error) {
	out := make(map[pdu.EventID]*pdu.Event, len(ids))
	for _, chunk := range chunkIDs(ids, 200) {
		query := `
			SELECT e.event_id, e.json, r.room_version
			FROM events e JOIN rooms r ON r.room_id = e.room_id
			WHERE e.event_id IN (` + placeholders(len(chunk)) + `)
			ORDER BY e.event_id`
		rows, err := s.db.QueryContext(ctx, query, idArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("get events: %w", err)
		}
		for rows.Next() {
			var idStr, version string
			var data []byte
			if err := rows.Scan(&idStr, &data, &version); err != nil {
				rows.Close()
				return nil, fmt.Errorf("get events: %w", err)
			}
			id, err := pdu.ParseEventID(idStr)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("get events: %w", err)
			}
			ev, err := s.decodeEvent(id, data, version)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = ev
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("get events: %w", err)
		}
	}
	return out, nil
}

// HasEvent reports whether an event is stored.
func (s *Store) HasEvent(ctx context.Context, id pdu.EventID) (bool, error) {
	missing, err := s.MissingEvents(ctx, []pdu.EventID{id})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// MissingEvents returns the ids that are not stored, deduplicated and
// sorted.
func (s *Store) MissingEvents(ctx context.Context, ids []pdu.EventID) ([]pdu.EventID, error) {
	present := make(map[pdu.EventID]bool, len(ids))
	for _, chunk := range chunkIDs(ids, 200) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT event_id FROM events WHERE event_id IN (`+placeholders(len(chunk))+`)`,
			idArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("missing events: %w", err)
		}
		for rows.Next() {
			var idStr string
			if err := rows.Scan(&idStr); err != nil {
				rows.Close()
				return nil, fmt.Errorf("missing events: %w", err)
			}
			present[pdu.MustParseEventID(idStr)] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("missing events: %w", err)
		}
	}

	missing := []pdu.EventID{}
	seen := make(map[pdu.EventID]bool, len(ids))
	for _, id := range ids {
		if present[id] || seen[id] {
			continue
		}
		seen[id] = true
		missing = append(missing, id)
	}
	pdu.SortEventIDs(missing)
	return missing, nil
}

// ForwardExtremities returns the current DAG leaves of a room, sorted.
func (s *Store) ForwardExtremities(ctx context.Context, room pdu.RoomID) ([]pdu.EventID, error) {
	ids, err := s.forwardExtremities(ctx, s.db, room)
	if err != nil {
		return nil, fmt.Errorf("forward extremities: %w", err)
	}
	return ids, nil
}

func (s *Store) forwardExtremities(ctx context.Context, q queryer, room pdu.RoomID) ([]pdu.EventID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT event_id FROM forward_extremities
		WHERE room_id = ?
		ORDER BY event_id COLLATE BINARY
	`, room.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// CurrentState returns the resolved current state of a room.
func (s *Store) CurrentState(ctx context.Context, room pdu.RoomID) (pdu.StateMap, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT ss.data FROM room_state rs
		JOIN state_snapshots ss ON ss.hash = rs.snapshot
		WHERE rs.room_id = ?
	`, room.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("current state of %s: %w", room, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("current state of %s: %w", room, err)
	}
	return s.codec.decodeState(data)
}

// StateAfterEvent returns the state recorded after an event.
func (s *Store) StateAfterEvent(ctx context.Context, id pdu.EventID) (pdu.StateMap, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT ss.data FROM events e
		JOIN state_snapshots ss ON ss.hash = e.state_after
		WHERE e.event_id = ?
	`, id.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("state after %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("state after %s: %w", id, err)
	}
	return s.codec.decodeState(data)
}

// RoomVersion returns the version a room was created with.
func (s *Store) RoomVersion(ctx context.Context, room pdu.RoomID) (pdu.RoomVersion, error) {
	var version string
	err := s.db.QueryRowContext(ctx, `SELECT room_version FROM rooms WHERE room_id = ?`, room.String()).Scan(&version)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("room version of %s: %w", room, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("room version of %s: %w", room, err)
	}
	return pdu.RoomVersion(version), nil
}

// RoomEvents returns every stored event of a room in stream order. Stream
// order is a topological order: an event is only stored after its
// references.
func (s *Store) RoomEvents(ctx context.Context, room pdu.RoomID) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.event_id, e.json, r.room_version, e.stream_ordering, e.rejected, e.rejection_reason
		FROM events e JOIN rooms r ON r.room_id = e.room_id
		WHERE e.room_id = ?
		ORDER BY e.stream_ordering ASC
	`, room.String())
	if err != nil {
		return nil, fmt.Errorf("room events: %w", err)
	}
	defer rows.Close()

	events := []StoredEvent{}
	for rows.Next() {
		var idStr, version, reason string
		var data []byte
		var stream int64
		var rejected bool
		if err := rows.Scan(&idStr, &data, &version, &stream, &rejected, &reason); err != nil {
			return nil, fmt.Errorf("room events: %w", err)
		}
		id, err := pdu.ParseEventID(idStr)
		if err != nil {
			return nil, fmt.Errorf("room events: %w", err)
		}
		ev, err := s.decodeEvent(id, data, version)
		if err != nil {
			return nil, err
		}
		events = append(events, StoredEvent{Event: ev, StreamOrdering: stream, Rejected: rejected, RejectionReason: reason})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room events: %w", err)
	}
	return events, nil
}

// IsRejected reports whether a stored event was rejected and why.
func (s *Store) IsRejected(ctx context.Context, id pdu.EventID) (bool, string, error) {
	var rejected bool
	var reason string
	err := s.db.QueryRowContext(ctx, `SELECT rejected, rejection_reason FROM events WHERE event_id = ?`,
		id.String()).Scan(&rejected, &reason)
	if err == sql.ErrNoRows {
		return false, "", fmt.Errorf("is rejected %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, "", fmt.Errorf("is rejected %s: %w", id, err)
	}
	return rejected, reason, nil
}

// Rooms lists every stored room ordered by room ID.
func (s *Store) Rooms(ctx context.Context) ([]RoomInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.room_id, r.room_version, r.create_event_id,
		       (SELECT COUNT(*) FROM events e WHERE e.room_id = r.room_id)
		FROM rooms r
		ORDER BY r.room_id COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("rooms: %w", err)
	}
	defer rows.Close()

	rooms := []RoomInfo{}
	for rows.Next() {
		var roomStr, version, createStr string
		var count int
		if err := rows.Scan(&roomStr, &version, &createStr, &count); err != nil {
			return nil, fmt.Errorf("rooms: %w", err)
		}
		room, err := pdu.ParseRoomID(roomStr)
		if err != nil {
			return nil, fmt.Errorf("rooms: %w", err)
		}
		create, err := pdu.ParseEventID(createStr)
		if err != nil {
			return nil, fmt.Errorf("rooms: %w", err)
		}
		rooms = append(rooms, RoomInfo{RoomID: room, Version: pdu.RoomVersion(version), CreateEventID: create, EventCount: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rooms: %w", err)
	}
	return rooms, nil
}

func scanIDs(rows *sql.Rows) ([]pdu.EventID, error) {
	ids := []pdu.EventID{}
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, err
		}
		id, err := pdu.ParseEventID(idStr)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func chunkIDs(ids []pdu.EventID, size int) [][]pdu.EventID {
	var chunks [][]pdu.EventID
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []pdu.EventID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return args
}
