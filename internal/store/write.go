package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/roomgraph/internal/pdu"
)

// PutOptions controls how a single event is recorded.
type PutOptions struct {
	// Rejected marks an event that failed authorization. It is stored for
	// graph integrity but never becomes a forward extremity.
	Rejected        bool
	RejectionReason string
	// StateAfter is the state after the event. Nil records no state.
	StateAfter pdu.StateMap
}

// PutEvent stores a single event without touching forward extremities or
// current state. Re-putting a stored event is a no-op and returns false.
// Events whose prev_events or auth_events are not stored are refused with
// *MissingAncestorsError.
func (s *Store) PutEvent(ctx context.Context, ev *pdu.Event, opts PutOptions) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("put event: begin: %w", err)
	}
	defer tx.Rollback()

	inserted, err := s.putEventTx(ctx, tx, ev, opts)
	if err != nil {
		return false, fmt.Errorf("put event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("put event: commit: %w", err)
	}
	return inserted, nil
}

// Commit describes an accepted event together with the state it produces.
type Commit struct {
	Event        *pdu.Event
	StateAfter   pdu.StateMap
	CurrentState pdu.StateMap
}

// CommitResult reports the outcome of Commit.
type CommitResult struct {
	// Inserted is false when the event was already stored; nothing else
	// changed in that case.
	Inserted    bool
	Extremities []pdu.EventID
}

// Commit atomically stores an accepted event, its state snapshot, the
// updated forward extremities and the room's new current state.
//
// Extremities that are prev_events or ancestors of the new event are
// removed and the new event is added.
func (s *Store) Commit(ctx context.Context, c Commit) (CommitResult, error) {
	if c.StateAfter == nil || c.CurrentState == nil {
		return CommitResult{}, fmt.Errorf("commit %s: state after and current state are required", c.Event.EventID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit: begin: %w", err)
	}
	defer tx.Rollback()

	inserted, err := s.putEventTx(ctx, tx, c.Event, PutOptions{StateAfter: c.StateAfter})
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	if !inserted {
		extremities, err := s.forwardExtremities(ctx, tx, c.Event.RoomID)
		if err != nil {
			return CommitResult{}, fmt.Errorf("commit: %w", err)
		}
		return CommitResult{Extremities: extremities}, nil
	}

	extremities, err := s.updateExtremitiesTx(ctx, tx, c.Event)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}

	hash, err := s.putSnapshotTx(ctx, tx, c.CurrentState)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_state (room_id, snapshot) VALUES (?, ?)
		ON CONFLICT(room_id) DO UPDATE SET snapshot = excluded.snapshot
	`, c.Event.RoomID.String(), hash); err != nil {
		return CommitResult{}, fmt.Errorf("commit: write room state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	return CommitResult{Inserted: true, Extremities: extremities}, nil
}

func (s *Store) putEventTx(ctx context.Context, tx *sql.Tx, ev *pdu.Event, opts PutOptions) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id = ?`, ev.EventID.String()).Scan(&exists)
	switch {
	case err == nil:
		return false, nil
	case err != sql.ErrNoRows:
		return false, fmt.Errorf("check %s: %w", ev.EventID, err)
	}

	if err := s.ensureRoomTx(ctx, tx, ev); err != nil {
		return false, err
	}
	if err := checkReferencesTx(ctx, tx, ev); err != nil {
		return false, err
	}

	var snapshot sql.NullString
	if opts.StateAfter != nil {
		hash, err := s.putSnapshotTx(ctx, tx, opts.StateAfter)
		if err != nil {
			return false, err
		}
		snapshot = sql.NullString{String: hash, Valid: true}
	}

	var stream int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(stream_ordering), 0) + 1 FROM events`).Scan(&stream); err != nil {
		return false, fmt.Errorf("next stream ordering: %w", err)
	}

	var stateKey sql.NullString
	if ev.StateKey != nil {
		stateKey = sql.NullString{String: *ev.StateKey, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(event_id, room_id, stream_ordering, type, state_key, sender, depth, origin_server_ts, json, rejected, rejection_reason, state_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.EventID.String(),
		ev.RoomID.String(),
		stream,
		ev.Type,
		stateKey,
		ev.Sender.String(),
		ev.Depth,
		ev.OriginServerTS,
		s.codec.compress(ev.JSON()),
		opts.Rejected,
		opts.RejectionReason,
		snapshot,
	); err != nil {
		return false, fmt.Errorf("insert %s: %w", ev.EventID, err)
	}

	for _, prev := range ev.PrevEvents {
		if _, err := tx.ExecContext(ctx, `INSERT INTO event_edges (event_id, prev_event_id) VALUES (?, ?)`,
			ev.EventID.String(), prev.String()); err != nil {
			return false, fmt.Errorf("insert edge %s -> %s: %w", ev.EventID, prev, err)
		}
	}
	for _, auth := range ev.AuthEvents {
		if _, err := tx.ExecContext(ctx, `INSERT INTO event_auth (event_id, auth_event_id) VALUES (?, ?)`,
			ev.EventID.String(), auth.String()); err != nil {
			return false, fmt.Errorf("insert auth edge %s -> %s: %w", ev.EventID, auth, err)
		}
	}
	return true, nil
}

// ensureRoomTx registers the room on its create event and checks that
// every other event belongs to a known room of the same version.
func (s *Store) ensureRoomTx(ctx context.Context, tx *sql.Tx, ev *pdu.Event) error {
	if ev.Type == pdu.TypeCreate && ev.StateKeyValue() == "" && ev.StateKey != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (room_id, room_version, create_event_id) VALUES (?, ?, ?)
			ON CONFLICT(room_id) DO NOTHING
		`, ev.RoomID.String(), string(ev.Version()), ev.EventID.String())
		if err != nil {
			return fmt.Errorf("register room %s: %w", ev.RoomID, err)
		}
	}

	var version string
	err := tx.QueryRowContext(ctx, `SELECT room_version FROM rooms WHERE room_id = ?`, ev.RoomID.String()).Scan(&version)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, ev.RoomID)
	}
	if err != nil {
		return fmt.Errorf("look up room %s: %w", ev.RoomID, err)
	}
	if pdu.RoomVersion(version) != ev.Version() {
		return fmt.Errorf("event %s parsed as version %s but room %s is version %s", ev.EventID, ev.Version(), ev.RoomID, version)
	}
	return nil
}

func checkReferencesTx(ctx context.Context, tx *sql.Tx, ev *pdu.Event) error {
	refs := make([]pdu.EventID, 0, len(ev.PrevEvents)+len(ev.AuthEvents))
	refs = append(refs, ev.PrevEvents...)
	refs = append(refs, ev.AuthEvents...)

	var missing []pdu.EventID
	seen := make(map[pdu.EventID]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true

		var room string
		err := tx.QueryRowContext(ctx, `SELECT room_id FROM events WHERE event_id = ?`, ref.String()).Scan(&room)
		if err == sql.ErrNoRows {
			missing = append(missing, ref)
			continue
		}
		if err != nil {
			return fmt.Errorf("check reference %s: %w", ref, err)
		}
		if room != ev.RoomID.String() {
			refRoom, perr := pdu.ParseRoomID(room)
			if perr != nil {
				return fmt.Errorf("stored room id %q: %w", room, perr)
			}
			return &ForeignReferenceError{EventID: ev.EventID, Ref: ref, RefRoom: refRoom}
		}
	}
	if len(missing) > 0 {
		return &MissingAncestorsError{EventID: ev.EventID, Missing: sortedIDs(missing)}
	}
	return nil
}

func (s *Store) putSnapshotTx(ctx context.Context, tx *sql.Tx, state pdu.StateMap) (string, error) {
	hash, data, err := s.codec.encodeState(state)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_snapshots (hash, size, data) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash, len(state), data); err != nil {
		return "", fmt.Errorf("write state snapshot: %w", err)
	}
	return hash, nil
}

// updateExtremitiesTx replaces every extremity that the new event
// descends from with the new event itself.
func (s *Store) updateExtremitiesTx(ctx context.Context, tx *sql.Tx, ev *pdu.Event) ([]pdu.EventID, error) {
	current, err := s.forwardExtremities(ctx, tx, ev.RoomID)
	if err != nil {
		return nil, err
	}

	candidates := make(map[pdu.EventID]bool, len(current))
	for _, id := range current {
		candidates[id] = true
	}
	superseded := make(map[pdu.EventID]bool)
	for _, prev := range ev.PrevEvents {
		if candidates[prev] {
			superseded[prev] = true
			delete(candidates, prev)
		}
	}

	if len(candidates) > 0 {
		err := walkPrevEdges(ctx, tx, ev.PrevEvents, func(id pdu.EventID) bool {
			if candidates[id] {
				superseded[id] = true
				delete(candidates, id)
			}
			return len(candidates) > 0
		})
		if err != nil {
			return nil, fmt.Errorf("update extremities: %w", err)
		}
	}

	for id := range superseded {
		if _, err := tx.ExecContext(ctx, `DELETE FROM forward_extremities WHERE room_id = ? AND event_id = ?`,
			ev.RoomID.String(), id.String()); err != nil {
			return nil, fmt.Errorf("update extremities: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO forward_extremities (room_id, event_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, ev.RoomID.String(), ev.EventID.String()); err != nil {
		return nil, fmt.Errorf("update extremities: %w", err)
	}

	return s.forwardExtremities(ctx, tx, ev.RoomID)
}

// ReplaceRoomState overwrites the derived records of a room: the state
// after each listed event, the forward extremities and the current state.
// Events themselves are never modified. Used to repair a room after a
// rebuild finds drift.
func (s *Store) ReplaceRoomState(ctx context.Context, room pdu.RoomID, stateAfter map[pdu.EventID]pdu.StateMap, extremities []pdu.EventID, current pdu.StateMap) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace room state: begin: %w", err)
	}
	defer tx.Rollback()

	for _, id := range sortedIDs(mapKeys(stateAfter)) {
		hash, err := s.putSnapshotTx(ctx, tx, stateAfter[id])
		if err != nil {
			return fmt.Errorf("replace room state: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE events SET state_after = ? WHERE event_id = ? AND room_id = ?`,
			hash, id.String(), room.String())
		if err != nil {
			return fmt.Errorf("replace room state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("replace room state: event %s: %w", id, ErrNotFound)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM forward_extremities WHERE room_id = ?`, room.String()); err != nil {
		return fmt.Errorf("replace room state: %w", err)
	}
	for _, id := range extremities {
		if _, err := tx.ExecContext(ctx, `INSERT INTO forward_extremities (room_id, event_id) VALUES (?, ?)`,
			room.String(), id.String()); err != nil {
			return fmt.Errorf("replace room state: %w", err)
		}
	}

	hash, err := s.putSnapshotTx(ctx, tx, current)
	if err != nil {
		return fmt.Errorf("replace room state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_state (room_id, snapshot) VALUES (?, ?)
		ON CONFLICT(room_id) DO UPDATE SET snapshot = excluded.snapshot
	`, room.String(), hash); err != nil {
		return fmt.Errorf("replace room state: %w", err)
	}

	return tx.Commit()
}

func mapKeys(m map[pdu.EventID]pdu.StateMap) []pdu.EventID {
	out := make([]pdu.EventID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
