package store

import (
	"context"
	"fmt"

	"github.com/roach88/roomgraph/internal/pdu"
)

// walkPrevEdges visits every ancestor reachable from start over
// prev_events edges, start included, breadth first. The walk uses an
// explicit worklist and a visited set, so hostile cycles terminate.
// visit returns false to stop early.
func walkPrevEdges(ctx context.Context, q queryer, start []pdu.EventID, visit func(pdu.EventID) bool) error {
	visited := make(map[pdu.EventID]bool, len(start))
	queue := make([]pdu.EventID, 0, len(start))
	for _, id := range start {
		if !visited[id] {
			visited[id] = true
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := queue[0]
		queue = queue[1:]
		if !visit(id) {
			return nil
		}

		prevs, err := prevEdges(ctx, q, id)
		if err != nil {
			return err
		}
		for _, p := range prevs {
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return nil
}

func prevEdges(ctx context.Context, q queryer, id pdu.EventID) ([]pdu.EventID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT prev_event_id FROM event_edges
		WHERE event_id = ?
		ORDER BY prev_event_id COLLATE BINARY
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("prev edges of %s: %w", id, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Ancestors returns the events reachable from ids over prev_events edges,
// excluding ids themselves, sorted. limit bounds the number of events
// visited; 0 means no bound.
func (s *Store) Ancestors(ctx context.Context, ids []pdu.EventID, limit int) ([]pdu.EventID, error) {
	start := make(map[pdu.EventID]bool, len(ids))
	for _, id := range ids {
		start[id] = true
	}

	out := []pdu.EventID{}
	visited := 0
	err := walkPrevEdges(ctx, s.db, ids, func(id pdu.EventID) bool {
		visited++
		if !start[id] {
			out = append(out, id)
		}
		return limit == 0 || visited < limit
	})
	if err != nil {
		return nil, fmt.Errorf("ancestors: %w", err)
	}
	pdu.SortEventIDs(out)
	return out, nil
}

// IsAncestor reports whether candidate is reachable from any of from over
// prev_events edges.
func (s *Store) IsAncestor(ctx context.Context, candidate pdu.EventID, from []pdu.EventID) (bool, error) {
	found := false
	err := walkPrevEdges(ctx, s.db, from, func(id pdu.EventID) bool {
		if id == candidate {
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return false, fmt.Errorf("is ancestor: %w", err)
	}
	return found, nil
}
