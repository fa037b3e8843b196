package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/roomgraph/internal/pdu"
)

// ErrNotFound is returned when a requested event, room or state record
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnknownRoom is returned when an event references a room whose create
// event has not been stored.
var ErrUnknownRoom = errors.New("unknown room")

// ForeignReferenceError is returned when an event names a prev or auth
// event that belongs to another room.
type ForeignReferenceError struct {
	EventID pdu.EventID
	Ref     pdu.EventID
	RefRoom pdu.RoomID
}

func (e *ForeignReferenceError) Error() string {
	return fmt.Sprintf("event %s references %s from room %s", e.EventID, e.Ref, e.RefRoom)
}

// IsForeignReference reports whether err is a ForeignReferenceError.
func IsForeignReference(err error) bool {
	var fre *ForeignReferenceError
	return errors.As(err, &fre)
}

// MissingAncestorsError is returned when an event references prev or auth
// events that are not stored yet. The caller must fetch them first.
type MissingAncestorsError struct {
	EventID pdu.EventID
	Missing []pdu.EventID
}

func (e *MissingAncestorsError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = id.String()
	}
	return fmt.Sprintf("event %s references %d missing events: %s", e.EventID, len(e.Missing), strings.Join(ids, ", "))
}

// IsMissingAncestors reports whether err is a MissingAncestorsError and
// returns the missing IDs.
func IsMissingAncestors(err error) ([]pdu.EventID, bool) {
	var mae *MissingAncestorsError
	if errors.As(err, &mae) {
		return mae.Missing, true
	}
	return nil, false
}
