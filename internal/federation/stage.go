package federation

import "github.com/roach88/roomgraph/internal/pdu"

// Stage is a position in the intake state machine.
type Stage string

const (
	StageReceived          Stage = "received"
	StageFetchingAncestors Stage = "fetching_ancestors"
	StageAuthorizing       Stage = "authorizing"
	StageResolving         Stage = "resolving"
	StagePersisted         Stage = "persisted"
	StageRejected          Stage = "rejected"
	StagePending           Stage = "pending"
	StageDiscarded         Stage = "discarded"
	StageMalformed         Stage = "malformed"
	StageFailed            Stage = "failed"
)

// Outcome is the final stage an event reached.
type Outcome struct {
	EventID pdu.EventID
	RoomID  pdu.RoomID
	Stage   Stage
	// Duplicate is set when the event was already stored.
	Duplicate bool
	// Ancestors counts fetched ancestors processed before the event.
	Ancestors int
	// Extremities after the commit, for persisted events.
	Extremities []pdu.EventID
}

// stageFor maps an intake error to its terminal stage.
func stageFor(err error) Stage {
	switch ErrorCode(err) {
	case ErrCodeMalformed:
		return StageMalformed
	case ErrCodeRejected:
		return StageRejected
	case ErrCodeMissingAncestors:
		return StagePending
	case ErrCodeTooManyMissing:
		return StageDiscarded
	default:
		return StageFailed
	}
}
