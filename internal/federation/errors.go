package federation

import (
	"errors"
	"fmt"

	"github.com/roach88/roomgraph/internal/pdu"
)

// IntakeErrorCode classifies intake failures.
type IntakeErrorCode string

const (
	// ErrCodeMalformed: bad hash, signature or shape. Nothing is stored.
	ErrCodeMalformed IntakeErrorCode = "MALFORMED_EVENT"

	// ErrCodeRejected: the event failed authorization. It is stored for
	// graph integrity and excluded from state.
	ErrCodeRejected IntakeErrorCode = "AUTHORIZATION_REJECTED"

	// ErrCodeMissingAncestors: ancestors could not be fetched yet. The
	// event is pending and will be retried.
	ErrCodeMissingAncestors IntakeErrorCode = "MISSING_ANCESTORS"

	// ErrCodeTooManyMissing: the missing ancestor chain exceeds the fetch
	// bounds. The event is discarded.
	ErrCodeTooManyMissing IntakeErrorCode = "TOO_MANY_MISSING_ANCESTORS"

	// ErrCodeStoreFailure: the store is unavailable. Surfaced to the caller
	// so the remote can retry.
	ErrCodeStoreFailure IntakeErrorCode = "STORE_FAILURE"
)

// IntakeError is the error returned for an event that did not persist as
// accepted.
type IntakeError struct {
	Code    IntakeErrorCode
	EventID pdu.EventID
	RoomID  pdu.RoomID
	Reason  string
	Err     error
}

func (e *IntakeError) Error() string {
	msg := string(e.Code)
	if !e.EventID.IsZero() {
		msg += " " + e.EventID.String()
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntakeError) Unwrap() error { return e.Err }

func intakeError(code IntakeErrorCode, ev *pdu.Event, err error, format string, args ...any) *IntakeError {
	ie := &IntakeError{Code: code, Reason: fmt.Sprintf(format, args...), Err: err}
	if ev != nil {
		ie.EventID = ev.EventID
		ie.RoomID = ev.RoomID
	}
	return ie
}

// ErrorCode returns the intake code of err, or "" when err is not an
// IntakeError.
func ErrorCode(err error) IntakeErrorCode {
	var ie *IntakeError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// IsMalformed reports whether err rejects a malformed event.
func IsMalformed(err error) bool { return ErrorCode(err) == ErrCodeMalformed }

// IsRejected reports whether err is an authorization rejection.
func IsRejected(err error) bool { return ErrorCode(err) == ErrCodeRejected }

// IsMissingAncestors reports whether err left the event pending.
func IsMissingAncestors(err error) bool { return ErrorCode(err) == ErrCodeMissingAncestors }

// IsDiscarded reports whether err discarded the event for exceeding the
// fetch bounds.
func IsDiscarded(err error) bool { return ErrorCode(err) == ErrCodeTooManyMissing }

// IsStoreFailure reports whether err came from the store.
func IsStoreFailure(err error) bool { return ErrorCode(err) == ErrCodeStoreFailure }
