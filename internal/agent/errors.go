package agent

import "fmt"

type ErrorKind string

const (
	// KindUnavailable: connection failures or 5xx after retries.
	KindUnavailable ErrorKind = "unavailable"
	// KindRateLimited: 429 on both tiers.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTimeout: the per-call deadline elapsed.
	KindTimeout ErrorKind = "timeout"
	// KindProtocol: malformed JSON or missing required fields.
	KindProtocol ErrorKind = "protocol"
	// KindValidation: response parsed but field types/ranges are wrong.
	KindValidation ErrorKind = "validation"
)

type Error struct {
	Kind    ErrorKind
	Message string
	Status  int // last HTTP status seen, 0 for transport errors
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("agent %s (http %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("agent %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, status int, msg string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: msg, Err: err}
}
