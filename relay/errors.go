package relay

import "errors"

var (
	// ErrInvalidRequest indicates a request failed validation before persistence.
	ErrInvalidRequest = errors.New("relay: invalid request")
	// ErrUnknownIdentity indicates the target or requesting identity is not registered.
	ErrUnknownIdentity = errors.New("relay: unknown identity")
	// ErrUnknownReplyTarget indicates reply_to_id does not reference a stored message.
	ErrUnknownReplyTarget = errors.New("relay: unknown reply target")
	// ErrSentAtOutOfRange indicates sent_at is too far ahead of the relay clock.
	ErrSentAtOutOfRange = errors.New("relay: sent_at out of range")
	// ErrPersistence indicates the store failed; the request had no effect and may be retried.
	ErrPersistence = errors.New("relay: persistence failure")
)

// Error codes carried in responses to clients.
const (
	CodeNotFound           = "not_found"
	CodeInvalidRequest     = "invalid_request"
	CodePersistenceFailure = "persistence_failure"
	CodeSentAtOutOfRange   = "sent_at_out_of_range"
	CodeUnauthenticated    = "unauthenticated"
	CodeInternal           = "internal"
)

// ErrorCode maps a relay error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownIdentity), errors.Is(err, ErrUnknownReplyTarget):
		return CodeNotFound
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrSentAtOutOfRange):
		return CodeSentAtOutOfRange
	case errors.Is(err, ErrPersistence):
		return CodePersistenceFailure
	default:
		return CodeInternal
	}
}
