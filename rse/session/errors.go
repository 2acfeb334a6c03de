package session

import "errors"

// Error taxonomy for session operations. Validation failures are not errors:
// they surface as a needs_clarification submit result.
var (
	// ErrInvalidToken means the access token resolves to no session; the
	// caller must re-acquire a link.
	ErrInvalidToken = errors.New("invalid access token")

	// ErrSessionNotFound means the session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAnswerNotFound means the answer id is unknown.
	ErrAnswerNotFound = errors.New("answer not found")

	// ErrQuestionIndexMismatch means the submitted index does not match the
	// session's current pointer; the client holds stale state and should
	// re-init to resync.
	ErrQuestionIndexMismatch = errors.New("question index does not match session pointer")

	// ErrAlreadyCompleted means the session is sealed; no further mutation is
	// permitted.
	ErrAlreadyCompleted = errors.New("session already completed")

	// ErrNotReadyForReview means Complete was called before every required
	// question had an answer.
	ErrNotReadyForReview = errors.New("session is not ready for review")

	// ErrConcurrentModification means another mutating operation holds the
	// session; the caller retries with backoff.
	ErrConcurrentModification = errors.New("session is locked by a concurrent operation")

	// ErrValidationFailed is returned by Revise when the replacement content
	// is structurally invalid. Submit never returns it; submit encodes
	// validation failure as a clarification.
	ErrValidationFailed = errors.New("answer failed validation")
)
