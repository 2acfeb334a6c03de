package session

import (
	"context"

	"github.com/nzcbass/refsession/rse/template"
)

// SessionStore persists session shells and their state/pointer record.
type SessionStore interface {
	// Provision creates a session shell for a pre-issued token. Called by the
	// surrounding application when a reference link is sent out.
	Provision(ctx context.Context, templateID, token string) (*Session, error)

	Get(ctx context.Context, id string) (*Session, error)
	// GetByToken resolves an access token to its single session.
	GetByToken(ctx context.Context, token string) (*Session, error)

	// UpdateState persists the state/pointer record. This is the only mutable
	// row in the model; it is always written under the per-session lock.
	UpdateState(ctx context.Context, id string, state State, currentIndex int) error
}

// VersionStore persists answers as append-only version chains with a
// denormalized current-version pointer.
type VersionStore interface {
	// CreateOriginal inserts version 1 for (sessionID, questionKey). If a
	// version chain already exists for the key the call is a no-op and
	// returns the existing current version with created=false; retried
	// submissions are absorbed here.
	CreateOriginal(ctx context.Context, sessionID, questionKey, content string) (v *AnswerVersion, created bool, err error)

	// AppendRevision inserts version current+1 and moves the current pointer
	// in the same transaction. Prior versions are never touched.
	AppendRevision(ctx context.Context, answerID, content, editedBy, editNotes string) (*AnswerVersion, error)

	GetAnswer(ctx context.Context, answerID string) (*Answer, error)
	GetAnswerByKey(ctx context.Context, sessionID, questionKey string) (*Answer, error)
	CurrentVersion(ctx context.Context, answerID string) (*AnswerVersion, error)
	// ListVersions returns all versions in ascending version order.
	ListVersions(ctx context.Context, answerID string) ([]AnswerVersion, error)
	// AnsweredKeys returns the set of question keys with a current version.
	AnsweredKeys(ctx context.Context, sessionID string) (map[string]bool, error)

	// SetPolished fills the polished display field on a version. It does not
	// create a version; it is the one write the append-only rule exempts.
	SetPolished(ctx context.Context, versionID, polished string) error
}

// TurnLog is the append-only, insertion-ordered conversation audit trail.
type TurnLog interface {
	Append(ctx context.Context, sessionID, questionKey string, kind TurnKind, content string) (*ConversationTurn, error)
	// List returns the turns for one question in insertion order.
	List(ctx context.Context, sessionID, questionKey string) ([]ConversationTurn, error)
	// ListBySession returns every turn for a session in insertion order.
	ListBySession(ctx context.Context, sessionID string) ([]ConversationTurn, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
}

// SealStore persists the one-per-session completion seal.
type SealStore interface {
	// CreateSeal inserts the seal; it fails if one already exists.
	CreateSeal(ctx context.Context, seal *CompletionSeal) error
	// GetSeal returns the seal, or nil when the session is unsealed.
	GetSeal(ctx context.Context, sessionID string) (*CompletionSeal, error)
}

// TemplateSource resolves template ids to immutable question templates.
type TemplateSource interface {
	Get(id string) (*template.Template, error)
}

// PolishDispatcher hands an accepted answer to the asynchronous text
// transform. Implementations must not block and must never fail the session:
// polish results only fill a display field.
type PolishDispatcher interface {
	Enqueue(versionID, questionPrompt, content string)
}
