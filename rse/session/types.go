// Package session implements the conversational reference-session engine: a
// per-session state machine that walks a referee through a template's question
// sequence, records answers as append-only versions with a full turn log, and
// seals completed sessions into a tamper-evident record.
package session

import (
	"time"

	"github.com/nzcbass/refsession/rse/template"
)

// State is the lifecycle state of a session.
type State string

const (
	StateInProgress         State = "in_progress"
	StateNeedsClarification State = "needs_clarification"
	StateReadyForReview     State = "ready_for_review"
	StateCompleted          State = "completed"
)

// TurnKind classifies an entry in the conversation turn log.
type TurnKind string

const (
	TurnQuestionPosed          TurnKind = "question_posed"
	TurnUserAnswer             TurnKind = "user_answer"
	TurnClarificationRequested TurnKind = "clarification_requested"
	TurnAcknowledgment         TurnKind = "acknowledgment"
)

// Session is one referee's pass through a question template. The access token
// is issued once by the surrounding application and resolves to exactly one
// session.
type Session struct {
	ID           string    `json:"id"`
	Token        string    `json:"-"`
	TemplateID   string    `json:"template_id"`
	State        State     `json:"state"`
	CurrentIndex int       `json:"current_index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Answer is the logical answer for one (session, question key) pair. Content
// lives in AnswerVersion rows; CurrentVersion is a denormalized pointer
// updated transactionally alongside each version insert.
type Answer struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	QuestionKey    string `json:"question_key"`
	CurrentVersion int    `json:"current_version"`
}

// AnswerVersion is one immutable snapshot of an answer's content. Versions
// start at 1 (flagged original) and only ever grow; edits append, never mutate.
// PolishedContent is a display field filled in asynchronously by the external
// text transform; it is not part of the version history.
type AnswerVersion struct {
	ID              string    `json:"id"`
	AnswerID        string    `json:"answer_id"`
	Version         int       `json:"version"`
	Content         string    `json:"content"`
	PolishedContent string    `json:"polished_content,omitempty"`
	IsOriginal      bool      `json:"is_original"`
	EditedBy        string    `json:"edited_by,omitempty"`
	EditNotes       string    `json:"edit_notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ConversationTurn is one append-only event in the conversational exchange,
// tied to a question. The turn log is the audit trail independent of which
// answer version is current.
type ConversationTurn struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	QuestionKey string    `json:"question_key"`
	Kind        TurnKind  `json:"kind"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// CompletionSeal is the tamper-evident digest computed once over the final
// answer set. Its existence implies the session is completed and immutable.
type CompletionSeal struct {
	SessionID   string    `json:"session_id"`
	TemplateID  string    `json:"template_id"`
	Digest      string    `json:"digest"`
	CompletedAt time.Time `json:"completed_at"`
}

// Progress summarizes how far a session has advanced through its template.
type Progress struct {
	Answered int `json:"answered"`
	Total    int `json:"total"`
	Percent  int `json:"percent"`
}

// InitResult is the response to Init: the authoritative session state, the
// progress counters, and the active question (nil in review or completed).
type InitResult struct {
	SessionID string             `json:"session_id"`
	State     State              `json:"state"`
	Progress  Progress           `json:"progress"`
	Question  *template.Question `json:"question,omitempty"`
	Index     int                `json:"question_index"`
}

// SubmitKind tags the outcome of a SubmitAnswer call.
type SubmitKind string

const (
	SubmitAccepted           SubmitKind = "accepted"
	SubmitNeedsClarification SubmitKind = "needs_clarification"
	SubmitReadyForReview     SubmitKind = "ready_for_review"
)

// SubmitResult is the tagged outcome of a submission. Accepted carries the
// next question; NeedsClarification re-issues the same question with a
// clarification message; ReadyForReview carries neither.
type SubmitResult struct {
	Kind          SubmitKind         `json:"kind"`
	State         State              `json:"state"`
	Progress      Progress           `json:"progress"`
	Question      *template.Question `json:"question,omitempty"`
	Index         int                `json:"question_index"`
	Clarification string             `json:"clarification,omitempty"`
}

// ReviewItem is one question's slice of the review listing: the question, the
// current answer (nil if unanswered), and the full turn history.
type ReviewItem struct {
	Question template.Question  `json:"question"`
	Answer   *AnswerVersion     `json:"answer,omitempty"`
	AnswerID string             `json:"answer_id,omitempty"`
	Turns    []ConversationTurn `json:"turns"`
}

// ReviewResult is the full review listing for a session.
type ReviewResult struct {
	SessionID  string       `json:"session_id"`
	TemplateID string       `json:"template_id"`
	State      State        `json:"state"`
	Progress   Progress     `json:"progress"`
	Items      []ReviewItem `json:"items"`
	SealDigest string       `json:"seal_digest,omitempty"`
}
