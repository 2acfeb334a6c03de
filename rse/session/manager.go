package session

import (
	"context"
	"fmt"
	"time"

	"github.com/nzcbass/refsession/rse/template"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const ackMessage = "Thanks, that covers everything. Your answers are ready for review."

// Manager owns the session state machine. It is the sole entry point for
// session operations and orchestrates the sequencer, validator, stores, and
// sealer on each request. Mutating operations on the same session are
// serialized through a per-session lock; reads observe the stores' snapshot.
type Manager struct {
	sessions  SessionStore
	versions  VersionStore
	turns     TurnLog
	seals     SealStore
	templates TemplateSource
	polish    PolishDispatcher

	locks  *sessionLocks
	logger zerolog.Logger
}

// NewManager creates a manager wired to its stores. polish may be nil when
// answer polishing is disabled.
func NewManager(
	sessions SessionStore,
	versions VersionStore,
	turns TurnLog,
	seals SealStore,
	templates TemplateSource,
	polish PolishDispatcher,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		sessions:  sessions,
		versions:  versions,
		turns:     turns,
		seals:     seals,
		templates: templates,
		polish:    polish,
		locks:     newSessionLocks(),
		logger:    logger.With().Str("component", "session_manager").Logger(),
	}
}

// NewToken issues an opaque access token for a new session shell.
func NewToken() string {
	return uuid.New().String()
}

// Provision creates a session shell for templateID and returns it with its
// freshly issued token. This is the surface the surrounding application calls
// when it sends out a reference link.
func (m *Manager) Provision(ctx context.Context, templateID string) (*Session, error) {
	if _, err := m.templates.Get(templateID); err != nil {
		return nil, err
	}

	s, err := m.sessions.Provision(ctx, templateID, NewToken())
	if err != nil {
		return nil, fmt.Errorf("failed to provision session: %w", err)
	}

	m.logger.Info().Str("session_id", s.ID).Str("template_id", templateID).Msg("Session provisioned")
	return s, nil
}

// Init resolves an access token, loads or activates the session, and returns
// the authoritative state, progress, and active question. Safe to call any
// number of times; it is the client's resync point.
func (m *Manager) Init(ctx context.Context, token string) (*InitResult, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	s, err := m.sessions.GetByToken(ctx, token)
	if err != nil {
		return nil, ErrInvalidToken
	}

	tpl, err := m.templates.Get(s.TemplateID)
	if err != nil {
		return nil, err
	}

	answered, err := m.versions.AnsweredKeys(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load answered set: %w", err)
	}
	progress := ComputeProgress(tpl, answered)

	seal, err := m.seals.GetSeal(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seal: %w", err)
	}
	if seal != nil || s.State == StateCompleted {
		return &InitResult{
			SessionID: s.ID,
			State:     StateCompleted,
			Progress:  progress,
			Index:     s.CurrentIndex,
		}, nil
	}

	next, nextIdx := NextQuestion(tpl, answered)

	var state State
	var question *template.Question
	var index int
	switch {
	case s.State == StateNeedsClarification:
		// A pending clarification survives resume, even when it hangs on an
		// optional question and review would otherwise be reachable.
		state = StateNeedsClarification
		q, qerr := tpl.QuestionAt(s.CurrentIndex)
		if qerr != nil {
			return nil, qerr
		}
		question = q
		index = s.CurrentIndex
	case AllRequiredAnswered(tpl, answered):
		// Review is reachable; optional questions may remain at the pointer
		// but no active question is issued.
		state = StateReadyForReview
		question = nil
		index = nextIdx
	default:
		state = StateInProgress
		question = next
		index = nextIdx
	}

	// Open the conversation on first contact, and keep the persisted
	// state/pointer in line with the computed view. Skip both when a
	// concurrent mutation holds the session; the caller re-reads anyway.
	if release := m.locks.tryAcquire(s.ID); release != nil {
		if state == StateInProgress && question != nil {
			count, cerr := m.turns.CountBySession(ctx, s.ID)
			if cerr == nil && count == 0 {
				if _, terr := m.turns.Append(ctx, s.ID, question.Key, TurnQuestionPosed, question.Prompt); terr != nil {
					release()
					return nil, fmt.Errorf("failed to open conversation: %w", terr)
				}
			}
		}
		if state != s.State || index != s.CurrentIndex {
			if uerr := m.sessions.UpdateState(ctx, s.ID, state, index); uerr != nil {
				release()
				return nil, fmt.Errorf("failed to sync session state: %w", uerr)
			}
		}
		release()
	}

	m.logger.Debug().Str("session_id", s.ID).Str("state", string(state)).
		Int("answered", progress.Answered).Msg("Session initialized")

	return &InitResult{
		SessionID: s.ID,
		State:     state,
		Progress:  progress,
		Question:  question,
		Index:     index,
	}, nil
}

// SubmitAnswer judges an answer for the question at questionIndex. Accepted
// answers persist version 1, log a user_answer turn, and advance the pointer;
// rejected answers log a clarification_requested turn and re-issue the same
// question. The in-flight answer is never persisted on rejection.
func (m *Manager) SubmitAnswer(ctx context.Context, sessionID string, questionIndex int, answer string) (*SubmitResult, error) {
	release := m.locks.tryAcquire(sessionID)
	if release == nil {
		return nil, ErrConcurrentModification
	}
	defer release()

	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if s.State == StateCompleted {
		return nil, ErrAlreadyCompleted
	}

	tpl, err := m.templates.Get(s.TemplateID)
	if err != nil {
		return nil, err
	}

	// Stale or duplicated client requests are rejected, not reapplied.
	if questionIndex != s.CurrentIndex {
		return nil, ErrQuestionIndexMismatch
	}
	q, err := tpl.QuestionAt(questionIndex)
	if err != nil {
		return nil, ErrQuestionIndexMismatch
	}

	clean, clarification := ValidateAnswer(q, answer)
	if clarification != "" {
		if _, err := m.turns.Append(ctx, s.ID, q.Key, TurnClarificationRequested, clarification); err != nil {
			return nil, fmt.Errorf("failed to log clarification: %w", err)
		}
		if err := m.sessions.UpdateState(ctx, s.ID, StateNeedsClarification, questionIndex); err != nil {
			return nil, fmt.Errorf("failed to update session state: %w", err)
		}

		answered, aerr := m.versions.AnsweredKeys(ctx, s.ID)
		if aerr != nil {
			return nil, fmt.Errorf("failed to load answered set: %w", aerr)
		}

		m.logger.Debug().Str("session_id", s.ID).Str("question", q.Key).Msg("Answer needs clarification")

		return &SubmitResult{
			Kind:          SubmitNeedsClarification,
			State:         StateNeedsClarification,
			Progress:      ComputeProgress(tpl, answered),
			Question:      q,
			Index:         questionIndex,
			Clarification: clarification,
		}, nil
	}

	version, created, err := m.versions.CreateOriginal(ctx, s.ID, q.Key, clean)
	if err != nil {
		return nil, fmt.Errorf("failed to persist answer: %w", err)
	}
	if created {
		if _, err := m.turns.Append(ctx, s.ID, q.Key, TurnUserAnswer, clean); err != nil {
			return nil, fmt.Errorf("failed to log answer turn: %w", err)
		}
		if m.polish != nil {
			m.polish.Enqueue(version.ID, q.Prompt, clean)
		}
	}

	answered, err := m.versions.AnsweredKeys(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load answered set: %w", err)
	}
	progress := ComputeProgress(tpl, answered)

	next, nextIdx := NextQuestion(tpl, answered)
	if next != nil {
		// A retry after a partial failure lands here with the next question
		// already posed; the turn log, not the pointer, decides.
		posed, perr := m.questionPosed(ctx, s.ID, next.Key)
		if perr != nil {
			return nil, fmt.Errorf("failed to read turn log: %w", perr)
		}
		if !posed {
			if _, err := m.turns.Append(ctx, s.ID, next.Key, TurnQuestionPosed, next.Prompt); err != nil {
				return nil, fmt.Errorf("failed to log question turn: %w", err)
			}
		}
		if err := m.sessions.UpdateState(ctx, s.ID, StateInProgress, nextIdx); err != nil {
			return nil, fmt.Errorf("failed to advance session: %w", err)
		}

		m.logger.Debug().Str("session_id", s.ID).Str("question", q.Key).
			Int("next_index", nextIdx).Msg("Answer accepted")

		return &SubmitResult{
			Kind:     SubmitAccepted,
			State:    StateInProgress,
			Progress: progress,
			Question: next,
			Index:    nextIdx,
		}, nil
	}

	// No unanswered questions remain; close the conversation.
	if s.State != StateReadyForReview {
		if _, err := m.turns.Append(ctx, s.ID, q.Key, TurnAcknowledgment, ackMessage); err != nil {
			return nil, fmt.Errorf("failed to log acknowledgment: %w", err)
		}
	}
	if err := m.sessions.UpdateState(ctx, s.ID, StateReadyForReview, nextIdx); err != nil {
		return nil, fmt.Errorf("failed to update session state: %w", err)
	}

	m.logger.Info().Str("session_id", s.ID).Msg("Session ready for review")

	return &SubmitResult{
		Kind:     SubmitReadyForReview,
		State:    StateReadyForReview,
		Progress: progress,
		Index:    nextIdx,
	}, nil
}

// questionPosed reports whether a question_posed turn exists for key. A
// question is posed at most once; clarifications re-issue it without a new
// turn.
func (m *Manager) questionPosed(ctx context.Context, sessionID, key string) (bool, error) {
	turns, err := m.turns.List(ctx, sessionID, key)
	if err != nil {
		return false, err
	}
	for i := range turns {
		if turns[i].Kind == TurnQuestionPosed {
			return true, nil
		}
	}
	return false, nil
}

// Revise appends a new version for an existing answer, stamped with the
// editor and reason. Revision is a review-time action: it never touches the
// turn log and is permitted until the session is sealed.
func (m *Manager) Revise(ctx context.Context, answerID, newAnswer, reason, editedBy string) (*AnswerVersion, error) {
	ans, err := m.versions.GetAnswer(ctx, answerID)
	if err != nil {
		return nil, ErrAnswerNotFound
	}

	release := m.locks.tryAcquire(ans.SessionID)
	if release == nil {
		return nil, ErrConcurrentModification
	}
	defer release()

	s, err := m.sessions.Get(ctx, ans.SessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if s.State == StateCompleted {
		return nil, ErrAlreadyCompleted
	}

	tpl, err := m.templates.Get(s.TemplateID)
	if err != nil {
		return nil, err
	}
	q, _ := tpl.QuestionByKey(ans.QuestionKey)
	if q == nil {
		return nil, fmt.Errorf("question %q missing from template %s", ans.QuestionKey, tpl.ID)
	}

	clean, clarification := ValidateAnswer(q, newAnswer)
	if clarification != "" {
		return nil, fmt.Errorf("%w: %s", ErrValidationFailed, clarification)
	}

	version, err := m.versions.AppendRevision(ctx, answerID, clean, editedBy, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to append revision: %w", err)
	}
	if m.polish != nil {
		m.polish.Enqueue(version.ID, q.Prompt, clean)
	}

	m.logger.Info().Str("session_id", s.ID).Str("answer_id", answerID).
		Int("version", version.Version).Str("edited_by", editedBy).Msg("Answer revised")

	return version, nil
}

// ListVersions returns an answer's full version history in order, version 1
// first.
func (m *Manager) ListVersions(ctx context.Context, answerID string) ([]AnswerVersion, error) {
	if _, err := m.versions.GetAnswer(ctx, answerID); err != nil {
		return nil, ErrAnswerNotFound
	}
	return m.versions.ListVersions(ctx, answerID)
}

// Review returns the per-question review listing: question text, current
// answer with raw and polished content, and the full turn history.
func (m *Manager) Review(ctx context.Context, sessionID string) (*ReviewResult, error) {
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	tpl, err := m.templates.Get(s.TemplateID)
	if err != nil {
		return nil, err
	}

	answered, err := m.versions.AnsweredKeys(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load answered set: %w", err)
	}

	allTurns, err := m.turns.ListBySession(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turn log: %w", err)
	}
	turnsByKey := make(map[string][]ConversationTurn)
	for _, turn := range allTurns {
		turnsByKey[turn.QuestionKey] = append(turnsByKey[turn.QuestionKey], turn)
	}

	items := make([]ReviewItem, 0, len(tpl.Questions))
	for i := range tpl.Questions {
		q := tpl.Questions[i]
		item := ReviewItem{Question: q, Turns: turnsByKey[q.Key]}
		if item.Turns == nil {
			item.Turns = []ConversationTurn{}
		}

		if answered[q.Key] {
			ans, aerr := m.versions.GetAnswerByKey(ctx, s.ID, q.Key)
			if aerr != nil {
				return nil, fmt.Errorf("failed to load answer for %s: %w", q.Key, aerr)
			}
			cur, cerr := m.versions.CurrentVersion(ctx, ans.ID)
			if cerr != nil {
				return nil, fmt.Errorf("failed to load current version for %s: %w", q.Key, cerr)
			}
			item.Answer = cur
			item.AnswerID = ans.ID
		}
		items = append(items, item)
	}

	result := &ReviewResult{
		SessionID:  s.ID,
		TemplateID: s.TemplateID,
		State:      s.State,
		Progress:   ComputeProgress(tpl, answered),
		Items:      items,
	}

	if seal, serr := m.seals.GetSeal(ctx, s.ID); serr == nil && seal != nil {
		result.SealDigest = seal.Digest
		result.State = StateCompleted
	}

	return result, nil
}

// Complete seals the session. Permitted only once every required question has
// a current answer; sealing is a one-time transition and a second call fails
// with ErrAlreadyCompleted.
func (m *Manager) Complete(ctx context.Context, sessionID string) (*CompletionSeal, error) {
	release := m.locks.tryAcquire(sessionID)
	if release == nil {
		return nil, ErrConcurrentModification
	}
	defer release()

	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if s.State == StateCompleted {
		return nil, ErrAlreadyCompleted
	}
	if existing, serr := m.seals.GetSeal(ctx, s.ID); serr == nil && existing != nil {
		return nil, ErrAlreadyCompleted
	}

	tpl, err := m.templates.Get(s.TemplateID)
	if err != nil {
		return nil, err
	}

	answered, err := m.versions.AnsweredKeys(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load answered set: %w", err)
	}
	if !AllRequiredAnswered(tpl, answered) {
		return nil, ErrNotReadyForReview
	}

	// Canonical answer set: current-version content in template order.
	sealed := make([]SealedAnswer, 0, len(tpl.Questions))
	for i := range tpl.Questions {
		key := tpl.Questions[i].Key
		if !answered[key] {
			continue
		}
		ans, aerr := m.versions.GetAnswerByKey(ctx, s.ID, key)
		if aerr != nil {
			return nil, fmt.Errorf("failed to load answer for %s: %w", key, aerr)
		}
		cur, cerr := m.versions.CurrentVersion(ctx, ans.ID)
		if cerr != nil {
			return nil, fmt.Errorf("failed to load current version for %s: %w", key, cerr)
		}
		sealed = append(sealed, SealedAnswer{QuestionKey: key, Content: cur.Content})
	}

	completedAt := time.Now().UTC()
	seal := &CompletionSeal{
		SessionID:   s.ID,
		TemplateID:  s.TemplateID,
		Digest:      ComputeSealDigest(s.ID, s.TemplateID, completedAt, sealed),
		CompletedAt: completedAt,
	}

	if err := m.seals.CreateSeal(ctx, seal); err != nil {
		return nil, err
	}
	if err := m.sessions.UpdateState(ctx, s.ID, StateCompleted, s.CurrentIndex); err != nil {
		return nil, fmt.Errorf("failed to mark session completed: %w", err)
	}

	m.logger.Info().Str("session_id", s.ID).Str("digest", seal.Digest).Msg("Session sealed")

	return seal, nil
}
