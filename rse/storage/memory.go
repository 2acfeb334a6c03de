// Package storage provides the persistence drivers for the session engine:
// an embedded libsql driver and an in-memory driver with identical semantics.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nzcbass/refsession/rse/session"

	"github.com/google/uuid"
)

// MemoryStore implements every session storage port against in-process maps.
// It backs unit tests and ephemeral deployments; the append-only and
// current-pointer guarantees match the libsql driver.
type MemoryStore struct {
	mu sync.RWMutex

	sessions map[string]*session.Session
	byToken  map[string]string // token -> session id

	answers  map[string]*session.Answer             // answer id -> answer
	byKey    map[string]map[string]string           // session id -> question key -> answer id
	versions map[string][]*session.AnswerVersion    // answer id -> versions ascending
	turns    map[string][]*session.ConversationTurn // session id -> turns in order
	seals    map[string]*session.CompletionSeal

	turnSeq int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session.Session),
		byToken:  make(map[string]string),
		answers:  make(map[string]*session.Answer),
		byKey:    make(map[string]map[string]string),
		versions: make(map[string][]*session.AnswerVersion),
		turns:    make(map[string][]*session.ConversationTurn),
		seals:    make(map[string]*session.CompletionSeal),
	}
}

// Provision implements session.SessionStore.
func (s *MemoryStore) Provision(ctx context.Context, templateID, token string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess := &session.Session{
		ID:           uuid.New().String(),
		Token:        token,
		TemplateID:   templateID,
		State:        session.StateInProgress,
		CurrentIndex: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.sessions[sess.ID] = sess
	s.byToken[token] = sess.ID

	out := *sess
	return &out, nil
}

// Get implements session.SessionStore.
func (s *MemoryStore) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

// GetByToken implements session.SessionStore.
func (s *MemoryStore) GetByToken(ctx context.Context, token string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, session.ErrInvalidToken
	}
	out := *s.sessions[id]
	return &out, nil
}

// UpdateState implements session.SessionStore.
func (s *MemoryStore) UpdateState(ctx context.Context, id string, state session.State, currentIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	sess.State = state
	sess.CurrentIndex = currentIndex
	sess.UpdatedAt = time.Now()
	return nil
}

// CreateOriginal implements session.VersionStore.
func (s *MemoryStore) CreateOriginal(ctx context.Context, sessionID, questionKey, content string) (*session.AnswerVersion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keys, ok := s.byKey[sessionID]; ok {
		if answerID, ok := keys[questionKey]; ok {
			// Retried request; the existing chain wins.
			cur := s.currentLocked(answerID)
			out := *cur
			return &out, false, nil
		}
	}

	ans := &session.Answer{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		QuestionKey:    questionKey,
		CurrentVersion: 1,
	}
	v := &session.AnswerVersion{
		ID:         uuid.New().String(),
		AnswerID:   ans.ID,
		Version:    1,
		Content:    content,
		IsOriginal: true,
		CreatedAt:  time.Now(),
	}

	s.answers[ans.ID] = ans
	if s.byKey[sessionID] == nil {
		s.byKey[sessionID] = make(map[string]string)
	}
	s.byKey[sessionID][questionKey] = ans.ID
	s.versions[ans.ID] = append(s.versions[ans.ID], v)

	out := *v
	return &out, true, nil
}

// AppendRevision implements session.VersionStore.
func (s *MemoryStore) AppendRevision(ctx context.Context, answerID, content, editedBy, editNotes string) (*session.AnswerVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ans, ok := s.answers[answerID]
	if !ok {
		return nil, session.ErrAnswerNotFound
	}

	v := &session.AnswerVersion{
		ID:        uuid.New().String(),
		AnswerID:  answerID,
		Version:   ans.CurrentVersion + 1,
		Content:   content,
		EditedBy:  editedBy,
		EditNotes: editNotes,
		CreatedAt: time.Now(),
	}
	s.versions[answerID] = append(s.versions[answerID], v)
	ans.CurrentVersion = v.Version

	out := *v
	return &out, nil
}

// GetAnswer implements session.VersionStore.
func (s *MemoryStore) GetAnswer(ctx context.Context, answerID string) (*session.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ans, ok := s.answers[answerID]
	if !ok {
		return nil, session.ErrAnswerNotFound
	}
	out := *ans
	return &out, nil
}

// GetAnswerByKey implements session.VersionStore.
func (s *MemoryStore) GetAnswerByKey(ctx context.Context, sessionID, questionKey string) (*session.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, ok := s.byKey[sessionID]
	if !ok {
		return nil, session.ErrAnswerNotFound
	}
	answerID, ok := keys[questionKey]
	if !ok {
		return nil, session.ErrAnswerNotFound
	}
	out := *s.answers[answerID]
	return &out, nil
}

// CurrentVersion implements session.VersionStore.
func (s *MemoryStore) CurrentVersion(ctx context.Context, answerID string) (*session.AnswerVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.answers[answerID]; !ok {
		return nil, session.ErrAnswerNotFound
	}
	cur := s.currentLocked(answerID)
	out := *cur
	return &out, nil
}

func (s *MemoryStore) currentLocked(answerID string) *session.AnswerVersion {
	ans := s.answers[answerID]
	for _, v := range s.versions[answerID] {
		if v.Version == ans.CurrentVersion {
			return v
		}
	}
	return nil
}

// ListVersions implements session.VersionStore.
func (s *MemoryStore) ListVersions(ctx context.Context, answerID string) ([]session.AnswerVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.answers[answerID]; !ok {
		return nil, session.ErrAnswerNotFound
	}

	versions := s.versions[answerID]
	out := make([]session.AnswerVersion, 0, len(versions))
	for _, v := range versions {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// AnsweredKeys implements session.VersionStore.
func (s *MemoryStore) AnsweredKeys(ctx context.Context, sessionID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(s.byKey[sessionID]))
	for key := range s.byKey[sessionID] {
		out[key] = true
	}
	return out, nil
}

// SetPolished implements session.VersionStore.
func (s *MemoryStore) SetPolished(ctx context.Context, versionID, polished string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, versions := range s.versions {
		for _, v := range versions {
			if v.ID == versionID {
				v.PolishedContent = polished
				return nil
			}
		}
	}
	return session.ErrAnswerNotFound
}

// Append implements session.TurnLog.
func (s *MemoryStore) Append(ctx context.Context, sessionID, questionKey string, kind session.TurnKind, content string) (*session.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turnSeq++
	turn := &session.ConversationTurn{
		ID:          s.turnSeq,
		SessionID:   sessionID,
		QuestionKey: questionKey,
		Kind:        kind,
		Content:     content,
		CreatedAt:   time.Now(),
	}
	s.turns[sessionID] = append(s.turns[sessionID], turn)

	out := *turn
	return &out, nil
}

// List implements session.TurnLog.
func (s *MemoryStore) List(ctx context.Context, sessionID, questionKey string) ([]session.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []session.ConversationTurn
	for _, turn := range s.turns[sessionID] {
		if turn.QuestionKey == questionKey {
			out = append(out, *turn)
		}
	}
	return out, nil
}

// ListBySession implements session.TurnLog.
func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string) ([]session.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[sessionID]
	out := make([]session.ConversationTurn, 0, len(turns))
	for _, turn := range turns {
		out = append(out, *turn)
	}
	return out, nil
}

// CountBySession implements session.TurnLog.
func (s *MemoryStore) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.turns[sessionID])), nil
}

// CreateSeal implements session.SealStore.
func (s *MemoryStore) CreateSeal(ctx context.Context, seal *session.CompletionSeal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seals[seal.SessionID]; ok {
		return session.ErrAlreadyCompleted
	}
	stored := *seal
	s.seals[seal.SessionID] = &stored
	return nil
}

// GetSeal implements session.SealStore.
func (s *MemoryStore) GetSeal(ctx context.Context, sessionID string) (*session.CompletionSeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seal, ok := s.seals[sessionID]
	if !ok {
		return nil, nil
	}
	out := *seal
	return &out, nil
}

// Interface checks
var (
	_ session.SessionStore = (*MemoryStore)(nil)
	_ session.VersionStore = (*MemoryStore)(nil)
	_ session.TurnLog      = (*MemoryStore)(nil)
	_ session.SealStore    = (*MemoryStore)(nil)
)
