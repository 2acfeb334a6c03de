package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nzcbass/refsession/rse/session"
	"github.com/nzcbass/refsession/rse/storage"
	"github.com/nzcbass/refsession/rse/template"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPolish struct {
	mu       sync.Mutex
	enqueued []string
}

func (p *recordingPolish) Enqueue(versionID, questionPrompt, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, versionID)
}

func (p *recordingPolish) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.enqueued)
}

func testTemplate() *template.Template {
	return &template.Template{
		ID:    "standard-reference",
		Title: "Standard Reference Check",
		Questions: []template.Question{
			{Key: "relationship", Prompt: "How do you know the candidate?", Required: true, Type: template.AnswerShortText},
			{Key: "strengths", Prompt: "What are their main strengths?", Required: true, Type: template.AnswerLongText},
		},
	}
}

func newTestManager(t *testing.T, tpl *template.Template) (*session.Manager, *storage.MemoryStore, *recordingPolish) {
	t.Helper()

	store := storage.NewMemoryStore()
	registry := template.NewRegistry(t.TempDir(), zerolog.Nop())
	registry.Put(tpl)
	polish := &recordingPolish{}

	m := session.NewManager(store, store, store, store, registry, polish, zerolog.Nop())
	return m, store, polish
}

func provisionAndInit(t *testing.T, m *session.Manager, templateID string) (*session.Session, *session.InitResult) {
	t.Helper()
	ctx := context.Background()

	s, err := m.Provision(ctx, templateID)
	require.NoError(t, err)
	require.NotEmpty(t, s.Token)

	res, err := m.Init(ctx, s.Token)
	require.NoError(t, err)
	return s, res
}

func TestProvisionUnknownTemplate(t *testing.T) {
	m, _, _ := newTestManager(t, testTemplate())

	_, err := m.Provision(context.Background(), "no-such-template")
	assert.ErrorIs(t, err, template.ErrTemplateNotFound)
}

func TestInitInvalidToken(t *testing.T) {
	m, _, _ := newTestManager(t, testTemplate())

	_, err := m.Init(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, session.ErrInvalidToken)

	_, err = m.Init(context.Background(), "")
	assert.ErrorIs(t, err, session.ErrInvalidToken)
}

func TestFullSessionFlow(t *testing.T) {
	ctx := context.Background()
	m, store, polish := newTestManager(t, testTemplate())

	s, init := provisionAndInit(t, m, "standard-reference")
	assert.Equal(t, session.StateInProgress, init.State)
	assert.Equal(t, 0, init.Index)
	require.NotNil(t, init.Question)
	assert.Equal(t, "relationship", init.Question.Key)
	assert.Equal(t, session.Progress{Answered: 0, Total: 2, Percent: 0}, init.Progress)

	// Opening the conversation logged the first question.
	turns, err := store.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, session.TurnQuestionPosed, turns[0].Kind)

	res, err := m.SubmitAnswer(ctx, s.ID, 0, "We worked together for three years.")
	require.NoError(t, err)
	assert.Equal(t, session.SubmitAccepted, res.Kind)
	assert.Equal(t, session.StateInProgress, res.State)
	assert.Equal(t, 1, res.Index)
	require.NotNil(t, res.Question)
	assert.Equal(t, "strengths", res.Question.Key)
	assert.Equal(t, session.Progress{Answered: 1, Total: 2, Percent: 50}, res.Progress)

	res, err = m.SubmitAnswer(ctx, s.ID, 1, "Calm under pressure and great with clients.")
	require.NoError(t, err)
	assert.Equal(t, session.SubmitReadyForReview, res.Kind)
	assert.Equal(t, session.StateReadyForReview, res.State)
	assert.Nil(t, res.Question)
	assert.Equal(t, 100, res.Progress.Percent)

	// Turn log: q1, a1, q2, a2, acknowledgment.
	turns, err = store.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	kinds := make([]session.TurnKind, 0, len(turns))
	for _, turn := range turns {
		kinds = append(kinds, turn.Kind)
	}
	assert.Equal(t, []session.TurnKind{
		session.TurnQuestionPosed, session.TurnUserAnswer,
		session.TurnQuestionPosed, session.TurnUserAnswer,
		session.TurnAcknowledgment,
	}, kinds)

	assert.Equal(t, 2, polish.count())

	seal, err := m.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(seal.Digest, "sha256:"))

	// Init after sealing reports completed with no active question.
	after, err := m.Init(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, after.State)
	assert.Nil(t, after.Question)
}

func TestSubmitRetryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, testTemplate())

	s, _ := provisionAndInit(t, m, "standard-reference")

	_, err := m.SubmitAnswer(ctx, s.ID, 0, "Former manager.")
	require.NoError(t, err)

	// A client retry after the pointer advanced carries a stale index.
	_, err = m.SubmitAnswer(ctx, s.ID, 0, "Former manager.")
	assert.ErrorIs(t, err, session.ErrQuestionIndexMismatch)

	ans, err := store.GetAnswerByKey(ctx, s.ID, "relationship")
	require.NoError(t, err)
	versions, err := store.ListVersions(ctx, ans.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

// flakySessionStore fails a configured number of UpdateState calls, then
// delegates. Simulates a crash between persisting an answer and advancing
// the pointer.
type flakySessionStore struct {
	session.SessionStore
	failures int
}

func (f *flakySessionStore) UpdateState(ctx context.Context, id string, state session.State, currentIndex int) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("transient storage failure")
	}
	return f.SessionStore.UpdateState(ctx, id, state, currentIndex)
}

func TestSubmitRetryAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	registry := template.NewRegistry(t.TempDir(), zerolog.Nop())
	registry.Put(testTemplate())
	flaky := &flakySessionStore{SessionStore: store, failures: 1}
	m := session.NewManager(flaky, store, store, store, registry, nil, zerolog.Nop())

	s, err := m.Provision(ctx, "standard-reference")
	require.NoError(t, err)
	_, err = m.Init(ctx, s.Token)
	require.NoError(t, err)

	// First attempt persists the answer and poses the next question, then
	// fails advancing the pointer.
	_, err = m.SubmitAnswer(ctx, s.ID, 0, "Former manager.")
	require.Error(t, err)

	res, err := m.SubmitAnswer(ctx, s.ID, 0, "Former manager.")
	require.NoError(t, err)
	assert.Equal(t, session.SubmitAccepted, res.Kind)
	assert.Equal(t, 1, res.Index)

	// The retry neither duplicated the answer nor re-posed the question.
	ans, err := store.GetAnswerByKey(ctx, s.ID, "relationship")
	require.NoError(t, err)
	versions, err := store.ListVersions(ctx, ans.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	turns, err := store.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	kinds := make([]session.TurnKind, 0, len(turns))
	for _, turn := range turns {
		kinds = append(kinds, turn.Kind)
	}
	assert.Equal(t, []session.TurnKind{
		session.TurnQuestionPosed, session.TurnUserAnswer, session.TurnQuestionPosed,
	}, kinds)
}

func TestSubmitIndexMismatch(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, testTemplate())

	s, _ := provisionAndInit(t, m, "standard-reference")

	_, err := m.SubmitAnswer(ctx, s.ID, 1, "out of order")
	assert.ErrorIs(t, err, session.ErrQuestionIndexMismatch)

	_, err = m.SubmitAnswer(ctx, s.ID, 7, "out of range")
	assert.ErrorIs(t, err, session.ErrQuestionIndexMismatch)
}

func TestEmptyAnswerRequestsClarification(t *testing.T) {
	ctx := context.Background()
	m, store, polish := newTestManager(t, testTemplate())

	s, _ := provisionAndInit(t, m, "standard-reference")

	res, err := m.SubmitAnswer(ctx, s.ID, 0, "   ")
	require.NoError(t, err)
	assert.Equal(t, session.SubmitNeedsClarification, res.Kind)
	assert.Equal(t, session.StateNeedsClarification, res.State)
	assert.Equal(t, 0, res.Index)
	require.NotNil(t, res.Question)
	assert.Equal(t, "relationship", res.Question.Key)
	assert.NotEmpty(t, res.Clarification)
	assert.Equal(t, 0, res.Progress.Answered)

	// Rejected content is never persisted and never polished.
	_, err = store.GetAnswerByKey(ctx, s.ID, "relationship")
	require.Error(t, err)
	assert.Equal(t, 0, polish.count())

	turns, err := store.List(ctx, s.ID, "relationship")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, session.TurnClarificationRequested, turns[1].Kind)

	// Init while clarification is pending re-issues the same question.
	init, err := m.Init(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, session.StateNeedsClarification, init.State)
	assert.Equal(t, 0, init.Index)

	// The retry resolves it.
	res, err = m.SubmitAnswer(ctx, s.ID, 0, "We worked together at Acme.")
	require.NoError(t, err)
	assert.Equal(t, session.SubmitAccepted, res.Kind)
}

func TestScaleAnswerValidation(t *testing.T) {
	ctx := context.Background()
	tpl := &template.Template{
		ID:    "scale-only",
		Title: "Scale",
		Questions: []template.Question{
			{Key: "rating", Prompt: "Rate 1-5", Required: true, Type: template.AnswerScale, ScaleMin: 1, ScaleMax: 5},
		},
	}
	m, _, _ := newTestManager(t, tpl)

	s, _ := provisionAndInit(t, m, "scale-only")

	res, err := m.SubmitAnswer(ctx, s.ID, 0, "eleven")
	require.NoError(t, err)
	assert.Equal(t, session.SubmitNeedsClarification, res.Kind)

	res, err = m.SubmitAnswer(ctx, s.ID, 0, "9")
	require.NoError(t, err)
	assert.Equal(t, session.SubmitNeedsClarification, res.Kind)

	res, err = m.SubmitAnswer(ctx, s.ID, 0, "4")
	require.NoError(t, err)
	assert.Equal(t, session.SubmitReadyForReview, res.Kind)
}

func TestOptionalQuestionsDoNotGateReview(t *testing.T) {
	ctx := context.Background()
	tpl := &template.Template{
		ID:    "with-optional",
		Title: "Mixed",
		Questions: []template.Question{
			{Key: "relationship", Prompt: "How do you know them?", Required: true, Type: template.AnswerShortText},
			{Key: "anything_else", Prompt: "Anything else to add?", Required: false, Type: template.AnswerLongText},
		},
	}
	m, _, _ := newTestManager(t, tpl)

	s, _ := provisionAndInit(t, m, "with-optional")

	// Answering the only required question makes review reachable even
	// though the optional one is still open.
	_, err := m.SubmitAnswer(ctx, s.ID, 0, "Former colleague.")
	require.NoError(t, err)

	init, err := m.Init(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, session.StateReadyForReview, init.State)
	assert.Nil(t, init.Question)
	assert.Equal(t, session.Progress{Answered: 1, Total: 2, Percent: 50}, init.Progress)

	// The optional question can still be answered before sealing.
	res, err := m.SubmitAnswer(ctx, s.ID, 1, "They also mentor juniors.")
	require.NoError(t, err)
	assert.Equal(t, session.SubmitReadyForReview, res.Kind)
	assert.Equal(t, 100, res.Progress.Percent)

	_, err = m.Complete(ctx, s.ID)
	require.NoError(t, err)
}

func TestInitKeepsClarificationOnOptionalQuestion(t *testing.T) {
	ctx := context.Background()
	tpl := &template.Template{
		ID:    "with-optional",
		Title: "Mixed",
		Questions: []template.Question{
			{Key: "relationship", Prompt: "How do you know them?", Required: true, Type: template.AnswerShortText},
			{Key: "anything_else", Prompt: "Anything else to add?", Required: false, Type: template.AnswerLongText},
		},
	}
	m, _, _ := newTestManager(t, tpl)

	s, _ := provisionAndInit(t, m, "with-optional")

	_, err := m.SubmitAnswer(ctx, s.ID, 0, "Former colleague.")
	require.NoError(t, err)

	// Clarification pending on the optional question while review is
	// otherwise reachable.
	res, err := m.SubmitAnswer(ctx, s.ID, 1, "   ")
	require.NoError(t, err)
	require.Equal(t, session.SubmitNeedsClarification, res.Kind)

	init, err := m.Init(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, session.StateNeedsClarification, init.State)
	assert.Equal(t, 1, init.Index)
	require.NotNil(t, init.Question)
	assert.Equal(t, "anything_else", init.Question.Key)
}

func TestReviseAppendsVersions(t *testing.T) {
	ctx := context.Background()
	m, store, polish := newTestManager(t, testTemplate())

	s, _ := provisionAndInit(t, m, "standard-reference")

	_, err := m.SubmitAnswer(ctx, s.ID, 0, "Former manager.")
	require.NoError(t, err)

	ans, err := store.GetAnswerByKey(ctx, s.ID, "relationship")
	require.NoError(t, err)

	v2, err := m.Revise(ctx, ans.ID, "Direct manager for three years.", "added detail", "recruiter-42")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.False(t, v2.IsOriginal)
	assert.Equal(t, "recruiter-42", v2.EditedBy)
	assert.Equal(t, "added detail", v2.EditNotes)

	versions, err := m.ListVersions(ctx, ans.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.True(t, versions[0].IsOriginal)
	assert.Equal(t, "Former manager.", versions[0].Content)
	assert.Equal(t, "Direct manager for three years.", versions[1].Content)

	cur, err := store.CurrentVersion(ctx, ans.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)

	// Revision is a review-time action; the turn log is untouched.
	count, err := store.CountBySession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	assert.Equal(t, 2, polish.count())
}

func TestReviseValidatesContent(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, testTemplate())

	s, _ := provisionAndInit(t, m, "standard-reference")
	_, err := m.SubmitAnswer(ctx, s.ID, 0, "Former manager.")
	require.NoError(t, err)

	ans, err := store.GetAnswerByKey(ctx, s.ID, "relationship")
	require.NoError(t, err)

	_, err = m.Revise(ctx, ans.ID, "   ", "oops", "recruiter-42")
	assert.ErrorIs(t, err, session.ErrValidationFailed)

	_, err = m.Revise(ctx, "missing-answer", "text", "r", "recruiter-42")
	assert.ErrorIs(t, err, session.ErrAnswerNotFound)
}

func TestCompleteSealsOnce(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, testTemplate())

	s, _ := provisionAndInit(t, m, "standard-reference")

	// Not all required questions answered yet.
	_, err := m.Complete(ctx, s.ID)
	assert.ErrorIs(t, err, session.ErrNotReadyForReview)

	_, err = m.SubmitAnswer(ctx, s.ID, 0, "Former manager.")
	require.NoError(t, err)
	_, err = m.SubmitAnswer(ctx, s.ID, 1, "Dependable and thorough.")
	require.NoError(t, err)

	seal, err := m.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, seal.SessionID)
	assert.Equal(t, "standard-reference", seal.TemplateID)

	_, err = m.Complete(ctx, s.ID)
	assert.ErrorIs(t, err, session.ErrAlreadyCompleted)

	// The sealed session rejects every further mutation.
	_, err = m.SubmitAnswer(ctx, s.ID, 2, "too late")
	assert.ErrorIs(t, err, session.ErrAlreadyCompleted)

	ans, err := store.GetAnswerByKey(ctx, s.ID, "relationship")
	require.NoError(t, err)
	_, err = m.Revise(ctx, ans.ID, "rewritten", "nope", "recruiter-42")
	assert.ErrorIs(t, err, session.ErrAlreadyCompleted)
}

func TestReviewListing(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, testTemplate())

	s, _ := provisionAndInit(t, m, "standard-reference")
	_, err := m.SubmitAnswer(ctx, s.ID, 0, "Former manager.")
	require.NoError(t, err)

	review, err := m.Review(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, review.SessionID)
	require.Len(t, review.Items, 2)

	first := review.Items[0]
	assert.Equal(t, "relationship", first.Question.Key)
	require.NotNil(t, first.Answer)
	assert.Equal(t, "Former manager.", first.Answer.Content)
	assert.NotEmpty(t, first.AnswerID)
	assert.NotEmpty(t, first.Turns)

	second := review.Items[1]
	assert.Equal(t, "strengths", second.Question.Key)
	assert.Nil(t, second.Answer)
	assert.Empty(t, second.AnswerID)

	// A revision shows up as the current answer in review.
	ans, err := store.GetAnswerByKey(ctx, s.ID, "relationship")
	require.NoError(t, err)
	_, err = m.Revise(ctx, ans.ID, "Direct manager for three years.", "detail", "recruiter-42")
	require.NoError(t, err)

	review, err = m.Review(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "Direct manager for three years.", review.Items[0].Answer.Content)

	_, err = m.SubmitAnswer(ctx, s.ID, 1, "Dependable.")
	require.NoError(t, err)
	_, err = m.Complete(ctx, s.ID)
	require.NoError(t, err)

	review, err = m.Review(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, review.State)
	assert.True(t, strings.HasPrefix(review.SealDigest, "sha256:"))
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, testTemplate())

	s, _ := provisionAndInit(t, m, "standard-reference")

	release := m.LockSession(s.ID)
	require.NotNil(t, release)

	_, err := m.SubmitAnswer(ctx, s.ID, 0, "blocked")
	assert.ErrorIs(t, err, session.ErrConcurrentModification)

	_, err = m.Complete(ctx, s.ID)
	assert.ErrorIs(t, err, session.ErrConcurrentModification)

	release()

	_, err = m.SubmitAnswer(ctx, s.ID, 0, "unblocked")
	require.NoError(t, err)
}
