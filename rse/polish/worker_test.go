package polish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nzcbass/refsession/rse/storage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransformer struct {
	out string
	err error
}

func (s *stubTransformer) Transform(ctx context.Context, questionPrompt, content string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.out, nil
}

func TestWorkerPolishesVersion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	s, err := store.Provision(ctx, "tpl", "token-pw")
	require.NoError(t, err)
	v, _, err := store.CreateOriginal(ctx, s.ID, "strengths", "they is great")
	require.NoError(t, err)

	w := NewWorker(&stubTransformer{out: "They are great."}, store, 2, time.Second, zerolog.Nop())
	w.Enqueue(v.ID, "What are their strengths?", "they is great")
	w.Close()

	cur, err := store.CurrentVersion(ctx, v.AnswerID)
	require.NoError(t, err)
	assert.Equal(t, "they is great", cur.Content)
	assert.Equal(t, "They are great.", cur.PolishedContent)
}

func TestWorkerDropsFailures(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	s, err := store.Provision(ctx, "tpl", "token-pf")
	require.NoError(t, err)
	v, _, err := store.CreateOriginal(ctx, s.ID, "strengths", "raw text")
	require.NoError(t, err)

	w := NewWorker(&stubTransformer{err: errors.New("upstream unavailable")}, store, 1, time.Second, zerolog.Nop())
	w.Enqueue(v.ID, "prompt", "raw text")
	w.Close()

	cur, err := store.CurrentVersion(ctx, v.AnswerID)
	require.NoError(t, err)
	assert.Empty(t, cur.PolishedContent)
	assert.Equal(t, "raw text", cur.Content)
}

func TestWorkerEnqueueDoesNotBlock(t *testing.T) {
	store := storage.NewMemoryStore()

	gate := &gatedTransformer{started: make(chan struct{}), release: make(chan struct{})}
	w := NewWorker(gate, store, 1, time.Minute, zerolog.Nop())

	w.Enqueue("v0", "p", "c")
	select {
	case <-gate.started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first task")
	}

	// The single worker is stuck mid-transform and the buffer is empty.
	// Fill the buffer and overflow it by one; every call must return at once.
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueDepthPerWorker+1; i++ {
			w.Enqueue(fmt.Sprintf("v%d", i+1), "p", "c")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a saturated worker")
	}

	close(gate.release)
	w.Close()

	// Everything accepted was processed; the overflow task was dropped.
	assert.Equal(t, queueDepthPerWorker+1, gate.count())
}

// gatedTransformer blocks its first call until released and counts every call.
type gatedTransformer struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	calls int
}

func (g *gatedTransformer) Transform(ctx context.Context, questionPrompt, content string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return content, nil
}

func (g *gatedTransformer) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
