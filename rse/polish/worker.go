package polish

import (
	"context"
	"time"

	"github.com/nzcbass/refsession/rse/session"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// queueDepthPerWorker sizes the pending-task buffer. A full buffer drops the
// task: polishing is best-effort and must never stall a submission.
const queueDepthPerWorker = 16

type task struct {
	versionID      string
	questionPrompt string
	content        string
}

// Worker dispatches polish calls on a bounded goroutine pool and writes
// results back onto the version's display field. Failed or dropped polishes
// are logged; they never block or fail the session.
type Worker struct {
	transformer Transformer
	versions    session.VersionStore
	timeout     time.Duration

	tasks  chan task
	pool   *pool.Pool
	logger zerolog.Logger
}

// NewWorker creates a polish worker with at most concurrency in-flight calls.
func NewWorker(transformer Transformer, versions session.VersionStore, concurrency int, timeout time.Duration, logger zerolog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	w := &Worker{
		transformer: transformer,
		versions:    versions,
		timeout:     timeout,
		tasks:       make(chan task, concurrency*queueDepthPerWorker),
		pool:        pool.New().WithMaxGoroutines(concurrency),
		logger:      logger.With().Str("component", "polish_worker").Logger(),
	}
	for i := 0; i < concurrency; i++ {
		w.pool.Go(w.run)
	}
	return w
}

// Enqueue implements session.PolishDispatcher. It never blocks: the task is
// buffered for the worker goroutines, and dropped with a warning when the
// buffer is full.
func (w *Worker) Enqueue(versionID, questionPrompt, content string) {
	select {
	case w.tasks <- task{versionID: versionID, questionPrompt: questionPrompt, content: content}:
	default:
		w.logger.Warn().Str("version_id", versionID).Msg("Polish queue full, keeping raw answer")
	}
}

func (w *Worker) run() {
	for t := range w.tasks {
		w.process(t)
	}
}

func (w *Worker) process(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	polished, err := w.transformer.Transform(ctx, t.questionPrompt, t.content)
	if err != nil {
		w.logger.Warn().Err(err).Str("version_id", t.versionID).Msg("Polish failed, keeping raw answer")
		return
	}

	if err := w.versions.SetPolished(ctx, t.versionID, polished); err != nil {
		w.logger.Warn().Err(err).Str("version_id", t.versionID).Msg("Failed to store polished content")
		return
	}

	w.logger.Debug().Str("version_id", t.versionID).Msg("Answer polished")
}

// Close stops accepting work and waits for buffered polish calls to finish.
func (w *Worker) Close() {
	close(w.tasks)
	w.pool.Wait()
}

var _ session.PolishDispatcher = (*Worker)(nil)
