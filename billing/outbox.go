/*
outbox.go - Recompute outbox worker

PURPOSE:
  External events (attendance marked absent, enrollment changed) and
  payment flows do not call the tuition calculator inline; they record a
  durable "recompute needed for (student, month)" work item. This worker
  drains the outbox on a timer with bounded retry, so a recompute survives
  handler failure instead of being silently lost.

USAGE:
  worker := billing.NewOutboxWorker(engine, 30*time.Second, 5)
  worker.Start()
  // ... later
  worker.Stop()
*/
package billing

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/brightpath/tuition-engine/ledger"
)

// EnqueueRecompute records that (student, month) needs recomputation. This
// is the entry point external collaborators (attendance, scheduling) call.
func (e *Engine) EnqueueRecompute(ctx context.Context, studentID string, m ledger.Month) error {
	if _, err := e.store.Student(ctx, studentID); err != nil {
		return err
	}
	return e.store.EnqueueRecompute(ctx, studentID, m)
}

// OutboxWorker drains the recompute outbox in the background.
type OutboxWorker struct {
	Engine       *Engine
	PollInterval time.Duration
	MaxAttempts  int
	BatchSize    int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewOutboxWorker creates a worker with the given poll interval and retry bound.
func NewOutboxWorker(engine *Engine, pollInterval time.Duration, maxAttempts int) *OutboxWorker {
	return &OutboxWorker{
		Engine:       engine,
		PollInterval: pollInterval,
		MaxAttempts:  maxAttempts,
		BatchSize:    50,
		stop:         make(chan struct{}),
	}
}

// Start begins polling.
func (w *OutboxWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ticker = time.NewTicker(w.PollInterval)
	w.wg.Add(1)
	go w.run()
	log.Printf("[outbox] started, polling every %v", w.PollInterval)
}

// Stop stops polling and waits for the in-flight batch.
func (w *OutboxWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.stop)
		w.wg.Wait()
		log.Println("[outbox] stopped")
	}
}

func (w *OutboxWorker) run() {
	defer w.wg.Done()

	w.Drain(context.Background())
	for {
		select {
		case <-w.ticker.C:
			w.Drain(context.Background())
		case <-w.stop:
			return
		}
	}
}

// Drain processes one batch of pending recomputes. Exposed for tests and
// admin triggers; the background loop calls it on every tick.
func (w *OutboxWorker) Drain(ctx context.Context) {
	items, err := w.Engine.Store().PendingRecomputes(ctx, w.BatchSize)
	if err != nil {
		log.Printf("[outbox] listing pending recomputes: %v", err)
		return
	}

	for _, item := range items {
		_, err := w.Engine.Calculate(ctx, item.StudentID, item.Month)
		if err == nil {
			if err := w.Engine.Store().MarkRecomputeDone(ctx, item.ID); err != nil {
				log.Printf("[outbox] marking item %d done: %v", item.ID, err)
			}
			continue
		}

		attempts := item.Attempts + 1
		if markErr := w.Engine.Store().MarkRecomputeFailed(ctx, item.ID, attempts, err.Error()); markErr != nil {
			log.Printf("[outbox] marking item %d failed: %v", item.ID, markErr)
		}
		if attempts >= w.MaxAttempts {
			// Exhausted: drop it from the pending set, keeping the last error
			// on the row for diagnosis.
			log.Printf("[outbox] giving up on recompute %s/%s after %d attempts: %v",
				item.StudentID, item.Month, attempts, err)
			if markErr := w.Engine.Store().MarkRecomputeDone(ctx, item.ID); markErr != nil {
				log.Printf("[outbox] retiring item %d: %v", item.ID, markErr)
			}
		}
	}
}
