package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/ledger"
)

func TestOutboxWorker_DrainRecomputes(t *testing.T) {
	// GIVEN: A queued recompute for an enrolled student
	// WHEN: The worker drains
	// THEN: The invoice materializes and the queue empties

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	soloStudent(t, mem, "stu-1")
	require.NoError(t, engine.EnqueueRecompute(ctx, "stu-1", jan()))

	worker := billing.NewOutboxWorker(engine, time.Hour, 3)
	worker.Drain(ctx)

	inv, err := mem.Invoice(ctx, "stu-1", jan())
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(48000), inv.TotalAmount)

	pending, err := mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxWorker_RetriesThenRetires(t *testing.T) {
	// GIVEN: A recompute item that always fails (student does not exist)
	// WHEN: Draining up to the attempt bound
	// THEN: The failure is recorded, then the item retires with its last error

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	require.NoError(t, mem.EnqueueRecompute(ctx, "stu-ghost", jan()))

	worker := billing.NewOutboxWorker(engine, time.Hour, 2)

	worker.Drain(ctx)
	pending, err := mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.NotEmpty(t, pending[0].LastError)

	worker.Drain(ctx)
	pending, err = mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEnqueueRecompute_DedupesPendingPairs(t *testing.T) {
	// GIVEN: A (student, month) already queued
	// WHEN: Enqueuing the same pair again
	// THEN: Still one pending item; a different month queues separately

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	soloStudent(t, mem, "stu-1")

	require.NoError(t, engine.EnqueueRecompute(ctx, "stu-1", jan()))
	require.NoError(t, engine.EnqueueRecompute(ctx, "stu-1", jan()))
	require.NoError(t, engine.EnqueueRecompute(ctx, "stu-1", feb()))

	pending, err := mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestEnqueueRecompute_UnknownStudentRejected(t *testing.T) {
	engine, _ := newTestEngine(t)

	err := engine.EnqueueRecompute(context.Background(), "stu-ghost", jan())
	assert.True(t, ledger.IsNotFound(err))
}

func TestOutboxWorker_StartStop(t *testing.T) {
	// GIVEN: A running worker with a queued item
	// WHEN: Waiting one poll and stopping
	// THEN: The item processed and Stop returns cleanly

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	soloStudent(t, mem, "stu-1")
	require.NoError(t, engine.EnqueueRecompute(ctx, "stu-1", jan()))

	worker := billing.NewOutboxWorker(engine, 10*time.Millisecond, 3)
	worker.Start()

	require.Eventually(t, func() bool {
		pending, err := mem.PendingRecomputes(ctx, 10)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	worker.Stop()
}
