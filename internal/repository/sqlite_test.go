package repository

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func createRun(t *testing.T, store *SQLiteStore, runID string) {
	t.Helper()
	if err := store.CreateRun(context.Background(), &domain.Run{RunID: runID, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
}

func appendEvent(t *testing.T, store *SQLiteStore, runID string, eventType domain.EventType, payload string) *domain.RunEvent {
	t.Helper()
	event := &domain.RunEvent{RunID: runID, Type: eventType, Source: "test"}
	if payload != "" {
		event.Payload = json.RawMessage(payload)
	}
	if err := store.AppendEvent(context.Background(), event); err != nil {
		t.Fatalf("AppendEvent(%s) failed: %v", eventType, err)
	}
	return event
}

func TestSQLiteStoreCreateAndGetRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run := &domain.Run{RunID: "r1", ModelRoute: "fast", Tags: []string{"a", "b"}, CreatedAt: time.Now()}
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RunStatusCreated, got.Status)
	assert.Equal(t, domain.RunPhasePlanning, got.Phase)
	assert.Equal(t, domain.DefaultPolicyProfile, got.PolicyProfile)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Equal(t, int64(0), got.CheckpointSeq)

	err = store.CreateRun(ctx, &domain.Run{RunID: "r1"})
	assert.True(t, errors.Is(err, ErrRunExists), "expected ErrRunExists, got %v", err)

	missing, err := store.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLiteStoreNextSeqIsGapless(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for want := int64(1); want <= 3; want++ {
		got, err := store.NextSeq(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Sequences are independent per run.
	got, err := store.NextSeq(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestSQLiteStoreConcurrentAppendsProduceContiguousSeqs(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "runs.db") + "?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"
	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer store.Close()
	createRun(t, store, "r1")

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.AppendEvent(ctx, &domain.RunEvent{RunID: "r1", Type: "worker.heartbeat"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := store.ListEvents(ctx, "r1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Seq)
	}

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), run.CheckpointSeq)
}

func TestSQLiteStoreAppendEventUnknownRun(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.AppendEvent(context.Background(), &domain.RunEvent{RunID: "ghost", Type: domain.EventTypeRunStarted})
	assert.True(t, errors.Is(err, ErrRunNotFound), "expected ErrRunNotFound, got %v", err)

	// A failed append must not consume a sequence number.
	createRun(t, store, "ghost")
	event := appendEvent(t, store, "ghost", domain.EventTypeRunStarted, "")
	assert.Equal(t, int64(1), event.Seq)
}

func TestSQLiteStoreAppendEventDuplicateSeq(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	createRun(t, store, "r1")

	require.NoError(t, store.AppendEvent(ctx, &domain.RunEvent{RunID: "r1", Seq: 7, Type: "custom"}))
	err := store.AppendEvent(ctx, &domain.RunEvent{RunID: "r1", Seq: 7, Type: "custom"})
	assert.True(t, errors.Is(err, ErrDuplicateSeq), "expected ErrDuplicateSeq, got %v", err)
}

func TestSQLiteStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	createRun(t, store, "r1")

	appendEvent(t, store, "r1", "RUN_STARTED", "")
	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Equal(t, domain.RunPhasePlanning, run.Phase)

	appendEvent(t, store, "r1", domain.EventTypeRunPhaseChanged, `{"phase":"executing"}`)
	run, _ = store.GetRun(ctx, "r1")
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Equal(t, domain.RunPhaseExecuting, run.Phase)

	appendEvent(t, store, "r1", domain.EventTypeRunCompleted, `{"completion_reason":"done"}`)
	run, _ = store.GetRun(ctx, "r1")
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, domain.RunPhaseCompleted, run.Phase)
	assert.Equal(t, "done", run.CompletionReason)
	assert.Equal(t, int64(3), run.CheckpointSeq)
}

func TestSQLiteStoreStartedThenCompleted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	createRun(t, store, "r1")

	appendEvent(t, store, "r1", domain.EventTypeRunStarted, "")
	appendEvent(t, store, "r1", domain.EventTypeRunCompleted, "")

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, domain.RunPhaseCompleted, run.Phase)
	assert.Equal(t, int64(2), run.CheckpointSeq)
}

func TestSQLiteStoreRunFailedDefaultsReason(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	createRun(t, store, "r1")

	appendEvent(t, store, "r1", domain.EventTypeRunStarted, "")
	appendEvent(t, store, "r1", domain.EventTypeRunFailed, "")

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.RunPhaseFailed, run.Phase)
	assert.Equal(t, "activity_error", run.CompletionReason)
}

func TestSQLiteStoreRunPartialCancelledAndResumed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	createRun(t, store, "partial")
	appendEvent(t, store, "partial", domain.EventTypeRunPartial, `{"completion_reason":"budget_exhausted"}`)
	run, _ := store.GetRun(ctx, "partial")
	assert.Equal(t, domain.RunStatusPartial, run.Status)
	assert.Equal(t, domain.RunPhaseCompleted, run.Phase)
	assert.Equal(t, "budget_exhausted", run.CompletionReason)

	createRun(t, store, "cancelled")
	appendEvent(t, store, "cancelled", domain.EventTypeRunCancelled, "")
	run, _ = store.GetRun(ctx, "cancelled")
	assert.Equal(t, domain.RunStatusCancelled, run.Status)
	assert.Equal(t, domain.RunPhaseCancelled, run.Phase)
	assert.Equal(t, "user_cancelled", run.CompletionReason)

	createRun(t, store, "resumed")
	appendEvent(t, store, "resumed", domain.EventTypeRunFailed, "")
	appendEvent(t, store, "resumed", domain.EventTypeRunResumed, `{"resumed_from":"checkpoint-3"}`)
	run, _ = store.GetRun(ctx, "resumed")
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Equal(t, domain.RunPhasePlanning, run.Phase)
	assert.Equal(t, "checkpoint-3", run.ResumedFrom)
}

func TestSQLiteStoreUnknownEventAdvancesCheckpointOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	createRun(t, store, "r1")

	appendEvent(t, store, "r1", domain.EventTypeRunStarted, "")
	appendEvent(t, store, "r1", "model.tokens", `{"count":12}`)

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Equal(t, int64(2), run.CheckpointSeq)

	steps, err := store.ListRunSteps(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestSQLiteStoreListEventsAfterSeqIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	createRun(t, store, "r1")

	for i := 0; i < 5; i++ {
		appendEvent(t, store, "r1", "custom", "")
	}

	events, err := store.ListEvents(ctx, "r1", 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(5), events[2].Seq)

	events, err = store.ListEvents(ctx, "r1", 0, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)

	events, err = store.ListEvents(ctx, "r1", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSQLiteStoreStepMerge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	createRun(t, store, "r1")

	appendEvent(t, store, "r1", domain.EventTypeStepPlanned,
		`{"step_id":"s1","name":"fetch docs","dependencies":["s0"],"expected_artifacts":["out.md"],"diagnostics":{"plan":"a"}}`)
	appendEvent(t, store, "r1", domain.EventTypeStepStarted, `{"step_id":"s1","attempt":1}`)
	appendEvent(t, store, "r1", domain.EventTypeStepFailed,
		`{"step_id":"s1","error":"boom","diagnostics":{"plan":"b","retry":true}}`)

	steps, err := store.ListRunSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	step := steps[0]
	assert.Equal(t, "s1", step.StepID)
	assert.Equal(t, "fetch docs", step.Name)
	assert.Equal(t, "step", step.Kind)
	assert.Equal(t, domain.StepStatusFailed, step.Status)
	assert.Equal(t, 1, step.Attempt)
	assert.Equal(t, []string{"s0"}, step.Dependencies)
	assert.Equal(t, []string{"out.md"}, step.ExpectedArtifacts)
	assert.Equal(t, int64(1), step.FirstSeq)
	assert.Equal(t, int64(3), step.LastSeq)
	require.NotNil(t, step.StartedAt)
	require.NotNil(t, step.CompletedAt)

	var diag map[string]any
	require.NoError(t, json.Unmarshal(step.Diagnostics, &diag))
	assert.Equal(t, "b", diag["plan"])
	assert.Equal(t, true, diag["retry"])
	assert.Equal(t, "boom", diag["error"])
	assert.Equal(t, float64(3), diag["seq"])
}

func TestSQLiteStoreStartedAtKeepsFirstValue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	createRun(t, store, "r1")

	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)
	for _, ts := range []time.Time{first, second} {
		require.NoError(t, store.AppendEvent(ctx, &domain.RunEvent{
			RunID:     "r1",
			Type:      domain.EventTypeStepStarted,
			Timestamp: ts,
			Payload:   json.RawMessage(`{"step_id":"s1"}`),
		}))
	}

	steps, err := store.ListRunSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].StartedAt)
	assert.True(t, steps[0].StartedAt.Equal(first), "started_at = %v", steps[0].StartedAt)
}

func TestSQLiteStoreToolEventsBecomeSteps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	createRun(t, store, "r1")

	appendEvent(t, store, "r1", domain.EventTypeToolStarted, `{"invocation_id":"inv-1","tool_name":"workspace.read","name":"workspace.read"}`)
	appendEvent(t, store, "r1", domain.EventTypeToolCompleted, `{"invocation_id":"inv-1","tool_name":"workspace.read"}`)
	appendEvent(t, store, "r1", domain.EventTypePolicyDenied, `{"invocation_id":"inv-2","tool_name":"process.exec"}`)

	steps, err := store.ListRunSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, "inv-1", steps[0].StepID)
	assert.Equal(t, "tool", steps[0].Kind)
	assert.Equal(t, "workspace.read", steps[0].Name)
	assert.Equal(t, domain.StepStatusCompleted, steps[0].Status)

	assert.Equal(t, "inv-2", steps[1].StepID)
	assert.Equal(t, domain.StepStatusDenied, steps[1].Status)
	assert.Equal(t, "deny", steps[1].PolicyDecision)
	assert.Equal(t, "inv-2", steps[1].Name)
}
