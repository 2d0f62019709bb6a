package jobqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/isdelr/backupsync/internal/backuperr"
	"github.com/isdelr/backupsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context, attempt int) (models.Artifact, error)

func (f runnerFunc) Run(ctx context.Context, attempt int) (models.Artifact, error) {
	return f(ctx, attempt)
}

func succeed(name string) runnerFunc {
	return func(context.Context, int) (models.Artifact, error) {
		return models.Artifact{FinalName: name, RemoteID: name, SizeBytes: 7}, nil
	}
}

type memRecorder struct {
	mu       sync.Mutex
	started  []models.Attempt
	finished []models.Attempt
}

func (m *memRecorder) StartAttempt(a *models.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, *a)
	return nil
}

func (m *memRecorder) FinishAttempt(a *models.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, *a)
	return nil
}

type toggle struct{ ok atomic.Bool }

func (t *toggle) Name() string             { return "toggle" }
func (t *toggle) Satisfied() (bool, error) { return t.ok.Load(), nil }

func startQueue(t *testing.T, r Runner, opts Options) *Queue {
	t.Helper()
	q := New(r, opts)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func wait(t *testing.T, ticket *Ticket) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := ticket.Wait(ctx)
	require.NoError(t, err, "ticket did not finish")
	return res
}

func TestQueueRunsRequest(t *testing.T) {
	rec := &memRecorder{}
	q := startQueue(t, succeed("signal-a.backup"), Options{Recorder: rec})

	res := wait(t, q.Enqueue(Request{Reason: "test"}))
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "signal-a.backup", res.Artifact.FinalName)

	require.Len(t, rec.started, 1)
	require.Len(t, rec.finished, 1)
	assert.Equal(t, models.OutcomeRunning, rec.started[0].Outcome)
	assert.Equal(t, models.OutcomeDone, rec.finished[0].Outcome)
	assert.Equal(t, "signal-a.backup", rec.finished[0].FinalName)
	assert.NotNil(t, rec.finished[0].FinishedAt)
	assert.Equal(t, DefaultName, q.Name())
}

func TestQueueRetriesUpToMaxAttempts(t *testing.T) {
	var calls []int
	r := runnerFunc(func(_ context.Context, attempt int) (models.Artifact, error) {
		calls = append(calls, attempt)
		return models.Artifact{}, backuperr.Newf(backuperr.UploadError, "upload", "timeout")
	})
	rec := &memRecorder{}
	q := startQueue(t, r, Options{MaxAttempts: 3, RetryDelay: time.Millisecond, Recorder: rec})

	res := wait(t, q.Enqueue(Request{}))
	assert.ErrorIs(t, res.Err, backuperr.UploadError)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int{1, 2, 3}, calls)
	require.Len(t, rec.finished, 3)
	assert.Equal(t, string(backuperr.UploadError), rec.finished[2].ErrorKind)
	assert.Equal(t, 3, rec.finished[2].MaxAttempts)
}

func TestQueueRecoversOnRetry(t *testing.T) {
	r := runnerFunc(func(_ context.Context, attempt int) (models.Artifact, error) {
		if attempt == 1 {
			return models.Artifact{}, backuperr.Newf(backuperr.StagingUnavailable, "stage", "busy")
		}
		return models.Artifact{FinalName: "ok"}, nil
	})
	q := startQueue(t, r, Options{RetryDelay: time.Millisecond})

	res := wait(t, q.Enqueue(Request{}))
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
}

func TestQueueStopsOnDuplicate(t *testing.T) {
	var calls atomic.Int32
	r := runnerFunc(func(context.Context, int) (models.Artifact, error) {
		calls.Add(1)
		return models.Artifact{}, backuperr.Newf(backuperr.DuplicateBackupError, "promote", "exists")
	})
	q := startQueue(t, r, Options{RetryDelay: time.Millisecond})

	res := wait(t, q.Enqueue(Request{}))
	assert.ErrorIs(t, res.Err, backuperr.DuplicateBackupError)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEnqueueJoinsAndReplacesPending(t *testing.T) {
	q := New(succeed("x"), Options{})
	t.Cleanup(q.Stop)

	first := q.Enqueue(Request{Reason: "cron"})
	assert.Same(t, first, q.Enqueue(Request{Reason: "cron again"}))
	assert.True(t, q.Status().Pending)

	forced := q.Enqueue(Request{Force: true, Reason: "user"})
	assert.NotSame(t, first, forced)

	res := wait(t, first)
	assert.True(t, res.Cancelled)
	assert.ErrorIs(t, res.Err, ErrReplaced)
	assert.True(t, q.Status().PendingForced)

	q.Start(context.Background())
	res = wait(t, forced)
	require.NoError(t, res.Err)
	assert.False(t, res.Cancelled)
}

func TestForceNeverInterruptsRunningAttempt(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	r := runnerFunc(func(ctx context.Context, _ int) (models.Artifact, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
			if err := ctx.Err(); err != nil {
				return models.Artifact{}, err
			}
			return models.Artifact{FinalName: "first"}, nil
		}
		return models.Artifact{FinalName: "second"}, nil
	})
	q := startQueue(t, r, Options{})

	running := q.Enqueue(Request{})
	<-entered
	forced := q.Enqueue(Request{Force: true})
	assert.NotSame(t, running, forced)

	status := q.Status()
	assert.True(t, status.Running)
	assert.True(t, status.Pending)

	close(release)
	res := wait(t, running)
	require.NoError(t, res.Err)
	assert.Equal(t, "first", res.Artifact.FinalName)

	res = wait(t, forced)
	require.NoError(t, res.Err)
	assert.Equal(t, "second", res.Artifact.FinalName)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConstraintsGateOnlyUnforcedRequests(t *testing.T) {
	gate := &toggle{}
	q := startQueue(t, succeed("x"), Options{Constraints: []Constraint{gate}, ConstraintPoll: 5 * time.Millisecond})

	ticket := q.Enqueue(Request{})
	select {
	case <-ticket.Done():
		t.Fatal("unforced request ran while its constraint was unmet")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, q.Status().Pending)

	gate.ok.Store(true)
	require.NoError(t, wait(t, ticket).Err)

	gate.ok.Store(false)
	require.NoError(t, wait(t, q.Enqueue(Request{Force: true})).Err)
}

func TestQueueSkipsWhenLockHeld(t *testing.T) {
	locker := NewLocalLocker()
	_, ok, err := locker.TryAcquireLock(context.Background(), DefaultName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	var calls atomic.Int32
	r := runnerFunc(func(context.Context, int) (models.Artifact, error) {
		calls.Add(1)
		return models.Artifact{}, nil
	})
	q := startQueue(t, r, Options{Locker: locker})

	res := wait(t, q.Enqueue(Request{Force: true}))
	assert.ErrorIs(t, res.Err, ErrLocked)
	assert.Zero(t, calls.Load())
}

func TestQueueKeepsLockDuringLongAttempt(t *testing.T) {
	locker := NewLocalLocker()
	var stolen atomic.Bool
	r := runnerFunc(func(ctx context.Context, _ int) (models.Artifact, error) {
		// Outlive several lease periods before checking exclusion.
		time.Sleep(100 * time.Millisecond)
		_, ok, _ := locker.TryAcquireLock(ctx, DefaultName, time.Minute)
		stolen.Store(ok)
		return models.Artifact{FinalName: "signal-a.backup"}, nil
	})
	q := startQueue(t, r, Options{Locker: locker, LockTTL: 30 * time.Millisecond})

	res := wait(t, q.Enqueue(Request{Force: true}))
	require.NoError(t, res.Err)
	assert.False(t, stolen.Load(), "lease must be extended while the attempt runs")

	_, ok, err := locker.TryAcquireLock(context.Background(), DefaultName, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock is released after the attempt")
}

type lostLocker struct {
	*LocalLocker
}

func (lostLocker) ExtendLock(context.Context, string, string, time.Duration) error {
	return ErrLockLost
}

func TestQueueCancelsAttemptWhenLockLost(t *testing.T) {
	r := runnerFunc(func(ctx context.Context, _ int) (models.Artifact, error) {
		select {
		case <-ctx.Done():
			return models.Artifact{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return models.Artifact{}, nil
		}
	})
	q := startQueue(t, r, Options{
		Locker:      lostLocker{NewLocalLocker()},
		LockTTL:     15 * time.Millisecond,
		MaxAttempts: 1,
	})

	res := wait(t, q.Enqueue(Request{Force: true}))
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestStopFailsPendingTicket(t *testing.T) {
	q := New(succeed("x"), Options{})
	pending := q.Enqueue(Request{})
	q.Stop()

	res := wait(t, pending)
	assert.ErrorIs(t, res.Err, ErrStopped)
	assert.True(t, res.Cancelled)

	late := wait(t, q.Enqueue(Request{Force: true}))
	assert.ErrorIs(t, late.Err, ErrStopped)
}
