// Package jobqueue serializes backup attempts behind a named queue with at
// most one pending and one running request, cancel-and-replace for forced
// triggers, and invocation-level retries.
package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isdelr/backupsync/internal/backuperr"
	"github.com/isdelr/backupsync/internal/models"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog/log"
)

// DefaultName is the fixed identity of the backup job queue.
const DefaultName = "__BACKUP_SYNC__"

var (
	// ErrReplaced finishes a pending ticket that a forced request superseded.
	ErrReplaced = errors.New("queued backup replaced by a forced request")
	// ErrStopped finishes tickets that were still pending at shutdown.
	ErrStopped = errors.New("backup queue stopped")
)

// Runner executes a single attempt. attempt is 1-based.
type Runner interface {
	Run(ctx context.Context, attempt int) (models.Artifact, error)
}

// AttemptRecorder keeps attempt history.
type AttemptRecorder interface {
	StartAttempt(a *models.Attempt) error
	FinishAttempt(a *models.Attempt) error
}

// Request asks for one backup. Forced requests skip constraints and replace
// a queued request.
type Request struct {
	Force  bool
	Reason string
}

// Result is the outcome of a ticket.
type Result struct {
	Artifact  models.Artifact
	Err       error
	Attempts  int
	Cancelled bool
}

// Ticket tracks one accepted request.
type Ticket struct {
	ID         string
	Request    Request
	EnqueuedAt time.Time

	done   chan struct{}
	once   sync.Once
	result Result
}

func newTicket(req Request, now time.Time) *Ticket {
	return &Ticket{ID: uuid.NewString(), Request: req, EnqueuedAt: now, done: make(chan struct{})}
}

func (t *Ticket) finish(r Result) {
	t.once.Do(func() {
		t.result = r
		close(t.done)
	})
}

// Done is closed once the ticket has a result.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (t *Ticket) Result() Result {
	<-t.done
	return t.result
}

// Wait blocks until the ticket finishes or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Options configure a Queue.
type Options struct {
	Name           string
	MaxAttempts    int
	RetryDelay     time.Duration
	ConstraintPoll time.Duration
	LockTTL        time.Duration
	Locker         Locker
	Constraints    []Constraint
	Recorder       AttemptRecorder
	Clock          clock.Clock
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay < time.Millisecond {
		o.RetryDelay = time.Millisecond
	}
	if o.ConstraintPoll <= 0 {
		o.ConstraintPoll = time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = time.Hour
	}
	if o.Locker == nil {
		o.Locker = NewLocalLocker()
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
}

// Status is a point-in-time view of the queue.
type Status struct {
	Name          string `json:"name"`
	Running       bool   `json:"running"`
	Pending       bool   `json:"pending"`
	PendingForced bool   `json:"pending_forced"`
}

// Queue runs requests on a single worker goroutine.
type Queue struct {
	runner Runner
	opts   Options

	mu      sync.Mutex
	pending *Ticket
	current *Ticket
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a stopped queue; call Start to begin processing.
func New(runner Runner, opts Options) *Queue {
	opts.setDefaults()
	return &Queue{
		runner: runner,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name returns the queue identity, which is also its lock key.
func (q *Queue) Name() string { return q.opts.Name }

// Start launches the worker. Cancelling ctx or calling Stop ends it.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.loop()
	log.Info().Str("queue", q.opts.Name).Int("max_attempts", q.opts.MaxAttempts).Msg("Queue: started")
}

// Stop cancels the running attempt, fails the pending ticket with
// ErrStopped and waits for the worker to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.done)
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	if pending != nil {
		pending.finish(Result{Err: ErrStopped, Cancelled: true})
	}
	log.Info().Str("queue", q.opts.Name).Msg("Queue: stopped")
}

// Enqueue accepts a request. A non-forced request joins an already pending
// one and gets its ticket. A forced request cancels the pending ticket and
// takes its place. A running attempt is never interrupted.
func (q *Queue) Enqueue(req Request) *Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := newTicket(req, q.opts.Clock.Now())
	if q.stopped {
		t.finish(Result{Err: ErrStopped, Cancelled: true})
		return t
	}

	if prev := q.pending; prev != nil {
		if !req.Force {
			log.Debug().Str("queue", q.opts.Name).Str("ticket", prev.ID).Msg("Queue: request joined pending backup")
			return prev
		}
		prev.finish(Result{Err: ErrReplaced, Cancelled: true})
		log.Info().Str("queue", q.opts.Name).Str("ticket", prev.ID).Msg("Queue: cancelled pending backup for forced request")
	}
	q.pending = t
	log.Info().Str("queue", q.opts.Name).Str("ticket", t.ID).Bool("force", req.Force).Str("reason", req.Reason).Msg("Queue: backup enqueued")

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t
}

// Status reports whether a request is running or pending.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Status{Name: q.opts.Name, Running: q.current != nil, Pending: q.pending != nil}
	if q.pending != nil {
		s.PendingForced = q.pending.Request.Force
	}
	return s
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		if t := q.take(); t != nil {
			q.process(t)
			continue
		}

		var poll <-chan time.Time
		q.mu.Lock()
		if q.pending != nil {
			poll = q.opts.Clock.After(q.opts.ConstraintPoll)
		}
		q.mu.Unlock()

		select {
		case <-q.done:
			return
		case <-q.ctx.Done():
			return
		case <-q.wake:
		case <-poll:
		}
	}
}

// take moves the pending ticket to running when it may start.
func (q *Queue) take() *Ticket {
	q.mu.Lock()
	t := q.pending
	q.mu.Unlock()
	if t == nil {
		return nil
	}
	if !t.Request.Force && !q.constraintsMet() {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending != t || q.stopped {
		return nil
	}
	q.pending = nil
	q.current = t
	return t
}

func (q *Queue) constraintsMet() bool {
	for _, c := range q.opts.Constraints {
		ok, err := c.Satisfied()
		if err != nil {
			log.Warn().Err(err).Str("constraint", c.Name()).Msg("Queue: constraint check failed")
			return false
		}
		if !ok {
			log.Debug().Str("constraint", c.Name()).Msg("Queue: constraint not met, backup stays queued")
			return false
		}
	}
	return true
}

func (q *Queue) process(t *Ticket) {
	result := q.execute(q.ctx, t)
	q.mu.Lock()
	q.current = nil
	q.mu.Unlock()
	t.finish(result)
}

func (q *Queue) execute(ctx context.Context, t *Ticket) Result {
	token, ok, err := q.opts.Locker.TryAcquireLock(ctx, q.opts.Name, q.opts.LockTTL)
	if err != nil {
		log.Error().Err(err).Str("queue", q.opts.Name).Msg("Queue: could not acquire job lock")
		return Result{Err: err}
	}
	if !ok {
		log.Warn().Str("queue", q.opts.Name).Msg("Queue: job lock is held elsewhere, skipping")
		return Result{Err: ErrLocked}
	}
	defer func() {
		if err := q.opts.Locker.ReleaseLock(context.Background(), q.opts.Name, token); err != nil {
			log.Warn().Err(err).Str("queue", q.opts.Name).Msg("Queue: could not release job lock")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		q.keepLock(ctx, cancel, token)
	}()
	defer func() {
		cancel()
		<-renewed
	}()

	var (
		attempts int
		artifact models.Artifact
		lastErr  error
	)
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			a, err := q.runAttempt(ctx, t, attempts)
			artifact, lastErr = a, err
			return err
		},
		IsFatalError: backuperr.IsFatal,
		NotifyFunc: func(err error, attempt int) {
			log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", q.opts.MaxAttempts).
				Msg("Queue: backup attempt failed")
		},
		Attempts: q.opts.MaxAttempts,
		Delay:    q.opts.RetryDelay,
		Clock:    q.opts.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			err = lastErr
		}
		return Result{Err: err, Attempts: attempts}
	}
	return Result{Artifact: artifact, Attempts: attempts}
}

// keepLock extends the lease every third of LockTTL until ctx is done. A
// lost lease cancels the running attempt.
func (q *Queue) keepLock(ctx context.Context, cancel context.CancelFunc, token string) {
	ticker := time.NewTicker(max(q.opts.LockTTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := q.opts.Locker.ExtendLock(ctx, q.opts.Name, token, q.opts.LockTTL)
			switch {
			case errors.Is(err, ErrLockLost):
				log.Error().Str("queue", q.opts.Name).Msg("Queue: job lock lost, cancelling attempt")
				cancel()
				return
			case err != nil && ctx.Err() == nil:
				log.Warn().Err(err).Str("queue", q.opts.Name).Msg("Queue: could not extend job lock")
			}
		}
	}
}

func (q *Queue) runAttempt(ctx context.Context, t *Ticket, n int) (models.Artifact, error) {
	started := q.opts.Clock.Now()
	rec := &models.Attempt{
		ID:            uuid.NewString(),
		AttemptNumber: n,
		MaxAttempts:   q.opts.MaxAttempts,
		Forced:        t.Request.Force,
		Outcome:       models.OutcomeRunning,
		State:         "validating",
		StartedAt:     started,
	}
	q.record(rec, true)

	artifact, err := q.runner.Run(ctx, n)

	finished := q.opts.Clock.Now()
	rec.FinishedAt = &finished
	if err != nil {
		kind, _ := backuperr.KindOf(err)
		rec.Outcome = models.OutcomeFailed
		rec.State = "failed"
		rec.ErrorKind = string(kind)
		rec.Error = err.Error()
	} else {
		rec.Outcome = models.OutcomeDone
		rec.State = "done"
		rec.FinalName = artifact.FinalName
		rec.RemoteID = artifact.RemoteID
		rec.SizeBytes = artifact.SizeBytes
	}
	q.record(rec, false)
	return artifact, err
}

func (q *Queue) record(a *models.Attempt, start bool) {
	if q.opts.Recorder == nil {
		return
	}
	var err error
	if start {
		err = q.opts.Recorder.StartAttempt(a)
	} else {
		err = q.opts.Recorder.FinishAttempt(a)
	}
	if err != nil {
		log.Warn().Err(err).Str("attempt_id", a.ID).Msg("Queue: could not record attempt history")
	}
}
