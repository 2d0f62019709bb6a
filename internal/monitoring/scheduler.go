package monitoring

import (
	"fmt"
	"sync"
	"time"

	"github.com/isdelr/backupsync/internal/jobqueue"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Enqueuer accepts backup requests.
type Enqueuer interface {
	Enqueue(req jobqueue.Request) *jobqueue.Ticket
}

// Scheduler triggers unforced backups on a cron schedule.
type Scheduler struct {
	queue    Enqueuer
	schedule cron.Schedule
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	nextRun time.Time

	ticker *time.Ticker
	done   chan bool
	once   sync.Once
}

// NewScheduler creates a scheduler for a standard five-field cron expression.
// interval is how often the schedule is checked.
func NewScheduler(queue Enqueuer, expression string, interval time.Duration) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid backup cron expression %q: %w", expression, err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Scheduler{
		queue:    queue,
		schedule: schedule,
		interval: interval,
		now:      time.Now,
		done:     make(chan bool),
	}
	s.nextRun = schedule.Next(s.now())
	return s, nil
}

// NextRun returns when the next backup is due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Run starts the scheduler's ticking loop.
func (s *Scheduler) Run() {
	log.Info().Time("next_run", s.NextRun()).Msg("Starting backup scheduler")
	s.ticker = time.NewTicker(s.interval)
	defer s.ticker.Stop()

	for {
		select {
		case <-s.done:
			log.Info().Msg("Stopping backup scheduler")
			return
		case <-s.ticker.C:
			s.checkAndEnqueue()
		}
	}
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
}

// checkAndEnqueue queues a backup when the next run time has passed.
// Missed runs collapse into one request.
func (s *Scheduler) checkAndEnqueue() bool {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	next := s.nextRun
	s.mu.Unlock()

	if !due {
		return false
	}
	ticket := s.queue.Enqueue(jobqueue.Request{Reason: "scheduled"})
	log.Info().Str("ticket", ticket.ID).Time("next_run", next).Msg("Scheduler: queued periodic backup")
	return true
}
