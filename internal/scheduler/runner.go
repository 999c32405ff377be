package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/conduit/internal/store"
)

const (
	defaultTick  = time.Second
	claimLease   = 30 * time.Second
	retryBackoff = time.Minute
	maxBackoff   = time.Hour
	maxFailures  = 5
)

// RunJob executes one job turn and returns the final assistant text.
type RunJob func(ctx context.Context, userID, roleID, description string) (string, error)

// Runner is the single long-lived poller that claims and executes due jobs.
type Runner struct {
	store *store.Store
	run   RunJob

	tick time.Duration
	now  func() time.Time

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// Option configures the runner.
type Option func(*Runner)

// WithTick overrides the poll interval.
func WithTick(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.tick = d
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func New(st *store.Store, run RunJob, opts ...Option) *Runner {
	r := &Runner{
		store: st,
		run:   run,
		tick:  defaultTick,
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the poll loop. Safe to call once.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.poll(ctx)
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the poll loop and waits for in-flight polls to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.mu.Unlock()
	<-r.done
}

// poll claims every due job and executes them sequentially. Job failures are
// recorded on the job row and never abort the loop.
func (r *Runner) poll(ctx context.Context) {
	jobs, err := r.store.ClaimDueJobs(r.now(), claimLease)
	if err != nil {
		log.Printf("scheduler: claim: %v", err)
		return
	}
	for _, job := range jobs {
		r.execute(ctx, job)
	}
}

func (r *Runner) execute(ctx context.Context, job store.Job) {
	_, runErr := r.run(ctx, job.UserID, job.RoleID, job.Description)
	now := r.now()

	if job.Kind == store.JobOnce {
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		if err := r.store.FinishOnce(job.ID, msg, now); err != nil {
			log.Printf("scheduler: finish job %s: %v", job.ID, err)
		}
		return
	}

	if runErr != nil {
		r.recordFailure(job, runErr, now)
		return
	}

	sched, err := UnmarshalSchedule(job.Schedule)
	if err != nil {
		// A recurring job without a usable schedule can never run again.
		log.Printf("scheduler: job %s: %v", job.ID, err)
		if err := r.store.MarkFailed(job.ID, err.Error(), now); err != nil {
			log.Printf("scheduler: mark failed %s: %v", job.ID, err)
		}
		return
	}
	next, err := sched.Next(now)
	if err != nil {
		if err := r.store.MarkFailed(job.ID, err.Error(), now); err != nil {
			log.Printf("scheduler: mark failed %s: %v", job.ID, err)
		}
		return
	}
	if err := r.store.FinishRecurring(job.ID, next, now); err != nil {
		log.Printf("scheduler: reschedule %s: %v", job.ID, err)
	}
}

// recordFailure applies the failure policy: exponential hold backoff capped
// at one hour, permanent failure after maxFailures consecutive errors.
func (r *Runner) recordFailure(job store.Job, runErr error, now time.Time) {
	streak := job.FailStreak + 1
	if streak >= maxFailures {
		if err := r.store.MarkFailed(job.ID, runErr.Error(), now); err != nil {
			log.Printf("scheduler: mark failed %s: %v", job.ID, err)
		}
		return
	}

	backoff := retryBackoff << (streak - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	if err := r.store.RetryLater(job.ID, now.Add(backoff), runErr.Error(), now); err != nil {
		log.Printf("scheduler: retry later %s: %v", job.ID, err)
	}
}

// CreateJob validates and persists a new job. Recurring descriptions must
// parse to a structured schedule; the parse happens here, once.
func CreateJob(st *store.Store, job store.Job) error {
	if job.Kind == store.JobRecurring {
		sched, err := ParseCadence(job.Description)
		if err != nil {
			return err
		}
		job.Schedule = sched.Marshal()
		if job.RunAt.IsZero() {
			next, err := sched.Next(time.Now())
			if err != nil {
				return err
			}
			job.RunAt = next
		}
	}
	return st.CreateJob(job)
}
