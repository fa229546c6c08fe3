// Package jobs runs long operations asynchronously on a worker pool backed by
// the sqlite job table.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"sheetsync/internal/database"
	"sheetsync/internal/events"
	"sheetsync/internal/metrics"
	"sheetsync/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrUnknownJobType = errors.New("unknown job type")

const maxRecordAttempts = 5

// Handler executes one job and returns its JSON result.
type Handler func(ctx context.Context, job *models.Job) (json.RawMessage, error)

// Store persists jobs and enforces their state machine.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ClaimJob(ctx context.Context, id string) (*models.Job, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	FailJob(ctx context.Context, id, errMsg string) error
	GetPendingJobs(ctx context.Context, limit int) ([]models.Job, error)
}

type Options struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	Timeout      time.Duration
	Backoff      RetryPolicy
}

// Queue persists jobs, dispatches their ids and executes them on workers.
type Queue struct {
	store  Store
	redis  *redis.Client
	bus    *events.EventBus
	logger *zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	local         chan string
	redisQueueKey string
	deadLetterKey string
	opts          Options

	wg sync.WaitGroup
}

// NewQueue builds a queue with sane defaults. redisClient and bus may be nil.
func NewQueue(store Store, redisClient *redis.Client, bus *events.EventBus, opts Options, logger *zerolog.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Backoff.InitialDelay == 0 {
		opts.Backoff.InitialDelay = opts.PollInterval
	}
	if opts.Backoff.MaxDelay == 0 {
		opts.Backoff.MaxDelay = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Queue{
		store:         store,
		redis:         redisClient,
		bus:           bus,
		logger:        logger,
		handlers:      make(map[string]Handler),
		local:         make(chan string, models.WorkerQueueSize),
		redisQueueKey: "jobs:queue",
		deadLetterKey: "jobs:deadletter",
		opts:          opts,
	}
}

// Register binds a handler to a job type, replacing any previous one.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Types lists the registered job types, sorted.
func (q *Queue) Types() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	types := make([]string, 0, len(q.handlers))
	for t := range q.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (q *Queue) handler(jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Enqueue persists a pending job and schedules it via redis or the in-memory
// queue. It never waits for execution.
func (q *Queue) Enqueue(ctx context.Context, jobType, sheetID string, payload json.RawMessage) (string, error) {
	if _, ok := q.handler(jobType); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		SheetID:   sheetID,
		Payload:   payload,
		Status:    models.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	metrics.IncJobTransition(jobType, models.JobPending)

	q.dispatch(ctx, job.ID)

	q.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", jobType).
		Str("sheet_id", sheetID).
		Msg("Job enqueued")
	return job.ID, nil
}

func (q *Queue) dispatch(ctx context.Context, id string) {
	// Try redis first for durability.
	if q.redis != nil {
		if err := q.redis.LPush(ctx, q.redisQueueKey, id).Err(); err != nil {
			q.logger.Warn().Err(err).Str("job_id", id).Msg("Redis push failed, fallback to memory queue")
		} else {
			return
		}
	}

	select {
	case q.local <- id:
	default:
		q.logger.Warn().Str("job_id", id).Msg("In-memory queue full, job left to polling")
	}
}

// Status returns the job record. Missing ids yield database.ErrJobNotFound.
func (q *Queue) Status(ctx context.Context, id string) (*models.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Start launches the workers; they stop when ctx is done. Use Wait to block
// until they have exited.
func (q *Queue) Start(ctx context.Context) {
	q.logger.Info().Int("workers", q.opts.Workers).Strs("types", q.Types()).Msg("Job workers started")
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func(n int) {
			defer q.wg.Done()
			q.work(ctx, n)
		}(i)
	}
}

// Wait blocks until every worker has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
	q.logger.Info().Msg("Job workers stopped")
}

func (q *Queue) work(ctx context.Context, n int) {
	logger := q.logger.With().Int("worker", n).Logger()
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if id, ok := q.next(ctx); ok {
			q.process(ctx, id)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		pending, err := q.store.GetPendingJobs(ctx, q.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := q.opts.Backoff.NextDelay(failures)
			logger.Error().Err(err).Dur("backoff", delay).Msg("Fetch pending jobs failed")
			sleep(ctx, delay)
			continue
		}
		failures = 0

		for i := range pending {
			q.process(ctx, pending[i].ID)
		}
	}
}

// next waits up to one poll interval for a dispatched id.
func (q *Queue) next(ctx context.Context) (string, bool) {
	if q.redis == nil {
		timer := time.NewTimer(q.opts.PollInterval)
		defer timer.Stop()
		select {
		case id := <-q.local:
			return id, true
		case <-timer.C:
			return "", false
		case <-ctx.Done():
			return "", false
		}
	}

	select {
	case id := <-q.local:
		return id, true
	default:
	}

	res, err := q.redis.BRPop(ctx, q.opts.PollInterval, q.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			q.logger.Error().Err(err).Msg("Redis BRPOP error")
			sleep(ctx, q.opts.PollInterval)
		}
		return "", false
	}
	if len(res) != 2 {
		return "", false
	}
	return res[1], true
}

func (q *Queue) process(ctx context.Context, id string) {
	job, err := q.store.ClaimJob(ctx, id)
	if err != nil {
		// Another worker got there first, or the row was cleaned up.
		if errors.Is(err, database.ErrInvalidTransition) || errors.Is(err, database.ErrJobNotFound) {
			q.logger.Debug().Err(err).Str("job_id", id).Msg("Job skipped")
			return
		}
		q.logger.Error().Err(err).Str("job_id", id).Msg("Claim job failed")
		return
	}
	q.transitioned(job, models.JobRunning, "")

	result, runErr := q.run(ctx, job)

	if runErr != nil {
		err := q.finish(ctx, job.ID, func(ctx context.Context) error {
			return q.store.FailJob(ctx, job.ID, runErr.Error())
		})
		if err != nil {
			q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Mark job failed")
			return
		}
		q.pushDeadLetter(context.WithoutCancel(ctx), job.ID)
		q.transitioned(job, models.JobFailed, runErr.Error())
		return
	}

	err = q.finish(ctx, job.ID, func(ctx context.Context) error {
		return q.store.CompleteJob(ctx, job.ID, result)
	})
	if err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Mark job completed")
		return
	}
	q.transitioned(job, models.JobCompleted, "")
}

// finish records a terminal outcome, retrying storage errors with the backoff
// policy. The write ignores cancellation of ctx so shutdown cannot lose an
// outcome; once ctx is done the retries stop sleeping. A job whose outcome
// could not be written stays running until the next start fails it.
func (q *Queue) finish(ctx context.Context, id string, write func(context.Context) error) error {
	recordCtx := context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= maxRecordAttempts; attempt++ {
		err = write(recordCtx)
		if err == nil || errors.Is(err, database.ErrInvalidTransition) || errors.Is(err, database.ErrJobNotFound) {
			return err
		}
		if attempt == maxRecordAttempts {
			break
		}
		delay := q.opts.Backoff.NextDelay(attempt)
		q.logger.Warn().Err(err).Str("job_id", id).Int("attempt", attempt).Dur("backoff", delay).Msg("Recording job outcome failed, retrying")
		sleep(ctx, delay)
	}
	return err
}

func (q *Queue) run(ctx context.Context, job *models.Job) (result json.RawMessage, err error) {
	h, ok := q.handler(job.Type)
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", job.Type)
	}

	runCtx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Str("job_id", job.ID).Msg("Job handler panicked")
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	return h(runCtx, job)
}

func (q *Queue) transitioned(job *models.Job, status, errMsg string) {
	metrics.IncJobTransition(job.Type, status)

	event := q.logger.Info()
	if status == models.JobFailed {
		event = q.logger.Warn().Str("error", errMsg)
	}
	event.Str("job_id", job.ID).Str("job_type", job.Type).Str("status", status).Msg("Job status changed")

	eventType := map[string]string{
		models.JobRunning:   events.EventJobRunning,
		models.JobCompleted: events.EventJobCompleted,
		models.JobFailed:    events.EventJobFailed,
	}[status]

	err := q.bus.PublishJSON(eventType, events.JobEventPayload{
		JobID:   job.ID,
		JobType: job.Type,
		SheetID: job.SheetID,
		Status:  status,
		Error:   errMsg,
		At:      time.Now().UTC(),
	})
	if err != nil {
		q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Job event handler failed")
	}
}

func (q *Queue) pushDeadLetter(ctx context.Context, id string) {
	if q.redis == nil {
		return
	}
	if err := q.redis.LPush(ctx, q.deadLetterKey, id).Err(); err != nil {
		q.logger.Warn().Err(err).Str("job_id", id).Msg("Deadletter push failed")
	}
}

// RetryPolicy defines exponential backoff parameters. Jobs themselves are
// never retried; the policy paces the poll loop after storage errors and the
// rewrites of a job outcome.
type RetryPolicy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	d := time.Duration(float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1)))
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
