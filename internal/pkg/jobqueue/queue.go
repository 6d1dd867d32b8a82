package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const stalledBatchSize = 100

// ErrStalled is the terminal error of a job that stalled too often.
var ErrStalled = errors.New("job stalled too many times")

type keys struct {
	prefix string
}

func (k keys) job(id string) string  { return k.prefix + ":job:" + id }
func (k keys) ref(ref string) string { return k.prefix + ":jobref:" + ref }
func (k keys) lock(id string) string { return k.lockPrefix() + id }
func (k keys) lockPrefix() string    { return k.prefix + ":lock:" }
func (k keys) list(name string) string {
	return k.prefix + ":jobs:" + name
}

type registration struct {
	match   Matcher
	handler Handler
}

// Queue is a durable Redis-backed job queue with retries, exponential
// backoff, lock renewal and stalled job recovery.
type Queue struct {
	client *redis.Client
	opts   Options
	keys   keys
	now    func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	handlers    []registration
	onFailed    []FailedHook
	onCompleted []CompletedHook
}

// NewQueue creates a queue on client. Workers start with Start.
func NewQueue(client *redis.Client, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		client: client,
		opts:   opts,
		keys:   keys{prefix: opts.Prefix},
		now:    func() time.Time { return time.Now().UTC() },
		stopCh: make(chan struct{}),
	}
}

// Options returns the effective options.
func (q *Queue) Options() Options {
	return q.opts
}

// RegisterHandler adds a handler for the jobs matcher accepts. The first
// matching registration wins. A nil matcher accepts every job.
func (q *Queue) RegisterHandler(matcher Matcher, handler Handler) {
	if matcher == nil {
		matcher = func(*Job) bool { return true }
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, registration{match: matcher, handler: handler})
}

// OnFailed registers a hook for terminal failures.
func (q *Queue) OnFailed(h FailedHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailed = append(q.onFailed, h)
}

// OnCompleted registers a hook for completed jobs.
func (q *Queue) OnCompleted(h CompletedHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onCompleted = append(q.onCompleted, h)
}

// Start starts the workers and the scheduler that promotes delayed jobs and
// recovers stalled ones.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.opts.Workers)

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.scheduler()
}

// IsRunning reports whether workers are running.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Close stops fetching new jobs and waits for in-flight jobs until ctx is
// done. Jobs still running after that keep their lock until it expires and
// are then recovered by the stalled check of another process.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("[JobQueue] All workers stopped")
		return nil
	case <-ctx.Done():
		log.Warnf("[JobQueue] Close deadline reached with jobs still in flight: %v", ctx.Err())
		return ctx.Err()
	}
}

// Enqueue adds a job without deduplication.
func (q *Queue) Enqueue(ctx context.Context, spec JobSpec) (*Job, error) {
	spec.Ref = ""
	job, _, err := q.enqueue(ctx, spec)
	return job, err
}

// EnqueueUnique adds a job unless a live job with the same ref exists, in
// which case that job is returned and created is false.
func (q *Queue) EnqueueUnique(ctx context.Context, spec JobSpec) (*Job, bool, error) {
	if spec.Ref == "" {
		return nil, false, errors.New("job ref is required")
	}
	return q.enqueue(ctx, spec)
}

func (q *Queue) enqueue(ctx context.Context, spec JobSpec) (*Job, bool, error) {
	now := q.now()
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}
	job := &Job{
		ID:          uuid.New().String(),
		Ref:         spec.Ref,
		Provider:    spec.Provider,
		EventType:   spec.EventType,
		RawEventID:  spec.RawEventID,
		EventID:     spec.EventID,
		Payload:     spec.Payload,
		Status:      JobStatusWaiting,
		MaxAttempts: maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal job: %w", err)
	}

	id, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.job(job.ID), q.keys.list("waiting"), q.keys.ref(spec.Ref), q.keys.list("state"), q.keys.list("stats")},
		job.ID, data, spec.Ref,
	).Text()
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	if id != job.ID {
		existing, err := q.GetJob(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing job %s: %w", id, err)
		}
		log.Debugf("[JobQueue] Job for ref %s already queued as %s", spec.Ref, id)
		return existing, false, nil
	}

	log.Infof("[JobQueue] Enqueued job %s (%s/%s event=%s)", job.ID, job.Provider, job.EventType, job.EventID)
	return job, true, nil
}

// GetJob loads a job. Placement and stalled count come from the queue
// bookkeeping, which is more current than the stored blob.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	pipe := q.client.Pipeline()
	dataCmd := pipe.Get(ctx, q.keys.job(jobID))
	stateCmd := pipe.HGet(ctx, q.keys.list("state"), jobID)
	stalledCmd := pipe.HGet(ctx, q.keys.list("stalled"), jobID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	data, err := dataCmd.Result()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if state, err := stateCmd.Result(); err == nil {
		if state == "failing" {
			job.Status = JobStatusFailed
		} else {
			job.Status = JobStatus(state)
		}
	}
	if n, err := stalledCmd.Int(); err == nil {
		job.StalledCount = n
	}
	return &job, nil
}

// ListFailed returns the most recent terminally failed jobs still retained.
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.LRange(ctx, q.keys.list("failed"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Pause stops workers from taking new jobs. Enqueue keeps working.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, q.keys.list("paused"), "1", 0).Err(); err != nil {
		return err
	}
	log.Info("[JobQueue] Queue paused")
	return nil
}

// Resume undoes Pause.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.keys.list("paused")).Err(); err != nil {
		return err
	}
	log.Info("[JobQueue] Queue resumed")
	return nil
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.keys.list("paused")).Result()
	return n > 0, err
}

// GetMetrics returns the current queue depth. While paused, waiting jobs are
// reported as Paused.
func (q *Queue) GetMetrics(ctx context.Context) (*Metrics, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.keys.list("waiting"))
	delayed := pipe.ZCard(ctx, q.keys.list("delayed"))
	active := pipe.ZCard(ctx, q.keys.list("active"))
	stats := pipe.HGetAll(ctx, q.keys.list("stats"))
	paused := pipe.Exists(ctx, q.keys.list("paused"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	m := &Metrics{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
	}
	counters := stats.Val()
	m.Completed, _ = strconv.ParseInt(counters["completed"], 10, 64)
	m.Failed, _ = strconv.ParseInt(counters["failed"], 10, 64)
	if paused.Val() > 0 {
		m.Paused = m.Waiting
		m.Waiting = 0
	}
	return m, nil
}

// PromoteDelayed moves delayed jobs whose run time has come to waiting.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.keys.list("delayed"), q.keys.list("waiting"), q.keys.list("state")},
		q.now().UnixMilli(), stalledBatchSize,
	).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debugf("[JobQueue] Promoted %d delayed jobs", n)
	}
	return n, nil
}

// CheckStalled re-queues active jobs whose lock expired and fails the ones
// that stalled more than MaxStalledCount times.
func (q *Queue) CheckStalled(ctx context.Context) (requeued int, failed int, err error) {
	res, err := stalledScript.Run(ctx, q.client,
		[]string{q.keys.list("active"), q.keys.list("waiting"), q.keys.list("state"), q.keys.list("stalled")},
		q.now().UnixMilli(), stalledBatchSize, q.keys.lockPrefix(), q.opts.MaxStalledCount,
	).StringSlice()
	if err != nil {
		return 0, 0, err
	}

	exhausted := false
	for _, id := range res {
		if id == "|" {
			exhausted = true
			continue
		}
		if !exhausted {
			log.Warnf("[JobQueue] Recovered stalled job %s", id)
			requeued++
			continue
		}

		job, err := q.GetJob(ctx, id)
		if err != nil {
			log.Errorf("[JobQueue] Stalled job %s could not be loaded: %v", id, err)
			_ = q.client.HDel(ctx, q.keys.list("state"), id).Err()
			continue
		}
		stallErr := fmt.Errorf("%w (%d)", ErrStalled, q.opts.MaxStalledCount)
		log.Errorf("[JobQueue] Job %s (event=%s) stalled more than %d times", job.ID, job.EventID, q.opts.MaxStalledCount)
		if q.fail(ctx, job, "", stallErr) {
			failed++
		}
	}
	return requeued, failed, nil
}

func (q *Queue) scheduler() {
	defer q.wg.Done()
	ctx := context.Background()

	promote := time.NewTicker(q.opts.PollInterval)
	defer promote.Stop()
	stalled := time.NewTicker(q.opts.StalledCheckInterval)
	defer stalled.Stop()

	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Scheduler stopping")
			return
		case <-promote.C:
			if _, err := q.PromoteDelayed(ctx); err != nil {
				log.Errorf("[JobQueue] Promote delayed jobs failed: %v", err)
			}
		case <-stalled.C:
			if _, _, err := q.CheckStalled(ctx); err != nil {
				log.Errorf("[JobQueue] Stalled check failed: %v", err)
			}
		}
	}
}

func (q *Queue) saveJob(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, q.keys.job(job.ID), data, 0).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}
