package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// worker fetches and processes jobs until the queue is closed
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Debugf("[JobQueue] Worker %d started", id)

	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Debugf("[JobQueue] Worker %d stopping", id)
			return
		default:
		}

		job, token, err := q.fetch(ctx)
		if err != nil {
			log.Errorf("[JobQueue] Worker %d: Error fetching job: %v", id, err)
		}
		if job == nil {
			if !q.idle() {
				return
			}
			continue
		}

		log.Debugf("[JobQueue] Worker %d processing job %s (%s/%s attempt %d/%d)",
			id, job.ID, job.Provider, job.EventType, job.AttemptsMade+1, job.MaxAttempts)
		q.processJob(ctx, job, token)
	}
}

// idle waits one poll interval. It returns false when the queue is closing.
func (q *Queue) idle() bool {
	t := time.NewTimer(q.opts.PollInterval)
	defer t.Stop()
	select {
	case <-q.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// fetch takes the next waiting job and locks it for this worker.
func (q *Queue) fetch(ctx context.Context) (*Job, string, error) {
	token := uuid.New().String()
	lockedUntil := q.now().Add(q.opts.LockDuration)

	id, err := fetchScript.Run(ctx, q.client,
		[]string{q.keys.list("waiting"), q.keys.list("active"), q.keys.list("paused"), q.keys.list("state")},
		lockedUntil.UnixMilli(), token, q.opts.LockDuration.Milliseconds(), q.keys.lockPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		// Job data missing or unreadable; drop it from the active set
		pipe := q.client.Pipeline()
		pipe.ZRem(ctx, q.keys.list("active"), id)
		pipe.Del(ctx, q.keys.lock(id))
		pipe.HDel(ctx, q.keys.list("state"), id)
		_, _ = pipe.Exec(ctx)
		return nil, "", fmt.Errorf("job data not usable for ID %s: %w", id, err)
	}

	job.MarkAsActive(token, lockedUntil)
	q.saveJob(ctx, job)
	return job, token, nil
}

func (q *Queue) handlerFor(job *Job) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, reg := range q.handlers {
		if reg.match(job) {
			return reg.handler
		}
	}
	return nil
}

// processJob runs the handler and settles the job
func (q *Queue) processJob(ctx context.Context, job *Job, token string) {
	handler := q.handlerFor(job)
	if handler == nil {
		job.AttemptsMade++
		q.fail(ctx, job, token, ErrNoHandler)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	renewDone := make(chan struct{})
	go q.renewLock(jobCtx, job.ID, token, renewDone)

	err := runHandler(jobCtx, handler, job)
	close(renewDone)
	cancel()

	if err == nil {
		q.complete(ctx, job, token)
		return
	}

	job.AttemptsMade++
	if IsPermanent(err) || !job.CanRetry() {
		log.Errorf("[JobQueue] Job %s (event=%s) failed permanently after %d attempts: %v",
			job.ID, job.EventID, job.AttemptsMade, err)
		q.fail(ctx, job, token, err)
		return
	}
	q.retry(ctx, job, token, err)
}

func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// renewLock extends the job lock until done is closed, the job deadline
// passes or the lock is lost. A handler that outlives its deadline lets the
// lock expire, so the stalled check recovers the job.
func (q *Queue) renewLock(jobCtx context.Context, jobID, token string, done <-chan struct{}) {
	ticker := time.NewTicker(q.opts.LockRenewInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-done:
			return
		case <-jobCtx.Done():
			if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
				log.Warnf("[JobQueue] Job %s exceeded its %s timeout, no longer renewing its lock", jobID, q.opts.JobTimeout)
			}
			return
		case <-ticker.C:
			lockedUntil := q.now().Add(q.opts.LockDuration)
			ok, err := renewScript.Run(ctx, q.client,
				[]string{q.keys.lock(jobID), q.keys.list("active")},
				token, q.opts.LockDuration.Milliseconds(), lockedUntil.UnixMilli(), jobID,
			).Int()
			if err != nil {
				log.Errorf("[JobQueue] Failed to renew lock of job %s: %v", jobID, err)
				continue
			}
			if ok == 0 {
				log.Warnf("[JobQueue] Lost lock of job %s", jobID)
				return
			}
		}
	}
}

func (q *Queue) complete(ctx context.Context, job *Job, token string) {
	ok, err := completeScript.Run(ctx, q.client,
		[]string{
			q.keys.lock(job.ID), q.keys.list("active"), q.keys.job(job.ID), q.keys.ref(job.Ref),
			q.keys.list("completed"), q.keys.list("stats"), q.keys.list("state"), q.keys.list("stalled"),
		},
		token, job.ID, q.opts.KeepCompleted,
	).Int()
	if err != nil {
		log.Errorf("[JobQueue] Failed to complete job %s: %v", job.ID, err)
		return
	}
	if ok == 0 {
		log.Warnf("[JobQueue] Job %s finished after losing its lock; result left to the new owner", job.ID)
		return
	}

	job.MarkAsCompleted()
	log.Debugf("[JobQueue] Job %s completed", job.ID)

	q.mu.Lock()
	hooks := append([]CompletedHook(nil), q.onCompleted...)
	q.mu.Unlock()
	for _, h := range hooks {
		h(ctx, job)
	}
}

func (q *Queue) retry(ctx context.Context, job *Job, token string, cause error) {
	delay := q.opts.Backoff(job.AttemptsMade)
	runAt := q.now().Add(delay)
	job.MarkAsDelayed(cause.Error(), runAt)

	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	ok, err := retryScript.Run(ctx, q.client,
		[]string{q.keys.lock(job.ID), q.keys.list("active"), q.keys.job(job.ID), q.keys.list("delayed"), q.keys.list("stats"), q.keys.list("state")},
		token, job.ID, data, runAt.UnixMilli(),
	).Int()
	if err != nil {
		log.Errorf("[JobQueue] Failed to reschedule job %s: %v", job.ID, err)
		return
	}
	if ok == 0 {
		log.Warnf("[JobQueue] Job %s failed after losing its lock; not rescheduled", job.ID)
		return
	}
	log.Infof("[JobQueue] Retrying job %s (event=%s) in %s (attempt %d/%d): %v",
		job.ID, job.EventID, delay, job.AttemptsMade, job.MaxAttempts, cause)
}

// fail settles a job as terminally failed. An empty token skips the lock
// check for jobs already taken out of the active set.
func (q *Queue) fail(ctx context.Context, job *Job, token string, cause error) bool {
	job.MarkAsFailed(cause.Error())

	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return false
	}
	ok, err := failScript.Run(ctx, q.client,
		[]string{
			q.keys.lock(job.ID), q.keys.list("active"), q.keys.job(job.ID), q.keys.ref(job.Ref),
			q.keys.list("failed"), q.keys.list("stats"), q.keys.list("state"), q.keys.list("stalled"),
		},
		token, job.ID, data, int64(q.opts.FailedTTL.Seconds()), q.opts.KeepFailed,
	).Int()
	if err != nil {
		log.Errorf("[JobQueue] Failed to settle failed job %s: %v", job.ID, err)
		return false
	}
	if ok == 0 {
		log.Warnf("[JobQueue] Job %s failed after losing its lock; left to the new owner", job.ID)
		return false
	}

	q.mu.Lock()
	hooks := append([]FailedHook(nil), q.onFailed...)
	q.mu.Unlock()
	for _, h := range hooks {
		h(ctx, job, cause)
	}
	return true
}
