package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one unit of asynchronous work for a stored webhook event.
type Job struct {
	ID           string          `json:"id"`
	Ref          string          `json:"ref,omitempty"`
	Provider     string          `json:"provider"`
	EventType    string          `json:"event_type"`
	RawEventID   uint            `json:"raw_event_id"`
	EventID      string          `json:"event_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       JobStatus       `json:"status"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	StalledCount int             `json:"stalled_count"`
	RunAt        time.Time       `json:"run_at"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	LockToken    string          `json:"lock_token,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	// Ref deduplicates live jobs: while a job with the same ref is waiting,
	// delayed or active, EnqueueUnique returns it instead of adding another.
	Ref         string
	Provider    string
	EventType   string
	RawEventID  uint
	EventID     string
	Payload     json.RawMessage
	MaxAttempts int
}

// Metrics is a snapshot of queue depth and history.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    int64 `json:"paused"`
}

// Handler processes a job. A returned error schedules a retry unless it is
// wrapped with Permanent or the attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// Matcher selects the jobs a handler is responsible for.
type Matcher func(job *Job) bool

// FailedHook runs once a job has failed terminally.
type FailedHook func(ctx context.Context, job *Job, err error)

// CompletedHook runs once a job has completed.
type CompletedHook func(ctx context.Context, job *Job)

// ErrNoHandler is the terminal error for jobs no registered matcher accepts.
var ErrNoHandler = errors.New("no handler registered for job")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable: the job fails terminally right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// CanRetry reports whether another attempt is allowed after a failure.
func (j *Job) CanRetry() bool {
	return j.AttemptsMade < j.MaxAttempts
}

// MarkAsActive records that a worker holds the job until lockedUntil.
func (j *Job) MarkAsActive(token string, lockedUntil time.Time) {
	j.Status = JobStatusActive
	j.LockToken = token
	j.LockedUntil = &lockedUntil
	j.UpdatedAt = time.Now().UTC()
}

// MarkAsDelayed records a failed attempt and the time of the next one.
func (j *Job) MarkAsDelayed(errorMsg string, runAt time.Time) {
	j.Status = JobStatusDelayed
	j.Error = errorMsg
	j.RunAt = runAt
	j.LockToken = ""
	j.LockedUntil = nil
	j.UpdatedAt = time.Now().UTC()
}

// MarkAsFailed records the terminal failure of the job.
func (j *Job) MarkAsFailed(errorMsg string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.Error = errorMsg
	j.LockToken = ""
	j.LockedUntil = nil
	j.UpdatedAt = now
	j.FinishedAt = &now
}

// MarkAsCompleted records the successful end of the job.
func (j *Job) MarkAsCompleted() {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.Error = ""
	j.LockToken = ""
	j.LockedUntil = nil
	j.UpdatedAt = now
	j.FinishedAt = &now
}
