package jobqueue

import (
	"time"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
)

const (
	DefaultPrefix               = "webhook"
	DefaultMaxAttempts          = 10
	DefaultBackoffBase          = 5 * time.Second
	DefaultBackoffMax           = time.Hour
	DefaultJobTimeout           = 2 * time.Minute
	DefaultStalledCheckInterval = 30 * time.Second
	DefaultMaxStalledCount      = 3
	DefaultLockDuration         = 2 * time.Minute
	DefaultWorkers              = 5
	DefaultPollInterval         = time.Second
	DefaultKeepCompleted        = 1000
	DefaultKeepFailed           = 1000
	DefaultFailedTTL            = 7 * 24 * time.Hour
)

// Options configures a Queue. Zero values fall back to the defaults above.
type Options struct {
	Prefix               string
	MaxAttempts          int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	JobTimeout           time.Duration
	StalledCheckInterval time.Duration
	MaxStalledCount      int
	LockDuration         time.Duration
	LockRenewInterval    time.Duration
	Workers              int
	PollInterval         time.Duration
	KeepCompleted        int
	KeepFailed           int
	FailedTTL            time.Duration
}

// OptionsFromEnv reads the QUEUE_* variables.
func OptionsFromEnv() Options {
	return Options{
		Prefix:               env.GetEnv("QUEUE_PREFIX", DefaultPrefix),
		MaxAttempts:          env.GetEnvInt("QUEUE_MAX_ATTEMPTS", DefaultMaxAttempts),
		BackoffBase:          env.GetEnvDuration("QUEUE_BACKOFF_BASE", DefaultBackoffBase),
		BackoffMax:           env.GetEnvDuration("QUEUE_BACKOFF_MAX", DefaultBackoffMax),
		JobTimeout:           env.GetEnvDuration("QUEUE_JOB_TIMEOUT", DefaultJobTimeout),
		StalledCheckInterval: env.GetEnvDuration("QUEUE_STALLED_CHECK_INTERVAL", DefaultStalledCheckInterval),
		MaxStalledCount:      env.GetEnvInt("QUEUE_MAX_STALLED_COUNT", DefaultMaxStalledCount),
		LockDuration:         env.GetEnvDuration("QUEUE_LOCK_DURATION", DefaultLockDuration),
		LockRenewInterval:    env.GetEnvDuration("QUEUE_LOCK_RENEW_INTERVAL", 0),
		Workers:              env.GetEnvInt("QUEUE_WORKERS", DefaultWorkers),
		PollInterval:         env.GetEnvDuration("QUEUE_POLL_INTERVAL", DefaultPollInterval),
		KeepCompleted:        env.GetEnvInt("QUEUE_KEEP_COMPLETED", DefaultKeepCompleted),
		KeepFailed:           env.GetEnvInt("QUEUE_KEEP_FAILED", DefaultKeepFailed),
		FailedTTL:            env.GetEnvDuration("QUEUE_FAILED_TTL", DefaultFailedTTL),
	}
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.StalledCheckInterval <= 0 {
		o.StalledCheckInterval = DefaultStalledCheckInterval
	}
	if o.MaxStalledCount <= 0 {
		o.MaxStalledCount = DefaultMaxStalledCount
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	if o.LockRenewInterval <= 0 || o.LockRenewInterval >= o.LockDuration {
		o.LockRenewInterval = o.LockDuration / 2
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = DefaultKeepCompleted
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = DefaultKeepFailed
	}
	if o.FailedTTL <= 0 {
		o.FailedTTL = DefaultFailedTTL
	}
	return o
}

// Backoff returns the delay before the attempt following the given number of
// failed attempts: base, 2*base, 4*base ... capped at BackoffMax.
func (o Options) Backoff(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := o.BackoffBase
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
		if delay >= o.BackoffMax {
			return o.BackoffMax
		}
	}
	if delay > o.BackoffMax {
		return o.BackoffMax
	}
	return delay
}
