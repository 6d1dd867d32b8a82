package archive

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
)

// Config holds the S3 archive configuration.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // optional, for S3 compatible services
	Enabled         bool

	// After is how long a settled event stays in the ledger untouched.
	After     time.Duration
	BatchSize int
	// PrunePayload clears the payload of archived processed events.
	PrunePayload bool
}

// LoadConfig loads the archive configuration from the environment.
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-west-001"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Enabled:         env.GetEnvBool("ARCHIVE_ENABLED", false),
		After:           env.GetEnvDuration("ARCHIVE_AFTER", 30*24*time.Hour),
		BatchSize:       env.GetEnvInt("ARCHIVE_BATCH_SIZE", 200),
		PrunePayload:    env.GetEnvBool("ARCHIVE_PRUNE_PAYLOAD", true),
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the archive is enabled")
		}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	return config, nil
}

// ObjectKey returns the archive key of an event:
// webhooks/<provider>/<yyyy>/<mm>/<dd>/<event_id>.json
func ObjectKey(provider, eventID string, receivedAt time.Time) string {
	t := receivedAt.UTC()
	return fmt.Sprintf("webhooks/%s/%04d/%02d/%02d/%s.json", provider, t.Year(), int(t.Month()), t.Day(), sanitizeKey(eventID))
}

// sanitizeKey keeps keys readable; synthesized ids contain a colon.
func sanitizeKey(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
