package cmd

import (
	"context"

	"github.com/dukex/taskflow/pkg/lock"
)

// NewLocker returns the Redis locker when redisURL is set and the in-memory one otherwise.
// The returned close function releases the Redis connection.
func NewLocker(ctx context.Context, redisURL string) (lock.Locker, func() error, error) {
	if redisURL == "" {
		return lock.NewMemory(), func() error { return nil }, nil
	}

	locker, err := lock.NewRedisFromURL(ctx, redisURL)
	if err != nil {
		return nil, nil, err
	}

	return locker, locker.Close, nil
}
