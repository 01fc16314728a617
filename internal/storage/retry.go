package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	insertRetries   = 2
	insertBaseDelay = 50 * time.Millisecond
)

// isTransient reports whether a Postgres error is worth retrying: conflicts
// between transactions and dropped or refused connections.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return pgconn.SafeToRetry(err)
	}
	switch {
	case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization_failure, deadlock_detected
		return true
	case strings.HasPrefix(pgErr.Code, "08"): // connection_exception class
		return true
	case pgErr.Code == "57P01": // admin_shutdown
		return true
	default:
		return false
	}
}

// withRetry runs fn, retrying up to maxRetries times on transient errors with
// jittered exponential backoff starting at baseDelay.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isTransient(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter needs no crypto randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
