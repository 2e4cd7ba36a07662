package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// writeAttempts bounds retries of a single logical write on transient
// database errors. Lock-skips are not errors and are not retried here.
const writeAttempts = 5

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// IsTransientError reports whether a database error is worth retrying:
// serialization failures, deadlocks, lock and statement timeouts, and
// connection-class failures. Everything else (constraint violations, bad
// SQL, context cancellation) is permanent from the caller's view.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled (statement_timeout)
			return true
		}
		// Class 08: connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// withTransientRetry runs fn up to attempts times, backing off between
// transient failures. Non-transient errors return immediately.
func withTransientRetry[T any](ctx context.Context, op string, attempts int, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !IsTransientError(err) || ctx.Err() != nil {
			return zero, err
		}

		delay := retryBaseDelay << (attempt - 1)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		slog.Warn("transient database error, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, lastErr
		}
	}
	return zero, fmt.Errorf("%s: %d attempts exhausted: %w", op, attempts, lastErr)
}
