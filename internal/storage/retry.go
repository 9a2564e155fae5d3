package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"

	logx "batchcast/pkg/logx"
)

const retryAttempts = 3

// retryDelay is the pause before retry attempt n (0-based).
var retryDelay = func(attempt int) time.Duration {
	return time.Duration(1+attempt) * time.Second
}

// IsTransient reports whether err is a connection-class failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) || errors.Is(err, ErrConflict) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, bbolt.ErrTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// WithRetry runs fn and retries transient failures with a linear backoff.
func WithRetry(ctx context.Context, log logx.Logger, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt+1 >= retryAttempts {
			return err
		}
		d := retryDelay(attempt)
		log.Warn("storage op failed, retrying",
			logx.String("op", op),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", d),
			logx.Err(err),
		)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.WithSecondaryError(ctx.Err(), err)
		case <-t.C:
		}
	}
}
