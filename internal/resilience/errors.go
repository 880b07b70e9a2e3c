// Package resilience classifies failures and retries the transient ones.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError explicitly marks an error as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// Postgres SQLSTATE codes that indicate infrastructure trouble rather than a
// problem with the data being written.
func isTransientSQLState(code string) bool {
	if strings.HasPrefix(code, "08") { // connection exceptions
		return true
	}
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"53300", // too_many_connections
		"57014", // query_canceled (statement timeout)
		"57P03": // cannot_connect_now
		return true
	}
	return false
}

// IsTransient reports whether the error (or anything in its chain) looks like
// a temporary infrastructure failure: retrying without touching the input may
// succeed. Data-shape failures (constraint violations, malformed input) are
// never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientSQLState(pgErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	// String heuristics for errors wrapped by drivers that hide their types.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"i/o timeout",
		"conn closed",
		"server closed idle connection",
		"database is locked", // SQLITE_BUSY
		"database table is locked",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ClassifyError categorizes an error as "transient" or "permanent" for
// operator-facing quarantine reasons.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
