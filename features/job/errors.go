package job

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStatusChanged means a compare-and-swap lost against a concurrent writer.
	ErrStatusChanged    = errors.New("job status changed concurrently")
	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrInvalidCursor    = errors.New("invalid cursor")
)

// transient pq error classes: connection exception, insufficient resources, operator intervention.
var transientClasses = map[pq.ErrorClass]bool{
	"08": true,
	"53": true,
	"57": true,
}

// classify maps driver errors onto the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientClasses[pqErr.Code.Class()]
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
