package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
)

// Error taxonomy for the Store Gateway. Callers branch on these with
// errors.Is and never inspect driver errors directly.
var (
	// ErrNotFound: the referenced row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict: a compare-and-set transition found a different current
	// state. Under redelivery this is the normal duplicate-suppression path.
	ErrConflict = errors.New("store: state conflict")
	// ErrConstraint: a domain invariant was violated (check constraint,
	// foreign key). Indicates a logic bug or malformed input, not retriable.
	ErrConstraint = errors.New("store: constraint violated")
	// ErrTransient: connectivity or timeout; the operation may succeed on
	// retry and the enclosing message should be nacked for redelivery.
	ErrTransient = errors.New("store: transient failure")
)

// classify maps driver-level errors onto the gateway taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransient
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity_constraint_violation
			return ErrConstraint
		case "08", "57": // connection_exception, operator_intervention
			return ErrTransient
		case "40": // transaction_rollback (serialization, deadlock)
			return ErrTransient
		}
	}
	return err
}
