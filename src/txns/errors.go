package txns

import "github.com/go-faster/errors"

var (
	// ErrTxnAborted marks every lock failure after which the transaction
	// must be rolled back and may be retried.
	ErrTxnAborted = errors.New("transaction aborted")

	ErrDeadlock   = errors.Wrap(ErrTxnAborted, "deadlock detected")
	ErrStarvation = errors.Wrap(ErrTxnAborted, "shared lock refused to a waiting writer")
)
