package splitter

import "errors"

// The four error classes callers must distinguish: configuration errors
// reject the whole ledger at construction, precondition errors leave state
// untouched and are retryable once the precondition changes, the concurrency
// error must not be retried from the same call stack, and the transfer error
// guarantees the counters were reverted before it was returned.
var (
	// ErrInvalidConfiguration rejects a roster that is empty, repeats a
	// payee, carries a zero address or zero share, or a non-positive cap.
	ErrInvalidConfiguration = errors.New("splitter: invalid configuration")
	// ErrNotAParticipant is returned when the address holds no share.
	ErrNotAParticipant = errors.New("splitter engine: not a participant")
	// ErrNothingDue is returned when the unclaimed entitlement is zero.
	ErrNothingDue = errors.New("splitter engine: nothing due")
	// ErrCapExhausted is returned once totalReleased has reached the
	// repayment cap; it is permanent for the life of the ledger.
	ErrCapExhausted = errors.New("splitter engine: repayment cap exhausted")
	// ErrReentrantWithdrawal is returned to any withdrawal that arrives
	// while another withdrawal on the same ledger has not completed.
	ErrReentrantWithdrawal = errors.New("splitter engine: withdrawal already in progress")
	// ErrTransferFailed is returned when the value transfer was rejected;
	// the ledger counters were rolled back before returning.
	ErrTransferFailed = errors.New("splitter engine: transfer failed")
	// ErrInvalidAmount rejects nil or negative deposit amounts.
	ErrInvalidAmount = errors.New("splitter engine: amount must be non-negative")
)

var (
	errNilState         = errors.New("splitter engine: state not configured")
	errLedgerNotFound   = errors.New("splitter engine: ledger not initialised")
	errVaultNotSet      = errors.New("splitter engine: pool vault not configured")
	errVaultUnderfunded = errors.New("splitter engine: pool vault underfunded")
	errRollbackFailed   = errors.New("splitter engine: rollback failed")
)
