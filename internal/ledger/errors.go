package ledger

import "errors"

// Failure taxonomy for contract interaction. Callers classify with
// errors.Is.
var (
	// ErrSubmissionRejected means the wallet/node refused the write before a
	// transaction hash existed (user cancel, insufficient funds, bad nonce).
	// Not retried; no pending transaction is retained.
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrConfirmationFailed means the transaction was mined but reverted.
	ErrConfirmationFailed = errors.New("transaction reverted")

	// ErrProviderUnavailable is a transport-level RPC failure; the poll feed
	// retries with backoff and the push feed resubscribes.
	ErrProviderUnavailable = errors.New("ledger provider unavailable")

	// ErrUnknownRequest marks an event referencing a request id the engine
	// has never observed as requested.
	ErrUnknownRequest = errors.New("unknown request reference")
)
