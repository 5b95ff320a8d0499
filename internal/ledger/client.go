package ledger

import (
	"context"
	"math/big"
)

// Client is the engine's boundary to the DevConnect contract. The contract
// is the system of record for registration, escrow and event truth; the
// engine performs no accounting of its own.
type Client interface {
	// Write operations. Each returns the transaction hash on successful
	// submission or ErrSubmissionRejected / ErrProviderUnavailable.
	RegisterDeveloper(ctx context.Context, name, expertise string, rateWei *big.Int) (TxHash, error)
	BookCall(ctx context.Context, developer Address, amountWei *big.Int) (TxHash, error)
	RespondToCallRequest(ctx context.Context, requestID int64, accept bool) (TxHash, error)
	ToggleAvailability(ctx context.Context) (TxHash, error)
	CompleteCall(ctx context.Context, callID int64, durationSec int64) (TxHash, error)

	// WaitMined blocks until the transaction is mined or ctx expires.
	// Returns nil on success, ErrConfirmationFailed when reverted.
	WaitMined(ctx context.Context, h TxHash) error

	// Read operations.
	DeveloperCount(ctx context.Context) (int64, error)
	DeveloperAddress(ctx context.Context, index int64) (Address, error)
	DeveloperDetails(ctx context.Context, addr Address) (Developer, error)
	IsDeveloper(ctx context.Context, addr Address) (bool, error)
	BlockNumber(ctx context.Context) (uint64, error)

	// FilterEvents returns contract events from fromBlock (inclusive) to the
	// latest block, plus that latest block number. Backs the poll feed.
	FilterEvents(ctx context.Context, fromBlock uint64) ([]Event, uint64, error)

	// SubscribeEvents opens a live log subscription. The returned channel is
	// closed when the subscription dies or ctx is cancelled; the caller is
	// expected to resubscribe.
	SubscribeEvents(ctx context.Context) (<-chan Event, error)

	// Account returns the local signing account the node controls.
	Account() Address
}
