package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// YieldAdapter invests deal principal with an external yield source.
// The escrow ledger is its only caller.
type YieldAdapter interface {
	// Address is the spender the ledger approves before Deposit.
	Address() common.Address

	// Deposit pulls amount from the deal's custody account.
	// Fails with ALREADY_DEPOSITED or UNAUTHORIZED.
	Deposit(ctx context.Context, caller common.Address, dealID uint64, amount *uint256.Int) error

	// Withdraw closes the position and pays principal plus yield back to the
	// deal's custody account. Fails with NO_ACTIVE_DEPOSIT.
	Withdraw(ctx context.Context, caller common.Address, dealID uint64) (*uint256.Int, error)

	// AccruedYield is read-only.
	AccruedYield(ctx context.Context, dealID uint64) (*uint256.Int, error)
}

// BridgeRequest is the opaque payout instruction handed to a bridge.
type BridgeRequest struct {
	DealID      uint64
	Payer       common.Address // account that approved the bridge
	Recipient   common.Address
	Asset       domain.Asset
	RoutingData []byte
}

// ErrBridgeOutcomeUnknown marks a Bridge error after which the transfer may
// still be delivered. Funds drawn for it must not be returned to the payer.
var ErrBridgeOutcomeUnknown = errors.New("bridge transfer outcome unknown")

// BridgeFacility draws exactly the approved amount from the payer or fails.
// The engine never trusts the return value; it measures the payer's balance.
//
// Any other error from Bridge means the transfer will not be delivered.
type BridgeFacility interface {
	Address() common.Address
	Bridge(ctx context.Context, req BridgeRequest) (transferID string, err error)

	// Return sends amount drawn for req back to req.Payer. The engine calls
	// it when a draw did not match the approval or the transfer failed.
	Return(ctx context.Context, req BridgeRequest, amount *uint256.Int) error
}

// SwapHook converts a yield amount into the recipient's preferred asset.
type SwapHook interface {
	Address() common.Address
	SettleWithSwap(ctx context.Context, caller common.Address, req domain.SwapRequest) (*uint256.Int, error)
}

// LiquidityFacility is the pooled-liquidity venue behind the swap hook. It
// computes the output only during the exchange, hence the two phases.
type LiquidityFacility interface {
	Address() common.Address

	// RequestSwap declares an exact-input swap and returns the signed delta.
	RequestSwap(ctx context.Context, key domain.PoolKey, zeroForOne bool, amountIn *uint256.Int) (*domain.PendingSwap, error)

	// SettleSwap pulls the owed input from payer and delivers the output to
	// recipient. Consumes the pending swap.
	SettleSwap(ctx context.Context, p *domain.PendingSwap, payer, recipient common.Address) (*uint256.Int, error)

	// CancelSwap discards a pending swap without moving funds.
	CancelSwap(ctx context.Context, p *domain.PendingSwap) error
}
