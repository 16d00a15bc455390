package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Asset identifies a fungible token by symbol (e.g. "USDC", "WETH").
type Asset string

// PoolKey routes a swap to one pool of the liquidity facility.
// Currency0 sorts before Currency1.
type PoolKey struct {
	Currency0   Asset
	Currency1   Asset
	Fee         uint32 // hundredths of a bip
	TickSpacing int32
	Hooks       common.Address
}

// NewPoolKey orders a and b into a valid key.
func NewPoolKey(a, b Asset, fee uint32, tickSpacing int32, hooks common.Address) PoolKey {
	if b < a {
		a, b = b, a
	}
	return PoolKey{Currency0: a, Currency1: b, Fee: fee, TickSpacing: tickSpacing, Hooks: hooks}
}

// Validate checks ordering and distinctness.
func (k PoolKey) Validate() error {
	if k.Currency0 == "" || k.Currency1 == "" {
		return fmt.Errorf("pool key: empty currency")
	}
	if k.Currency0 >= k.Currency1 {
		return fmt.Errorf("pool key: currencies not sorted: %s >= %s", k.Currency0, k.Currency1)
	}
	return nil
}

// Contains reports whether asset is one side of the pool.
func (k PoolKey) Contains(asset Asset) bool {
	return k.Currency0 == asset || k.Currency1 == asset
}

// ZeroForOne reports whether selling `in` means swapping currency0 for
// currency1.
func (k PoolKey) ZeroForOne(in Asset) bool {
	return k.Currency0 == in
}

// String renders the key for logs.
func (k PoolKey) String() string {
	return fmt.Sprintf("%s/%s fee=%d", k.Currency0, k.Currency1, k.Fee)
}

// BalanceDelta is the signed amount each side owes after the request phase.
// Negative: owed by the swapper to the facility. Positive: owed to the swapper.
type BalanceDelta struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// InputOwed returns the input amount the swapper must pay.
func (d BalanceDelta) InputOwed(zeroForOne bool) (*uint256.Int, error) {
	v := d.Amount1
	if zeroForOne {
		v = d.Amount0
	}
	if v == nil || v.Sign() > 0 {
		return nil, fmt.Errorf("balance delta: input side is not negative")
	}
	owed, overflow := uint256.FromBig(new(big.Int).Neg(v))
	if overflow {
		return nil, fmt.Errorf("balance delta: input overflows uint256")
	}
	return owed, nil
}

// OutputDue returns the output amount the facility will deliver.
func (d BalanceDelta) OutputDue(zeroForOne bool) (*uint256.Int, error) {
	v := d.Amount0
	if zeroForOne {
		v = d.Amount1
	}
	if v == nil || v.Sign() < 0 {
		return nil, fmt.Errorf("balance delta: output side is negative")
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("balance delta: output overflows uint256")
	}
	return out, nil
}

// SwapRequest asks the swap hook to convert Amount of the settlement asset
// into PreferredAsset for Recipient. Sender is where the input is returned if
// the swap does not complete.
type SwapRequest struct {
	DealID         uint64
	Sender         common.Address
	Recipient      common.Address
	Amount         *uint256.Int
	PreferredAsset Asset
}

// PendingSwap is the result of the request phase. It must be settled or
// cancelled exactly once; the facility rejects any second use.
type PendingSwap struct {
	ID         string
	Key        PoolKey
	ZeroForOne bool
	AmountIn   *uint256.Int
	Delta      BalanceDelta
}
