package liquidity

// facility.go: simulated pooled-liquidity venue.
//
// Pools quote a fixed rate: whole units of the quote currency per whole unit
// of the pool's base currency, net of fees. Selling base multiplies by the
// rate, buying it divides, so neither direction loses a unit to an inverted
// rate. The facility holds reserves of both currencies in
// its own account and only learns the output of a swap while executing the
// request phase; the caller then settles the pending swap in a second step.

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/alejandrodnm/restless/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Facility implements ports.LiquidityFacility.
type Facility struct {
	address common.Address
	tokens  ports.TokenRegistry

	mu      sync.Mutex
	pools   map[domain.PoolKey]pool
	pending map[string]domain.PendingSwap
}

type pool struct {
	base domain.Asset
	rate decimal.Decimal
}

// NewFacility creates a facility whose reserves live at address.
func NewFacility(address common.Address, tokens ports.TokenRegistry) *Facility {
	return &Facility{
		address: address,
		tokens:  tokens,
		pools:   make(map[domain.PoolKey]pool),
		pending: make(map[string]domain.PendingSwap),
	}
}

// Address is the facility's reserve account.
func (f *Facility) Address() common.Address { return f.address }

// AddPool registers a pool. rate is the other currency per whole unit of
// base, which must be one of the key's currencies.
func (f *Facility) AddPool(key domain.PoolKey, base domain.Asset, rate decimal.Decimal) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("liquidity.AddPool: %w", err)
	}
	if base != key.Currency0 && base != key.Currency1 {
		return fmt.Errorf("liquidity.AddPool: base %s is not in pool %s", base, key.String())
	}
	if !rate.IsPositive() {
		return fmt.Errorf("liquidity.AddPool: rate must be positive, got %s", rate)
	}
	for _, a := range []domain.Asset{key.Currency0, key.Currency1} {
		if _, err := f.tokens.Token(a); err != nil {
			return fmt.Errorf("liquidity.AddPool: %w", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[key] = pool{base: base, rate: rate}
	slog.Debug("liquidity: pool added", "pool", key.String(), "base", base, "rate", rate.String())
	return nil
}

// Quote computes the exact-input output without reserving anything. The
// result is floored to the output token's base unit.
func (f *Facility) Quote(key domain.PoolKey, zeroForOne bool, amountIn *uint256.Int) (*uint256.Int, error) {
	f.mu.Lock()
	pl, ok := f.pools[key]
	f.mu.Unlock()
	if !ok {
		return nil, domain.NewError(domain.CodePoolNotConfigured, "liquidity: unknown pool", "pool", key.String())
	}

	inAsset, outAsset := key.Currency1, key.Currency0
	if zeroForOne {
		inAsset, outAsset = key.Currency0, key.Currency1
	}
	inTok, err := f.tokens.Token(inAsset)
	if err != nil {
		return nil, err
	}
	outTok, err := f.tokens.Token(outAsset)
	if err != nil {
		return nil, err
	}

	in := decimal.NewFromBigInt(amountIn.ToBig(), 0).
		Shift(int32(outTok.Decimals()) - int32(inTok.Decimals()))
	var out decimal.Decimal
	if inAsset == pl.base {
		out = in.Mul(pl.rate).Floor()
	} else {
		out, _ = in.QuoRem(pl.rate, 0)
	}

	amountOut, overflow := uint256.FromBig(out.BigInt())
	if overflow {
		return nil, fmt.Errorf("liquidity: output overflows uint256")
	}
	return amountOut, nil
}

// RequestSwap is the request phase: it prices the swap, checks reserves and
// returns the signed delta. Nothing moves until SettleSwap.
func (f *Facility) RequestSwap(_ context.Context, key domain.PoolKey, zeroForOne bool, amountIn *uint256.Int) (*domain.PendingSwap, error) {
	if amountIn == nil || amountIn.IsZero() {
		return nil, domain.NewError(domain.CodeZeroAmount, "liquidity: zero input")
	}
	out, err := f.Quote(key, zeroForOne, amountIn)
	if err != nil {
		return nil, err
	}
	if out.IsZero() {
		return nil, domain.NewError(domain.CodeInsufficientLiquid, "liquidity: input too small for any output",
			"pool", key.String(), "amount_in", amountIn.Dec())
	}

	outAsset := key.Currency0
	if zeroForOne {
		outAsset = key.Currency1
	}
	outTok, err := f.tokens.Token(outAsset)
	if err != nil {
		return nil, err
	}
	if reserve := outTok.BalanceOf(f.address); reserve.Lt(out) {
		return nil, domain.NewError(domain.CodeInsufficientLiquid, "liquidity: reserve below output",
			"pool", key.String(), "reserve", reserve.Dec(), "amount_out", out.Dec())
	}

	owed := new(big.Int).Neg(amountIn.ToBig())
	due := out.ToBig()
	delta := domain.BalanceDelta{Amount0: due, Amount1: owed}
	if zeroForOne {
		delta = domain.BalanceDelta{Amount0: owed, Amount1: due}
	}

	p := domain.PendingSwap{
		ID:         uuid.New().String(),
		Key:        key,
		ZeroForOne: zeroForOne,
		AmountIn:   new(uint256.Int).Set(amountIn),
		Delta:      delta,
	}

	f.mu.Lock()
	f.pending[p.ID] = p
	f.mu.Unlock()

	return &p, nil
}

// SettleSwap is the settle phase: it pulls the owed input from payer
// (allowance granted to the facility) and delivers the output to recipient.
// The pending swap is consumed whether or not settlement succeeds.
func (f *Facility) SettleSwap(_ context.Context, p *domain.PendingSwap, payer, recipient common.Address) (*uint256.Int, error) {
	stored, err := f.consume(p)
	if err != nil {
		return nil, err
	}

	owed, err := stored.Delta.InputOwed(stored.ZeroForOne)
	if err != nil {
		return nil, err
	}
	out, err := stored.Delta.OutputDue(stored.ZeroForOne)
	if err != nil {
		return nil, err
	}

	inAsset, outAsset := stored.Key.Currency1, stored.Key.Currency0
	if stored.ZeroForOne {
		inAsset, outAsset = stored.Key.Currency0, stored.Key.Currency1
	}
	inTok, err := f.tokens.Token(inAsset)
	if err != nil {
		return nil, err
	}
	outTok, err := f.tokens.Token(outAsset)
	if err != nil {
		return nil, err
	}

	if err := inTok.TransferFrom(f.address, payer, f.address, owed); err != nil {
		return nil, fmt.Errorf("liquidity.SettleSwap: collect input: %w", err)
	}
	if err := outTok.Transfer(f.address, recipient, out); err != nil {
		if rerr := inTok.Transfer(f.address, payer, owed); rerr != nil {
			slog.Error("liquidity: could not return input after failed delivery", "swap", stored.ID, "err", rerr)
		}
		return nil, fmt.Errorf("liquidity.SettleSwap: deliver output: %w", err)
	}

	slog.Debug("liquidity: swap settled",
		"swap", stored.ID, "pool", stored.Key.String(),
		"amount_in", owed.Dec(), "amount_out", out.Dec(), "recipient", recipient.Hex())
	return out, nil
}

// CancelSwap discards a pending swap.
func (f *Facility) CancelSwap(_ context.Context, p *domain.PendingSwap) error {
	_, err := f.consume(p)
	return err
}

func (f *Facility) consume(p *domain.PendingSwap) (domain.PendingSwap, error) {
	if p == nil {
		return domain.PendingSwap{}, domain.NewError(domain.CodeSwapConsumed, "liquidity: nil pending swap")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.pending[p.ID]
	if !ok {
		return domain.PendingSwap{}, domain.NewError(domain.CodeSwapConsumed, "liquidity: pending swap already used or unknown",
			"swap", p.ID)
	}
	delete(f.pending, p.ID)
	return stored, nil
}
