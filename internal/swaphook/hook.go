// Package swaphook converts a settlement's yield into the counterparty's
// preferred asset through a pooled-liquidity facility.
//
// The facility only prices a swap while executing it, so every conversion is
// two steps: RequestSwap returns a pending swap carrying the signed balance
// delta, and SettleSwap pays the owed input and sends the output straight to
// the recipient. A pending swap is consumed exactly once; any failure in
// between cancels it and returns the input to the sender.
package swaphook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/alejandrodnm/restless/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Config identifies the hook and who may administer it.
type Config struct {
	Address         common.Address
	Admin           common.Address
	SettlementAsset domain.Asset
}

// Hook implements ports.SwapHook.
type Hook struct {
	cfg      Config
	tokens   ports.TokenRegistry
	facility ports.LiquidityFacility
	events   ports.EventSink

	mu               sync.RWMutex
	poolKeys         map[domain.Asset]domain.PoolKey
	settlementCaller common.Address

	// swaps run one at a time so balance checks on the hook account only see
	// the swap in flight.
	swapMu sync.Mutex
}

// New creates a hook. events may be nil.
func New(cfg Config, tokens ports.TokenRegistry, facility ports.LiquidityFacility, events ports.EventSink) *Hook {
	return &Hook{
		cfg:      cfg,
		tokens:   tokens,
		facility: facility,
		events:   events,
		poolKeys: make(map[domain.Asset]domain.PoolKey),
	}
}

// Address is the hook's account on the token ledgers.
func (h *Hook) Address() common.Address { return h.cfg.Address }

// SetSettlementCaller authorizes the escrow that may call SettleWithSwap.
func (h *Hook) SetSettlementCaller(caller, escrow common.Address) error {
	if caller != h.cfg.Admin {
		return domain.NewError(domain.CodeUnauthorized, "swaphook: caller is not the administrator",
			"caller", caller.Hex())
	}
	h.mu.Lock()
	h.settlementCaller = escrow
	h.mu.Unlock()
	slog.Info("swaphook: settlement caller set", "escrow", escrow.Hex())
	return nil
}

// SetPoolKey configures the pool used to deliver preferredAsset.
func (h *Hook) SetPoolKey(ctx context.Context, caller common.Address, preferredAsset domain.Asset, key domain.PoolKey) error {
	if caller != h.cfg.Admin {
		return domain.NewError(domain.CodeUnauthorized, "swaphook: caller is not the administrator",
			"caller", caller.Hex())
	}
	if err := key.Validate(); err != nil {
		return domain.NewError(domain.CodeInvalidRoutingData, "swaphook: invalid pool key").Wrap(err)
	}
	if !key.Contains(h.cfg.SettlementAsset) || !key.Contains(preferredAsset) || preferredAsset == h.cfg.SettlementAsset {
		return domain.NewError(domain.CodeInvalidRoutingData, "swaphook: pool must pair the settlement asset with the preferred asset",
			"pool", key.String(),
			"asset", string(preferredAsset),
		)
	}

	h.mu.Lock()
	h.poolKeys[preferredAsset] = key
	h.mu.Unlock()

	slog.Info("swaphook: pool key set", "asset", preferredAsset, "pool", key.String())
	if h.events != nil {
		ev := domain.Event{
			ID:   uuid.New().String(),
			Kind: domain.EventPoolKeySet,
			Attributes: map[string]string{
				"asset":     string(preferredAsset),
				"currency0": string(key.Currency0),
				"currency1": string(key.Currency1),
				"fee":       fmt.Sprint(key.Fee),
			},
			At: time.Now().UTC(),
		}
		if err := h.events.Emit(ctx, ev); err != nil {
			slog.Warn("swaphook: emit event failed", "kind", ev.Kind, "err", err)
		}
	}
	return nil
}

// PoolKey returns the configured key for asset.
func (h *Hook) PoolKey(asset domain.Asset) (domain.PoolKey, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	k, ok := h.poolKeys[asset]
	return k, ok
}

// SettleWithSwap swaps req.Amount of the settlement asset, already
// transferred to the hook, into req.PreferredAsset for req.Recipient and
// returns the amount delivered.
func (h *Hook) SettleWithSwap(ctx context.Context, caller common.Address, req domain.SwapRequest) (amountOut *uint256.Int, err error) {
	h.mu.RLock()
	authorized := h.settlementCaller
	key, ok := h.poolKeys[req.PreferredAsset]
	h.mu.RUnlock()

	if authorized == (common.Address{}) || caller != authorized {
		return nil, domain.NewError(domain.CodeUnauthorizedCaller, "swaphook: caller is not the settlement escrow",
			"caller", caller.Hex())
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, domain.NewError(domain.CodeZeroAmount, "swaphook: yield amount is zero",
			"deal", fmt.Sprint(req.DealID))
	}

	in, err := h.tokens.Token(h.cfg.SettlementAsset)
	if err != nil {
		return nil, err
	}

	h.swapMu.Lock()
	defer h.swapMu.Unlock()

	held := in.BalanceOf(h.cfg.Address)
	if held.Lt(req.Amount) {
		return nil, domain.NewError(domain.CodeInsufficientBalance, "swaphook: input was not transferred to the hook",
			"deal", fmt.Sprint(req.DealID),
			"held", held.Dec(),
			"amount", req.Amount.Dec(),
		)
	}
	baseline := new(uint256.Int).Sub(held, req.Amount)

	defer func() {
		if err == nil {
			return
		}
		// Whatever this swap left on the hook goes back to the sender.
		now := in.BalanceOf(h.cfg.Address)
		if now.Gt(baseline) {
			refund := new(uint256.Int).Sub(now, baseline)
			if rerr := in.Transfer(h.cfg.Address, req.Sender, refund); rerr != nil {
				slog.Error("swaphook: refund failed", "deal", req.DealID, "amount", refund.Dec(), "err", rerr)
			}
		}
	}()

	if !ok {
		return nil, domain.NewError(domain.CodePoolNotConfigured, "swaphook: no pool for preferred asset",
			"asset", string(req.PreferredAsset))
	}
	out, err := h.tokens.Token(req.PreferredAsset)
	if err != nil {
		return nil, err
	}

	zeroForOne := key.ZeroForOne(h.cfg.SettlementAsset)
	pending, err := h.facility.RequestSwap(ctx, key, zeroForOne, req.Amount)
	if err != nil {
		return nil, domain.NewError(domain.CodeSwapFailed, "swaphook: request phase failed",
			"deal", fmt.Sprint(req.DealID)).Wrap(err)
	}

	owed, err := pending.Delta.InputOwed(zeroForOne)
	if err == nil && !owed.Eq(req.Amount) {
		err = fmt.Errorf("facility asks %s for an exact input of %s", owed.Dec(), req.Amount.Dec())
	}
	var due *uint256.Int
	if err == nil {
		due, err = pending.Delta.OutputDue(zeroForOne)
	}
	if err != nil {
		if cerr := h.facility.CancelSwap(ctx, pending); cerr != nil {
			slog.Warn("swaphook: cancel pending swap failed", "swap", pending.ID, "err", cerr)
		}
		return nil, domain.NewError(domain.CodeSwapAmountMismatch, "swaphook: unexpected balance delta",
			"deal", fmt.Sprint(req.DealID)).Wrap(err)
	}

	if err = in.Approve(h.cfg.Address, h.facility.Address(), owed); err != nil {
		if cerr := h.facility.CancelSwap(ctx, pending); cerr != nil {
			slog.Warn("swaphook: cancel pending swap failed", "swap", pending.ID, "err", cerr)
		}
		return nil, err
	}
	defer func() {
		if aerr := in.Approve(h.cfg.Address, h.facility.Address(), new(uint256.Int)); aerr != nil {
			slog.Warn("swaphook: reset allowance failed", "err", aerr)
		}
	}()

	recipientBefore := out.BalanceOf(req.Recipient)
	if _, err = h.facility.SettleSwap(ctx, pending, h.cfg.Address, req.Recipient); err != nil {
		return nil, domain.NewError(domain.CodeSwapFailed, "swaphook: settle phase failed",
			"deal", fmt.Sprint(req.DealID)).Wrap(err)
	}

	// Trust balances, not return values.
	received := new(uint256.Int)
	if after := out.BalanceOf(req.Recipient); after.Gt(recipientBefore) {
		received.Sub(after, recipientBefore)
	}
	paid := new(uint256.Int)
	if now := in.BalanceOf(h.cfg.Address); held.Gt(now) {
		paid.Sub(held, now)
	}
	if !received.Eq(due) || !paid.Eq(owed) {
		return nil, domain.NewError(domain.CodeSwapAmountMismatch, "swaphook: facility moved unexpected amounts",
			"deal", fmt.Sprint(req.DealID),
			"expected_out", due.Dec(),
			"received_out", received.Dec(),
			"expected_in", owed.Dec(),
			"paid_in", paid.Dec(),
		)
	}

	slog.Info("swaphook: yield swapped",
		"deal", req.DealID,
		"pool", key.String(),
		"amount_in", owed.Dec(),
		"amount_out", received.Dec(),
		"asset", req.PreferredAsset,
		"recipient", req.Recipient.Hex(),
	)
	return received, nil
}
