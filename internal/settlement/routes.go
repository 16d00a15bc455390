package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/alejandrodnm/restless/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// bridgePayout approves payout to the bridge, invokes it and requires the
// custody balance to drop by exactly payout. The allowance is reset to zero
// on every exit path.
func (e *Engine) bridgePayout(ctx context.Context, p domain.SettleParams, custody common.Address, payout *uint256.Int, data []byte) (string, error) {
	if e.bridge == nil {
		return "", domain.NewError(domain.CodeBridgeNotSet, "no bridge facility configured",
			"deal", fmt.Sprint(p.DealID))
	}
	spender := e.bridge.Address()

	before := e.token.BalanceOf(custody)
	if err := e.token.Approve(custody, spender, payout); err != nil {
		return "", fmt.Errorf("settlement.bridgePayout: approve: %w", err)
	}
	defer func() {
		if err := e.token.Approve(custody, spender, new(uint256.Int)); err != nil {
			slog.Error("settlement: reset bridge allowance failed", "deal", p.DealID, "err", err)
		}
	}()

	req := ports.BridgeRequest{
		DealID:      p.DealID,
		Payer:       custody,
		Recipient:   p.Counterparty,
		Asset:       e.cfg.Asset,
		RoutingData: data,
	}
	id, callErr := e.bridge.Bridge(ctx, req)

	drawn := new(uint256.Int)
	if after := e.token.BalanceOf(custody); before.Gt(after) {
		drawn.Sub(before, after)
	}
	if callErr == nil && drawn.Eq(payout) {
		slog.Info("settlement: bridged counterparty payout", "deal", p.DealID, "amount", payout.Dec(), "transfer", id)
		return id, nil
	}

	var cause *domain.Error
	switch {
	case callErr != nil:
		cause = domain.NewError(domain.CodeBridgeFailed, "bridge call failed",
			"deal", fmt.Sprint(p.DealID),
			"expected", payout.Dec(),
			"drawn", drawn.Dec(),
		).Wrap(callErr)
	default:
		cause = domain.NewError(domain.CodeBridgeAmountMismatch, "bridge drew a different amount than approved",
			"deal", fmt.Sprint(p.DealID),
			"expected", payout.Dec(),
			"drawn", drawn.Dec(),
		)
	}

	if drawn.IsZero() {
		return "", cause
	}
	if errors.Is(callErr, ports.ErrBridgeOutcomeUnknown) {
		// The transfer may still land; the drawn funds stay with the bridge.
		slog.Error("settlement: bridge outcome unknown, funds held by bridge",
			"deal", p.DealID, "drawn", drawn.Dec(), "err", callErr)
		return "", cause.With("outcome", "unknown")
	}
	if err := e.reclaimDraw(ctx, req, before, drawn); err != nil {
		return "", domain.NewError(domain.CodeCompensationFailed, "bridge draw could not be reclaimed",
			"deal", fmt.Sprint(p.DealID),
			"drawn", drawn.Dec(),
		).Wrap(errors.Join(cause, err))
	}
	return "", cause
}

// reclaimDraw asks the bridge to return drawn and checks custody is back at
// before.
func (e *Engine) reclaimDraw(ctx context.Context, req ports.BridgeRequest, before, drawn *uint256.Int) error {
	if err := e.bridge.Return(ctx, req, drawn); err != nil {
		return fmt.Errorf("settlement.reclaimDraw: %w", err)
	}
	if now := e.token.BalanceOf(req.Payer); !now.Eq(before) {
		return fmt.Errorf("settlement.reclaimDraw: custody holds %s after return, want %s", now.Dec(), before.Dec())
	}
	slog.Warn("settlement: bridge draw reclaimed", "deal", req.DealID, "amount", drawn.Dec())
	return nil
}

// swapYield hands the counterparty's yield to the swap hook. A zero yield
// skips the swap; a preferred asset equal to the settlement asset needs no
// swap and is paid direct by the caller.
func (e *Engine) swapYield(ctx context.Context, p domain.SettleParams, custody common.Address, yield *uint256.Int, asset domain.Asset) (*uint256.Int, error) {
	if yield.IsZero() || asset == e.cfg.Asset {
		return new(uint256.Int), nil
	}
	hook := e.Hook()
	if hook == nil {
		return nil, domain.NewError(domain.CodeHookNotSet, "no swap hook configured",
			"deal", fmt.Sprint(p.DealID))
	}

	before := e.token.BalanceOf(custody)
	if err := e.token.Transfer(custody, hook.Address(), yield); err != nil {
		return nil, domain.NewError(domain.CodeTransferFailed, "transfer yield to swap hook failed",
			"deal", fmt.Sprint(p.DealID)).Wrap(err)
	}

	out, err := hook.SettleWithSwap(ctx, e.cfg.Escrow, domain.SwapRequest{
		DealID:         p.DealID,
		Sender:         custody,
		Recipient:      p.Counterparty,
		Amount:         new(uint256.Int).Set(yield),
		PreferredAsset: asset,
	})

	after := e.token.BalanceOf(custody)
	if err != nil {
		if !after.Eq(before) {
			return nil, domain.NewError(domain.CodeCompensationFailed, "swap failed and custody was not made whole",
				"deal", fmt.Sprint(p.DealID),
				"before", before.Dec(),
				"after", after.Dec(),
			).Wrap(err)
		}
		return nil, err
	}

	spent := new(uint256.Int)
	if before.Gt(after) {
		spent.Sub(before, after)
	}
	if !spent.Eq(yield) {
		return nil, domain.NewError(domain.CodeSwapAmountMismatch, "swap consumed a different amount than the yield",
			"deal", fmt.Sprint(p.DealID),
			"expected", yield.Dec(),
			"spent", spent.Dec(),
		)
	}
	return out, nil
}
