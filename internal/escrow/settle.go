package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/restless/internal/authz"
	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SettleDeal withdraws a funded deal and distributes it. Empty routingData
// pays the counterparty directly; anything else goes through the bridge.
//
// The caller must be a party, or sigs must carry both parties' signatures
// over (dealID, termsCommitment). sigs is ignored when the caller is a party.
func (l *Ledger) SettleDeal(ctx context.Context, caller common.Address, dealID uint64, routingData []byte, sigs *authz.DualSignature) (domain.SettlementRecord, error) {
	return l.settle(ctx, caller, dealID, domain.RoutingFromData(routingData), sigs, domain.TransitionSettle)
}

// SettleDealWithHook settles with the counterparty's yield swapped into
// preferredAsset by the configured swap hook.
func (l *Ledger) SettleDealWithHook(ctx context.Context, caller common.Address, dealID uint64, preferredAsset domain.Asset, sigs *authz.DualSignature) (domain.SettlementRecord, error) {
	return l.settle(ctx, caller, dealID, domain.SwapRouting(preferredAsset), sigs, domain.TransitionSettleSwap)
}

func (l *Ledger) settle(ctx context.Context, caller common.Address, dealID uint64, routing domain.Routing, sigs *authz.DualSignature, transition string) (domain.SettlementRecord, error) {
	s, err := l.slot(dealID)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deal := s.deal
	if deal.Status != domain.StatusFunded {
		return domain.SettlementRecord{}, domain.ErrInvalidTransition(dealID, transition, deal.Status)
	}
	relayed, err := l.authorizeSettlement(deal, caller, sigs, transition)
	if err != nil {
		return domain.SettlementRecord{}, err
	}

	total, err := l.withdrawCustody(ctx, deal)
	if err != nil {
		return domain.SettlementRecord{}, err
	}

	rec, err := l.settler.Settle(ctx, settleParams(deal, total), routing)
	if err != nil {
		return domain.SettlementRecord{}, l.restorePosition(ctx, deal, err)
	}

	updated := deal.Clone()
	updated.Status = domain.StatusSettled
	closedAt := rec.SettledAt
	updated.ClosedAt = &closedAt
	s.deal = updated

	slog.Info("escrow: deal settled",
		"deal", dealID,
		"route", routing.Mode.String(),
		"relayed", relayed,
		"counterparty_payout", rec.CounterpartyPayout.Dec(),
		"depositor_payout", rec.DepositorPayout.Dec(),
	)
	attrs := map[string]string{
		"counterparty_payout": rec.CounterpartyPayout.Dec(),
		"depositor_payout":    rec.DepositorPayout.Dec(),
		"route":               routing.Mode.String(),
		"caller":              caller.Hex(),
	}
	if rec.AmountOut != nil && routing.Mode == domain.RouteSwap {
		attrs["amount_out"] = rec.AmountOut.Dec()
		attrs["output_asset"] = string(rec.OutputAsset)
	}
	l.emit(ctx, domain.EventDealSettled, dealID, attrs)

	// Funds have moved; the deal is settled whatever the store says.
	return rec, l.persistClosed(ctx, updated, rec)
}

// authorizeSettlement accepts either party directly, anyone else only with
// valid dual signatures. Reports whether the call was relayed.
func (l *Ledger) authorizeSettlement(deal domain.Deal, caller common.Address, sigs *authz.DualSignature, transition string) (bool, error) {
	if deal.IsParty(caller) {
		return false, nil
	}
	if sigs == nil || l.auth == nil {
		return false, unauthorized(deal.ID, transition, caller)
	}
	if err := l.auth.Verify(deal, *sigs); err != nil {
		return false, err
	}
	return true, nil
}

// ClaimTimeout returns principal and all yield to the depositor once a
// dispute has outlasted the deal's timeout. The negotiated split does not
// apply on this path.
func (l *Ledger) ClaimTimeout(ctx context.Context, caller common.Address, dealID uint64) (domain.SettlementRecord, error) {
	s, err := l.slot(dealID)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deal := s.deal
	if deal.Status != domain.StatusDisputed {
		return domain.SettlementRecord{}, domain.ErrInvalidTransition(dealID, domain.TransitionClaimTimeout, deal.Status)
	}
	if caller != deal.Depositor {
		return domain.SettlementRecord{}, unauthorized(dealID, domain.TransitionClaimTimeout, caller)
	}
	now := l.now()
	if timeoutAt := deal.TimeoutAt(); now.Before(timeoutAt) {
		return domain.SettlementRecord{}, domain.NewError(domain.CodeTimeoutNotElapsed, "dispute timeout has not elapsed",
			"deal", fmt.Sprint(dealID),
			"timeout_at", timeoutAt.Format(time.RFC3339),
			"remaining", timeoutAt.Sub(now).String(),
		)
	}

	total, err := l.withdrawCustody(ctx, deal)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	rec, err := l.settler.Refund(ctx, settleParams(deal, total))
	if err != nil {
		return domain.SettlementRecord{}, l.restorePosition(ctx, deal, err)
	}

	updated := deal.Clone()
	updated.Status = domain.StatusTimedOut
	closedAt := rec.SettledAt
	updated.ClosedAt = &closedAt
	s.deal = updated

	slog.Info("escrow: deal timed out", "deal", dealID, "refund", total.Dec())
	l.emit(ctx, domain.EventDealTimedOut, dealID, map[string]string{
		"refund_amount": total.Dec(),
	})
	return rec, l.persistClosed(ctx, updated, rec)
}

func settleParams(d domain.Deal, total *uint256.Int) domain.SettleParams {
	return domain.SettleParams{
		DealID:                 d.ID,
		Depositor:              d.Depositor,
		Counterparty:           d.Counterparty,
		Principal:              new(uint256.Int).Set(d.Principal),
		Total:                  total,
		YieldSplitCounterparty: d.YieldSplitCounterparty,
	}
}

// persistClosed writes a terminal deal and its record. A failure here is
// reported but does not undo the transition.
func (l *Ledger) persistClosed(ctx context.Context, d domain.Deal, rec domain.SettlementRecord) error {
	if l.store == nil {
		return nil
	}
	var errs []error
	if err := l.store.SaveDeal(ctx, d); err != nil {
		errs = append(errs, err)
	}
	if err := l.store.SaveSettlement(ctx, rec); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	slog.Error("escrow: terminal state not persisted", "deal", d.ID, "status", d.Status.String(), "err", err)
	return domain.NewError(domain.CodePersistence, "deal closed but not persisted",
		"deal", fmt.Sprint(d.ID),
		"status", d.Status.String(),
	).Wrap(err)
}

// depositCustody approves the adapter and deposits amount for the deal. The
// allowance is reset afterwards whatever the outcome.
func (l *Ledger) depositCustody(ctx context.Context, dealID uint64, custody common.Address, amount *uint256.Int) error {
	spender := l.yield.Address()
	if err := l.token.Approve(custody, spender, amount); err != nil {
		return fmt.Errorf("escrow.depositCustody: approve: %w", err)
	}
	defer func() {
		if err := l.token.Approve(custody, spender, new(uint256.Int)); err != nil {
			slog.Warn("escrow: reset adapter allowance failed", "deal", dealID, "err", err)
		}
	}()

	before := l.token.BalanceOf(custody)
	if err := l.yield.Deposit(ctx, l.cfg.Escrow, dealID, amount); err != nil {
		return domain.NewError(domain.CodeAdapterFailed, "yield deposit failed",
			"deal", fmt.Sprint(dealID), "amount", amount.Dec()).Wrap(err)
	}
	moved := new(uint256.Int)
	if after := l.token.BalanceOf(custody); before.Gt(after) {
		moved.Sub(before, after)
	}
	if !moved.Eq(amount) {
		return domain.NewError(domain.CodeAdapterFailed, "yield adapter pulled a different amount than deposited",
			"deal", fmt.Sprint(dealID),
			"expected", amount.Dec(),
			"pulled", moved.Dec(),
		)
	}
	return nil
}

// withdrawCustody closes the deal's position and checks custody grew by
// exactly the reported total.
func (l *Ledger) withdrawCustody(ctx context.Context, d domain.Deal) (*uint256.Int, error) {
	custody := d.Custody(l.cfg.Escrow)
	before := l.token.BalanceOf(custody)

	total, err := l.yield.Withdraw(ctx, l.cfg.Escrow, d.ID)
	if err != nil {
		return nil, domain.NewError(domain.CodeAdapterFailed, "yield withdraw failed",
			"deal", fmt.Sprint(d.ID)).Wrap(err)
	}

	received := new(uint256.Int)
	if after := l.token.BalanceOf(custody); after.Gt(before) {
		received.Sub(after, before)
	}
	if total == nil || !received.Eq(total) {
		reported := "nil"
		if total != nil {
			reported = total.Dec()
		}
		mismatch := domain.NewError(domain.CodeWithdrawMismatch, "custody did not receive the reported total",
			"deal", fmt.Sprint(d.ID),
			"reported", reported,
			"received", received.Dec(),
		)
		return nil, l.restorePosition(ctx, d, mismatch)
	}
	return total, nil
}

// restorePosition puts whatever sits in custody back into the yield source
// after a failed settlement, so the deal stays in its current status with
// an active position. Returns cause, joined with any compensation failure.
func (l *Ledger) restorePosition(ctx context.Context, d domain.Deal, cause error) error {
	custody := d.Custody(l.cfg.Escrow)
	bal := l.token.BalanceOf(custody)
	if bal.IsZero() {
		slog.Error("escrow: nothing left in custody to restore", "deal", d.ID, "cause", cause)
		return errors.Join(cause, domain.NewError(domain.CodeCompensationFailed, "custody is empty; position not restored",
			"deal", fmt.Sprint(d.ID)))
	}
	if err := l.depositCustody(ctx, d.ID, custody, bal); err != nil {
		slog.Error("escrow: restore position failed", "deal", d.ID, "amount", bal.Dec(), "err", err)
		return errors.Join(cause, domain.NewError(domain.CodeCompensationFailed, "position not restored",
			"deal", fmt.Sprint(d.ID), "amount", bal.Dec()).Wrap(err))
	}
	slog.Warn("escrow: settlement failed, position restored", "deal", d.ID, "amount", bal.Dec(), "cause", cause)
	return cause
}

// unwindFunding reverses a funding whose state write failed.
func (l *Ledger) unwindFunding(ctx context.Context, d domain.Deal) {
	custody := d.Custody(l.cfg.Escrow)
	total, err := l.yield.Withdraw(ctx, l.cfg.Escrow, d.ID)
	if err != nil {
		slog.Error("escrow: unwind funding: withdraw failed", "deal", d.ID, "err", err)
		return
	}
	if err := l.token.Transfer(custody, d.Depositor, total); err != nil {
		slog.Error("escrow: unwind funding: refund failed", "deal", d.ID, "amount", total.Dec(), "err", err)
	}
}
