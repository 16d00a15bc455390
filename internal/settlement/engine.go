// Package settlement divides a withdrawn deal total between the parties and
// delivers each payout.
//
// The depositor's yield is always a direct transfer. The counterparty's
// payout goes direct, through a bridge, or has its yield portion swapped.
// Fallible routes run before any direct transfer, and every external effect
// is checked against balance deltas on the deal's custody account.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/alejandrodnm/restless/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config holds the engine's identity and asset.
type Config struct {
	Escrow common.Address // owner of the per-deal custody accounts
	Asset  domain.Asset   // settlement asset
	Now    func() time.Time
}

// Engine implements the settlement distribution.
type Engine struct {
	cfg    Config
	token  ports.Token
	bridge ports.BridgeFacility

	mu   sync.RWMutex
	hook ports.SwapHook
}

// New creates an engine. bridge and hook may be nil; settlements that need
// them then fail with BRIDGE_NOT_SET / HOOK_NOT_SET.
func New(cfg Config, token ports.Token, bridge ports.BridgeFacility, hook ports.SwapHook) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg, token: token, bridge: bridge, hook: hook}
}

// SetHook replaces the swap hook.
func (e *Engine) SetHook(h ports.SwapHook) {
	e.mu.Lock()
	e.hook = h
	e.mu.Unlock()
}

// Hook returns the current swap hook, or nil.
func (e *Engine) Hook() ports.SwapHook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hook
}

// Settle splits p.Total and delivers both payouts from the deal's custody
// account. On error no payout recorded as complete has been made, except
// what the returned error explicitly reports.
func (e *Engine) Settle(ctx context.Context, p domain.SettleParams, r domain.Routing) (domain.SettlementRecord, error) {
	split, err := domain.ComputeSplit(p)
	if err != nil {
		return domain.SettlementRecord{}, err
	}

	custody := domain.CustodyAccount(e.cfg.Escrow, p.DealID)
	if err := e.requireBalance(p.DealID, custody, p.Total); err != nil {
		return domain.SettlementRecord{}, err
	}

	rec := domain.SettlementRecord{
		DealID:             p.DealID,
		Depositor:          p.Depositor,
		Counterparty:       p.Counterparty,
		Principal:          split.Principal,
		Total:              new(uint256.Int).Set(p.Total),
		CounterpartyPayout: split.CounterpartyPayout,
		DepositorPayout:    split.DepositorYield,
		Route:              r.Mode,
	}

	switch r.Mode {
	case domain.RouteDirect:
		if err := e.transfer(p.DealID, custody, p.Counterparty, split.CounterpartyPayout); err != nil {
			return domain.SettlementRecord{}, err
		}

	case domain.RouteBridge:
		id, err := e.bridgePayout(ctx, p, custody, split.CounterpartyPayout, r.BridgeData)
		if err != nil {
			return domain.SettlementRecord{}, err
		}
		rec.BridgeTransferID = id

	case domain.RouteSwap:
		out, err := e.swapYield(ctx, p, custody, split.CounterpartyYield, r.PreferredAsset)
		if err != nil {
			return domain.SettlementRecord{}, err
		}
		rec.OutputAsset = r.PreferredAsset
		rec.AmountOut = out
		// Yield already left custody (or was delivered direct); principal
		// follows in the settlement asset.
		direct := split.Principal
		if r.PreferredAsset == e.cfg.Asset {
			direct = split.CounterpartyPayout
		}
		if err := e.transfer(p.DealID, custody, p.Counterparty, direct); err != nil {
			return domain.SettlementRecord{}, err
		}

	default:
		return domain.SettlementRecord{}, domain.NewError(domain.CodeInvalidRoutingData, "unknown routing mode",
			"deal", fmt.Sprint(p.DealID), "mode", r.Mode.String())
	}

	if err := e.transfer(p.DealID, custody, p.Depositor, split.DepositorYield); err != nil {
		return domain.SettlementRecord{}, err
	}

	rec.SettledAt = e.cfg.Now().UTC()
	slog.Info("settlement: distributed",
		"deal", p.DealID,
		"route", r.Mode.String(),
		"principal", split.Principal.Dec(),
		"yield", split.Yield.Dec(),
		"counterparty_payout", split.CounterpartyPayout.Dec(),
		"depositor_payout", split.DepositorYield.Dec(),
	)
	return rec, nil
}

// Refund returns the whole withdrawn total to the depositor. Used when a
// disputed deal times out; the negotiated split does not apply.
func (e *Engine) Refund(_ context.Context, p domain.SettleParams) (domain.SettlementRecord, error) {
	// A refund returns whatever came back, even below principal.
	if p.Principal == nil || p.Principal.IsZero() {
		return domain.SettlementRecord{}, domain.NewError(domain.CodeInvalidPrincipal, "principal must be greater than zero",
			"deal", fmt.Sprint(p.DealID))
	}
	if p.Total == nil {
		return domain.SettlementRecord{}, domain.NewError(domain.CodeInsufficientTotal, "withdrawn total is missing",
			"deal", fmt.Sprint(p.DealID))
	}
	if p.Total.Lt(p.Principal) {
		slog.Warn("settlement: refunding below principal", "deal", p.DealID,
			"principal", p.Principal.Dec(), "total", p.Total.Dec())
	}

	custody := domain.CustodyAccount(e.cfg.Escrow, p.DealID)
	if err := e.requireBalance(p.DealID, custody, p.Total); err != nil {
		return domain.SettlementRecord{}, err
	}
	if err := e.transfer(p.DealID, custody, p.Depositor, p.Total); err != nil {
		return domain.SettlementRecord{}, err
	}

	slog.Info("settlement: refunded depositor", "deal", p.DealID, "amount", p.Total.Dec())
	return domain.SettlementRecord{
		DealID:             p.DealID,
		Depositor:          p.Depositor,
		Counterparty:       p.Counterparty,
		Principal:          new(uint256.Int).Set(p.Principal),
		Total:              new(uint256.Int).Set(p.Total),
		CounterpartyPayout: new(uint256.Int),
		DepositorPayout:    new(uint256.Int).Set(p.Total),
		Route:              domain.RouteDirect,
		SettledAt:          e.cfg.Now().UTC(),
	}, nil
}

func (e *Engine) requireBalance(dealID uint64, custody common.Address, amount *uint256.Int) error {
	if bal := e.token.BalanceOf(custody); bal.Lt(amount) {
		return domain.NewError(domain.CodeInsufficientBalance, "custody holds less than the withdrawn total",
			"deal", fmt.Sprint(dealID),
			"custody", custody.Hex(),
			"balance", bal.Dec(),
			"total", amount.Dec(),
		)
	}
	return nil
}

func (e *Engine) transfer(dealID uint64, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := e.token.Transfer(from, to, amount); err != nil {
		return domain.NewError(domain.CodeTransferFailed, "direct transfer failed",
			"deal", fmt.Sprint(dealID),
			"to", to.Hex(),
			"amount", amount.Dec(),
		).Wrap(err)
	}
	return nil
}
