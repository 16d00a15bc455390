// Package escrow owns deals and drives their lifecycle:
//
//	new → Created → Funded → Settled
//	       │         └→ Disputed → TimedOut
//	       └→ Cancelled
//
// Each deal lives in its own slot with its own mutex, so calls on one deal
// are serialized while distinct deals proceed in parallel. The id allocator
// is the only shared counter. A transition either completes every guard,
// external call and state write, or fails and leaves the deal as it was.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/restless/internal/authz"
	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/alejandrodnm/restless/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	DefaultMinTimeout = 24 * time.Hour
	DefaultMaxTimeout = 30 * 24 * time.Hour
)

// Settler distributes a withdrawn total. Implemented by settlement.Engine.
type Settler interface {
	Settle(ctx context.Context, p domain.SettleParams, r domain.Routing) (domain.SettlementRecord, error)
	Refund(ctx context.Context, p domain.SettleParams) (domain.SettlementRecord, error)
	SetHook(h ports.SwapHook)
}

// Authorizer checks dual signatures. Implemented by authz.Verifier.
type Authorizer interface {
	Verify(deal domain.Deal, sigs authz.DualSignature) error
}

// Config holds the ledger identity and guard bounds.
type Config struct {
	Escrow     common.Address // identity approved by depositors; owns custody accounts
	Admin      common.Address
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Now        func() time.Time
}

// CreateDealRequest carries the terms negotiated off-chain.
type CreateDealRequest struct {
	Counterparty    common.Address
	Principal       *uint256.Int
	YieldSplit      uint8 // percent of yield for the counterparty
	Timeout         time.Duration
	TermsCommitment common.Hash
}

type slot struct {
	mu   sync.Mutex
	deal domain.Deal
}

// Ledger is the deal state machine and the sole caller of the yield adapter.
type Ledger struct {
	cfg     Config
	token   ports.Token
	yield   ports.YieldAdapter
	settler Settler
	auth    Authorizer
	store   ports.DealStore
	events  ports.EventSink

	nextID atomic.Uint64
	paused atomic.Bool

	mu    sync.RWMutex
	deals map[uint64]*slot
}

// New creates a ledger. store and events may be nil.
func New(cfg Config, token ports.Token, yield ports.YieldAdapter, settler Settler, auth Authorizer, store ports.DealStore, events ports.EventSink) *Ledger {
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = DefaultMinTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		cfg:     cfg,
		token:   token,
		yield:   yield,
		settler: settler,
		auth:    auth,
		store:   store,
		events:  events,
		deals:   make(map[uint64]*slot),
	}
}

// Restore loads persisted deals and resumes the id counter after the
// highest stored id.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	deals, err := l.store.LoadDeals(ctx)
	if err != nil {
		return fmt.Errorf("escrow.Restore: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var maxID uint64
	for _, d := range deals {
		l.deals[d.ID] = &slot{deal: d}
		if d.ID > maxID {
			maxID = d.ID
		}
	}
	if maxID > l.nextID.Load() {
		l.nextID.Store(maxID)
	}
	slog.Info("escrow: deals restored", "count", len(deals), "next_id", maxID+1)
	return nil
}

// CreateDeal records a new deal with caller as depositor.
func (l *Ledger) CreateDeal(ctx context.Context, caller common.Address, req CreateDealRequest) (domain.Deal, error) {
	if l.paused.Load() {
		return domain.Deal{}, domain.NewError(domain.CodePaused, "escrow is paused")
	}
	if err := l.validateCreate(caller, req); err != nil {
		return domain.Deal{}, err
	}

	deal := domain.Deal{
		ID:                     l.nextID.Add(1),
		Depositor:              caller,
		Counterparty:           req.Counterparty,
		Principal:              new(uint256.Int).Set(req.Principal),
		YieldSplitCounterparty: req.YieldSplit,
		Status:                 domain.StatusCreated,
		TimeoutDuration:        req.Timeout,
		TermsCommitment:        req.TermsCommitment,
		CreatedAt:              l.now(),
	}

	if err := l.persist(ctx, deal); err != nil {
		return domain.Deal{}, err
	}

	l.mu.Lock()
	l.deals[deal.ID] = &slot{deal: deal}
	l.mu.Unlock()

	slog.Info("escrow: deal created",
		"deal", deal.ID,
		"depositor", caller.Hex(),
		"counterparty", req.Counterparty.Hex(),
		"principal", req.Principal.Dec(),
		"split", req.YieldSplit,
	)
	l.emit(ctx, domain.EventDealCreated, deal.ID, map[string]string{
		"depositor":    caller.Hex(),
		"counterparty": req.Counterparty.Hex(),
		"principal":    req.Principal.Dec(),
		"split":        fmt.Sprint(req.YieldSplit),
		"commitment":   req.TermsCommitment.Hex(),
	})
	return deal.Clone(), nil
}

func (l *Ledger) validateCreate(caller common.Address, req CreateDealRequest) error {
	if req.Principal == nil || req.Principal.IsZero() {
		return domain.NewError(domain.CodeInvalidPrincipal, "principal must be greater than zero")
	}
	if req.Counterparty == (common.Address{}) {
		return domain.NewError(domain.CodeZeroCounterparty, "counterparty must not be the zero address")
	}
	if req.Counterparty == caller {
		return domain.NewError(domain.CodeSelfDealing, "counterparty must differ from depositor",
			"party", caller.Hex())
	}
	if req.YieldSplit > domain.MaxSplit {
		return domain.NewError(domain.CodeInvalidSplit, "yield split must be within [0, 100]",
			"split", fmt.Sprint(req.YieldSplit))
	}
	if req.Timeout < l.cfg.MinTimeout || req.Timeout > l.cfg.MaxTimeout {
		return domain.NewError(domain.CodeInvalidTimeout, "timeout outside allowed range",
			"timeout", req.Timeout.String(),
			"min", l.cfg.MinTimeout.String(),
			"max", l.cfg.MaxTimeout.String(),
		)
	}
	return nil
}

// FundDeal moves the principal from the depositor into the yield source.
// The depositor must have approved the escrow identity for the principal.
func (l *Ledger) FundDeal(ctx context.Context, caller common.Address, dealID uint64) (domain.Deal, error) {
	s, err := l.slot(dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deal := s.deal
	if deal.Status != domain.StatusCreated {
		return domain.Deal{}, domain.ErrInvalidTransition(dealID, domain.TransitionFund, deal.Status)
	}
	if caller != deal.Depositor {
		return domain.Deal{}, unauthorized(dealID, domain.TransitionFund, caller)
	}
	if l.paused.Load() {
		return domain.Deal{}, domain.NewError(domain.CodePaused, "escrow is paused", "deal", fmt.Sprint(dealID))
	}

	custody := deal.Custody(l.cfg.Escrow)
	if err := l.token.TransferFrom(l.cfg.Escrow, deal.Depositor, custody, deal.Principal); err != nil {
		return domain.Deal{}, domain.NewError(domain.CodeTransferFailed, "pull principal from depositor failed",
			"deal", fmt.Sprint(dealID)).Wrap(err)
	}
	if err := l.depositCustody(ctx, dealID, custody, deal.Principal); err != nil {
		if rerr := l.token.Transfer(custody, deal.Depositor, deal.Principal); rerr != nil {
			return domain.Deal{}, domain.NewError(domain.CodeCompensationFailed, "deposit failed and principal could not be returned",
				"deal", fmt.Sprint(dealID)).Wrap(fmt.Errorf("%w; refund: %v", err, rerr))
		}
		return domain.Deal{}, err
	}

	now := l.now()
	updated := deal.Clone()
	updated.Status = domain.StatusFunded
	updated.FundedAt = &now

	if err := l.persist(ctx, updated); err != nil {
		l.unwindFunding(ctx, deal)
		return domain.Deal{}, err
	}
	s.deal = updated

	slog.Info("escrow: deal funded", "deal", dealID, "principal", deal.Principal.Dec())
	l.emit(ctx, domain.EventDealFunded, dealID, map[string]string{
		"principal": deal.Principal.Dec(),
	})
	return updated.Clone(), nil
}

// CancelDeal closes a deal that was never funded.
func (l *Ledger) CancelDeal(ctx context.Context, caller common.Address, dealID uint64) (domain.Deal, error) {
	return l.simpleTransition(ctx, caller, dealID, domain.TransitionCancel, domain.StatusCreated,
		func(d *domain.Deal, now time.Time) {
			d.Status = domain.StatusCancelled
			d.ClosedAt = &now
		},
		domain.EventDealCancelled,
	)
}

// DisputeDeal starts the timeout clock on a funded deal.
func (l *Ledger) DisputeDeal(ctx context.Context, caller common.Address, dealID uint64) (domain.Deal, error) {
	return l.simpleTransition(ctx, caller, dealID, domain.TransitionDispute, domain.StatusFunded,
		func(d *domain.Deal, now time.Time) {
			d.Status = domain.StatusDisputed
			d.DisputedAt = &now
		},
		domain.EventDealDisputed,
	)
}

// simpleTransition handles party-only transitions without external calls.
func (l *Ledger) simpleTransition(
	ctx context.Context,
	caller common.Address,
	dealID uint64,
	transition string,
	from domain.DealStatus,
	apply func(d *domain.Deal, now time.Time),
	kind domain.EventKind,
) (domain.Deal, error) {
	s, err := l.slot(dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deal.Status != from {
		return domain.Deal{}, domain.ErrInvalidTransition(dealID, transition, s.deal.Status)
	}
	if !s.deal.IsParty(caller) {
		return domain.Deal{}, unauthorized(dealID, transition, caller)
	}

	updated := s.deal.Clone()
	apply(&updated, l.now())

	if err := l.persist(ctx, updated); err != nil {
		return domain.Deal{}, err
	}
	s.deal = updated

	slog.Info("escrow: deal "+transition, "deal", dealID, "caller", caller.Hex(), "status", updated.Status.String())
	l.emit(ctx, kind, dealID, map[string]string{"caller": caller.Hex()})
	return updated.Clone(), nil
}

// Deal returns a copy of one deal.
func (l *Ledger) Deal(dealID uint64) (domain.Deal, error) {
	s, err := l.slot(dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deal.Clone(), nil
}

// Deals returns copies of all deals ordered by id, terminal ones included.
func (l *Ledger) Deals() []domain.Deal {
	l.mu.RLock()
	slots := make([]*slot, 0, len(l.deals))
	for _, s := range l.deals {
		slots = append(slots, s)
	}
	l.mu.RUnlock()

	out := make([]domain.Deal, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.deal.Clone())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AccruedYield reports the yield currently accrued on a funded or disputed
// deal.
func (l *Ledger) AccruedYield(ctx context.Context, dealID uint64) (*uint256.Int, error) {
	d, err := l.Deal(dealID)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.StatusFunded && d.Status != domain.StatusDisputed {
		return nil, domain.ErrInvalidTransition(dealID, "accrued_yield", d.Status)
	}
	return l.yield.AccruedYield(ctx, dealID)
}

func (l *Ledger) slot(dealID uint64) (*slot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.deals[dealID]
	if !ok {
		return nil, domain.NewError(domain.CodeDealNotFound, "deal does not exist", "deal", fmt.Sprint(dealID))
	}
	return s, nil
}

func (l *Ledger) now() time.Time {
	return l.cfg.Now().UTC()
}

func (l *Ledger) persist(ctx context.Context, d domain.Deal) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveDeal(ctx, d); err != nil {
		return domain.NewError(domain.CodePersistence, "save deal failed", "deal", fmt.Sprint(d.ID)).Wrap(err)
	}
	return nil
}

func (l *Ledger) emit(ctx context.Context, kind domain.EventKind, dealID uint64, attrs map[string]string) {
	if l.events == nil {
		return
	}
	ev := domain.Event{
		ID:         uuid.New().String(),
		Kind:       kind,
		DealID:     dealID,
		Attributes: attrs,
		At:         l.now(),
	}
	if err := l.events.Emit(ctx, ev); err != nil {
		slog.Warn("escrow: emit event failed", "kind", kind, "deal", dealID, "err", err)
	}
}

func unauthorized(dealID uint64, transition string, caller common.Address) *domain.Error {
	return domain.NewError(domain.CodeUnauthorized, "caller may not perform this transition",
		"deal", fmt.Sprint(dealID),
		"transition", transition,
		"caller", caller.Hex(),
	)
}
