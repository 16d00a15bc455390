package yield

// vault.go: simulated yield source.
//
// Each deal gets one position keyed by deal id. Yield accrues linearly at a
// fixed APY (basis points) on the principal, plus any amount booked with
// Accrue. Funds physically sit in the vault's account on the settlement
// asset ledger; yield is paid out of the vault's reserve on Withdraw.

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

const (
	bpsDenominator = 10_000
	secondsPerYear = 365 * 24 * 60 * 60
)

type position struct {
	principal *uint256.Int
	booked    *uint256.Int
	since     time.Time
}

// Config controls the simulated vault.
type Config struct {
	Address common.Address // vault account on the token ledger
	Escrow  common.Address // only caller allowed to deposit / withdraw
	APYBps  uint64
	Now     func() time.Time
}

// Vault implements ports.YieldAdapter.
type Vault struct {
	cfg   Config
	token ports.Token

	mu        sync.Mutex
	positions map[uint64]*position
}

// NewVault creates a vault over the settlement asset ledger.
func NewVault(cfg Config, token ports.Token) *Vault {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Vault{
		cfg:       cfg,
		token:     token,
		positions: make(map[uint64]*position),
	}
}

// Address is the spender the escrow approves before Deposit.
func (v *Vault) Address() common.Address { return v.cfg.Address }

// Deposit pulls amount from the deal's custody account.
func (v *Vault) Deposit(_ context.Context, caller common.Address, dealID uint64, amount *uint256.Int) error {
	if caller != v.cfg.Escrow {
		return domain.NewError(domain.CodeUnauthorized, "vault: caller is not the escrow",
			"caller", caller.Hex())
	}
	if amount == nil || amount.IsZero() {
		return domain.NewError(domain.CodeZeroAmount, "vault: deposit amount is zero",
			"deal", fmt.Sprint(dealID))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.positions[dealID]; ok {
		return domain.NewError(domain.CodeAlreadyDeposited, "vault: deal already has a position",
			"deal", fmt.Sprint(dealID))
	}

	custody := domain.CustodyAccount(v.cfg.Escrow, dealID)
	if err := v.token.TransferFrom(v.cfg.Address, custody, v.cfg.Address, amount); err != nil {
		return fmt.Errorf("yield.Deposit: pull principal: %w", err)
	}

	v.positions[dealID] = &position{
		principal: new(uint256.Int).Set(amount),
		booked:    new(uint256.Int),
		since:     v.cfg.Now(),
	}
	slog.Debug("vault: deposited", "deal", dealID, "amount", amount.Dec())
	return nil
}

// Withdraw pays principal + accrued yield back to custody and closes the
// position.
func (v *Vault) Withdraw(_ context.Context, caller common.Address, dealID uint64) (*uint256.Int, error) {
	if caller != v.cfg.Escrow {
		return nil, domain.NewError(domain.CodeUnauthorized, "vault: caller is not the escrow",
			"caller", caller.Hex())
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	pos, ok := v.positions[dealID]
	if !ok {
		return nil, domain.NewError(domain.CodeNoActiveDeposit, "vault: no position for deal",
			"deal", fmt.Sprint(dealID))
	}

	total := new(uint256.Int).Add(pos.principal, v.accruedLocked(pos))
	custody := domain.CustodyAccount(v.cfg.Escrow, dealID)
	if err := v.token.Transfer(v.cfg.Address, custody, total); err != nil {
		return nil, fmt.Errorf("yield.Withdraw: pay out deal %d: %w", dealID, err)
	}

	delete(v.positions, dealID)
	slog.Debug("vault: withdrawn", "deal", dealID, "total", total.Dec())
	return total, nil
}

// AccruedYield reports the yield a Withdraw would currently add.
func (v *Vault) AccruedYield(_ context.Context, dealID uint64) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos, ok := v.positions[dealID]
	if !ok {
		return nil, domain.NewError(domain.CodeNoActiveDeposit, "vault: no position for deal",
			"deal", fmt.Sprint(dealID))
	}
	return v.accruedLocked(pos), nil
}

// Accrue books an explicit yield amount on a position, e.g. a harvested
// reward. The vault's reserve must cover it at withdraw time.
func (v *Vault) Accrue(dealID uint64, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos, ok := v.positions[dealID]
	if !ok {
		return domain.NewError(domain.CodeNoActiveDeposit, "vault: no position for deal",
			"deal", fmt.Sprint(dealID))
	}
	pos.booked = new(uint256.Int).Add(pos.booked, amount)
	return nil
}

// accruedLocked = principal × apy × elapsed / year + booked.
func (v *Vault) accruedLocked(pos *position) *uint256.Int {
	accrued := new(uint256.Int).Set(pos.booked)
	if v.cfg.APYBps == 0 {
		return accrued
	}
	elapsed := v.cfg.Now().Sub(pos.since)
	if elapsed <= 0 {
		return accrued
	}
	num := new(uint256.Int).Mul(uint256.NewInt(v.cfg.APYBps), uint256.NewInt(uint64(elapsed/time.Second)))
	linear, overflow := new(uint256.Int).MulDivOverflow(pos.principal, num, uint256.NewInt(bpsDenominator*secondsPerYear))
	if overflow {
		return accrued
	}
	return accrued.Add(accrued, linear)
}
