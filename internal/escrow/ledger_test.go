package escrow_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/restless/internal/adapters/liquidity"
	"github.com/alejandrodnm/restless/internal/adapters/storage"
	"github.com/alejandrodnm/restless/internal/adapters/token"
	"github.com/alejandrodnm/restless/internal/adapters/yield"
	"github.com/alejandrodnm/restless/internal/authz"
	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/alejandrodnm/restless/internal/escrow"
	"github.com/alejandrodnm/restless/internal/ports"
	"github.com/alejandrodnm/restless/internal/settlement"
	"github.com/alejandrodnm/restless/internal/swaphook"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chainID   = 31337
	principal = 5_000_000_000 // 5000 USDC
	accrued   = 100_000_000   // 100 USDC
)

var (
	escrowAddr   = common.HexToAddress("0xe5c0")
	adminAddr    = common.HexToAddress("0xad")
	vaultAddr    = common.HexToAddress("0x7a17")
	bridgeAddr   = common.HexToAddress("0xb1d9e")
	hookAddr     = common.HexToAddress("0x400c")
	facilityAddr = common.HexToAddress("0xf0")
	stranger     = common.HexToAddress("0x5e")
	terms        = crypto.Keccak256Hash([]byte("deliver 100 widgets by march"))
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// shortBridge draws `draw` from the payer whatever it was approved for, then
// fails with err if set.
type shortBridge struct {
	usdc *token.Ledger
	draw *uint256.Int
	err  error
}

func (b *shortBridge) Address() common.Address { return bridgeAddr }

func (b *shortBridge) Bridge(_ context.Context, req ports.BridgeRequest) (string, error) {
	amount := b.draw
	if amount == nil {
		amount = b.usdc.Allowance(req.Payer, bridgeAddr)
	}
	if !amount.IsZero() {
		if err := b.usdc.TransferFrom(bridgeAddr, req.Payer, bridgeAddr, amount); err != nil {
			return "", err
		}
	}
	if b.err != nil {
		return "", b.err
	}
	return "relay-1", nil
}

func (b *shortBridge) Return(_ context.Context, req ports.BridgeRequest, amount *uint256.Int) error {
	return b.usdc.Transfer(bridgeAddr, req.Payer, amount)
}

type party struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newParty(t *testing.T) party {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return party{key: k, addr: crypto.PubkeyToAddress(k.PublicKey)}
}

type env struct {
	clock    *fakeClock
	usdc     *token.Ledger
	weth     *token.Ledger
	vault    *yield.Vault
	engine   *settlement.Engine
	verifier *authz.Verifier
	hook     *swaphook.Hook
	events   *recorder
	ledger   *escrow.Ledger

	depositor    party
	counterparty party
}

func newEnv(t *testing.T, bridge ports.BridgeFacility, store ports.DealStore) *env {
	t.Helper()
	e := &env{
		clock:        &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		usdc:         token.NewLedger("USDC", 6),
		weth:         token.NewLedger("WETH", 18),
		events:       &recorder{},
		depositor:    newParty(t),
		counterparty: newParty(t),
	}
	tokens := token.NewRegistry(e.usdc, e.weth)

	e.vault = yield.NewVault(yield.Config{Address: vaultAddr, Escrow: escrowAddr, Now: e.clock.Now}, e.usdc)
	require.NoError(t, e.usdc.Mint(vaultAddr, uint256.NewInt(1_000_000_000_000)))

	f := liquidity.NewFacility(facilityAddr, tokens)
	key := domain.NewPoolKey("USDC", "WETH", 3000, 60, hookAddr)
	require.NoError(t, f.AddPool(key, "USDC", decimal.RequireFromString("0.0005")))
	require.NoError(t, e.weth.Mint(facilityAddr, uint256.MustFromDecimal("10000000000000000000")))
	e.hook = swaphook.New(swaphook.Config{Address: hookAddr, Admin: adminAddr, SettlementAsset: "USDC"}, tokens, f, e.events)
	require.NoError(t, e.hook.SetSettlementCaller(adminAddr, escrowAddr))
	require.NoError(t, e.hook.SetPoolKey(context.Background(), adminAddr, "WETH", key))

	e.engine = settlement.New(settlement.Config{Escrow: escrowAddr, Asset: "USDC", Now: e.clock.Now}, e.usdc, bridge, nil)
	e.verifier = authz.NewVerifier(chainID, escrowAddr)
	e.ledger = escrow.New(escrow.Config{
		Escrow: escrowAddr,
		Admin:  adminAddr,
		Now:    e.clock.Now,
	}, e.usdc, e.vault, e.engine, e.verifier, store, e.events)
	return e
}

func (e *env) request(split uint8) escrow.CreateDealRequest {
	return escrow.CreateDealRequest{
		Counterparty:    e.counterparty.addr,
		Principal:       uint256.NewInt(principal),
		YieldSplit:      split,
		Timeout:         48 * time.Hour,
		TermsCommitment: terms,
	}
}

// open creates and funds a deal with split, then books `accrued` of yield.
func (e *env) open(t *testing.T, split uint8) domain.Deal {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.usdc.Mint(e.depositor.addr, uint256.NewInt(principal)))
	require.NoError(t, e.usdc.Approve(e.depositor.addr, escrowAddr, uint256.NewInt(principal)))

	d, err := e.ledger.CreateDeal(ctx, e.depositor.addr, e.request(split))
	require.NoError(t, err)
	d, err = e.ledger.FundDeal(ctx, e.depositor.addr, d.ID)
	require.NoError(t, err)
	require.NoError(t, e.vault.Accrue(d.ID, uint256.NewInt(accrued)))
	return d
}

func (e *env) balance(addr common.Address) uint64 {
	return e.usdc.BalanceOf(addr).Uint64()
}

func (e *env) sign(t *testing.T, p party, dealID uint64) []byte {
	t.Helper()
	sig, err := e.verifier.Sign(p.key, dealID, terms)
	require.NoError(t, err)
	return sig
}

func TestLedger_SettleAllYieldToCounterparty(t *testing.T) {
	e := newEnv(t, nil, nil)
	d := e.open(t, 100)
	assert.Equal(t, uint64(0), e.balance(e.depositor.addr))

	rec, err := e.ledger.SettleDeal(context.Background(), e.depositor.addr, d.ID, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(5_100_000_000), e.balance(e.counterparty.addr))
	assert.Equal(t, uint64(0), e.balance(e.depositor.addr))
	assert.Equal(t, uint64(0), e.balance(d.Custody(escrowAddr)))
	assert.Equal(t, domain.RouteDirect, rec.Route)

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, got.Status)
	require.NotNil(t, got.ClosedAt)
}

func TestLedger_SettleEvenSplit(t *testing.T) {
	e := newEnv(t, nil, nil)
	d := e.open(t, 50)

	rec, err := e.ledger.SettleDeal(context.Background(), e.counterparty.addr, d.ID, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(5_050_000_000), e.balance(e.counterparty.addr))
	assert.Equal(t, uint64(50_000_000), e.balance(e.depositor.addr))
	assert.Equal(t, "5050000000", rec.CounterpartyPayout.Dec())
	assert.Equal(t, "50000000", rec.DepositorPayout.Dec())
}

func TestLedger_DisputeThenTimeoutRefundsDepositor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	d := e.open(t, 100)

	_, err := e.ledger.DisputeDeal(ctx, e.counterparty.addr, d.ID)
	require.NoError(t, err)

	_, err = e.ledger.ClaimTimeout(ctx, e.depositor.addr, d.ID)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeTimeoutNotElapsed))
	meta := domain.GetMetadata(err)
	assert.Equal(t, "2026-03-03T12:00:00Z", meta["timeout_at"])
	assert.Equal(t, "48h0m0s", meta["remaining"])

	e.clock.Advance(48 * time.Hour)

	_, err = e.ledger.ClaimTimeout(ctx, e.counterparty.addr, d.ID)
	assert.True(t, domain.IsCode(err, domain.CodeUnauthorized))

	rec, err := e.ledger.ClaimTimeout(ctx, e.depositor.addr, d.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_100_000_000), e.balance(e.depositor.addr))
	assert.Equal(t, uint64(0), e.balance(e.counterparty.addr))
	assert.Equal(t, "0", rec.CounterpartyPayout.Dec())

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimedOut, got.Status)
}

func TestLedger_DisputedDealCannotSettle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	d := e.open(t, 100)

	_, err := e.ledger.DisputeDeal(ctx, e.depositor.addr, d.ID)
	require.NoError(t, err)

	_, err = e.ledger.SettleDeal(ctx, e.depositor.addr, d.ID, nil, nil)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition))

	got, err := e.ledger.AccruedYield(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(accrued), got.Uint64())
}

func TestLedger_BridgeSettlement(t *testing.T) {
	b := &shortBridge{}
	e := newEnv(t, b, nil)
	b.usdc = e.usdc
	d := e.open(t, 50)

	rec, err := e.ledger.SettleDeal(context.Background(), e.depositor.addr, d.ID, []byte{0x01, 0x02}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.RouteBridge, rec.Route)
	assert.Equal(t, "relay-1", rec.BridgeTransferID)
	assert.Equal(t, uint64(5_050_000_000), e.balance(bridgeAddr))
	assert.Equal(t, uint64(50_000_000), e.balance(e.depositor.addr))
	assert.True(t, e.usdc.Allowance(d.Custody(escrowAddr), bridgeAddr).IsZero())
}

func TestLedger_BridgeMismatchKeepsDealFunded(t *testing.T) {
	b := &shortBridge{draw: new(uint256.Int)}
	e := newEnv(t, b, nil)
	b.usdc = e.usdc
	d := e.open(t, 100)

	_, err := e.ledger.SettleDeal(context.Background(), e.depositor.addr, d.ID, []byte{0x01}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeBridgeAmountMismatch))

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFunded, got.Status)
	assert.Equal(t, uint64(0), e.balance(d.Custody(escrowAddr)))
	assert.Equal(t, uint64(0), e.balance(e.counterparty.addr))

	// The position is back in the vault and a direct settlement still works.
	_, err = e.ledger.SettleDeal(context.Background(), e.depositor.addr, d.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_100_000_000), e.balance(e.counterparty.addr))
}

func TestLedger_BridgePartialDrawReturned(t *testing.T) {
	b := &shortBridge{draw: uint256.NewInt(4_000_000_000)}
	e := newEnv(t, b, nil)
	b.usdc = e.usdc
	d := e.open(t, 100)
	ctx := context.Background()

	_, err := e.ledger.SettleDeal(ctx, e.depositor.addr, d.ID, []byte{0x01}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeBridgeAmountMismatch))
	assert.Equal(t, "4000000000", domain.GetMetadata(err)["drawn"])

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFunded, got.Status)
	assert.Equal(t, uint64(0), e.balance(bridgeAddr))
	assert.Equal(t, uint64(0), e.balance(d.Custody(escrowAddr)))

	// The whole 5100 went back into the vault.
	acc, err := e.vault.AccruedYield(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, acc.IsZero())

	rec, err := e.ledger.SettleDeal(ctx, e.depositor.addr, d.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "5100000000", rec.Total.Dec())
	assert.Equal(t, uint64(5_100_000_000), e.balance(e.counterparty.addr))
}

func TestLedger_TimeoutAfterBridgeLossRefundsRemainder(t *testing.T) {
	b := &shortBridge{err: fmt.Errorf("relay timeout: %w", ports.ErrBridgeOutcomeUnknown)}
	e := newEnv(t, b, nil)
	b.usdc = e.usdc
	d := e.open(t, 50)
	ctx := context.Background()

	_, err := e.ledger.SettleDeal(ctx, e.depositor.addr, d.ID, []byte{0x01}, nil)
	require.Error(t, err)
	assert.Equal(t, uint64(5_050_000_000), e.balance(bridgeAddr))

	// Only 50 is back in the vault; a settle cannot cover principal.
	_, err = e.ledger.SettleDeal(ctx, e.depositor.addr, d.ID, nil, nil)
	assert.True(t, domain.IsCode(err, domain.CodeInsufficientTotal))

	_, err = e.ledger.DisputeDeal(ctx, e.counterparty.addr, d.ID)
	require.NoError(t, err)
	e.clock.Advance(48 * time.Hour)

	rec, err := e.ledger.ClaimTimeout(ctx, e.depositor.addr, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "50000000", rec.DepositorPayout.Dec())
	assert.Equal(t, uint64(50_000_000), e.balance(e.depositor.addr))

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimedOut, got.Status)
}

func TestLedger_BridgeNotConfiguredKeepsDealFunded(t *testing.T) {
	e := newEnv(t, nil, nil)
	d := e.open(t, 100)

	_, err := e.ledger.SettleDeal(context.Background(), e.depositor.addr, d.ID, []byte{0x01}, nil)
	assert.True(t, domain.IsCode(err, domain.CodeBridgeNotSet))

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFunded, got.Status)
}

func TestLedger_SettleWithHook(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	d := e.open(t, 100)

	_, err := e.ledger.SettleDealWithHook(ctx, e.depositor.addr, d.ID, "WETH", nil)
	assert.True(t, domain.IsCode(err, domain.CodeHookNotSet))

	require.NoError(t, e.ledger.SetHook(ctx, adminAddr, e.hook))

	rec, err := e.ledger.SettleDealWithHook(ctx, e.depositor.addr, d.ID, "WETH", nil)
	require.NoError(t, err)

	// 100 USDC of yield at 0.0005 WETH per USDC.
	assert.Equal(t, "50000000000000000", rec.AmountOut.Dec())
	assert.Equal(t, domain.Asset("WETH"), rec.OutputAsset)
	assert.Equal(t, uint64(principal), e.balance(e.counterparty.addr))
	assert.Equal(t, "50000000000000000", e.weth.BalanceOf(e.counterparty.addr).Dec())
	assert.Equal(t, uint64(0), e.balance(hookAddr))
}

func TestLedger_SettleWithHookUnknownPoolKeepsDealFunded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	require.NoError(t, e.ledger.SetHook(ctx, adminAddr, e.hook))
	d := e.open(t, 100)

	_, err := e.ledger.SettleDealWithHook(ctx, e.depositor.addr, d.ID, "DAI", nil)
	require.Error(t, err)

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFunded, got.Status)
	assert.Equal(t, uint64(0), e.balance(hookAddr))
	assert.Equal(t, uint64(0), e.balance(d.Custody(escrowAddr)))
}

func TestLedger_RelayedSettlement(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	d := e.open(t, 50)

	_, err := e.ledger.SettleDeal(ctx, stranger, d.ID, nil, nil)
	assert.True(t, domain.IsCode(err, domain.CodeUnauthorized))

	swapped := &authz.DualSignature{
		Depositor:    e.sign(t, e.counterparty, d.ID),
		Counterparty: e.sign(t, e.depositor, d.ID),
	}
	_, err = e.ledger.SettleDeal(ctx, stranger, d.ID, nil, swapped)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidDepositorSignature))

	missingCounterparty := &authz.DualSignature{
		Depositor:    e.sign(t, e.depositor, d.ID),
		Counterparty: e.sign(t, e.depositor, d.ID),
	}
	_, err = e.ledger.SettleDeal(ctx, stranger, d.ID, nil, missingCounterparty)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidCounterpartySignature))

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFunded, got.Status)

	sigs := &authz.DualSignature{
		Depositor:    e.sign(t, e.depositor, d.ID),
		Counterparty: e.sign(t, e.counterparty, d.ID),
	}
	_, err = e.ledger.SettleDeal(ctx, stranger, d.ID, nil, sigs)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_050_000_000), e.balance(e.counterparty.addr))
	assert.Equal(t, uint64(50_000_000), e.balance(e.depositor.addr))
	assert.Equal(t, uint64(0), e.balance(stranger))

	// Replaying the same signatures finds a settled deal.
	_, err = e.ledger.SettleDeal(ctx, stranger, d.ID, nil, sigs)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition))
}

func TestLedger_CreateValidation(t *testing.T) {
	e := newEnv(t, nil, nil)

	tests := []struct {
		name   string
		caller common.Address
		mutate func(r *escrow.CreateDealRequest)
		code   domain.Code
	}{
		{"zero principal", e.depositor.addr, func(r *escrow.CreateDealRequest) { r.Principal = new(uint256.Int) }, domain.CodeInvalidPrincipal},
		{"nil principal", e.depositor.addr, func(r *escrow.CreateDealRequest) { r.Principal = nil }, domain.CodeInvalidPrincipal},
		{"zero counterparty", e.depositor.addr, func(r *escrow.CreateDealRequest) { r.Counterparty = common.Address{} }, domain.CodeZeroCounterparty},
		{"self dealing", e.counterparty.addr, func(r *escrow.CreateDealRequest) {}, domain.CodeSelfDealing},
		{"split above 100", e.depositor.addr, func(r *escrow.CreateDealRequest) { r.YieldSplit = 101 }, domain.CodeInvalidSplit},
		{"timeout too short", e.depositor.addr, func(r *escrow.CreateDealRequest) { r.Timeout = time.Hour }, domain.CodeInvalidTimeout},
		{"timeout too long", e.depositor.addr, func(r *escrow.CreateDealRequest) { r.Timeout = 31 * 24 * time.Hour }, domain.CodeInvalidTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := e.request(50)
			tt.mutate(&req)
			_, err := e.ledger.CreateDeal(context.Background(), tt.caller, req)
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.GetCode(err))
			assert.Equal(t, domain.KindValidation, tt.code.Kind())
		})
	}
	assert.Empty(t, e.ledger.Deals())
}

func TestLedger_CreateAcceptsBounds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)

	for _, timeout := range []time.Duration{escrow.DefaultMinTimeout, escrow.DefaultMaxTimeout} {
		for _, split := range []uint8{0, 100} {
			req := e.request(split)
			req.Timeout = timeout
			_, err := e.ledger.CreateDeal(ctx, e.depositor.addr, req)
			require.NoError(t, err)
		}
	}

	deals := e.ledger.Deals()
	require.Len(t, deals, 4)
	for i, d := range deals {
		assert.Equal(t, uint64(i+1), d.ID)
		assert.Equal(t, domain.StatusCreated, d.Status)
	}
}

func TestLedger_StateMachineGuards(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	d := e.open(t, 100)

	_, err := e.ledger.FundDeal(ctx, e.depositor.addr, d.ID)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition), "double fund")

	_, err = e.ledger.CancelDeal(ctx, e.depositor.addr, d.ID)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition), "cancel funded")

	_, err = e.ledger.ClaimTimeout(ctx, e.depositor.addr, d.ID)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition), "claim without dispute")
	meta := domain.GetMetadata(err)
	assert.Equal(t, "FUNDED", meta["status"])
	assert.Equal(t, domain.TransitionClaimTimeout, meta["transition"])

	_, err = e.ledger.DisputeDeal(ctx, stranger, d.ID)
	assert.True(t, domain.IsCode(err, domain.CodeUnauthorized), "stranger dispute")

	_, err = e.ledger.SettleDeal(ctx, e.depositor.addr, 99, nil, nil)
	assert.True(t, domain.IsCode(err, domain.CodeDealNotFound))

	fresh, err := e.ledger.CreateDeal(ctx, e.depositor.addr, e.request(0))
	require.NoError(t, err)

	_, err = e.ledger.DisputeDeal(ctx, e.depositor.addr, fresh.ID)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition), "dispute unfunded")

	_, err = e.ledger.SettleDeal(ctx, e.depositor.addr, fresh.ID, nil, nil)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition), "settle unfunded")

	_, err = e.ledger.AccruedYield(ctx, fresh.ID)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition))

	_, err = e.ledger.FundDeal(ctx, e.counterparty.addr, fresh.ID)
	assert.True(t, domain.IsCode(err, domain.CodeUnauthorized), "counterparty fund")
}

func TestLedger_Cancel(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)

	d, err := e.ledger.CreateDeal(ctx, e.depositor.addr, e.request(50))
	require.NoError(t, err)

	_, err = e.ledger.CancelDeal(ctx, stranger, d.ID)
	assert.True(t, domain.IsCode(err, domain.CodeUnauthorized))

	cancelled, err := e.ledger.CancelDeal(ctx, e.counterparty.addr, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.ClosedAt)

	_, err = e.ledger.FundDeal(ctx, e.depositor.addr, d.ID)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition))
	_, err = e.ledger.CancelDeal(ctx, e.depositor.addr, d.ID)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition))
}

func TestLedger_FundWithoutAllowanceLeavesDealCreated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	require.NoError(t, e.usdc.Mint(e.depositor.addr, uint256.NewInt(principal)))

	d, err := e.ledger.CreateDeal(ctx, e.depositor.addr, e.request(50))
	require.NoError(t, err)

	_, err = e.ledger.FundDeal(ctx, e.depositor.addr, d.ID)
	assert.True(t, domain.IsCode(err, domain.CodeTransferFailed))

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.Status)
	assert.Equal(t, uint64(principal), e.balance(e.depositor.addr))
}

func TestLedger_FailedDepositRefundsDepositor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	require.NoError(t, e.usdc.Mint(e.depositor.addr, uint256.NewInt(principal)))
	require.NoError(t, e.usdc.Approve(e.depositor.addr, escrowAddr, uint256.NewInt(principal)))

	d, err := e.ledger.CreateDeal(ctx, e.depositor.addr, e.request(50))
	require.NoError(t, err)

	// A stale position under the same id makes the vault refuse the deposit.
	custody := d.Custody(escrowAddr)
	require.NoError(t, e.usdc.Mint(custody, uint256.NewInt(1)))
	require.NoError(t, e.usdc.Approve(custody, vaultAddr, uint256.NewInt(1)))
	require.NoError(t, e.vault.Deposit(ctx, escrowAddr, d.ID, uint256.NewInt(1)))

	_, err = e.ledger.FundDeal(ctx, e.depositor.addr, d.ID)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeAdapterFailed))
	assert.True(t, domain.IsCode(errors.Unwrap(err), domain.CodeAlreadyDeposited))

	got, err := e.ledger.Deal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.Status)
	assert.Equal(t, uint64(principal), e.balance(e.depositor.addr))
	assert.Equal(t, uint64(0), e.balance(custody))
	assert.True(t, e.usdc.Allowance(custody, vaultAddr).IsZero())
}

func TestLedger_PauseBlocksCreateAndFundOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	d := e.open(t, 100)

	require.NoError(t, e.usdc.Mint(e.depositor.addr, uint256.NewInt(principal)))
	require.NoError(t, e.usdc.Approve(e.depositor.addr, escrowAddr, uint256.NewInt(principal)))
	pending, err := e.ledger.CreateDeal(ctx, e.depositor.addr, e.request(50))
	require.NoError(t, err)

	err = e.ledger.Pause(ctx, e.depositor.addr)
	assert.True(t, domain.IsCode(err, domain.CodeUnauthorized))
	require.NoError(t, e.ledger.Pause(ctx, adminAddr))
	assert.True(t, e.ledger.Paused())

	_, err = e.ledger.CreateDeal(ctx, e.depositor.addr, e.request(50))
	assert.True(t, domain.IsCode(err, domain.CodePaused))
	_, err = e.ledger.FundDeal(ctx, e.depositor.addr, pending.ID)
	assert.True(t, domain.IsCode(err, domain.CodePaused))

	_, err = e.ledger.SettleDeal(ctx, e.counterparty.addr, d.ID, nil, nil)
	require.NoError(t, err)
	_, err = e.ledger.CancelDeal(ctx, e.depositor.addr, pending.ID)
	require.NoError(t, err)

	require.NoError(t, e.ledger.Unpause(ctx, adminAddr))
	assert.False(t, e.ledger.Paused())
	_, err = e.ledger.CreateDeal(ctx, e.depositor.addr, e.request(50))
	require.NoError(t, err)
}

func TestLedger_AdminEvents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)

	err := e.ledger.SetHook(ctx, stranger, e.hook)
	assert.True(t, domain.IsCode(err, domain.CodeUnauthorized))
	assert.Nil(t, e.engine.Hook())

	require.NoError(t, e.ledger.SetHook(ctx, adminAddr, e.hook))
	require.NoError(t, e.ledger.Pause(ctx, adminAddr))
	require.NoError(t, e.ledger.Pause(ctx, adminAddr)) // already paused, no event
	require.NoError(t, e.ledger.Unpause(ctx, adminAddr))

	assert.NotNil(t, e.engine.Hook())
	assert.Equal(t, []domain.EventKind{
		domain.EventPoolKeySet,
		domain.EventHookUpdated,
		domain.EventPaused,
		domain.EventUnpaused,
	}, e.events.kinds())
}

func TestLedger_LifecycleEvents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	d := e.open(t, 50)
	_, err := e.ledger.SettleDeal(ctx, e.depositor.addr, d.ID, nil, nil)
	require.NoError(t, err)

	kinds := e.events.kinds()
	assert.Equal(t, []domain.EventKind{
		domain.EventPoolKeySet,
		domain.EventDealCreated,
		domain.EventDealFunded,
		domain.EventDealSettled,
	}, kinds)

	settled := e.events.events[len(e.events.events)-1]
	assert.Equal(t, d.ID, settled.DealID)
	assert.Equal(t, "5050000000", settled.Attributes["counterparty_payout"])
	assert.Equal(t, "direct", settled.Attributes["route"])
	assert.NotEmpty(t, settled.ID)
}

func TestLedger_RestoreResumesIDs(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := newEnv(t, nil, store)
	d := e.open(t, 50)
	_, err = e.ledger.SettleDeal(ctx, e.depositor.addr, d.ID, nil, nil)
	require.NoError(t, err)
	created, err := e.ledger.CreateDeal(ctx, e.depositor.addr, e.request(0))
	require.NoError(t, err)

	settlements, err := store.GetSettlements(ctx)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, "5050000000", settlements[0].CounterpartyPayout.Dec())

	restored := escrow.New(escrow.Config{Escrow: escrowAddr, Admin: adminAddr}, e.usdc, e.vault, e.engine, e.verifier, store, nil)
	require.NoError(t, restored.Restore(ctx))

	deals := restored.Deals()
	require.Len(t, deals, 2)
	assert.Equal(t, domain.StatusSettled, deals[0].Status)
	assert.Equal(t, domain.StatusCreated, deals[1].Status)
	assert.Equal(t, created.TermsCommitment, deals[1].TermsCommitment)

	next, err := restored.CreateDeal(ctx, e.depositor.addr, e.request(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.ID)
}

func TestLedger_ConcurrentDealsSettleIndependently(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)

	const n = 8
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = e.open(t, 100).ID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			_, errs[i] = e.ledger.SettleDeal(ctx, e.depositor.addr, id, nil, nil)
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(n*5_100_000_000), e.balance(e.counterparty.addr))
}
