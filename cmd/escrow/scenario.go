package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/restless/internal/authz"
	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/alejandrodnm/restless/internal/escrow"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// scenario es un flujo completo contra el sistema cableado. Cada uno crea
// sus propias cuentas y verifica los deltas de balance que espera.
type scenario struct {
	name string
	desc string
	run  func(ctx context.Context, s *system) error
}

var scenarios = []scenario{
	{"happy", "counterparty keeps all yield, direct payout", runHappy},
	{"split", "even split, settled by a relayer with both signatures", runSplit},
	{"dispute", "dispute then timeout refund to the depositor", runDispute},
	{"bridge", "counterparty payout through the bridge relay", runBridge},
	{"swap", "counterparty yield delivered in the preferred asset", runSwap},
	{"cancel", "cancel before funding", runCancel},
	{"pause", "admin pause blocks new deals", runPause},
	{"batch", "independent deals settled concurrently", runBatch},
}

func scenarioNames() []string {
	names := make([]string, len(scenarios))
	for i, sc := range scenarios {
		names[i] = sc.name
	}
	return names
}

func runScenarios(ctx context.Context, s *system, name string) error {
	for _, sc := range scenarios {
		if name != "all" && name != sc.name {
			continue
		}
		slog.Info("=== scenario: "+sc.name+" ===", "desc", sc.desc)
		if err := sc.run(ctx, s); err != nil {
			return fmt.Errorf("scenario %s: %w", sc.name, err)
		}
		if name != "all" {
			return nil
		}
	}
	if name != "all" {
		return fmt.Errorf("unknown scenario %q", name)
	}
	return nil
}

type party struct {
	name string
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newParty(name string) (party, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return party{}, fmt.Errorf("generate key for %s: %w", name, err)
	}
	return party{name: name, key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// fundedDeal crea y fondea un deal por principal (unidades enteras) y
// registra yield como rendimiento cosechado en el vault.
type fundedDeal struct {
	deal         domain.Deal
	depositor    party
	counterparty party
	terms        string
}

func (s *system) openDeal(ctx context.Context, label, principal, yield string, split uint8) (fundedDeal, error) {
	var fd fundedDeal
	var err error
	if fd.depositor, err = newParty(label + "-depositor"); err != nil {
		return fd, err
	}
	if fd.counterparty, err = newParty(label + "-counterparty"); err != nil {
		return fd, err
	}

	amount, err := toBase(principal, s.usdc.Decimals())
	if err != nil {
		return fd, err
	}
	if err := s.usdc.Mint(fd.depositor.addr, amount); err != nil {
		return fd, err
	}
	if err := s.usdc.Approve(fd.depositor.addr, s.escrow, amount); err != nil {
		return fd, err
	}

	fd.terms = fmt.Sprintf("%s: %s %s, %d%% of yield to counterparty", label, principal, s.asset, split)
	deal, err := s.ledger.CreateDeal(ctx, fd.depositor.addr, escrow.CreateDealRequest{
		Counterparty:    fd.counterparty.addr,
		Principal:       amount,
		YieldSplit:      split,
		Timeout:         s.cfg.DefaultTimeout(),
		TermsCommitment: crypto.Keccak256Hash([]byte(fd.terms)),
	})
	if err != nil {
		return fd, err
	}
	if fd.deal, err = s.ledger.FundDeal(ctx, fd.depositor.addr, deal.ID); err != nil {
		return fd, err
	}

	if yield != "" {
		harvest, err := toBase(yield, s.usdc.Decimals())
		if err != nil {
			return fd, err
		}
		if err := s.vault.Accrue(deal.ID, harvest); err != nil {
			return fd, err
		}
	}
	return fd, nil
}

// balances toma una foto de los balances de accounts en asset.
func (s *system) balances(asset domain.Asset, accounts ...common.Address) (map[common.Address]*uint256.Int, error) {
	tok, err := s.tokens.Token(asset)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]*uint256.Int, len(accounts))
	for _, a := range accounts {
		out[a] = tok.BalanceOf(a)
	}
	return out, nil
}

// expectDelta verifica que account recibió exactamente want (unidades
// enteras) de asset desde la foto before.
func (s *system) expectDelta(asset domain.Asset, who string, account common.Address, before map[common.Address]*uint256.Int, want string) error {
	tok, err := s.tokens.Token(asset)
	if err != nil {
		return err
	}
	wantBase, err := toBase(want, tok.Decimals())
	if err != nil {
		return err
	}
	after := tok.BalanceOf(account)
	got := new(uint256.Int)
	if after.Gt(before[account]) {
		got.Sub(after, before[account])
	}
	slog.Info("scenario: balance delta", "who", who, "asset", asset, "received", s.console.Format(asset, got))
	if !got.Eq(wantBase) {
		return fmt.Errorf("%s received %s %s, want %s", who, s.console.Format(asset, got), asset, want)
	}
	return nil
}

func runHappy(ctx context.Context, s *system) error {
	fd, err := s.openDeal(ctx, "happy", "5000", "100", 100)
	if err != nil {
		return err
	}
	before, err := s.balances(s.asset, fd.depositor.addr, fd.counterparty.addr)
	if err != nil {
		return err
	}

	if _, err := s.ledger.SettleDeal(ctx, fd.counterparty.addr, fd.deal.ID, nil, nil); err != nil {
		return err
	}

	if err := s.expectDelta(s.asset, "counterparty", fd.counterparty.addr, before, "5100"); err != nil {
		return err
	}
	return s.expectDelta(s.asset, "depositor", fd.depositor.addr, before, "0")
}

func runSplit(ctx context.Context, s *system) error {
	fd, err := s.openDeal(ctx, "split", "5000", "100", 50)
	if err != nil {
		return err
	}
	relayer, err := newParty("relayer")
	if err != nil {
		return err
	}
	before, err := s.balances(s.asset, fd.depositor.addr, fd.counterparty.addr, relayer.addr)
	if err != nil {
		return err
	}

	// Without signatures a third party is rejected.
	if _, err := s.ledger.SettleDeal(ctx, relayer.addr, fd.deal.ID, nil, nil); !domain.IsCode(err, domain.CodeUnauthorized) {
		return fmt.Errorf("unsigned relay: got %v, want %s", err, domain.CodeUnauthorized)
	}

	var sigs authz.DualSignature
	if sigs.Depositor, err = s.verifier.Sign(fd.depositor.key, fd.deal.ID, fd.deal.TermsCommitment); err != nil {
		return err
	}
	if sigs.Counterparty, err = s.verifier.Sign(fd.counterparty.key, fd.deal.ID, fd.deal.TermsCommitment); err != nil {
		return err
	}
	if _, err := s.ledger.SettleDeal(ctx, relayer.addr, fd.deal.ID, nil, &sigs); err != nil {
		return err
	}

	if err := s.expectDelta(s.asset, "counterparty", fd.counterparty.addr, before, "5050"); err != nil {
		return err
	}
	if err := s.expectDelta(s.asset, "depositor", fd.depositor.addr, before, "50"); err != nil {
		return err
	}
	return s.expectDelta(s.asset, "relayer", relayer.addr, before, "0")
}

func runDispute(ctx context.Context, s *system) error {
	fd, err := s.openDeal(ctx, "dispute", "5000", "100", 50)
	if err != nil {
		return err
	}
	if _, err := s.ledger.DisputeDeal(ctx, fd.counterparty.addr, fd.deal.ID); err != nil {
		return err
	}

	_, err = s.ledger.ClaimTimeout(ctx, fd.depositor.addr, fd.deal.ID)
	if !domain.IsCode(err, domain.CodeTimeoutNotElapsed) {
		return fmt.Errorf("early claim: got %v, want %s", err, domain.CodeTimeoutNotElapsed)
	}
	slog.Info("scenario: early claim rejected", "remaining", domain.GetMetadata(err)["remaining"])

	s.clock.Advance(fd.deal.TimeoutDuration + time.Second)

	before, err := s.balances(s.asset, fd.depositor.addr, fd.counterparty.addr)
	if err != nil {
		return err
	}
	accrued, err := s.ledger.AccruedYield(ctx, fd.deal.ID)
	if err != nil {
		return err
	}
	rec, err := s.ledger.ClaimTimeout(ctx, fd.depositor.addr, fd.deal.ID)
	if err != nil {
		return err
	}

	want := new(uint256.Int).Add(fd.deal.Principal, accrued)
	if !rec.DepositorPayout.Eq(want) {
		return fmt.Errorf("refund %s, want %s", rec.DepositorPayout.Dec(), want.Dec())
	}
	if err := s.expectDelta(s.asset, "depositor", fd.depositor.addr, before, s.console.Format(s.asset, want)); err != nil {
		return err
	}
	return s.expectDelta(s.asset, "counterparty", fd.counterparty.addr, before, "0")
}

func runBridge(ctx context.Context, s *system) error {
	fd, err := s.openDeal(ctx, "bridge", "5000", "100", 50)
	if err != nil {
		return err
	}
	bridgeAcc := common.HexToAddress(s.cfg.Bridge.Address)
	before, err := s.balances(s.asset, fd.depositor.addr, bridgeAcc)
	if err != nil {
		return err
	}

	rec, err := s.ledger.SettleDeal(ctx, fd.depositor.addr, fd.deal.ID, []byte("chain:10"), nil)
	if err != nil {
		return err
	}
	slog.Info("scenario: bridged", "transfer", rec.BridgeTransferID)

	if err := s.expectDelta(s.asset, "bridge", bridgeAcc, before, "5050"); err != nil {
		return err
	}
	return s.expectDelta(s.asset, "depositor", fd.depositor.addr, before, "50")
}

func runSwap(ctx context.Context, s *system) error {
	if len(s.cfg.Swap.Pools) == 0 {
		slog.Warn("scenario: no swap pools configured, skipping")
		return nil
	}
	preferred := domain.Asset(s.cfg.Swap.Pools[0].Preferred)

	fd, err := s.openDeal(ctx, "swap", "5000", "50", 100)
	if err != nil {
		return err
	}
	beforeSettle, err := s.balances(s.asset, fd.counterparty.addr)
	if err != nil {
		return err
	}
	beforeOut, err := s.balances(preferred, fd.counterparty.addr)
	if err != nil {
		return err
	}

	rec, err := s.ledger.SettleDealWithHook(ctx, fd.counterparty.addr, fd.deal.ID, preferred, nil)
	if err != nil {
		return err
	}

	if err := s.expectDelta(s.asset, "counterparty", fd.counterparty.addr, beforeSettle, "5000"); err != nil {
		return err
	}
	return s.expectDelta(preferred, "counterparty", fd.counterparty.addr, beforeOut, s.console.Format(preferred, rec.AmountOut))
}

func runCancel(ctx context.Context, s *system) error {
	dep, err := newParty("cancel-depositor")
	if err != nil {
		return err
	}
	cp, err := newParty("cancel-counterparty")
	if err != nil {
		return err
	}
	amount, err := toBase("1000", s.usdc.Decimals())
	if err != nil {
		return err
	}
	deal, err := s.ledger.CreateDeal(ctx, dep.addr, escrow.CreateDealRequest{
		Counterparty:    cp.addr,
		Principal:       amount,
		YieldSplit:      uint8(s.cfg.Escrow.DefaultSplitPct),
		Timeout:         s.cfg.DefaultTimeout(),
		TermsCommitment: crypto.Keccak256Hash([]byte("cancel")),
	})
	if err != nil {
		return err
	}
	stranger, err := newParty("cancel-stranger")
	if err != nil {
		return err
	}
	if _, err := s.ledger.CancelDeal(ctx, stranger.addr, deal.ID); !domain.IsCode(err, domain.CodeUnauthorized) {
		return fmt.Errorf("stranger cancel: got %v, want %s", err, domain.CodeUnauthorized)
	}
	if _, err := s.ledger.CancelDeal(ctx, cp.addr, deal.ID); err != nil {
		return err
	}
	if _, err := s.ledger.FundDeal(ctx, dep.addr, deal.ID); !domain.IsCode(err, domain.CodeInvalidTransition) {
		return fmt.Errorf("fund after cancel: got %v, want %s", err, domain.CodeInvalidTransition)
	}
	return nil
}

func runPause(ctx context.Context, s *system) error {
	if err := s.ledger.Pause(ctx, s.admin); err != nil {
		return err
	}
	defer func() {
		if err := s.ledger.Unpause(ctx, s.admin); err != nil {
			slog.Error("scenario: unpause failed", "err", err)
		}
	}()

	dep, err := newParty("pause-depositor")
	if err != nil {
		return err
	}
	cp, err := newParty("pause-counterparty")
	if err != nil {
		return err
	}
	_, err = s.ledger.CreateDeal(ctx, dep.addr, escrow.CreateDealRequest{
		Counterparty:    cp.addr,
		Principal:       uint256.NewInt(1),
		YieldSplit:      50,
		Timeout:         s.cfg.DefaultTimeout(),
		TermsCommitment: crypto.Keccak256Hash([]byte("pause")),
	})
	if !domain.IsCode(err, domain.CodePaused) {
		return fmt.Errorf("create while paused: got %v, want %s", err, domain.CodePaused)
	}
	return nil
}
