package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/restless/config"
	"github.com/alejandrodnm/restless/internal/adapters/bridge"
	"github.com/alejandrodnm/restless/internal/adapters/liquidity"
	"github.com/alejandrodnm/restless/internal/adapters/notify"
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
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// clock es el reloj simulado compartido por el ledger y el vault, para que
// los escenarios puedan adelantar el tiempo (timeouts, APY).
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(start time.Time) *clock { return &clock{now: start.UTC()} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// system agrupa todo lo cableado para un run del CLI.
type system struct {
	cfg      *config.Config
	clock    *clock
	escrow   common.Address
	admin    common.Address
	asset    domain.Asset
	tokens   *token.Registry
	usdc     *token.Ledger
	vault    *yield.Vault
	facility *liquidity.Facility
	hook     *swaphook.Hook
	engine   *settlement.Engine
	verifier *authz.Verifier
	ledger   *escrow.Ledger
	store    *storage.SQLiteStorage
	console  *notify.Console
}

// wire construye el sistema completo sobre store. relayURL reemplaza
// cfg.Bridge.BaseURL cuando no está vacío.
func wire(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, console *notify.Console, relayURL string) (*system, error) {
	s := &system{
		cfg:     cfg,
		clock:   newClock(time.Now()),
		escrow:  common.HexToAddress(cfg.Escrow.Address),
		admin:   common.HexToAddress(cfg.Escrow.Admin),
		asset:   domain.Asset(cfg.Escrow.SettlementAsset),
		tokens:  token.NewRegistry(),
		store:   store,
		console: console,
	}

	var sink ports.EventSink = console
	if store != nil {
		sink = notify.Multi{store, console}
	}

	for _, a := range cfg.Assets {
		s.tokens.Add(token.NewLedger(domain.Asset(a.Symbol), a.Decimals))
	}
	usdc, err := s.tokens.Ledger(s.asset)
	if err != nil {
		return nil, fmt.Errorf("wire: settlement asset: %w", err)
	}
	s.usdc = usdc

	// Yield source
	s.vault = yield.NewVault(yield.Config{
		Address: common.HexToAddress(cfg.Yield.Address),
		Escrow:  s.escrow,
		APYBps:  cfg.Yield.APYBps,
		Now:     s.clock.Now,
	}, usdc)
	if err := s.mintWhole(s.asset, s.vault.Address(), cfg.Yield.Reserve); err != nil {
		return nil, fmt.Errorf("wire: yield reserve: %w", err)
	}

	// Swap path
	s.facility = liquidity.NewFacility(common.HexToAddress(cfg.Swap.FacilityAddress), s.tokens)
	s.hook = swaphook.New(swaphook.Config{
		Address:         common.HexToAddress(cfg.Swap.HookAddress),
		Admin:           s.admin,
		SettlementAsset: s.asset,
	}, s.tokens, s.facility, sink)
	if err := s.hook.SetSettlementCaller(s.admin, s.escrow); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	for _, p := range cfg.Swap.Pools {
		if err := s.addPool(ctx, p); err != nil {
			return nil, fmt.Errorf("wire: pool %s: %w", p.Preferred, err)
		}
	}

	// Bridge path
	var bridgeFacility ports.BridgeFacility
	baseURL := cfg.Bridge.BaseURL
	if relayURL != "" {
		baseURL = relayURL
	}
	if baseURL != "" {
		bridgeFacility = bridge.NewClient(bridge.Config{
			BaseURL:    baseURL,
			APIKey:     cfg.Bridge.APIKey,
			Address:    common.HexToAddress(cfg.Bridge.Address),
			RatePerSec: cfg.Bridge.RatePerSec,
			Burst:      cfg.Bridge.Burst,
			Timeout:    cfg.BridgeTimeout(),
		}, s.tokens)
	}

	s.engine = settlement.New(settlement.Config{
		Escrow: s.escrow,
		Asset:  s.asset,
		Now:    s.clock.Now,
	}, usdc, bridgeFacility, nil)
	s.verifier = authz.NewVerifier(cfg.Escrow.ChainID, s.escrow)

	var dealStore ports.DealStore
	if store != nil {
		dealStore = store
	}
	s.ledger = escrow.New(escrow.Config{
		Escrow:     s.escrow,
		Admin:      s.admin,
		MinTimeout: cfg.MinTimeout(),
		MaxTimeout: cfg.MaxTimeout(),
		Now:        s.clock.Now,
	}, usdc, s.vault, s.engine, s.verifier, dealStore, sink)

	if err := s.ledger.Restore(ctx); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	if err := s.ledger.SetHook(ctx, s.admin, s.hook); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}

	slog.Info("escrow wired",
		"escrow", s.escrow.Hex(),
		"asset", s.asset,
		"chain_id", cfg.Escrow.ChainID,
		"bridge", baseURL != "",
		"pools", len(cfg.Swap.Pools),
	)
	return s, nil
}

// addPool registra el pool en el facility y su key en el hook. El rate de
// config es preferred por settlement asset, así que el settlement asset es
// la base del pool sea cual sea el orden de la key.
func (s *system) addPool(ctx context.Context, p config.PoolConfig) error {
	preferred := domain.Asset(p.Preferred)
	key := domain.NewPoolKey(s.asset, preferred, p.Fee, p.TickSpacing, s.hook.Address())

	rate, err := decimal.NewFromString(p.Rate)
	if err != nil {
		return err
	}
	if err := s.facility.AddPool(key, s.asset, rate); err != nil {
		return err
	}
	if err := s.mintWhole(preferred, s.facility.Address(), p.Reserve); err != nil {
		return err
	}
	return s.hook.SetPoolKey(ctx, s.admin, preferred, key)
}

// mintWhole acredita amount (unidades enteras, decimal) del asset a account.
func (s *system) mintWhole(asset domain.Asset, account common.Address, amount string) error {
	l, err := s.tokens.Ledger(asset)
	if err != nil {
		return err
	}
	base, err := toBase(amount, l.Decimals())
	if err != nil {
		return err
	}
	if base.IsZero() {
		return nil
	}
	return l.Mint(account, base)
}

// toBase convierte unidades enteras ("5000", "0.5") a unidades base.
func toBase(amount string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", amount)
	}
	v, overflow := uint256.FromBig(d.Shift(int32(decimals)).Floor().BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %q overflows", amount)
	}
	return v, nil
}
