package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alejandrodnm/restless/config"
	"github.com/alejandrodnm/restless/internal/adapters/notify"
	"github.com/alejandrodnm/restless/internal/adapters/storage"
	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/holiman/uint256"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	scenarioName := flag.String("scenario", "all", "scenario to run: "+strings.Join(scenarioNames(), "|")+"|all")
	list := flag.Bool("list", false, "print stored deals and settlements and exit")
	events := flag.Bool("events", false, "print the audit log after the run")
	live := flag.Bool("live", false, "print each event as it is emitted")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("restless starting",
		"config", *configPath,
		"dsn", cfg.Storage.DSN,
		"scenario", *scenarioName,
		"list", *list,
	)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	decimals := make(map[domain.Asset]uint8, len(cfg.Assets))
	for sym, d := range cfg.Decimals() {
		decimals[domain.Asset(sym)] = d
	}
	console := notify.NewConsole(domain.Asset(cfg.Escrow.SettlementAsset), decimals, *live)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *list {
		if err := printStored(ctx, store, console, *events); err != nil {
			slog.Error("list failed", "err", err)
			os.Exit(1)
		}
		return
	}

	var relayURL string
	if cfg.Bridge.BaseURL == "" {
		url, stop, err := startLocalRelay()
		if err != nil {
			slog.Error("failed to start local relay", "err", err)
			os.Exit(1)
		}
		defer stop()
		relayURL = url
		slog.Info("bridge.base_url not set, using local relay", "url", url)
	}

	sys, err := wire(ctx, cfg, store, console, relayURL)
	if err != nil {
		slog.Error("failed to wire escrow", "err", err)
		os.Exit(1)
	}

	if err := runScenarios(ctx, sys, *scenarioName); err != nil {
		slog.Error("scenario failed", "err", err, "code", domain.GetCode(err))
		os.Exit(1)
	}

	accrued := make(map[uint64]*uint256.Int)
	for _, d := range sys.ledger.Deals() {
		if v, err := sys.ledger.AccruedYield(ctx, d.ID); err == nil {
			accrued[d.ID] = v
		}
	}
	console.PrintDeals(sys.ledger.Deals(), accrued)
	if err := printSettlements(ctx, store, console, *events); err != nil {
		slog.Error("print failed", "err", err)
		os.Exit(1)
	}

	slog.Info("restless stopped cleanly")
}

func printStored(ctx context.Context, store *storage.SQLiteStorage, console *notify.Console, events bool) error {
	deals, err := store.LoadDeals(ctx)
	if err != nil {
		return err
	}
	console.PrintDeals(deals, nil)
	return printSettlements(ctx, store, console, events)
}

func printSettlements(ctx context.Context, store *storage.SQLiteStorage, console *notify.Console, events bool) error {
	recs, err := store.GetSettlements(ctx)
	if err != nil {
		return err
	}
	console.PrintSettlements(recs)
	if !events {
		return nil
	}
	evs, err := store.Events(ctx, 0)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	console.PrintEvents(evs)
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
