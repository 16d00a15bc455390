package storage

// sqlite.go: audit-grade persistence for the escrow.
//
// Tables:
//   deals       : one row per deal, upserted on every transition. Terminal
//                 deals are kept; nothing is ever pruned.
//   settlements : one row per settled or timed-out deal.
//   events      : append-only audit log (DealCreated, DealFunded, ...).
//
// Amounts are stored as decimal strings (uint256 does not fit INTEGER),
// timestamps as unix nanoseconds.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS deals (
    id               INTEGER PRIMARY KEY,
    depositor        TEXT    NOT NULL,
    counterparty     TEXT    NOT NULL,
    principal        TEXT    NOT NULL,
    split            INTEGER NOT NULL,
    status           TEXT    NOT NULL,
    timeout_ns       INTEGER NOT NULL,
    terms_commitment TEXT    NOT NULL,
    created_at       INTEGER NOT NULL,
    funded_at        INTEGER,
    disputed_at      INTEGER,
    closed_at        INTEGER
);

CREATE TABLE IF NOT EXISTS settlements (
    deal_id             INTEGER PRIMARY KEY,
    depositor           TEXT    NOT NULL,
    counterparty        TEXT    NOT NULL,
    principal           TEXT    NOT NULL,
    total               TEXT    NOT NULL,
    counterparty_payout TEXT    NOT NULL,
    depositor_payout    TEXT    NOT NULL,
    route               TEXT    NOT NULL,
    output_asset        TEXT    NOT NULL DEFAULT '',
    amount_out          TEXT    NOT NULL DEFAULT '',
    bridge_transfer_id  TEXT    NOT NULL DEFAULT '',
    settled_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id         TEXT    PRIMARY KEY,
    kind       TEXT    NOT NULL,
    deal_id    INTEGER NOT NULL DEFAULT 0,
    attributes TEXT    NOT NULL DEFAULT '{}',
    at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deals_status  ON deals(status);
CREATE INDEX IF NOT EXISTS idx_events_deal   ON events(deal_id, at);
`

// SQLiteStorage implements ports.DealStore and ports.EventSink using SQLite
// (pure Go, no CGo).
type SQLiteStorage struct {
	db *sql.DB
	mu sync.Mutex // serializes writes; SQLite is single-writer
}

// NewSQLiteStorage opens (or creates) the database at path and applies the
// schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// SaveDeal upserts the whole deal row.
func (s *SQLiteStorage) SaveDeal(ctx context.Context, d domain.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deals
			(id, depositor, counterparty, principal, split, status, timeout_ns,
			 terms_commitment, created_at, funded_at, disputed_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status      = excluded.status,
			funded_at   = excluded.funded_at,
			disputed_at = excluded.disputed_at,
			closed_at   = excluded.closed_at
	`,
		int64(d.ID),
		d.Depositor.Hex(),
		d.Counterparty.Hex(),
		amountText(d.Principal),
		int(d.YieldSplitCounterparty),
		d.Status.String(),
		int64(d.TimeoutDuration),
		d.TermsCommitment.Hex(),
		d.CreatedAt.UnixNano(),
		nullTime(d.FundedAt),
		nullTime(d.DisputedAt),
		nullTime(d.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveDeal %d: %w", d.ID, err)
	}
	return nil
}

// LoadDeals returns every deal ordered by id.
func (s *SQLiteStorage) LoadDeals(ctx context.Context) ([]domain.Deal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, depositor, counterparty, principal, split, status, timeout_ns,
		       terms_commitment, created_at, funded_at, disputed_at, closed_at
		FROM deals
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadDeals: query: %w", err)
	}
	defer rows.Close()

	var deals []domain.Deal
	for rows.Next() {
		var (
			id                           int64
			depositor, counterparty      string
			principal, status, terms     string
			split                        int
			timeoutNs, createdAt         int64
			fundedAt, disputedAt, closed sql.NullInt64
		)
		if err := rows.Scan(&id, &depositor, &counterparty, &principal, &split, &status, &timeoutNs,
			&terms, &createdAt, &fundedAt, &disputedAt, &closed); err != nil {
			return nil, fmt.Errorf("storage.LoadDeals: scan: %w", err)
		}

		amount, err := uint256.FromDecimal(principal)
		if err != nil {
			return nil, fmt.Errorf("storage.LoadDeals: deal %d principal %q: %w", id, principal, err)
		}
		st, err := domain.ParseDealStatus(status)
		if err != nil {
			return nil, fmt.Errorf("storage.LoadDeals: deal %d: %w", id, err)
		}

		deals = append(deals, domain.Deal{
			ID:                     uint64(id),
			Depositor:              common.HexToAddress(depositor),
			Counterparty:           common.HexToAddress(counterparty),
			Principal:              amount,
			YieldSplitCounterparty: uint8(split),
			Status:                 st,
			TimeoutDuration:        time.Duration(timeoutNs),
			TermsCommitment:        common.HexToHash(terms),
			CreatedAt:              time.Unix(0, createdAt).UTC(),
			FundedAt:               timePtr(fundedAt),
			DisputedAt:             timePtr(disputedAt),
			ClosedAt:               timePtr(closed),
		})
	}
	return deals, rows.Err()
}

// SaveSettlement records a completed settlement or timeout refund.
func (s *SQLiteStorage) SaveSettlement(ctx context.Context, r domain.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO settlements
			(deal_id, depositor, counterparty, principal, total, counterparty_payout,
			 depositor_payout, route, output_asset, amount_out, bridge_transfer_id, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		int64(r.DealID),
		r.Depositor.Hex(),
		r.Counterparty.Hex(),
		amountText(r.Principal),
		amountText(r.Total),
		amountText(r.CounterpartyPayout),
		amountText(r.DepositorPayout),
		r.Route.String(),
		string(r.OutputAsset),
		optionalAmountText(r.AmountOut),
		r.BridgeTransferID,
		r.SettledAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveSettlement %d: %w", r.DealID, err)
	}
	return nil
}

// GetSettlements returns all settlement records ordered by deal id.
func (s *SQLiteStorage) GetSettlements(ctx context.Context) ([]domain.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deal_id, depositor, counterparty, principal, total, counterparty_payout,
		       depositor_payout, route, output_asset, amount_out, bridge_transfer_id, settled_at
		FROM settlements
		ORDER BY deal_id
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetSettlements: query: %w", err)
	}
	defer rows.Close()

	var recs []domain.SettlementRecord
	for rows.Next() {
		var (
			dealID, settledAt                       int64
			depositor, counterparty                 string
			principal, total, cpPayout, depPayout   string
			route, outputAsset, amountOut, bridgeID string
		)
		if err := rows.Scan(&dealID, &depositor, &counterparty, &principal, &total, &cpPayout,
			&depPayout, &route, &outputAsset, &amountOut, &bridgeID, &settledAt); err != nil {
			return nil, fmt.Errorf("storage.GetSettlements: scan: %w", err)
		}

		mode, err := domain.ParseRoutingMode(route)
		if err != nil {
			return nil, fmt.Errorf("storage.GetSettlements: deal %d: %w", dealID, err)
		}
		rec := domain.SettlementRecord{
			DealID:           uint64(dealID),
			Depositor:        common.HexToAddress(depositor),
			Counterparty:     common.HexToAddress(counterparty),
			Route:            mode,
			OutputAsset:      domain.Asset(outputAsset),
			BridgeTransferID: bridgeID,
			SettledAt:        time.Unix(0, settledAt).UTC(),
		}
		for _, f := range []struct {
			dst **uint256.Int
			src string
		}{
			{&rec.Principal, principal},
			{&rec.Total, total},
			{&rec.CounterpartyPayout, cpPayout},
			{&rec.DepositorPayout, depPayout},
			{&rec.AmountOut, amountOut},
		} {
			if f.src == "" {
				continue
			}
			v, err := uint256.FromDecimal(f.src)
			if err != nil {
				return nil, fmt.Errorf("storage.GetSettlements: deal %d amount %q: %w", dealID, f.src, err)
			}
			*f.dst = v
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Emit appends an event to the audit log.
func (s *SQLiteStorage) Emit(ctx context.Context, ev domain.Event) error {
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return fmt.Errorf("storage.Emit: marshal attributes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, deal_id, attributes, at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), int64(ev.DealID), string(attrs), ev.At.UnixNano(),
	); err != nil {
		return fmt.Errorf("storage.Emit %s: %w", ev.Kind, err)
	}
	return nil
}

// Events returns the audit log in order. dealID 0 returns every event.
func (s *SQLiteStorage) Events(ctx context.Context, dealID uint64) ([]domain.Event, error) {
	query := `SELECT id, kind, deal_id, attributes, at FROM events`
	var args []any
	if dealID != 0 {
		query += ` WHERE deal_id = ?`
		args = append(args, int64(dealID))
	}
	query += ` ORDER BY at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.Events: query: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev          domain.Event
			kind, attrs string
			id, at      int64
		)
		if err := rows.Scan(&ev.ID, &kind, &id, &attrs, &at); err != nil {
			return nil, fmt.Errorf("storage.Events: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &ev.Attributes); err != nil {
			return nil, fmt.Errorf("storage.Events: attributes of %s: %w", ev.ID, err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.DealID = uint64(id)
		ev.At = time.Unix(0, at).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func amountText(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func optionalAmountText(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
