package ports

import (
	"context"

	"github.com/alejandrodnm/restless/internal/domain"
)

// DealStore persists deals and settlement records.
type DealStore interface {
	// SaveDeal upserts the full deal row.
	SaveDeal(ctx context.Context, deal domain.Deal) error

	// LoadDeals returns every deal, terminal ones included, ordered by id.
	LoadDeals(ctx context.Context) ([]domain.Deal, error)

	SaveSettlement(ctx context.Context, rec domain.SettlementRecord) error
	GetSettlements(ctx context.Context) ([]domain.SettlementRecord, error)

	Close() error
}

// EventSink receives audit events after a transition commits.
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event) error
}
