package token

import (
	"sync"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/alejandrodnm/restless/internal/ports"
)

// Registry implements ports.TokenRegistry over in-process ledgers.
type Registry struct {
	mu      sync.RWMutex
	ledgers map[domain.Asset]*Ledger
}

// NewRegistry returns a registry holding the given ledgers.
func NewRegistry(ledgers ...*Ledger) *Registry {
	r := &Registry{ledgers: make(map[domain.Asset]*Ledger, len(ledgers))}
	for _, l := range ledgers {
		r.ledgers[l.Asset()] = l
	}
	return r
}

// Add registers (or replaces) a ledger.
func (r *Registry) Add(l *Ledger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledgers[l.Asset()] = l
}

// Token resolves an asset.
func (r *Registry) Token(asset domain.Asset) (ports.Token, error) {
	l, err := r.Ledger(asset)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Ledger resolves an asset to the concrete ledger.
func (r *Registry) Ledger(asset domain.Asset) (*Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.ledgers[asset]
	if !ok {
		return nil, domain.NewError(domain.CodeUnknownAsset, "asset not registered", "asset", string(asset))
	}
	return l, nil
}
