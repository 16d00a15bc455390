package main

// batch.go: settlement concurrente de deals independientes.
//
// Cada deal tiene su propio slot y su custody account, así que N deals se
// pueden settlear en paralelo sin cruzarse. El worker pool toma ids de workCh
// y reporta el resultado de cada settle en resultCh.

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/holiman/uint256"
)

const batchDeals = 12

type batchResult struct {
	fd  fundedDeal
	rec domain.SettlementRecord
	err error
}

// settleConcurrent settlea todos los deals con un worker pool. Si workers <= 0
// usa runtime.NumCPU() × 2.
func settleConcurrent(ctx context.Context, s *system, deals []fundedDeal, workers int) []batchResult {
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}

	workCh := make(chan fundedDeal, len(deals))
	resultCh := make(chan batchResult, len(deals))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fd := range workCh {
				rec, err := s.ledger.SettleDeal(ctx, fd.counterparty.addr, fd.deal.ID, nil, nil)
				if err != nil {
					slog.Debug("batch: settle failed", "deal", fd.deal.ID, "err", err)
				}
				resultCh <- batchResult{fd: fd, rec: rec, err: err}
			}
		}()
	}

	for _, fd := range deals {
		workCh <- fd
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]batchResult, 0, len(deals))
	for r := range resultCh {
		results = append(results, r)
	}

	slog.Debug("batch: concurrent settlement complete",
		"deals", len(deals),
		"results", len(results),
		"workers", workers,
	)
	return results
}

func runBatch(ctx context.Context, s *system) error {
	deals := make([]fundedDeal, 0, batchDeals)
	for i := 0; i < batchDeals; i++ {
		split := uint8(i * 100 / (batchDeals - 1))
		fd, err := s.openDeal(ctx, fmt.Sprintf("batch-%02d", i), "1000", "10", split)
		if err != nil {
			return err
		}
		deals = append(deals, fd)
	}

	results := settleConcurrent(ctx, s, deals, 0)

	paid, failed, err := s.tallyBatch(results)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d settlements failed", failed, len(deals))
	}

	// 12 × (1000 + 10) salen de custody, ni más ni menos.
	want, err := toBase(fmt.Sprint(batchDeals*1010), s.usdc.Decimals())
	if err != nil {
		return err
	}
	if !paid.Eq(want) {
		return fmt.Errorf("batch paid out %s, want %s", s.console.Format(s.asset, paid), s.console.Format(s.asset, want))
	}
	slog.Info("scenario: batch settled", "deals", len(deals), "paid", s.console.Format(s.asset, paid))
	return nil
}

// tallyBatch suma lo pagado y cuenta los settles que fallaron. Un error de
// PERSISTENCE no es un fallo: los fondos ya se movieron y el deal quedó
// settled, solo no se pudo escribir en el store.
func (s *system) tallyBatch(results []batchResult) (*uint256.Int, int, error) {
	var failed int
	paid := new(uint256.Int)
	for _, r := range results {
		if r.err != nil {
			if !domain.IsCode(r.err, domain.CodePersistence) {
				failed++
				continue
			}
			slog.Warn("batch: deal settled but not persisted", "deal", r.fd.deal.ID, "err", r.err)
		}
		got := s.usdc.BalanceOf(r.fd.counterparty.addr)
		if !got.Eq(r.rec.CounterpartyPayout) {
			return nil, 0, fmt.Errorf("deal %d: counterparty holds %s, record says %s",
				r.fd.deal.ID, got.Dec(), r.rec.CounterpartyPayout.Dec())
		}
		paid.Add(paid, r.rec.CounterpartyPayout)
		paid.Add(paid, r.rec.DepositorPayout)
	}
	return paid, failed, nil
}
