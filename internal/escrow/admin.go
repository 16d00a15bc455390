package escrow

import (
	"context"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/alejandrodnm/restless/internal/ports"
	"github.com/ethereum/go-ethereum/common"
)

// Pause blocks new deals and funding. Settlement, disputes, cancellation and
// timeout claims stay open so funds can always leave.
func (l *Ledger) Pause(ctx context.Context, caller common.Address) error {
	if err := l.requireAdmin(caller, "pause"); err != nil {
		return err
	}
	if l.paused.CompareAndSwap(false, true) {
		l.emit(ctx, domain.EventPaused, 0, map[string]string{"caller": caller.Hex()})
	}
	return nil
}

// Unpause lifts Pause.
func (l *Ledger) Unpause(ctx context.Context, caller common.Address) error {
	if err := l.requireAdmin(caller, "unpause"); err != nil {
		return err
	}
	if l.paused.CompareAndSwap(true, false) {
		l.emit(ctx, domain.EventUnpaused, 0, map[string]string{"caller": caller.Hex()})
	}
	return nil
}

// Paused reports the pause flag.
func (l *Ledger) Paused() bool { return l.paused.Load() }

// SetHook wires the swap hook used by SettleDealWithHook.
func (l *Ledger) SetHook(ctx context.Context, caller common.Address, hook ports.SwapHook) error {
	if err := l.requireAdmin(caller, "set_hook"); err != nil {
		return err
	}
	l.settler.SetHook(hook)

	addr := common.Address{}
	if hook != nil {
		addr = hook.Address()
	}
	l.emit(ctx, domain.EventHookUpdated, 0, map[string]string{"hook": addr.Hex()})
	return nil
}

func (l *Ledger) requireAdmin(caller common.Address, op string) error {
	if caller != l.cfg.Admin {
		return domain.NewError(domain.CodeUnauthorized, "caller is not the administrator",
			"operation", op,
			"caller", caller.Hex(),
		)
	}
	return nil
}
