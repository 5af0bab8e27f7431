package ledger

import (
	"context"
	"fmt"
	"strconv"
)

// PauseGate blocks every mutating entry point while paused. Guarded by the
// Ledger's mutex.
type PauseGate struct {
	paused bool
}

func (g *PauseGate) Check() error {
	if g.paused {
		return ErrPaused
	}
	return nil
}

func (g *PauseGate) Paused() bool { return g.paused }

func (g *PauseGate) set(paused bool) { g.paused = paused }

type transactionKey struct{}

// enterTransaction is the reentrancy guard: it marks ctx with the key whose
// transaction is in progress. The ledger mutex is held for the whole
// transaction, payment capture included, so a call that arrives with an
// already marked context is nested inside one and is rejected instead of
// waiting on itself. Independent callers carry no mark and queue on the
// mutex. It must run before the mutex is taken.
func enterTransaction(ctx context.Context, key string) (context.Context, error) {
	if held, ok := ctx.Value(transactionKey{}).(string); ok {
		return nil, fmt.Errorf("%w: %s inside %s", ErrReentrantCall, key, held)
	}
	return context.WithValue(ctx, transactionKey{}, key), nil
}

func entitlementKey(id uint64) string { return "entitlement:" + strconv.FormatUint(id, 10) }

func buyerKey(a Address) string { return "buyer:" + string(a) }
