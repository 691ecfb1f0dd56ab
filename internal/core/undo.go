package core

import (
	"context"
	"errors"
	"fmt"

	"HedgeVault/internal/collab"
)

// undoStack holds the inverses of collaborator calls a transaction has
// already made. They run newest first when the transaction fails.
type undoStack struct {
	steps []undoStep
}

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

func (u *undoStack) push(name string, fn func(ctx context.Context) error) {
	u.steps = append(u.steps, undoStep{name: name, fn: fn})
}

func (u *undoStack) run(ctx context.Context) error {
	var errs []error
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", u.steps[i].name, err))
		}
	}
	u.steps = nil
	return errors.Join(errs...)
}

// compensate unwinds u if the operation failed. It runs with the caller's
// values but not its cancellation, so an expired request still unwinds.
// A failed unwind is joined to the operation's error.
func (e *Engine) compensate(ctx context.Context, t *txn, u *undoStack, errp *error) {
	if *errp == nil || len(u.steps) == 0 {
		return
	}
	n := len(u.steps)
	if uerr := u.run(context.WithoutCancel(ctx)); uerr != nil {
		e.logger.Error().Err(uerr).
			AnErr("cause", *errp).
			Str("vault_id", t.cmd.VaultID.String()).
			Str("event_type", t.eventType.String()).
			Msg("collaborator state not restored, manual recovery required")
		*errp = errors.Join(*errp, uerr)
		return
	}
	e.logger.Warn().Err(*errp).
		Str("vault_id", t.cmd.VaultID.String()).
		Str("event_type", t.eventType.String()).
		Int("steps", n).
		Msg("collaborator calls undone")
}

// reverseSwap sells back what swap bought.
func reverseSwap(mm collab.MarketMaker, swap collab.SwapResult, aToB bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if swap.AmountOut == 0 {
			return nil
		}
		_, err := mm.Swap(ctx, collab.SwapRequest{Amount: swap.AmountOut, AToB: !aToB, ExactInput: true})
		return err
	}
}
