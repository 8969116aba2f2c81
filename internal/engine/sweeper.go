package engine

import (
	"context"
	"errors"
	"log/slog"
)

// SweepRetention is one periodic pass deleting terminal workflows whose
// completed_at is older than the retention window, steps included. It touches
// only terminal rows, which the driver never transitions out of, so it is
// safe to run alongside active chains.
func (e *Engine) SweepRetention(ctx context.Context) error {
	cutoff := e.now().UTC().AddDate(0, 0, -e.cfg.RetentionDays)
	ids, err := e.store.TerminalBefore(ctx, cutoff, e.cfg.SweepBatch)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	var errs []error
	deleted := 0
	for _, id := range ids {
		if err := e.store.DeleteWorkflow(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	e.logger.InfoContext(ctx, "retention sweep finished",
		slog.Int("deleted", deleted),
		slog.Time("cutoff", cutoff))

	if deleted > 0 {
		if err := e.store.Vacuum(ctx); err != nil {
			e.logger.WarnContext(ctx, "vacuum after sweep failed",
				slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}
