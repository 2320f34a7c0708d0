package payment

import (
	"context"

	"go.uber.org/zap"
)

// SweepReport summarises one reconciliation sweep.
type SweepReport struct {
	Scanned    int
	Reconciled int
	Rematched  int
	Failed     int
}

// Sweep reconciles transactions left unclassified by a failed reconcile
// step, then retries unmatched push payments whose checkout id may now
// resolve to an order. It is safe to run from several processes at once.
func (e *Engine) Sweep(ctx context.Context, limit int) (SweepReport, error) {
	var report SweepReport

	stuck, err := e.store.ListTransactions(ctx, TransactionFilter{
		ConfirmationStatus: ptr(ConfirmationPending),
		Classification:     ptr(ClassUnclassified),
		Connected:          ptr(false),
		Limit:              limit,
	})
	if err != nil {
		return report, err
	}
	for _, t := range stuck {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		if _, err := e.reconcile(ctx, t.ID, false); err != nil {
			report.Failed++
			e.logger.Warn("sweep reconcile failed",
				zap.String("transaction_id", string(t.ID)),
				zap.Error(err))
			continue
		}
		report.Reconciled++
	}

	unmatched, err := e.store.ListTransactions(ctx, TransactionFilter{
		ConfirmationStatus: ptr(ConfirmationPending),
		Classification:     ptr(ClassUnmatched),
		Connected:          ptr(false),
		Limit:              limit,
	})
	if err != nil {
		return report, err
	}
	for _, t := range unmatched {
		if t.CorrelationID == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		out, err := e.reconcile(ctx, t.ID, true)
		if err != nil {
			report.Failed++
			e.logger.Warn("sweep rematch failed",
				zap.String("transaction_id", string(t.ID)),
				zap.Error(err))
			continue
		}
		if out.Classification != ClassUnmatched {
			report.Rematched++
		}
	}

	e.logger.Info("reconciliation sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("reconciled", report.Reconciled),
		zap.Int("rematched", report.Rematched),
		zap.Int("failed", report.Failed))
	return report, nil
}
