package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-queue-crawler/internal/metrics"
	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

// AssignResult reports one reconciliation pass.
type AssignResult struct {
	Outcome    news.Outcome
	Year       int
	Assigned   int
	Overflowed int
}

// Reconciler gives link rows their global news id.
type Reconciler struct {
	store  news.LinkStore
	logger *zap.Logger
}

// NewReconciler builds a Reconciler.
func NewReconciler(store news.LinkStore, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger.Named("reconciler")}
}

// AssignIDs sets the news id of every row of year that has none. Rows whose
// sequence does not fit are left unassigned and reported as ErrSequenceOverflow;
// the remaining rows are still updated.
func (r *Reconciler) AssignIDs(ctx context.Context, year int) (AssignResult, error) {
	result := AssignResult{Year: year, Outcome: news.OutcomeNoWork}
	seqs, err := r.store.ListUnassigned(ctx, year)
	if err != nil {
		return result, fmt.Errorf("list unassigned %d: %w", year, err)
	}
	if len(seqs) == 0 {
		return result, nil
	}

	ids := make(map[int64]int64, len(seqs))
	var overflow []error
	for _, seq := range seqs {
		id, err := news.FormatNewsID(year, seq)
		if err != nil {
			r.logger.Error("news id not assignable",
				zap.String("stage", metrics.StageAssign),
				zap.Int("year", year),
				zap.Int64("news_year_id", seq),
				zap.Error(err),
			)
			overflow = append(overflow, err)
			continue
		}
		ids[seq] = id
	}
	if len(ids) > 0 {
		if err := r.store.AssignNewsIDs(ctx, year, ids); err != nil {
			return result, fmt.Errorf("assign news ids %d: %w", year, err)
		}
		result.Outcome = news.OutcomeSucceeded
		result.Assigned = len(ids)
		metrics.AddNewsIDsAssigned(len(ids))
		r.logger.Info("news ids assigned", zap.Int("year", year), zap.Int("count", len(ids)))
	}
	if len(overflow) > 0 {
		result.Overflowed = len(overflow)
		metrics.AddSequenceOverflows(len(overflow))
		return result, errors.Join(overflow...)
	}
	return result, nil
}

// AssignAll runs AssignIDs for every year. A failing year does not stop the
// others; the outcome is Succeeded when any year had rows assigned.
func (r *Reconciler) AssignAll(ctx context.Context, years []news.Year) (news.Outcome, []AssignResult, error) {
	outcome := news.OutcomeNoWork
	results := make([]AssignResult, 0, len(years))
	var errs []error
	for _, y := range years {
		if err := ctx.Err(); err != nil {
			return outcome, results, err
		}
		res, err := r.AssignIDs(ctx, y.Year)
		results = append(results, res)
		if res.Assigned > 0 {
			outcome = news.OutcomeSucceeded
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return outcome, results, errors.Join(errs...)
}
