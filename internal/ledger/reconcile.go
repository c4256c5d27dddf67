package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Reconciliation compares a stored balance with the sum of its entries
type Reconciliation struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	EntrySum  int64  `json:"entry_sum"`
	Drift     int64  `json:"drift"`
}

// Consistent reports whether balance equals the entry sum
func (r Reconciliation) Consistent() bool { return r.Drift == 0 }

// Reconcile recomputes the entry sum for an account and reports drift
func (l *Ledger) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := l.store.SumEntries(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum entries: %w", err)
	}

	r := &Reconciliation{
		AccountID: accountID,
		Balance:   balance,
		EntrySum:  sum,
		Drift:     balance - sum,
	}
	if !r.Consistent() {
		driftDetected.Inc()
		l.logger.Error("ledger drift detected",
			zap.String("account", accountID),
			zap.Int64("balance", balance),
			zap.Int64("entry_sum", sum))
	}
	return r, nil
}

// ReconcileAll checks every account in ids and returns the inconsistent ones
func (l *Ledger) ReconcileAll(ctx context.Context, ids []string) ([]*Reconciliation, error) {
	var drifted []*Reconciliation
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		r, err := l.Reconcile(ctx, id)
		if err != nil {
			return drifted, err
		}
		if !r.Consistent() {
			drifted = append(drifted, r)
		}
	}
	return drifted, nil
}

// ReconcileEvery pages through every account and returns the drifted ones
func (l *Ledger) ReconcileEvery(ctx context.Context, pageSize int) (checked int, drifted []*Reconciliation, err error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	after := ""
	for {
		ids, err := l.store.ListAccountIDs(ctx, after, pageSize)
		if err != nil {
			return checked, drifted, fmt.Errorf("failed to list accounts: %w", err)
		}
		if len(ids) == 0 {
			return checked, drifted, nil
		}
		page, err := l.ReconcileAll(ctx, ids)
		drifted = append(drifted, page...)
		if err != nil {
			return checked, drifted, err
		}
		checked += len(ids)
		after = ids[len(ids)-1]
	}
}
