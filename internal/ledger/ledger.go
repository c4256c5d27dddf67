// Package ledger is the append-only source of truth for sat balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/pkg/messaging"
	"github.com/terminal-bench/satengine/pkg/models"
	"github.com/terminal-bench/satengine/pkg/sats"
)

// ErrInsufficientBalance is returned when a spend exceeds the balance.
// Nothing is written in that case.
var ErrInsufficientBalance = store.ErrInsufficientBalance

// ValidationError rejects a request before any write
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Store is the persistence the ledger needs
type Store interface {
	store.Accounts
	store.Entries
	AddPoolFund(ctx context.Context, f *models.PoolFund) error
}

// Option customises a single ledger entry
type Option func(e *models.LedgerEntry)

// WithRef points the entry at the object that caused it
func WithRef(kind models.RefKind, id string) Option {
	return func(e *models.LedgerEntry) { e.Ref = models.Ref{Kind: kind, ID: id} }
}

// WithNote attaches a free-form note
func WithNote(note string) Option {
	return func(e *models.LedgerEntry) { e.Note = note }
}

// WithOperation makes the entry idempotent: a retry with the same id
// returns the first entry instead of applying twice
func WithOperation(id string) Option {
	return func(e *models.LedgerEntry) { e.OperationID = id }
}

// Ledger applies spends and earns and publishes committed entries
type Ledger struct {
	store     Store
	publisher messaging.Publisher
	logger    *zap.Logger
	now       func() time.Time

	beneficiaryShare float64
}

// NewLedger creates a new ledger. beneficiaryShare is the fraction of a
// split payment that goes to the beneficiary, the rest going to the
// platform pool.
func NewLedger(s Store, publisher messaging.Publisher, logger *zap.Logger, beneficiaryShare float64) *Ledger {
	if publisher == nil {
		publisher = messaging.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if beneficiaryShare <= 0 || beneficiaryShare > 1 {
		beneficiaryShare = 0.8
	}
	return &Ledger{
		store:            s,
		publisher:        publisher,
		logger:           logger.Named("ledger"),
		now:              time.Now,
		beneficiaryShare: beneficiaryShare,
	}
}

// Spend debits amount from the account
func (l *Ledger) Spend(ctx context.Context, accountID string, amount int64, kind models.EntryKind, opts ...Option) (*models.LedgerEntry, error) {
	if err := validate(accountID, amount, kind); err != nil {
		return nil, err
	}
	return l.apply(ctx, accountID, -amount, kind, opts)
}

// Earn credits amount to the account
func (l *Ledger) Earn(ctx context.Context, accountID string, amount int64, kind models.EntryKind, opts ...Option) (*models.LedgerEntry, error) {
	if err := validate(accountID, amount, kind); err != nil {
		return nil, err
	}
	return l.apply(ctx, accountID, amount, kind, opts)
}

// Deposit credits externally funded sats
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount int64, opts ...Option) (*models.LedgerEntry, error) {
	return l.Earn(ctx, accountID, amount, models.EntryDeposit, opts...)
}

func validate(accountID string, amount int64, kind models.EntryKind) error {
	if accountID == "" {
		return &ValidationError{Field: "account", Reason: "empty"}
	}
	if amount <= 0 {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("must be positive, got %d", amount)}
	}
	if kind == "" {
		return &ValidationError{Field: "kind", Reason: "empty"}
	}
	return nil
}

func (l *Ledger) apply(ctx context.Context, accountID string, amount int64, kind models.EntryKind, opts []Option) (*models.LedgerEntry, error) {
	e := &models.LedgerEntry{
		AccountID: accountID,
		Amount:    amount,
		Kind:      kind,
		Ref:       models.Ref{Kind: models.RefNone},
		CreatedAt: l.now(),
	}
	for _, opt := range opts {
		opt(e)
	}

	stored, err := l.store.AppendEntry(ctx, e)
	switch {
	case errors.Is(err, store.ErrDuplicateOperation):
		duplicates.Inc()
		l.logger.Debug("operation already applied",
			zap.String("account", accountID),
			zap.String("operation", e.OperationID))
		return stored, nil
	case errors.Is(err, store.ErrInsufficientBalance):
		insufficient.WithLabelValues(string(kind)).Inc()
		return nil, ErrInsufficientBalance
	case errors.Is(err, store.ErrNotFound):
		return nil, &ValidationError{Field: "account", Reason: fmt.Sprintf("unknown account %s", accountID)}
	case err != nil:
		return nil, fmt.Errorf("failed to append entry: %w", err)
	}

	entries.WithLabelValues(string(kind)).Inc()
	if amount > 0 {
		volume.WithLabelValues("credit").Add(float64(amount))
	} else {
		volume.WithLabelValues("debit").Add(float64(-amount))
	}

	l.publish(ctx, stored)
	return stored, nil
}

func (l *Ledger) publish(ctx context.Context, e *models.LedgerEntry) {
	ev := messaging.LedgerEntryEvent{
		EntryID:      e.ID,
		AccountID:    e.AccountID,
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Kind:         string(e.Kind),
		RefKind:      string(e.Ref.Kind),
		RefID:        e.Ref.ID,
		Timestamp:    e.CreatedAt,
	}
	if err := l.publisher.Publish(ctx, messaging.SubjectLedgerEntry, ev); err != nil {
		l.logger.Warn("failed to publish ledger entry", zap.String("entry", e.ID), zap.Error(err))
	}
}

// ToPool adds platform revenue to the pool drained by settlement
func (l *Ledger) ToPool(ctx context.Context, amount int64, source models.PoolSource, ref models.Ref, operationID string) error {
	if amount <= 0 {
		return nil
	}
	f := &models.PoolFund{
		Amount:      amount,
		Source:      source,
		Ref:         ref,
		OperationID: operationID,
		CreatedAt:   l.now(),
	}
	if err := l.store.AddPoolFund(ctx, f); err != nil {
		return fmt.Errorf("failed to add pool revenue: %w", err)
	}
	poolRevenue.WithLabelValues(string(source)).Add(float64(amount))
	return nil
}

// SplitRequest describes a payment shared between a beneficiary and the
// platform pool
type SplitRequest struct {
	Payer           string
	Beneficiary     string
	Amount          int64
	PayerKind       models.EntryKind
	BeneficiaryKind models.EntryKind
	Source          models.PoolSource
	Ref             models.Ref
	OperationID     string
}

// SplitResult reports every leg of a split payment
type SplitResult struct {
	OperationID string
	Spend       *models.LedgerEntry
	Earn        *models.LedgerEntry
	Beneficiary int64
	Platform    int64
}

// SpendWithSplit debits the payer, then credits floor(amount × share) to
// the beneficiary and the remainder to the platform pool. The legs are
// independent writes keyed by derived operation ids, so retrying with the
// same OperationID after a partial failure completes only the missing legs.
func (l *Ledger) SpendWithSplit(ctx context.Context, req SplitRequest) (*SplitResult, error) {
	if req.Payer == req.Beneficiary {
		return nil, &ValidationError{Field: "beneficiary", Reason: "cannot pay yourself"}
	}
	if req.Beneficiary == "" {
		return nil, &ValidationError{Field: "beneficiary", Reason: "empty"}
	}
	if err := validate(req.Payer, req.Amount, req.PayerKind); err != nil {
		return nil, err
	}
	if req.BeneficiaryKind == "" {
		return nil, &ValidationError{Field: "beneficiary_kind", Reason: "empty"}
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}

	res := &SplitResult{OperationID: req.OperationID}
	res.Beneficiary = sats.FloorMul(req.Amount, l.beneficiaryShare)
	res.Platform = req.Amount - res.Beneficiary

	spend, err := l.Spend(ctx, req.Payer, req.Amount, req.PayerKind,
		WithRef(req.Ref.Kind, req.Ref.ID), WithOperation(req.OperationID+"/spend"))
	if err != nil {
		return nil, err
	}
	res.Spend = spend

	if res.Beneficiary > 0 {
		earn, err := l.Earn(ctx, req.Beneficiary, res.Beneficiary, req.BeneficiaryKind,
			WithRef(req.Ref.Kind, req.Ref.ID), WithOperation(req.OperationID+"/beneficiary"))
		if err != nil {
			l.logger.Error("split left incomplete",
				zap.String("operation", req.OperationID),
				zap.String("leg", "beneficiary"),
				zap.Error(err))
			return res, fmt.Errorf("split %s beneficiary leg: %w", req.OperationID, err)
		}
		res.Earn = earn
	}

	if err := l.ToPool(ctx, res.Platform, req.Source, req.Ref, req.OperationID+"/platform"); err != nil {
		l.logger.Error("split left incomplete",
			zap.String("operation", req.OperationID),
			zap.String("leg", "platform"),
			zap.Error(err))
		return res, fmt.Errorf("split %s platform leg: %w", req.OperationID, err)
	}
	return res, nil
}

// SpendToPool debits the account and routes the whole amount to the pool
func (l *Ledger) SpendToPool(ctx context.Context, accountID string, amount int64, kind models.EntryKind, source models.PoolSource, ref models.Ref, operationID string) (*models.LedgerEntry, error) {
	if operationID == "" {
		operationID = uuid.NewString()
	}
	e, err := l.Spend(ctx, accountID, amount, kind, WithRef(ref.Kind, ref.ID), WithOperation(operationID+"/spend"))
	if err != nil {
		return nil, err
	}
	// a replayed spend carries the amount first debited
	if err := l.ToPool(ctx, -e.Amount, source, ref, operationID+"/platform"); err != nil {
		return e, err
	}
	return e, nil
}

// Balance returns the stored balance
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// History lists entries newest first
func (l *Ledger) History(ctx context.Context, accountID string, f store.EntryFilter) ([]*models.LedgerEntry, error) {
	return l.store.ListEntries(ctx, accountID, f)
}
