// Package payout implements the payout settler: the three-way ledger
// write that fires when a bucket result completes.
package payout

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/types"
)

// ErrCustomerNotFound is returned when the task's creator has no wallet
// account. The caller must swallow this: the bucket stays completed
// without payoutIssued and is retried on the next touch.
var ErrCustomerNotFound = errors.New("payout: customer account not found")

// Ledger is the subset of wallet.Ledger the settler needs.
type Ledger interface {
	AdjustCustomer(userID string, amount float64, txnType types.TransactionType, meta types.TransactionMeta) (*types.WalletTransaction, error)
	CreditWorker(userID string, amount float64, meta types.TransactionMeta) (*types.WalletTransaction, error)
	AccruePlatformFee(amount float64, meta types.TransactionMeta) (*types.WalletTransaction, error)
	Balance(userID string) (float64, error)
}

// Settler issues payouts for completed buckets.
type Settler struct {
	store  *store.Store
	ledger Ledger
}

// New creates a Settler.
func New(st *store.Store, ledger Ledger) *Settler {
	return &Settler{store: st, ledger: ledger}
}

// Settle attempts payout for a completed bucket result that has not yet
// been paid. It is a no-op (returns result unchanged and a nil error)
// if the result is not
// completed, is already paid, or the task is already at its billable
// cap. Must run inside the caller's task lock.
func (s *Settler) Settle(task *types.Task, result *types.BucketResult) (*types.BucketResult, error) {
	if result.Status != types.StatusCompleted || result.PayoutIssued {
		return result, nil
	}

	if task.Budget.ChunksPaid >= task.Budget.MaxBillableBuckets {
		return result, nil
	}

	if _, err := s.ledger.Balance(task.CreatorID); err != nil {
		return result, fmt.Errorf("%w: %s", ErrCustomerNotFound, task.CreatorID)
	}

	cost := task.Budget.CostPerBucket
	platformShare := platformShareOf(cost, task.Budget.PlatformFeePercent)
	workerShare := round2(cost - platformShare)

	meta := types.TransactionMeta{TaskID: task.ID, BucketIndex: &result.BucketIndex}

	if _, err := s.ledger.AdjustCustomer(task.CreatorID, -cost, types.TxnChunkDebit, meta); err != nil {
		return nil, fmt.Errorf("debit customer %s: %w", task.CreatorID, err)
	}

	if _, err := s.ledger.CreditWorker(result.WorkerID, workerShare, meta); err != nil {
		return nil, fmt.Errorf("credit worker %s: %w", result.WorkerID, err)
	}

	if _, err := s.ledger.AccruePlatformFee(platformShare, meta); err != nil {
		return nil, fmt.Errorf("accrue platform fee: %w", err)
	}

	now := time.Now()
	result.PayoutIssued = true
	result.PayoutAt = &now

	task.Budget.ChunksPaid++
	task.Budget.BudgetSpent = round2(task.Budget.BudgetSpent + cost)

	return result, nil
}

// platformShareOf computes round_half_even(cost * feePercent / 100, 6dp)
// using decimal arithmetic to avoid binary floating-point drift on the
// platform's cut.
func platformShareOf(cost float64, feePercent int) float64 {
	d := decimal.NewFromFloat(cost).
		Mul(decimal.NewFromInt(int64(feePercent))).
		Div(decimal.NewFromInt(100))

	rounded := d.RoundBank(6)

	f, _ := rounded.Float64()

	return f
}

func round2(amount float64) float64 {
	d := decimal.NewFromFloat(amount).RoundBank(2)

	f, _ := d.Float64()

	return f
}
