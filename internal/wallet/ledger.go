// Package wallet implements the wallet and payout ledger: append-only
// balance-changing transactions with a two-decimal money convention for
// all stored amounts.
package wallet

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/types"
)

var (
	// ErrInsufficientFunds is returned when a withdrawal or debit would
	// take a balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrSandboxDisabled is returned for deposit/withdraw calls when
	// wallet sandbox mode is off.
	ErrSandboxDisabled = errors.New("wallet sandbox mode is disabled")
)

// Ledger mutates user balances and appends the corresponding
// WalletTransaction row. Every method call must run inside the caller's
// task lock when the mutation is part of a task-scoped operation (e.g.
// settlement); wallet-only operations (deposit/withdraw) need no task
// lock since they touch a single user.
type Ledger struct {
	store          *store.Store
	sandboxEnabled bool
}

// New creates a Ledger backed by st. sandboxEnabled gates manual
// deposit/withdraw operations.
func New(st *store.Store, sandboxEnabled bool) *Ledger {
	return &Ledger{store: st, sandboxEnabled: sandboxEnabled}
}

// round2 normalises a currency amount to two decimal places.
func round2(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// adjust applies a signed, already-rounded amount to userId's balance
// and appends the transaction row. Negative amounts below the current
// balance are rejected unless allowNegative is true (workers may never
// go negative; customers may not either).
func (l *Ledger) adjust(userID string, amount float64, txnType types.TransactionType, meta types.TransactionMeta, allowNegative bool) (*types.WalletTransaction, error) {
	user, err := l.store.GetUser(userID)
	if err != nil {
		return nil, fmt.Errorf("adjust %s: %w", userID, err)
	}

	newBalance := round2(user.WalletBalance + amount)

	if !allowNegative && newBalance < 0 {
		return nil, fmt.Errorf("adjust %s by %.2f: %w", userID, amount, ErrInsufficientFunds)
	}

	user.WalletBalance = newBalance
	user.UpdatedAt = time.Now()

	if putErr := l.store.PutUser(user); putErr != nil {
		return nil, fmt.Errorf("persist user %s: %w", userID, putErr)
	}

	txn := &types.WalletTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         txnType,
		Amount:       amount,
		BalanceAfter: newBalance,
		Meta:         meta,
		CreatedAt:    time.Now(),
	}

	if appendErr := l.store.AppendTransaction(txn); appendErr != nil {
		return nil, fmt.Errorf("append transaction for %s: %w", userID, appendErr)
	}

	return txn, nil
}

// AdjustCustomer debits or credits a customer/task-scoped transaction.
// Used by the payout settler for chunk-debit writes.
func (l *Ledger) AdjustCustomer(userID string, amount float64, txnType types.TransactionType, meta types.TransactionMeta) (*types.WalletTransaction, error) {
	return l.adjust(userID, round2(amount), txnType, meta, false)
}

// CreditWorker credits a worker, creating the worker account with a zero
// initial balance if it does not already exist.
func (l *Ledger) CreditWorker(userID string, amount float64, meta types.TransactionMeta) (*types.WalletTransaction, error) {
	if _, err := l.store.GetUser(userID); errors.Is(err, store.ErrNotFound) {
		now := time.Now()

		newUser := &types.User{
			ID:        userID,
			SessionID: userID,
			Roles:     []types.Role{types.RoleWorker},
			CreatedAt: now,
			UpdatedAt: now,
		}

		if putErr := l.store.PutUser(newUser); putErr != nil {
			return nil, fmt.Errorf("create worker account %s: %w", userID, putErr)
		}
	} else if err != nil {
		return nil, fmt.Errorf("lookup worker %s: %w", userID, err)
	}

	return l.adjust(userID, round2(amount), types.TxnChunkCredit, meta, false)
}

// AccruePlatformFee records a platform-fee transaction against the
// synthetic platform user and increments the platform ledger's running
// total.
func (l *Ledger) AccruePlatformFee(amount float64, meta types.TransactionMeta) (*types.WalletTransaction, error) {
	rounded := round2(amount)

	ledger, err := l.store.GetPlatformLedger()
	if err != nil {
		return nil, fmt.Errorf("load platform ledger: %w", err)
	}

	ledger.TotalEarnings = round2(ledger.TotalEarnings + rounded)

	if putErr := l.store.PutPlatformLedger(ledger); putErr != nil {
		return nil, fmt.Errorf("persist platform ledger: %w", putErr)
	}

	txn := &types.WalletTransaction{
		ID:           uuid.NewString(),
		UserID:       types.PlatformUserID,
		Type:         types.TxnPlatformFee,
		Amount:       rounded,
		BalanceAfter: ledger.TotalEarnings,
		Meta:         meta,
		CreatedAt:    time.Now(),
	}

	if appendErr := l.store.AppendTransaction(txn); appendErr != nil {
		return nil, fmt.Errorf("append platform fee transaction: %w", appendErr)
	}

	return txn, nil
}

// Balance returns userId's current wallet balance, used by the
// allocator's budget gate.
func (l *Ledger) Balance(userID string) (float64, error) {
	user, err := l.store.GetUser(userID)
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", userID, err)
	}

	return user.WalletBalance, nil
}

// Deposit credits a user's wallet in sandbox mode.
func (l *Ledger) Deposit(userID string, amount float64) (*types.WalletTransaction, error) {
	if !l.sandboxEnabled {
		return nil, ErrSandboxDisabled
	}

	return l.adjust(userID, round2(amount), types.TxnWalletDeposit, types.TransactionMeta{}, false)
}

// Withdraw debits a user's wallet in sandbox mode; amount must not
// exceed the current balance.
func (l *Ledger) Withdraw(userID string, amount float64) (*types.WalletTransaction, error) {
	if !l.sandboxEnabled {
		return nil, ErrSandboxDisabled
	}

	return l.adjust(userID, -round2(amount), types.TxnWalletWithdraw, types.TransactionMeta{}, false)
}

// SeedUser creates a new user with a seed-credit transaction for
// initialBalance, used for on-the-fly user creation.
func (l *Ledger) SeedUser(sessionID string, initialBalance float64) (*types.User, error) {
	now := time.Now()

	user := &types.User{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Roles:     []types.Role{types.RoleCustomer},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := l.store.PutUser(user); err != nil {
		return nil, fmt.Errorf("seed user %s: %w", sessionID, err)
	}

	if initialBalance == 0 {
		return user, nil
	}

	txn, err := l.adjust(user.ID, round2(initialBalance), types.TxnSeedCredit, types.TransactionMeta{}, false)
	if err != nil {
		return nil, fmt.Errorf("seed balance for %s: %w", sessionID, err)
	}

	user.WalletBalance = txn.BalanceAfter

	return user, nil
}
