package types

import "time"

// TransactionType classifies a wallet ledger entry.
type TransactionType string

const (
	TxnSeedCredit      TransactionType = "seed-credit"
	TxnWalletDeposit   TransactionType = "wallet-deposit"
	TxnWalletWithdraw  TransactionType = "wallet-withdrawal"
	TxnChunkDebit      TransactionType = "chunk-debit"
	TxnChunkCredit     TransactionType = "chunk-credit"
	TxnPlatformFee     TransactionType = "platform-fee"
)

// PlatformUserID is the synthetic user id transactions use when the
// counterparty is the platform ledger rather than a customer or worker.
const PlatformUserID = "platform"

// Role is a capability grant on a user.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
)

// User is a customer or worker account with a non-negative wallet balance.
type User struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	WalletBalance float64   `json:"walletBalance"`
	Roles         []Role    `json:"roles"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TransactionMeta carries optional context for a ledger entry.
type TransactionMeta struct {
	TaskID      string `json:"taskId,omitempty"`
	BucketIndex *int   `json:"bucketIndex,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// WalletTransaction is an append-only ledger entry. Balances are always
// derivable as seed + the sum of a user's transactions.
type WalletTransaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	Type         TransactionType `json:"type"`
	Amount       float64         `json:"amount"`
	BalanceAfter float64         `json:"balanceAfter"`
	Meta         TransactionMeta `json:"meta"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// PlatformLedger is the singleton record of platform fee accrual.
type PlatformLedger struct {
	TotalEarnings float64 `json:"totalEarnings"`
}
