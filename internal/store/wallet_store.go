package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskforge/dispatch/internal/types"
)

// GetUser loads a user by id.
func (s *Store) GetUser(id string) (*types.User, error) {
	var payload []byte

	err := s.db.QueryRow(`SELECT payload FROM users WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("query user %s: %w", id, err)
	}

	var u types.User

	if decodeErr := s.decode(payload, &u); decodeErr != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, decodeErr)
	}

	return &u, nil
}

// GetUserBySession loads a user by session id, the identifier the HTTP
// layer passes as workerId/creatorId.
func (s *Store) GetUserBySession(sessionID string) (*types.User, error) {
	var payload []byte

	err := s.db.QueryRow(`SELECT payload FROM users WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user session %s: %w", sessionID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("query user session %s: %w", sessionID, err)
	}

	var u types.User

	if decodeErr := s.decode(payload, &u); decodeErr != nil {
		return nil, fmt.Errorf("decode user session %s: %w", sessionID, decodeErr)
	}

	return &u, nil
}

// PutUser upserts a user.
func (s *Store) PutUser(u *types.User) error {
	payload, err := s.encode(u)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", u.ID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO users (id, session_id, payload) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET session_id = excluded.session_id, payload = excluded.payload
	`, u.ID, u.SessionID, payload)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}

	return nil
}

// AppendTransaction inserts an append-only ledger row. Transactions are
// never updated or deleted.
func (s *Store) AppendTransaction(txn *types.WalletTransaction) error {
	payload, err := s.encode(txn)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", txn.ID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO wallet_transactions (id, user_id, created_at, payload) VALUES (?, ?, ?, ?)
	`, txn.ID, txn.UserID, txn.CreatedAt.UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", txn.ID, err)
	}

	return nil
}

// ListTransactions returns userId's transactions, most recent first,
// bounded by limit (0 means unlimited).
func (s *Store) ListTransactions(userID string, limit int) ([]*types.WalletTransaction, error) {
	query := `SELECT payload FROM wallet_transactions WHERE user_id = ? ORDER BY created_at DESC`

	args := []any{userID}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions for %s: %w", userID, err)
	}

	defer func() { _ = rows.Close() }()

	var txns []*types.WalletTransaction

	for rows.Next() {
		var payload []byte

		if scanErr := rows.Scan(&payload); scanErr != nil {
			return nil, fmt.Errorf("scan transaction row: %w", scanErr)
		}

		var t types.WalletTransaction

		if decodeErr := s.decode(payload, &t); decodeErr != nil {
			return nil, fmt.Errorf("decode transaction row: %w", decodeErr)
		}

		txns = append(txns, &t)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate transactions: %w", rowsErr)
	}

	return txns, nil
}

// CountTransactions returns the total number of transactions for userId.
func (s *Store) CountTransactions(userID string) (int, error) {
	var count int

	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM wallet_transactions WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transactions for %s: %w", userID, err)
	}

	return count, nil
}

// GetPlatformLedger loads the singleton platform ledger, under the
// store's dedicated ledger mutex, since every balance mutation must
// serialize against every other.
func (s *Store) GetPlatformLedger() (*types.PlatformLedger, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	var payload []byte

	err := s.db.QueryRow(`SELECT payload FROM platform_ledger WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.PlatformLedger{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("query platform ledger: %w", err)
	}

	var l types.PlatformLedger

	if decodeErr := s.decode(payload, &l); decodeErr != nil {
		return nil, fmt.Errorf("decode platform ledger: %w", decodeErr)
	}

	return &l, nil
}

// PutPlatformLedger persists the singleton platform ledger, under the
// store's dedicated ledger mutex.
func (s *Store) PutPlatformLedger(l *types.PlatformLedger) error {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	payload, err := s.encode(l)
	if err != nil {
		return fmt.Errorf("encode platform ledger: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO platform_ledger (id, payload) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload
	`, payload)
	if err != nil {
		return fmt.Errorf("upsert platform ledger: %w", err)
	}

	return nil
}
