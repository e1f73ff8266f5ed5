package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blockpad/blockpad/internal/schema"
)

// InsertTransaction persists a queue entry in its current state.
func (s *Store) InsertTransaction(ctx context.Context, tx *schema.Transaction) error {
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}

	query := `
	INSERT INTO transactions (
		id, type, page_id, entity_id, user_id, payload, before_image,
		status, retries, max_retries, next_attempt_at, error,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		tx.ID,
		string(tx.Type),
		tx.PageID,
		tx.EntityID,
		stringToNull(tx.UserID),
		nullableRaw(tx.Payload),
		nullableRaw(tx.Before),
		string(tx.Status),
		tx.Retries,
		tx.MaxRetries,
		formatTime(tx.NextAttemptAt),
		stringToNull(tx.Error),
		formatTime(tx.CreatedAt),
		formatTime(tx.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// UpdateTransaction writes back the mutable fields of a queue entry:
// status, retry bookkeeping, and the error message.
func (s *Store) UpdateTransaction(ctx context.Context, tx *schema.Transaction) error {
	query := `
	UPDATE transactions
	SET status = ?, retries = ?, next_attempt_at = ?, error = ?, updated_at = ?
	WHERE id = ?
	`
	res, err := s.conn.ExecContext(ctx, query,
		string(tx.Status),
		tx.Retries,
		formatTime(tx.NextAttemptAt),
		stringToNull(tx.Error),
		formatTime(time.Now().UTC()),
		tx.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", tx.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrNotFound)
	}
	return nil
}

// GetTransaction retrieves a queue entry by ID.
func (s *Store) GetTransaction(ctx context.Context, id string) (*schema.Transaction, error) {
	row := s.conn.QueryRowContext(ctx, selectTxColumns+` WHERE id = ?`, id)
	tx, err := scanTransactionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}
	return tx, nil
}

// PendingPages returns the distinct page IDs that have due pending
// transactions, oldest page first. The queue drains pages concurrently
// but each page strictly FIFO.
func (s *Store) PendingPages(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT page_id FROM transactions
	WHERE status = 'pending' AND next_attempt_at <= ?
	GROUP BY page_id
	ORDER BY MIN(created_at) ASC
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending pages: %w", err)
	}
	defer rows.Close()

	var pages []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan page id: %w", err)
		}
		pages = append(pages, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending pages: %w", err)
	}
	return pages, nil
}

// PendingTransactions returns a page's due pending transactions in
// enqueue order, up to limit.
func (s *Store) PendingTransactions(ctx context.Context, pageID string, now time.Time, limit int) ([]*schema.Transaction, error) {
	rows, err := s.conn.QueryContext(ctx, selectTxColumns+`
	WHERE status = 'pending' AND page_id = ? AND next_attempt_at <= ?
	ORDER BY created_at ASC
	LIMIT ?
	`, pageID, formatTime(now), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// FailedTransactions returns entries marked failed, newest first.
func (s *Store) FailedTransactions(ctx context.Context) ([]*schema.Transaction, error) {
	rows, err := s.conn.QueryContext(ctx, selectTxColumns+`
	WHERE status = 'failed'
	ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// CountTransactions returns queue depth per status.
func (s *Store) CountTransactions(ctx context.Context) (map[schema.TxStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM transactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.TxStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[schema.TxStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// DeleteCompletedBefore garbage-collects completed entries older than the
// cutoff. Returns the number of rows removed.
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM transactions WHERE status = 'completed' AND updated_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed transactions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const selectTxColumns = `
	SELECT id, type, page_id, entity_id, user_id, payload, before_image,
	       status, retries, max_retries, next_attempt_at, error,
	       created_at, updated_at
	FROM transactions`

func scanTransactionRow(row rowScanner) (*schema.Transaction, error) {
	var (
		tx                         schema.Transaction
		txType, status             string
		userID, payload            sql.NullString
		before, errMsg             sql.NullString
		nextAt, createdAt, updated string
	)

	err := row.Scan(
		&tx.ID, &txType, &tx.PageID, &tx.EntityID, &userID,
		&payload, &before, &status, &tx.Retries, &tx.MaxRetries,
		&nextAt, &errMsg, &createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}

	tx.Type = schema.TxType(txType)
	tx.Status = schema.TxStatus(status)
	tx.UserID = userID.String
	tx.Error = errMsg.String
	if payload.Valid {
		tx.Payload = []byte(payload.String)
	}
	if before.Valid {
		tx.Before = []byte(before.String)
	}
	tx.NextAttemptAt = parseTime(nextAt)
	tx.CreatedAt = parseTime(createdAt)
	tx.UpdatedAt = parseTime(updated)

	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*schema.Transaction, error) {
	var txs []*schema.Transaction
	for rows.Next() {
		tx, err := scanTransactionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

func nullableRaw(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
