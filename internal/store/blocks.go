package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blockpad/blockpad/internal/schema"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("not found")

// UpsertBlock inserts or replaces a block by ID.
//
// Duplicate IDs are not an error: the last write wins locally, which is
// the store's half of the engine's conflict policy. Calling it twice with
// the same value leaves the store in the same observable state as once.
func (s *Store) UpsertBlock(block *schema.Block) error {
	return s.UpsertBlockContext(context.Background(), block)
}

// UpsertBlockContext inserts or replaces a block with context support.
func (s *Store) UpsertBlockContext(ctx context.Context, block *schema.Block) error {
	if err := block.Validate(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}

	var propsJSON sql.NullString
	if block.Properties != nil {
		data, err := json.Marshal(block.Properties)
		if err != nil {
			return fmt.Errorf("failed to marshal properties: %w", err)
		}
		propsJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
	INSERT INTO blocks (
		id, page_id, parent_id, type, content, properties,
		sort_order, created_at, updated_at, last_edited_by
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		page_id = excluded.page_id,
		parent_id = excluded.parent_id,
		type = excluded.type,
		content = excluded.content,
		properties = excluded.properties,
		sort_order = excluded.sort_order,
		updated_at = excluded.updated_at,
		last_edited_by = excluded.last_edited_by
	`

	_, err := s.conn.ExecContext(ctx, query,
		block.ID,
		block.PageID,
		ptrToNull(block.ParentID),
		string(block.Type),
		block.Content,
		propsJSON,
		block.Order,
		formatTime(block.CreatedAt),
		formatTime(block.UpdatedAt),
		stringToNull(block.LastEditedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert block %s: %w", block.ID, err)
	}

	return nil
}

// DeleteBlock removes a block row.
//
// Children are NOT cascade-deleted: the observed product behavior keeps
// orphaned children when a parent is removed, and this store pins that
// decision. Returns nil if the block doesn't exist (idempotent).
func (s *Store) DeleteBlock(id string) error {
	return s.DeleteBlockContext(context.Background(), id)
}

// DeleteBlockContext removes a block with context support.
func (s *Store) DeleteBlockContext(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete block %s: %w", id, err)
	}
	return nil
}

// GetBlock retrieves a single block by ID.
// Returns ErrNotFound if no block matches.
func (s *Store) GetBlock(ctx context.Context, id string) (*schema.Block, error) {
	row := s.conn.QueryRowContext(ctx, selectBlockColumns+` WHERE id = ?`, id)

	block, err := scanBlockRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", id, err)
	}
	return block, nil
}

// GetBlocksForPage returns every block on a page, ordered by sort key.
func (s *Store) GetBlocksForPage(ctx context.Context, pageID string) ([]*schema.Block, error) {
	query := selectBlockColumns + `
	WHERE page_id = ?
	ORDER BY sort_order ASC, created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query page blocks: %w", err)
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// GetRootBlocks returns the page's root blocks (parent_id IS NULL),
// paginated and ordered by sort key with creation time as tiebreak.
func (s *Store) GetRootBlocks(ctx context.Context, pageID string, limit, offset int) ([]*schema.Block, error) {
	query := selectBlockColumns + `
	WHERE page_id = ? AND parent_id IS NULL
	ORDER BY sort_order ASC, created_at ASC
	LIMIT ? OFFSET ?
	`

	rows, err := s.conn.QueryContext(ctx, query, pageID, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query root blocks: %w", err)
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// GetChildBlocks returns the direct children of a block, paginated and
// ordered by sort key.
func (s *Store) GetChildBlocks(ctx context.Context, parentID string, limit, offset int) ([]*schema.Block, error) {
	query := selectBlockColumns + `
	WHERE parent_id = ?
	ORDER BY sort_order ASC, created_at ASC
	LIMIT ? OFFSET ?
	`

	rows, err := s.conn.QueryContext(ctx, query, parentID, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query child blocks: %w", err)
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// GetBlockCount counts blocks on a page. When parentID is non-nil only
// that block's direct children are counted; when nil, root blocks.
func (s *Store) GetBlockCount(ctx context.Context, pageID string, parentID *string) (int, error) {
	var (
		count int
		err   error
	)
	if parentID != nil {
		err = s.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM blocks WHERE page_id = ? AND parent_id = ?`,
			pageID, *parentID).Scan(&count)
	} else {
		err = s.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM blocks WHERE page_id = ? AND parent_id IS NULL`,
			pageID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	return count, nil
}

// GetBlocksModifiedSince returns the page's blocks with updated_at after
// the given time, used by the realtime bridge's reconciliation pass.
func (s *Store) GetBlocksModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*schema.Block, error) {
	query := selectBlockColumns + `
	WHERE page_id = ? AND updated_at > ?
	ORDER BY updated_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, pageID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query modified blocks: %w", err)
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// MaxSiblingOrder returns the highest sort key among a parent's children
// (or among root blocks when parentID is nil). Returns 0 with ok=false
// when there are no siblings.
func (s *Store) MaxSiblingOrder(ctx context.Context, pageID string, parentID *string) (float64, bool, error) {
	var max sql.NullFloat64
	var err error
	if parentID != nil {
		err = s.conn.QueryRowContext(ctx,
			`SELECT MAX(sort_order) FROM blocks WHERE page_id = ? AND parent_id = ?`,
			pageID, *parentID).Scan(&max)
	} else {
		err = s.conn.QueryRowContext(ctx,
			`SELECT MAX(sort_order) FROM blocks WHERE page_id = ? AND parent_id IS NULL`,
			pageID).Scan(&max)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query max sibling order: %w", err)
	}
	return max.Float64, max.Valid, nil
}

// ClearPage wipes all local block rows for a page. Called before a full
// remote preload so stale orphans don't survive the refresh.
func (s *Store) ClearPage(ctx context.Context, pageID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM blocks WHERE page_id = ?`, pageID); err != nil {
		return fmt.Errorf("failed to clear page %s: %w", pageID, err)
	}
	return nil
}

// RemapBlockID replaces a client-generated temporary ID with the
// server-assigned permanent ID, in the block row itself, in children
// referencing it as parent, and in still-pending queue entries.
func (s *Store) RemapBlockID(ctx context.Context, oldID, newID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin remap transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE blocks SET id = ? WHERE id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to remap block id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE blocks SET parent_id = ? WHERE parent_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to remap child parent ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE transactions SET entity_id = ? WHERE entity_id = ? AND status IN ('pending', 'processing')`,
		newID, oldID); err != nil {
		return fmt.Errorf("failed to remap queued transactions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remap: %w", err)
	}
	return nil
}

const selectBlockColumns = `
	SELECT id, page_id, parent_id, type, content, properties,
	       sort_order, created_at, updated_at, last_edited_by
	FROM blocks`

// normalizeLimit maps a non-positive limit to SQLite's "no limit".
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlockRow(row rowScanner) (*schema.Block, error) {
	var (
		block                schema.Block
		parentID             sql.NullString
		propsJSON            sql.NullString
		createdAt, updatedAt string
		lastEditedBy         sql.NullString
		blockType            string
	)

	err := row.Scan(
		&block.ID,
		&block.PageID,
		&parentID,
		&blockType,
		&block.Content,
		&propsJSON,
		&block.Order,
		&createdAt,
		&updatedAt,
		&lastEditedBy,
	)
	if err != nil {
		return nil, err
	}

	block.Type = schema.BlockType(blockType)
	if parentID.Valid {
		pid := parentID.String
		block.ParentID = &pid
	}
	if propsJSON.Valid && propsJSON.String != "" {
		if err := json.Unmarshal([]byte(propsJSON.String), &block.Properties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties for block %s: %w", block.ID, err)
		}
	}
	block.CreatedAt = parseTime(createdAt)
	block.UpdatedAt = parseTime(updatedAt)
	block.LastEditedBy = lastEditedBy.String

	return &block, nil
}

func scanBlocks(rows *sql.Rows) ([]*schema.Block, error) {
	var blocks []*schema.Block

	for rows.Next() {
		block, err := scanBlockRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}
