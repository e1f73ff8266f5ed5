package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blockpad/blockpad/internal/schema"
)

// UpsertPage inserts or replaces a page by ID.
func (s *Store) UpsertPage(ctx context.Context, page *schema.Page) error {
	if err := page.Validate(); err != nil {
		return fmt.Errorf("invalid page: %w", err)
	}

	query := `
	INSERT INTO pages (id, user_id, title, emoji, icon, cover_image, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		title = excluded.title,
		emoji = excluded.emoji,
		icon = excluded.icon,
		cover_image = excluded.cover_image,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		page.ID,
		page.UserID,
		page.Title,
		stringToNull(page.Emoji),
		stringToNull(page.Icon),
		stringToNull(page.CoverImage),
		formatTime(page.CreatedAt),
		formatTime(page.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert page %s: %w", page.ID, err)
	}
	return nil
}

// GetPage retrieves a page by ID. Returns ErrNotFound if no row matches.
func (s *Store) GetPage(ctx context.Context, id string) (*schema.Page, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, user_id, title, emoji, icon, cover_image, created_at, updated_at
	FROM pages WHERE id = ?`, id)

	var (
		page                    schema.Page
		emoji, icon, cover      sql.NullString
		createdAt, updatedAt    string
	)
	err := row.Scan(&page.ID, &page.UserID, &page.Title, &emoji, &icon, &cover, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page %s: %w", id, err)
	}

	page.Emoji = emoji.String
	page.Icon = icon.String
	page.CoverImage = cover.String
	page.CreatedAt = parseTime(createdAt)
	page.UpdatedAt = parseTime(updatedAt)
	return &page, nil
}

// DeletePage removes a page row. Block rows are removed separately via
// ClearPage; page deletion alone leaves them untouched.
func (s *Store) DeletePage(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete page %s: %w", id, err)
	}
	return nil
}

// ListPages returns all cached pages ordered by last update.
func (s *Store) ListPages(ctx context.Context) ([]*schema.Page, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, user_id, title, emoji, icon, cover_image, created_at, updated_at
	FROM pages ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []*schema.Page
	for rows.Next() {
		var (
			page                 schema.Page
			emoji, icon, cover   sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&page.ID, &page.UserID, &page.Title, &emoji, &icon, &cover, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		page.Emoji = emoji.String
		page.Icon = icon.String
		page.CoverImage = cover.String
		page.CreatedAt = parseTime(createdAt)
		page.UpdatedAt = parseTime(updatedAt)
		pages = append(pages, &page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pages: %w", err)
	}
	return pages, nil
}

// SetLastSyncAt records the per-page reconciliation watermark.
func (s *Store) SetLastSyncAt(ctx context.Context, pageID string, at time.Time) error {
	query := `
	INSERT INTO sync_meta (page_id, last_sync_at) VALUES (?, ?)
	ON CONFLICT(page_id) DO UPDATE SET last_sync_at = excluded.last_sync_at
	`
	if _, err := s.conn.ExecContext(ctx, query, pageID, formatTime(at)); err != nil {
		return fmt.Errorf("failed to set last sync time: %w", err)
	}
	return nil
}

// LastSyncAt returns the per-page reconciliation watermark, or the zero
// time if the page has never synced.
func (s *Store) LastSyncAt(ctx context.Context, pageID string) (time.Time, error) {
	var v string
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_sync_at FROM sync_meta WHERE page_id = ?`, pageID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sync time: %w", err)
	}
	return parseTime(v), nil
}
