package schema

import (
	"fmt"
	"time"
)

// Page is a document composed of a tree of blocks. Root blocks of the
// tree have ParentID == nil and PageID set to this page's ID.
type Page struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Title  string `json:"title"`

	Emoji      string `json:"emoji,omitempty"`
	Icon       string `json:"icon,omitempty"`
	CoverImage string `json:"cover_image,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the page has valid field values.
func (p *Page) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(p.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(p.Title))
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (p *Page) SetDefaults() {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = NewTempID()
	}
	if p.Title == "" {
		p.Title = "Untitled"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
}
