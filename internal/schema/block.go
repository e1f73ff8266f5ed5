// Package schema provides the data structures shared by the blockpad sync
// engine: blocks, pages, queued transactions, and realtime change events.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BlockType identifies the kind of content a block holds.
type BlockType string

const (
	BlockTypeHeading1     BlockType = "heading1"
	BlockTypeHeading2     BlockType = "heading2"
	BlockTypeHeading3     BlockType = "heading3"
	BlockTypeParagraph    BlockType = "paragraph"
	BlockTypeBulletList   BlockType = "bulleted_list"
	BlockTypeNumberedList BlockType = "numbered_list"
	BlockTypeToggle       BlockType = "toggle"
	BlockTypeCallout      BlockType = "callout"
	BlockTypeCode         BlockType = "code"
	BlockTypeQuote        BlockType = "quote"
	BlockTypeImage        BlockType = "image"
	BlockTypeDivider      BlockType = "divider"
	BlockTypeVideo        BlockType = "video"
)

// Valid reports whether the block type is one of the known kinds.
func (t BlockType) Valid() bool {
	switch t {
	case BlockTypeHeading1, BlockTypeHeading2, BlockTypeHeading3,
		BlockTypeParagraph, BlockTypeBulletList, BlockTypeNumberedList,
		BlockTypeToggle, BlockTypeCallout, BlockTypeCode, BlockTypeQuote,
		BlockTypeImage, BlockTypeDivider, BlockTypeVideo:
		return true
	}
	return false
}

// Block is a single content unit belonging to a page, optionally nested
// under a parent block on the same page.
//
// The structure is intentionally flat with last-write-wins semantics:
// each field can be replaced independently, and UpdatedAt resolves
// conflicts between concurrent editors.
type Block struct {
	// ID is globally unique. Client-generated IDs carry a "tmp-" prefix
	// until the server assigns a permanent ID (see IsTempID).
	ID string `json:"id"`

	// PageID is the owning document.
	PageID string `json:"page_id"`

	// ParentID references another block on the same page, or nil for a
	// root block. The hierarchy is a tree: cycles are rejected upstream.
	ParentID *string `json:"parent_id,omitempty"`

	Type    BlockType `json:"type"`
	Content string    `json:"content,omitempty"`

	// Properties holds type-specific metadata (language for code blocks,
	// URL for images, checked state for list items).
	Properties map[string]any `json:"properties,omitempty"`

	// Order is the sort key among siblings. Ties break by CreatedAt.
	Order float64 `json:"order"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastEditedBy is the originating actor, used for echo suppression
	// when the same mutation comes back over the realtime feed.
	LastEditedBy string `json:"last_edited_by,omitempty"`
}

// Validate checks that the block has valid field values.
func (b *Block) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if b.PageID == "" {
		return fmt.Errorf("page_id is required")
	}
	if !b.Type.Valid() {
		return fmt.Errorf("unknown block type %q", b.Type)
	}
	if b.ParentID != nil && *b.ParentID == b.ID {
		return fmt.Errorf("block cannot be its own parent")
	}
	if b.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if b.UpdatedAt.Before(b.CreatedAt) {
		return fmt.Errorf("updated_at precedes created_at")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (b *Block) SetDefaults() {
	now := time.Now().UTC()
	if b.ID == "" {
		b.ID = NewTempID()
	}
	if b.Type == "" {
		b.Type = BlockTypeParagraph
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() || b.UpdatedAt.Before(b.CreatedAt) {
		b.UpdatedAt = b.CreatedAt
	}
}

// Touch advances UpdatedAt, keeping it monotonically non-decreasing even
// when the wall clock steps backwards.
func (b *Block) Touch() {
	now := time.Now().UTC()
	if now.After(b.UpdatedAt) {
		b.UpdatedAt = now
	} else {
		b.UpdatedAt = b.UpdatedAt.Add(time.Millisecond)
	}
}

// Clone returns a deep copy of the block.
func (b *Block) Clone() *Block {
	dup := *b
	if b.ParentID != nil {
		pid := *b.ParentID
		dup.ParentID = &pid
	}
	if b.Properties != nil {
		dup.Properties = make(map[string]any, len(b.Properties))
		for k, v := range b.Properties {
			dup.Properties[k] = v
		}
	}
	return &dup
}

// Marshal encodes the block as JSON for transaction payloads.
func (b *Block) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal block %s: %w", b.ID, err)
	}
	return data, nil
}

// UnmarshalBlock decodes a block from a transaction payload.
func UnmarshalBlock(data json.RawMessage) (*Block, error) {
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	return &b, nil
}

// NewTempID returns a client-generated block ID. The "tmp-" prefix marks
// IDs the server has not confirmed; the queue remaps them on first sync.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

// IsTempID reports whether id is a client-generated temporary ID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, "tmp-")
}
