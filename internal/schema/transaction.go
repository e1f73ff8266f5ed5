package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TxType identifies the kind of mutation a queued transaction performs.
type TxType string

const (
	TxCreate  TxType = "create"
	TxUpdate  TxType = "update"
	TxDelete  TxType = "delete"
	TxReorder TxType = "reorder"
)

// Valid reports whether the transaction type is known.
func (t TxType) Valid() bool {
	switch t {
	case TxCreate, TxUpdate, TxDelete, TxReorder:
		return true
	}
	return false
}

// TxStatus is the lifecycle state of a queued transaction.
//
// Transitions: pending -> processing -> completed | pending (retry) | failed.
// Completed rows are garbage-collected after a retention window. Failed
// rows stay until the user acts on them; they are never retried
// automatically once MaxRetries is exhausted.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
)

// Transaction is one pending mutation awaiting remote confirmation.
//
// The before-image (Before) is captured at enqueue time so a failed
// transaction can restore the local store to its pre-mutation state
// without per-call-site rollback logic.
type Transaction struct {
	ID       string `json:"id"`
	Type     TxType `json:"type"`
	PageID   string `json:"page_id"`
	EntityID string `json:"entity_id"`
	UserID   string `json:"user_id"`

	// Payload is the after-image: the block (create/update), the block ID
	// (delete), or the []BlockOrder slice (reorder).
	Payload json.RawMessage `json:"payload,omitempty"`

	// Before is the pre-mutation snapshot used for rollback. Nil for
	// creates (rollback deletes the optimistic row).
	Before json.RawMessage `json:"before,omitempty"`

	Status        TxStatus  `json:"status"`
	Retries       int       `json:"retries"`
	MaxRetries    int       `json:"max_retries"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Error         string    `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the transaction has valid field values.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !t.Type.Valid() {
		return fmt.Errorf("unknown transaction type %q", t.Type)
	}
	if t.PageID == "" {
		return fmt.Errorf("page_id is required")
	}
	if t.Type != TxReorder && t.EntityID == "" {
		return fmt.Errorf("entity_id is required for %s transactions", t.Type)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative (got %d)", t.MaxRetries)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Transaction) SetDefaults() {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TxPending
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 5
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.NextAttemptAt.IsZero() {
		t.NextAttemptAt = t.CreatedAt
	}
}

// BlockOrder is one entry of a batch reorder payload.
type BlockOrder struct {
	ID    string  `json:"id"`
	Order float64 `json:"order"`
}
