package schema

import (
	"fmt"
	"time"
)

// SyncEventType is the kind of change carried by a realtime event.
type SyncEventType string

const (
	SyncInsert SyncEventType = "INSERT"
	SyncUpdate SyncEventType = "UPDATE"
	SyncDelete SyncEventType = "DELETE"
)

// SyncEvent is one change notification from the remote store's realtime
// feed. For DELETE events Block carries at least the ID and PageID of the
// removed row.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	PageID    string        `json:"page_id"`
	Block     *Block        `json:"block,omitempty"`
	Actor     string        `json:"actor"`
	Timestamp time.Time     `json:"timestamp"`
}

// Validate checks that the event has valid field values.
func (e *SyncEvent) Validate() error {
	switch e.Type {
	case SyncInsert, SyncUpdate, SyncDelete:
	default:
		return fmt.Errorf("unknown sync event type %q", e.Type)
	}
	if e.PageID == "" {
		return fmt.Errorf("page_id is required")
	}
	if e.Block == nil {
		return fmt.Errorf("block is required")
	}
	return nil
}
