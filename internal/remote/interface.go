// Package remote defines the fixed action contract for the authoritative
// remote store, plus the client implementations the sync engine uses.
//
// The remote store is an external collaborator: this package never
// assumes anything about its internals beyond the action contract. Every
// action returns either a value or an *ActionError tagging the failure as
// transient or permanent with a human-readable message; the transaction
// queue uses the tag to decide between retry-with-backoff and immediate
// surfacing.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockpad/blockpad/internal/schema"
)

// ErrorCode classifies an action failure for retry decisions.
type ErrorCode string

const (
	// CodeTransient marks failures worth retrying: timeouts, connection
	// resets, 5xx responses, rate limits.
	CodeTransient ErrorCode = "transient"

	// CodePermanent marks failures that will not succeed on retry:
	// validation rejections, referential-integrity violations.
	CodePermanent ErrorCode = "permanent"

	// CodeUnauthorized is a permanent authorization failure.
	CodeUnauthorized ErrorCode = "unauthorized"

	// CodeNotFound is returned when the target entity does not exist.
	CodeNotFound ErrorCode = "not_found"
)

// ActionError is the tagged failure result of a remote action.
type ActionError struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return fmt.Sprintf("remote action failed (%s): %s", e.Code, e.Message)
}

// IsPermanent reports whether err is a remote failure that must not be
// retried. Transient failures and non-action errors (network-level ones
// wrapped by the client) report false and go through backoff.
func IsPermanent(err error) bool {
	var ae *ActionError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Code {
	case CodePermanent, CodeUnauthorized, CodeNotFound:
		return true
	}
	return false
}

// Store is the action contract against the authoritative remote store.
//
// Per-entity ordering is the caller's responsibility: the contract makes
// no sequencing promises beyond executing each call it accepts. The
// transaction queue drains one page at a time in FIFO order to preserve
// enqueue order end to end.
type Store interface {
	// CreateBlock stores a new block. The returned block carries the
	// server-assigned ID when the submitted one was client-generated.
	CreateBlock(ctx context.Context, block *schema.Block) (*schema.Block, error)

	// UpdateBlock replaces a block's content, properties, parent, and
	// sort key. Last write wins; the server does not merge fields.
	UpdateBlock(ctx context.Context, block *schema.Block) (*schema.Block, error)

	// DeleteBlock removes a block. Children are not cascade-deleted.
	DeleteBlock(ctx context.Context, id string) error

	// ReorderBlocks applies a batch of {id, order} assignments on a page.
	ReorderBlocks(ctx context.Context, pageID string, orders []schema.BlockOrder) error

	// GetRootBlocks returns a page's root blocks, paginated, ordered by
	// sort key ascending.
	GetRootBlocks(ctx context.Context, pageID string, limit, offset int) ([]*schema.Block, error)

	// GetChildBlocks returns a block's direct children, paginated.
	GetChildBlocks(ctx context.Context, parentID string, limit, offset int) ([]*schema.Block, error)

	// GetBlockCount counts root blocks (parentID nil) or a block's
	// direct children.
	GetBlockCount(ctx context.Context, pageID string, parentID *string) (int, error)

	// GetHierarchy returns a page's blocks down to the given depth
	// (depth 1 = roots only), breadth-first.
	GetHierarchy(ctx context.Context, pageID string, depth int) ([]*schema.Block, error)

	// GetBlocksModifiedSince returns blocks changed after the watermark,
	// used by the reconciliation pass after a feed gap.
	GetBlocksModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*schema.Block, error)

	// CreatePage, GetPage, UpdatePage, DeletePage manage page metadata.
	CreatePage(ctx context.Context, page *schema.Page) (*schema.Page, error)
	GetPage(ctx context.Context, id string) (*schema.Page, error)
	UpdatePage(ctx context.Context, page *schema.Page) (*schema.Page, error)
	DeletePage(ctx context.Context, id string) error
}

// Feed is the remote store's realtime change feed. Subscribe returns a
// channel of change events for one page; the channel closes when the
// subscription drops, after which the bridge reconnects with backoff.
type Feed interface {
	Subscribe(ctx context.Context, pageID string) (<-chan schema.SyncEvent, error)
}
