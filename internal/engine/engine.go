// Package engine is the editor-facing facade of the sync engine.
//
// Mutations apply optimistically to the local store, enqueue a
// transaction for remote delivery, and return immediately. Reads come
// from the local store when available and fall through to the remote
// store otherwise. Running without a local store is supported: every
// operation then calls the remote store synchronously, trading latency
// for zero local state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/blockpad/blockpad/internal/coordinator"
	"github.com/blockpad/blockpad/internal/hierarchy"
	"github.com/blockpad/blockpad/internal/queue"
	"github.com/blockpad/blockpad/internal/realtime"
	"github.com/blockpad/blockpad/internal/remote"
	"github.com/blockpad/blockpad/internal/schema"
	"github.com/blockpad/blockpad/internal/store"
)

// SyncStatus is the aggregate indicator surfaced to the UI.
type SyncStatus string

const (
	// StatusSynced means the queue is empty and the feed is healthy.
	StatusSynced SyncStatus = "synced"

	// StatusPending means transactions are awaiting remote confirmation.
	StatusPending SyncStatus = "pending"

	// StatusError means at least one transaction failed for good.
	StatusError SyncStatus = "error"

	// StatusOffline means the engine is not attempting remote delivery.
	StatusOffline SyncStatus = "offline"
)

// Config holds engine settings.
type Config struct {
	// UserID stamps mutations and feed echo suppression.
	UserID string

	// Queue configures the transaction queue.
	Queue queue.Config

	// Bridge configures the realtime bridge.
	Bridge realtime.Config

	// Hierarchy configures per-page loaders.
	Hierarchy hierarchy.Config

	// Logger receives engine logs. Defaults to stderr.
	Logger *log.Logger
}

// Engine wires the local store, transaction queue, session coordinator,
// and realtime bridge behind one API.
type Engine struct {
	cfg    Config
	store  *store.Store
	remote remote.Store
	queue  *queue.Queue
	coord  *coordinator.Coordinator
	bridge *realtime.Bridge
	logger *log.Logger

	mu      sync.Mutex
	loaders map[string]*hierarchy.Loader
	started bool
}

// New creates an engine. st may be nil for remote-only operation; feed
// may be nil to disable the realtime bridge; coord may be nil, which
// degrades to a permanently-leading single session.
func New(st *store.Store, rs remote.Store, feed remote.Feed, coord *coordinator.Coordinator, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if coord == nil {
		coord = coordinator.New(nil, nil, coordinator.Config{SessionID: cfg.UserID})
	}
	bus := coord.Bus()

	e := &Engine{
		cfg:     cfg,
		store:   st,
		remote:  rs,
		coord:   coord,
		logger:  cfg.Logger,
		loaders: make(map[string]*hierarchy.Loader),
	}
	if st != nil {
		e.queue = queue.New(st, rs, bus, cfg.Queue)
	}
	if feed != nil {
		bridgeCfg := cfg.Bridge
		if bridgeCfg.Actor == "" {
			bridgeCfg.Actor = cfg.UserID
		}
		e.bridge = realtime.New(st, rs, feed, bus, bridgeCfg)
	}
	return e
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *coordinator.Bus { return e.coord.Bus() }

// Coordinator returns the session coordinator.
func (e *Engine) Coordinator() *coordinator.Coordinator { return e.coord }

// Queue returns the transaction queue, or nil in remote-only mode.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Start brings up the coordinator and the background queue loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	if e.queue != nil {
		e.queue.Start(ctx)
	}
	return nil
}

// Stop shuts everything down in reverse order.
func (e *Engine) Stop() {
	if e.bridge != nil {
		e.bridge.Stop()
	}
	if e.queue != nil {
		e.queue.Stop()
	}
	e.coord.Stop()
}

// OpenPage prepares a page for editing: it builds the hierarchy loader
// and, when a feed is configured, starts watching the page.
func (e *Engine) OpenPage(ctx context.Context, pageID string) (*hierarchy.Loader, error) {
	e.mu.Lock()
	loader, ok := e.loaders[pageID]
	if !ok {
		loader = hierarchy.NewLoader(e.store, e.remote, pageID, e.cfg.Hierarchy)
		e.loaders[pageID] = loader
	}
	e.mu.Unlock()

	if !ok {
		if err := loader.LoadInitial(ctx); err != nil {
			e.mu.Lock()
			delete(e.loaders, pageID)
			e.mu.Unlock()
			return nil, fmt.Errorf("failed to load page %s: %w", pageID, err)
		}
		if e.bridge != nil {
			e.bridge.WatchPage(ctx, pageID)
		}
	}
	return loader, nil
}

// ClosePage drops the page's loader and feed subscription.
func (e *Engine) ClosePage(pageID string) {
	e.mu.Lock()
	delete(e.loaders, pageID)
	e.mu.Unlock()
	if e.bridge != nil {
		e.bridge.UnwatchPage(pageID)
	}
}

// Loader returns the open page's hierarchy loader, or nil.
func (e *Engine) Loader(pageID string) *hierarchy.Loader {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaders[pageID]
}

// CreateBlock creates a block at the end of its sibling list, applies it
// locally under a temporary ID, and queues the remote create. The block
// is returned with its temporary ID; the queue remaps it once the server
// assigns the real one.
func (e *Engine) CreateBlock(ctx context.Context, pageID string, parentID *string, blockType schema.BlockType, content string) (*schema.Block, error) {
	block := &schema.Block{
		ID:           schema.NewTempID(),
		PageID:       pageID,
		ParentID:     parentID,
		Type:         blockType,
		Content:      content,
		LastEditedBy: e.cfg.UserID,
	}
	block.SetDefaults()
	if err := block.Validate(); err != nil {
		return nil, fmt.Errorf("invalid block: %w", err)
	}

	if e.store == nil {
		created, err := e.remote.CreateBlock(ctx, block)
		if err != nil {
			return nil, err
		}
		e.notifyBlocks(pageID, created.ID)
		return created, nil
	}

	err := e.coord.ExecuteDBOperation(ctx, func(ctx context.Context) error {
		max, ok, err := e.store.MaxSiblingOrder(ctx, pageID, parentID)
		if err != nil {
			return fmt.Errorf("failed to compute sort order: %w", err)
		}
		if ok {
			block.Order = max + 1
		} else {
			block.Order = 1
		}

		if err := e.store.UpsertBlockContext(ctx, block); err != nil {
			return fmt.Errorf("failed to apply block locally: %w", err)
		}
		return e.enqueue(ctx, schema.TxCreate, block, nil)
	})
	if err != nil {
		return nil, err
	}

	e.notifyBlocks(pageID, block.ID)
	return block.Clone(), nil
}

// UpdateBlock applies an edited block locally and queues the remote
// update, capturing the previous row as the rollback image.
func (e *Engine) UpdateBlock(ctx context.Context, block *schema.Block) (*schema.Block, error) {
	if err := block.Validate(); err != nil {
		return nil, fmt.Errorf("invalid block: %w", err)
	}
	block.LastEditedBy = e.cfg.UserID

	if e.store == nil {
		block.Touch()
		updated, err := e.remote.UpdateBlock(ctx, block)
		if err != nil {
			return nil, err
		}
		e.notifyBlocks(block.PageID, block.ID)
		return updated, nil
	}

	err := e.coord.ExecuteDBOperation(ctx, func(ctx context.Context) error {
		before, err := e.store.GetBlock(ctx, block.ID)
		if err != nil {
			return fmt.Errorf("failed to load block %s: %w", block.ID, err)
		}
		beforeImage, err := before.Marshal()
		if err != nil {
			return fmt.Errorf("failed to capture before-image: %w", err)
		}

		block.Touch()
		if err := e.store.UpsertBlockContext(ctx, block); err != nil {
			return fmt.Errorf("failed to apply block locally: %w", err)
		}
		return e.enqueue(ctx, schema.TxUpdate, block, beforeImage)
	})
	if err != nil {
		return nil, err
	}

	e.notifyBlocks(block.PageID, block.ID)
	return block.Clone(), nil
}

// DeleteBlock removes a block locally and queues the remote delete.
// Children are not cascaded; they become orphans the same way the remote
// store leaves them.
func (e *Engine) DeleteBlock(ctx context.Context, id string) error {
	if e.store == nil {
		if err := e.remote.DeleteBlock(ctx, id); err != nil {
			return err
		}
		e.notifyBlocks("", id)
		return nil
	}

	var pageID string
	err := e.coord.ExecuteDBOperation(ctx, func(ctx context.Context) error {
		before, err := e.store.GetBlock(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load block %s: %w", id, err)
		}
		pageID = before.PageID
		beforeImage, err := before.Marshal()
		if err != nil {
			return fmt.Errorf("failed to capture before-image: %w", err)
		}

		if err := e.store.DeleteBlockContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete block locally: %w", err)
		}
		return e.enqueue(ctx, schema.TxDelete, before, beforeImage)
	})
	if err != nil {
		return err
	}

	e.notifyBlocks(pageID, id)
	return nil
}

// MoveBlock reparents a block and places it at the end of its new
// sibling list. The new parent must live on the same page and must not
// be the block itself or one of its descendants; blocks form a tree,
// not a graph.
func (e *Engine) MoveBlock(ctx context.Context, id string, newParent *string) (*schema.Block, error) {
	if e.store == nil {
		return nil, fmt.Errorf("move requires a local store")
	}

	block, err := e.store.GetBlock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load block %s: %w", id, err)
	}
	if newParent != nil {
		if *newParent == id {
			return nil, fmt.Errorf("block cannot be its own parent")
		}
		parent, err := e.store.GetBlock(ctx, *newParent)
		if err != nil {
			return nil, fmt.Errorf("failed to load new parent %s: %w", *newParent, err)
		}
		if parent.PageID != block.PageID {
			return nil, fmt.Errorf("cannot move block %s to a parent on another page", id)
		}
		if err := e.checkNoCycle(ctx, id, parent); err != nil {
			return nil, err
		}
	}

	max, ok, err := e.store.MaxSiblingOrder(ctx, block.PageID, newParent)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sort order: %w", err)
	}
	block.ParentID = newParent
	if ok {
		block.Order = max + 1
	} else {
		block.Order = 1
	}
	return e.UpdateBlock(ctx, block)
}

// checkNoCycle walks the ancestor chain of parent and rejects the move
// when it reaches id. Orphaned chains end the walk; they cannot close a
// cycle through id.
func (e *Engine) checkNoCycle(ctx context.Context, id string, parent *schema.Block) error {
	seen := map[string]bool{parent.ID: true}
	for cur := parent; cur.ParentID != nil; {
		if *cur.ParentID == id {
			return fmt.Errorf("cannot move block %s under its own descendant %s", id, parent.ID)
		}
		if seen[*cur.ParentID] {
			return fmt.Errorf("ancestor chain of %s contains a cycle", parent.ID)
		}
		seen[*cur.ParentID] = true

		next, err := e.store.GetBlock(ctx, *cur.ParentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("failed to walk ancestors of %s: %w", parent.ID, err)
		}
		cur = next
	}
	return nil
}

// ReorderBlocks applies a batch of sort-key assignments on one page and
// queues a single reorder transaction for them.
func (e *Engine) ReorderBlocks(ctx context.Context, pageID string, orders []schema.BlockOrder) error {
	if len(orders) == 0 {
		return nil
	}

	if e.store == nil {
		if err := e.remote.ReorderBlocks(ctx, pageID, orders); err != nil {
			return err
		}
		e.notifyBlocks(pageID, "")
		return nil
	}

	err := e.coord.ExecuteDBOperation(ctx, func(ctx context.Context) error {
		var before []*schema.Block
		for _, o := range orders {
			b, err := e.store.GetBlock(ctx, o.ID)
			if err != nil {
				return fmt.Errorf("failed to load block %s: %w", o.ID, err)
			}
			before = append(before, b)
		}
		beforeImage, err := json.Marshal(before)
		if err != nil {
			return fmt.Errorf("failed to capture before-image: %w", err)
		}

		now := time.Now().UTC()
		for i, o := range orders {
			b := before[i].Clone()
			b.Order = o.Order
			b.UpdatedAt = now
			b.LastEditedBy = e.cfg.UserID
			if err := e.store.UpsertBlockContext(ctx, b); err != nil {
				return fmt.Errorf("failed to apply reorder locally: %w", err)
			}
		}

		payload, err := json.Marshal(orders)
		if err != nil {
			return fmt.Errorf("failed to marshal reorder payload: %w", err)
		}
		tx := &schema.Transaction{
			Type:    schema.TxReorder,
			PageID:  pageID,
			UserID:  e.cfg.UserID,
			Payload: payload,
			Before:  beforeImage,
		}
		return e.queue.Enqueue(ctx, tx)
	})
	if err != nil {
		return err
	}

	e.notifyBlocks(pageID, "")
	return nil
}

// GetBlock reads a block from the local store. Remote-only deployments
// read through the hierarchy loader instead; the action contract has no
// single-block fetch.
func (e *Engine) GetBlock(ctx context.Context, id string) (*schema.Block, error) {
	if e.store == nil {
		return nil, store.ErrNotFound
	}
	return e.store.GetBlock(ctx, id)
}

// SyncStatus derives the aggregate indicator from queue depth and
// connectivity.
func (e *Engine) SyncStatus(ctx context.Context) (SyncStatus, error) {
	if e.queue == nil {
		return StatusSynced, nil
	}
	if !e.queue.Online() {
		return StatusOffline, nil
	}
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return StatusError, fmt.Errorf("failed to read queue depth: %w", err)
	}
	switch {
	case counts[schema.TxFailed] > 0:
		return StatusError, nil
	case counts[schema.TxPending] > 0 || counts[schema.TxProcessing] > 0:
		return StatusPending, nil
	default:
		return StatusSynced, nil
	}
}

// SetOnline toggles connectivity for the queue.
func (e *Engine) SetOnline(online bool) {
	if e.queue != nil {
		e.queue.SetOnline(online)
	}
	e.coord.BroadcastSyncEvent(coordinator.Event{
		Type:   coordinator.EventSyncStatusChanged,
		Status: string(statusForOnline(online)),
	})
}

// CreatePage creates a page on the remote store and mirrors it locally.
// Page metadata is low-churn, so it skips the queue and goes straight
// through.
func (e *Engine) CreatePage(ctx context.Context, page *schema.Page) (*schema.Page, error) {
	page.SetDefaults()
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("invalid page: %w", err)
	}
	if page.UserID == "" {
		page.UserID = e.cfg.UserID
	}

	created := page
	if e.remote != nil {
		var err error
		created, err = e.remote.CreatePage(ctx, page)
		if err != nil {
			return nil, err
		}
	}
	if e.store != nil {
		if err := e.store.UpsertPage(ctx, created); err != nil {
			return nil, fmt.Errorf("failed to mirror page locally: %w", err)
		}
	}
	return created, nil
}

// enqueue builds and persists a transaction for a block mutation.
func (e *Engine) enqueue(ctx context.Context, txType schema.TxType, block *schema.Block, before json.RawMessage) error {
	payload, err := block.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	tx := &schema.Transaction{
		Type:     txType,
		PageID:   block.PageID,
		EntityID: block.ID,
		UserID:   e.cfg.UserID,
		Payload:  payload,
		Before:   before,
	}
	return e.queue.Enqueue(ctx, tx)
}

func (e *Engine) notifyBlocks(pageID, blockID string) {
	e.coord.BroadcastSyncEvent(coordinator.Event{
		Type:    coordinator.EventBlocksChanged,
		PageID:  pageID,
		BlockID: blockID,
	})
}

func statusForOnline(online bool) SyncStatus {
	if online {
		return StatusPending
	}
	return StatusOffline
}
