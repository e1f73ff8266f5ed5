// Package realtime applies the remote store's change feed to the local
// store.
//
// The bridge subscribes per page, drops echoes of this client's own
// writes, and reconciles concurrent remote edits by last-write-wins on
// the block's update timestamp. When a subscription drops it reconnects
// with capped exponential backoff and first replays the changes missed
// during the gap from the remote's modified-since endpoint, using the
// per-page watermark persisted in the local store.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/blockpad/blockpad/internal/coordinator"
	"github.com/blockpad/blockpad/internal/remote"
	"github.com/blockpad/blockpad/internal/schema"
	"github.com/blockpad/blockpad/internal/store"
)

// Config holds bridge settings.
type Config struct {
	// Actor identifies this client on the feed; events carrying it are
	// echoes of our own queued writes and are dropped.
	Actor string

	// ReconnectDelayBase seeds the reconnect backoff.
	ReconnectDelayBase time.Duration

	// MaxReconnectDelay caps the reconnect backoff.
	MaxReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects before
	// the page watch gives up and reports disconnected.
	MaxReconnectAttempts int

	// Logger receives bridge logs. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the default bridge settings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelayBase:   time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Bridge connects the remote change feed to the local store.
type Bridge struct {
	cfg    Config
	store  *store.Store
	remote remote.Store
	feed   remote.Feed
	bus    *coordinator.Bus
	logger *log.Logger

	mu        sync.Mutex
	watches   map[string]context.CancelFunc
	connected map[string]bool

	wg sync.WaitGroup
}

// New creates a bridge. st may be nil when running without a local
// cache; events are then only republished on the bus.
func New(st *store.Store, rs remote.Store, feed remote.Feed, bus *coordinator.Bus, cfg Config) *Bridge {
	def := DefaultConfig()
	if cfg.ReconnectDelayBase <= 0 {
		cfg.ReconnectDelayBase = def.ReconnectDelayBase
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	if bus == nil {
		bus = coordinator.NewBus()
	}
	return &Bridge{
		cfg:       cfg,
		store:     st,
		remote:    rs,
		feed:      feed,
		bus:       bus,
		logger:    cfg.Logger,
		watches:   make(map[string]context.CancelFunc),
		connected: make(map[string]bool),
	}
}

// WatchPage starts the subscribe loop for a page. Watching an already
// watched page is a no-op.
func (b *Bridge) WatchPage(ctx context.Context, pageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watches[pageID]; ok {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	b.watches[pageID] = cancel
	b.wg.Add(1)
	go b.run(watchCtx, pageID)
}

// UnwatchPage stops the page's subscribe loop.
func (b *Bridge) UnwatchPage(pageID string) {
	b.mu.Lock()
	cancel := b.watches[pageID]
	delete(b.watches, pageID)
	delete(b.connected, pageID)
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Connected reports whether the page's feed subscription is live.
func (b *Bridge) Connected(pageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected[pageID]
}

// Stop cancels every watch and waits for the loops to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	for pageID, cancel := range b.watches {
		cancel()
		delete(b.watches, pageID)
		delete(b.connected, pageID)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bridge) run(ctx context.Context, pageID string) {
	defer b.wg.Done()
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if err := b.Reconcile(ctx, pageID); err != nil {
			b.logger.Printf("page %s: reconciliation failed: %v", pageID, err)
		}

		events, err := b.feed.Subscribe(ctx, pageID)
		if err == nil {
			attempts = 0
			b.setConnected(pageID, true)
			b.consume(ctx, pageID, events)
			b.setConnected(pageID, false)
			if ctx.Err() != nil {
				return
			}
			b.logger.Printf("page %s: feed dropped, reconnecting", pageID)
		} else {
			b.logger.Printf("page %s: subscribe failed: %v", pageID, err)
		}

		attempts++
		if attempts > b.cfg.MaxReconnectAttempts {
			b.logger.Printf("page %s: giving up after %d reconnect attempts", pageID, attempts-1)
			b.bus.Publish(coordinator.Event{
				Type:   coordinator.EventSyncStatusChanged,
				PageID: pageID,
				Status: "offline",
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.reconnectDelay(attempts)):
		}
	}
}

func (b *Bridge) consume(ctx context.Context, pageID string, events <-chan schema.SyncEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := b.Apply(ctx, &ev); err != nil {
				b.logger.Printf("page %s: failed to apply event: %v", pageID, err)
			}
		}
	}
}

// Apply folds one feed event into the local store.
//
// Echoes of this client's own writes are dropped: the queue already
// confirmed them, and re-applying would clobber newer local edits.
// Remote edits land last-write-wins on the block's update timestamp; a
// stale event loses to a newer local row and is skipped.
func (b *Bridge) Apply(ctx context.Context, ev *schema.SyncEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid sync event: %w", err)
	}
	if ev.Actor != "" && ev.Actor == b.cfg.Actor {
		return nil
	}

	if b.store == nil {
		b.bus.Publish(coordinator.Event{Type: coordinator.EventBlocksChanged, PageID: ev.PageID, BlockID: ev.Block.ID})
		return nil
	}

	switch ev.Type {
	case schema.SyncInsert, schema.SyncUpdate:
		local, err := b.store.GetBlock(ctx, ev.Block.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to load local block: %w", err)
		}
		if local != nil && local.UpdatedAt.After(ev.Block.UpdatedAt) {
			b.logger.Printf("page %s: skipping stale %s for block %s", ev.PageID, ev.Type, ev.Block.ID)
			return nil
		}
		if err := b.store.UpsertBlockContext(ctx, ev.Block); err != nil {
			return fmt.Errorf("failed to apply %s: %w", ev.Type, err)
		}

	case schema.SyncDelete:
		if err := b.store.DeleteBlockContext(ctx, ev.Block.ID); err != nil {
			return fmt.Errorf("failed to apply delete: %w", err)
		}
	}

	if !ev.Timestamp.IsZero() {
		if err := b.advanceWatermark(ctx, ev.PageID, ev.Timestamp); err != nil {
			b.logger.Printf("page %s: failed to advance watermark: %v", ev.PageID, err)
		}
	}

	b.bus.Publish(coordinator.Event{Type: coordinator.EventBlocksChanged, PageID: ev.PageID, BlockID: ev.Block.ID})
	return nil
}

// Reconcile replays changes missed while the feed was down: every block
// the remote modified after the page's watermark is folded in with the
// same last-write-wins rule the live feed uses.
func (b *Bridge) Reconcile(ctx context.Context, pageID string) error {
	if b.store == nil || b.remote == nil {
		return nil
	}

	since, err := b.store.LastSyncAt(ctx, pageID)
	if err != nil {
		return fmt.Errorf("failed to load sync watermark: %w", err)
	}

	blocks, err := b.remote.GetBlocksModifiedSince(ctx, pageID, since)
	if err != nil {
		return fmt.Errorf("failed to fetch modified blocks: %w", err)
	}
	if len(blocks) == 0 {
		return nil
	}

	applied := 0
	watermark := since
	for _, incoming := range blocks {
		local, err := b.store.GetBlock(ctx, incoming.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to load local block: %w", err)
		}
		if local == nil || !local.UpdatedAt.After(incoming.UpdatedAt) {
			if err := b.store.UpsertBlockContext(ctx, incoming); err != nil {
				return fmt.Errorf("failed to apply reconciled block: %w", err)
			}
			applied++
		}
		if incoming.UpdatedAt.After(watermark) {
			watermark = incoming.UpdatedAt
		}
	}

	if watermark.After(since) {
		if err := b.store.SetLastSyncAt(ctx, pageID, watermark); err != nil {
			return fmt.Errorf("failed to advance sync watermark: %w", err)
		}
	}
	if applied > 0 {
		b.logger.Printf("page %s: reconciled %d blocks", pageID, applied)
		b.bus.Publish(coordinator.Event{Type: coordinator.EventBlocksChanged, PageID: pageID})
	}
	return nil
}

func (b *Bridge) advanceWatermark(ctx context.Context, pageID string, at time.Time) error {
	current, err := b.store.LastSyncAt(ctx, pageID)
	if err != nil {
		return err
	}
	if !at.After(current) {
		return nil
	}
	return b.store.SetLastSyncAt(ctx, pageID, at)
}

func (b *Bridge) setConnected(pageID string, connected bool) {
	b.mu.Lock()
	b.connected[pageID] = connected
	b.mu.Unlock()
}

// reconnectDelay computes the wait before the nth reconnect attempt.
func (b *Bridge) reconnectDelay(attempt int) time.Duration {
	delay := b.cfg.ReconnectDelayBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.cfg.MaxReconnectDelay {
			return b.cfg.MaxReconnectDelay
		}
	}
	return delay
}
