// Package queue implements the durable transaction queue between the
// local store and the remote store.
//
// Mutations are applied to the local store immediately and enqueued as
// transactions; the queue drains them to the remote store in the
// background. Each page's transactions replay strictly in enqueue order,
// while distinct pages drain concurrently. Transient failures retry with
// exponential backoff; permanent failures and exhausted retries mark the
// transaction failed and, when rollback is enabled, restore the local
// store from the captured before-image.
package queue

import (
	"context"
	"encoding/json"
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

// Config holds queue settings.
type Config struct {
	// BatchSize is the maximum transactions drained per page per pass.
	BatchSize int

	// SyncInterval is how often the background loop drains the queue.
	SyncInterval time.Duration

	// RetryDelayBase seeds the exponential backoff: the nth retry waits
	// RetryDelayBase * 2^n, capped at MaxRetryDelay.
	RetryDelayBase time.Duration

	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration

	// MaxRetries is the retry budget before a transaction is failed.
	MaxRetries int

	// EnableRollback restores the local before-image when a transaction
	// fails for good. When false the optimistic local state is kept and
	// only the failure event is surfaced.
	EnableRollback bool

	// RetentionWindow is how long completed transactions are kept before
	// garbage collection.
	RetentionWindow time.Duration

	// Logger receives queue logs. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		SyncInterval:    10 * time.Second,
		RetryDelayBase:  200 * time.Millisecond,
		MaxRetryDelay:   30 * time.Second,
		MaxRetries:      5,
		EnableRollback:  true,
		RetentionWindow: 24 * time.Hour,
	}
}

// Queue drains pending transactions to the remote store.
type Queue struct {
	cfg    Config
	store  *store.Store
	remote remote.Store
	bus    *coordinator.Bus
	logger *log.Logger

	mu       sync.Mutex
	online   bool
	draining bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue draining st to rs, publishing lifecycle events on
// bus. The queue starts online.
func New(st *store.Store, rs remote.Store, bus *coordinator.Bus, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = def.RetryDelayBase
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = def.RetentionWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if bus == nil {
		bus = coordinator.NewBus()
	}
	return &Queue{
		cfg:    cfg,
		store:  st,
		remote: rs,
		bus:    bus,
		logger: cfg.Logger,
		online: true,
		kick:   make(chan struct{}, 1),
	}
}

// Enqueue persists a transaction. The caller has already applied the
// mutation to the local store; the queue only owns remote delivery.
func (q *Queue) Enqueue(ctx context.Context, tx *schema.Transaction) error {
	if tx.MaxRetries == 0 {
		tx.MaxRetries = q.cfg.MaxRetries
	}
	tx.SetDefaults()
	if err := q.store.InsertTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to enqueue transaction: %w", err)
	}
	q.nudge()
	return nil
}

// SetOnline flips connectivity. Going online triggers an immediate drain
// so queued offline work flushes without waiting for the next interval.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	if online && !was {
		q.logger.Println("back online, draining queue")
		q.nudge()
	}
}

// Online reports current connectivity.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Start runs the background drain loop until ctx is cancelled or Stop is
// called.
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			case <-q.kick:
			}
			if err := q.ProcessQueue(runCtx); err != nil && runCtx.Err() == nil {
				q.logger.Printf("drain pass failed: %v", err)
			}
			if _, err := q.store.DeleteCompletedBefore(runCtx, time.Now().UTC().Add(-q.cfg.RetentionWindow)); err != nil && runCtx.Err() == nil {
				q.logger.Printf("retention sweep failed: %v", err)
			}
		}
	}()
}

// Stop halts the background loop and waits for in-flight drains.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// ProcessQueue drains every page with due pending transactions. Pages
// drain concurrently; within a page transactions replay in enqueue
// order. Offline it is a no-op. Concurrent calls coalesce: a second
// caller returns immediately while a pass is running.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	q.mu.Lock()
	if !q.online || q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	pages, err := q.store.PendingPages(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to list pending pages: %w", err)
	}
	if len(pages) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, pageID := range pages {
		wg.Add(1)
		go func(pageID string) {
			defer wg.Done()
			if err := q.drainPage(ctx, pageID); err != nil && ctx.Err() == nil {
				q.logger.Printf("page %s: drain stopped: %v", pageID, err)
			}
		}(pageID)
	}
	wg.Wait()
	return nil
}

// drainPage replays one page's due transactions in FIFO order. A
// transient failure stops the page so later transactions cannot overtake
// the retried one; a permanent failure drops the transaction and
// continues.
func (q *Queue) drainPage(ctx context.Context, pageID string) error {
	txs, err := q.store.PendingTransactions(ctx, pageID, time.Now().UTC(), q.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to load pending transactions: %w", err)
	}

	for _, tx := range txs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		tx.Status = schema.TxProcessing
		if err := q.store.UpdateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("failed to mark transaction processing: %w", err)
		}

		if err := q.dispatch(ctx, tx); err != nil {
			retrying, ferr := q.handleFailure(ctx, tx, err)
			if ferr != nil {
				return ferr
			}
			if retrying {
				return nil
			}
			continue
		}

		tx.Status = schema.TxCompleted
		tx.Error = ""
		if err := q.store.UpdateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("failed to mark transaction completed: %w", err)
		}
		q.bus.Publish(coordinator.Event{
			Type:          coordinator.EventTransactionCompleted,
			PageID:        tx.PageID,
			BlockID:       tx.EntityID,
			TransactionID: tx.ID,
		})
	}
	return nil
}

// dispatch executes one transaction against the remote store.
func (q *Queue) dispatch(ctx context.Context, tx *schema.Transaction) error {
	switch tx.Type {
	case schema.TxCreate:
		var block schema.Block
		if err := json.Unmarshal(tx.Payload, &block); err != nil {
			return &remote.ActionError{Code: remote.CodePermanent, Message: fmt.Sprintf("malformed create payload: %v", err)}
		}
		created, err := q.remote.CreateBlock(ctx, &block)
		if err != nil {
			return err
		}
		if created.ID != block.ID {
			if err := q.store.RemapBlockID(ctx, block.ID, created.ID); err != nil {
				return fmt.Errorf("failed to remap block id %s -> %s: %w", block.ID, created.ID, err)
			}
			tx.EntityID = created.ID
		}
		if err := q.store.UpsertBlockContext(ctx, created); err != nil {
			return fmt.Errorf("failed to store confirmed block: %w", err)
		}
		q.bus.Publish(coordinator.Event{Type: coordinator.EventBlocksChanged, PageID: tx.PageID, BlockID: created.ID})
		return nil

	case schema.TxUpdate:
		var block schema.Block
		if err := json.Unmarshal(tx.Payload, &block); err != nil {
			return &remote.ActionError{Code: remote.CodePermanent, Message: fmt.Sprintf("malformed update payload: %v", err)}
		}
		updated, err := q.remote.UpdateBlock(ctx, &block)
		if err != nil {
			return err
		}
		// The server may adjust timestamps; mirror its row unless a newer
		// local edit has landed since this transaction was enqueued.
		if local, lerr := q.store.GetBlock(ctx, updated.ID); lerr == nil && local.UpdatedAt.After(updated.UpdatedAt) {
			return nil
		}
		if err := q.store.UpsertBlockContext(ctx, updated); err != nil {
			return fmt.Errorf("failed to store confirmed block: %w", err)
		}
		return nil

	case schema.TxDelete:
		return q.remote.DeleteBlock(ctx, tx.EntityID)

	case schema.TxReorder:
		var orders []schema.BlockOrder
		if err := json.Unmarshal(tx.Payload, &orders); err != nil {
			return &remote.ActionError{Code: remote.CodePermanent, Message: fmt.Sprintf("malformed reorder payload: %v", err)}
		}
		return q.remote.ReorderBlocks(ctx, tx.PageID, orders)

	default:
		return &remote.ActionError{Code: remote.CodePermanent, Message: fmt.Sprintf("unknown transaction type %q", tx.Type)}
	}
}

// handleFailure decides between retry and failure. It returns true when
// the transaction was rescheduled, meaning the page drain must stop to
// preserve ordering.
func (q *Queue) handleFailure(ctx context.Context, tx *schema.Transaction, cause error) (bool, error) {
	if remote.IsPermanent(cause) {
		return false, q.fail(ctx, tx, cause)
	}

	tx.Retries++
	if tx.Retries >= tx.MaxRetries {
		q.logger.Printf("transaction %s exhausted %d retries: %v", tx.ID, tx.MaxRetries, cause)
		return false, q.fail(ctx, tx, cause)
	}

	tx.Status = schema.TxPending
	tx.Error = cause.Error()
	tx.NextAttemptAt = time.Now().UTC().Add(q.backoffDelay(tx.Retries))
	if err := q.store.UpdateTransaction(ctx, tx); err != nil {
		return false, fmt.Errorf("failed to reschedule transaction: %w", err)
	}
	return true, nil
}

// fail marks the transaction failed, rolls the local store back when
// enabled, and surfaces the failure on the bus.
func (q *Queue) fail(ctx context.Context, tx *schema.Transaction, cause error) error {
	tx.Status = schema.TxFailed
	tx.Error = cause.Error()
	if err := q.store.UpdateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to mark transaction failed: %w", err)
	}

	if q.cfg.EnableRollback {
		if err := q.rollback(ctx, tx); err != nil {
			q.logger.Printf("transaction %s: rollback failed: %v", tx.ID, err)
		} else {
			q.bus.Publish(coordinator.Event{Type: coordinator.EventBlocksChanged, PageID: tx.PageID})
		}
	}

	q.bus.Publish(coordinator.Event{
		Type:          coordinator.EventTransactionFailed,
		PageID:        tx.PageID,
		BlockID:       tx.EntityID,
		TransactionID: tx.ID,
		Message:       cause.Error(),
	})
	return nil
}

// rollback restores the local store to the transaction's before-image.
func (q *Queue) rollback(ctx context.Context, tx *schema.Transaction) error {
	switch tx.Type {
	case schema.TxCreate:
		// The optimistic row is removed; there was no prior state.
		return q.store.DeleteBlockContext(ctx, tx.EntityID)

	case schema.TxUpdate, schema.TxDelete:
		if len(tx.Before) == 0 {
			return fmt.Errorf("no before-image captured")
		}
		before, err := schema.UnmarshalBlock(tx.Before)
		if err != nil {
			return fmt.Errorf("malformed before-image: %w", err)
		}
		return q.store.UpsertBlockContext(ctx, before)

	case schema.TxReorder:
		if len(tx.Before) == 0 {
			return fmt.Errorf("no before-image captured")
		}
		var blocks []*schema.Block
		if err := json.Unmarshal(tx.Before, &blocks); err != nil {
			return fmt.Errorf("malformed before-image: %w", err)
		}
		for _, b := range blocks {
			if err := q.store.UpsertBlockContext(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// RetryFailedTransactions resets every failed transaction to pending
// with a fresh retry budget and triggers a drain. Permanently rejected
// transactions are reset along with retry-exhausted ones: this is a
// user-initiated override, invoked only after the cause of the
// rejection has been fixed. Returns how many were reset.
func (q *Queue) RetryFailedTransactions(ctx context.Context) (int, error) {
	txs, err := q.store.FailedTransactions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed transactions: %w", err)
	}

	now := time.Now().UTC()
	for _, tx := range txs {
		tx.Status = schema.TxPending
		tx.Retries = 0
		tx.Error = ""
		tx.NextAttemptAt = now
		if err := q.store.UpdateTransaction(ctx, tx); err != nil {
			return 0, fmt.Errorf("failed to reset transaction %s: %w", tx.ID, err)
		}
	}
	if len(txs) > 0 {
		q.nudge()
	}
	return len(txs), nil
}

// ClearCompleted removes completed transactions older than the cutoff.
func (q *Queue) ClearCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	return q.store.DeleteCompletedBefore(ctx, time.Now().UTC().Add(-olderThan))
}

// Counts returns queue depth per status.
func (q *Queue) Counts(ctx context.Context) (map[schema.TxStatus]int, error) {
	return q.store.CountTransactions(ctx)
}

// backoffDelay computes the wait before retry n.
func (q *Queue) backoffDelay(retries int) time.Duration {
	delay := q.cfg.RetryDelayBase
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= q.cfg.MaxRetryDelay {
			return q.cfg.MaxRetryDelay
		}
	}
	return delay
}

func (q *Queue) nudge() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}
