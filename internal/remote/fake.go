package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockpad/blockpad/internal/schema"
)

// Fake is an in-memory Store and Feed for tests and offline development.
//
// It records every mutating call in order so tests can assert per-entity
// FIFO and breadth-first fetch sequencing, assigns server IDs to blocks
// submitted with temporary IDs, and supports scripted failures.
type Fake struct {
	mu     sync.Mutex
	blocks map[string]*schema.Block
	pages  map[string]*schema.Page

	// Calls is the ordered log of mutating and fetching calls, formatted
	// "op:id" (e.g. "create:blk-1", "children:blk-2").
	Calls []string

	// failures maps op name -> remaining errors to return before
	// succeeding. Set with FailNext.
	failures map[string][]error

	subs map[string][]chan schema.SyncEvent
}

// NewFake creates an empty fake remote store.
func NewFake() *Fake {
	return &Fake{
		blocks:   make(map[string]*schema.Block),
		pages:    make(map[string]*schema.Page),
		failures: make(map[string][]error),
		subs:     make(map[string][]chan schema.SyncEvent),
	}
}

// FailNext scripts the next n calls of op ("create", "update", "delete",
// "reorder", "hierarchy") to return err before the fake starts
// succeeding again.
func (f *Fake) FailNext(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures[op] = append(f.failures[op], err)
	}
}

// Seed inserts blocks directly, bypassing the call log.
func (f *Fake) Seed(blocks ...*schema.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range blocks {
		f.blocks[b.ID] = b.Clone()
	}
}

// Block returns a stored block by ID, or nil.
func (f *Fake) Block(id string) *schema.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blocks[id]; ok {
		return b.Clone()
	}
	return nil
}

// CallLog returns a copy of the recorded call sequence.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

func (f *Fake) takeFailure(op string) error {
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// CreateBlock implements Store.CreateBlock.
func (f *Fake) CreateBlock(ctx context.Context, block *schema.Block) (*schema.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "create:"+block.ID)
	if err := f.takeFailure("create"); err != nil {
		return nil, err
	}

	created := block.Clone()
	if schema.IsTempID(created.ID) {
		created.ID = "srv-" + uuid.NewString()
	}
	f.blocks[created.ID] = created
	return created.Clone(), nil
}

// UpdateBlock implements Store.UpdateBlock.
func (f *Fake) UpdateBlock(ctx context.Context, block *schema.Block) (*schema.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "update:"+block.ID)
	if err := f.takeFailure("update"); err != nil {
		return nil, err
	}
	if _, ok := f.blocks[block.ID]; !ok {
		return nil, &ActionError{Code: CodeNotFound, Message: fmt.Sprintf("block %s not found", block.ID)}
	}
	f.blocks[block.ID] = block.Clone()
	return block.Clone(), nil
}

// DeleteBlock implements Store.DeleteBlock.
func (f *Fake) DeleteBlock(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "delete:"+id)
	if err := f.takeFailure("delete"); err != nil {
		return err
	}
	delete(f.blocks, id)
	return nil
}

// ReorderBlocks implements Store.ReorderBlocks.
func (f *Fake) ReorderBlocks(ctx context.Context, pageID string, orders []schema.BlockOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "reorder:"+pageID)
	if err := f.takeFailure("reorder"); err != nil {
		return err
	}
	for _, o := range orders {
		if b, ok := f.blocks[o.ID]; ok {
			b.Order = o.Order
		}
	}
	return nil
}

// GetRootBlocks implements Store.GetRootBlocks.
func (f *Fake) GetRootBlocks(ctx context.Context, pageID string, limit, offset int) ([]*schema.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "roots:"+pageID)
	return pageSlice(f.siblings(pageID, nil), limit, offset), nil
}

// GetChildBlocks implements Store.GetChildBlocks.
func (f *Fake) GetChildBlocks(ctx context.Context, parentID string, limit, offset int) ([]*schema.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "children:"+parentID)

	var pageID string
	if parent, ok := f.blocks[parentID]; ok {
		pageID = parent.PageID
	}
	return pageSlice(f.siblings(pageID, &parentID), limit, offset), nil
}

// GetBlockCount implements Store.GetBlockCount.
func (f *Fake) GetBlockCount(ctx context.Context, pageID string, parentID *string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.siblings(pageID, parentID)), nil
}

// GetHierarchy implements Store.GetHierarchy.
func (f *Fake) GetHierarchy(ctx context.Context, pageID string, depth int) ([]*schema.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "hierarchy:"+pageID)
	if err := f.takeFailure("hierarchy"); err != nil {
		return nil, err
	}

	var out []*schema.Block
	level := f.siblings(pageID, nil)
	for d := 1; d <= depth && len(level) > 0; d++ {
		out = append(out, level...)
		var next []*schema.Block
		for _, b := range level {
			id := b.ID
			next = append(next, f.siblings(pageID, &id)...)
		}
		level = next
	}
	return out, nil
}

// GetBlocksModifiedSince implements Store.GetBlocksModifiedSince.
func (f *Fake) GetBlocksModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*schema.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "modified:"+pageID)

	var out []*schema.Block
	for _, b := range f.blocks {
		if b.PageID == pageID && b.UpdatedAt.After(since) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// CreatePage implements Store.CreatePage.
func (f *Fake) CreatePage(ctx context.Context, page *schema.Page) (*schema.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := *page
	if schema.IsTempID(created.ID) {
		created.ID = "srv-" + uuid.NewString()
	}
	f.pages[created.ID] = &created
	dup := created
	return &dup, nil
}

// GetPage implements Store.GetPage.
func (f *Fake) GetPage(ctx context.Context, id string) (*schema.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[id]
	if !ok {
		return nil, &ActionError{Code: CodeNotFound, Message: fmt.Sprintf("page %s not found", id)}
	}
	dup := *p
	return &dup, nil
}

// UpdatePage implements Store.UpdatePage.
func (f *Fake) UpdatePage(ctx context.Context, page *schema.Page) (*schema.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pages[page.ID]; !ok {
		return nil, &ActionError{Code: CodeNotFound, Message: fmt.Sprintf("page %s not found", page.ID)}
	}
	dup := *page
	f.pages[page.ID] = &dup
	out := dup
	return &out, nil
}

// DeletePage implements Store.DeletePage.
func (f *Fake) DeletePage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pages, id)
	return nil
}

// Subscribe implements Feed.Subscribe.
func (f *Fake) Subscribe(ctx context.Context, pageID string) (<-chan schema.SyncEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan schema.SyncEvent, 64)
	f.subs[pageID] = append(f.subs[pageID], ch)
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subs[pageID]
		for i, c := range subs {
			if c == ch {
				f.subs[pageID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// Emit delivers a realtime event to every subscriber of its page.
func (f *Fake) Emit(ev schema.SyncEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.PageID] {
		ch <- ev
	}
}

// siblings returns the sorted blocks under a parent (nil = page roots).
// Caller holds f.mu.
func (f *Fake) siblings(pageID string, parentID *string) []*schema.Block {
	var out []*schema.Block
	for _, b := range f.blocks {
		if pageID != "" && b.PageID != pageID {
			continue
		}
		switch {
		case parentID == nil && b.ParentID == nil:
		case parentID != nil && b.ParentID != nil && *b.ParentID == *parentID:
		default:
			continue
		}
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}

func pageSlice(blocks []*schema.Block, limit, offset int) []*schema.Block {
	if offset >= len(blocks) {
		return nil
	}
	blocks = blocks[offset:]
	if limit > 0 && limit < len(blocks) {
		blocks = blocks[:limit]
	}
	return blocks
}
