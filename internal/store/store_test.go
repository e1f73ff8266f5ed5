package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/blockpad/blockpad/internal/schema"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeBlock(id, pageID string, parentID *string, order float64) *schema.Block {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &schema.Block{
		ID:        id,
		PageID:    pageID,
		ParentID:  parentID,
		Type:      schema.BlockTypeParagraph,
		Content:   "content of " + id,
		Order:     order,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestUpsertBlockIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	block := makeBlock("blk-1", "page-1", nil, 1)
	block.Properties = map[string]any{"language": "go"}

	if err := s.UpsertBlock(block); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := s.UpsertBlock(block); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	blocks, err := s.GetBlocksForPage(ctx, "page-1")
	if err != nil {
		t.Fatalf("GetBlocksForPage failed: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks after double upsert, want 1", len(blocks))
	}
	if diff := cmp.Diff(block, blocks[0]); diff != "" {
		t.Errorf("stored block mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertBlockLastWriteWins(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	block := makeBlock("blk-1", "page-1", nil, 1)
	if err := s.UpsertBlock(block); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	edited := block.Clone()
	edited.Content = "edited"
	edited.UpdatedAt = edited.UpdatedAt.Add(time.Minute)
	if err := s.UpsertBlock(edited); err != nil {
		t.Fatalf("upsert of edit failed: %v", err)
	}

	got, err := s.GetBlock(ctx, "blk-1")
	if err != nil {
		t.Fatalf("GetBlock failed: %v", err)
	}
	if got.Content != "edited" {
		t.Errorf("content = %q, want %q", got.Content, "edited")
	}
}

func TestGetRootBlocksOrderingAndPagination(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	// Insert out of order; same sort key for b and c so creation time
	// breaks the tie.
	a := makeBlock("blk-a", "page-1", nil, 3)
	b := makeBlock("blk-b", "page-1", nil, 1)
	c := makeBlock("blk-c", "page-1", nil, 1)
	c.CreatedAt = c.CreatedAt.Add(time.Second)
	c.UpdatedAt = c.CreatedAt

	parent := "blk-a"
	child := makeBlock("blk-child", "page-1", &parent, 0)

	for _, blk := range []*schema.Block{a, b, c, child} {
		if err := s.UpsertBlock(blk); err != nil {
			t.Fatalf("upsert %s failed: %v", blk.ID, err)
		}
	}

	roots, err := s.GetRootBlocks(ctx, "page-1", 10, 0)
	if err != nil {
		t.Fatalf("GetRootBlocks failed: %v", err)
	}

	wantOrder := []string{"blk-b", "blk-c", "blk-a"}
	if len(roots) != len(wantOrder) {
		t.Fatalf("got %d roots, want %d", len(roots), len(wantOrder))
	}
	for i, want := range wantOrder {
		if roots[i].ID != want {
			t.Errorf("roots[%d] = %s, want %s", i, roots[i].ID, want)
		}
	}

	// Pagination: second page of size 2 holds only the last root.
	page2, err := s.GetRootBlocks(ctx, "page-1", 2, 2)
	if err != nil {
		t.Fatalf("GetRootBlocks offset failed: %v", err)
	}
	if len(page2) != 1 || page2[0].ID != "blk-a" {
		t.Errorf("paginated roots = %v, want [blk-a]", blockIDs(page2))
	}
}

func TestGetChildBlocksAndCount(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	parent := "blk-parent"
	if err := s.UpsertBlock(makeBlock(parent, "page-1", nil, 1)); err != nil {
		t.Fatalf("upsert parent failed: %v", err)
	}
	for i, id := range []string{"blk-c1", "blk-c2", "blk-c3"} {
		if err := s.UpsertBlock(makeBlock(id, "page-1", &parent, float64(i))); err != nil {
			t.Fatalf("upsert child failed: %v", err)
		}
	}

	children, err := s.GetChildBlocks(ctx, parent, 2, 0)
	if err != nil {
		t.Fatalf("GetChildBlocks failed: %v", err)
	}
	if got := blockIDs(children); len(got) != 2 || got[0] != "blk-c1" || got[1] != "blk-c2" {
		t.Errorf("children = %v, want [blk-c1 blk-c2]", got)
	}

	n, err := s.GetBlockCount(ctx, "page-1", &parent)
	if err != nil {
		t.Fatalf("GetBlockCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("child count = %d, want 3", n)
	}

	roots, err := s.GetBlockCount(ctx, "page-1", nil)
	if err != nil {
		t.Fatalf("GetBlockCount roots failed: %v", err)
	}
	if roots != 1 {
		t.Errorf("root count = %d, want 1", roots)
	}
}

// Deleting a parent must not delete its children. This pins the product
// decision that orphaned children survive a parent delete.
func TestDeleteBlockDoesNotCascade(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	parent := "blk-parent"
	if err := s.UpsertBlock(makeBlock(parent, "page-1", nil, 1)); err != nil {
		t.Fatalf("upsert parent failed: %v", err)
	}
	if err := s.UpsertBlock(makeBlock("blk-child", "page-1", &parent, 1)); err != nil {
		t.Fatalf("upsert child failed: %v", err)
	}

	if err := s.DeleteBlock(parent); err != nil {
		t.Fatalf("DeleteBlock failed: %v", err)
	}

	if _, err := s.GetBlock(ctx, parent); !errors.Is(err, ErrNotFound) {
		t.Errorf("parent lookup error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetBlock(ctx, "blk-child"); err != nil {
		t.Errorf("child was removed by parent delete: %v", err)
	}

	// Idempotent: deleting again is not an error.
	if err := s.DeleteBlock(parent); err != nil {
		t.Errorf("repeat delete failed: %v", err)
	}
}

func TestClearPage(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.UpsertBlock(makeBlock("blk-1", "page-1", nil, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertBlock(makeBlock("blk-2", "page-2", nil, 1)); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearPage(ctx, "page-1"); err != nil {
		t.Fatalf("ClearPage failed: %v", err)
	}

	n, err := s.GetBlockCount(ctx, "page-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("page-1 count = %d after clear, want 0", n)
	}

	// Other pages untouched.
	if _, err := s.GetBlock(ctx, "blk-2"); err != nil {
		t.Errorf("ClearPage removed blocks from another page: %v", err)
	}
}

func TestRemapBlockID(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	tmpID := schema.NewTempID()
	if err := s.UpsertBlock(makeBlock(tmpID, "page-1", nil, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertBlock(makeBlock("blk-child", "page-1", &tmpID, 1)); err != nil {
		t.Fatal(err)
	}

	tx := &schema.Transaction{Type: schema.TxUpdate, PageID: "page-1", EntityID: tmpID}
	tx.SetDefaults()
	if err := s.InsertTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}

	if err := s.RemapBlockID(ctx, tmpID, "blk-server"); err != nil {
		t.Fatalf("RemapBlockID failed: %v", err)
	}

	if _, err := s.GetBlock(ctx, "blk-server"); err != nil {
		t.Errorf("remapped block missing: %v", err)
	}
	child, err := s.GetBlock(ctx, "blk-child")
	if err != nil {
		t.Fatal(err)
	}
	if child.ParentID == nil || *child.ParentID != "blk-server" {
		t.Errorf("child parent = %v, want blk-server", child.ParentID)
	}

	queued, err := s.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if queued.EntityID != "blk-server" {
		t.Errorf("queued entity = %s, want blk-server", queued.EntityID)
	}
}

func TestGetBlocksModifiedSince(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	old := makeBlock("blk-old", "page-1", nil, 1)
	fresh := makeBlock("blk-fresh", "page-1", nil, 2)
	fresh.UpdatedAt = fresh.UpdatedAt.Add(time.Hour)

	for _, blk := range []*schema.Block{old, fresh} {
		if err := s.UpsertBlock(blk); err != nil {
			t.Fatal(err)
		}
	}

	since := old.UpdatedAt.Add(time.Minute)
	got, err := s.GetBlocksModifiedSince(ctx, "page-1", since)
	if err != nil {
		t.Fatalf("GetBlocksModifiedSince failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "blk-fresh" {
		t.Errorf("modified blocks = %v, want [blk-fresh]", blockIDs(got))
	}
}

func TestGetBlocksModifiedSinceSubSecond(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	// Whole-second watermark, as a server would issue, against a block
	// modified a fraction of a second later. TEXT comparison must still
	// order these correctly; a layout that drops the zero fraction would
	// sort the watermark after the block and lose it.
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	within := makeBlock("blk-within", "page-1", nil, 1)
	within.UpdatedAt = since.Add(400 * time.Millisecond)
	before := makeBlock("blk-before", "page-1", nil, 2)
	before.UpdatedAt = since.Add(-400 * time.Millisecond)
	before.CreatedAt = before.UpdatedAt

	for _, blk := range []*schema.Block{within, before} {
		if err := s.UpsertBlock(blk); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetBlocksModifiedSince(ctx, "page-1", since)
	if err != nil {
		t.Fatalf("GetBlocksModifiedSince failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "blk-within" {
		t.Errorf("modified blocks = %v, want [blk-within]", blockIDs(got))
	}
}

func TestTimestampOrderMatchesStringOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(-time.Second),
		base.Add(-400 * time.Millisecond),
		base,
		base.Add(400 * time.Millisecond),
		base.Add(time.Second),
		base.In(time.FixedZone("plus2", 2*3600)).Add(2 * time.Second),
	}
	for i := 1; i < len(times); i++ {
		prev, cur := formatTime(times[i-1]), formatTime(times[i])
		if prev >= cur {
			t.Errorf("formatTime(%v) = %q not below formatTime(%v) = %q", times[i-1], prev, times[i], cur)
		}
	}
}

func TestSyncMetaRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	got, err := s.LastSyncAt(ctx, "page-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsZero() {
		t.Errorf("LastSyncAt for unseen page = %v, want zero", got)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetLastSyncAt(ctx, "page-1", at); err != nil {
		t.Fatal(err)
	}
	got, err = s.LastSyncAt(ctx, "page-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(at) {
		t.Errorf("LastSyncAt = %v, want %v", got, at)
	}
}

func TestPendingTransactionsFIFOPerPage(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id, pageID string, createdAt time.Time) *schema.Transaction {
		tx := &schema.Transaction{
			ID: id, Type: schema.TxUpdate, PageID: pageID, EntityID: "blk-" + id,
			Status: schema.TxPending, MaxRetries: 5,
			NextAttemptAt: createdAt, CreatedAt: createdAt, UpdatedAt: createdAt,
		}
		return tx
	}

	for _, tx := range []*schema.Transaction{
		mk("t3", "page-1", base.Add(3*time.Second)),
		mk("t1", "page-1", base.Add(1*time.Second)),
		mk("t2", "page-1", base.Add(2*time.Second)),
		mk("t4", "page-2", base),
	} {
		if err := s.InsertTransaction(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	now := base.Add(time.Minute)

	pages, err := s.PendingPages(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 || pages[0] != "page-2" || pages[1] != "page-1" {
		t.Errorf("pending pages = %v, want [page-2 page-1]", pages)
	}

	txs, err := s.PendingTransactions(ctx, "page-1", now, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"t1", "t2", "t3"}
	if len(txs) != len(want) {
		t.Fatalf("got %d transactions, want %d", len(txs), len(want))
	}
	for i, id := range want {
		if txs[i].ID != id {
			t.Errorf("txs[%d] = %s, want %s", i, txs[i].ID, id)
		}
	}
}

func TestTransactionNotDueIsInvisible(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tx := &schema.Transaction{
		ID: "t1", Type: schema.TxUpdate, PageID: "page-1", EntityID: "blk-1",
		Status: schema.TxPending, MaxRetries: 5,
		NextAttemptAt: base.Add(time.Hour), CreatedAt: base, UpdatedAt: base,
	}
	if err := s.InsertTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}

	txs, err := s.PendingTransactions(ctx, "page-1", base, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 0 {
		t.Errorf("got %d transactions before backoff expiry, want 0", len(txs))
	}
}

func TestDeleteCompletedBefore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := &schema.Transaction{
		ID: "t-old", Type: schema.TxUpdate, PageID: "page-1", EntityID: "blk-1",
		Status: schema.TxCompleted, MaxRetries: 5,
		NextAttemptAt: base, CreatedAt: base, UpdatedAt: base,
	}
	fresh := &schema.Transaction{
		ID: "t-fresh", Type: schema.TxUpdate, PageID: "page-1", EntityID: "blk-2",
		Status: schema.TxCompleted, MaxRetries: 5,
		NextAttemptAt: base, CreatedAt: base, UpdatedAt: base.Add(time.Hour),
	}
	for _, tx := range []*schema.Transaction{old, fresh} {
		if err := s.InsertTransaction(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeleteCompletedBefore(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}

	counts, err := s.CountTransactions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[schema.TxCompleted] != 1 {
		t.Errorf("completed count = %d, want 1", counts[schema.TxCompleted])
	}
}

func blockIDs(blocks []*schema.Block) []string {
	ids := make([]string, len(blocks))
	for i, b := range blocks {
		ids[i] = b.ID
	}
	return ids
}
