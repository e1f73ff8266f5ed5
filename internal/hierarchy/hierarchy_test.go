package hierarchy

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/blockpad/blockpad/internal/remote"
	"github.com/blockpad/blockpad/internal/schema"
	"github.com/blockpad/blockpad/internal/store"
)

func seedBlock(id, pageID string, parentID *string, order float64) *schema.Block {
	now := time.Now().UTC()
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

func ptr(s string) *string { return &s }

// seedTree builds: r1 -> c1 -> g1, r2 (leaf).
func seedTree(fake *remote.Fake) {
	fake.Seed(
		seedBlock("r1", "page-1", nil, 1),
		seedBlock("r2", "page-1", nil, 2),
		seedBlock("c1", "page-1", ptr("r1"), 1),
		seedBlock("g1", "page-1", ptr("c1"), 1),
	)
}

func newTestLoader(t *testing.T, fake *remote.Fake, cfg Config) *Loader {
	t.Helper()

	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	cfg.Logger = log.New(io.Discard, "", 0)
	return NewLoader(st, fake, "page-1", cfg)
}

func TestLoadInitialIsDepthBounded(t *testing.T) {
	fake := remote.NewFake()
	seedTree(fake)

	cfg := DefaultConfig()
	cfg.InitialDepth = 2
	l := newTestLoader(t, fake, cfg)

	if err := l.LoadInitial(context.Background()); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	if roots := l.Roots(); len(roots) != 2 || roots[0] != "r1" || roots[1] != "r2" {
		t.Fatalf("roots = %v, want [r1 r2]", roots)
	}
	if l.Node("g1") != nil {
		t.Error("depth-3 block loaded by a depth-2 fetch")
	}

	r1 := l.Node("r1")
	if r1 == nil || !r1.HasChildren || !r1.ChildrenLoaded {
		t.Errorf("r1 = %+v, want loaded parent", r1)
	}
	r2 := l.Node("r2")
	if r2 == nil || r2.HasChildren || !r2.ChildrenLoaded {
		t.Errorf("r2 = %+v, want confirmed leaf", r2)
	}
	c1 := l.Node("c1")
	if c1 == nil || c1.Depth != 2 || c1.ChildrenLoaded {
		t.Fatalf("c1 = %+v, want unloaded frontier node at depth 2", c1)
	}
	// The frontier parent was not fetched, but its expand affordance
	// must still be offered: children are counted, not loaded.
	if !c1.HasChildren {
		t.Error("frontier parent c1 lost its has-children hint")
	}
	for _, call := range fake.CallLog() {
		if call == "children:c1" {
			t.Error("frontier hint fetched children instead of counting them")
		}
	}
}

func TestToggleLazyLoadsAndHealsHint(t *testing.T) {
	fake := remote.NewFake()
	seedTree(fake)

	cfg := DefaultConfig()
	cfg.InitialDepth = 2
	l := newTestLoader(t, fake, cfg)
	ctx := context.Background()

	if err := l.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	// c1's children are unknown until first expand.
	node, err := l.ToggleBlock(ctx, "c1")
	if err != nil {
		t.Fatalf("ToggleBlock failed: %v", err)
	}
	if !node.Expanded || !node.ChildrenLoaded || !node.HasChildren {
		t.Errorf("node = %+v, want expanded with healed hint", node)
	}
	if len(node.Children) != 1 || node.Children[0] != "g1" {
		t.Errorf("children = %v, want [g1]", node.Children)
	}
	if g1 := l.Node("g1"); g1 == nil || g1.Depth != 3 {
		t.Errorf("g1 = %+v, want depth 3", g1)
	}

	fetches := 0
	for _, call := range fake.CallLog() {
		if call == "children:c1" {
			fetches++
		}
	}
	if fetches != 1 {
		t.Fatalf("children fetched %d times, want 1", fetches)
	}

	// Collapse and re-expand: no refetch.
	callsBefore := len(fake.CallLog())
	if _, err := l.ToggleBlock(ctx, "c1"); err != nil {
		t.Fatalf("collapse failed: %v", err)
	}
	reopened, err := l.ToggleBlock(ctx, "c1")
	if err != nil {
		t.Fatalf("re-expand failed: %v", err)
	}
	if !reopened.Expanded {
		t.Error("node not expanded after second toggle")
	}
	if got := len(fake.CallLog()); got != callsBefore {
		t.Errorf("toggles refetched: %v", fake.CallLog()[callsBefore:])
	}
}

func TestToggleChildlessFrontierClearsHint(t *testing.T) {
	fake := remote.NewFake()
	fake.Seed(
		seedBlock("r1", "page-1", nil, 1),
		seedBlock("c-leaf", "page-1", ptr("r1"), 1),
	)

	cfg := DefaultConfig()
	cfg.InitialDepth = 2
	l := newTestLoader(t, fake, cfg)
	ctx := context.Background()

	if err := l.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	node, err := l.ToggleBlock(ctx, "c-leaf")
	if err != nil {
		t.Fatalf("ToggleBlock failed: %v", err)
	}
	if node.HasChildren {
		t.Error("childless node kept its has-children hint")
	}
	if !node.ChildrenLoaded {
		t.Error("fetch result not recorded")
	}
	if len(node.Children) != 0 {
		t.Errorf("children = %v, want none", node.Children)
	}
}

func TestLoadNextPagePaginatesRoots(t *testing.T) {
	fake := remote.NewFake()
	for i := 0; i < 5; i++ {
		fake.Seed(seedBlock("root-"+string(rune('a'+i)), "page-1", nil, float64(i)))
	}

	cfg := DefaultConfig()
	cfg.PageSize = 2
	cfg.InitialDepth = 1
	l := newTestLoader(t, fake, cfg)
	ctx := context.Background()

	if err := l.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}
	if got := len(l.Roots()); got != 2 {
		t.Fatalf("initial roots = %d, want 2", got)
	}
	if !l.HasMoreRoots() {
		t.Fatal("HasMoreRoots = false with 3 roots unloaded")
	}

	added, err := l.LoadNextPage(ctx)
	if err != nil {
		t.Fatalf("LoadNextPage failed: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	added, err = l.LoadNextPage(ctx)
	if err != nil {
		t.Fatalf("LoadNextPage failed: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	if l.HasMoreRoots() {
		t.Error("HasMoreRoots = true after loading everything")
	}

	roots := l.Roots()
	if len(roots) != 5 {
		t.Fatalf("roots = %v, want all 5", roots)
	}
	for i := 1; i < len(roots); i++ {
		if roots[i-1] >= roots[i] {
			t.Errorf("roots out of order: %v", roots)
			break
		}
	}
}

func TestExpandToDepthIsBreadthFirst(t *testing.T) {
	fake := remote.NewFake()
	fake.Seed(
		seedBlock("r1", "page-1", nil, 1),
		seedBlock("r2", "page-1", nil, 2),
		seedBlock("c1", "page-1", ptr("r1"), 1),
		seedBlock("c2", "page-1", ptr("r2"), 1),
		seedBlock("g1", "page-1", ptr("c1"), 1),
	)

	cfg := DefaultConfig()
	cfg.InitialDepth = 1
	l := newTestLoader(t, fake, cfg)
	ctx := context.Background()

	if err := l.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}
	if err := l.ExpandToDepth(ctx, 3); err != nil {
		t.Fatalf("ExpandToDepth failed: %v", err)
	}

	// Level 2 fetches (children of roots) must all precede level 3.
	var childFetches []string
	for _, call := range fake.CallLog() {
		if strings.HasPrefix(call, "children:") {
			childFetches = append(childFetches, strings.TrimPrefix(call, "children:"))
		}
	}
	levelOf := map[string]int{"r1": 1, "r2": 1, "c1": 2, "c2": 2}
	lastLevel := 0
	for _, id := range childFetches {
		level := levelOf[id]
		if level < lastLevel {
			t.Fatalf("fetch order not breadth-first: %v", childFetches)
		}
		lastLevel = level
	}

	if g1 := l.Node("g1"); g1 == nil || g1.Depth != 3 {
		t.Errorf("g1 = %+v, want loaded at depth 3", g1)
	}
	if r1 := l.Node("r1"); r1 == nil || !r1.Expanded {
		t.Error("r1 not expanded")
	}
	if g1 := l.Node("g1"); g1 != nil && g1.Expanded {
		t.Error("target-depth node should stay collapsed")
	}
}

func TestFlattenProjectsVisibleTree(t *testing.T) {
	fake := remote.NewFake()
	seedTree(fake)

	cfg := DefaultConfig()
	cfg.InitialDepth = 3
	l := newTestLoader(t, fake, cfg)
	ctx := context.Background()

	if err := l.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	// Nothing expanded: only roots visible.
	flat := l.Flatten()
	if len(flat) != 2 {
		t.Fatalf("visible rows = %d, want 2 roots", len(flat))
	}

	if _, err := l.ToggleBlock(ctx, "r1"); err != nil {
		t.Fatalf("expand r1 failed: %v", err)
	}
	flat = l.Flatten()
	wantIDs := []string{"r1", "c1", "r2"}
	if len(flat) != len(wantIDs) {
		t.Fatalf("visible rows = %d, want %d", len(flat), len(wantIDs))
	}
	for i, want := range wantIDs {
		if flat[i].Block.ID != want {
			t.Errorf("row %d = %s, want %s", i, flat[i].Block.ID, want)
		}
	}
	if flat[1].Depth != 2 {
		t.Errorf("c1 depth = %d, want 2", flat[1].Depth)
	}
}

func TestOfflineFallbackUsesLocalCache(t *testing.T) {
	fake := remote.NewFake()
	seedTree(fake)

	cfg := DefaultConfig()
	cfg.InitialDepth = 3
	l := newTestLoader(t, fake, cfg)
	ctx := context.Background()

	// First load caches everything locally.
	if err := l.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial failed: %v", err)
	}

	// Remote goes away: reload must serve the same tree from the cache.
	offline := NewLoader(l.store, nil, "page-1", cfg)
	if err := offline.LoadInitial(ctx); err != nil {
		t.Fatalf("offline LoadInitial failed: %v", err)
	}
	if roots := offline.Roots(); len(roots) != 2 {
		t.Errorf("offline roots = %v, want 2", roots)
	}
	if offline.Node("g1") == nil {
		t.Error("offline load missing cached depth-3 block")
	}
}
