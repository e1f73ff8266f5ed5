// Package hierarchy builds and maintains the client-side block tree for
// one page.
//
// Blocks arrive flat, each row naming its parent; the loader assembles
// them into an arena of nodes keyed by block ID. Loading is depth-bounded
// and lazy: the initial load fetches the tree down to a fixed depth,
// roots paginate, and deeper levels are fetched when a node is first
// expanded. Fetches prefer the remote store and fall back to the local
// cache when offline.
package hierarchy

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/blockpad/blockpad/internal/remote"
	"github.com/blockpad/blockpad/internal/schema"
	"github.com/blockpad/blockpad/internal/store"
)

// Config holds loader settings.
type Config struct {
	// PageSize is the root pagination window.
	PageSize int

	// InitialDepth is how many levels the initial load fetches
	// (1 = roots only).
	InitialDepth int

	// Logger receives loader logs. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the default loader settings.
func DefaultConfig() Config {
	return Config{
		PageSize:     50,
		InitialDepth: 3,
	}
}

// Node is one block in the arena.
type Node struct {
	Block *schema.Block

	// Depth is 1 for roots.
	Depth int

	// Children holds child block IDs in sort order. Meaningful only when
	// ChildrenLoaded is true.
	Children []string

	// HasChildren is the expand-affordance hint. It can be stale in both
	// directions and is corrected on first toggle.
	HasChildren bool

	// ChildrenLoaded reports whether the children were fetched.
	ChildrenLoaded bool

	// Expanded is the UI expansion state.
	Expanded bool
}

// HierarchicalBlock is one row of the flattened render projection.
type HierarchicalBlock struct {
	Block       *schema.Block
	Depth       int
	HasChildren bool
	Expanded    bool
}

// Loader owns the arena for one page.
type Loader struct {
	pageID string
	store  *store.Store
	remote remote.Store
	cfg    Config
	logger *log.Logger

	mu         sync.Mutex
	nodes      map[string]*Node
	roots      []string
	rootOffset int
	moreRoots  bool
}

// NewLoader creates a loader for pageID. st may be nil (remote-only); rs
// may be nil (local-only).
func NewLoader(st *store.Store, rs remote.Store, pageID string, cfg Config) *Loader {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.InitialDepth <= 0 {
		cfg.InitialDepth = def.InitialDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[hierarchy] ", log.LstdFlags)
	}
	return &Loader{
		pageID: pageID,
		store:  st,
		remote: rs,
		cfg:    cfg,
		logger: cfg.Logger,
		nodes:  make(map[string]*Node),
	}
}

// LoadInitial resets the arena and fetches the first window of roots
// with their subtrees down to the configured depth.
func (l *Loader) LoadInitial(ctx context.Context) error {
	l.mu.Lock()
	l.nodes = make(map[string]*Node)
	l.roots = nil
	l.rootOffset = 0
	l.moreRoots = false
	l.mu.Unlock()

	blocks, err := l.fetchHierarchy(ctx, l.cfg.InitialDepth)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ingestLocked(blocks, l.cfg.InitialDepth)

	if len(l.roots) > l.cfg.PageSize {
		l.roots = l.roots[:l.cfg.PageSize]
	}
	l.rootOffset = len(l.roots)

	var frontier []string
	for id, node := range l.nodes {
		if !node.ChildrenLoaded {
			frontier = append(frontier, id)
		}
	}
	l.queryChildHintsLocked(ctx, frontier)
	return l.refreshMoreRootsLocked(ctx)
}

// LoadNextPage fetches the next window of root blocks. It returns how
// many new roots were added.
func (l *Loader) LoadNextPage(ctx context.Context) (int, error) {
	l.mu.Lock()
	offset := l.rootOffset
	l.mu.Unlock()

	blocks, err := l.fetchRoots(ctx, l.cfg.PageSize, offset)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	var addedIDs []string
	for _, b := range blocks {
		if node, ok := l.nodes[b.ID]; ok {
			node.Block = b
			if !containsID(l.roots, b.ID) {
				l.roots = append(l.roots, b.ID)
				added++
			}
			continue
		}
		l.nodes[b.ID] = &Node{Block: b, Depth: 1}
		l.roots = append(l.roots, b.ID)
		addedIDs = append(addedIDs, b.ID)
		added++
	}
	l.rootOffset = offset + len(blocks)
	l.queryChildHintsLocked(ctx, addedIDs)
	if err := l.refreshMoreRootsLocked(ctx); err != nil {
		return added, err
	}
	return added, nil
}

// HasMoreRoots reports whether another root page exists.
func (l *Loader) HasMoreRoots() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.moreRoots
}

// ToggleBlock flips a node's expansion state. Collapsing is purely
// local. Expanding fetches the children on first use and heals a stale
// HasChildren hint in either direction: a node advertised as a parent
// that turns out childless loses its affordance, and fetched children
// set it.
func (l *Loader) ToggleBlock(ctx context.Context, blockID string) (*Node, error) {
	l.mu.Lock()
	node, ok := l.nodes[blockID]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("block %s is not loaded", blockID)
	}
	if node.Expanded {
		node.Expanded = false
		out := *node
		l.mu.Unlock()
		return &out, nil
	}
	loaded := node.ChildrenLoaded
	depth := node.Depth
	l.mu.Unlock()

	if !loaded {
		children, err := l.fetchChildren(ctx, blockID)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.attachChildrenLocked(node, children, depth+1)
		l.queryChildHintsLocked(ctx, node.Children)
		l.mu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	node.Expanded = true
	out := *node
	return &out, nil
}

// ExpandToDepth expands the tree breadth-first down to the target depth,
// fetching missing levels as it goes. Nodes at the target depth stay
// collapsed.
func (l *Loader) ExpandToDepth(ctx context.Context, depth int) error {
	l.mu.Lock()
	frontier := append([]string(nil), l.roots...)
	l.mu.Unlock()

	for level := 1; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			l.mu.Lock()
			node, ok := l.nodes[id]
			if !ok {
				l.mu.Unlock()
				continue
			}
			loaded := node.ChildrenLoaded
			l.mu.Unlock()

			if !loaded {
				children, err := l.fetchChildren(ctx, id)
				if err != nil {
					return err
				}
				l.mu.Lock()
				l.attachChildrenLocked(node, children, level+1)
				l.mu.Unlock()
			}

			l.mu.Lock()
			if node.ChildrenLoaded && len(node.Children) > 0 {
				node.Expanded = true
				next = append(next, node.Children...)
			}
			l.mu.Unlock()
		}
		frontier = next
	}

	l.mu.Lock()
	l.queryChildHintsLocked(ctx, frontier)
	l.mu.Unlock()
	return nil
}

// Node returns a copy of the arena node for blockID, or nil.
func (l *Loader) Node(blockID string) *Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	node, ok := l.nodes[blockID]
	if !ok {
		return nil
	}
	out := *node
	out.Children = append([]string(nil), node.Children...)
	return &out
}

// Roots returns the loaded root IDs in order.
func (l *Loader) Roots() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.roots...)
}

// Flatten projects the visible tree (roots plus the subtrees of expanded
// nodes) into render order.
func (l *Loader) Flatten() []HierarchicalBlock {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []HierarchicalBlock
	var walk func(ids []string)
	walk = func(ids []string) {
		for _, id := range ids {
			node, ok := l.nodes[id]
			if !ok {
				continue
			}
			out = append(out, HierarchicalBlock{
				Block:       node.Block,
				Depth:       node.Depth,
				HasChildren: node.HasChildren,
				Expanded:    node.Expanded,
			})
			if node.Expanded && node.ChildrenLoaded {
				walk(node.Children)
			}
		}
	}
	walk(l.roots)
	return out
}

// Invalidate drops the arena. The next LoadInitial rebuilds it; callers
// wire this to blocks-changed events.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes = make(map[string]*Node)
	l.roots = nil
	l.rootOffset = 0
	l.moreRoots = false
}

// ingestLocked folds a breadth-first block list into the arena. Caller
// holds l.mu.
func (l *Loader) ingestLocked(blocks []*schema.Block, maxDepth int) {
	depthOf := func(b *schema.Block) int {
		if b.ParentID == nil {
			return 1
		}
		p, ok := l.nodes[*b.ParentID]
		if !ok {
			return 0
		}
		return p.Depth + 1
	}

	for _, b := range blocks {
		depth := depthOf(b)
		if depth == 0 {
			// Orphan: its parent was not part of the fetch.
			l.logger.Printf("page %s: dropping orphan block %s", l.pageID, b.ID)
			continue
		}
		node := &Node{Block: b, Depth: depth}
		l.nodes[b.ID] = node
		if b.ParentID == nil {
			l.roots = append(l.roots, b.ID)
		} else if parent := l.nodes[*b.ParentID]; parent != nil {
			parent.Children = append(parent.Children, b.ID)
			parent.ChildrenLoaded = true
			parent.HasChildren = true
		}
	}

	// Interior nodes with no observed children are confirmed leaves; the
	// deepest level stays unknown until toggled.
	for _, node := range l.nodes {
		if node.Depth < maxDepth && !node.ChildrenLoaded {
			node.ChildrenLoaded = true
			node.HasChildren = false
		}
	}

	sortByBlock := func(ids []string) {
		sort.SliceStable(ids, func(i, j int) bool {
			a, b := l.nodes[ids[i]].Block, l.nodes[ids[j]].Block
			if a.Order != b.Order {
				return a.Order < b.Order
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
	}
	sortByBlock(l.roots)
	for _, node := range l.nodes {
		if len(node.Children) > 1 {
			sortByBlock(node.Children)
		}
	}
}

// attachChildrenLocked records a fetched child list on a node, healing
// the HasChildren hint. Caller holds l.mu.
func (l *Loader) attachChildrenLocked(parent *Node, children []*schema.Block, depth int) {
	parent.Children = parent.Children[:0]
	for _, c := range children {
		if existing, ok := l.nodes[c.ID]; ok {
			existing.Block = c
			existing.Depth = depth
		} else {
			l.nodes[c.ID] = &Node{Block: c, Depth: depth}
		}
		parent.Children = append(parent.Children, c.ID)
	}
	parent.ChildrenLoaded = true
	if was := parent.HasChildren; was != (len(children) > 0) {
		l.logger.Printf("page %s: healing has-children hint for block %s: %v -> %v",
			l.pageID, parent.Block.ID, was, len(children) > 0)
	}
	parent.HasChildren = len(children) > 0
}

func (l *Loader) fetchHierarchy(ctx context.Context, depth int) ([]*schema.Block, error) {
	if l.remote != nil {
		blocks, err := l.remote.GetHierarchy(ctx, l.pageID, depth)
		if err == nil {
			l.cacheBlocks(ctx, blocks)
			return blocks, nil
		}
		if l.store == nil {
			return nil, fmt.Errorf("failed to fetch hierarchy: %w", err)
		}
		l.logger.Printf("page %s: remote hierarchy fetch failed, using local cache: %v", l.pageID, err)
	}
	return l.localHierarchy(ctx, depth)
}

func (l *Loader) fetchRoots(ctx context.Context, limit, offset int) ([]*schema.Block, error) {
	if l.remote != nil {
		blocks, err := l.remote.GetRootBlocks(ctx, l.pageID, limit, offset)
		if err == nil {
			l.cacheBlocks(ctx, blocks)
			return blocks, nil
		}
		if l.store == nil {
			return nil, fmt.Errorf("failed to fetch root blocks: %w", err)
		}
		l.logger.Printf("page %s: remote roots fetch failed, using local cache: %v", l.pageID, err)
	}
	return l.store.GetRootBlocks(ctx, l.pageID, limit, offset)
}

func (l *Loader) fetchChildren(ctx context.Context, parentID string) ([]*schema.Block, error) {
	if l.remote != nil {
		blocks, err := l.remote.GetChildBlocks(ctx, parentID, 0, 0)
		if err == nil {
			l.cacheBlocks(ctx, blocks)
			return blocks, nil
		}
		if l.store == nil {
			return nil, fmt.Errorf("failed to fetch children: %w", err)
		}
		l.logger.Printf("page %s: remote children fetch failed, using local cache: %v", l.pageID, err)
	}
	return l.store.GetChildBlocks(ctx, parentID, 0, 0)
}

// localHierarchy assembles the depth-bounded tree from the local cache,
// level by level.
func (l *Loader) localHierarchy(ctx context.Context, depth int) ([]*schema.Block, error) {
	if l.store == nil {
		return nil, nil
	}
	level, err := l.store.GetRootBlocks(ctx, l.pageID, 0, 0)
	if err != nil {
		return nil, err
	}

	var out []*schema.Block
	for d := 1; d <= depth && len(level) > 0; d++ {
		out = append(out, level...)
		if d == depth {
			break
		}
		var next []*schema.Block
		for _, b := range level {
			children, err := l.store.GetChildBlocks(ctx, b.ID, 0, 0)
			if err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		level = next
	}
	return out, nil
}

// cacheBlocks mirrors remote fetch results into the local store so the
// offline fallback has data.
func (l *Loader) cacheBlocks(ctx context.Context, blocks []*schema.Block) {
	if l.store == nil {
		return
	}
	for _, b := range blocks {
		if err := l.store.UpsertBlockContext(ctx, b); err != nil {
			l.logger.Printf("page %s: failed to cache block %s: %v", l.pageID, b.ID, err)
			return
		}
	}
}

// queryChildHintsLocked fills in HasChildren for nodes whose children
// were not fetched, asking only for a count. The expand affordance at
// the fetch frontier comes from here; childless nodes are confirmed
// leaves so they never show one. Caller holds l.mu.
func (l *Loader) queryChildHintsLocked(ctx context.Context, ids []string) {
	for _, id := range ids {
		node, ok := l.nodes[id]
		if !ok || node.ChildrenLoaded {
			continue
		}
		count, err := l.countChildren(ctx, id)
		if err != nil {
			l.logger.Printf("page %s: failed to count children of %s: %v", l.pageID, id, err)
			continue
		}
		node.HasChildren = count > 0
		if count == 0 {
			node.ChildrenLoaded = true
		}
	}
}

func (l *Loader) countChildren(ctx context.Context, parentID string) (int, error) {
	if l.remote != nil {
		count, err := l.remote.GetBlockCount(ctx, l.pageID, &parentID)
		if err == nil {
			return count, nil
		}
		if l.store == nil {
			return 0, fmt.Errorf("failed to count children: %w", err)
		}
	}
	return l.store.GetBlockCount(ctx, l.pageID, &parentID)
}

func (l *Loader) refreshMoreRootsLocked(ctx context.Context) error {
	count, err := l.countRoots(ctx)
	if err != nil {
		return err
	}
	l.moreRoots = l.rootOffset < count
	return nil
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (l *Loader) countRoots(ctx context.Context) (int, error) {
	if l.remote != nil {
		count, err := l.remote.GetBlockCount(ctx, l.pageID, nil)
		if err == nil {
			return count, nil
		}
		if l.store == nil {
			return 0, fmt.Errorf("failed to count root blocks: %w", err)
		}
	}
	return l.store.GetBlockCount(ctx, l.pageID, nil)
}
