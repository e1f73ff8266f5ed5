package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockpad/blockpad/internal/schema"
	"github.com/blockpad/blockpad/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return st
}

func seedPage(t *testing.T, st *store.Store, pageID string, blockCount int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	page := &schema.Page{ID: pageID, UserID: "user-1", Title: "Export me", CreatedAt: now, UpdatedAt: now}
	if err := st.UpsertPage(ctx, page); err != nil {
		t.Fatalf("failed to seed page: %v", err)
	}
	for i := 0; i < blockCount; i++ {
		block := &schema.Block{
			ID:        pageID + "-blk-" + string(rune('a'+i)),
			PageID:    pageID,
			Type:      schema.BlockTypeParagraph,
			Content:   "line",
			Order:     float64(i + 1),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.UpsertBlockContext(ctx, block); err != nil {
			t.Fatalf("failed to seed block: %v", err)
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := setupStore(t)
	seedPage(t, src, "page-1", 3)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "page-1.jsonl")
	exported, err := ExportPage(ctx, src, "page-1", path)
	if err != nil {
		t.Fatalf("ExportPage failed: %v", err)
	}
	if exported.BlocksWritten != 3 {
		t.Errorf("blocks written = %d, want 3", exported.BlocksWritten)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	dst := setupStore(t)
	imported, err := ImportPage(ctx, dst, ImportOptions{FromJSONL: path})
	if err != nil {
		t.Fatalf("ImportPage failed: %v", err)
	}
	if imported.BlocksImported != 3 {
		t.Errorf("blocks imported = %d, want 3", imported.BlocksImported)
	}
	if len(imported.Errors) != 0 {
		t.Errorf("import errors: %v", imported.Errors)
	}

	page, err := dst.GetPage(ctx, "page-1")
	if err != nil {
		t.Fatalf("imported page missing: %v", err)
	}
	if page.Title != "Export me" {
		t.Errorf("title = %q, want %q", page.Title, "Export me")
	}
	blocks, err := dst.GetBlocksForPage(ctx, "page-1")
	if err != nil || len(blocks) != 3 {
		t.Fatalf("imported blocks = %d, err = %v, want 3", len(blocks), err)
	}
}

func TestImportDryRunWritesNothing(t *testing.T) {
	src := setupStore(t)
	seedPage(t, src, "page-1", 2)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "page-1.jsonl")
	if _, err := ExportPage(ctx, src, "page-1", path); err != nil {
		t.Fatalf("ExportPage failed: %v", err)
	}

	dst := setupStore(t)
	result, err := ImportPage(ctx, dst, ImportOptions{FromJSONL: path, DryRun: true})
	if err != nil {
		t.Fatalf("ImportPage failed: %v", err)
	}
	if result.BlocksImported != 2 {
		t.Errorf("dry run counted %d blocks, want 2", result.BlocksImported)
	}

	if blocks, _ := dst.GetBlocksForPage(ctx, "page-1"); len(blocks) != 0 {
		t.Errorf("dry run wrote %d blocks", len(blocks))
	}
	if _, err := dst.GetPage(ctx, "page-1"); err != store.ErrNotFound {
		t.Errorf("dry run wrote the page, err = %v", err)
	}
}

func TestImportReplaceClearsExistingBlocks(t *testing.T) {
	src := setupStore(t)
	seedPage(t, src, "page-1", 1)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "page-1.jsonl")
	if _, err := ExportPage(ctx, src, "page-1", path); err != nil {
		t.Fatalf("ExportPage failed: %v", err)
	}

	dst := setupStore(t)
	seedPage(t, dst, "page-1", 3)

	if _, err := ImportPage(ctx, dst, ImportOptions{FromJSONL: path, Replace: true}); err != nil {
		t.Fatalf("ImportPage failed: %v", err)
	}
	blocks, err := dst.GetBlocksForPage(ctx, "page-1")
	if err != nil {
		t.Fatalf("failed to list blocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Errorf("blocks after replace = %d, want 1", len(blocks))
	}
}

func TestImportRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jsonl")
	if err := os.WriteFile(path, []byte("{\"kind\":\"block\"}\nnot json\n"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	dst := setupStore(t)
	if _, err := ImportPage(context.Background(), dst, ImportOptions{FromJSONL: path}); err == nil {
		t.Fatal("expected an error for malformed input")
	}
}

func TestImportBundleNestsBlocks(t *testing.T) {
	bundle := `
page:
  id: page-seed
  title: Getting started
  emoji: "👋"
blocks:
  - id: b-welcome
    type: heading1
    content: Welcome
  - id: b-toggle
    type: toggle
    content: Details
    children:
      - id: b-nested
        type: paragraph
        content: Hidden until expanded
  - id: b-code
    type: code
    content: fmt.Println("hi")
    props:
      language: go
`
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(bundle), 0600); err != nil {
		t.Fatalf("failed to write bundle: %v", err)
	}

	st := setupStore(t)
	ctx := context.Background()
	n, err := ImportBundle(ctx, st, path)
	if err != nil {
		t.Fatalf("ImportBundle failed: %v", err)
	}
	if n != 4 {
		t.Errorf("imported %d blocks, want 4", n)
	}

	page, err := st.GetPage(ctx, "page-seed")
	if err != nil {
		t.Fatalf("bundle page missing: %v", err)
	}
	if page.Title != "Getting started" {
		t.Errorf("title = %q", page.Title)
	}

	roots, err := st.GetRootBlocks(ctx, "page-seed", 0, 0)
	if err != nil || len(roots) != 3 {
		t.Fatalf("roots = %d, err = %v, want 3", len(roots), err)
	}

	nested, err := st.GetBlock(ctx, "b-nested")
	if err != nil {
		t.Fatalf("nested block missing: %v", err)
	}
	if nested.ParentID == nil || *nested.ParentID != "b-toggle" {
		t.Errorf("nested parent = %v, want b-toggle", nested.ParentID)
	}

	code, err := st.GetBlock(ctx, "b-code")
	if err != nil {
		t.Fatalf("code block missing: %v", err)
	}
	if code.Properties["language"] != "go" {
		t.Errorf("language prop = %v, want go", code.Properties["language"])
	}
}
