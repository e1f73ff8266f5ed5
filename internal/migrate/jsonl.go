// Package migrate moves page content in and out of the local store.
//
// The interchange format is JSONL: one page record followed by one
// record per block, so exports stream and imports can be inspected and
// diffed line by line. A YAML bundle importer covers hand-authored
// seed content.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/blockpad/blockpad/internal/schema"
	"github.com/blockpad/blockpad/internal/store"
)

const (
	kindPage  = "page"
	kindBlock = "block"
)

// record is one JSONL line.
type record struct {
	Kind  string        `json:"kind"`
	Page  *schema.Page  `json:"page,omitempty"`
	Block *schema.Block `json:"block,omitempty"`
}

// ExportResult contains statistics about an export.
type ExportResult struct {
	BlocksWritten int
	Path          string
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Parse and validate without writing
	Replace   bool   // Clear the page's existing blocks first
	Backup    bool   // Back up the input before importing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	PageID         string
	BlocksImported int
	BackupCreated  string
	Errors         []string
}

// ExportPage writes a page and all its blocks to a JSONL file. The file
// is written atomically via a temp file.
func ExportPage(ctx context.Context, st *store.Store, pageID, outPath string) (*ExportResult, error) {
	page, err := st.GetPage(ctx, pageID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load page: %w", err)
	}
	if page == nil {
		// Blocks can exist without locally mirrored page metadata.
		page = &schema.Page{ID: pageID}
		page.SetDefaults()
	}

	blocks, err := st.GetBlocksForPage(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	write := func(rec record) error {
		if err := encoder.Encode(rec); err != nil {
			file.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to encode record: %w", err)
		}
		return nil
	}

	if err := write(record{Kind: kindPage, Page: page}); err != nil {
		return nil, err
	}
	for _, block := range blocks {
		if err := write(record{Kind: kindBlock, Block: block}); err != nil {
			return nil, err
		}
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return &ExportResult{BlocksWritten: len(blocks), Path: outPath}, nil
}

// ReadJSONL parses an export file into the page record and its blocks.
func ReadJSONL(path string) (*schema.Page, []*schema.Block, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var page *schema.Page
	var blocks []*schema.Block
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var rec record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		switch rec.Kind {
		case kindPage:
			if rec.Page == nil {
				return nil, nil, fmt.Errorf("page record at line %d has no page", lineNum)
			}
			if page != nil {
				return nil, nil, fmt.Errorf("duplicate page record at line %d", lineNum)
			}
			page = rec.Page
		case kindBlock:
			if rec.Block == nil {
				return nil, nil, fmt.Errorf("block record at line %d has no block", lineNum)
			}
			rec.Block.SetDefaults()
			blocks = append(blocks, rec.Block)
		default:
			return nil, nil, fmt.Errorf("unknown record kind %q at line %d", rec.Kind, lineNum)
		}
	}

	if page == nil {
		return nil, nil, errors.New("no page record found")
	}
	return page, blocks, nil
}

// ImportPage loads a JSONL export into the local store.
func ImportPage(ctx context.Context, st *store.Store, opts ImportOptions) (*ImportResult, error) {
	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	result := &ImportResult{}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	page, blocks, err := ReadJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	page.SetDefaults()
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("invalid page record: %w", err)
	}
	result.PageID = page.ID

	if opts.DryRun {
		for _, block := range blocks {
			if err := block.Validate(); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("invalid block %s: %v", block.ID, err))
				continue
			}
			result.BlocksImported++
		}
		return result, nil
	}

	if opts.Replace {
		if err := st.ClearPage(ctx, page.ID); err != nil {
			return nil, fmt.Errorf("failed to clear page: %w", err)
		}
	}

	if err := st.UpsertPage(ctx, page); err != nil {
		return nil, fmt.Errorf("failed to import page: %w", err)
	}
	for _, block := range blocks {
		block.PageID = page.ID
		if err := st.UpsertBlockContext(ctx, block); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to import block %s: %v", block.ID, err))
			continue
		}
		result.BlocksImported++
	}
	return result, nil
}
