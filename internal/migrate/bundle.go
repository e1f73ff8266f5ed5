package migrate

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/blockpad/blockpad/internal/schema"
	"github.com/blockpad/blockpad/internal/store"
)

// Bundle is a hand-authorable page seed. Blocks nest, mirroring how the
// content reads; the importer flattens them with parent links and
// sequential sort keys.
type Bundle struct {
	Page struct {
		ID    string `yaml:"id"`
		Title string `yaml:"title"`
		Emoji string `yaml:"emoji"`
	} `yaml:"page"`
	Blocks []BundleBlock `yaml:"blocks"`
}

// BundleBlock is one block in a bundle, with optional children.
type BundleBlock struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"`
	Content  string         `yaml:"content"`
	Props    map[string]any `yaml:"props"`
	Children []BundleBlock  `yaml:"children"`
}

// ImportBundle loads a YAML bundle into the local store and returns the
// number of blocks created.
func ImportBundle(ctx context.Context, st *store.Store, path string) (int, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read bundle: %w", err)
	}

	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return 0, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if bundle.Page.ID == "" {
		return 0, fmt.Errorf("bundle page has no id")
	}

	page := &schema.Page{
		ID:    bundle.Page.ID,
		Title: bundle.Page.Title,
		Emoji: bundle.Page.Emoji,
	}
	page.SetDefaults()
	if err := page.Validate(); err != nil {
		return 0, fmt.Errorf("invalid bundle page: %w", err)
	}
	if err := st.UpsertPage(ctx, page); err != nil {
		return 0, fmt.Errorf("failed to import bundle page: %w", err)
	}

	imported := 0
	var insert func(blocks []BundleBlock, parentID *string) error
	insert = func(blocks []BundleBlock, parentID *string) error {
		for i, bb := range blocks {
			block := &schema.Block{
				ID:         bb.ID,
				PageID:     page.ID,
				ParentID:   parentID,
				Type:       schema.BlockType(bb.Type),
				Content:    bb.Content,
				Properties: bb.Props,
				Order:      float64(i + 1),
			}
			block.SetDefaults()
			if err := block.Validate(); err != nil {
				return fmt.Errorf("invalid bundle block %q: %w", bb.ID, err)
			}
			if err := st.UpsertBlockContext(ctx, block); err != nil {
				return fmt.Errorf("failed to import bundle block %q: %w", block.ID, err)
			}
			imported++

			id := block.ID
			if err := insert(bb.Children, &id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := insert(bundle.Blocks, nil); err != nil {
		return imported, err
	}
	return imported, nil
}
