package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/blockpad/blockpad/internal/schema"
)

// Client is the HTTP implementation of the Store contract.
//
// Every action maps to one endpoint under the base URL and returns the
// standard envelope:
//
//	{"ok": true,  "data": ...}
//	{"ok": false, "code": "permanent", "error": "block not found"}
//
// HTTP 5xx responses and transport errors are tagged transient; 4xx
// responses take the code from the envelope (defaulting to permanent).
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	// BaseURL is the remote store's action endpoint root.
	BaseURL string

	// Token is sent as a bearer token when non-empty.
	Token string

	// Timeout bounds each action call (default: 15s).
	Timeout time.Duration
}

// NewClient creates an HTTP action client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

// envelope is the wire format shared by all actions.
type envelope struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CreateBlock implements Store.CreateBlock.
func (c *Client) CreateBlock(ctx context.Context, block *schema.Block) (*schema.Block, error) {
	var created schema.Block
	if err := c.do(ctx, http.MethodPost, "/blocks", block, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateBlock implements Store.UpdateBlock.
func (c *Client) UpdateBlock(ctx context.Context, block *schema.Block) (*schema.Block, error) {
	var updated schema.Block
	if err := c.do(ctx, http.MethodPut, "/blocks/"+url.PathEscape(block.ID), block, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteBlock implements Store.DeleteBlock.
func (c *Client) DeleteBlock(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/blocks/"+url.PathEscape(id), nil, nil)
}

// ReorderBlocks implements Store.ReorderBlocks.
func (c *Client) ReorderBlocks(ctx context.Context, pageID string, orders []schema.BlockOrder) error {
	body := struct {
		Orders []schema.BlockOrder `json:"orders"`
	}{Orders: orders}
	return c.do(ctx, http.MethodPost, "/pages/"+url.PathEscape(pageID)+"/reorder", body, nil)
}

// GetRootBlocks implements Store.GetRootBlocks.
func (c *Client) GetRootBlocks(ctx context.Context, pageID string, limit, offset int) ([]*schema.Block, error) {
	path := fmt.Sprintf("/pages/%s/blocks?limit=%d&offset=%d", url.PathEscape(pageID), limit, offset)
	var blocks []*schema.Block
	if err := c.do(ctx, http.MethodGet, path, nil, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// GetChildBlocks implements Store.GetChildBlocks.
func (c *Client) GetChildBlocks(ctx context.Context, parentID string, limit, offset int) ([]*schema.Block, error) {
	path := fmt.Sprintf("/blocks/%s/children?limit=%d&offset=%d", url.PathEscape(parentID), limit, offset)
	var blocks []*schema.Block
	if err := c.do(ctx, http.MethodGet, path, nil, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// GetBlockCount implements Store.GetBlockCount.
func (c *Client) GetBlockCount(ctx context.Context, pageID string, parentID *string) (int, error) {
	path := "/pages/" + url.PathEscape(pageID) + "/blocks/count"
	if parentID != nil {
		path += "?parent=" + url.QueryEscape(*parentID)
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// GetHierarchy implements Store.GetHierarchy.
func (c *Client) GetHierarchy(ctx context.Context, pageID string, depth int) ([]*schema.Block, error) {
	path := "/pages/" + url.PathEscape(pageID) + "/hierarchy?depth=" + strconv.Itoa(depth)
	var blocks []*schema.Block
	if err := c.do(ctx, http.MethodGet, path, nil, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// GetBlocksModifiedSince implements Store.GetBlocksModifiedSince.
func (c *Client) GetBlocksModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*schema.Block, error) {
	path := "/pages/" + url.PathEscape(pageID) + "/blocks/modified?since=" +
		url.QueryEscape(since.Format(time.RFC3339Nano))
	var blocks []*schema.Block
	if err := c.do(ctx, http.MethodGet, path, nil, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// CreatePage implements Store.CreatePage.
func (c *Client) CreatePage(ctx context.Context, page *schema.Page) (*schema.Page, error) {
	var created schema.Page
	if err := c.do(ctx, http.MethodPost, "/pages", page, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetPage implements Store.GetPage.
func (c *Client) GetPage(ctx context.Context, id string) (*schema.Page, error) {
	var page schema.Page
	if err := c.do(ctx, http.MethodGet, "/pages/"+url.PathEscape(id), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// UpdatePage implements Store.UpdatePage.
func (c *Client) UpdatePage(ctx context.Context, page *schema.Page) (*schema.Page, error) {
	var updated schema.Page
	if err := c.do(ctx, http.MethodPut, "/pages/"+url.PathEscape(page.ID), page, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeletePage implements Store.DeletePage.
func (c *Client) DeletePage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/pages/"+url.PathEscape(id), nil, nil)
}

// do executes one action call and decodes the envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failure: tag transient so the queue retries.
		return &ActionError{Code: CodeTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &ActionError{
			Code:    CodeTransient,
			Message: fmt.Sprintf("server error: %s", resp.Status),
		}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &ActionError{
			Code:    CodeTransient,
			Message: fmt.Sprintf("malformed response: %v", err),
		}
	}

	if !env.OK {
		code := ErrorCode(env.Code)
		switch code {
		case CodeTransient, CodePermanent, CodeUnauthorized, CodeNotFound:
		default:
			code = CodePermanent
		}
		return &ActionError{Code: code, Message: env.Error}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode action result: %w", err)
		}
	}
	return nil
}
