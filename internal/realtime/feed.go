package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/blockpad/blockpad/internal/remote"
	"github.com/blockpad/blockpad/internal/schema"
)

// WSFeed subscribes to the remote store's websocket change feed.
//
// One connection per page: the page ID travels as a query parameter and
// the server streams JSON-encoded sync events. The returned channel
// closes when the connection drops; the bridge owns reconnection.
type WSFeed struct {
	baseURL string
	token   string
}

var _ remote.Feed = (*WSFeed)(nil)

// NewWSFeed creates a feed client for the websocket endpoint at baseURL
// (e.g. "wss://sync.example.com/feed").
func NewWSFeed(baseURL, token string) *WSFeed {
	return &WSFeed{baseURL: baseURL, token: token}
}

// Subscribe implements remote.Feed.
func (f *WSFeed) Subscribe(ctx context.Context, pageID string) (<-chan schema.SyncEvent, error) {
	u := f.baseURL + "?page=" + url.QueryEscape(pageID)

	opts := &websocket.DialOptions{}
	if f.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + f.token}}
	}

	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial feed: %w", err)
	}

	events := make(chan schema.SyncEvent, 64)
	go func() {
		defer close(events)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var ev schema.SyncEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
