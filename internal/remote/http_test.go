package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blockpad/blockpad/internal/schema"
)

func TestClientCreateBlockEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/blocks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var block schema.Block
		if err := json.NewDecoder(r.Body).Decode(&block); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		block.ID = "srv-1"

		data, _ := json.Marshal(&block)
		json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})

	block := &schema.Block{
		ID:        schema.NewTempID(),
		PageID:    "page-1",
		Type:      schema.BlockTypeParagraph,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	created, err := client.CreateBlock(context.Background(), block)
	if err != nil {
		t.Fatalf("CreateBlock failed: %v", err)
	}
	if created.ID != "srv-1" {
		t.Errorf("server id = %q, want srv-1", created.ID)
	}
}

func TestClientErrorTagging(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantPermanent bool
	}{
		{
			name:          "server error is transient",
			status:        http.StatusBadGateway,
			body:          "",
			wantPermanent: false,
		},
		{
			name:          "tagged transient failure",
			status:        http.StatusOK,
			body:          `{"ok":false,"code":"transient","error":"rate limited"}`,
			wantPermanent: false,
		},
		{
			name:          "tagged permanent rejection",
			status:        http.StatusOK,
			body:          `{"ok":false,"code":"permanent","error":"parent on different page"}`,
			wantPermanent: true,
		},
		{
			name:          "unauthorized is permanent",
			status:        http.StatusOK,
			body:          `{"ok":false,"code":"unauthorized","error":"no access"}`,
			wantPermanent: true,
		},
		{
			name:          "unknown code defaults to permanent",
			status:        http.StatusOK,
			body:          `{"ok":false,"code":"weird","error":"?"}`,
			wantPermanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != "" {
					w.Write([]byte(tt.body))
				}
			}))
			defer srv.Close()

			client := NewClient(ClientConfig{BaseURL: srv.URL})
			err := client.DeleteBlock(context.Background(), "blk-1")
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", err, got, tt.wantPermanent)
			}
		})
	}
}

func TestClientTransportFailureIsTransient(t *testing.T) {
	// Closed server: the dial fails at the transport level.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: time.Second})
	err := client.DeleteBlock(context.Background(), "blk-1")
	if err == nil {
		t.Fatal("expected an error from closed server")
	}
	if IsPermanent(err) {
		t.Errorf("transport failure tagged permanent: %v", err)
	}
}
