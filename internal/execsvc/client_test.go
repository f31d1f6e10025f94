package execsvc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohammad-safakhou/breakhunt/internal/hunt"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestUpdateConfigPostsSnapshot(t *testing.T) {
	var got hunt.BatchConfig
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions/sess-1/config" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	cfg, _ := hunt.NewBatchConfig(2, []string{"m1", "m2"}, "anthropic", "judge-1", 2, 0.5, 6)
	if err := c.UpdateConfig(context.Background(), "sess-1", cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if got.Offset != 6 || got.Workers != 2 {
		t.Fatalf("snapshot not transmitted intact: %+v", got)
	}
}

func TestResultsDecodes(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/sess-1/results" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"hunt_id": 1, "status": "completed", "score": 0, "is_breaking": true},
				{"hunt_id": 2, "status": "failed", "error": "provider timeout"},
			},
		})
	}))
	results, err := c.Results(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Score == nil || *results[0].Score != 0 || !results[0].Breaking {
		t.Fatalf("unexpected first result %+v", results[0])
	}
}

func TestGetSessionDistinguishes404(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions/gone":
			http.NotFound(w, r)
		case "/sessions/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			_ = json.NewEncoder(w).Encode(SessionInfo{SessionID: "live", NotebookID: "nb-1", Turn: 2})
		}
	}))

	if _, err := c.GetSession(context.Background(), "gone"); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("expected ErrSessionGone for 404, got %v", err)
	}
	if _, err := c.GetSession(context.Background(), "broken"); err == nil || errors.Is(err, ErrSessionGone) {
		t.Fatalf("a 500 must be a transient error, not session death: %v", err)
	}
	info, err := c.GetSession(context.Background(), "live")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if info.NotebookID != "nb-1" || info.Turn != 2 {
		t.Fatalf("unexpected session info %+v", info)
	}
}

func TestOpenStreamSendsLastEventID(t *testing.T) {
	var lastID string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastID = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	body, err := c.OpenStream(context.Background(), "sess-1", 42)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	body.Close()
	if lastID != "42" {
		t.Fatalf("expected Last-Event-ID 42, got %q", lastID)
	}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	if _, err := New("exec.local/api", time.Second); err == nil {
		t.Fatalf("expected error for relative base url")
	}
}
