// Package execsvc is the HTTP client for the remote execution service that
// actually runs hunts. The service is opaque: this package only knows its
// endpoint contract (config update, resumable event stream, results, review
// save, export, session lookup).
package execsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mohammad-safakhou/breakhunt/internal/hunt"
	"github.com/mohammad-safakhou/breakhunt/internal/review"
)

// ErrSessionGone marks a 404 on session lookup or export: the server-side
// session has expired. The only recourse is a reload from source, so callers
// must clear their persisted session pointer rather than retry.
var ErrSessionGone = errors.New("execution service session no longer exists")

// Client talks to one execution service deployment.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// New builds a client for the given base URL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("exec base url must be absolute, got %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: u,
		// The push channel is long-lived; per-request timeouts apply only to
		// the plain calls, so the stream uses a separate transport path.
		http: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.baseURL
	u.Path, _ = url.JoinPath(u.Path, parts...)
	return u.String()
}

// UpdateConfig pushes the batch snapshot (including the hunt-id offset) for a
// session. The ack must arrive before any progress view is shown.
func (c *Client) UpdateConfig(ctx context.Context, sessionID string, cfg hunt.BatchConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode batch config: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sessions", sessionID, "config"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// OpenStream opens the resumable push channel for a session. A positive
// lastDeliveryID asks the server to replay the backlog after that id.
func (c *Client) OpenStream(ctx context.Context, sessionID string, lastDeliveryID int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("sessions", sessionID, "events"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastDeliveryID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastDeliveryID, 10))
	}
	// No client timeout here: the stream lives for the whole batch and is
	// torn down via ctx.
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open event stream: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

type resultsResponse struct {
	Results []hunt.Result `json:"results"`
}

// Results fetches the authoritative result list for a session. Used for
// post-reconnect recovery and for the canonical list at turn close.
func (c *Client) Results(ctx context.Context, sessionID string) ([]hunt.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("sessions", sessionID, "results"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch results: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out resultsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return out.Results, nil
}

// SaveReviews persists the review set server-side, keyed by hunt id as the
// service expects. Export re-validates through this call.
func (c *Client) SaveReviews(ctx context.Context, sessionID string, reviews map[int]review.Review) error {
	byHunt := make(map[string]review.Review, len(reviews))
	for _, r := range reviews {
		byHunt[strconv.Itoa(r.HuntID)] = r
	}
	body, err := json.Marshal(map[string]interface{}{"reviews": byHunt})
	if err != nil {
		return fmt.Errorf("encode reviews: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sessions", sessionID, "reviews"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("save reviews: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// ExportNotebook downloads the export artifact after the review gate.
func (c *Client) ExportNotebook(ctx context.Context, sessionID string, includeReasoning bool) ([]byte, error) {
	u := c.endpoint("sessions", sessionID, "export")
	if includeReasoning {
		u += "?include_reasoning=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("export notebook: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	return data, nil
}

// SessionInfo is the restore-time view of a server-side session.
type SessionInfo struct {
	SessionID  string `json:"session_id"`
	NotebookID string `json:"notebook_id"`
	Turn       int    `json:"turn"`
	TotalHunts int    `json:"total_hunts"`
}

// GetSession looks up a session for restore. A 404 returns ErrSessionGone,
// which is terminal; any other failure is transient and may be retried.
func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("sessions", sessionID), nil)
	if err != nil {
		return SessionInfo{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("lookup session: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return SessionInfo{}, err
	}
	var info SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return SessionInfo{}, fmt.Errorf("decode session: %w", err)
	}
	return info, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionGone
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("execution service returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
