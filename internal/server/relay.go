package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// streamProgress relays batch progress to the browser via Server-Sent Events.
// The relay is a view, not the source of truth: the session keeps folding
// upstream events whether or not anyone is watching.
func (h *SessionsHandler) streamProgress(c echo.Context) error {
	if !h.Cfg.Server.ProgressRelay {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "progress relay disabled")
	}
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	interval := 2 * time.Second
	if val := strings.TrimSpace(c.QueryParam("interval")); val != "" {
		if sec, err := strconv.Atoi(val); err == nil && sec > 0 {
			interval = time.Duration(sec) * time.Second
		}
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	sendSnapshot := func() (bool, error) {
		agg := sess.Progress()
		payload := ProgressResponse{
			Completed: agg.Completed,
			Total:     agg.Total,
			Breaking:  agg.Breaking,
			Percent:   agg.Percent(),
			Hunting:   sess.Hunting(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return false, err
		}
		if _, err := resp.Write([]byte("event: progress\n")); err != nil {
			return false, err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return false, err
		}
		flusher.Flush()
		return !payload.Hunting, nil
	}

	if done, err := sendSnapshot(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if done {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			done, err := sendSnapshot()
			if err != nil {
				h.Logger.Printf("progress snapshot for %s failed: %v", sess.ID(), err)
				return nil
			}
			if done {
				return nil
			}
		}
	}
}
