package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

// State enumerates the consumer's connection lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Opener opens the push channel for a session. A lastDeliveryID > 0 asks the
// server to replay the backlog after that id.
type Opener interface {
	OpenStream(ctx context.Context, sessionID string, lastDeliveryID int64) (io.ReadCloser, error)
}

// Config wires a consumer to its surroundings.
type Config struct {
	SessionID string

	// Handler receives each deduplicated event, one at a time.
	Handler func(Event)

	// Poll reconciles state through the results endpoint. Called once, after
	// the reconnect ladder is exhausted.
	Poll func(ctx context.Context) error

	// Active reports whether the hunt batch is still running. A terminal
	// close while inactive ends the consumer without recovery.
	Active func() bool

	ReconnectDelay time.Duration // delay before the manual re-subscribe
	PollDelay      time.Duration // longer delay before the fallback poll
	Logger         *log.Logger
}

// Consumer drives one logical stream per session: it deduplicates replayed
// deliveries and walks the reconnect ladder when the transport closes while
// a batch is still active.
type Consumer struct {
	opener Opener
	cfg    Config

	mu           sync.Mutex
	state        State
	seen         map[int64]struct{}
	lastDelivery int64
}

// errBatchComplete signals the read loop saw the terminal complete event.
var errBatchComplete = errors.New("batch complete")

// NewConsumer builds a consumer for one batch. The seen-id set lives exactly
// as long as the consumer, which lives exactly as long as the batch.
func NewConsumer(opener Opener, cfg Config) (*Consumer, error) {
	if opener == nil {
		return nil, fmt.Errorf("stream opener is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("event handler is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 10 * time.Second
	}
	if cfg.Active == nil {
		cfg.Active = func() bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[STREAM] ", log.LstdFlags)
	}
	return &Consumer{
		opener: opener,
		cfg:    cfg,
		state:  StateConnecting,
		seen:   make(map[int64]struct{}),
	}, nil
}

// State returns the current connection state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastDeliveryID returns the highest delivery id observed so far.
func (c *Consumer) LastDeliveryID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDelivery
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run consumes the stream until the batch completes, the context is
// cancelled, or the recovery ladder is exhausted. It blocks.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateClosed)

	terminalCloses := 0
	for {
		if terminalCloses == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		delivered, err := c.consumeOnce(ctx)
		switch {
		case errors.Is(err, errBatchComplete):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		if !c.cfg.Active() {
			// The surrounding hunt is no longer active: closed is terminal.
			return nil
		}

		// The transport reached its terminal-closed state mid-batch. A
		// delivery on the reopened stream resets the consecutive-close count.
		if delivered {
			terminalCloses = 1
		} else {
			terminalCloses++
		}
		if err != nil {
			c.cfg.Logger.Printf("stream closed for session %s (close %d): %v", c.cfg.SessionID, terminalCloses, err)
		}

		if terminalCloses < 2 {
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		// Second consecutive terminal close: one poll-based recovery after a
		// longer delay, then give up and let the user notice stalled progress.
		if !sleepCtx(ctx, c.cfg.PollDelay) {
			return ctx.Err()
		}
		if c.cfg.Poll != nil {
			if perr := c.cfg.Poll(ctx); perr != nil {
				c.cfg.Logger.Printf("fallback poll failed for session %s: %v", c.cfg.SessionID, perr)
				return perr
			}
			c.cfg.Logger.Printf("recovered session %s via fallback poll", c.cfg.SessionID)
		}
		return nil
	}
}

// consumeOnce opens the stream and reads frames until it ends. It reports
// whether at least one new event was delivered on this connection.
func (c *Consumer) consumeOnce(ctx context.Context) (bool, error) {
	body, err := c.opener.OpenStream(ctx, c.cfg.SessionID, c.LastDeliveryID())
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	defer body.Close()
	c.setState(StateOpen)

	delivered := false
	var (
		deliveryID int64
		eventType  string
		data       []byte
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			if id, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				deliveryID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		case line == "":
			if eventType == "" && len(data) == 0 {
				continue // stray keepalive blank
			}
			complete, derr := c.handleFrame(deliveryID, eventType, data)
			if derr == nil {
				delivered = true
			}
			deliveryID, eventType, data = 0, "", nil
			if complete {
				return delivered, errBatchComplete
			}
		}
	}
	if serr := scanner.Err(); serr != nil {
		return delivered, fmt.Errorf("read stream: %w", serr)
	}
	return delivered, fmt.Errorf("stream ended")
}

// handleFrame decodes, deduplicates, and dispatches one frame. It reports
// whether the batch finished, and a non-nil error when the frame was dropped.
func (c *Consumer) handleFrame(deliveryID int64, eventType string, data []byte) (bool, error) {
	ev, err := decodeEvent(deliveryID, eventType, data)
	if err != nil {
		c.cfg.Logger.Printf("dropping malformed frame %d: %v", deliveryID, err)
		return false, err
	}

	c.mu.Lock()
	if _, dup := c.seen[ev.DeliveryID]; dup {
		c.mu.Unlock()
		recordReplayDrop(ev.Type)
		return false, fmt.Errorf("duplicate delivery %d", ev.DeliveryID)
	}
	c.seen[ev.DeliveryID] = struct{}{}
	if ev.DeliveryID > c.lastDelivery {
		c.lastDelivery = ev.DeliveryID
	}
	c.mu.Unlock()

	recordDelivery(ev.Type)
	switch ev.Type {
	case TypePing:
		// Keepalive, no-op by contract.
		return false, nil
	case TypeError:
		// Transport-level error payloads drive the reconnect ladder from the
		// read loop; surface them to the handler for informational display.
		c.cfg.Handler(ev)
		return false, nil
	case TypeComplete:
		c.cfg.Handler(ev)
		return true, nil
	default:
		c.cfg.Handler(ev)
		return false, nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
