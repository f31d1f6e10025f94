package stream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type scriptedOpener struct {
	mu      sync.Mutex
	streams []string
	lastIDs []int64
}

func (o *scriptedOpener) OpenStream(ctx context.Context, sessionID string, lastDeliveryID int64) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastIDs = append(o.lastIDs, lastDeliveryID)
	if len(o.streams) == 0 {
		return nil, fmt.Errorf("no stream available")
	}
	s := o.streams[0]
	o.streams = o.streams[1:]
	return io.NopCloser(strings.NewReader(s)), nil
}

func frame(id int64, event, data string) string {
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
}

func testConfig(handler func(Event)) Config {
	return Config{
		SessionID:      "sess-1",
		Handler:        handler,
		ReconnectDelay: time.Millisecond,
		PollDelay:      time.Millisecond,
	}
}

func TestConsumerDeliversAndCompletes(t *testing.T) {
	opener := &scriptedOpener{streams: []string{
		frame(1, "start", `{"total":2}`) +
			frame(2, "hunt_start", `{"hunt_id":1,"model":"m1"}`) +
			frame(3, "hunt_result", `{"hunt_id":1,"score":0,"is_breaking":true}`) +
			frame(4, "complete", `{}`),
	}}
	var events []Event
	c, err := NewConsumer(opener, testConfig(func(ev Event) { events = append(events, ev) }))
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[2].Type != TypeHuntResult || events[2].Score == nil || *events[2].Score != 0 {
		t.Fatalf("unexpected hunt_result decoding: %+v", events[2])
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", c.State())
	}
}

func TestConsumerDedupIdempotence(t *testing.T) {
	result := frame(2, "hunt_result", `{"hunt_id":1,"score":0}`)
	opener := &scriptedOpener{streams: []string{
		frame(1, "hunt_start", `{"hunt_id":1}`) + result + result + result + frame(3, "complete", `{}`),
	}}
	var resultCount int
	c, _ := NewConsumer(opener, testConfig(func(ev Event) {
		if ev.Type == TypeHuntResult {
			resultCount++
		}
	}))
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resultCount != 1 {
		t.Fatalf("replayed delivery processed %d times, want 1", resultCount)
	}
}

func TestConsumerResumesWithLastDeliveryID(t *testing.T) {
	opener := &scriptedOpener{streams: []string{
		frame(1, "hunt_start", `{"hunt_id":1}`) + frame(2, "hunt_start", `{"hunt_id":2}`),
		frame(3, "complete", `{}`),
	}}
	c, _ := NewConsumer(opener, testConfig(func(Event) {}))
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(opener.lastIDs) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(opener.lastIDs))
	}
	if opener.lastIDs[0] != 0 {
		t.Fatalf("first connection must not carry a resume id, got %d", opener.lastIDs[0])
	}
	if opener.lastIDs[1] != 2 {
		t.Fatalf("resume must reuse last delivered id 2, got %d", opener.lastIDs[1])
	}
}

func TestConsumerFallbackPollAfterSecondClose(t *testing.T) {
	opener := &scriptedOpener{streams: []string{"", ""}}
	polled := 0
	cfg := testConfig(func(Event) {})
	cfg.Poll = func(ctx context.Context) error { polled++; return nil }
	c, _ := NewConsumer(opener, cfg)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if polled != 1 {
		t.Fatalf("expected exactly one fallback poll, got %d", polled)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
}

func TestConsumerStopsWhenBatchInactive(t *testing.T) {
	opener := &scriptedOpener{streams: []string{""}}
	cfg := testConfig(func(Event) {})
	cfg.Active = func() bool { return false }
	cfg.Poll = func(ctx context.Context) error {
		t.Fatalf("poll must not run when the batch is inactive")
		return nil
	}
	c, _ := NewConsumer(opener, cfg)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestConsumerResultWithoutStartStillDispatches(t *testing.T) {
	opener := &scriptedOpener{streams: []string{
		frame(5, "hunt_result", `{"hunt_id":9,"score":1}`) + frame(6, "complete", `{}`),
	}}
	var sawResult bool
	c, _ := NewConsumer(opener, testConfig(func(ev Event) {
		if ev.Type == TypeHuntResult && ev.HuntID == 9 {
			sawResult = true
		}
	}))
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawResult {
		t.Fatalf("hunt_result without hunt_start must still reach the handler")
	}
}
