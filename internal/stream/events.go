// Package stream consumes the resumable server-pushed event channel the
// execution service exposes per session. It owns reconnection and replay
// deduplication; interpretation of events is left to the handler it drives.
package stream

import (
	"encoding/json"
	"fmt"
)

// Type enumerates the event taxonomy pushed by the execution service.
type Type string

const (
	TypeStart        Type = "start"
	TypeHuntStart    Type = "hunt_start"
	TypeHuntProgress Type = "hunt_progress"
	TypeHuntResult   Type = "hunt_result"
	TypeEarlyStop    Type = "early_stop"
	TypeComplete     Type = "complete"
	TypePing         Type = "ping"
	TypeError        Type = "error"
)

// Event is one decoded entry from the push channel. DeliveryID is assigned
// monotonically by the server and drives replay deduplication; it is distinct
// from HuntID, which identifies the hunt the payload concerns.
type Event struct {
	DeliveryID int64 `json:"-"`
	Type       Type  `json:"-"`

	HuntID           int               `json:"hunt_id"`
	Status           string            `json:"status"`
	Score            *int              `json:"score"`
	IsBreaking       bool              `json:"is_breaking"`
	Error            string            `json:"error"`
	Completed        int               `json:"completed"`
	Total            int               `json:"total"`
	Breaks           int               `json:"breaks"`
	Response         string            `json:"response"`
	Model            string            `json:"model"`
	JudgeCriteria    map[string]string `json:"judge_criteria"`
	JudgeExplanation string            `json:"judge_explanation"`
	ReasoningTrace   string            `json:"reasoning_trace"`
}

// decodeEvent parses a raw SSE frame into an Event.
func decodeEvent(deliveryID int64, eventType string, data []byte) (Event, error) {
	ev := Event{DeliveryID: deliveryID, Type: Type(eventType)}
	if ev.Type == "" {
		return ev, fmt.Errorf("event type missing for delivery %d", deliveryID)
	}
	if len(data) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return ev, nil
}
