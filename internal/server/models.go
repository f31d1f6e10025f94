package server

import (
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/breakhunt/internal/hunt"
	"github.com/mohammad-safakhou/breakhunt/internal/review"
)

// HTTPError is the uniform error envelope returned by the API.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type TrainerResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateSessionRequest struct {
	NotebookID string           `json:"notebook_id"`
	Criteria   []hunt.Criterion `json:"criteria"`
}

type SessionResponse struct {
	SessionID  string           `json:"session_id"`
	NotebookID string           `json:"notebook_id"`
	Turn       int              `json:"turn"`
	Phase      review.Phase     `json:"phase"`
	Hunting    bool             `json:"hunting"`
	Remaining  int              `json:"hunts_remaining"`
	Criteria   []hunt.Criterion `json:"criteria"`
	CreatedAt  time.Time        `json:"created_at"`
}

type ProgressResponse struct {
	Completed int  `json:"completed"`
	Total     int  `json:"total"`
	Breaking  int  `json:"breaking"`
	Percent   int  `json:"percent"`
	Hunting   bool `json:"hunting"`
}

type ResultsResponse struct {
	Rows     []hunt.Row     `json:"rows"`
	Progress hunt.Aggregate `json:"progress"`
	Selected []int          `json:"selected"`
}

type GradeRequest struct {
	CriterionID string `json:"criterion_id"`
	Passed      bool   `json:"passed"`
}

type ExplanationRequest struct {
	Text string `json:"text"`
}

type ReviewResponse struct {
	Review review.Review `json:"review"`
	Phase  review.Phase  `json:"phase"`
}

// TurnArchiveEntry is one closed turn as archived at advance time. The inner
// documents are relayed as stored; the client renders them.
type TurnArchiveEntry struct {
	Turn     int             `json:"turn"`
	Config   json.RawMessage `json:"config"`
	Results  json.RawMessage `json:"results"`
	Reviews  json.RawMessage `json:"reviews"`
	ClosedAt time.Time       `json:"closed_at"`
}

type AdvanceResponse struct {
	Turn      int `json:"turn"`
	Remaining int `json:"hunts_remaining"`
}

type StatsResponse struct {
	Turns         int  `json:"turns"`
	TotalHunts    int  `json:"total_hunts"`
	TotalBreaking int  `json:"total_breaking"`
	CriteriaMet   bool `json:"criteria_met"`
}
