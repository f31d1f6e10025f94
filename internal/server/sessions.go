package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/breakhunt/config"
	"github.com/mohammad-safakhou/breakhunt/internal/execsvc"
	"github.com/mohammad-safakhou/breakhunt/internal/hunt"
	"github.com/mohammad-safakhou/breakhunt/internal/orchestrator"
	"github.com/mohammad-safakhou/breakhunt/internal/quota"
	"github.com/mohammad-safakhou/breakhunt/internal/review"
	"github.com/mohammad-safakhou/breakhunt/internal/runtime"
	"github.com/mohammad-safakhou/breakhunt/internal/session"
	"github.com/mohammad-safakhou/breakhunt/internal/store"
)

// Launcher is the slice of the orchestrator the handler needs.
type Launcher interface {
	Launch(ctx context.Context, sess *session.Session, req orchestrator.LaunchRequest) (hunt.BatchConfig, error)
	Reconcile(ctx context.Context, sess *session.Session, replace bool) error
}

// ExportService covers the execution-service calls made directly by handlers.
type ExportService interface {
	SaveReviews(ctx context.Context, sessionID string, reviews map[int]review.Review) error
	ExportNotebook(ctx context.Context, sessionID string, includeReasoning bool) ([]byte, error)
	GetSession(ctx context.Context, sessionID string) (execsvc.SessionInfo, error)
}

// SessionsHandler exposes the evaluation workflow: create/restore, launch,
// progress, selection, grading, reveal, export, and turn advance.
type SessionsHandler struct {
	Cfg      *config.Config
	Store    *store.Store
	Registry *session.Registry
	Ledger   *quota.Ledger
	Orch     Launcher
	Exec     ExportService
	Logger   *log.Logger
}

func NewSessionsHandler(cfg *config.Config, st *store.Store, reg *session.Registry, ledger *quota.Ledger, orch Launcher, exec ExportService) *SessionsHandler {
	return &SessionsHandler{
		Cfg:      cfg,
		Store:    st,
		Registry: reg,
		Ledger:   ledger,
		Orch:     orch,
		Exec:     exec,
		Logger:   log.New(log.Writer(), "[SESSIONS] ", log.LstdFlags),
	}
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.delete)
	g.POST("/:id/launch", h.launch)
	g.GET("/:id/progress", h.streamProgress)
	g.GET("/:id/results", h.results)
	g.POST("/:id/selection/:row", h.toggle)
	g.POST("/:id/confirm", h.confirm)
	g.POST("/:id/reviews/:row/grades", h.grade)
	g.POST("/:id/reviews/:row/explanation", h.explanation)
	g.POST("/:id/reviews/:row/submit", h.submit)
	g.GET("/:id/reviews/:row", h.reviewFor)
	g.POST("/:id/reveal", h.reveal)
	g.GET("/:id/export", h.export)
	g.POST("/:id/advance", h.advance)
	g.GET("/:id/stats", h.stats)
	g.GET("/:id/turns", h.turns)
}

func (h *SessionsHandler) reviewConfig(c echo.Context) review.Config {
	return review.Config{
		SelectionSize:       h.Cfg.Review.SelectionSize,
		MinExplanationWords: h.Cfg.Review.MinExplanationWords,
		AdminOverride:       h.Cfg.Server.AdminOverride && runtime.HasScope(c, runtime.ScopeAdmin),
	}
}

func (h *SessionsHandler) create(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.NotebookID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "notebook_id required")
	}
	sess, err := session.New(req.NotebookID, req.Criteria, h.reviewConfig(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	trainerID, _ := c.Get("trainer_id").(string)
	criteria, err := json.Marshal(sess.Criteria())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	rec := store.SessionRecord{
		ID:         sess.ID(),
		TrainerID:  trainerID,
		NotebookID: sess.NotebookID(),
		Turn:       sess.Turn(),
		Criteria:   criteria,
	}
	if err := h.Store.CreateSession(c.Request().Context(), rec); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Registry.Put(sess)
	return c.JSON(http.StatusCreated, h.sessionResponse(c, sess))
}

// resolve finds a live session, falling back to the durable shell so a
// reloaded client can resume. A session gone on the execution side is
// terminal: the shell is deleted and the client told to start over.
func (h *SessionsHandler) resolve(c echo.Context) (*session.Session, error) {
	id := c.Param("id")
	ctx := c.Request().Context()
	if sess, ok := h.Registry.Get(id); ok {
		sess.Touch()
		h.touchDurable(ctx, id)
		return sess, nil
	}
	rec, ok, err := h.Store.GetSession(ctx, id)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if _, err := h.Exec.GetSession(ctx, id); err != nil {
		if errors.Is(err, execsvc.ErrSessionGone) {
			if derr := h.Store.DeleteSession(ctx, id); derr != nil {
				h.Logger.Printf("delete dead session %s: %v", id, derr)
			}
			return nil, echo.NewHTTPError(http.StatusNotFound, "session expired; start a new one")
		}
		return nil, echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	var criteria []hunt.Criterion
	if len(rec.Criteria) > 0 {
		if err := json.Unmarshal(rec.Criteria, &criteria); err != nil {
			return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	sess, err := session.Restore(rec.ID, rec.NotebookID, rec.Turn, criteria, h.reviewConfig(c))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// Rehydrate the live turn from the canonical result list.
	if err := h.Orch.Reconcile(ctx, sess, true); err != nil {
		h.Logger.Printf("rehydrate session %s: %v", rec.ID, err)
	}
	h.Registry.Put(sess)
	h.touchDurable(ctx, id)
	return sess, nil
}

// touchDurable refreshes the stored last_seen so the cleaner's durable sweep
// counts this request as activity. Best effort: a reviewer mid-turn must not
// lose their session to a stale row, but a failed touch never blocks them.
func (h *SessionsHandler) touchDurable(ctx context.Context, id string) {
	if err := h.Store.TouchSession(ctx, id); err != nil {
		h.Logger.Printf("touch session %s: %v", id, err)
	}
}

func (h *SessionsHandler) sessionResponse(c echo.Context, sess *session.Session) SessionResponse {
	remaining, err := h.Ledger.Remaining(c.Request().Context(), sess.NotebookID())
	if err != nil {
		h.Logger.Printf("quota read for %s: %v", sess.NotebookID(), err)
	}
	resp := SessionResponse{
		SessionID:  sess.ID(),
		NotebookID: sess.NotebookID(),
		Turn:       sess.Turn(),
		Hunting:    sess.Hunting(),
		Remaining:  remaining,
		Criteria:   sess.Criteria(),
		CreatedAt:  sess.CreatedAt(),
	}
	_ = sess.WithMachine(func(m *review.Machine) error {
		resp.Phase = m.Phase()
		return nil
	})
	return resp
}

func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.sessionResponse(c, sess))
}

func (h *SessionsHandler) delete(c echo.Context) error {
	id := c.Param("id")
	h.Registry.Delete(id)
	if err := h.Store.DeleteSession(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SessionsHandler) launch(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	var req orchestrator.LaunchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Workers <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "workers must be at least 1")
	}
	cfg, err := h.Orch.Launch(c.Request().Context(), sess, req)
	if err != nil {
		var limit quota.ErrLimitReached
		if errors.As(err, &limit) {
			return echo.NewHTTPError(http.StatusTooManyRequests, limit.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusAccepted, cfg)
}

func (h *SessionsHandler) results(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	resp := ResultsResponse{
		Rows:     sess.Rows(),
		Progress: sess.Progress(),
	}
	_ = sess.WithMachine(func(m *review.Machine) error {
		resp.Selected = m.Selected()
		return nil
	})
	return c.JSON(http.StatusOK, resp)
}

func (h *SessionsHandler) toggle(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	row, err := rowParam(c)
	if err != nil {
		return err
	}
	if mErr := sess.WithMachine(func(m *review.Machine) error { return m.Toggle(row) }); mErr != nil {
		return reviewError(mErr)
	}
	return h.results(c)
}

func (h *SessionsHandler) confirm(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	// Selection is judged against the canonical list, not a possibly stale
	// streamed view.
	if rerr := h.Orch.Reconcile(c.Request().Context(), sess, false); rerr != nil {
		h.Logger.Printf("pre-confirm reconcile for %s: %v", sess.ID(), rerr)
	}
	if mErr := sess.WithMachine(func(m *review.Machine) error { return m.Confirm() }); mErr != nil {
		return reviewError(mErr)
	}
	return c.JSON(http.StatusOK, h.sessionResponse(c, sess))
}

func (h *SessionsHandler) grade(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	row, err := rowParam(c)
	if err != nil {
		return err
	}
	var req GradeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if mErr := sess.WithMachine(func(m *review.Machine) error {
		return m.Grade(row, req.CriterionID, req.Passed)
	}); mErr != nil {
		return reviewError(mErr)
	}
	return h.reviewFor(c)
}

func (h *SessionsHandler) explanation(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	row, err := rowParam(c)
	if err != nil {
		return err
	}
	var req ExplanationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if mErr := sess.WithMachine(func(m *review.Machine) error {
		return m.SetExplanation(row, req.Text)
	}); mErr != nil {
		return reviewError(mErr)
	}
	return h.reviewFor(c)
}

func (h *SessionsHandler) submit(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	row, err := rowParam(c)
	if err != nil {
		return err
	}
	if mErr := sess.WithMachine(func(m *review.Machine) error { return m.Submit(row) }); mErr != nil {
		return reviewError(mErr)
	}
	return h.reviewFor(c)
}

func (h *SessionsHandler) reviewFor(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	row, err := rowParam(c)
	if err != nil {
		return err
	}
	var resp ReviewResponse
	mErr := sess.WithMachine(func(m *review.Machine) error {
		rev, ok := m.Review(row)
		if !ok {
			var oerr error
			rev, oerr = m.OpenReview(row)
			if oerr != nil {
				return oerr
			}
		}
		resp.Review = rev
		resp.Phase = m.Phase()
		return nil
	})
	if mErr != nil {
		return reviewError(mErr)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *SessionsHandler) reveal(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	if mErr := sess.WithMachine(func(m *review.Machine) error { return m.Reveal() }); mErr != nil {
		return reviewError(mErr)
	}
	return c.JSON(http.StatusOK, h.sessionResponse(c, sess))
}

// export checks the review gate, persists reviews server-side, and relays the
// artifact. The gate lives in the review machine; this handler only wires it
// to the execution service.
func (h *SessionsHandler) export(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	var reviews map[int]review.Review
	if mErr := sess.WithMachine(func(m *review.Machine) error {
		if gerr := m.ExportReady(); gerr != nil {
			return gerr
		}
		reviews = m.Reviews()
		return nil
	}); mErr != nil {
		return reviewError(mErr)
	}

	ctx := c.Request().Context()
	if err := h.Exec.SaveReviews(ctx, sess.ID(), reviews); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	includeReasoning := c.QueryParam("include_reasoning") == "true"
	data, err := h.Exec.ExportNotebook(ctx, sess.ID(), includeReasoning)
	if err != nil {
		if errors.Is(err, execsvc.ErrSessionGone) {
			return echo.NewHTTPError(http.StatusNotFound, "session expired; start a new one")
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if err := h.Store.RecordExport(ctx, sess.ID(), sess.Turn(), includeReasoning, int64(len(data))); err != nil {
		h.Logger.Printf("record export for %s: %v", sess.ID(), err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="notebook-export.json"`)
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

func (h *SessionsHandler) advance(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	// The canonical list is fetched once at turn close.
	if rerr := h.Orch.Reconcile(ctx, sess, false); rerr != nil {
		h.Logger.Printf("turn-close reconcile for %s: %v", sess.ID(), rerr)
	}
	rec, err := sess.AdvanceTurn()
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err := h.Ledger.AdvanceTurn(ctx, sess.NotebookID()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	snap, err := snapshotRecord(sess.ID(), rec)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Store.SaveTurnSnapshot(ctx, snap); err != nil {
		h.Logger.Printf("archive turn %d of %s: %v", rec.Turn, sess.ID(), err)
	}
	if err := h.Store.SetSessionTurn(ctx, sess.ID(), sess.Turn()); err != nil {
		h.Logger.Printf("persist turn of %s: %v", sess.ID(), err)
	}

	remaining, err := h.Ledger.Remaining(ctx, sess.NotebookID())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, AdvanceResponse{Turn: sess.Turn(), Remaining: remaining})
}

func (h *SessionsHandler) stats(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	st := sess.Stats()
	return c.JSON(http.StatusOK, StatsResponse{
		Turns:         st.Turns,
		TotalHunts:    st.TotalHunts,
		TotalBreaking: st.TotalBreaking,
		CriteriaMet:   st.TotalBreaking >= h.Cfg.Review.MinBreaking,
	})
}

// turns lists the archived closed turns for a session, oldest first.
func (h *SessionsHandler) turns(c echo.Context) error {
	sess, err := h.resolve(c)
	if err != nil {
		return err
	}
	snaps, err := h.Store.ListTurnSnapshots(c.Request().Context(), sess.ID())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]TurnArchiveEntry, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, TurnArchiveEntry{
			Turn:     snap.Turn,
			Config:   snap.Config,
			Results:  snap.Results,
			Reviews:  snap.Reviews,
			ClosedAt: snap.ClosedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func snapshotRecord(sessionID string, rec session.TurnRecord) (store.TurnSnapshot, error) {
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return store.TurnSnapshot{}, err
	}
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return store.TurnSnapshot{}, err
	}
	reviews, err := json.Marshal(rec.Reviews)
	if err != nil {
		return store.TurnSnapshot{}, err
	}
	return store.TurnSnapshot{
		SessionID: sessionID,
		Turn:      rec.Turn,
		Config:    cfg,
		Results:   results,
		Reviews:   reviews,
		ClosedAt:  rec.ClosedAt,
	}, nil
}

func rowParam(c echo.Context) (int, error) {
	row, err := strconv.Atoi(c.Param("row"))
	if err != nil || row <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "row must be a positive integer")
	}
	return row, nil
}

// reviewError maps review-machine failures onto HTTP statuses: gate failures
// are 409 conflicts, validation failures 422, unknown rows 404.
func reviewError(err error) error {
	var (
		sizeErr     review.SelectionSizeError
		compErr     review.CompositionError
		divErr      review.DiversityError
		ungraded    review.UngradedError
		tooShort    review.ExplanationTooShortError
		unsubmitted review.UnsubmittedError
		unknownRow  review.UnknownRowError
		notSelected review.NotSelectedError
	)
	switch {
	case errors.As(err, &unknownRow):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &notSelected),
		errors.Is(err, review.ErrRevealed),
		errors.Is(err, review.ErrSelectionLocked),
		errors.Is(err, review.ErrNotConfirmed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &sizeErr),
		errors.As(err, &compErr),
		errors.As(err, &divErr),
		errors.As(err, &ungraded),
		errors.As(err, &tooShort),
		errors.As(err, &unsubmitted):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
