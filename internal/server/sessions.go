package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ensemblehq/ensemble/internal/orchestration"
	"github.com/ensemblehq/ensemble/internal/runtime"
	"github.com/ensemblehq/ensemble/internal/store"
	"github.com/ensemblehq/ensemble/internal/traceindex"
)

var sessionsTracer = otel.Tracer("ensemble/internal/server")

// SessionsHandler exposes the orchestration engine over REST. The store and
// index are optional; without them history listing and search return 503.
type SessionsHandler struct {
	Engine *orchestration.Engine
	Store  *store.Store
	Index  *traceindex.Index
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.start)
	g.GET("", h.list)
	g.GET("/search", h.search)
	g.GET("/:id", h.get)
	g.GET("/:id/plan", h.plan)
	g.POST("/:id/decision", h.decide)
	g.POST("/:id/renegotiate", h.renegotiate)
	g.GET("/:id/stream", h.stream)
	g.GET("/:id/result", h.result)
	g.POST("/:id/cancel", h.cancel)
}

func (h *SessionsHandler) start(c echo.Context) error {
	ctx, span := sessionsTracer.Start(c.Request().Context(), "SessionsHandler.start")
	defer span.End()

	var req StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Task) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task is required")
	}

	id, err := h.Engine.StartSession(ctx, req.Task, req.Agents)
	if err != nil {
		var rce orchestration.RosterCreationError
		if errors.As(err, &rce) {
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	span.SetAttributes(attribute.String("session.id", id))
	return c.JSON(http.StatusCreated, StartSessionResponse{SessionID: id})
}

func (h *SessionsHandler) list(c echo.Context) error {
	live := h.Engine.Sessions()
	out := make([]orchestration.Record, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot(false))
		seen[s.ID] = true
	}
	// Pruned sessions survive in the store; fold them in so the listing
	// covers history, not just what the engine still holds in memory.
	if h.Store != nil {
		stored, err := h.Store.ListSessions(c.Request().Context(), 100)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		for _, s := range stored {
			if seen[s.ID] {
				continue
			}
			out = append(out, orchestration.Record{
				SessionID: s.ID,
				Task:      s.Task,
				Approval:  s.Approval,
				Execution: s.Execution,
				CreatedAt: s.CreatedAt,
				UpdatedAt: s.UpdatedAt,
			})
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := h.Engine.Session(c.Param("id"))
	if err == nil {
		return c.JSON(http.StatusOK, sess.Snapshot(false))
	}
	// Fall back to the durable record for pruned sessions.
	if h.Store != nil {
		rec, found, serr := h.Store.GetSession(c.Request().Context(), c.Param("id"))
		if serr == nil && found {
			return c.JSON(http.StatusOK, rec)
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, err.Error())
}

func (h *SessionsHandler) plan(c echo.Context) error {
	plan, err := h.Engine.ProposedPlan(c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, PlanResponse{Plan: plan, Rendering: plan.Rendering()})
}

func (h *SessionsHandler) decide(c echo.Context) error {
	_, span := sessionsTracer.Start(c.Request().Context(), "SessionsHandler.decide")
	defer span.End()

	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Engine.Decide(c.Param("id"), req.Accept); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *SessionsHandler) renegotiate(c echo.Context) error {
	if err := h.Engine.Renegotiate(c.Param("id")); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// stream follows the session's output live as Server-Sent Events. For a
// finished session the materialized trace replays in order.
func (h *SessionsHandler) stream(c echo.Context) error {
	ch, err := h.Engine.Observe(c.Param("id"))
	if err != nil {
		return sessionError(err)
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

	ctx := c.Request().Context()
	enc := newSSEWriter(resp, flusher)
	for {
		select {
		case chunk, open := <-ch:
			if !open {
				return enc.done()
			}
			if err := enc.chunk(chunk); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *SessionsHandler) result(c echo.Context) error {
	res, err := h.Engine.Result(c.Param("id"))
	if err == nil {
		return c.JSON(http.StatusOK, res)
	}
	if errors.Is(err, orchestration.ErrSessionNotFound) && h.Store != nil {
		rec, found, serr := h.Store.GetSession(c.Request().Context(), c.Param("id"))
		if serr == nil && found && rec.Execution.IsTerminal() {
			res := &orchestration.SessionResult{
				SessionID: rec.SessionID,
				Status:    rec.Execution,
				Trace:     rec.Trace,
				Final:     rec.Final,
				Teardown:  rec.Teardown,
			}
			if rec.Plan != nil {
				res.Steps = rec.Plan.Steps
			}
			return c.JSON(http.StatusOK, res)
		}
	}
	return sessionError(err)
}

func (h *SessionsHandler) cancel(c echo.Context) error {
	if err := h.Engine.Cancel(c.Param("id")); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *SessionsHandler) search(c echo.Context) error {
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trace search not enabled")
	}
	q := c.QueryParam("q")
	k := 10
	if val := strings.TrimSpace(c.QueryParam("limit")); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			k = n
		}
	}
	hits, err := h.Index.Search(q, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, hits)
}

// sessionError maps engine errors onto HTTP status codes.
func sessionError(err error) error {
	switch {
	case errors.Is(err, orchestration.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	var invalid orchestration.InvalidStateError
	if errors.As(err, &invalid) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	var notReady orchestration.NotReadyError
	if errors.As(err, &notReady) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	var inProgress orchestration.InProgressError
	if errors.As(err, &inProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
