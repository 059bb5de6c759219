// Package server is the HTTP boundary: webhook ingress from the platform
// and the operator surface for escalations and sessions.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/dryonlabs/engage-bot/internal/dispatch"
	"github.com/dryonlabs/engage-bot/internal/escalation"
	"github.com/dryonlabs/engage-bot/internal/flow"
	"github.com/dryonlabs/engage-bot/internal/models"
	"github.com/dryonlabs/engage-bot/internal/storage"
)

type Server struct {
	echo        *echo.Echo
	dispatcher  *dispatch.Dispatcher
	queue       *escalation.Queue
	flows       *flow.Engine
	verifyToken string
	logger      *zap.Logger
}

func New(dispatcher *dispatch.Dispatcher, queue *escalation.Queue, flows *flow.Engine, verifyToken string, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:        e,
		dispatcher:  dispatcher,
		queue:       queue,
		flows:       flows,
		verifyToken: verifyToken,
		logger:      logger,
	}

	e.GET("/webhook", s.handleVerify)
	e.POST("/webhook", s.handleWebhook)
	e.GET("/escalations", s.handleListEscalations)
	e.POST("/escalations/:id/claim", s.handleClaim)
	e.POST("/escalations/:id/release", s.handleRelease)
	e.POST("/escalations/:id/close", s.handleCloseEscalation)
	e.POST("/sessions/:id/takeover", s.handleTakeover)
	e.POST("/sessions/:id/close", s.handleCloseSession)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})

	return s
}

func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the assembled routes, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleVerify answers the platform's subscription handshake: the challenge
// is echoed back only when the caller knows the configured verify token.
func (s *Server) handleVerify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if mode == "subscribe" && token != "" && s.verifyToken != "" && token == s.verifyToken {
		return c.String(http.StatusOK, challenge)
	}

	s.logger.Warn("Rejected webhook verification", zap.String("mode", mode))
	return c.JSON(http.StatusForbidden, map[string]string{"error": "webhook verify failed"})
}

type webhookEvent struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

type webhookPayload struct {
	AccountID string         `json:"account_id"`
	Events    []webhookEvent `json:"events"`
}

func (s *Server) handleWebhook(c echo.Context) error {
	var payload webhookPayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	}

	accepted := 0
	for _, we := range payload.Events {
		if we.ID == "" || we.Username == "" {
			s.logger.Warn("Dropping webhook event without id or username",
				zap.String("account_id", payload.AccountID))
			continue
		}

		kind := models.EventKind(we.Kind)
		if kind != models.EventComment && kind != models.EventDM {
			s.logger.Warn("Dropping webhook event with unknown kind",
				zap.String("external_id", we.ID),
				zap.String("kind", we.Kind))
			continue
		}

		timestamp := we.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now()
		}

		event := &models.Event{
			ID:         uuid.New().String(),
			ExternalID: we.ID,
			AccountID:  payload.AccountID,
			Username:   we.Username,
			Text:       we.Text,
			Kind:       kind,
			Timestamp:  timestamp,
		}

		if err := s.dispatcher.Process(c.Request().Context(), event); err != nil {
			s.logger.Error("Failed to process webhook event",
				zap.Error(err),
				zap.String("external_id", we.ID))
			continue
		}
		accepted++
	}

	return c.JSON(http.StatusOK, map[string]any{"ok": true, "accepted": accepted})
}

func (s *Server) handleListEscalations(c echo.Context) error {
	open, err := s.queue.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"escalations": open})
}

type agentRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleClaim(c echo.Context) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil || req.AgentID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
	}

	esc, err := s.queue.Claim(c.Request().Context(), c.Param("id"), req.AgentID)
	if errors.Is(err, escalation.ErrAlreadyClaimed) {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no claimable escalation"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, esc)
}

func (s *Server) handleRelease(c echo.Context) error {
	return s.agentAction(c, s.queue.Release)
}

func (s *Server) handleCloseEscalation(c echo.Context) error {
	return s.agentAction(c, s.queue.Close)
}

func (s *Server) agentAction(c echo.Context, action func(context.Context, string, string) error) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil || req.AgentID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
	}

	err := action(c.Request().Context(), c.Param("id"), req.AgentID)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "escalation not found"})
	}
	if errors.Is(err, escalation.ErrNotClaimedBy) {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTakeover(c echo.Context) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil || req.AgentID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
	}

	err := s.flows.Takeover(c.Request().Context(), c.Param("id"), req.AgentID)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	if errors.Is(err, flow.ErrSessionFinished) {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCloseSession(c echo.Context) error {
	err := s.flows.CloseSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
