package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dryonlabs/engage-bot/internal/classifier"
	"github.com/dryonlabs/engage-bot/internal/dispatch"
	"github.com/dryonlabs/engage-bot/internal/escalation"
	"github.com/dryonlabs/engage-bot/internal/flow"
	"github.com/dryonlabs/engage-bot/internal/models"
	"github.com/dryonlabs/engage-bot/internal/notify"
	"github.com/dryonlabs/engage-bot/internal/outbound"
	"github.com/dryonlabs/engage-bot/internal/quota"
	"github.com/dryonlabs/engage-bot/internal/scheduler"
	"github.com/dryonlabs/engage-bot/internal/storage"
)

type serverFixture struct {
	server *Server
	store  *storage.MemoryStorage
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	store := storage.NewMemoryStorage()
	sender := outbound.NewMemorySender()
	tracker := quota.NewTracker(time.UTC)
	sched := scheduler.New(store, sender, notify.NoopNotifier{}, 3, time.Millisecond, zap.NewNop())
	queue := escalation.NewQueue(store, notify.NoopNotifier{}, zap.NewNop())
	flows := flow.NewEngine(store, sched, queue, time.Millisecond, zap.NewNop())

	dispatcher, err := dispatch.New(store, classifier.NewKeywordClassifier(), tracker, sched, flows, queue, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		flows.Stop()
		sched.Stop()
	})

	return &serverFixture{
		server: New(dispatcher, queue, flows, "segredo-123", zap.NewNop()),
		store:  store,
	}
}

func (f *serverFixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestVerifyHandshake(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=segredo-123&hub.challenge=42abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42abc", rec.Body.String())
}

func TestVerifyHandshakeRejectsBadToken(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=errado&hub.challenge=42abc", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/webhook?hub.mode=other&hub.verify_token=segredo-123&hub.challenge=42abc", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookIngestsEvents(t *testing.T) {
	f := newServerFixture(t)

	payload := `{"account_id":"acc-1","events":[{"id":"cmt-1","username":"joana.silva","text":"Amei! Produto maravilhoso","kind":"comment"}]}`
	rec := f.do(http.MethodPost, "/webhook", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK       bool `json:"ok"`
		Accepted int  `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, 1, resp.Accepted)

	// Redelivery of the same external id is acknowledged without a second
	// ingestion.
	rec = f.do(http.MethodPost, "/webhook", payload)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookDropsMalformedEvents(t *testing.T) {
	f := newServerFixture(t)

	payload := `{"account_id":"acc-1","events":[{"id":"","username":"x","text":"hi","kind":"comment"},{"id":"e-1","username":"x","text":"hi","kind":"story"}]}`
	rec := f.do(http.MethodPost, "/webhook", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Accepted int `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Accepted)
}

func TestEscalationSurface(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateEscalation(ctx, &models.Escalation{
		ID:        "e-1",
		AccountID: "acc-1",
		Username:  "paula_pf",
		Reason:    "rule: Reclamação → Escalar",
		CreatedAt: time.Now(),
	}))

	rec := f.do(http.MethodGet, "/escalations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "e-1")

	rec = f.do(http.MethodPost, "/escalations/e-1/claim", `{"agent_id":"agent-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Second agent cannot steal the claim.
	rec = f.do(http.MethodPost, "/escalations/e-1/claim", `{"agent_id":"agent-2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/escalations/e-1/close", `{"agent_id":"agent-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/escalations/e-1/claim", `{"agent_id":"agent-2"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionOperatorSurface(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	session := &models.Session{
		ID:             "ses-1",
		AccountID:      "acc-1",
		Username:       "vitor.sales",
		Status:         models.SessionWaitingReply,
		LastActivityAt: time.Now(),
	}
	require.NoError(t, f.store.SaveSession(ctx, session))

	rec := f.do(http.MethodPost, "/sessions/ses-1/takeover", `{"agent_id":"agent-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := f.store.GetSession(ctx, "ses-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionHumanTakeover, updated.Status)
	assert.Equal(t, "agent-1", updated.AssignedAgentID)

	rec = f.do(http.MethodPost, "/sessions/ses-1/close", "")
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err = f.store.GetSession(ctx, "ses-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, updated.Status)

	// Takeover after completion is refused.
	rec = f.do(http.MethodPost, "/sessions/ses-1/takeover", `{"agent_id":"agent-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/sessions/missing/takeover", `{"agent_id":"agent-1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
