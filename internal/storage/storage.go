package storage

import (
	"context"
	"errors"

	"github.com/dryonlabs/engage-bot/internal/models"
)

// dayLayout stamps the replies_today counter with the day it belongs to.
const dayLayout = "2006-01-02"

var (
	// ErrDuplicateEvent is returned when an external event id was already
	// ingested. Callers treat it as a no-op, not a failure.
	ErrDuplicateEvent = errors.New("duplicate event id")

	ErrNotFound = errors.New("not found")
)

type Storage interface {
	// Events. CreateEvent enforces external-id uniqueness (the dedup key).
	CreateEvent(ctx context.Context, event *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	UpdateEventStatus(ctx context.Context, id string, status models.ActionStatus) error
	AttachClassification(ctx context.Context, eventID string, c *models.Classification) error

	// Rules. ListActiveRules returns an independent snapshot: mutating the
	// returned rules must never affect stored state.
	ListActiveRules(ctx context.Context) ([]*models.Rule, error)
	IncrementRuleMatches(ctx context.Context, ruleID string) error
	IncrementRuleReplies(ctx context.Context, ruleID string) error

	// Flows and sessions.
	ListActiveFlows(ctx context.Context) ([]*models.Flow, error)
	GetSessionByUser(ctx context.Context, accountID, username string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error

	// CRM. AddProspectTags is append-only and idempotent per (username, tag).
	AddProspectTags(ctx context.Context, username string, tags []string) error
	GetProspect(ctx context.Context, username string) (*models.Prospect, error)

	// Escalation queue persistence.
	CreateEscalation(ctx context.Context, esc *models.Escalation) error
	UpdateEscalation(ctx context.Context, esc *models.Escalation) error
	ListOpenEscalations(ctx context.Context) ([]*models.Escalation, error)

	// Accounts.
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error

	Close() error
}
