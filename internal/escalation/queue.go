// Package escalation is the hand-off surface for human agents. Items are
// served oldest first and a claim is exclusive until released or closed.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dryonlabs/engage-bot/internal/models"
	"github.com/dryonlabs/engage-bot/internal/notify"
	"github.com/dryonlabs/engage-bot/internal/storage"
)

var (
	ErrAlreadyClaimed = errors.New("escalation already claimed")
	ErrNotClaimedBy   = errors.New("escalation not claimed by this agent")
)

type Queue struct {
	// mu serializes claim/release/close so two agents cannot win the same
	// item between the read and the write.
	mu       sync.Mutex
	storage  storage.Storage
	notifier notify.Notifier
	logger   *zap.Logger
}

func NewQueue(store storage.Storage, notifier notify.Notifier, logger *zap.Logger) *Queue {
	return &Queue{
		storage:  store,
		notifier: notifier,
		logger:   logger,
	}
}

// Enqueue records a new escalation and alerts the operator channel.
func (q *Queue) Enqueue(ctx context.Context, esc *models.Escalation) (*models.Escalation, error) {
	if esc.ID == "" {
		esc.ID = uuid.New().String()
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now()
	}

	if err := q.storage.CreateEscalation(ctx, esc); err != nil {
		return nil, fmt.Errorf("enqueue escalation: %w", err)
	}

	q.logger.Info("Escalated to human queue",
		zap.String("escalation_id", esc.ID),
		zap.String("username", esc.Username),
		zap.String("reason", esc.Reason))
	q.notifier.EscalationCreated(esc)

	return esc, nil
}

// List returns open items oldest first.
func (q *Queue) List(ctx context.Context) ([]*models.Escalation, error) {
	return q.storage.ListOpenEscalations(ctx)
}

// Claim hands the oldest unclaimed item, or the given item, to an agent.
// A claimed item stays invisible to other agents until Release or Close.
func (q *Queue) Claim(ctx context.Context, escalationID, agentID string) (*models.Escalation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	open, err := q.storage.ListOpenEscalations(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim escalation: %w", err)
	}

	for _, esc := range open {
		if escalationID != "" && esc.ID != escalationID {
			continue
		}
		if esc.AssignedAgentID != "" && esc.AssignedAgentID != agentID {
			if escalationID != "" {
				return nil, ErrAlreadyClaimed
			}
			continue
		}

		esc.AssignedAgentID = agentID
		if err := q.storage.UpdateEscalation(ctx, esc); err != nil {
			return nil, fmt.Errorf("claim escalation: %w", err)
		}
		return esc, nil
	}

	return nil, storage.ErrNotFound
}

func (q *Queue) Release(ctx context.Context, escalationID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	esc, err := q.find(ctx, escalationID)
	if err != nil {
		return err
	}
	if esc.AssignedAgentID != agentID {
		return ErrNotClaimedBy
	}

	esc.AssignedAgentID = ""
	if err := q.storage.UpdateEscalation(ctx, esc); err != nil {
		return fmt.Errorf("release escalation: %w", err)
	}
	return nil
}

func (q *Queue) Close(ctx context.Context, escalationID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	esc, err := q.find(ctx, escalationID)
	if err != nil {
		return err
	}
	if esc.AssignedAgentID != "" && esc.AssignedAgentID != agentID {
		return ErrNotClaimedBy
	}

	esc.Closed = true
	if err := q.storage.UpdateEscalation(ctx, esc); err != nil {
		return fmt.Errorf("close escalation: %w", err)
	}
	return nil
}

func (q *Queue) find(ctx context.Context, escalationID string) (*models.Escalation, error) {
	open, err := q.storage.ListOpenEscalations(ctx)
	if err != nil {
		return nil, err
	}
	for _, esc := range open {
		if esc.ID == escalationID {
			return esc, nil
		}
	}
	return nil, storage.ErrNotFound
}
