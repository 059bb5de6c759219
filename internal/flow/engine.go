package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dryonlabs/engage-bot/internal/escalation"
	"github.com/dryonlabs/engage-bot/internal/models"
	"github.com/dryonlabs/engage-bot/internal/scheduler"
	"github.com/dryonlabs/engage-bot/internal/storage"
)

var ErrSessionFinished = errors.New("session already completed")

// Engine owns all session state transitions. Transitions for one
// (account, username) key are serialized behind a per-key lock, so a session
// behaves like a single-threaded actor even when webhook deliveries race.
type Engine struct {
	storage   storage.Storage
	scheduler *scheduler.Scheduler
	queue     *escalation.Queue
	logger    *zap.Logger
	stepDelay time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// timeouts tracks the armed step-timeout timer per session id.
	timeouts map[string]*time.Timer
}

func NewEngine(store storage.Storage, sched *scheduler.Scheduler, queue *escalation.Queue, stepDelay time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		storage:   store,
		scheduler: sched,
		queue:     queue,
		logger:    logger,
		stepDelay: stepDelay,
		locks:     make(map[string]*sync.Mutex),
		timeouts:  make(map[string]*time.Timer),
	}
}

func (e *Engine) sessionLock(accountID, username string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := accountID + "/" + username
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

// HandleInboundDM routes one inbound DM through the session machinery.
// It returns true when a flow session consumed the event; false means no
// flow applies and the caller should fall back to rule dispatch.
func (e *Engine) HandleInboundDM(ctx context.Context, event *models.Event) (bool, error) {
	lock := e.sessionLock(event.AccountID, event.Username)
	lock.Lock()
	defer lock.Unlock()

	session, err := e.storage.GetSessionByUser(ctx, event.AccountID, event.Username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("load session: %w", err)
	}

	if errors.Is(err, storage.ErrNotFound) || session.Status.Terminal() {
		return e.startSession(ctx, event)
	}

	// Escalated and human-takeover sessions belong to an agent; automation
	// only records the activity.
	if session.Status == models.SessionEscalated || session.Status == models.SessionHumanTakeover {
		session.MessageCount++
		session.LastActivityAt = time.Now()
		if err := e.storage.SaveSession(ctx, session); err != nil {
			return false, fmt.Errorf("save session: %w", err)
		}
		e.markEvent(ctx, event.ID, models.StatusIgnored)
		return true, nil
	}

	flow, err := e.flowByID(ctx, session.FlowID)
	if err != nil {
		return false, err
	}
	if flow == nil {
		// The bound flow was archived mid-conversation; hand the user over.
		if err := e.escalateSession(ctx, session, "flow no longer active"); err != nil {
			return true, err
		}
		e.markEvent(ctx, event.ID, models.StatusEscalated)
		return true, nil
	}

	e.clearTimeout(session.ID)

	decision := Advance(*session, *flow, event.Text)
	decision.Session.LastActivityAt = time.Now()
	if err := e.storage.SaveSession(ctx, &decision.Session); err != nil {
		return false, fmt.Errorf("save session: %w", err)
	}

	e.applyDecision(ctx, &decision, flow)
	if decision.Escalate {
		e.markEvent(ctx, event.ID, models.StatusEscalated)
	} else {
		e.markEvent(ctx, event.ID, models.StatusAutoReplied)
	}
	return true, nil
}

func (e *Engine) startSession(ctx context.Context, event *models.Event) (bool, error) {
	flows, err := e.storage.ListActiveFlows(ctx)
	if err != nil {
		return false, fmt.Errorf("list flows: %w", err)
	}

	flow := SelectFlow(flows, event.Text)
	if flow == nil || len(flow.Steps) == 0 {
		return false, nil
	}

	now := time.Now()
	session := &models.Session{
		ID:             uuid.New().String(),
		AccountID:      event.AccountID,
		Username:       event.Username,
		Status:         models.SessionWaitingReply,
		FlowID:         flow.ID,
		StepIndex:      0,
		MessageCount:   1,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := e.storage.SaveSession(ctx, session); err != nil {
		return false, fmt.Errorf("save session: %w", err)
	}

	e.logger.Info("Started flow session",
		zap.String("session_id", session.ID),
		zap.String("flow_id", flow.ID),
		zap.String("username", event.Username))

	e.scheduler.ScheduleStepMessage(scheduler.StepMessage{
		SessionID: session.ID,
		AccountID: session.AccountID,
		Recipient: session.Username,
		Text:      flow.Steps[0].Message,
	}, e.stepDelay)
	e.armTimeout(session, flow.Steps[0], 0)
	e.markEvent(ctx, event.ID, models.StatusAutoReplied)

	return true, nil
}

// markEvent resolves a flow-consumed event so it never stays pending.
func (e *Engine) markEvent(ctx context.Context, eventID string, status models.ActionStatus) {
	if err := e.storage.UpdateEventStatus(ctx, eventID, status); err != nil {
		e.logger.Warn("Failed to resolve event consumed by flow",
			zap.Error(err),
			zap.String("event_id", eventID),
			zap.String("status", string(status)))
	}
}

func (e *Engine) applyDecision(ctx context.Context, decision *Decision, flow *models.Flow) {
	session := &decision.Session

	switch {
	case decision.Escalate:
		if err := e.enqueueEscalation(ctx, session, decision.Reason); err != nil {
			e.logger.Error("Failed to enqueue session escalation",
				zap.Error(err),
				zap.String("session_id", session.ID))
		}
	case decision.SendMessage != "":
		e.scheduler.ScheduleStepMessage(scheduler.StepMessage{
			SessionID: session.ID,
			AccountID: session.AccountID,
			Recipient: session.Username,
			Text:      decision.SendMessage,
		}, e.stepDelay)
		e.armTimeout(session, flow.Steps[decision.NextStep], decision.NextStep)
	case session.Status == models.SessionCompleted:
		e.logger.Info("Flow session completed",
			zap.String("session_id", session.ID),
			zap.String("flow_id", session.FlowID))
	}
}

// Takeover forces human control. Allowed from any state except completed.
func (e *Engine) Takeover(ctx context.Context, sessionID, agentID string) error {
	session, err := e.storage.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	lock := e.sessionLock(session.AccountID, session.Username)
	lock.Lock()
	defer lock.Unlock()

	session, err = e.storage.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == models.SessionCompleted {
		return ErrSessionFinished
	}

	e.clearTimeout(session.ID)
	session.Status = models.SessionHumanTakeover
	session.AssignedAgentID = agentID
	session.LastActivityAt = time.Now()
	if err := e.storage.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	e.logger.Info("Session taken over by agent",
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID))
	return nil
}

// CloseSession forces completed from any non-terminal state.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	session, err := e.storage.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	lock := e.sessionLock(session.AccountID, session.Username)
	lock.Lock()
	defer lock.Unlock()

	session, err = e.storage.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return nil
	}

	e.clearTimeout(session.ID)
	session.Status = models.SessionCompleted
	session.LastActivityAt = time.Now()
	if err := e.storage.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Stop cancels all armed step timeouts.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timer := range e.timeouts {
		timer.Stop()
		delete(e.timeouts, id)
	}
}

func (e *Engine) armTimeout(session *models.Session, step models.FlowStep, stepIndex int) {
	if step.TimeoutSeconds <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.timeouts[session.ID]; ok {
		existing.Stop()
	}

	sessionID := session.ID
	accountID := session.AccountID
	username := session.Username
	e.timeouts[sessionID] = time.AfterFunc(time.Duration(step.TimeoutSeconds)*time.Second, func() {
		e.fireTimeout(sessionID, accountID, username, stepIndex)
	})
}

func (e *Engine) clearTimeout(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timeouts[sessionID]; ok {
		timer.Stop()
		delete(e.timeouts, sessionID)
	}
}

func (e *Engine) fireTimeout(sessionID, accountID, username string, stepIndex int) {
	ctx := context.Background()

	lock := e.sessionLock(accountID, username)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	delete(e.timeouts, sessionID)
	e.mu.Unlock()

	session, err := e.storage.GetSession(ctx, sessionID)
	if err != nil {
		e.logger.Error("Step timeout fired for missing session",
			zap.Error(err),
			zap.String("session_id", sessionID))
		return
	}

	// A fresh reply advanced the session between arming and firing.
	if session.Status != models.SessionWaitingReply || session.StepIndex != stepIndex {
		return
	}

	if err := e.escalateSession(ctx, session, "step reply timed out"); err != nil {
		e.logger.Error("Failed to escalate timed-out session",
			zap.Error(err),
			zap.String("session_id", sessionID))
	}
}

func (e *Engine) escalateSession(ctx context.Context, session *models.Session, reason string) error {
	session.Status = models.SessionEscalated
	session.LastActivityAt = time.Now()
	if err := e.storage.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return e.enqueueEscalation(ctx, session, reason)
}

func (e *Engine) enqueueEscalation(ctx context.Context, session *models.Session, reason string) error {
	_, err := e.queue.Enqueue(ctx, &models.Escalation{
		SessionID: session.ID,
		AccountID: session.AccountID,
		Username:  session.Username,
		Reason:    reason,
	})
	return err
}

func (e *Engine) flowByID(ctx context.Context, id string) (*models.Flow, error) {
	flows, err := e.storage.ListActiveFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	for _, f := range flows {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, nil
}
