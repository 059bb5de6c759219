// Package scheduler defers outbound actions by the configured humanized
// delay and delivers them, unless the target moved on in the meantime.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dryonlabs/engage-bot/internal/models"
	"github.com/dryonlabs/engage-bot/internal/notify"
	"github.com/dryonlabs/engage-bot/internal/outbound"
	"github.com/dryonlabs/engage-bot/internal/storage"
)

// Reply is a deferred rule action against one event.
type Reply struct {
	EventID       string
	RuleID        string
	AccountID     string
	Recipient     string
	Text          string
	CRMTags       []string
	SuccessStatus models.ActionStatus
}

// StepMessage is a deferred scripted flow message for one session.
type StepMessage struct {
	SessionID string
	AccountID string
	Recipient string
	Text      string
}

type Scheduler struct {
	storage     storage.Storage
	sender      outbound.Sender
	notifier    notify.Notifier
	logger      *zap.Logger
	maxAttempts int
	backoffBase time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

func New(store storage.Storage, sender outbound.Sender, notifier notify.Notifier, maxAttempts int, backoffBase time.Duration, logger *zap.Logger) *Scheduler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Scheduler{
		storage:     store,
		sender:      sender,
		notifier:    notifier,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		timers:      make(map[string]*time.Timer),
	}
}

// ScheduleReply queues a rule reply behind the humanized delay. At fire time
// the event's status is re-read: anything but pending means an operator or
// another path already handled it, and the reply is dropped.
func (s *Scheduler) ScheduleReply(reply Reply, delay time.Duration) {
	s.schedule("event:"+reply.EventID, delay, func() {
		s.fireReply(reply)
	})
}

// ScheduleStepMessage queues a flow step message. Sessions that left
// automation (takeover, completed) by fire time are skipped.
func (s *Scheduler) ScheduleStepMessage(msg StepMessage, delay time.Duration) {
	s.schedule("session-msg:"+msg.SessionID, delay, func() {
		s.fireStepMessage(msg)
	})
}

// Cancel drops a pending reply for the event, e.g. after a manual reply.
func (s *Scheduler) Cancel(eventID string) {
	s.cancelKey("event:" + eventID)
}

func (s *Scheduler) schedule(key string, delay time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Rescheduling a key supersedes the pending action: only the newest
	// scripted message or reply for that key should go out.
	if existing, ok := s.timers[key]; ok {
		if existing.Stop() {
			s.wg.Done()
		}
	}

	s.wg.Add(1)
	s.timers[key] = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()

		fire()
	})
}

func (s *Scheduler) cancelKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[key]; ok {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key)
	}
}

// Stop cancels all pending timers and waits for in-flight deliveries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for key, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) fireReply(reply Reply) {
	ctx := context.Background()

	event, err := s.storage.GetEvent(ctx, reply.EventID)
	if err != nil {
		s.logger.Error("Scheduled reply lost its event",
			zap.Error(err),
			zap.String("event_id", reply.EventID))
		return
	}

	// Optimistic cancellation: the status check and the commit happen here,
	// at fire time, not when the action was scheduled.
	if event.Status != models.StatusPending {
		s.logger.Info("Dropping scheduled reply, event moved on",
			zap.String("event_id", reply.EventID),
			zap.String("status", string(event.Status)))
		return
	}

	if err := s.deliver(ctx, reply.AccountID, reply.Recipient, reply.Text); err != nil {
		s.logger.Error("Reply delivery failed after retries",
			zap.Error(err),
			zap.String("event_id", reply.EventID),
			zap.String("rule_id", reply.RuleID))
		if err := s.storage.UpdateEventStatus(ctx, reply.EventID, models.StatusDeliveryFailed); err != nil {
			s.logger.Error("Failed to mark delivery failure",
				zap.Error(err),
				zap.String("event_id", reply.EventID))
		}
		s.notifier.DeliveryFailed(event, err.Error())
		return
	}

	if err := s.storage.UpdateEventStatus(ctx, reply.EventID, reply.SuccessStatus); err != nil {
		s.logger.Error("Failed to update event status after delivery",
			zap.Error(err),
			zap.String("event_id", reply.EventID))
	}
	if err := s.storage.IncrementRuleReplies(ctx, reply.RuleID); err != nil {
		s.logger.Error("Failed to bump rule reply counters",
			zap.Error(err),
			zap.String("rule_id", reply.RuleID))
	}
	if len(reply.CRMTags) > 0 {
		if err := s.storage.AddProspectTags(ctx, event.Username, reply.CRMTags); err != nil {
			s.logger.Error("Failed to attach CRM tags",
				zap.Error(err),
				zap.String("username", event.Username))
		}
	}

	s.logger.Info("Delivered scheduled reply",
		zap.String("event_id", reply.EventID),
		zap.String("rule_id", reply.RuleID),
		zap.String("status", string(reply.SuccessStatus)))
}

func (s *Scheduler) fireStepMessage(msg StepMessage) {
	ctx := context.Background()

	session, err := s.storage.GetSession(ctx, msg.SessionID)
	if err != nil {
		s.logger.Error("Scheduled step message lost its session",
			zap.Error(err),
			zap.String("session_id", msg.SessionID))
		return
	}
	// Escalated sessions are out of automation too: a human owns the
	// conversation from the moment the escalation was queued.
	if session.Status.Terminal() || session.Status == models.SessionEscalated {
		s.logger.Info("Dropping step message, session left automation",
			zap.String("session_id", msg.SessionID),
			zap.String("status", string(session.Status)))
		return
	}

	if err := s.deliver(ctx, msg.AccountID, msg.Recipient, msg.Text); err != nil {
		s.logger.Error("Step message delivery failed after retries",
			zap.Error(err),
			zap.String("session_id", msg.SessionID))
		s.notifier.StepDeliveryFailed(session, err.Error())
	}
}

// deliver calls the send API with bounded exponential backoff. It gives up
// early on errors the sender marks non-retryable.
func (s *Scheduler) deliver(ctx context.Context, accountID, recipient, text string) error {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.backoffBase << (attempt - 1))
		}

		lastErr = s.sender.Send(ctx, accountID, recipient, text)
		if lastErr == nil {
			return nil
		}

		var sendErr *outbound.SendError
		if errors.As(lastErr, &sendErr) && !sendErr.Retryable {
			return lastErr
		}
	}
	return lastErr
}

// PersonalizeTemplate fills the {{username}} placeholder the product's reply
// templates use.
func PersonalizeTemplate(template, username string) string {
	return strings.ReplaceAll(template, "{{username}}", username)
}
