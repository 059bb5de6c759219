package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dryonlabs/engage-bot/internal/models"
	"github.com/dryonlabs/engage-bot/internal/notify"
	"github.com/dryonlabs/engage-bot/internal/outbound"
	"github.com/dryonlabs/engage-bot/internal/storage"
)

func seedEvent(t *testing.T, store *storage.MemoryStorage, id string) *models.Event {
	t.Helper()
	event := &models.Event{
		ID:         id,
		ExternalID: "ext-" + id,
		AccountID:  "acc-1",
		Username:   "joana.silva",
		Text:       "Quanto custa?",
		Kind:       models.EventComment,
		Timestamp:  time.Now(),
		Status:     models.StatusPending,
	}
	require.NoError(t, store.CreateEvent(context.Background(), event))
	return event
}

func seedRule(store *storage.MemoryStorage, id string) {
	store.AddRule(&models.Rule{ID: id, Name: "test", Active: true})
}

func TestDeliversAfterDelay(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := outbound.NewMemorySender()
	sched := New(store, sender, notify.NoopNotifier{}, 3, time.Millisecond, zap.NewNop())
	defer sched.Stop()

	event := seedEvent(t, store, "evt-1")
	seedRule(store, "r-1")

	sched.ScheduleReply(Reply{
		EventID:       event.ID,
		RuleID:        "r-1",
		AccountID:     "acc-1",
		Recipient:     event.Username,
		Text:          "Oi @joana.silva!",
		CRMTags:       []string{"lead_quente"},
		SuccessStatus: models.StatusAutoReplied,
	}, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sender.Sent()) == 1
	}, time.Second, 5*time.Millisecond)

	updated, err := store.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAutoReplied, updated.Status)

	prospect, err := store.GetProspect(context.Background(), event.Username)
	require.NoError(t, err)
	assert.Equal(t, []string{"lead_quente"}, prospect.Tags)
}

func TestDroppedWhenStatusChangesBeforeFire(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := outbound.NewMemorySender()
	sched := New(store, sender, notify.NoopNotifier{}, 3, time.Millisecond, zap.NewNop())
	defer sched.Stop()

	event := seedEvent(t, store, "evt-1")
	seedRule(store, "r-1")

	sched.ScheduleReply(Reply{
		EventID:       event.ID,
		RuleID:        "r-1",
		AccountID:     "acc-1",
		Recipient:     event.Username,
		Text:          "too late",
		SuccessStatus: models.StatusAutoReplied,
	}, 50*time.Millisecond)

	// An operator answers by hand before the delay elapses.
	require.NoError(t, store.UpdateEventStatus(context.Background(), event.ID, models.StatusManuallyReplied))

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, sender.Sent())

	updated, err := store.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusManuallyReplied, updated.Status)
}

func TestCancelStopsTimer(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := outbound.NewMemorySender()
	sched := New(store, sender, notify.NoopNotifier{}, 3, time.Millisecond, zap.NewNop())
	defer sched.Stop()

	event := seedEvent(t, store, "evt-1")
	seedRule(store, "r-1")

	sched.ScheduleReply(Reply{
		EventID:       event.ID,
		RuleID:        "r-1",
		AccountID:     "acc-1",
		Recipient:     event.Username,
		Text:          "never sent",
		SuccessStatus: models.StatusAutoReplied,
	}, 50*time.Millisecond)
	sched.Cancel(event.ID)

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, sender.Sent())
}

func TestRetriesThenSucceeds(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := outbound.NewMemorySender()
	var failures int32 = 2
	sender.Fail = func(string) error {
		if atomic.AddInt32(&failures, -1) >= 0 {
			return &outbound.SendError{Message: "transient", Retryable: true}
		}
		return nil
	}
	sched := New(store, sender, notify.NoopNotifier{}, 3, time.Millisecond, zap.NewNop())
	defer sched.Stop()

	event := seedEvent(t, store, "evt-1")
	seedRule(store, "r-1")

	sched.ScheduleReply(Reply{
		EventID:       event.ID,
		RuleID:        "r-1",
		AccountID:     "acc-1",
		Recipient:     event.Username,
		Text:          "eventually delivered",
		SuccessStatus: models.StatusAutoReplied,
	}, time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sender.Sent()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestExhaustedRetriesSurfaceFailure(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := outbound.NewMemorySender()
	sender.Fail = func(string) error {
		return &outbound.SendError{Message: "api down", Retryable: true}
	}
	sched := New(store, sender, notify.NoopNotifier{}, 3, time.Millisecond, zap.NewNop())
	defer sched.Stop()

	event := seedEvent(t, store, "evt-1")
	seedRule(store, "r-1")

	sched.ScheduleReply(Reply{
		EventID:       event.ID,
		RuleID:        "r-1",
		AccountID:     "acc-1",
		Recipient:     event.Username,
		Text:          "never arrives",
		SuccessStatus: models.StatusAutoReplied,
	}, time.Millisecond)

	require.Eventually(t, func() bool {
		updated, err := store.GetEvent(context.Background(), event.ID)
		return err == nil && updated.Status == models.StatusDeliveryFailed
	}, time.Second, 5*time.Millisecond)
}

func TestStepMessageSkippedAfterTakeover(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := outbound.NewMemorySender()
	sched := New(store, sender, notify.NoopNotifier{}, 3, time.Millisecond, zap.NewNop())
	defer sched.Stop()

	session := &models.Session{
		ID:             "ses-1",
		AccountID:      "acc-1",
		Username:       "marcos_fit",
		Status:         models.SessionWaitingReply,
		LastActivityAt: time.Now(),
	}
	require.NoError(t, store.SaveSession(context.Background(), session))

	sched.ScheduleStepMessage(StepMessage{
		SessionID: session.ID,
		AccountID: "acc-1",
		Recipient: session.Username,
		Text:      "next step",
	}, 50*time.Millisecond)

	session.Status = models.SessionHumanTakeover
	require.NoError(t, store.SaveSession(context.Background(), session))

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, sender.Sent())
}

func TestStepMessageSkippedAfterEscalation(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := outbound.NewMemorySender()
	sched := New(store, sender, notify.NoopNotifier{}, 3, time.Millisecond, zap.NewNop())
	defer sched.Stop()

	session := &models.Session{
		ID:             "ses-1",
		AccountID:      "acc-1",
		Username:       "marcos_fit",
		Status:         models.SessionWaitingReply,
		LastActivityAt: time.Now(),
	}
	require.NoError(t, store.SaveSession(context.Background(), session))

	sched.ScheduleStepMessage(StepMessage{
		SessionID: session.ID,
		AccountID: "acc-1",
		Recipient: session.Username,
		Text:      "next step",
	}, 50*time.Millisecond)

	// The session escalates to a human while the message is pending.
	session.Status = models.SessionEscalated
	require.NoError(t, store.SaveSession(context.Background(), session))

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, sender.Sent())
}

func TestRescheduleReplacesPendingMessage(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := outbound.NewMemorySender()
	sched := New(store, sender, notify.NoopNotifier{}, 3, time.Millisecond, zap.NewNop())

	session := &models.Session{
		ID:             "ses-1",
		AccountID:      "acc-1",
		Username:       "marcos_fit",
		Status:         models.SessionWaitingReply,
		LastActivityAt: time.Now(),
	}
	require.NoError(t, store.SaveSession(context.Background(), session))

	// A quick user reply reschedules the session's message before the
	// first one fires; only the newest message may go out.
	sched.ScheduleStepMessage(StepMessage{
		SessionID: session.ID,
		AccountID: "acc-1",
		Recipient: session.Username,
		Text:      "superseded",
	}, 500*time.Millisecond)
	sched.ScheduleStepMessage(StepMessage{
		SessionID: session.ID,
		AccountID: "acc-1",
		Recipient: session.Username,
		Text:      "current step",
	}, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sender.Sent()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "current step", sender.Sent()[0].Text)

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after a pending message was replaced")
	}
}

type recordingNotifier struct {
	notify.NoopNotifier

	mu           sync.Mutex
	stepFailures []string
}

func (n *recordingNotifier) StepDeliveryFailed(session *models.Session, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stepFailures = append(n.stepFailures, session.ID)
}

func (n *recordingNotifier) failures() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.stepFailures...)
}

func TestStepMessageFailureAlertsOperator(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := outbound.NewMemorySender()
	sender.Fail = func(string) error {
		return &outbound.SendError{Message: "api down", Retryable: false}
	}
	notifier := &recordingNotifier{}
	sched := New(store, sender, notifier, 3, time.Millisecond, zap.NewNop())
	defer sched.Stop()

	session := &models.Session{
		ID:             "ses-1",
		AccountID:      "acc-1",
		Username:       "marcos_fit",
		Status:         models.SessionWaitingReply,
		LastActivityAt: time.Now(),
	}
	require.NoError(t, store.SaveSession(context.Background(), session))

	sched.ScheduleStepMessage(StepMessage{
		SessionID: session.ID,
		AccountID: "acc-1",
		Recipient: session.Username,
		Text:      "never arrives",
	}, time.Millisecond)

	require.Eventually(t, func() bool {
		return len(notifier.failures()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ses-1"}, notifier.failures())
}

func TestPersonalizeTemplate(t *testing.T) {
	out := PersonalizeTemplate("Olá @{{username}}! Te mandei detalhes por DM", "joana.silva")
	assert.Equal(t, "Olá @joana.silva! Te mandei detalhes por DM", out)
}
