// Package dispatch runs the per-event automation pipeline: dedup, classify,
// rule matching under quota, and hand-off to the scheduler, flow engine or
// escalation queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dryonlabs/engage-bot/internal/classifier"
	"github.com/dryonlabs/engage-bot/internal/escalation"
	"github.com/dryonlabs/engage-bot/internal/flow"
	"github.com/dryonlabs/engage-bot/internal/models"
	"github.com/dryonlabs/engage-bot/internal/quota"
	"github.com/dryonlabs/engage-bot/internal/scheduler"
	"github.com/dryonlabs/engage-bot/internal/storage"
)

const dedupCacheSize = 4096

type Dispatcher struct {
	storage    storage.Storage
	classifier classifier.Classifier
	keyword    *classifier.KeywordClassifier
	quota      *quota.Tracker
	scheduler  *scheduler.Scheduler
	flows      *flow.Engine
	queue      *escalation.Queue
	logger     *zap.Logger

	// seen is a fast-path dedup cache in front of the storage unique
	// constraint, which stays authoritative across restarts.
	seen *lru.Cache[string, struct{}]
}

func New(
	store storage.Storage,
	clf classifier.Classifier,
	tracker *quota.Tracker,
	sched *scheduler.Scheduler,
	flows *flow.Engine,
	queue *escalation.Queue,
	logger *zap.Logger,
) (*Dispatcher, error) {
	seen, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	return &Dispatcher{
		storage:    store,
		classifier: clf,
		keyword:    classifier.NewKeywordClassifier(),
		quota:      tracker,
		scheduler:  sched,
		flows:      flows,
		queue:      queue,
		logger:     logger,
		seen:       seen,
	}, nil
}

// Process ingests and dispatches one inbound event. Duplicate external ids
// are acknowledged without side effects. Events that match no rule (or only
// quota-exhausted rules) stay pending for manual handling; that is a normal
// outcome, not an error.
func (d *Dispatcher) Process(ctx context.Context, event *models.Event) error {
	if _, dup := d.seen.Get(event.ExternalID); dup {
		d.logger.Debug("Skipping duplicate event", zap.String("external_id", event.ExternalID))
		return nil
	}

	event.Status = models.StatusPending
	if err := d.storage.CreateEvent(ctx, event); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			d.seen.Add(event.ExternalID, struct{}{})
			d.logger.Debug("Skipping duplicate event", zap.String("external_id", event.ExternalID))
			return nil
		}
		return fmt.Errorf("ingest event: %w", err)
	}
	d.seen.Add(event.ExternalID, struct{}{})

	account, err := d.storage.GetAccount(ctx, event.AccountID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load account: %w", err)
	}
	if !automationEnabled(account, event.Kind) {
		d.logger.Info("Automation disabled for account, leaving event pending",
			zap.String("event_id", event.ID),
			zap.String("account_id", event.AccountID),
			zap.String("kind", string(event.Kind)))
		return nil
	}

	clf := d.classifier
	if account != nil && !account.AIClassification {
		clf = d.keyword
	}
	classification := clf.Classify(ctx, event.Text)
	event.Classification = &classification
	if err := d.storage.AttachClassification(ctx, event.ID, &classification); err != nil {
		return fmt.Errorf("attach classification: %w", err)
	}

	d.logger.Info("Classified event",
		zap.String("event_id", event.ID),
		zap.String("label", string(classification.Label)),
		zap.Float64("confidence", classification.Confidence),
		zap.Float64("sentiment", classification.Sentiment),
		zap.Float64("purchase_intent", classification.PurchaseIntent))

	if event.Kind == models.EventDM {
		handled, err := d.flows.HandleInboundDM(ctx, event)
		if err != nil {
			return fmt.Errorf("flow engine: %w", err)
		}
		if handled {
			return nil
		}
	}

	return d.dispatchRules(ctx, event)
}

// dispatchRules walks the active-rule snapshot in priority order and fires
// at most one rule. Quota-exhausted rules are skipped, not counted as
// matches, and the walk keeps going.
func (d *Dispatcher) dispatchRules(ctx context.Context, event *models.Event) error {
	rules, err := d.storage.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("load rule snapshot: %w", err)
	}
	SortRules(rules)

	for _, rule := range rules {
		if !MatchesTrigger(rule.Trigger, event) {
			continue
		}

		if !d.quota.TryReserve(rule.ID, rule.MaxRepliesPerDay) {
			d.logger.Info("Rule quota exhausted, trying next rule",
				zap.String("rule_id", rule.ID),
				zap.String("event_id", event.ID))
			continue
		}

		if err := d.storage.IncrementRuleMatches(ctx, rule.ID); err != nil {
			d.logger.Error("Failed to bump rule match counter",
				zap.Error(err),
				zap.String("rule_id", rule.ID))
		}

		d.logger.Info("Rule matched",
			zap.String("rule_id", rule.ID),
			zap.String("rule_name", rule.Name),
			zap.String("event_id", event.ID),
			zap.String("action", string(rule.ActionType)))

		return d.act(ctx, event, rule)
	}

	d.logger.Info("No rule matched, leaving event pending",
		zap.String("event_id", event.ID))
	return nil
}

func (d *Dispatcher) act(ctx context.Context, event *models.Event, rule *models.Rule) error {
	switch rule.ActionType {
	case models.ActionEscalate:
		if err := d.storage.UpdateEventStatus(ctx, event.ID, models.StatusEscalated); err != nil {
			return fmt.Errorf("mark escalated: %w", err)
		}
		_, err := d.queue.Enqueue(ctx, &models.Escalation{
			EventID:   event.ID,
			AccountID: event.AccountID,
			Username:  event.Username,
			Reason:    "rule: " + rule.Name,
		})
		return err

	case models.ActionIgnore:
		return d.storage.UpdateEventStatus(ctx, event.ID, models.StatusIgnored)

	case models.ActionTagOnly:
		if len(rule.CRMTags) > 0 {
			if err := d.storage.AddProspectTags(ctx, event.Username, rule.CRMTags); err != nil {
				return fmt.Errorf("attach crm tags: %w", err)
			}
		}
		return d.storage.UpdateEventStatus(ctx, event.ID, models.StatusIgnored)

	default:
		text := replyText(rule, event.Username)
		if text == "" {
			d.logger.Warn("Rule has no reply template, leaving event pending",
				zap.String("rule_id", rule.ID))
			return nil
		}

		d.scheduler.ScheduleReply(scheduler.Reply{
			EventID:       event.ID,
			RuleID:        rule.ID,
			AccountID:     event.AccountID,
			Recipient:     event.Username,
			Text:          text,
			CRMTags:       rule.CRMTags,
			SuccessStatus: successStatus(rule.ActionType, event.Kind),
		}, time.Duration(rule.DelaySeconds)*time.Second)
		return nil
	}
}

func replyText(rule *models.Rule, username string) string {
	if len(rule.ReplyTemplates) == 0 {
		return ""
	}
	return scheduler.PersonalizeTemplate(rule.ReplyTemplates[0], username)
}

func automationEnabled(account *models.Account, kind models.EventKind) bool {
	if account == nil {
		// Unknown accounts keep automation on; feature switches are an
		// opt-out surface.
		return true
	}
	if kind == models.EventComment {
		return account.AutoReplyComments
	}
	return account.AutoReplyDMs
}
