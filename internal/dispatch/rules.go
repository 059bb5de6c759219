package dispatch

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dryonlabs/engage-bot/internal/models"
)

// SortRules orders a rule snapshot into the deterministic evaluation order:
// priority ascending, ties broken by id so repeated runs always walk the
// same sequence.
func SortRules(rules []*models.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// MatchesTrigger evaluates one rule trigger against a classified event.
// Triggers form a closed set; adding a kind means extending this switch.
func MatchesTrigger(trigger models.Trigger, event *models.Event) bool {
	switch trigger.Type {
	case models.TriggerAll:
		return true

	case models.TriggerClassification:
		return event.Classification != nil &&
			event.Classification.Label == models.Label(trigger.Value)

	case models.TriggerKeyword:
		lower := strings.ToLower(event.Text)
		for _, kw := range strings.Split(trigger.Value, ",") {
			kw = strings.TrimSpace(strings.ToLower(kw))
			if kw != "" && strings.Contains(lower, kw) {
				return true
			}
		}
		return false

	case models.TriggerSentiment:
		if event.Classification == nil {
			return false
		}
		threshold, err := strconv.ParseFloat(trigger.Value, 64)
		if err != nil {
			return false
		}
		// Negative thresholds catch negative sentiment at or below the
		// value; non-negative thresholds catch sentiment at or above it.
		if threshold < 0 {
			return event.Classification.Sentiment <= threshold
		}
		return event.Classification.Sentiment >= threshold

	case models.TriggerIntent:
		if event.Classification == nil {
			return false
		}
		threshold, err := strconv.ParseFloat(trigger.Value, 64)
		if err != nil {
			return false
		}
		return event.Classification.PurchaseIntent >= threshold

	default:
		return false
	}
}

// successStatus maps a reply action to the terminal status the scheduler
// commits once delivery succeeds.
func successStatus(action models.ActionType, kind models.EventKind) models.ActionStatus {
	switch action {
	case models.ActionReplyDM, models.ActionReplyBoth:
		if kind == models.EventComment {
			return models.StatusDMInvited
		}
		return models.StatusAutoReplied
	default:
		return models.StatusAutoReplied
	}
}
