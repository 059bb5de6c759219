package models

import "time"

type EventKind string

const (
	EventComment EventKind = "comment"
	EventDM      EventKind = "dm"
)

// ActionStatus tracks what the automation did (or decided not to do) with an
// event. Terminal once set, except pending which may move to any other value.
type ActionStatus string

const (
	StatusPending         ActionStatus = "pending"
	StatusAutoReplied     ActionStatus = "auto_replied"
	StatusDMInvited       ActionStatus = "dm_invited"
	StatusEscalated       ActionStatus = "escalated"
	StatusIgnored         ActionStatus = "ignored"
	StatusManuallyReplied ActionStatus = "manually_replied"
	StatusDeliveryFailed  ActionStatus = "delivery_failed"
)

// Event is an inbound engagement event (public comment or DM). Immutable once
// ingested; ExternalID is the dedup key supplied by the platform webhook.
type Event struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"external_id"`
	AccountID      string          `json:"account_id"`
	Username       string          `json:"username"`
	Text           string          `json:"text"`
	Kind           EventKind       `json:"kind"`
	Timestamp      time.Time       `json:"timestamp"`
	Status         ActionStatus    `json:"status"`
	Classification *Classification `json:"classification,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Label string

const (
	LabelQuestion     Label = "question"
	LabelPraise       Label = "praise"
	LabelPrice        Label = "price"
	LabelInterest     Label = "interest"
	LabelComplaint    Label = "complaint"
	LabelSpam         Label = "spam"
	LabelSupport      Label = "support"
	LabelPartnership  Label = "partnership"
	LabelUnclassified Label = "unclassified"
)

// Classification is the result of analyzing an event's text.
type Classification struct {
	Label          Label     `json:"label"`
	Confidence     float64   `json:"confidence"`      // [0,1]
	Sentiment      float64   `json:"sentiment"`       // [-1,1]
	PurchaseIntent float64   `json:"purchase_intent"` // [0,1]
	ClassifiedAt   time.Time `json:"classified_at"`
}

type TriggerType string

const (
	TriggerClassification TriggerType = "classification"
	TriggerKeyword        TriggerType = "keyword"
	TriggerSentiment      TriggerType = "sentiment"
	TriggerIntent         TriggerType = "intent"
	TriggerAll            TriggerType = "all"
)

type ActionType string

const (
	ActionReplyPublic ActionType = "reply_public"
	ActionReplyDM     ActionType = "reply_dm"
	ActionReplyBoth   ActionType = "reply_both"
	ActionEscalate    ActionType = "escalate"
	ActionIgnore      ActionType = "ignore"
	ActionTagOnly     ActionType = "tag_only"
)

// Trigger is one of a closed set of predicate kinds. Value holds the label
// for classification triggers, a comma-separated keyword list for keyword
// triggers, and the numeric threshold for sentiment/intent triggers.
type Trigger struct {
	Type  TriggerType `json:"type"`
	Value string      `json:"value"`
}

// Rule describes one automation rule. The dispatcher only ever reads a
// snapshot; the mutable counters are owned by the quota tracker and storage.
type Rule struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Priority          int        `json:"priority"` // lower wins first
	Active            bool       `json:"active"`
	Trigger           Trigger    `json:"trigger"`
	ActionType        ActionType `json:"action_type"`
	ReplyTemplates    []string   `json:"reply_templates"`
	CRMTags           []string   `json:"crm_tags"`
	AIPersonalization bool       `json:"ai_personalization"`
	DelaySeconds      int        `json:"delay_seconds"`
	MaxRepliesPerDay  int        `json:"max_replies_per_day"`
	RepliesToday      int        `json:"replies_today"`
	RepliesDate       string     `json:"replies_date,omitempty"` // local day RepliesToday belongs to, "2006-01-02"
	TotalMatches      int64      `json:"total_matches"`
	TotalRepliesSent  int64      `json:"total_replies_sent"`
}

type SessionStatus string

const (
	SessionActive        SessionStatus = "active"
	SessionWaitingReply  SessionStatus = "waiting_reply"
	SessionEscalated     SessionStatus = "escalated"
	SessionHumanTakeover SessionStatus = "human_takeover"
	SessionCompleted     SessionStatus = "completed"
)

// Terminal reports whether automation is finished with this session.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionHumanTakeover
}

// Session is one DM conversation, keyed by (account, username).
type Session struct {
	ID              string        `json:"id"`
	AccountID       string        `json:"account_id"`
	Username        string        `json:"username"`
	Status          SessionStatus `json:"status"`
	FlowID          string        `json:"flow_id"`
	StepIndex       int           `json:"step_index"`
	StepAttempts    int           `json:"step_attempts"`
	MessageCount    int           `json:"message_count"`
	AssignedAgentID string        `json:"assigned_agent_id,omitempty"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	CreatedAt       time.Time     `json:"created_at"`
}

type FlowTrigger string

const (
	FlowTriggerNewDM             FlowTrigger = "new_dm"
	FlowTriggerKeyword           FlowTrigger = "keyword"
	FlowTriggerCommentEscalation FlowTrigger = "comment_escalation"
)

type FlowStatus string

const (
	FlowActive   FlowStatus = "active"
	FlowPaused   FlowStatus = "paused"
	FlowArchived FlowStatus = "archived"
)

// FlowStep is one scripted message plus the pattern the user's reply must
// match to advance. An empty ExpectedPattern accepts anything.
type FlowStep struct {
	Message         string `json:"message"`
	ExpectedPattern string `json:"expected_pattern"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	MaxAttempts     int    `json:"max_attempts"`
}

type Flow struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Trigger         FlowTrigger `json:"trigger"`
	TriggerKeywords []string    `json:"trigger_keywords,omitempty"`
	Steps           []FlowStep  `json:"steps"`
	Status          FlowStatus  `json:"status"`
}

// Prospect is a CRM entry keyed by username. Tags accumulate append-only.
type Prospect struct {
	Username  string    `json:"username"`
	Tags      []string  `json:"tags"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Escalation is one item on the human hand-off queue.
type Escalation struct {
	ID              string    `json:"id"`
	EventID         string    `json:"event_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	AccountID       string    `json:"account_id"`
	Username        string    `json:"username"`
	Reason          string    `json:"reason"`
	AssignedAgentID string    `json:"assigned_agent_id,omitempty"`
	Closed          bool      `json:"closed"`
	CreatedAt       time.Time `json:"created_at"`
}

// Account carries the per-account automation feature switches.
type Account struct {
	ID                string `json:"id"`
	Username          string `json:"username"`
	AutoReplyComments bool   `json:"auto_reply_comments"`
	AutoReplyDMs      bool   `json:"auto_reply_dms"`
	AIClassification  bool   `json:"ai_classification"`
}
