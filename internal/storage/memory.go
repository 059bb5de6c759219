package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dryonlabs/engage-bot/internal/models"
)

type MemoryStorage struct {
	mu          sync.RWMutex
	events      map[string]*models.Event
	byExternal  map[string]string // external id -> internal id
	rules       map[string]*models.Rule
	flows       map[string]*models.Flow
	sessions    map[string]*models.Session
	byUser      map[string]string // accountID+"/"+username -> session id
	prospects   map[string]*models.Prospect
	escalations map[string]*models.Escalation
	accounts    map[string]*models.Account
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		events:      make(map[string]*models.Event),
		byExternal:  make(map[string]string),
		rules:       make(map[string]*models.Rule),
		flows:       make(map[string]*models.Flow),
		sessions:    make(map[string]*models.Session),
		byUser:      make(map[string]string),
		prospects:   make(map[string]*models.Prospect),
		escalations: make(map[string]*models.Escalation),
		accounts:    make(map[string]*models.Account),
	}
}

func (s *MemoryStorage) CreateEvent(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byExternal[event.ExternalID]; exists {
		return ErrDuplicateEvent
	}

	stored := *event
	stored.CreatedAt = time.Now()
	s.events[event.ID] = &stored
	s.byExternal[event.ExternalID] = event.ID
	return nil
}

func (s *MemoryStorage) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, exists := s.events[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (s *MemoryStorage) UpdateEventStatus(ctx context.Context, id string, status models.ActionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, exists := s.events[id]
	if !exists {
		return ErrNotFound
	}
	event.Status = status
	return nil
}

func (s *MemoryStorage) AttachClassification(ctx context.Context, eventID string, c *models.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, exists := s.events[eventID]
	if !exists {
		return ErrNotFound
	}
	copied := *c
	event.Classification = &copied
	return nil
}

// AddRule is used by seed data and tests; production rule writes happen
// out-of-band and only affect future snapshots.
func (s *MemoryStorage) AddRule(rule *models.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *rule
	s.rules[rule.ID] = &copied
}

func (s *MemoryStorage) ListActiveRules(ctx context.Context) ([]*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []*models.Rule
	for _, rule := range s.rules {
		if rule.Active {
			copied := *rule
			rules = append(rules, &copied)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

func (s *MemoryStorage) IncrementRuleMatches(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleID]
	if !exists {
		return ErrNotFound
	}
	rule.TotalMatches++
	return nil
}

func (s *MemoryStorage) IncrementRuleReplies(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleID]
	if !exists {
		return ErrNotFound
	}
	day := time.Now().Format(dayLayout)
	if rule.RepliesDate != day {
		rule.RepliesToday = 0
		rule.RepliesDate = day
	}
	rule.RepliesToday++
	rule.TotalRepliesSent++
	return nil
}

func (s *MemoryStorage) AddFlow(flow *models.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *flow
	s.flows[flow.ID] = &copied
}

func (s *MemoryStorage) ListActiveFlows(ctx context.Context) ([]*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flows []*models.Flow
	for _, flow := range s.flows {
		if flow.Status == models.FlowActive {
			copied := *flow
			flows = append(flows, &copied)
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows, nil
}

func userKey(accountID, username string) string {
	return accountID + "/" + username
}

func (s *MemoryStorage) GetSessionByUser(ctx context.Context, accountID, username string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byUser[userKey(accountID, username)]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *s.sessions[id]
	return &copied, nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStorage) SaveSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.sessions[session.ID] = &copied
	s.byUser[userKey(session.AccountID, session.Username)] = session.ID
	return nil
}

func (s *MemoryStorage) AddProspectTags(ctx context.Context, username string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prospect, exists := s.prospects[username]
	if !exists {
		prospect = &models.Prospect{Username: username}
		s.prospects[username] = prospect
	}

	for _, tag := range tags {
		found := false
		for _, existing := range prospect.Tags {
			if existing == tag {
				found = true
				break
			}
		}
		if !found {
			prospect.Tags = append(prospect.Tags, tag)
		}
	}
	prospect.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) GetProspect(ctx context.Context, username string) (*models.Prospect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prospect, exists := s.prospects[username]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *prospect
	copied.Tags = append([]string(nil), prospect.Tags...)
	return &copied, nil
}

func (s *MemoryStorage) CreateEscalation(ctx context.Context, esc *models.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *esc
	s.escalations[esc.ID] = &copied
	return nil
}

func (s *MemoryStorage) UpdateEscalation(ctx context.Context, esc *models.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escalations[esc.ID]; !exists {
		return ErrNotFound
	}
	copied := *esc
	s.escalations[esc.ID] = &copied
	return nil
}

func (s *MemoryStorage) ListOpenEscalations(ctx context.Context) ([]*models.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []*models.Escalation
	for _, esc := range s.escalations {
		if !esc.Closed {
			copied := *esc
			open = append(open, &copied)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open, nil
}

func (s *MemoryStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.accounts[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (s *MemoryStorage) SaveAccount(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *account
	s.accounts[account.ID] = &copied
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
