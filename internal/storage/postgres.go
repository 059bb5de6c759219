package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dryonlabs/engage-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

func (s *PostgresStorage) CreateEvent(ctx context.Context, event *models.Event) error {
	query := `
		INSERT INTO events (id, external_id, account_id, username, text, kind, event_timestamp, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		event.ID,
		event.ExternalID,
		event.AccountID,
		event.Username,
		event.Text,
		event.Kind,
		event.Timestamp,
		event.Status,
	).Scan(&event.CreatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("error creating event: %v", err)
	}

	return nil
}

func (s *PostgresStorage) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	query := `
		SELECT id, external_id, account_id, username, text, kind, event_timestamp, status,
		       label, confidence, sentiment, purchase_intent, classified_at, created_at
		FROM events
		WHERE id = $1`

	event := &models.Event{}
	var label sql.NullString
	var confidence, sentiment, intent sql.NullFloat64
	var classifiedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&event.ID,
		&event.ExternalID,
		&event.AccountID,
		&event.Username,
		&event.Text,
		&event.Kind,
		&event.Timestamp,
		&event.Status,
		&label,
		&confidence,
		&sentiment,
		&intent,
		&classifiedAt,
		&event.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying event: %v", err)
	}

	if label.Valid {
		event.Classification = &models.Classification{
			Label:          models.Label(label.String),
			Confidence:     confidence.Float64,
			Sentiment:      sentiment.Float64,
			PurchaseIntent: intent.Float64,
			ClassifiedAt:   classifiedAt.Time,
		}
	}

	return event, nil
}

func (s *PostgresStorage) UpdateEventStatus(ctx context.Context, id string, status models.ActionStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE events SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("error updating event status: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStorage) AttachClassification(ctx context.Context, eventID string, c *models.Classification) error {
	query := `
		UPDATE events
		SET label = $1, confidence = $2, sentiment = $3, purchase_intent = $4, classified_at = $5
		WHERE id = $6`

	result, err := s.db.ExecContext(ctx, query,
		c.Label, c.Confidence, c.Sentiment, c.PurchaseIntent, c.ClassifiedAt, eventID)
	if err != nil {
		return fmt.Errorf("error attaching classification: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStorage) ListActiveRules(ctx context.Context) ([]*models.Rule, error) {
	query := `
		SELECT id, name, priority, active, trigger_type, trigger_value, action_type,
		       reply_templates, crm_tags, ai_personalization, delay_seconds,
		       max_replies_per_day, replies_today, replies_date, total_matches, total_replies_sent
		FROM rules
		WHERE active = TRUE
		ORDER BY priority ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying rules: %v", err)
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		rule := &models.Rule{}
		err := rows.Scan(
			&rule.ID,
			&rule.Name,
			&rule.Priority,
			&rule.Active,
			&rule.Trigger.Type,
			&rule.Trigger.Value,
			&rule.ActionType,
			pq.Array(&rule.ReplyTemplates),
			pq.Array(&rule.CRMTags),
			&rule.AIPersonalization,
			&rule.DelaySeconds,
			&rule.MaxRepliesPerDay,
			&rule.RepliesToday,
			&rule.RepliesDate,
			&rule.TotalMatches,
			&rule.TotalRepliesSent,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning rule: %v", err)
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

func (s *PostgresStorage) IncrementRuleMatches(ctx context.Context, ruleID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rules SET total_matches = total_matches + 1 WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("error incrementing rule matches: %v", err)
	}
	return nil
}

func (s *PostgresStorage) IncrementRuleReplies(ctx context.Context, ruleID string) error {
	// The daily counter rolls over when the stored day is no longer today.
	day := time.Now().Format(dayLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE rules SET
			replies_today = CASE WHEN replies_date = $2 THEN replies_today + 1 ELSE 1 END,
			replies_date = $2,
			total_replies_sent = total_replies_sent + 1
		WHERE id = $1`,
		ruleID, day)
	if err != nil {
		return fmt.Errorf("error incrementing rule replies: %v", err)
	}
	return nil
}

func (s *PostgresStorage) ListActiveFlows(ctx context.Context) ([]*models.Flow, error) {
	query := `
		SELECT id, name, trigger_type, trigger_keywords, steps, status
		FROM flows
		WHERE status = 'active'
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying flows: %v", err)
	}
	defer rows.Close()

	var flows []*models.Flow
	for rows.Next() {
		flow := &models.Flow{}
		var steps []byte
		err := rows.Scan(
			&flow.ID,
			&flow.Name,
			&flow.Trigger,
			pq.Array(&flow.TriggerKeywords),
			&steps,
			&flow.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning flow: %v", err)
		}
		if err := json.Unmarshal(steps, &flow.Steps); err != nil {
			return nil, fmt.Errorf("error decoding flow steps: %v", err)
		}
		flows = append(flows, flow)
	}

	return flows, rows.Err()
}

func (s *PostgresStorage) GetSessionByUser(ctx context.Context, accountID, username string) (*models.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE account_id = $1 AND username = $2`,
		accountID, username))
}

func (s *PostgresStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = $1`, id))
}

const sessionSelect = `
	SELECT id, account_id, username, status, flow_id, step_index, step_attempts,
	       message_count, assigned_agent_id, last_activity_at, created_at
	FROM sessions`

func (s *PostgresStorage) scanSession(row *sql.Row) (*models.Session, error) {
	session := &models.Session{}
	err := row.Scan(
		&session.ID,
		&session.AccountID,
		&session.Username,
		&session.Status,
		&session.FlowID,
		&session.StepIndex,
		&session.StepAttempts,
		&session.MessageCount,
		&session.AssignedAgentID,
		&session.LastActivityAt,
		&session.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning session: %v", err)
	}
	return session, nil
}

func (s *PostgresStorage) SaveSession(ctx context.Context, session *models.Session) error {
	// The conflict target is the (account_id, username) key, not the id: a
	// returning user whose previous session finished gets a fresh session
	// id, and the row for that user is replaced in place.
	query := `
		INSERT INTO sessions (id, account_id, username, status, flow_id, step_index, step_attempts,
		                      message_count, assigned_agent_id, last_activity_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account_id, username) DO UPDATE SET
			id = EXCLUDED.id,
			status = EXCLUDED.status,
			flow_id = EXCLUDED.flow_id,
			step_index = EXCLUDED.step_index,
			step_attempts = EXCLUDED.step_attempts,
			message_count = EXCLUDED.message_count,
			assigned_agent_id = EXCLUDED.assigned_agent_id,
			last_activity_at = EXCLUDED.last_activity_at,
			created_at = EXCLUDED.created_at`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.AccountID,
		session.Username,
		session.Status,
		session.FlowID,
		session.StepIndex,
		session.StepAttempts,
		session.MessageCount,
		session.AssignedAgentID,
		session.LastActivityAt,
		session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error saving session: %v", err)
	}
	return nil
}

func (s *PostgresStorage) AddProspectTags(ctx context.Context, username string, tags []string) error {
	query := `
		INSERT INTO prospects (username, tags, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (username) DO UPDATE SET
			tags = (SELECT ARRAY(SELECT DISTINCT unnest(prospects.tags || EXCLUDED.tags))),
			updated_at = now()`

	_, err := s.db.ExecContext(ctx, query, username, pq.Array(tags))
	if err != nil {
		return fmt.Errorf("error adding prospect tags: %v", err)
	}
	return nil
}

func (s *PostgresStorage) GetProspect(ctx context.Context, username string) (*models.Prospect, error) {
	prospect := &models.Prospect{}
	err := s.db.QueryRowContext(ctx,
		`SELECT username, tags, updated_at FROM prospects WHERE username = $1`, username).
		Scan(&prospect.Username, pq.Array(&prospect.Tags), &prospect.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying prospect: %v", err)
	}
	return prospect, nil
}

func (s *PostgresStorage) CreateEscalation(ctx context.Context, esc *models.Escalation) error {
	query := `
		INSERT INTO escalations (id, event_id, session_id, account_id, username, reason, assigned_agent_id, closed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		esc.ID, esc.EventID, esc.SessionID, esc.AccountID, esc.Username,
		esc.Reason, esc.AssignedAgentID, esc.Closed, esc.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating escalation: %v", err)
	}
	return nil
}

func (s *PostgresStorage) UpdateEscalation(ctx context.Context, esc *models.Escalation) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE escalations SET assigned_agent_id = $1, closed = $2 WHERE id = $3`,
		esc.AssignedAgentID, esc.Closed, esc.ID)
	if err != nil {
		return fmt.Errorf("error updating escalation: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) ListOpenEscalations(ctx context.Context) ([]*models.Escalation, error) {
	query := `
		SELECT id, event_id, session_id, account_id, username, reason, assigned_agent_id, closed, created_at
		FROM escalations
		WHERE closed = FALSE
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying escalations: %v", err)
	}
	defer rows.Close()

	var escalations []*models.Escalation
	for rows.Next() {
		esc := &models.Escalation{}
		err := rows.Scan(
			&esc.ID,
			&esc.EventID,
			&esc.SessionID,
			&esc.AccountID,
			&esc.Username,
			&esc.Reason,
			&esc.AssignedAgentID,
			&esc.Closed,
			&esc.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning escalation: %v", err)
		}
		escalations = append(escalations, esc)
	}

	return escalations, rows.Err()
}

func (s *PostgresStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	account := &models.Account{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, auto_reply_comments, auto_reply_dms, ai_classification FROM accounts WHERE id = $1`, id).
		Scan(&account.ID, &account.Username, &account.AutoReplyComments, &account.AutoReplyDMs, &account.AIClassification)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying account: %v", err)
	}
	return account, nil
}

func (s *PostgresStorage) SaveAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (id, username, auto_reply_comments, auto_reply_dms, ai_classification)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			auto_reply_comments = EXCLUDED.auto_reply_comments,
			auto_reply_dms = EXCLUDED.auto_reply_dms,
			ai_classification = EXCLUDED.ai_classification`

	_, err := s.db.ExecContext(ctx, query,
		account.ID, account.Username, account.AutoReplyComments, account.AutoReplyDMs, account.AIClassification)
	if err != nil {
		return fmt.Errorf("error saving account: %v", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
