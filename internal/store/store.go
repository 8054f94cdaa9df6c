// Package store provides database operations for the delivery engine.
// The engine treats campaign/step/contact/sender data as read-mostly;
// its writes are delivery records, aggregate counters, sender tokens,
// and status transitions.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/model"
)

// Store provides database operations for engine entities.
type Store struct {
	db *sql.DB
}

// New creates a store over an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for components that share it (advisory locks).
func (s *Store) DB() *sql.DB { return s.db }

// GetCampaign retrieves a campaign by ID. Returns nil when not found.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	query := `SELECT id, organization_id, sender_id, list_id, name, status, track_engagement,
		emails_sent, emails_delivered, emails_opened, emails_clicked, emails_bounced,
		emails_failed, emails_replied, emails_unsubscribed, created_at, updated_at, completed_at
		FROM campaigns WHERE id = $1`

	c := &model.Campaign{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.OrganizationID, &c.SenderID, &c.ListID, &c.Name, &c.Status, &c.TrackEngagement,
		&c.EmailsSent, &c.EmailsDelivered, &c.EmailsOpened, &c.EmailsClicked, &c.EmailsBounced,
		&c.EmailsFailed, &c.EmailsReplied, &c.EmailsUnsubscribed,
		&c.CreatedAt, &c.UpdatedAt, &c.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetCampaignStatus reads only the status column, for the cheap re-checks
// in the send path.
func (s *Store) GetCampaignStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return status, err
}

// UpdateCampaignStatus transitions a campaign from one status to another.
// Returns false when the campaign was not in the expected status.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ActiveCampaignIDs lists campaigns currently in ACTIVE.
func (s *Store) ActiveCampaignIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM campaigns WHERE status = $1 ORDER BY created_at`,
		model.CampaignActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkCampaignCompleted transitions ACTIVE to COMPLETED and stamps the
// completion time. Conditional so two concurrent completion checks record
// it once.
func (s *Store) MarkCampaignCompleted(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $2, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id, model.CampaignCompleted, model.CampaignActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetStep retrieves a campaign step by ID. Returns nil when not found.
func (s *Store) GetStep(ctx context.Context, id uuid.UUID) (*model.CampaignStep, error) {
	query := `SELECT id, campaign_id, step_order, trigger_type, schedule_at, pacing_minutes,
		reply_to_step_id, reply_filter, subject, body_html,
		emails_sent, emails_failed, emails_bounced, created_at
		FROM campaign_steps WHERE id = $1`

	st := &model.CampaignStep{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&st.ID, &st.CampaignID, &st.Order, &st.TriggerType, &st.ScheduleAt, &st.PacingMinutes,
		&st.ReplyToStepID, &st.ReplyFilter, &st.Subject, &st.BodyHTML,
		&st.EmailsSent, &st.EmailsFailed, &st.EmailsBounced, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

// GetSteps retrieves all steps of a campaign in sequence order.
func (s *Store) GetSteps(ctx context.Context, campaignID uuid.UUID) ([]*model.CampaignStep, error) {
	query := `SELECT id, campaign_id, step_order, trigger_type, schedule_at, pacing_minutes,
		reply_to_step_id, reply_filter, subject, body_html,
		emails_sent, emails_failed, emails_bounced, created_at
		FROM campaign_steps WHERE campaign_id = $1 ORDER BY step_order`

	rows, err := s.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*model.CampaignStep
	for rows.Next() {
		st := &model.CampaignStep{}
		if err := rows.Scan(
			&st.ID, &st.CampaignID, &st.Order, &st.TriggerType, &st.ScheduleAt, &st.PacingMinutes,
			&st.ReplyToStepID, &st.ReplyFilter, &st.Subject, &st.BodyHTML,
			&st.EmailsSent, &st.EmailsFailed, &st.EmailsBounced, &st.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// MaxStepOrder returns the highest step order in a campaign.
func (s *Store) MaxStepOrder(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_order), 0) FROM campaign_steps WHERE campaign_id = $1`,
		campaignID).Scan(&max)
	return max, err
}

// GetContact retrieves a contact by ID. Returns nil when not found.
func (s *Store) GetContact(ctx context.Context, id uuid.UUID) (*model.Contact, error) {
	query := `SELECT id, organization_id, list_id, email, first_name, last_name,
		subscribed, status, created_at
		FROM contacts WHERE id = $1`

	c := &model.Contact{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.OrganizationID, &c.ListID, &c.Email, &c.FirstName, &c.LastName,
		&c.Subscribed, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// EligibleContacts streams one keyset page of contacts eligible for a step.
// Base eligibility is subscribed, active contacts in the campaign's list.
// A reply-dependent step narrows to contacts whose engagement on the
// referenced step matches the filter exactly. Contacts who bounced or
// unsubscribed on any step of this campaign are excluded across the board.
// Pages are ordered by contact ID; pass the last ID of the previous page
// as afterID to continue.
func (s *Store) EligibleContacts(ctx context.Context, campaign *model.Campaign, step *model.CampaignStep, afterID uuid.UUID, limit int) ([]*model.Contact, error) {
	query := `SELECT c.id, c.organization_id, c.list_id, c.email, c.first_name, c.last_name,
		c.subscribed, c.status, c.created_at
		FROM contacts c
		WHERE c.list_id = $1
		  AND c.subscribed = TRUE
		  AND c.status = $2
		  AND c.id > $3
		  AND NOT EXISTS (
			SELECT 1 FROM delivery_records ex
			WHERE ex.campaign_id = $4 AND ex.contact_id = c.id
			  AND (ex.bounced_at IS NOT NULL OR ex.unsubscribed_at IS NOT NULL)
		  )`

	args := []interface{}{campaign.ListID, model.ContactActive, afterID, campaign.ID}

	if step.ReplyToStepID.Valid {
		filter, err := model.FilterFor(step.ReplyFilter.String)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(`
		  AND EXISTS (
			SELECT 1 FROM delivery_records parent
			WHERE parent.step_id = $5 AND parent.contact_id = c.id AND %s
		  )`, filter.Predicate("parent"))
		args = append(args, step.ReplyToStepID.UUID)
	}

	query += fmt.Sprintf(" ORDER BY c.id LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*model.Contact
	for rows.Next() {
		c := &model.Contact{}
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.ListID, &c.Email, &c.FirstName,
			&c.LastName, &c.Subscribed, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// CountEligibleContacts counts the contacts EligibleContacts would
// return that do not yet have a record for the step. The quota
// distribution needs the total before the first batch streams.
func (s *Store) CountEligibleContacts(ctx context.Context, campaign *model.Campaign, step *model.CampaignStep) (int, error) {
	query := `SELECT COUNT(*)
		FROM contacts c
		WHERE c.list_id = $1
		  AND c.subscribed = TRUE
		  AND c.status = $2
		  AND NOT EXISTS (
			SELECT 1 FROM delivery_records ex
			WHERE ex.campaign_id = $3 AND ex.contact_id = c.id
			  AND (ex.bounced_at IS NOT NULL OR ex.unsubscribed_at IS NOT NULL)
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM delivery_records own
			WHERE own.step_id = $4 AND own.contact_id = c.id
		  )`

	args := []interface{}{campaign.ListID, model.ContactActive, campaign.ID, step.ID}

	if step.ReplyToStepID.Valid {
		filter, err := model.FilterFor(step.ReplyFilter.String)
		if err != nil {
			return 0, err
		}
		query += fmt.Sprintf(`
		  AND EXISTS (
			SELECT 1 FROM delivery_records parent
			WHERE parent.step_id = $5 AND parent.contact_id = c.id AND %s
		  )`, filter.Predicate("parent"))
		args = append(args, step.ReplyToStepID.UUID)
	}

	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// StepsDependentOn returns the steps whose reply-dependency references
// the given step, for triggering their preparation when engagement
// arrives.
func (s *Store) StepsDependentOn(ctx context.Context, stepID uuid.UUID) ([]*model.CampaignStep, error) {
	query := `SELECT id, campaign_id, step_order, trigger_type, schedule_at, pacing_minutes,
		reply_to_step_id, reply_filter, subject, body_html,
		emails_sent, emails_failed, emails_bounced, created_at
		FROM campaign_steps WHERE reply_to_step_id = $1 ORDER BY step_order`

	rows, err := s.db.QueryContext(ctx, query, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*model.CampaignStep
	for rows.Next() {
		st := &model.CampaignStep{}
		if err := rows.Scan(
			&st.ID, &st.CampaignID, &st.Order, &st.TriggerType, &st.ScheduleAt, &st.PacingMinutes,
			&st.ReplyToStepID, &st.ReplyFilter, &st.Subject, &st.BodyHTML,
			&st.EmailsSent, &st.EmailsFailed, &st.EmailsBounced, &st.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// MarkContactBounced moves a contact to the terminal bounced status.
func (s *Store) MarkContactBounced(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET status = $2 WHERE id = $1 AND status = $3`,
		id, model.ContactBounced, model.ContactActive)
	return err
}

// MarkContactUnsubscribed moves a contact to the terminal unsubscribed
// status and clears the subscription flag.
func (s *Store) MarkContactUnsubscribed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET status = $2, subscribed = FALSE WHERE id = $1 AND status = $3`,
		id, model.ContactUnsubscribed, model.ContactActive)
	return err
}

// GetSender retrieves a sender by ID. Returns nil when not found.
func (s *Store) GetSender(ctx context.Context, id uuid.UUID) (*model.Sender, error) {
	query := `SELECT id, organization_id, email, provider, daily_limit, timezone,
		access_token, refresh_token, token_expiry, history_cursor, created_at
		FROM senders WHERE id = $1`

	sn := &model.Sender{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sn.ID, &sn.OrganizationID, &sn.Email, &sn.Provider, &sn.DailyLimit, &sn.Timezone,
		&sn.AccessToken, &sn.RefreshToken, &sn.TokenExpiry, &sn.HistoryCursor, &sn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sn, err
}

// ListSenders retrieves all connected senders, for the detection workers.
func (s *Store) ListSenders(ctx context.Context) ([]*model.Sender, error) {
	query := `SELECT id, organization_id, email, provider, daily_limit, timezone,
		access_token, refresh_token, token_expiry, history_cursor, created_at
		FROM senders ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var senders []*model.Sender
	for rows.Next() {
		sn := &model.Sender{}
		if err := rows.Scan(
			&sn.ID, &sn.OrganizationID, &sn.Email, &sn.Provider, &sn.DailyLimit, &sn.Timezone,
			&sn.AccessToken, &sn.RefreshToken, &sn.TokenExpiry, &sn.HistoryCursor, &sn.CreatedAt); err != nil {
			return nil, err
		}
		senders = append(senders, sn)
	}
	return senders, rows.Err()
}

// UpdateSenderToken persists a refreshed access token.
func (s *Store) UpdateSenderToken(ctx context.Context, id uuid.UUID, accessToken string, expiry sql.NullTime) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE senders SET access_token = $2, token_expiry = $3 WHERE id = $1`,
		id, accessToken, expiry)
	return err
}

// UpdateSenderCursor advances the incremental mailbox-scan marker.
func (s *Store) UpdateSenderCursor(ctx context.Context, id uuid.UUID, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE senders SET history_cursor = $2 WHERE id = $1`,
		id, cursor)
	return err
}
