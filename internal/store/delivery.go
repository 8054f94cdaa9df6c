package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cadencehq/cadence/internal/model"
)

// ExistingRecordContacts returns the subset of contactIDs that already
// have a delivery record for the step. Preparation re-runs use this to
// skip work already done instead of relying on constraint violations.
func (s *Store) ExistingRecordContacts(ctx context.Context, stepID uuid.UUID, contactIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(contactIDs) == 0 {
		return map[uuid.UUID]bool{}, nil
	}

	ids := make([]string, len(contactIDs))
	for i, id := range contactIDs {
		ids[i] = id.String()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT contact_id FROM delivery_records WHERE step_id = $1 AND contact_id = ANY($2)`,
		stepID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// CreateDeliveryRecords bulk-inserts one batch of records in a single
// transaction, so a batch appears fully or not at all.
func (s *Store) CreateDeliveryRecords(ctx context.Context, records []*model.DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("delivery_records",
		"id", "campaign_id", "step_id", "contact_id", "sender_id",
		"subject", "body_html", "status", "scheduled_at", "created_at", "updated_at"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	now := time.Now()
	for _, r := range records {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.Status == "" {
			r.Status = model.DeliveryQueued
		}
		r.CreatedAt = now
		r.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx, r.ID, r.CampaignID, r.StepID, r.ContactID, r.SenderID,
			r.Subject, r.BodyHTML, r.Status, r.ScheduledAt, r.CreatedAt, r.UpdatedAt); err != nil {
			stmt.Close()
			return fmt.Errorf("copy row: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}

	return tx.Commit()
}

// GetDeliveryRecord retrieves a delivery record by ID. Returns nil when
// not found.
func (s *Store) GetDeliveryRecord(ctx context.Context, id uuid.UUID) (*model.DeliveryRecord, error) {
	query := `SELECT id, campaign_id, step_id, contact_id, sender_id, subject, body_html,
		status, scheduled_at, sent_at, provider_message_id, thread_id, message_id_header,
		opened_at, clicked_at, replied_at, unsubscribed_at, bounced_at,
		error_code, error_message, created_at, updated_at
		FROM delivery_records WHERE id = $1`

	r := &model.DeliveryRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.CampaignID, &r.StepID, &r.ContactID, &r.SenderID, &r.Subject, &r.BodyHTML,
		&r.Status, &r.ScheduledAt, &r.SentAt, &r.ProviderMessageID, &r.ThreadID, &r.MessageIDHeader,
		&r.OpenedAt, &r.ClickedAt, &r.RepliedAt, &r.UnsubscribedAt, &r.BouncedAt,
		&r.ErrorCode, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetThreadRecord finds the sent record of a prior step for a contact,
// for thread linkage. Returns nil when none exists.
func (s *Store) GetThreadRecord(ctx context.Context, stepID, contactID uuid.UUID) (*model.DeliveryRecord, error) {
	query := `SELECT id, campaign_id, step_id, contact_id, sender_id, subject, body_html,
		status, scheduled_at, sent_at, provider_message_id, thread_id, message_id_header,
		opened_at, clicked_at, replied_at, unsubscribed_at, bounced_at,
		error_code, error_message, created_at, updated_at
		FROM delivery_records
		WHERE step_id = $1 AND contact_id = $2 AND status IN ($3, $4)
		ORDER BY sent_at DESC LIMIT 1`

	r := &model.DeliveryRecord{}
	err := s.db.QueryRowContext(ctx, query, stepID, contactID,
		model.DeliverySent, model.DeliveryDelivered).Scan(
		&r.ID, &r.CampaignID, &r.StepID, &r.ContactID, &r.SenderID, &r.Subject, &r.BodyHTML,
		&r.Status, &r.ScheduledAt, &r.SentAt, &r.ProviderMessageID, &r.ThreadID, &r.MessageIDHeader,
		&r.OpenedAt, &r.ClickedAt, &r.RepliedAt, &r.UnsubscribedAt, &r.BouncedAt,
		&r.ErrorCode, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// FindRecordByMessageHeader locates the record whose Message-ID header a
// reply references. Returns nil when no record matches.
func (s *Store) FindRecordByMessageHeader(ctx context.Context, header string) (*model.DeliveryRecord, error) {
	query := `SELECT id, campaign_id, step_id, contact_id, sender_id, subject, body_html,
		status, scheduled_at, sent_at, provider_message_id, thread_id, message_id_header,
		opened_at, clicked_at, replied_at, unsubscribed_at, bounced_at,
		error_code, error_message, created_at, updated_at
		FROM delivery_records WHERE message_id_header = $1 LIMIT 1`

	r := &model.DeliveryRecord{}
	err := s.db.QueryRowContext(ctx, query, header).Scan(
		&r.ID, &r.CampaignID, &r.StepID, &r.ContactID, &r.SenderID, &r.Subject, &r.BodyHTML,
		&r.Status, &r.ScheduledAt, &r.SentAt, &r.ProviderMessageID, &r.ThreadID, &r.MessageIDHeader,
		&r.OpenedAt, &r.ClickedAt, &r.RepliedAt, &r.UnsubscribedAt, &r.BouncedAt,
		&r.ErrorCode, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// MarkSending transitions QUEUED to SENDING. Returns false when the
// record was not QUEUED, which the send worker treats as a short-circuit.
func (s *Store) MarkSending(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id, model.DeliverySending, model.DeliveryQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSent records a provider-accepted send with its identifiers.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time, providerMessageID, threadID, messageIDHeader string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records
		 SET status = $2, sent_at = $3, provider_message_id = $4, thread_id = NULLIF($5, ''),
		     message_id_header = NULLIF($6, ''), error_code = NULL, error_message = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, model.DeliverySent, sentAt, providerMessageID, threadID, messageIDHeader)
	return err
}

// MarkFailed records a permanent failure.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records
		 SET status = $2, error_code = $3, error_message = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, model.DeliveryFailed, code, message)
	return err
}

// MarkSoftBounced records a transient provider failure. The record stays
// retryable; the job's attempt budget decides when it becomes FAILED.
func (s *Store) MarkSoftBounced(ctx context.Context, id uuid.UUID, code, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records
		 SET status = $2, bounced_at = COALESCE(bounced_at, NOW()),
		     error_code = $3, error_message = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, model.DeliveryBounced, code, message)
	return err
}

// MarkCancelled cancels a record that has not reached a terminal status.
func (s *Store) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ($3, $4, $5)`,
		id, model.DeliveryCancelled, model.DeliveryQueued, model.DeliverySending, model.DeliveryBounced)
	return err
}

// RequeueForRetry moves a soft-bounced or stuck-SENDING record back to
// QUEUED so a retried job passes the status gate.
func (s *Store) RequeueForRetry(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ($3, $4)`,
		id, model.DeliveryQueued, model.DeliverySending, model.DeliveryBounced)
	return err
}

// CancelPending marks every still-pending record of a campaign CANCELLED,
// for pause/cancel sweeps. Already-sent records are untouched.
func (s *Store) CancelPending(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET status = $2, updated_at = NOW()
		 WHERE campaign_id = $1 AND status IN ($3, $4)`,
		campaignID, model.DeliveryCancelled, model.DeliveryQueued, model.DeliveryBounced)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkOpened stamps first open, once.
func (s *Store) MarkOpened(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.stampEngagement(ctx, id, "opened_at")
}

// MarkClicked stamps first click, once.
func (s *Store) MarkClicked(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.stampEngagement(ctx, id, "clicked_at")
}

// MarkReplied stamps the reply time, once.
func (s *Store) MarkReplied(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.stampEngagement(ctx, id, "replied_at")
}

// MarkUnsubscribed stamps the unsubscribe time, once.
func (s *Store) MarkUnsubscribed(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.stampEngagement(ctx, id, "unsubscribed_at")
}

func (s *Store) stampEngagement(ctx context.Context, id uuid.UUID, column string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE delivery_records SET %s = NOW(), updated_at = NOW()
		 WHERE id = $1 AND %s IS NULL`, column, column), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkHardBounced records a provider-reported bounce discovered by the
// mailbox scan, after the message was already sent.
func (s *Store) MarkHardBounced(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records
		 SET bounced_at = NOW(), status = $2, error_code = 'bounce', error_message = $3,
		     updated_at = NOW()
		 WHERE id = $1 AND bounced_at IS NULL`,
		id, model.DeliveryBounced, message)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AggregateDelta is one batch of counter increments applied to a step and
// its campaign together.
type AggregateDelta struct {
	Sent         int64
	Delivered    int64
	Opened       int64
	Clicked      int64
	Bounced      int64
	Failed       int64
	Replied      int64
	Unsubscribed int64
}

// IncrementAggregates applies a delta to the step counters and the
// campaign counters in one transaction. Increments are additive SQL
// updates, never read-modify-write, so concurrent workers cannot lose
// counts.
func (s *Store) IncrementAggregates(ctx context.Context, campaignID, stepID uuid.UUID, d AggregateDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE campaign_steps
		 SET emails_sent = emails_sent + $2,
		     emails_failed = emails_failed + $3,
		     emails_bounced = emails_bounced + $4
		 WHERE id = $1`,
		stepID, d.Sent, d.Failed, d.Bounced)
	if err != nil {
		return fmt.Errorf("step counters: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE campaigns
		 SET emails_sent = emails_sent + $2,
		     emails_delivered = emails_delivered + $3,
		     emails_opened = emails_opened + $4,
		     emails_clicked = emails_clicked + $5,
		     emails_bounced = emails_bounced + $6,
		     emails_failed = emails_failed + $7,
		     emails_replied = emails_replied + $8,
		     emails_unsubscribed = emails_unsubscribed + $9,
		     updated_at = NOW()
		 WHERE id = $1`,
		campaignID, d.Sent, d.Delivered, d.Opened, d.Clicked, d.Bounced, d.Failed, d.Replied, d.Unsubscribed)
	if err != nil {
		return fmt.Errorf("campaign counters: %w", err)
	}

	return tx.Commit()
}

// CompletionCounts holds the live numbers completion detection re-queries.
type CompletionCounts struct {
	Steps            int
	StepsWithRecords int
	TotalRecords     int
	TerminalRecords  int
	PendingRecords   int
}

// GetCompletionCounts re-queries current counts for a campaign. No cached
// state: completion decisions are made on fresh numbers only.
func (s *Store) GetCompletionCounts(ctx context.Context, campaignID uuid.UUID) (*CompletionCounts, error) {
	c := &CompletionCounts{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM campaign_steps WHERE campaign_id = $1),
			(SELECT COUNT(DISTINCT step_id) FROM delivery_records WHERE campaign_id = $1),
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ($2, $3, $4, $5)),
			COUNT(*) FILTER (WHERE status IN ($6, $7))
		FROM delivery_records WHERE campaign_id = $1`,
		campaignID,
		model.DeliverySent, model.DeliveryDelivered, model.DeliveryFailed, model.DeliveryCancelled,
		model.DeliveryQueued, model.DeliverySending).Scan(
		&c.Steps, &c.StepsWithRecords, &c.TotalRecords, &c.TerminalRecords, &c.PendingRecords)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// StepHasRecords reports whether preparation has produced at least one
// record for the step, which gates reply-dependent child steps.
func (s *Store) StepHasRecords(ctx context.Context, stepID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM delivery_records WHERE step_id = $1)`,
		stepID).Scan(&exists)
	return exists, err
}

// DaySchedule summarizes what a step has already scheduled on one local
// calendar day. Preparation re-runs seed the send-time calculator from
// these instead of starting the day over.
type DaySchedule struct {
	Day   time.Time // local midnight
	First time.Time
	Last  time.Time
	Count int
}

// StepDaySchedules groups a step's existing records by local calendar day
// in the sender's timezone, ordered by day.
func (s *Store) StepDaySchedules(ctx context.Context, stepID uuid.UUID, timezone string) ([]DaySchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', scheduled_at AT TIME ZONE $2) AS day,
		       MIN(scheduled_at), MAX(scheduled_at), COUNT(*)
		FROM delivery_records
		WHERE step_id = $1
		GROUP BY day ORDER BY day`,
		stepID, timezone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DaySchedule
	for rows.Next() {
		var d DaySchedule
		if err := rows.Scan(&d.Day, &d.First, &d.Last, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LastScheduledOnDay returns the latest scheduled time among a campaign's
// records inside [dayStart, dayEnd) for steps before the given order. The
// scheduler anchors a later step's first send of a day after it.
func (s *Store) LastScheduledOnDay(ctx context.Context, campaignID uuid.UUID, beforeOrder int, dayStart, dayEnd time.Time) (sql.NullTime, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(r.scheduled_at)
		FROM delivery_records r
		JOIN campaign_steps st ON st.id = r.step_id
		WHERE r.campaign_id = $1 AND st.step_order < $2
		  AND r.scheduled_at >= $3 AND r.scheduled_at < $4`,
		campaignID, beforeOrder, dayStart, dayEnd).Scan(&last)
	return last, err
}
