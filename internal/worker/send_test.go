package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/quota"
	"github.com/cadencehq/cadence/internal/store"
)

type workerEnv struct {
	mock    sqlmock.Sqlmock
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	store   *store.Store
	queue   *queue.Queue
	ledger  *quota.Ledger
	breaker *breaker.Breaker
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		db.Close()
		rdb.Close()
	})
	st := store.New(db)
	return &workerEnv{
		mock:    mock,
		mr:      mr,
		rdb:     rdb,
		store:   st,
		queue:   queue.New(db),
		ledger:  quota.NewLedger(rdb),
		breaker: breaker.New(rdb, 5, time.Minute),
	}
}

type fakeMailer struct {
	sendErr error
	header  string
	lastMsg *provider.Message
	sends   int
}

func (f *fakeMailer) Send(_ context.Context, msg *provider.Message) (*provider.SendResult, error) {
	f.sends++
	f.lastMsg = msg
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &provider.SendResult{ProviderMessageID: "prov-1", ThreadID: "thr-1", SentAt: time.Now()}, nil
}

func (f *fakeMailer) MessageIDHeader(_ context.Context, _ string) (string, error) {
	if f.header == "" {
		return "", errors.New("header unavailable")
	}
	return f.header, nil
}

type fakeResolver struct {
	mailer *fakeMailer
}

func (f *fakeResolver) MailerFor(*model.Sender) (provider.Mailer, error) {
	return f.mailer, nil
}

var recordColumns = []string{
	"id", "campaign_id", "step_id", "contact_id", "sender_id", "subject", "body_html",
	"status", "scheduled_at", "sent_at", "provider_message_id", "thread_id", "message_id_header",
	"opened_at", "clicked_at", "replied_at", "unsubscribed_at", "bounced_at",
	"error_code", "error_message", "created_at", "updated_at",
}

func recordRow(id, campaignID, stepID, contactID, senderID uuid.UUID, status string, scheduledAt time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(recordColumns).AddRow(
		id, campaignID, stepID, contactID, senderID, "Hi {{first_name}}", "<p>Hello</p>",
		status, scheduledAt, nil, nil, nil, nil,
		nil, nil, nil, nil, nil,
		nil, nil, now, now)
}

func senderRow(id uuid.UUID, dailyLimit int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "email", "provider", "daily_limit", "timezone",
		"access_token", "refresh_token", "token_expiry", "history_cursor", "created_at",
	}).AddRow(id, uuid.New(), "ops@example.com", "gmail", dailyLimit, "UTC",
		"tok", "refresh", nil, nil, time.Now())
}

func contactRow(id uuid.UUID, subscribed bool, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "list_id", "email", "first_name", "last_name",
		"subscribed", "status", "created_at",
	}).AddRow(id, uuid.New(), uuid.New(), "pat@example.com", "Pat", "Lee",
		subscribed, status, time.Now())
}

func campaignRow(id, senderID uuid.UUID, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "organization_id", "sender_id", "list_id", "name", "status", "track_engagement",
		"emails_sent", "emails_delivered", "emails_opened", "emails_clicked", "emails_bounced",
		"emails_failed", "emails_replied", "emails_unsubscribed", "created_at", "updated_at", "completed_at",
	}).AddRow(id, uuid.New(), senderID, uuid.New(), "Launch", status, false,
		0, 0, 0, 0, 0, 0, 0, 0, now, now, nil)
}

func stepRow(id, campaignID uuid.UUID, order int, replyTo uuid.NullUUID) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "campaign_id", "step_order", "trigger_type", "schedule_at", "pacing_minutes",
		"reply_to_step_id", "reply_filter", "subject", "body_html",
		"emails_sent", "emails_failed", "emails_bounced", "created_at",
	}).AddRow(id, campaignID, order, model.TriggerImmediate, nil, 0,
		replyTo, nil, "Hi {{first_name}}", "<p>Hello</p>",
		0, 0, 0, time.Now())
}

func sendJob(t *testing.T, recordID uuid.UUID) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(SendPayload{RecordID: recordID})
	require.NoError(t, err)
	return &queue.Job{ID: uuid.New(), Category: queue.CategorySend, Key: SendKey(recordID), Payload: payload, MaxAttempts: 5}
}

func newSendWorker(env *workerEnv, mailer *fakeMailer) *SendWorker {
	return NewSendWorker(env.store, env.queue, env.ledger, env.breaker,
		&fakeResolver{mailer: mailer}, NewComposer(nil), NewCompletionChecker(env.store, nil))
}

// Single-line fragments of the store's queries, safe for sqlmock's
// regexp matcher.
const (
	qGetRecord      = `FROM delivery_records WHERE id = \$1`
	qCampaignStatus = `SELECT status FROM campaigns WHERE id`
	qGetSender      = `FROM senders WHERE id = \$1`
	qGetContact     = `FROM contacts WHERE id = \$1`
	qGetCampaign    = `FROM campaigns WHERE id = \$1`
	qGetStep        = `FROM campaign_steps WHERE id = \$1`
	qMarkSending    = `WHERE id = \$1 AND status = \$3`
	qMarkCancelled  = `AND status IN \(\$3, \$4, \$5\)`
	qMarkSent       = `sent_at = \$3, provider_message_id = \$4`
	qMarkFailed     = `error_code = \$3, error_message = \$4`
	qSoftBounce     = `bounced_at = COALESCE\(bounced_at, NOW\(\)\)`
	qThreadRecord   = `WHERE step_id = \$1 AND contact_id = \$2`
	qStepCounters   = `UPDATE campaign_steps`
	qCampCounters   = `UPDATE campaigns`
	qMaxStepOrder   = `SELECT COALESCE\(MAX\(step_order\), 0\)`
)

func expectAggregates(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(qStepCounters).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qCampCounters).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestSendSkipsTerminalRecord(t *testing.T) {
	env := newWorkerEnv(t)
	recordID := uuid.New()

	env.mock.ExpectQuery(qGetRecord).
		WithArgs(recordID).
		WillReturnRows(recordRow(recordID, uuid.New(), uuid.New(), uuid.New(), uuid.New(),
			model.DeliverySent, time.Now()))

	w := newSendWorker(env, &fakeMailer{})
	err := w.Handle(context.Background(), sendJob(t, recordID))
	require.NoError(t, err)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSendCancelsWhenCampaignStopped(t *testing.T) {
	env := newWorkerEnv(t)
	recordID, campaignID := uuid.New(), uuid.New()

	env.mock.ExpectQuery(qGetRecord).
		WillReturnRows(recordRow(recordID, campaignID, uuid.New(), uuid.New(), uuid.New(),
			model.DeliveryQueued, time.Now()))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignPaused))
	env.mock.ExpectExec(qMarkCancelled).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mailer := &fakeMailer{}
	w := newSendWorker(env, mailer)
	err := w.Handle(context.Background(), sendJob(t, recordID))
	require.NoError(t, err)
	require.Zero(t, mailer.sends)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSendQuotaExhaustedReschedules(t *testing.T) {
	env := newWorkerEnv(t)
	recordID, campaignID, senderID := uuid.New(), uuid.New(), uuid.New()

	env.mock.ExpectQuery(qGetRecord).
		WillReturnRows(recordRow(recordID, campaignID, uuid.New(), uuid.New(), senderID,
			model.DeliveryQueued, time.Now().Add(-time.Hour)))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectQuery(qGetSender).
		WillReturnRows(senderRow(senderID, 1))

	// Burn the single daily slot before the worker runs.
	ok, _, err := env.ledger.TryAcquire(context.Background(), senderID.String(), time.Now().UTC(), 1)
	require.NoError(t, err)
	require.True(t, ok)

	mailer := &fakeMailer{}
	w := newSendWorker(env, mailer)
	err = w.Handle(context.Background(), sendJob(t, recordID))

	var resched *queue.RescheduleError
	require.ErrorAs(t, err, &resched)
	require.True(t, resched.At.After(time.Now()), "reschedule must land after quota reset")
	require.Zero(t, mailer.sends)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSendSuccess(t *testing.T) {
	env := newWorkerEnv(t)
	recordID, campaignID, stepID, contactID, senderID :=
		uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()

	env.mock.ExpectQuery(qGetRecord).
		WillReturnRows(recordRow(recordID, campaignID, stepID, contactID, senderID,
			model.DeliveryQueued, time.Now()))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectQuery(qGetSender).
		WillReturnRows(senderRow(senderID, 100))
	env.mock.ExpectQuery(qGetContact).
		WillReturnRows(contactRow(contactID, true, model.ContactActive))
	env.mock.ExpectQuery(qGetCampaign).
		WillReturnRows(campaignRow(campaignID, senderID, model.CampaignActive))
	env.mock.ExpectQuery(qGetStep).
		WillReturnRows(stepRow(stepID, campaignID, 1, uuid.NullUUID{}))
	env.mock.ExpectExec(qMarkSending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectExec(qMarkSent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAggregates(env.mock)
	// Step 1 of 2 settles, so the completion check stops at the order test.
	env.mock.ExpectQuery(qMaxStepOrder).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))

	mailer := &fakeMailer{header: "<abc@mail.gmail.com>"}
	w := newSendWorker(env, mailer)
	err := w.Handle(context.Background(), sendJob(t, recordID))
	require.NoError(t, err)
	require.Equal(t, 1, mailer.sends)
	require.Equal(t, "pat@example.com", mailer.lastMsg.To)
	require.Equal(t, "Hi Pat", mailer.lastMsg.Subject)
	require.NoError(t, env.mock.ExpectationsWereMet())

	// The claimed slot stays spent after a successful send.
	used, err := env.ledger.Used(context.Background(), senderID.String(), time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 1, used)
}

func TestSendThreadsUnderParentRecord(t *testing.T) {
	env := newWorkerEnv(t)
	recordID, campaignID, stepID, contactID, senderID, parentStepID :=
		uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()

	env.mock.ExpectQuery(qGetRecord).
		WillReturnRows(recordRow(recordID, campaignID, stepID, contactID, senderID,
			model.DeliveryQueued, time.Now()))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectQuery(qGetSender).
		WillReturnRows(senderRow(senderID, 100))
	env.mock.ExpectQuery(qGetContact).
		WillReturnRows(contactRow(contactID, true, model.ContactActive))
	env.mock.ExpectQuery(qGetCampaign).
		WillReturnRows(campaignRow(campaignID, senderID, model.CampaignActive))
	env.mock.ExpectQuery(qGetStep).
		WillReturnRows(stepRow(stepID, campaignID, 2, uuid.NullUUID{UUID: parentStepID, Valid: true}))
	env.mock.ExpectExec(qMarkSending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	parent := sqlmock.NewRows(recordColumns).AddRow(
		uuid.New(), campaignID, parentStepID, contactID, senderID,
		"Original subject", "<p>first</p>",
		model.DeliverySent, time.Now().Add(-48*time.Hour),
		time.Now().Add(-48*time.Hour), "prov-0", "thr-0", "<parent@mail.gmail.com>",
		nil, nil, nil, nil, nil,
		nil, nil, time.Now(), time.Now())
	env.mock.ExpectQuery(qThreadRecord).WillReturnRows(parent)

	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectExec(qMarkSent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAggregates(env.mock)
	env.mock.ExpectQuery(qMaxStepOrder).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))

	mailer := &fakeMailer{header: "<child@mail.gmail.com>"}
	w := newSendWorker(env, mailer)
	err := w.Handle(context.Background(), sendJob(t, recordID))
	require.NoError(t, err)

	require.NotNil(t, mailer.lastMsg.Thread)
	require.Equal(t, "thr-0", mailer.lastMsg.Thread.ThreadID)
	require.Equal(t, "<parent@mail.gmail.com>", mailer.lastMsg.Thread.InReplyTo)
	require.Equal(t, "Original subject", mailer.lastMsg.Subject,
		"follow-up must reuse the parent subject verbatim")
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSendPermanentFailureFailsOnce(t *testing.T) {
	env := newWorkerEnv(t)
	recordID, campaignID, stepID, contactID, senderID :=
		uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()

	env.mock.ExpectQuery(qGetRecord).
		WillReturnRows(recordRow(recordID, campaignID, stepID, contactID, senderID,
			model.DeliveryQueued, time.Now()))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectQuery(qGetSender).
		WillReturnRows(senderRow(senderID, 100))
	env.mock.ExpectQuery(qGetContact).
		WillReturnRows(contactRow(contactID, true, model.ContactActive))
	env.mock.ExpectQuery(qGetCampaign).
		WillReturnRows(campaignRow(campaignID, senderID, model.CampaignActive))
	env.mock.ExpectQuery(qGetStep).
		WillReturnRows(stepRow(stepID, campaignID, 1, uuid.NullUUID{}))
	env.mock.ExpectExec(qMarkSending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectExec(qMarkFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAggregates(env.mock)
	env.mock.ExpectQuery(qMaxStepOrder).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))

	mailer := &fakeMailer{sendErr: &provider.Error{
		Class: provider.ClassPermanent, Code: "http_400", Message: "invalid recipient",
	}}
	w := newSendWorker(env, mailer)
	err := w.Handle(context.Background(), sendJob(t, recordID))
	require.NoError(t, err, "permanent failures settle the record, the job must not retry")
	require.NoError(t, env.mock.ExpectationsWereMet())

	// The unused slot went back to the ledger.
	used, err := env.ledger.Used(context.Background(), senderID.String(), time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 0, used)
}

func TestSendTransientFailureSurfacesForRetry(t *testing.T) {
	env := newWorkerEnv(t)
	recordID, campaignID, stepID, contactID, senderID :=
		uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()

	env.mock.ExpectQuery(qGetRecord).
		WillReturnRows(recordRow(recordID, campaignID, stepID, contactID, senderID,
			model.DeliveryQueued, time.Now()))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectQuery(qGetSender).
		WillReturnRows(senderRow(senderID, 100))
	env.mock.ExpectQuery(qGetContact).
		WillReturnRows(contactRow(contactID, true, model.ContactActive))
	env.mock.ExpectQuery(qGetCampaign).
		WillReturnRows(campaignRow(campaignID, senderID, model.CampaignActive))
	env.mock.ExpectQuery(qGetStep).
		WillReturnRows(stepRow(stepID, campaignID, 1, uuid.NullUUID{}))
	env.mock.ExpectExec(qMarkSending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectExec(qSoftBounce).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mailer := &fakeMailer{sendErr: &provider.Error{
		Class: provider.ClassTransient, Code: "http_500", Message: "backend error",
	}}
	w := newSendWorker(env, mailer)
	err := w.Handle(context.Background(), sendJob(t, recordID))
	require.Error(t, err, "transient failures must consume a job attempt")
	require.NoError(t, env.mock.ExpectationsWereMet())

	used, err := env.ledger.Used(context.Background(), senderID.String(), time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 0, used)
}

// A transient failure on the job's last attempt dead-letters the job, so
// the record must settle FAILED (with the failed counter bumped) instead
// of staying BOUNCED forever.
func TestSendTransientFailureOnFinalAttemptSettlesRecord(t *testing.T) {
	env := newWorkerEnv(t)
	recordID, campaignID, stepID, contactID, senderID :=
		uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()

	env.mock.ExpectQuery(qGetRecord).
		WillReturnRows(recordRow(recordID, campaignID, stepID, contactID, senderID,
			model.DeliveryQueued, time.Now()))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectQuery(qGetSender).
		WillReturnRows(senderRow(senderID, 100))
	env.mock.ExpectQuery(qGetContact).
		WillReturnRows(contactRow(contactID, true, model.ContactActive))
	env.mock.ExpectQuery(qGetCampaign).
		WillReturnRows(campaignRow(campaignID, senderID, model.CampaignActive))
	env.mock.ExpectQuery(qGetStep).
		WillReturnRows(stepRow(stepID, campaignID, 1, uuid.NullUUID{}))
	env.mock.ExpectExec(qMarkSending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectExec(qMarkFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAggregates(env.mock)
	env.mock.ExpectQuery(qMaxStepOrder).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))

	mailer := &fakeMailer{sendErr: &provider.Error{
		Class: provider.ClassTransient, Code: "http_500", Message: "backend error",
	}}
	w := newSendWorker(env, mailer)
	job := sendJob(t, recordID)
	job.Attempts = job.MaxAttempts - 1
	err := w.Handle(context.Background(), job)
	require.Error(t, err, "the exhausted job must still surface the failure")
	require.NoError(t, env.mock.ExpectationsWereMet())

	used, err := env.ledger.Used(context.Background(), senderID.String(), time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 0, used)
}

func TestSendUnsubscribedContactCancels(t *testing.T) {
	env := newWorkerEnv(t)
	recordID, campaignID, senderID, contactID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	env.mock.ExpectQuery(qGetRecord).
		WillReturnRows(recordRow(recordID, campaignID, uuid.New(), contactID, senderID,
			model.DeliveryQueued, time.Now()))
	env.mock.ExpectQuery(qCampaignStatus).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))
	env.mock.ExpectQuery(qGetSender).
		WillReturnRows(senderRow(senderID, 100))
	env.mock.ExpectQuery(qGetContact).
		WillReturnRows(contactRow(contactID, false, model.ContactUnsubscribed))
	env.mock.ExpectExec(qMarkCancelled).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mailer := &fakeMailer{}
	w := newSendWorker(env, mailer)
	err := w.Handle(context.Background(), sendJob(t, recordID))
	require.NoError(t, err)
	require.Zero(t, mailer.sends)
	require.NoError(t, env.mock.ExpectationsWereMet())

	used, err := env.ledger.Used(context.Background(), senderID.String(), time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 0, used)
}
