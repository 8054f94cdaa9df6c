package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/quota"
	"github.com/cadencehq/cadence/internal/store"
	"github.com/cadencehq/cadence/internal/worker"
)

type apiEnv struct {
	mock    sqlmock.Sqlmock
	mr      *miniredis.Miniredis
	handler http.Handler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(db)
	q := queue.New(db)
	ledger := quota.NewLedger(rdb)
	br := breaker.New(rdb, 5, time.Minute)
	ctrl := worker.NewController(st, q, time.Minute)

	srv := NewServer(st, q, ledger, br, ctrl, nil)
	return &apiEnv{mock: mock, mr: mr, handler: srv.Handler()}
}

func (e *apiEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestQueueCounts(t *testing.T) {
	env := newAPIEnv(t)

	env.mock.ExpectQuery(`GROUP BY category, status`).
		WillReturnRows(sqlmock.NewRows([]string{"category", "status", "count"}).
			AddRow(queue.CategorySend, queue.StatusWaiting, 12).
			AddRow(queue.CategorySend, queue.StatusDeadLetter, 1))

	rec := env.do(t, http.MethodGet, "/api/queue")
	require.Equal(t, http.StatusOK, rec.Code)

	var counts map[string]queue.Counts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	require.Equal(t, int64(12), counts[queue.CategorySend].Waiting)
	require.Equal(t, int64(1), counts[queue.CategorySend].DeadLetter)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestQuotaSnapshot(t *testing.T) {
	env := newAPIEnv(t)
	senderID := uuid.New()

	env.mock.ExpectQuery(`FROM senders WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "email", "provider", "daily_limit", "timezone",
			"access_token", "refresh_token", "token_expiry", "history_cursor", "created_at",
		}).AddRow(senderID, uuid.New(), "out@example.com", "gmail", 50, "UTC",
			"tok", "ref", time.Now().Add(time.Hour), nil, time.Now()))

	day := time.Now().UTC().Format("2006-01-02")
	env.mr.Set("quota:"+senderID.String()+":"+day+":sent", "7")

	rec := env.do(t, http.MethodGet, "/api/senders/"+senderID.String()+"/quota")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap quota.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, int64(7), snap.Used)
	require.Equal(t, 50, snap.Limit)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestQuotaSnapshotUnknownSender(t *testing.T) {
	env := newAPIEnv(t)
	senderID := uuid.New()

	env.mock.ExpectQuery(`FROM senders WHERE id = \$1`).
		WillReturnError(sql.ErrNoRows)

	rec := env.do(t, http.MethodGet, "/api/senders/"+senderID.String()+"/quota")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBreakerStateClosed(t *testing.T) {
	env := newAPIEnv(t)
	senderID := uuid.New()

	rec := env.do(t, http.MethodGet, "/api/senders/"+senderID.String()+"/breaker")
	require.Equal(t, http.StatusOK, rec.Code)

	var state breaker.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.False(t, state.Open)
	require.Zero(t, state.Failures)
}

func TestActivateCampaign(t *testing.T) {
	env := newAPIEnv(t)
	campaignID := uuid.New()

	env.mock.ExpectExec(`UPDATE campaigns SET status = \$3`).
		WithArgs(campaignID, model.CampaignDraft, model.CampaignActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(`FROM campaign_steps WHERE campaign_id = \$1 ORDER BY step_order`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "campaign_id", "step_order", "trigger_type", "schedule_at", "pacing_minutes",
			"reply_to_step_id", "reply_filter", "subject", "body_html",
			"emails_sent", "emails_failed", "emails_bounced", "created_at",
		}).AddRow(uuid.New(), campaignID, 1, model.TriggerImmediate, nil, 0,
			nil, nil, "Hello", "<p>hi</p>", 0, 0, 0, time.Now()))
	env.mock.ExpectExec(`INSERT INTO engine_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(`SELECT status FROM campaigns WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.CampaignActive))

	rec := env.do(t, http.MethodPost, "/api/campaigns/"+campaignID.String()+"/activate")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), model.CampaignActive)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestActivateRejectsBadTransition(t *testing.T) {
	env := newAPIEnv(t)
	campaignID := uuid.New()

	env.mock.ExpectExec(`UPDATE campaigns SET status = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectExec(`UPDATE campaigns SET status = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := env.do(t, http.MethodPost, "/api/campaigns/"+campaignID.String()+"/activate")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestBadCampaignID(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/api/campaigns/not-a-uuid/activate")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
