package tracking

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/store"
)

func testService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(store.New(db), "test-key", "https://t.example.com"), mock
}

func splitURL(t *testing.T, u string) (payload, sig string) {
	t.Helper()
	parts := strings.Split(u, "/")
	if len(parts) < 2 {
		t.Fatalf("malformed URL %q", u)
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

func TestHandleOpen_RejectsBadSignature(t *testing.T) {
	s, _ := testService(t)

	payload, _ := splitURL(t, s.OpenPixelURL(uuid.New()))
	if err := s.HandleOpen(context.Background(), payload, "deadbeefdeadbeef"); err == nil {
		t.Error("tampered signature accepted")
	}
}

func TestHandleOpen_FirstOpenBumpsAggregates(t *testing.T) {
	s, mock := testService(t)
	recordID := uuid.New()

	mock.ExpectExec(`SET opened_at = NOW`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM delivery_records WHERE id`).WillReturnRows(deliveryRow(recordID))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE campaign_steps`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payload, sig := splitURL(t, s.OpenPixelURL(recordID))
	if err := s.HandleOpen(context.Background(), payload, sig); err != nil {
		t.Fatalf("HandleOpen: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleOpen_RepeatOpenIsNoop(t *testing.T) {
	s, mock := testService(t)
	recordID := uuid.New()

	mock.ExpectExec(`SET opened_at = NOW`).WillReturnResult(sqlmock.NewResult(0, 0))

	payload, sig := splitURL(t, s.OpenPixelURL(recordID))
	if err := s.HandleOpen(context.Background(), payload, sig); err != nil {
		t.Fatalf("HandleOpen: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleClick_ReturnsDestination(t *testing.T) {
	s, mock := testService(t)
	recordID := uuid.New()

	// Click implies open; both already stamped here, so no aggregates.
	mock.ExpectExec(`SET opened_at = NOW`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET clicked_at = NOW`).WillReturnResult(sqlmock.NewResult(0, 0))

	payload, sig := splitURL(t, s.ClickURL(recordID, "https://example.com/pricing"))
	dest, err := s.HandleClick(context.Background(), payload, sig)
	if err != nil {
		t.Fatalf("HandleClick: %v", err)
	}
	if dest != "https://example.com/pricing" {
		t.Errorf("dest = %q", dest)
	}
}

func TestHandleClick_RejectsNonHTTPDestination(t *testing.T) {
	s, _ := testService(t)

	payload, sig := splitURL(t, s.ClickURL(uuid.New(), "javascript:alert(1)"))
	if _, err := s.HandleClick(context.Background(), payload, sig); err == nil {
		t.Error("non-http destination accepted")
	}
}

func TestInject_PixelAndLinkRewrite(t *testing.T) {
	s, _ := testService(t)
	recordID := uuid.New()

	html := `<html><body><a href="https://example.com/demo">Demo</a></body></html>`
	out := s.Inject(html, recordID)

	if !strings.Contains(out, "https://t.example.com/t/open/") {
		t.Error("open pixel not injected")
	}
	if !strings.Contains(out, "https://t.example.com/t/click/") {
		t.Error("link not rewritten")
	}
	if strings.Contains(out, `href="https://example.com/demo"`) {
		t.Error("original link left untracked")
	}
}

func TestInject_LeavesOwnURLsAlone(t *testing.T) {
	s, _ := testService(t)
	recordID := uuid.New()

	unsub := s.UnsubscribeURL(recordID)
	html := `<body><a href="` + unsub + `">Unsubscribe</a></body>`
	out := s.Inject(html, recordID)

	if !strings.Contains(out, `href="`+unsub+`"`) {
		t.Error("unsubscribe link was double-wrapped")
	}
}

func deliveryRow(id uuid.UUID) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "campaign_id", "step_id", "contact_id", "sender_id",
		"subject", "body_html", "status", "scheduled_at", "sent_at", "provider_message_id",
		"thread_id", "message_id_header", "opened_at", "clicked_at", "replied_at",
		"unsubscribed_at", "bounced_at", "error_code", "error_message", "created_at", "updated_at"}).
		AddRow(id, uuid.New(), uuid.New(), uuid.New(), uuid.New(),
			"s", "b", "sent", now, nil, nil,
			nil, nil, nil, nil, nil, nil, nil, nil, nil, now, now)
}
