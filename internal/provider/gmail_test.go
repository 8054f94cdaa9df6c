package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cadencehq/cadence/internal/pkg/httpretry"
)

func testMailbox(t *testing.T, handler http.Handler) *GmailMailbox {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &GmailMailbox{
		http:    httpretry.New(srv.Client(), 1),
		baseURL: srv.URL,
	}
}

func TestGmailSend_ThreadsUnderPriorMessage(t *testing.T) {
	var got gmailSendRequest
	m := testMailbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages/send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(gmailSendResponse{ID: "msg-1", ThreadID: "thread-1"})
	}))

	res, err := m.Send(context.Background(), &Message{
		FromEmail: "s@example.com",
		To:        "c@example.com",
		Subject:   "Quick question",
		BodyHTML:  "<p>hi</p>",
		Thread: &ThreadHeaders{
			ThreadID:  "thread-1",
			InReplyTo: "<prior@mail.example.com>",
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ProviderMessageID != "msg-1" || res.ThreadID != "thread-1" {
		t.Errorf("result = %+v", res)
	}
	if got.ThreadID != "thread-1" {
		t.Errorf("request threadId = %q", got.ThreadID)
	}

	raw, err := base64.RawURLEncoding.DecodeString(got.Raw)
	if err != nil {
		t.Fatalf("raw not base64url: %v", err)
	}
	mime := string(raw)
	if !strings.Contains(mime, "In-Reply-To: <prior@mail.example.com>") {
		t.Error("In-Reply-To header missing from MIME")
	}
	if !strings.Contains(mime, "References: <prior@mail.example.com>") {
		t.Error("References header missing from MIME")
	}
}

func TestGmailSend_ClassifiesRejection(t *testing.T) {
	m := testMailbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid To header"}}`, http.StatusBadRequest)
	}))

	_, err := m.Send(context.Background(), &Message{To: "bad"})
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != ClassPermanent {
		t.Errorf("Classify = %v, want permanent", Classify(err))
	}
}

func TestGmailMessageIDHeader(t *testing.T) {
	m := testMailbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/users/me/messages/msg-1") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":"msg-1","payload":{"headers":[
			{"name":"Message-Id","value":"<abc@mail.gmail.com>"}]}}`))
	}))

	header, err := m.MessageIDHeader(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("MessageIDHeader: %v", err)
	}
	if header != "<abc@mail.gmail.com>" {
		t.Errorf("header = %q", header)
	}
}

func TestGmailScan_EmptyCursorInitializes(t *testing.T) {
	m := testMailbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/profile" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"historyId":"9000"}`))
	}))

	res, err := m.Scan(context.Background(), "")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Cursor != "9000" || len(res.Events) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestGmailScan_ClassifiesBounceAndReply(t *testing.T) {
	m := testMailbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/users/me/history":
			w.Write([]byte(`{"historyId":"9100","history":[
				{"messagesAdded":[{"message":{"id":"bounce-1"}},{"message":{"id":"reply-1"}},{"message":{"id":"other-1"}}]}]}`))
		case strings.Contains(r.URL.Path, "bounce-1"):
			w.Write([]byte(`{"id":"bounce-1","payload":{"headers":[
				{"name":"From","value":"Mail Delivery Subsystem <mailer-daemon@googlemail.com>"},
				{"name":"In-Reply-To","value":"<sent-1@mail.gmail.com>"},
				{"name":"X-Failed-Recipients","value":"gone@example.com"}]}}`))
		case strings.Contains(r.URL.Path, "reply-1"):
			w.Write([]byte(`{"id":"reply-1","payload":{"headers":[
				{"name":"From","value":"Carol <carol@example.com>"},
				{"name":"In-Reply-To","value":"<sent-2@mail.gmail.com>"}]}}`))
		default:
			// A plain inbound message, not an engine signal.
			w.Write([]byte(`{"id":"other-1","payload":{"headers":[
				{"name":"From","value":"Dave <dave@example.com>"}]}}`))
		}
	}))

	res, err := m.Scan(context.Background(), "9000")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Cursor != "9100" {
		t.Errorf("cursor = %q, want 9100", res.Cursor)
	}
	if len(res.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(res.Events))
	}
	if res.Events[0].Kind != EventBounce || res.Events[0].Recipient != "gone@example.com" {
		t.Errorf("bounce event = %+v", res.Events[0])
	}
	if res.Events[1].Kind != EventReply || res.Events[1].InReplyTo != "<sent-2@mail.gmail.com>" {
		t.Errorf("reply event = %+v", res.Events[1])
	}
}

func TestGmailScan_ExpiredCursorResets(t *testing.T) {
	m := testMailbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/me/history" {
			http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"historyId":"9500"}`))
	}))

	res, err := m.Scan(context.Background(), "1")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Cursor != "9500" || len(res.Events) != 0 {
		t.Errorf("result = %+v", res)
	}
}
