package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/cadencehq/cadence/internal/pkg/httpretry"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1"

var gmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.readonly",
}

// GmailService holds the OAuth application client shared by all Gmail
// senders. Per-sender mailboxes are derived from it with that sender's
// tokens.
type GmailService struct {
	oauth   *oauth2.Config
	timeout time.Duration
	baseURL string
}

// NewGmailService creates the service from the application OAuth client.
func NewGmailService(clientID, clientSecret string, timeout time.Duration) *GmailService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GmailService{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       gmailScopes,
		},
		timeout: timeout,
		baseURL: gmailBaseURL,
	}
}

// Refresh exchanges a refresh token for a new access token, bypassing
// any cached token. Used by the detection worker's refresh-once retry
// rule when the provider rejects a token that has not nominally expired.
func (g *GmailService) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	src := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
			return "", time.Time{}, &Error{Class: ClassAuth, Code: "invalid_grant",
				Message: "refresh token rejected", Err: ErrReauthRequired}
		}
		return "", time.Time{}, &Error{Class: ClassTransient, Code: "token_refresh",
			Message: "token refresh failed", Err: err}
	}
	return tok.AccessToken, tok.Expiry, nil
}

// Credentials are one sender's stored OAuth tokens.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenPersister stores a refreshed access token. Called at most once
// per refresh, outside any transaction.
type TokenPersister func(ctx context.Context, accessToken string, expiry time.Time) error

// Mailbox returns the Mailer/MailboxScanner for one sender. Token
// refreshes happen transparently inside the HTTP transport and are
// reported through persist.
func (g *GmailService) Mailbox(creds Credentials, persist TokenPersister) *GmailMailbox {
	ts := &persistingTokenSource{
		src: g.oauth.TokenSource(context.Background(), &oauth2.Token{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			Expiry:       creds.Expiry,
		}),
		lastAccess: creds.AccessToken,
		persist:    persist,
	}
	httpClient := &http.Client{
		Timeout:   g.timeout,
		Transport: &oauth2.Transport{Source: ts},
	}
	return &GmailMailbox{
		http:    httpretry.New(httpClient, 3),
		baseURL: g.baseURL,
	}
}

// persistingTokenSource saves refreshed access tokens so the next worker
// does not pay for another refresh. An invalid refresh token surfaces as
// ErrReauthRequired.
type persistingTokenSource struct {
	src     oauth2.TokenSource
	persist TokenPersister

	mu         sync.Mutex
	lastAccess string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
			return nil, &Error{Class: ClassAuth, Code: "invalid_grant",
				Message: "refresh token rejected", Err: ErrReauthRequired}
		}
		return nil, &Error{Class: ClassAuth, Code: "token_refresh",
			Message: "token refresh failed", Err: err}
	}

	p.mu.Lock()
	changed := tok.AccessToken != p.lastAccess
	if changed {
		p.lastAccess = tok.AccessToken
	}
	p.mu.Unlock()

	if changed && p.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if perr := p.persist(ctx, tok.AccessToken, tok.Expiry); perr != nil {
			// The token itself is still usable.
			return tok, nil
		}
	}
	return tok, nil
}

// GmailMailbox is one sender's Gmail access.
type GmailMailbox struct {
	http    httpretry.Doer
	baseURL string
}

type gmailSendRequest struct {
	Raw      string `json:"raw"`
	ThreadID string `json:"threadId,omitempty"`
}

type gmailSendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// Send delivers one message through the Gmail API, threading it when
// headers are present.
func (m *GmailMailbox) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	req := gmailSendRequest{
		Raw: base64.RawURLEncoding.EncodeToString([]byte(buildMIME(msg))),
	}
	if msg.Thread != nil {
		req.ThreadID = msg.Thread.ThreadID
	}

	var resp gmailSendResponse
	if err := m.call(ctx, http.MethodPost, "/users/me/messages/send", req, &resp); err != nil {
		return nil, err
	}
	return &SendResult{
		ProviderMessageID: resp.ID,
		ThreadID:          resp.ThreadID,
		SentAt:            time.Now(),
	}, nil
}

type gmailMessageMeta struct {
	ID        string `json:"id"`
	HistoryID string `json:"historyId"`
	Payload   struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
	InternalDate string `json:"internalDate"`
}

func (meta *gmailMessageMeta) header(name string) string {
	for _, h := range meta.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// MessageIDHeader resolves the RFC 5322 Message-ID of a sent message.
func (m *GmailMailbox) MessageIDHeader(ctx context.Context, providerMessageID string) (string, error) {
	meta, err := m.messageMeta(ctx, providerMessageID)
	if err != nil {
		return "", err
	}
	header := meta.header("Message-Id")
	if header == "" {
		header = meta.header("Message-ID")
	}
	if header == "" {
		return "", &Error{Class: ClassPermanent, Code: "no_message_id",
			Message: fmt.Sprintf("message %s has no Message-ID header", providerMessageID)}
	}
	return header, nil
}

func (m *GmailMailbox) messageMeta(ctx context.Context, id string) (*gmailMessageMeta, error) {
	path := fmt.Sprintf("/users/me/messages/%s?format=metadata"+
		"&metadataHeaders=Message-Id&metadataHeaders=From&metadataHeaders=In-Reply-To"+
		"&metadataHeaders=X-Failed-Recipients", url.PathEscape(id))
	var meta gmailMessageMeta
	if err := m.call(ctx, http.MethodGet, path, nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

type gmailProfile struct {
	HistoryID string `json:"historyId"`
}

type gmailHistoryResponse struct {
	History []struct {
		MessagesAdded []struct {
			Message struct {
				ID string `json:"id"`
			} `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	HistoryID     string `json:"historyId"`
	NextPageToken string `json:"nextPageToken"`
}

// Scan reads mailbox changes after cursor via the history API. An empty
// cursor initializes the position at the mailbox's current history id;
// a cursor the provider no longer accepts (expired history) resets the
// same way rather than failing the scan forever.
func (m *GmailMailbox) Scan(ctx context.Context, cursor string) (*ScanResult, error) {
	if cursor == "" {
		return m.resetCursor(ctx)
	}

	result := &ScanResult{Cursor: cursor}
	pageToken := ""
	for {
		path := fmt.Sprintf("/users/me/history?startHistoryId=%s&historyTypes=messageAdded&labelId=INBOX",
			url.QueryEscape(cursor))
		if pageToken != "" {
			path += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var page gmailHistoryResponse
		if err := m.call(ctx, http.MethodGet, path, nil, &page); err != nil {
			var pe *Error
			if errors.As(err, &pe) && pe.Code == "http_404" {
				return m.resetCursor(ctx)
			}
			return nil, err
		}

		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				event, err := m.classifyMessage(ctx, added.Message.ID)
				if err != nil {
					return nil, err
				}
				if event != nil {
					result.Events = append(result.Events, *event)
				}
			}
		}

		if page.HistoryID != "" {
			result.Cursor = page.HistoryID
		}
		if page.NextPageToken == "" {
			return result, nil
		}
		pageToken = page.NextPageToken
	}
}

func (m *GmailMailbox) resetCursor(ctx context.Context) (*ScanResult, error) {
	var profile gmailProfile
	if err := m.call(ctx, http.MethodGet, "/users/me/profile", nil, &profile); err != nil {
		return nil, err
	}
	return &ScanResult{Cursor: profile.HistoryID}, nil
}

// classifyMessage inspects one inbound message's headers. Bounce reports
// come from the mail daemon; replies carry In-Reply-To. Anything else is
// ignored.
func (m *GmailMailbox) classifyMessage(ctx context.Context, id string) (*MailboxEvent, error) {
	meta, err := m.messageMeta(ctx, id)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Code == "http_404" {
			// Deleted between the history listing and this read.
			return nil, nil
		}
		return nil, err
	}

	at := time.Now()
	if ms := meta.InternalDate; ms != "" {
		var unixMs int64
		if _, err := fmt.Sscanf(ms, "%d", &unixMs); err == nil {
			at = time.UnixMilli(unixMs)
		}
	}

	from := strings.ToLower(meta.header("From"))
	inReplyTo := meta.header("In-Reply-To")

	if strings.Contains(from, "mailer-daemon@") || strings.Contains(from, "postmaster@") {
		return &MailboxEvent{
			Kind:      EventBounce,
			InReplyTo: inReplyTo,
			Recipient: meta.header("X-Failed-Recipients"),
			At:        at,
		}, nil
	}
	if inReplyTo != "" {
		return &MailboxEvent{Kind: EventReply, InReplyTo: inReplyTo, At: at}, nil
	}
	return nil, nil
}

// call executes one JSON API request and decodes the response, turning
// non-2xx statuses into classified errors.
func (m *GmailMailbox) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.http.Do(req)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return pe
		}
		return &Error{Class: ClassTransient, Code: "network", Message: "gmail request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{
			Class:   classifyStatus(resp.StatusCode),
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: fmt.Sprintf("gmail %s %s: %s", method, path, strings.TrimSpace(string(excerpt))),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
