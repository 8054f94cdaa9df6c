// Package tracking signs and serves open/click/unsubscribe URLs. Every
// URL embeds the delivery record id plus an HMAC signature so engagement
// cannot be forged or replayed against other records.
package tracking

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/store"
)

// Service generates tracking URLs at compose time and processes the
// callbacks at serve time.
type Service struct {
	store      *store.Store
	signingKey []byte
	baseURL    string
}

// NewService creates the tracking service.
func NewService(st *store.Store, signingKey, baseURL string) *Service {
	return &Service{
		store:      st,
		signingKey: []byte(signingKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// OpenPixelURL returns the signed open-tracking pixel URL for a record.
func (s *Service) OpenPixelURL(recordID uuid.UUID) string {
	data := recordID.String()
	return fmt.Sprintf("%s/t/open/%s/%s", s.baseURL, s.encode(data), s.sign(data))
}

// ClickURL wraps an original link in a signed redirect.
func (s *Service) ClickURL(recordID uuid.UUID, originalURL string) string {
	data := recordID.String() + "|" + originalURL
	return fmt.Sprintf("%s/t/click/%s/%s", s.baseURL, s.encode(data), s.sign(data))
}

// UnsubscribeURL returns the signed unsubscribe URL for a record.
func (s *Service) UnsubscribeURL(recordID uuid.UUID) string {
	data := recordID.String()
	return fmt.Sprintf("%s/t/unsubscribe/%s/%s", s.baseURL, s.encode(data), s.sign(data))
}

func (s *Service) encode(data string) string {
	return base64.URLEncoding.EncodeToString([]byte(data))
}

func (s *Service) sign(data string) string {
	h := hmac.New(sha256.New, s.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (s *Service) decode(encoded, signature string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid encoding")
	}
	data := string(decoded)
	if !hmac.Equal([]byte(s.sign(data)), []byte(signature)) {
		return "", fmt.Errorf("invalid signature")
	}
	return data, nil
}

// HandleOpen records the first open of a delivery record.
func (s *Service) HandleOpen(ctx context.Context, encoded, signature string) error {
	data, err := s.decode(encoded, signature)
	if err != nil {
		return err
	}
	recordID, err := uuid.Parse(data)
	if err != nil {
		return fmt.Errorf("invalid record id")
	}

	first, err := s.store.MarkOpened(ctx, recordID)
	if err != nil || !first {
		return err
	}
	return s.bumpAggregates(ctx, recordID, store.AggregateDelta{Opened: 1})
}

// HandleClick records a click (which implies an open) and returns the
// destination URL for the redirect.
func (s *Service) HandleClick(ctx context.Context, encoded, signature string) (string, error) {
	data, err := s.decode(encoded, signature)
	if err != nil {
		return "", err
	}
	idStr, dest, ok := strings.Cut(data, "|")
	if !ok {
		return "", fmt.Errorf("malformed click payload")
	}
	recordID, err := uuid.Parse(idStr)
	if err != nil {
		return "", fmt.Errorf("invalid record id")
	}
	if u, err := url.Parse(dest); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid destination")
	}

	delta := store.AggregateDelta{}
	if first, err := s.store.MarkOpened(ctx, recordID); err == nil && first {
		delta.Opened = 1
	}
	if first, err := s.store.MarkClicked(ctx, recordID); err != nil {
		return "", err
	} else if first {
		delta.Clicked = 1
	}
	if delta != (store.AggregateDelta{}) {
		if err := s.bumpAggregates(ctx, recordID, delta); err != nil {
			logger.Warn("click aggregate update failed", "record_id", recordID, "error", err)
		}
	}
	return dest, nil
}

// HandleUnsubscribe marks the contact unsubscribed across the board and
// stamps the record.
func (s *Service) HandleUnsubscribe(ctx context.Context, encoded, signature string) error {
	data, err := s.decode(encoded, signature)
	if err != nil {
		return err
	}
	recordID, err := uuid.Parse(data)
	if err != nil {
		return fmt.Errorf("invalid record id")
	}

	record, err := s.store.GetDeliveryRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("unknown record")
	}

	if err := s.store.MarkContactUnsubscribed(ctx, record.ContactID); err != nil {
		return err
	}
	first, err := s.store.MarkUnsubscribed(ctx, recordID)
	if err != nil || !first {
		return err
	}
	return s.store.IncrementAggregates(ctx, record.CampaignID, record.StepID,
		store.AggregateDelta{Unsubscribed: 1})
}

func (s *Service) bumpAggregates(ctx context.Context, recordID uuid.UUID, d store.AggregateDelta) error {
	record, err := s.store.GetDeliveryRecord(ctx, recordID)
	if err != nil || record == nil {
		return err
	}
	return s.store.IncrementAggregates(ctx, record.CampaignID, record.StepID, d)
}

// Inject rewrites the HTML body with an open pixel and tracked links.
// Called only when the campaign has engagement tracking enabled; the
// unsubscribe URL is injected unconditionally elsewhere.
func (s *Service) Inject(html string, recordID uuid.UUID) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" />`,
		s.OpenPixelURL(recordID))
	if strings.Contains(html, "</body>") {
		html = strings.Replace(html, "</body>", pixel+"</body>", 1)
	} else {
		html += pixel
	}
	return s.rewriteLinks(html, recordID)
}

// rewriteLinks wraps href targets in tracked redirects, leaving the
// engine's own URLs alone.
func (s *Service) rewriteLinks(html string, recordID uuid.UUID) string {
	var b strings.Builder
	rest := html
	for {
		idx := strings.Index(rest, `href="http`)
		if idx == -1 {
			b.WriteString(rest)
			break
		}
		start := idx + len(`href="`)
		end := strings.Index(rest[start:], `"`)
		if end == -1 {
			b.WriteString(rest)
			break
		}

		original := rest[start : start+end]
		b.WriteString(rest[:start])
		if strings.HasPrefix(original, s.baseURL+"/t/") {
			b.WriteString(original)
		} else {
			b.WriteString(s.ClickURL(recordID, original))
		}
		rest = rest[start+end:]
	}
	return b.String()
}
