package worker

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/tracking"
)

// Composer renders the final message from a delivery record's content
// snapshot: Liquid personalization, optional engagement tracking, and
// the unconditional unsubscribe footer.
type Composer struct {
	engine  *liquid.Engine
	cache   sync.Map // template source -> *liquid.Template
	tracker *tracking.Service
}

// NewComposer creates a composer. tracker may be nil only when tracking
// is disabled in configuration; the unsubscribe footer and header then
// fall back to a mailto: link.
func NewComposer(tracker *tracking.Service) *Composer {
	return &Composer{
		engine:  liquid.NewEngine(),
		tracker: tracker,
	}
}

// Render evaluates one Liquid template against a contact context.
// Templates are parsed once and cached by source.
func (c *Composer) Render(source string, binding map[string]interface{}) (string, error) {
	var tpl *liquid.Template
	if cached, ok := c.cache.Load(source); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := c.engine.ParseString(source)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		c.cache.Store(source, parsed)
		tpl = parsed
	}

	out, err := tpl.Render(binding)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return string(out), nil
}

func contactBinding(contact *model.Contact, sender *model.Sender) map[string]interface{} {
	return map[string]interface{}{
		"first_name":   contact.FirstName,
		"last_name":    contact.LastName,
		"email":        contact.Email,
		"sender_email": sender.Email,
	}
}

// Compose builds the outbound message for a delivery record. Engagement
// tracking is injected only when the campaign asks for it; the
// unsubscribe mechanism is injected regardless, tracking settings do not
// opt a campaign out of compliance.
func (c *Composer) Compose(record *model.DeliveryRecord, campaign *model.Campaign, contact *model.Contact, sender *model.Sender) (*provider.Message, error) {
	binding := contactBinding(contact, sender)

	subject, err := c.Render(record.Subject, binding)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	html, err := c.Render(record.BodyHTML, binding)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}

	msg := &provider.Message{
		FromEmail: sender.Email,
		To:        contact.Email,
		Subject:   subject,
	}

	if c.tracker != nil {
		msg.UnsubscribeURL = c.tracker.UnsubscribeURL(record.ID)
		if campaign.TrackEngagement {
			html = c.tracker.Inject(html, record.ID)
		}
	} else {
		msg.UnsubscribeURL = "mailto:" + sender.Email + "?subject=unsubscribe"
	}
	html = appendUnsubscribeFooter(html, msg.UnsubscribeURL)

	msg.BodyHTML = html
	return msg, nil
}

func appendUnsubscribeFooter(html, unsubURL string) string {
	footer := fmt.Sprintf(
		`<p style="font-size:12px;color:#888;margin-top:24px"><a href="%s">Unsubscribe</a></p>`,
		unsubURL)
	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", footer+"</body>", 1)
	}
	return html + footer
}
