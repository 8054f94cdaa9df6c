package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/store"
)

// Providers resolves a sender to its mail provider implementation.
type Providers struct {
	store *store.Store
	gmail *provider.GmailService
	ses   *provider.SESMailer
}

// NewProviders creates the registry. Either provider may be nil when not
// configured; senders routed to a missing provider fail their jobs.
func NewProviders(st *store.Store, gmail *provider.GmailService, ses *provider.SESMailer) *Providers {
	return &Providers{store: st, gmail: gmail, ses: ses}
}

// MailerFor returns the Mailer for a sender. Gmail mailers persist
// refreshed tokens back to the sender row.
func (p *Providers) MailerFor(sender *model.Sender) (provider.Mailer, error) {
	switch sender.Provider {
	case "gmail":
		if p.gmail == nil {
			return nil, fmt.Errorf("gmail provider not configured")
		}
		return p.gmail.Mailbox(gmailCreds(sender), p.persister(sender)), nil
	case "ses":
		if p.ses == nil {
			return nil, fmt.Errorf("ses provider not configured")
		}
		return p.ses, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", sender.Provider)
	}
}

// ScannerFor returns the sender's mailbox scanner, or false when the
// provider has no readable mailbox.
func (p *Providers) ScannerFor(sender *model.Sender) (provider.MailboxScanner, bool) {
	if sender.Provider != "gmail" || p.gmail == nil {
		return nil, false
	}
	return p.gmail.Mailbox(gmailCreds(sender), p.persister(sender)), true
}

// RefreshToken forces a token refresh for a sender and persists the
// result. Returns ErrReauthRequired (classified) when the refresh token
// is no longer valid.
func (p *Providers) RefreshToken(ctx context.Context, sender *model.Sender) error {
	if sender.Provider != "gmail" || p.gmail == nil {
		return fmt.Errorf("no refreshable credentials for provider %q", sender.Provider)
	}
	access, expiry, err := p.gmail.Refresh(ctx, sender.RefreshToken)
	if err != nil {
		return err
	}
	sender.AccessToken = access
	sender.TokenExpiry = sql.NullTime{Time: expiry, Valid: !expiry.IsZero()}
	return p.store.UpdateSenderToken(ctx, sender.ID, access, sender.TokenExpiry)
}

func gmailCreds(sender *model.Sender) provider.Credentials {
	creds := provider.Credentials{
		AccessToken:  sender.AccessToken,
		RefreshToken: sender.RefreshToken,
	}
	if sender.TokenExpiry.Valid {
		creds.Expiry = sender.TokenExpiry.Time
	}
	return creds
}

func (p *Providers) persister(sender *model.Sender) provider.TokenPersister {
	senderID := sender.ID
	return func(ctx context.Context, accessToken string, expiry time.Time) error {
		return p.store.UpdateSenderToken(ctx, senderID, accessToken,
			sql.NullTime{Time: expiry, Valid: !expiry.IsZero()})
	}
}
