// Package provider abstracts the mail providers behind two narrow
// interfaces: Mailer for sending and MailboxScanner for incremental
// bounce/reply detection. Errors carry a class (transient, permanent,
// auth) so callers decide retry behavior without inspecting provider
// wire formats.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class buckets a provider failure for retry decisions.
type Class int

const (
	// ClassTransient covers network errors, 5xx, and rate limits. The
	// queue retries these with backoff.
	ClassTransient Class = iota
	// ClassPermanent covers rejected recipients and malformed messages.
	// Never retried.
	ClassPermanent
	// ClassAuth covers expired or revoked credentials. One token refresh
	// is attempted; a failed refresh is terminal for the sender.
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassAuth:
		return "auth"
	default:
		return "transient"
	}
}

// Error is a classified provider failure.
type Error struct {
	Class   Class
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Class, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrReauthRequired means the refresh token itself is invalid. The
// sender needs user re-authorization; retrying cannot help.
var ErrReauthRequired = errors.New("sender re-authorization required")

// Classify extracts the failure class from an error chain. Unclassified
// errors default to transient, which errs toward retrying.
func Classify(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, ErrReauthRequired) {
		return ClassAuth
	}
	return ClassTransient
}

// classifyStatus maps an HTTP status to a failure class.
func classifyStatus(code int) Class {
	switch {
	case code == 401 || code == 403:
		return ClassAuth
	case code == 429 || code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// ThreadHeaders link a message under a prior one. Providers thread by
// exact subject match plus these headers.
type ThreadHeaders struct {
	ThreadID   string // provider thread identifier
	InReplyTo  string // Message-ID header of the prior message
	References string
}

// Message is one outbound email.
type Message struct {
	FromName  string
	FromEmail string
	To        string
	Subject   string
	BodyHTML  string

	Thread *ThreadHeaders

	// UnsubscribeURL feeds the List-Unsubscribe header.
	UnsubscribeURL string
}

// SendResult carries the provider identifiers of an accepted send.
type SendResult struct {
	ProviderMessageID string
	ThreadID          string
	SentAt            time.Time
}

// Mailer sends email for one sender identity.
type Mailer interface {
	// Send delivers the message. A non-nil error is classifiable via
	// Classify.
	Send(ctx context.Context, msg *Message) (*SendResult, error)
	// MessageIDHeader resolves a provider message id to its RFC 5322
	// Message-ID header, which later steps thread against.
	MessageIDHeader(ctx context.Context, providerMessageID string) (string, error)
}

// EventKind discriminates mailbox scan events.
type EventKind string

const (
	EventBounce EventKind = "bounce"
	EventReply  EventKind = "reply"
)

// MailboxEvent is one inbound signal discovered by a scan.
type MailboxEvent struct {
	Kind EventKind
	// InReplyTo is the Message-ID header of the message being answered
	// or bounced, when the provider exposes it.
	InReplyTo string
	// Recipient is the failed address, for bounces that report one.
	Recipient string
	At        time.Time
}

// ScanResult holds one incremental scan's events plus the cursor to
// resume from next time.
type ScanResult struct {
	Events []MailboxEvent
	Cursor string
}

// MailboxScanner reads a sender's mailbox incrementally. Senders whose
// provider has no readable mailbox (SES) do not implement it.
type MailboxScanner interface {
	// Scan reads events after cursor. An empty cursor initializes the
	// position at the current mailbox state without reporting history.
	Scan(ctx context.Context, cursor string) (*ScanResult, error)
}
