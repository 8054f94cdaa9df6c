// Package model holds the domain types shared by the delivery engine:
// campaigns, steps, contacts, senders, and delivery records.
package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Campaign statuses
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// Delivery record statuses
const (
	DeliveryQueued    = "queued"
	DeliverySending   = "sending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryBounced   = "bounced"
	DeliveryFailed    = "failed"
	DeliveryCancelled = "cancelled"
)

// Contact lifecycle statuses. Bounced and unsubscribed are terminal and
// exclude the contact from every campaign, not just the one that observed
// the event.
const (
	ContactActive       = "active"
	ContactBounced      = "bounced"
	ContactUnsubscribed = "unsubscribed"
)

// Step trigger types
const (
	TriggerImmediate = "immediate"
	TriggerSchedule  = "schedule"
)

// Campaign is one outreach campaign: a contact list plus an ordered
// sequence of steps sent through a single sender identity.
type Campaign struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	SenderID        uuid.UUID
	ListID          uuid.UUID
	Name            string
	Status          string
	TrackEngagement bool // open/click analytics tracking (unsubscribe is always injected)

	// Aggregate counters. Monotonically non-decreasing; always equal to the
	// sum of the step counters.
	EmailsSent         int64
	EmailsDelivered    int64
	EmailsOpened       int64
	EmailsClicked      int64
	EmailsBounced      int64
	EmailsFailed       int64
	EmailsReplied      int64
	EmailsUnsubscribed int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt sql.NullTime
}

// CampaignStep is one email in the sequence. Order is 1..N and strictly
// increasing within a campaign.
type CampaignStep struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	Order      int

	TriggerType string       // immediate | schedule
	ScheduleAt  sql.NullTime // only for schedule trigger

	// PacingMinutes is the spacing between consecutive sends of this step
	// within one day.
	PacingMinutes int

	// Reply-dependency: when set, this step goes only to contacts whose
	// engagement on the referenced step matches ReplyFilter exactly.
	ReplyToStepID uuid.NullUUID
	ReplyFilter   sql.NullString // clicked | opened

	Subject  string
	BodyHTML string

	// Per-step counters, rolled up into the campaign aggregates.
	EmailsSent    int64
	EmailsFailed  int64
	EmailsBounced int64

	CreatedAt time.Time
}

// Contact is a recipient in an organization's contact list.
type Contact struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	ListID         uuid.UUID
	Email          string
	FirstName      string
	LastName       string
	Subscribed     bool
	Status         string // active | bounced | unsubscribed
	CreatedAt      time.Time
}

// Sender is a connected mailbox account with a provider-imposed daily
// sending quota.
type Sender struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Email          string
	Provider       string // gmail | ses
	DailyLimit     int
	Timezone       string

	AccessToken  string
	RefreshToken string
	TokenExpiry  sql.NullTime

	// HistoryCursor is the incremental mailbox-scan marker (provider
	// history id) advanced by the detection worker.
	HistoryCursor sql.NullString

	CreatedAt time.Time
}

// DeliveryRecord is one scheduled/sent email instance for a (step, contact)
// pair. Exactly one exists per pair, enforced by an existence check before
// creation.
type DeliveryRecord struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	StepID     uuid.UUID
	ContactID  uuid.UUID
	SenderID   uuid.UUID

	// Content snapshot taken at preparation time.
	Subject  string
	BodyHTML string

	Status      string
	ScheduledAt time.Time
	SentAt      sql.NullTime

	ProviderMessageID sql.NullString
	ThreadID          sql.NullString
	MessageIDHeader   sql.NullString

	OpenedAt       sql.NullTime
	ClickedAt      sql.NullTime
	RepliedAt      sql.NullTime
	UnsubscribedAt sql.NullTime
	BouncedAt      sql.NullTime

	ErrorCode    sql.NullString
	ErrorMessage sql.NullString

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the record status is terminal: SENT (and its
// descendant DELIVERED), FAILED, or CANCELLED. Soft-bounced records are not
// terminal — the queue's attempt mechanism may still retry them.
func Terminal(status string) bool {
	switch status {
	case DeliverySent, DeliveryDelivered, DeliveryFailed, DeliveryCancelled:
		return true
	}
	return false
}
