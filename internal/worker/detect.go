package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/pkg/retry"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/store"
)

// ScanPayload identifies the sender a mailbox scan covers.
type ScanPayload struct {
	SenderID uuid.UUID `json:"sender_id"`
}

// ScanKey is the idempotent job key for a sender's mailbox scan.
func ScanKey(senderID uuid.UUID) string { return "scan:" + senderID.String() }

// ReplyPayload carries one reply event discovered by a scan.
type ReplyPayload struct {
	// MessageIDHeader is the Message-ID of our message being answered.
	MessageIDHeader string    `json:"message_id_header"`
	At              time.Time `json:"at"`
}

// ReplyKey derives the idempotent job key for a reply event.
func ReplyKey(senderID uuid.UUID, header string) string {
	return fmt.Sprintf("reply:%s:%s", senderID, header)
}

// ScannerResolver maps a sender to its mailbox scanner and refreshes its
// credentials when a scan hits an expired token.
type ScannerResolver interface {
	ScannerFor(sender *model.Sender) (provider.MailboxScanner, bool)
	RefreshToken(ctx context.Context, sender *model.Sender) error
}

// DetectWorker reads sender mailboxes for bounces and replies. The scan
// job owns the sender's cursor; bounces are settled inline while replies
// fan out as their own jobs so a late failure never rewinds the cursor.
type DetectWorker struct {
	store     *store.Store
	queue     *queue.Queue
	breaker   *breaker.Breaker
	providers ScannerResolver
}

// NewDetectWorker creates the detection worker.
func NewDetectWorker(st *store.Store, q *queue.Queue, br *breaker.Breaker, providers ScannerResolver) *DetectWorker {
	return &DetectWorker{store: st, queue: q, breaker: br, providers: providers}
}

// HandleScan processes one mailbox scan job.
func (d *DetectWorker) HandleScan(ctx context.Context, job *queue.Job) error {
	var payload ScanPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode scan payload: %w", err)
	}

	sender, err := d.store.GetSender(ctx, payload.SenderID)
	if err != nil {
		return fmt.Errorf("load sender: %w", err)
	}
	if sender == nil {
		return fmt.Errorf("sender %s not found", payload.SenderID)
	}

	if allowed, err := d.breaker.Allow(ctx, sender.ID.String()); err != nil {
		return fmt.Errorf("breaker check: %w", err)
	} else if !allowed {
		return queue.RescheduleAt(time.Now().Add(breakerWaitDelay))
	}

	if _, ok := d.providers.ScannerFor(sender); !ok {
		// No readable mailbox for this provider; nothing to scan.
		return nil
	}

	cursor := ""
	if sender.HistoryCursor.Valid {
		cursor = sender.HistoryCursor.String
	}

	var result *provider.ScanResult
	policy := retry.Policy{
		MaxAttempts: 2,
		Classify: func(err error) retry.Decision {
			if errors.Is(err, provider.ErrReauthRequired) {
				return retry.Abort
			}
			switch provider.Classify(err) {
			case provider.ClassAuth:
				// Expired access token: refresh once and retry.
				return retry.RecoverThenRetry
			case provider.ClassPermanent:
				return retry.Abort
			default:
				return retry.Retry
			}
		},
		Recover: func(ctx context.Context, _ error) error {
			return d.providers.RefreshToken(ctx, sender)
		},
	}

	err = policy.Do(ctx, func(ctx context.Context) error {
		// Rebuilt per attempt so a recovered token takes effect.
		scanner, _ := d.providers.ScannerFor(sender)
		r, serr := scanner.Scan(ctx, cursor)
		if serr != nil {
			return serr
		}
		result = r
		return nil
	})
	if err != nil {
		if opened, failures, berr := d.breaker.RecordFailure(ctx, sender.ID.String()); berr != nil {
			logger.Warn("breaker failure record failed", "sender_id", sender.ID, "error", berr)
		} else if opened {
			logger.Error("circuit opened for sender",
				"sender_id", sender.ID, "failures", failures)
		}
		if errors.Is(err, provider.ErrReauthRequired) {
			logger.Error("sender requires re-authorization", "sender_id", sender.ID)
		}
		return fmt.Errorf("mailbox scan: %w", err)
	}
	if err := d.breaker.RecordSuccess(ctx, sender.ID.String()); err != nil {
		logger.Warn("breaker success record failed", "sender_id", sender.ID, "error", err)
	}

	bounces, replies := 0, 0
	for _, ev := range result.Events {
		switch ev.Kind {
		case provider.EventBounce:
			if err := d.processBounce(ctx, ev); err != nil {
				return err
			}
			bounces++
		case provider.EventReply:
			if ev.InReplyTo == "" {
				continue
			}
			payload, _ := json.Marshal(ReplyPayload{MessageIDHeader: ev.InReplyTo, At: ev.At})
			if _, err := d.queue.Enqueue(ctx, &queue.Job{
				Category:    queue.CategoryReplyScan,
				Key:         ReplyKey(sender.ID, ev.InReplyTo),
				GroupKey:    sender.ID.String(),
				Payload:     payload,
				MaxAttempts: queue.DefaultMaxAttempts,
			}); err != nil {
				return fmt.Errorf("enqueue reply job: %w", err)
			}
			replies++
		}
	}

	// Advance the cursor only after every event is either settled or
	// durably queued.
	if result.Cursor != "" && result.Cursor != cursor {
		if err := d.store.UpdateSenderCursor(ctx, sender.ID, result.Cursor); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	if bounces > 0 || replies > 0 {
		logger.Info("mailbox scan finished",
			"sender_id", sender.ID, "bounces", bounces, "replies", replies)
	}
	return nil
}

// processBounce matches a bounce event to its delivery record and settles
// both the record and the contact.
func (d *DetectWorker) processBounce(ctx context.Context, ev provider.MailboxEvent) error {
	if ev.InReplyTo == "" {
		return nil
	}
	record, err := d.store.FindRecordByMessageHeader(ctx, ev.InReplyTo)
	if err != nil {
		return fmt.Errorf("match bounce: %w", err)
	}
	if record == nil {
		// Not one of ours, or already pruned.
		return nil
	}

	msg := "hard bounce"
	if ev.Recipient != "" {
		msg = "hard bounce for " + ev.Recipient
	}
	changed, err := d.store.MarkHardBounced(ctx, record.ID, msg)
	if err != nil {
		return fmt.Errorf("mark hard bounce: %w", err)
	}
	if !changed {
		return nil
	}

	if err := d.store.IncrementAggregates(ctx, record.CampaignID, record.StepID, store.AggregateDelta{Bounced: 1}); err != nil {
		logger.Error("aggregate update failed", "record_id", record.ID, "error", err)
	}
	if err := d.store.MarkContactBounced(ctx, record.ContactID); err != nil {
		return fmt.Errorf("mark contact bounced: %w", err)
	}

	logger.Info("hard bounce recorded",
		"record_id", record.ID, "campaign_id", record.CampaignID)
	return nil
}

// HandleReply processes one reply event job: stamp the record, then open
// up any steps that wait on this one's engagement.
func (d *DetectWorker) HandleReply(ctx context.Context, job *queue.Job) error {
	var payload ReplyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode reply payload: %w", err)
	}

	record, err := d.store.FindRecordByMessageHeader(ctx, payload.MessageIDHeader)
	if err != nil {
		return fmt.Errorf("match reply: %w", err)
	}
	if record == nil {
		return nil
	}

	changed, err := d.store.MarkReplied(ctx, record.ID)
	if err != nil {
		return fmt.Errorf("mark replied: %w", err)
	}
	if !changed {
		// Already stamped by an earlier scan.
		return nil
	}

	if err := d.store.IncrementAggregates(ctx, record.CampaignID, record.StepID, store.AggregateDelta{Replied: 1}); err != nil {
		logger.Error("aggregate update failed", "record_id", record.ID, "error", err)
	}

	logger.Info("reply recorded",
		"record_id", record.ID, "campaign_id", record.CampaignID)

	// A reply changes who is eligible for reply-dependent steps; revive
	// their preparation so new engagement is picked up.
	dependents, err := d.store.StepsDependentOn(ctx, record.StepID)
	if err != nil {
		return fmt.Errorf("dependent steps: %w", err)
	}
	for _, dep := range dependents {
		payload, _ := json.Marshal(PreparePayload{CampaignID: record.CampaignID, StepID: dep.ID})
		if _, err := d.queue.Enqueue(ctx, &queue.Job{
			Category:    queue.CategoryStepPrepare,
			Key:         PrepareKey(dep.ID),
			GroupKey:    record.CampaignID.String(),
			Payload:     payload,
			Priority:    100 - dep.Order,
			MaxAttempts: queue.DefaultMaxAttempts,
		}); err != nil {
			return fmt.Errorf("enqueue dependent preparation: %w", err)
		}
	}
	return nil
}
