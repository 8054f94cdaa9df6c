package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/quota"
	"github.com/cadencehq/cadence/internal/store"
)

// SendPayload identifies the delivery record a send job covers.
type SendPayload struct {
	RecordID uuid.UUID `json:"record_id"`
}

// quotaRescheduleBuffer pads the reschedule time past quota reset so the
// retried job lands after the counter has actually rolled over.
const quotaRescheduleBuffer = time.Minute

// breakerWaitDelay spaces retries while a sender's circuit is open.
const breakerWaitDelay = 5 * time.Minute

// MailerResolver maps a sender to its outbound provider.
type MailerResolver interface {
	MailerFor(sender *model.Sender) (provider.Mailer, error)
}

// SendWorker executes one delivery record's send: re-validate state,
// claim quota, compose, deliver, classify the outcome.
type SendWorker struct {
	store      *store.Store
	queue      *queue.Queue
	ledger     *quota.Ledger
	breaker    *breaker.Breaker
	providers  MailerResolver
	composer   *Composer
	completion *CompletionChecker
}

// NewSendWorker creates the send worker.
func NewSendWorker(st *store.Store, q *queue.Queue, ledger *quota.Ledger, br *breaker.Breaker, providers MailerResolver, composer *Composer, completion *CompletionChecker) *SendWorker {
	return &SendWorker{
		store:      st,
		queue:      q,
		ledger:     ledger,
		breaker:    br,
		providers:  providers,
		composer:   composer,
		completion: completion,
	}
}

// Handle processes one send job. Precondition failures cancel the record
// and complete the job; quota exhaustion reschedules without burning an
// attempt; only transient provider errors surface as job failures.
func (s *SendWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload SendPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode send payload: %w", err)
	}

	record, err := s.store.GetDeliveryRecord(ctx, payload.RecordID)
	if err != nil {
		return fmt.Errorf("load delivery record: %w", err)
	}
	if record == nil {
		return fmt.Errorf("delivery record %s not found", payload.RecordID)
	}

	// At-least-once queue semantics: a duplicate or replayed job for a
	// finished record is a successful no-op.
	if model.Terminal(record.Status) {
		return nil
	}

	status, err := s.store.GetCampaignStatus(ctx, record.CampaignID)
	if err != nil {
		return fmt.Errorf("campaign status: %w", err)
	}
	if status != model.CampaignActive {
		if err := s.store.MarkCancelled(ctx, record.ID); err != nil {
			return fmt.Errorf("cancel record: %w", err)
		}
		return nil
	}

	sender, err := s.store.GetSender(ctx, record.SenderID)
	if err != nil {
		return fmt.Errorf("load sender: %w", err)
	}
	if sender == nil {
		return fmt.Errorf("sender %s not found", record.SenderID)
	}

	if allowed, err := s.breaker.Allow(ctx, sender.ID.String()); err != nil {
		return fmt.Errorf("breaker check: %w", err)
	} else if !allowed {
		return queue.RescheduleAt(time.Now().Add(breakerWaitDelay))
	}

	loc, err := time.LoadLocation(sender.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)

	// Quota pre-claim. Exhaustion is not a failure: the job moves past
	// the reset without spending its attempt budget.
	acquired, _, err := s.ledger.TryAcquire(ctx, sender.ID.String(), now, sender.DailyLimit)
	if err != nil {
		return fmt.Errorf("quota acquire: %w", err)
	}
	if !acquired {
		at := quota.ResetAt(now, loc)
		if record.ScheduledAt.After(at) {
			at = record.ScheduledAt
		}
		return queue.RescheduleAt(at.Add(quotaRescheduleBuffer))
	}

	// Quota is held from here; every non-send exit must give it back.
	sent, err := s.deliver(ctx, job, record, sender)
	if !sent {
		if rerr := s.ledger.Release(ctx, sender.ID.String(), now); rerr != nil {
			logger.Warn("quota release failed", "sender_id", sender.ID, "error", rerr)
		}
	}
	return err
}

// deliver runs the provider-facing half of the pipeline. The returned
// bool reports whether quota was actually spent.
func (s *SendWorker) deliver(ctx context.Context, job *queue.Job, record *model.DeliveryRecord, sender *model.Sender) (bool, error) {
	contact, err := s.store.GetContact(ctx, record.ContactID)
	if err != nil {
		return false, fmt.Errorf("load contact: %w", err)
	}
	if contact == nil || !contact.Subscribed || contact.Status != model.ContactActive {
		if err := s.store.MarkCancelled(ctx, record.ID); err != nil {
			return false, fmt.Errorf("cancel record: %w", err)
		}
		return false, nil
	}

	campaign, err := s.store.GetCampaign(ctx, record.CampaignID)
	if err != nil {
		return false, fmt.Errorf("load campaign: %w", err)
	}

	step, err := s.store.GetStep(ctx, record.StepID)
	if err != nil {
		return false, fmt.Errorf("load step: %w", err)
	}
	if step == nil {
		return false, fmt.Errorf("step %s not found", record.StepID)
	}

	mailer, err := s.providers.MailerFor(sender)
	if err != nil {
		return false, err
	}

	// A retried soft bounce or a reclaimed stale job needs the record
	// back in QUEUED before the SENDING gate.
	if record.Status == model.DeliveryBounced || record.Status == model.DeliverySending {
		if err := s.store.RequeueForRetry(ctx, record.ID); err != nil {
			return false, fmt.Errorf("requeue record: %w", err)
		}
	}
	claimed, err := s.store.MarkSending(ctx, record.ID)
	if err != nil {
		return false, fmt.Errorf("mark sending: %w", err)
	}
	if !claimed {
		// Another worker holds it, or it finished in the meantime.
		return false, nil
	}

	msg, err := s.composer.Compose(record, campaign, contact, sender)
	if err != nil {
		// Missing/broken template: standard retry path, eventually
		// dead-lettered for inspection.
		if rerr := s.store.RequeueForRetry(ctx, record.ID); rerr != nil {
			logger.Warn("requeue after compose failure failed", "record_id", record.ID, "error", rerr)
		}
		return false, fmt.Errorf("compose: %w", err)
	}

	if step.ReplyToStepID.Valid {
		if err := s.linkThread(ctx, msg, step, record); err != nil {
			logger.Warn("thread linkage unavailable, sending unthreaded",
				"record_id", record.ID, "error", err)
		}
	}

	// The pause race closes here: status re-checked immediately before
	// the provider call.
	status, err := s.store.GetCampaignStatus(ctx, record.CampaignID)
	if err != nil {
		return false, fmt.Errorf("campaign status recheck: %w", err)
	}
	if status != model.CampaignActive {
		if err := s.store.MarkCancelled(ctx, record.ID); err != nil {
			return false, fmt.Errorf("cancel record: %w", err)
		}
		return false, nil
	}

	result, err := mailer.Send(ctx, msg)
	if err != nil {
		return false, s.handleSendFailure(ctx, job, record, step, sender, err)
	}

	header := ""
	if h, err := mailer.MessageIDHeader(ctx, result.ProviderMessageID); err == nil {
		header = h
	} else {
		logger.Warn("message id header lookup failed",
			"record_id", record.ID, "error", err)
	}

	if err := s.store.MarkSent(ctx, record.ID, result.SentAt, result.ProviderMessageID, result.ThreadID, header); err != nil {
		return true, fmt.Errorf("mark sent: %w", err)
	}
	if err := s.store.IncrementAggregates(ctx, record.CampaignID, record.StepID, store.AggregateDelta{Sent: 1}); err != nil {
		logger.Error("aggregate update failed", "record_id", record.ID, "error", err)
	}
	if err := s.breaker.RecordSuccess(ctx, sender.ID.String()); err != nil {
		logger.Warn("breaker success record failed", "sender_id", sender.ID, "error", err)
	}

	logger.Info("delivery sent",
		"record_id", record.ID, "campaign_id", record.CampaignID,
		"contact_email", contact.Email, "provider_message_id", result.ProviderMessageID)

	if err := s.completion.CheckAndComplete(ctx, record.CampaignID, step.Order); err != nil {
		logger.Warn("completion check failed", "campaign_id", record.CampaignID, "error", err)
	}
	return true, nil
}

// linkThread attaches the referenced step's provider identifiers so this
// message threads under the prior one. The subject is copied verbatim
// from the first message: providers thread by exact subject match.
func (s *SendWorker) linkThread(ctx context.Context, msg *provider.Message, step *model.CampaignStep, record *model.DeliveryRecord) error {
	parent, err := s.store.GetThreadRecord(ctx, step.ReplyToStepID.UUID, record.ContactID)
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("no sent parent record for step %s", step.ReplyToStepID.UUID)
	}

	thread := &provider.ThreadHeaders{}
	if parent.ThreadID.Valid {
		thread.ThreadID = parent.ThreadID.String
	}
	if parent.MessageIDHeader.Valid {
		thread.InReplyTo = parent.MessageIDHeader.String
		thread.References = parent.MessageIDHeader.String
	}
	if thread.ThreadID == "" && thread.InReplyTo == "" {
		return fmt.Errorf("parent record %s carries no thread identifiers", parent.ID)
	}

	msg.Thread = thread
	msg.Subject = parent.Subject
	return nil
}

// handleSendFailure classifies a provider error and settles the record.
// Permanent failures complete the job so the queue never retries them;
// transient and auth failures surface for backoff — except on the job's
// final attempt, where the job is about to dead-letter and the record
// must settle terminally or the campaign can never complete.
func (s *SendWorker) handleSendFailure(ctx context.Context, job *queue.Job, record *model.DeliveryRecord, step *model.CampaignStep, sender *model.Sender, sendErr error) error {
	class := provider.Classify(sendErr)

	if class == provider.ClassAuth {
		if opened, failures, err := s.breaker.RecordFailure(ctx, sender.ID.String()); err != nil {
			logger.Warn("breaker failure record failed", "sender_id", sender.ID, "error", err)
		} else if opened {
			logger.Error("circuit opened for sender",
				"sender_id", sender.ID, "failures", failures)
		}
	}

	if class == provider.ClassPermanent {
		if err := s.store.MarkFailed(ctx, record.ID, "permanent", sendErr.Error()); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if err := s.store.IncrementAggregates(ctx, record.CampaignID, record.StepID, store.AggregateDelta{Failed: 1}); err != nil {
			logger.Error("aggregate update failed", "record_id", record.ID, "error", err)
		}
		logger.Info("delivery permanently failed",
			"record_id", record.ID, "campaign_id", record.CampaignID, "error", sendErr)
		if err := s.completion.CheckAndComplete(ctx, record.CampaignID, step.Order); err != nil {
			logger.Warn("completion check failed", "campaign_id", record.CampaignID, "error", err)
		}
		return nil
	}

	if job.Attempts+1 >= job.MaxAttempts {
		// The queue will dead-letter this job, so no retry follows:
		// BOUNCED would strand the record outside the terminal set.
		if err := s.store.MarkFailed(ctx, record.ID, class.String(), sendErr.Error()); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if err := s.store.IncrementAggregates(ctx, record.CampaignID, record.StepID, store.AggregateDelta{Failed: 1}); err != nil {
			logger.Error("aggregate update failed", "record_id", record.ID, "error", err)
		}
		logger.Info("delivery failed after exhausting retries",
			"record_id", record.ID, "campaign_id", record.CampaignID, "error", sendErr)
		if err := s.completion.CheckAndComplete(ctx, record.CampaignID, step.Order); err != nil {
			logger.Warn("completion check failed", "campaign_id", record.CampaignID, "error", err)
		}
		return fmt.Errorf("%s provider failure on final attempt: %w", class, sendErr)
	}

	if err := s.store.MarkSoftBounced(ctx, record.ID, class.String(), sendErr.Error()); err != nil {
		logger.Warn("soft bounce mark failed", "record_id", record.ID, "error", err)
	}
	return fmt.Errorf("%s provider failure: %w", class, sendErr)
}
