package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/quota"
	"github.com/cadencehq/cadence/internal/schedule"
	"github.com/cadencehq/cadence/internal/store"
)

// PreparePayload identifies the step a preparation job covers.
type PreparePayload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	StepID     uuid.UUID `json:"step_id"`
}

// PrepareKey is the idempotent job key for a step's preparation.
func PrepareKey(stepID uuid.UUID) string { return "prepare:" + stepID.String() }

// SendKey is the idempotent job key for a delivery record's send.
func SendKey(recordID uuid.UUID) string { return "send:" + recordID.String() }

// parentWaitDelay spaces re-checks of a reply-dependent step whose
// referenced step has not produced records yet.
const parentWaitDelay = 5 * time.Minute

// PrepareConfig tunes the preparation worker.
type PrepareConfig struct {
	BatchSize   int
	HorizonDays int
	// DefaultPacing applies when a step has no pacing interval of its own.
	DefaultPacing time.Duration
	MaxAttempts   int
}

// PrepareWorker turns one "prepare step" job into delivery records and
// send jobs. Re-invocation after partial completion resumes: existing
// records are skipped and the day cadence continues where it stopped.
type PrepareWorker struct {
	store  *store.Store
	queue  *queue.Queue
	ledger *quota.Ledger
	cfg    PrepareConfig
}

// NewPrepareWorker creates the preparation worker.
func NewPrepareWorker(st *store.Store, q *queue.Queue, ledger *quota.Ledger, cfg PrepareConfig) *PrepareWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = schedule.DefaultHorizonDays
	}
	if cfg.DefaultPacing <= 0 {
		cfg.DefaultPacing = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &PrepareWorker{store: st, queue: q, ledger: ledger, cfg: cfg}
}

// Handle processes one preparation job.
func (w *PrepareWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload PreparePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode prepare payload: %w", err)
	}

	campaign, err := w.store.GetCampaign(ctx, payload.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil {
		return fmt.Errorf("campaign %s not found", payload.CampaignID)
	}
	if campaign.Status != model.CampaignActive {
		// Not retryable: the job completes and activation re-enqueues.
		logger.Info("skipping preparation for inactive campaign",
			"campaign_id", campaign.ID, "status", campaign.Status)
		return nil
	}

	step, err := w.store.GetStep(ctx, payload.StepID)
	if err != nil {
		return fmt.Errorf("load step: %w", err)
	}
	if step == nil {
		return fmt.Errorf("step %s not found", payload.StepID)
	}

	// A reply-dependent step may only begin once the referenced step has
	// produced at least one record. Waiting costs no attempts.
	if step.ReplyToStepID.Valid {
		has, err := w.store.StepHasRecords(ctx, step.ReplyToStepID.UUID)
		if err != nil {
			return fmt.Errorf("check parent records: %w", err)
		}
		if !has {
			return queue.RescheduleAt(time.Now().Add(parentWaitDelay))
		}
	}

	sender, err := w.store.GetSender(ctx, campaign.SenderID)
	if err != nil {
		return fmt.Errorf("load sender: %w", err)
	}
	if sender == nil {
		return fmt.Errorf("sender %s not found", campaign.SenderID)
	}

	return w.prepare(ctx, campaign, step, sender)
}

func (w *PrepareWorker) prepare(ctx context.Context, campaign *model.Campaign, step *model.CampaignStep, sender *model.Sender) error {
	loc, err := time.LoadLocation(sender.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)

	total, err := w.store.CountEligibleContacts(ctx, campaign, step)
	if err != nil {
		return fmt.Errorf("count eligible contacts: %w", err)
	}
	if total == 0 {
		logger.Info("step has no new eligible contacts",
			"campaign_id", campaign.ID, "step_id", step.ID)
		return nil
	}

	remaining, err := w.ledger.RemainingByDay(ctx, sender.ID.String(), now, w.cfg.HorizonDays, sender.DailyLimit)
	if err != nil {
		return fmt.Errorf("remaining quota: %w", err)
	}

	buckets := schedule.Distribute(total, remaining, sender.DailyLimit, 0, w.cfg.HorizonDays)
	buckets, err = w.reserveBuckets(ctx, sender, now, buckets)
	if err != nil {
		return err
	}

	pacing := w.cfg.DefaultPacing
	if step.PacingMinutes > 0 {
		pacing = time.Duration(step.PacingMinutes) * time.Minute
	}
	var startAt time.Time
	if step.ScheduleAt.Valid {
		startAt = step.ScheduleAt.Time
	}
	calc := schedule.NewCalculator(now, loc, pacing, startAt)

	if err := w.seedCalculator(ctx, calc, step, sender, now, loc); err != nil {
		return err
	}

	anchoredDays := make(map[int]bool)
	nextIndex := 0
	bucketAt := 0
	created, failed := 0, 0
	afterID := uuid.Nil

	for {
		contacts, err := w.store.EligibleContacts(ctx, campaign, step, afterID, w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("stream contacts: %w", err)
		}
		if len(contacts) == 0 {
			break
		}
		afterID = contacts[len(contacts)-1].ID

		ids := make([]uuid.UUID, len(contacts))
		for i, c := range contacts {
			ids[i] = c.ID
		}
		existing, err := w.store.ExistingRecordContacts(ctx, step.ID, ids)
		if err != nil {
			return fmt.Errorf("check existing records: %w", err)
		}

		var records []*model.DeliveryRecord
		for _, contact := range contacts {
			if existing[contact.ID] {
				continue
			}

			for bucketAt < len(buckets) && nextIndex > buckets[bucketAt].EndIndex {
				bucketAt++
			}
			day := 0
			if bucketAt < len(buckets) {
				day = buckets[bucketAt].Day
			} else if len(buckets) > 0 {
				day = buckets[len(buckets)-1].Day
			}
			nextIndex++

			if !anchoredDays[day] {
				anchoredDays[day] = true
				if err := w.anchorDay(ctx, calc, campaign, step, day, now, loc); err != nil {
					return err
				}
			}

			records = append(records, &model.DeliveryRecord{
				CampaignID:  campaign.ID,
				StepID:      step.ID,
				ContactID:   contact.ID,
				SenderID:    sender.ID,
				Subject:     step.Subject,
				BodyHTML:    step.BodyHTML,
				Status:      model.DeliveryQueued,
				ScheduledAt: calc.Next(day),
			})
		}

		if len(records) == 0 {
			continue
		}

		// Batch failures are logged and counted; later batches still run.
		if err := w.store.CreateDeliveryRecords(ctx, records); err != nil {
			failed += len(records)
			logger.Error("delivery record batch failed",
				"campaign_id", campaign.ID, "step_id", step.ID,
				"batch", len(records), "error", err)
			continue
		}

		jobs := make([]*queue.Job, len(records))
		for i, r := range records {
			payload, _ := json.Marshal(SendPayload{RecordID: r.ID})
			jobs[i] = &queue.Job{
				Key:         SendKey(r.ID),
				GroupKey:    campaign.ID.String(),
				Payload:     payload,
				Priority:    100 - step.Order,
				RunAt:       r.ScheduledAt,
				MaxAttempts: w.cfg.MaxAttempts,
			}
		}
		if _, err := w.queue.EnqueueBatch(ctx, queue.CategorySend, jobs); err != nil {
			failed += len(records)
			logger.Error("send job batch enqueue failed",
				"campaign_id", campaign.ID, "step_id", step.ID, "error", err)
			continue
		}
		created += len(records)
	}

	logger.Info("step preparation finished",
		"campaign_id", campaign.ID, "step_id", step.ID,
		"created", created, "failed", failed, "eligible", total)

	if created == 0 && failed > 0 {
		// No visible progress: let the queue retry the whole job.
		return fmt.Errorf("step preparation made no progress: %d contacts failed", failed)
	}
	return nil
}

// reserveBuckets claims each planned day's capacity from the ledger and
// re-buckets any shortfall onto later days. Two preparations racing on
// one sender plan from the same capacity snapshot; the atomic reservation
// is the arbiter, so a short grant means the other run took part of the
// day and this run's remainder spills forward.
func (w *PrepareWorker) reserveBuckets(ctx context.Context, sender *model.Sender, now time.Time, planned []schedule.DayBucket) ([]schedule.DayBucket, error) {
	var out []schedule.DayBucket
	next, short, lastDay := 0, 0, 0

	grant := func(day, n int) (int, error) {
		granted, err := w.ledger.Reserve(ctx, sender.ID.String(), now.AddDate(0, 0, day), n, sender.DailyLimit)
		if err != nil {
			return 0, fmt.Errorf("reserve quota: %w", err)
		}
		if granted > 0 {
			out = append(out, schedule.DayBucket{
				Day:        day,
				StartIndex: next,
				EndIndex:   next + granted - 1,
				QuotaUsed:  granted,
			})
			next += granted
		}
		return granted, nil
	}

	for _, b := range planned {
		lastDay = b.Day
		granted, err := grant(b.Day, b.QuotaUsed+short)
		if err != nil {
			return nil, err
		}
		short = b.QuotaUsed + short - granted
	}
	for day := lastDay + 1; short > 0 && day < w.cfg.HorizonDays; day++ {
		granted, err := grant(day, short)
		if err != nil {
			return nil, err
		}
		short -= granted
	}

	if short > 0 {
		// Horizon exhausted: the final day absorbs the overflow and
		// drains through send-time quota rescheduling.
		if len(out) == 0 {
			out = append(out, schedule.DayBucket{
				Day:        w.cfg.HorizonDays - 1,
				StartIndex: 0,
				EndIndex:   short - 1,
				QuotaUsed:  short,
			})
		} else {
			last := &out[len(out)-1]
			last.EndIndex += short
			last.QuotaUsed += short
		}
	}
	return out, nil
}

// seedCalculator primes the per-day cadence from records this step
// already created, so a resumed run continues instead of restarting.
func (w *PrepareWorker) seedCalculator(ctx context.Context, calc *schedule.Calculator, step *model.CampaignStep, sender *model.Sender, now time.Time, loc *time.Location) error {
	days, err := w.store.StepDaySchedules(ctx, step.ID, sender.Timezone)
	if err != nil {
		return fmt.Errorf("load day schedules: %w", err)
	}
	for _, d := range days {
		calc.SeedDay(dayIndex(now, loc, d.First), d.First, d.Count)
	}
	return nil
}

// anchorDay looks up what earlier steps already scheduled on a day and
// anchors this step's first send of that day after it.
func (w *PrepareWorker) anchorDay(ctx context.Context, calc *schedule.Calculator, campaign *model.Campaign, step *model.CampaignStep, day int, now time.Time, loc *time.Location) error {
	dayStart := localMidnight(now, loc).AddDate(0, 0, day)
	dayEnd := dayStart.AddDate(0, 0, 1)

	last, err := w.store.LastScheduledOnDay(ctx, campaign.ID, step.Order, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("prior step anchor: %w", err)
	}
	if last.Valid {
		calc.SetPriorLastSend(day, last.Time.In(loc))
	}
	return nil
}

func localMidnight(now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
}

// dayIndex converts an absolute time to a day offset from today in the
// sender's timezone.
func dayIndex(now time.Time, loc *time.Location, t time.Time) int {
	base := localMidnight(now, loc)
	target := t.In(loc)
	targetMidnight := time.Date(target.Year(), target.Month(), target.Day(), 0, 0, 0, 0, loc)
	return int(targetMidnight.Sub(base).Hours() / 24)
}
