package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/pkg/distlock"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/store"
)

// cancelPageSize bounds each cancellation sweep's UPDATE.
const cancelPageSize = 500

// Controller drives campaign lifecycle transitions and the recurring
// background jobs: mailbox scans per sender and re-preparation of
// reply-dependent steps as engagement accrues.
type Controller struct {
	store *store.Store
	queue *queue.Queue

	interval time.Duration
	lock     distlock.Lock

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewController creates the controller. interval paces the background
// scheduling loop.
func NewController(st *store.Store, q *queue.Queue, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Controller{store: st, queue: q, interval: interval}
}

// UseLock sets a distributed lock guarding the background loop, so only
// one worker replica runs ticks at a time.
func (c *Controller) UseLock(l distlock.Lock) { c.lock = l }

// Activate moves a campaign into ACTIVE and enqueues preparation for
// every step. Preparation keys are idempotent, so re-activating a paused
// campaign revives rather than duplicates the work.
func (c *Controller) Activate(ctx context.Context, campaignID uuid.UUID) error {
	changed, err := c.store.UpdateCampaignStatus(ctx, campaignID, model.CampaignDraft, model.CampaignActive)
	if err != nil {
		return fmt.Errorf("activate campaign: %w", err)
	}
	if !changed {
		changed, err = c.store.UpdateCampaignStatus(ctx, campaignID, model.CampaignPaused, model.CampaignActive)
		if err != nil {
			return fmt.Errorf("activate campaign: %w", err)
		}
	}
	if !changed {
		return fmt.Errorf("campaign %s is not in an activatable state", campaignID)
	}

	if err := c.enqueuePreparation(ctx, campaignID); err != nil {
		return err
	}
	logger.Info("campaign activated", "campaign_id", campaignID)
	return nil
}

// Pause stops an active campaign: the status flips first so in-flight
// sends cancel at their status checks, then queued work is swept.
func (c *Controller) Pause(ctx context.Context, campaignID uuid.UUID) error {
	changed, err := c.store.UpdateCampaignStatus(ctx, campaignID, model.CampaignActive, model.CampaignPaused)
	if err != nil {
		return fmt.Errorf("pause campaign: %w", err)
	}
	if !changed {
		return fmt.Errorf("campaign %s is not active", campaignID)
	}
	return c.sweep(ctx, campaignID, "paused")
}

// Cancel terminally stops a campaign from ACTIVE or PAUSED.
func (c *Controller) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	changed, err := c.store.UpdateCampaignStatus(ctx, campaignID, model.CampaignActive, model.CampaignCancelled)
	if err != nil {
		return fmt.Errorf("cancel campaign: %w", err)
	}
	if !changed {
		changed, err = c.store.UpdateCampaignStatus(ctx, campaignID, model.CampaignPaused, model.CampaignCancelled)
		if err != nil {
			return fmt.Errorf("cancel campaign: %w", err)
		}
	}
	if !changed {
		return fmt.Errorf("campaign %s is not in a cancellable state", campaignID)
	}
	return c.sweep(ctx, campaignID, "cancelled")
}

// sweep cancels queued jobs and pending records for a stopped campaign.
// Jobs racing past the sweep still self-cancel at their status checks.
func (c *Controller) sweep(ctx context.Context, campaignID uuid.UUID, cause string) error {
	group := campaignID.String()

	jobs, err := c.queue.CancelGroup(ctx, queue.CategorySend, group, cancelPageSize)
	if err != nil {
		return fmt.Errorf("cancel send jobs: %w", err)
	}
	prep, err := c.queue.CancelGroup(ctx, queue.CategoryStepPrepare, group, cancelPageSize)
	if err != nil {
		return fmt.Errorf("cancel preparation jobs: %w", err)
	}
	records, err := c.store.CancelPending(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("cancel pending records: %w", err)
	}

	logger.Info("campaign "+cause,
		"campaign_id", campaignID,
		"jobs_cancelled", jobs+prep, "records_cancelled", records)
	return nil
}

// enqueuePreparation queues a prepare job per step of a campaign.
func (c *Controller) enqueuePreparation(ctx context.Context, campaignID uuid.UUID) error {
	steps, err := c.store.GetSteps(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	for _, step := range steps {
		payload, _ := json.Marshal(PreparePayload{CampaignID: campaignID, StepID: step.ID})
		if _, err := c.queue.Enqueue(ctx, &queue.Job{
			Category:    queue.CategoryStepPrepare,
			Key:         PrepareKey(step.ID),
			GroupKey:    campaignID.String(),
			Payload:     payload,
			Priority:    100 - step.Order,
			MaxAttempts: queue.DefaultMaxAttempts,
		}); err != nil {
			return fmt.Errorf("enqueue preparation for step %s: %w", step.ID, err)
		}
	}
	return nil
}

// Start launches the background scheduling loop.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	var ctx context.Context
	ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop halts the background loop and waits for it.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.guardedTick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("scheduling tick failed", "error", err)
			}
		}
	}
}

// guardedTick runs one tick under the distributed lock when one is
// configured. A replica that loses the race skips the tick; the winner's
// idempotent enqueues cover it.
func (c *Controller) guardedTick(ctx context.Context) error {
	if c.lock == nil {
		return c.tick(ctx)
	}
	ok, err := c.lock.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire tick lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := c.lock.Release(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("release tick lock failed", "error", err)
		}
	}()
	return c.tick(ctx)
}

// tick enqueues a mailbox scan per sender and revives preparation for
// reply-dependent steps of active campaigns. Both use idempotent keys,
// so a tick that overlaps live jobs is a no-op.
func (c *Controller) tick(ctx context.Context) error {
	senders, err := c.store.ListSenders(ctx)
	if err != nil {
		return fmt.Errorf("list senders: %w", err)
	}
	for _, sender := range senders {
		payload, _ := json.Marshal(ScanPayload{SenderID: sender.ID})
		if _, err := c.queue.Enqueue(ctx, &queue.Job{
			Category:    queue.CategoryBounceScan,
			Key:         ScanKey(sender.ID),
			GroupKey:    sender.ID.String(),
			Payload:     payload,
			MaxAttempts: 3,
		}); err != nil {
			return fmt.Errorf("enqueue scan for sender %s: %w", sender.ID, err)
		}
	}

	campaigns, err := c.store.ActiveCampaignIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active campaigns: %w", err)
	}
	for _, id := range campaigns {
		steps, err := c.store.GetSteps(ctx, id)
		if err != nil {
			return fmt.Errorf("load steps: %w", err)
		}
		for _, step := range steps {
			if !step.ReplyToStepID.Valid {
				continue
			}
			payload, _ := json.Marshal(PreparePayload{CampaignID: id, StepID: step.ID})
			if _, err := c.queue.Enqueue(ctx, &queue.Job{
				Category:    queue.CategoryStepPrepare,
				Key:         PrepareKey(step.ID),
				GroupKey:    id.String(),
				Payload:     payload,
				Priority:    100 - step.Order,
				MaxAttempts: queue.DefaultMaxAttempts,
			}); err != nil {
				return fmt.Errorf("revive preparation for step %s: %w", step.ID, err)
			}
		}
	}
	return nil
}
