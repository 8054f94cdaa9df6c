package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/store"
)

// CompletionNotifier receives campaign completion events.
type CompletionNotifier interface {
	CampaignCompleted(ctx context.Context, campaignID uuid.UUID)
}

// CompletionChecker decides when a campaign has finished. Completion is
// evaluated only after a final-step record settles, and always against
// counts read at evaluation time.
type CompletionChecker struct {
	store    *store.Store
	notifier CompletionNotifier
}

// NewCompletionChecker creates the checker. notifier may be nil.
func NewCompletionChecker(st *store.Store, notifier CompletionNotifier) *CompletionChecker {
	return &CompletionChecker{store: st, notifier: notifier}
}

// CheckAndComplete runs the completion evaluation if stepOrder is the
// campaign's highest step. Lower steps always leave later work behind,
// so their records settling can never finish the campaign.
func (c *CompletionChecker) CheckAndComplete(ctx context.Context, campaignID uuid.UUID, stepOrder int) error {
	maxOrder, err := c.store.MaxStepOrder(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("max step order: %w", err)
	}
	if stepOrder != maxOrder {
		return nil
	}

	counts, err := c.store.GetCompletionCounts(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("completion counts: %w", err)
	}
	if !complete(counts) {
		return nil
	}

	changed, err := c.store.MarkCampaignCompleted(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("mark campaign completed: %w", err)
	}
	if !changed {
		// Another worker completed it, or the campaign left ACTIVE.
		return nil
	}

	logger.Info("campaign completed",
		"campaign_id", campaignID,
		"records", counts.TotalRecords, "terminal", counts.TerminalRecords)

	if c.notifier != nil {
		c.notifier.CampaignCompleted(ctx, campaignID)
	}
	return nil
}

// complete holds when every step has produced records and every record
// has settled. An empty campaign, or one with a step still preparing,
// never completes.
func complete(counts *store.CompletionCounts) bool {
	return counts.Steps > 0 &&
		counts.StepsWithRecords == counts.Steps &&
		counts.TotalRecords > 0 &&
		counts.PendingRecords == 0 &&
		counts.TerminalRecords == counts.TotalRecords
}
