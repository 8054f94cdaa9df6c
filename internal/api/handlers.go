package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/quota"
	"github.com/cadencehq/cadence/internal/store"
	"github.com/cadencehq/cadence/internal/worker"
)

// Handlers holds the dependencies of the operational endpoints.
type Handlers struct {
	store      *store.Store
	queue      *queue.Queue
	ledger     *quota.Ledger
	breaker    *breaker.Breaker
	controller *worker.Controller
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func urlUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// QueueCounts reports per-category job counts.
func (h *Handlers) QueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.CountsByCategory(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// DeadLetters lists dead-lettered jobs in a category for inspection.
func (h *Handlers) DeadLetters(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	jobs, err := h.queue.DeadLetters(r.Context(), category, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type deadJob struct {
		ID        uuid.UUID `json:"id"`
		Key       string    `json:"key"`
		GroupKey  string    `json:"group_key"`
		Attempts  int       `json:"attempts"`
		LastError string    `json:"last_error,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]deadJob, 0, len(jobs))
	for _, j := range jobs {
		d := deadJob{ID: j.ID, Key: j.Key, GroupKey: j.GroupKey, Attempts: j.Attempts, CreatedAt: j.CreatedAt}
		if j.LastError.Valid {
			d.LastError = j.LastError.String
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"category": category, "jobs": out})
}

// Workers reports registered consumer pools and their heartbeat ages.
func (h *Handlers) Workers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.queue.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}

// QuotaSnapshot reports a sender's current-day quota usage.
func (h *Handlers) QuotaSnapshot(w http.ResponseWriter, r *http.Request) {
	senderID, ok := urlUUID(r, "senderID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid sender id")
		return
	}

	sender, err := h.store.GetSender(r.Context(), senderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sender == nil {
		writeError(w, http.StatusNotFound, "sender not found")
		return
	}

	loc, err := time.LoadLocation(sender.Timezone)
	if err != nil {
		loc = time.UTC
	}
	snap, err := h.ledger.Snapshot(r.Context(), sender.ID.String(), time.Now(), loc, sender.DailyLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// BreakerState reports a sender's circuit state.
func (h *Handlers) BreakerState(w http.ResponseWriter, r *http.Request) {
	senderID, ok := urlUUID(r, "senderID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid sender id")
		return
	}
	state, err := h.breaker.State(r.Context(), senderID.String())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetCampaign returns a campaign with its aggregate counters.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := urlUUID(r, "campaignID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	campaign, err := h.store.GetCampaign(r.Context(), campaignID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if campaign == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     campaign.ID,
		"name":   campaign.Name,
		"status": campaign.Status,
		"counters": map[string]int64{
			"sent":         campaign.EmailsSent,
			"delivered":    campaign.EmailsDelivered,
			"opened":       campaign.EmailsOpened,
			"clicked":      campaign.EmailsClicked,
			"bounced":      campaign.EmailsBounced,
			"failed":       campaign.EmailsFailed,
			"replied":      campaign.EmailsReplied,
			"unsubscribed": campaign.EmailsUnsubscribed,
		},
	})
}

// Activate starts or resumes a campaign.
func (h *Handlers) Activate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.controller.Activate)
}

// Pause stops an active campaign, cancelling its queued work.
func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.controller.Pause)
}

// Cancel terminally stops a campaign.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.controller.Cancel)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) error) {
	campaignID, ok := urlUUID(r, "campaignID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	if err := fn(r.Context(), campaignID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	status, err := h.store.GetCampaignStatus(r.Context(), campaignID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": campaignID.String(), "status": status})
}
