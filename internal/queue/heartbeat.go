package queue

import (
	"context"
	"fmt"
	"time"
)

// heartbeatEvery paces consumer liveness writes.
const heartbeatEvery = 30 * time.Second

// WorkerInfo is one consumer pool's registration row.
type WorkerInfo struct {
	WorkerID      string    `json:"worker_id"`
	Category      string    `json:"category"`
	Concurrency   int       `json:"concurrency"`
	Completed     int64     `json:"completed"`
	Failed        int64     `json:"failed"`
	Rescheduled   int64     `json:"rescheduled"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// UpsertWorkerHeartbeat registers a consumer pool and refreshes its
// liveness timestamp and counters.
func (q *Queue) UpsertWorkerHeartbeat(ctx context.Context, w WorkerInfo) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO engine_workers (
			worker_id, category, concurrency, completed, failed, rescheduled,
			started_at, last_heartbeat
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			completed = EXCLUDED.completed,
			failed = EXCLUDED.failed,
			rescheduled = EXCLUDED.rescheduled,
			last_heartbeat = NOW()
	`, w.WorkerID, w.Category, w.Concurrency, w.Completed, w.Failed, w.Rescheduled)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", w.WorkerID, err)
	}
	return nil
}

// DeregisterWorker removes a consumer pool's row on clean shutdown.
// Crashed workers simply stop heartbeating and go stale.
func (q *Queue) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM engine_workers WHERE worker_id = $1`, workerID)
	return err
}

// ListWorkers returns all registered consumer pools, most recent
// heartbeat first.
func (q *Queue) ListWorkers(ctx context.Context) ([]WorkerInfo, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT worker_id, category, concurrency, completed, failed, rescheduled,
		       started_at, last_heartbeat
		FROM engine_workers ORDER BY last_heartbeat DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerInfo
	for rows.Next() {
		var w WorkerInfo
		if err := rows.Scan(&w.WorkerID, &w.Category, &w.Concurrency,
			&w.Completed, &w.Failed, &w.Rescheduled, &w.StartedAt, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
