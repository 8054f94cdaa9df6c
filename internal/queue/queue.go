// Package queue is a persistent, priority- and delay-capable job queue on
// PostgreSQL. Jobs carry idempotent keys so re-triggering the same domain
// action yields one job; exhausted jobs dead-letter in place and are never
// auto-retried.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Job categories. Each category gets its own consumer pool with its own
// concurrency and rate limits.
const (
	CategoryStepPrepare = "step_prepare"
	CategorySend        = "email_send"
	CategoryBounceScan  = "bounce_scan"
	CategoryReplyScan   = "reply_scan"
)

// Job statuses.
const (
	StatusWaiting    = "waiting"
	StatusActive     = "active"
	StatusCompleted  = "completed"
	StatusDeadLetter = "dead_letter"
	StatusCancelled  = "cancelled"
)

const (
	// DefaultMaxAttempts before a job is dead-lettered.
	DefaultMaxAttempts = 5

	// staleClaimAfter is how long an active job may go without completing
	// before another worker may reclaim it (crashed-worker recovery).
	staleClaimAfter = 10 * time.Minute

	defaultBackoffBase = 30 * time.Second
	defaultBackoffCap  = 30 * time.Minute
)

// Job is one unit of queued work. The queue owns its lifecycle; workers own
// the payload interpretation.
type Job struct {
	ID       uuid.UUID
	Category string

	// Key is the idempotent identity, derived deterministically from the
	// domain key the job represents (e.g. the delivery record id).
	Key string

	// GroupKey groups jobs for bulk cancellation sweeps (the campaign id).
	GroupKey string

	Payload     json.RawMessage
	Priority    int
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	Status      string
	LastError   sql.NullString
	CreatedAt   time.Time
}

// Queue is the persistent job queue.
type Queue struct {
	db *sql.DB

	backoffBase time.Duration
	backoffCap  time.Duration
}

// New creates a queue over the given database.
func New(db *sql.DB) *Queue {
	return &Queue{
		db:          db,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
	}
}

// Enqueue inserts a job unless a live job with the same (category, key)
// already exists. A prior completed, dead-lettered, or cancelled job with
// the same key is replaced, so the action can run again. Returns true if a
// job was created or revived.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	if job.Payload == nil {
		job.Payload = json.RawMessage("{}")
	}

	// Conflict resolution per key: waiting/active jobs win; terminal jobs
	// are revived in place. The conditional upsert makes the state check
	// and the insert one atomic statement.
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO engine_jobs (
			id, category, idem_key, group_key, payload,
			priority, status, run_at, attempts, max_attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'waiting', $7, 0, $8, NOW(), NOW())
		ON CONFLICT (category, idem_key) DO UPDATE SET
			id = EXCLUDED.id,
			group_key = EXCLUDED.group_key,
			payload = EXCLUDED.payload,
			priority = EXCLUDED.priority,
			status = 'waiting',
			run_at = EXCLUDED.run_at,
			attempts = 0,
			max_attempts = EXCLUDED.max_attempts,
			last_error = NULL,
			locked_by = NULL,
			locked_at = NULL,
			updated_at = NOW()
		WHERE engine_jobs.status IN ('completed', 'dead_letter', 'cancelled')
	`, job.ID, job.Category, job.Key, job.GroupKey, string(job.Payload),
		job.Priority, job.RunAt, job.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %w", job.Category, job.Key, err)
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EnqueueBatch bulk-inserts jobs via COPY, skipping keys that already have
// a job in any state. Used by step preparation to fan out send jobs; the
// pre-existence check (not a constraint-violation retry) keeps re-runs
// idempotent. Returns how many jobs were created.
func (q *Queue) EnqueueBatch(ctx context.Context, category string, jobs []*Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	keys := make([]string, len(jobs))
	for i, j := range jobs {
		keys[i] = j.Key
	}

	existing := make(map[string]bool, len(jobs))
	rows, err := q.db.QueryContext(ctx, `
		SELECT idem_key FROM engine_jobs WHERE category = $1 AND idem_key = ANY($2)
	`, category, pq.Array(keys))
	if err != nil {
		return 0, fmt.Errorf("check existing jobs: %w", err)
	}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err == nil {
			existing[k] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("check existing jobs: %w", err)
	}

	txn, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch enqueue: %w", err)
	}
	defer txn.Rollback()

	stmt, err := txn.Prepare(pq.CopyIn(
		"engine_jobs",
		"id", "category", "idem_key", "group_key", "payload",
		"priority", "status", "run_at", "attempts", "max_attempts",
		"created_at", "updated_at",
	))
	if err != nil {
		return 0, fmt.Errorf("prepare COPY: %w", err)
	}

	now := time.Now()
	created := 0
	for _, j := range jobs {
		if existing[j.Key] {
			continue
		}
		if j.ID == uuid.Nil {
			j.ID = uuid.New()
		}
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = DefaultMaxAttempts
		}
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
		payload := j.Payload
		if payload == nil {
			payload = json.RawMessage("{}")
		}
		if _, err := stmt.Exec(
			j.ID, category, j.Key, j.GroupKey, string(payload),
			j.Priority, StatusWaiting, j.RunAt, 0, j.MaxAttempts,
			now, now,
		); err != nil {
			return 0, fmt.Errorf("COPY job %s: %w", j.Key, err)
		}
		created++
	}

	if _, err := stmt.Exec(); err != nil {
		return 0, fmt.Errorf("flush COPY: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close COPY: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch enqueue: %w", err)
	}
	return created, nil
}

// Claim atomically claims up to limit due jobs in the category for the
// given worker. Active jobs whose claim has gone stale (crashed worker)
// are reclaimed too. Ordered by priority, then scheduled time.
func (q *Queue) Claim(ctx context.Context, category, workerID string, limit int) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE engine_jobs
		SET status = 'active', locked_by = $1, locked_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM engine_jobs
			WHERE category = $2
			  AND (
				(status = 'waiting' AND run_at <= NOW())
				OR (status = 'active' AND locked_at < NOW() - $3::interval)
			  )
			ORDER BY priority DESC, run_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, category, idem_key, group_key, payload, priority,
		          run_at, attempts, max_attempts, status, last_error, created_at
	`, workerID, category, staleClaimAfter.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", category, err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		var payload []byte
		if err := rows.Scan(
			&j.ID, &j.Category, &j.Key, &j.GroupKey, &payload, &j.Priority,
			&j.RunAt, &j.Attempts, &j.MaxAttempts, &j.Status, &j.LastError, &j.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		j.Payload = payload
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE engine_jobs
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail records a failed attempt. The job retries with exponential backoff
// until its attempt budget runs out, then routes to the dead letter.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	attempts := job.Attempts + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if attempts >= job.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE engine_jobs
			SET status = 'dead_letter', attempts = $2, last_error = $3, updated_at = NOW()
			WHERE id = $1
		`, job.ID, attempts, msg)
		if err != nil {
			return fmt.Errorf("dead-letter job: %w", err)
		}
		return nil
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE engine_jobs
		SET status = 'waiting', attempts = $2, last_error = $3, run_at = $4,
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, job.ID, attempts, msg, time.Now().Add(q.backoff(attempts)))
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// Reschedule returns a job to the waiting state to run at the given time
// without touching its attempt count. Used for quota backoff, where
// rescheduling must not burn the retry budget.
func (q *Queue) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE engine_jobs
		SET status = 'waiting', run_at = $2, locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, runAt)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// CancelGroup sweeps waiting jobs of one group (campaign) to cancelled,
// paging so a deep backlog never loads into memory at once. Active jobs
// are left alone: in-flight work re-checks campaign state itself.
func (q *Queue) CancelGroup(ctx context.Context, category, groupKey string, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	total := 0
	for {
		res, err := q.db.ExecContext(ctx, `
			UPDATE engine_jobs
			SET status = 'cancelled', updated_at = NOW()
			WHERE id IN (
				SELECT id FROM engine_jobs
				WHERE category = $1 AND group_key = $2 AND status = 'waiting'
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
		`, category, groupKey, pageSize)
		if err != nil {
			return total, fmt.Errorf("cancel group %s: %w", groupKey, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if int(n) < pageSize {
			return total, nil
		}
	}
}

// Counts is a per-category job-count snapshot for operational dashboards.
type Counts struct {
	Waiting    int64 `json:"waiting"`
	Active     int64 `json:"active"`
	Completed  int64 `json:"completed"`
	DeadLetter int64 `json:"dead_letter"`
	Cancelled  int64 `json:"cancelled"`
}

// CountsByCategory returns job counts grouped by category and status.
func (q *Queue) CountsByCategory(ctx context.Context) (map[string]Counts, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT category, status, COUNT(*) FROM engine_jobs GROUP BY category, status
	`)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Counts)
	for rows.Next() {
		var category, status string
		var n int64
		if err := rows.Scan(&category, &status, &n); err != nil {
			return nil, fmt.Errorf("scan queue counts: %w", err)
		}
		c := out[category]
		switch status {
		case StatusWaiting:
			c.Waiting = n
		case StatusActive:
			c.Active = n
		case StatusCompleted:
			c.Completed = n
		case StatusDeadLetter:
			c.DeadLetter = n
		case StatusCancelled:
			c.Cancelled = n
		}
		out[category] = c
	}
	return out, rows.Err()
}

// DeadLetters pages through dead-lettered jobs for manual inspection.
func (q *Queue) DeadLetters(ctx context.Context, category string, limit, offset int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, category, idem_key, group_key, payload, priority,
		       run_at, attempts, max_attempts, status, last_error, created_at
		FROM engine_jobs
		WHERE category = $1 AND status = 'dead_letter'
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, category, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		var payload []byte
		if err := rows.Scan(
			&j.ID, &j.Category, &j.Key, &j.GroupKey, &payload, &j.Priority,
			&j.RunAt, &j.Attempts, &j.MaxAttempts, &j.Status, &j.LastError, &j.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		j.Payload = payload
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// backoff computes the retry delay after the given attempt count:
// exponential with jitter, capped.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.backoffCap {
			d = q.backoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
