package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Handler processes one claimed job. Return values steer the queue:
//
//	nil                  — job completed
//	*RescheduleError     — job re-enqueued at the given time, attempts kept
//	any other error      — failed attempt; backoff retry or dead letter
type Handler func(ctx context.Context, job *Job) error

// RescheduleError asks the consumer to re-enqueue the job for later
// without burning an attempt. Quota exhaustion is the canonical case.
type RescheduleError struct {
	At time.Time
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("reschedule at %s", e.At.Format(time.RFC3339))
}

// RescheduleAt builds a RescheduleError.
func RescheduleAt(at time.Time) error { return &RescheduleError{At: at} }

// ConsumerConfig tunes one category's consumer pool. Send pools run at
// higher concurrency and throughput than preparation or scan pools since
// their per-job duration is short.
type ConsumerConfig struct {
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration

	// RatePerSecond caps job starts per second across the pool. Zero
	// disables pacing.
	RatePerSecond float64
}

// Consumer runs a pool of workers against one job category.
type Consumer struct {
	q        *Queue
	category string
	handler  Handler
	cfg      ConsumerConfig
	limiter  *rate.Limiter
	workerID string

	// Stats
	totalCompleted   int64
	totalFailed      int64
	totalRescheduled int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewConsumer creates a consumer pool for a category.
func NewConsumer(q *Queue, category string, handler Handler, cfg ConsumerConfig) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)+1)
	}

	return &Consumer{
		q:        q,
		category: category,
		handler:  handler,
		cfg:      cfg,
		limiter:  limiter,
		workerID: fmt.Sprintf("%s-%s", category, uuid.New().String()[:8]),
	}
}

// Start begins the consumer pool.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer %s already running", c.category)
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	log.Printf("[Consumer:%s] Starting %d workers (batch=%d, rate=%v/s)",
		c.category, c.cfg.Concurrency, c.cfg.BatchSize, c.cfg.RatePerSecond)

	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	c.wg.Add(1)
	go c.heartbeatLoop()
	return nil
}

// heartbeatLoop keeps the pool's engine_workers row fresh so the ops
// API can report consumer liveness. Heartbeat failures are logged and
// retried on the next tick, never fatal.
func (c *Consumer) heartbeatLoop() {
	defer c.wg.Done()

	beat := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := c.q.UpsertWorkerHeartbeat(ctx, WorkerInfo{
			WorkerID:    c.workerID,
			Category:    c.category,
			Concurrency: c.cfg.Concurrency,
			Completed:   atomic.LoadInt64(&c.totalCompleted),
			Failed:      atomic.LoadInt64(&c.totalFailed),
			Rescheduled: atomic.LoadInt64(&c.totalRescheduled),
		})
		if err != nil {
			log.Printf("[Consumer:%s] Heartbeat: %v", c.category, err)
		}
	}
	beat()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.q.DeregisterWorker(ctx, c.workerID); err != nil {
				log.Printf("[Consumer:%s] Deregister: %v", c.category, err)
			}
			cancel()
			return
		case <-ticker.C:
			beat()
		}
	}
}

// Stop gracefully stops the pool, letting in-flight jobs finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	log.Printf("[Consumer:%s] Stopped. Completed: %d, failed: %d, rescheduled: %d",
		c.category,
		atomic.LoadInt64(&c.totalCompleted),
		atomic.LoadInt64(&c.totalFailed),
		atomic.LoadInt64(&c.totalRescheduled))
}

// Stats returns pool counters.
func (c *Consumer) Stats() map[string]int64 {
	return map[string]int64{
		"completed":   atomic.LoadInt64(&c.totalCompleted),
		"failed":      atomic.LoadInt64(&c.totalFailed),
		"rescheduled": atomic.LoadInt64(&c.totalRescheduled),
	}
}

func (c *Consumer) worker(n int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		jobs, err := c.q.Claim(c.ctx, c.category, c.workerID, c.cfg.BatchSize)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Printf("[Consumer:%s] Worker %d claim error: %v", c.category, n, err)
			sleepCtx(c.ctx, time.Second)
			continue
		}

		if len(jobs) == 0 {
			sleepCtx(c.ctx, c.cfg.PollInterval)
			continue
		}

		for _, job := range jobs {
			if c.limiter != nil {
				if err := c.limiter.Wait(c.ctx); err != nil {
					return
				}
			}
			c.runOne(job)
		}
	}
}

func (c *Consumer) runOne(job *Job) {
	err := c.handler(c.ctx, job)

	// Use a fresh context for the outcome write so a shutdown mid-job
	// still records what happened.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resched *RescheduleError
	switch {
	case err == nil:
		atomic.AddInt64(&c.totalCompleted, 1)
		if cerr := c.q.Complete(ctx, job.ID); cerr != nil {
			log.Printf("[Consumer:%s] Complete %s: %v", c.category, job.Key, cerr)
		}
	case errors.As(err, &resched):
		atomic.AddInt64(&c.totalRescheduled, 1)
		if rerr := c.q.Reschedule(ctx, job.ID, resched.At); rerr != nil {
			log.Printf("[Consumer:%s] Reschedule %s: %v", c.category, job.Key, rerr)
		}
	default:
		atomic.AddInt64(&c.totalFailed, 1)
		log.Printf("[Consumer:%s] Job %s attempt %d failed: %v", c.category, job.Key, job.Attempts+1, err)
		if ferr := c.q.Fail(ctx, job, err); ferr != nil {
			log.Printf("[Consumer:%s] Fail %s: %v", c.category, job.Key, ferr)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
