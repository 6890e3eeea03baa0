package tracker

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/rendis/spellcast/internal/adapter"
	"github.com/rendis/spellcast/pkg/schema"
)

// DeliverFunc receives the terminal StepResult of a watched job. It is
// called exactly once per job from the tracker's perspective; downstream
// idempotence guards absorb any duplicate that arrives through another
// channel (webhook vs. poll).
type DeliverFunc func(result *schema.StepResult)

// Config bounds the polling behavior for jobs whose tool spec leaves the
// budgets unset.
type Config struct {
	PollInterval   time.Duration
	JitterFraction float64 // 0..1, fraction of the interval added as random jitter
	MaxJobDuration time.Duration
}

// DefaultConfig returns the engine's default polling budgets.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		JitterFraction: 0.2,
		MaxJobDuration: 30 * time.Minute,
	}
}

// Tracker owns one polling loop per outstanding asynchronous job. A loop
// stops on terminal poll result, webhook short-circuit, wall-clock timeout,
// or tracker shutdown — never leaks its timer.
type Tracker struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*watchedJob // keyed by generation id
	closed bool
	wg     sync.WaitGroup
}

type watchedJob struct {
	job    *adapter.Job
	cancel context.CancelFunc
}

// New creates a Tracker.
func New(cfg Config, logger *slog.Logger) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxJobDuration <= 0 {
		cfg.MaxJobDuration = DefaultConfig().MaxJobDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		config: cfg,
		logger: logger,
		jobs:   make(map[string]*watchedJob),
	}
}

// Watch arms a polling loop for the job. deliver is invoked with the
// terminal StepResult (success, failure, or TIMEOUT_ERROR). Watching the
// same generation twice is a no-op.
func (t *Tracker) Watch(job *adapter.Job, deliver DeliverFunc) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, exists := t.jobs[job.GenerationID]; exists {
		t.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.jobs[job.GenerationID] = &watchedJob{job: job, cancel: cancel}
	t.wg.Add(1)
	t.mu.Unlock()

	go t.pollLoop(ctx, job, deliver)
}

// Resolve short-circuits the poll loop for a generation after an external
// delivery (webhook). Returns true if a loop was stopped, false if no loop
// was watching that generation (already finished or never deferred).
func (t *Tracker) Resolve(generationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wj, ok := t.jobs[generationID]
	if !ok {
		return false
	}
	delete(t.jobs, generationID)
	wj.cancel()
	return true
}

// Outstanding returns the number of jobs currently being polled.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Stop cancels all poll loops and waits for them to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, wj := range t.jobs {
		wj.cancel()
	}
	t.jobs = make(map[string]*watchedJob)
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Tracker) pollLoop(ctx context.Context, job *adapter.Job, deliver DeliverFunc) {
	defer t.wg.Done()

	interval := job.PollInterval
	if interval <= 0 {
		interval = t.config.PollInterval
	}
	maxDuration := job.MaxDuration
	if maxDuration <= 0 {
		maxDuration = t.config.MaxJobDuration
	}

	deadline := time.NewTimer(maxDuration)
	defer deadline.Stop()

	timer := time.NewTimer(t.jittered(interval))
	defer timer.Stop()

	logger := t.logger.With(
		slog.String("cast_id", job.CastID),
		slog.Int("step_id", job.StepID),
		slog.String("generation_id", job.GenerationID),
		slog.String("provider_job_id", job.Handle.ProviderJobID),
	)

	for {
		select {
		case <-ctx.Done():
			// Webhook short-circuit or tracker shutdown. The loop owner
			// already removed us from the map (or is tearing everything down).
			return

		case <-deadline.C:
			logger.Warn("async job exceeded max duration", slog.Duration("max", maxDuration))
			t.finish(job.GenerationID)
			deliver(&schema.StepResult{
				GenerationID:  job.GenerationID,
				StepID:        job.StepID,
				Status:        schema.GenerationStatusFailed,
				FailureReason: schema.NewErrorf(schema.ErrCodeTimeout, "job exceeded %s budget", maxDuration).Error(),
			})
			return

		case <-timer.C:
			result, err := job.Poller.PollJob(ctx, job.Handle)
			if err != nil {
				// Poll failures have their own budget: log and try again on
				// the next tick. The wall-clock deadline bounds the damage.
				logger.Warn("poll failed", slog.String("error", err.Error()))
				timer.Reset(t.jittered(interval))
				continue
			}
			if result == nil {
				// Still processing.
				timer.Reset(t.jittered(interval))
				continue
			}

			result.GenerationID = job.GenerationID
			result.StepID = job.StepID
			t.finish(job.GenerationID)
			deliver(result)
			return
		}
	}
}

// finish removes a generation from the watch map if still present.
func (t *Tracker) finish(generationID string) {
	t.mu.Lock()
	delete(t.jobs, generationID)
	t.mu.Unlock()
}

func (t *Tracker) jittered(interval time.Duration) time.Duration {
	if t.config.JitterFraction <= 0 {
		return interval
	}
	jitter := time.Duration(rand.Int63n(int64(float64(interval) * t.config.JitterFraction)))
	return interval + jitter
}
