// ABOUTME: Worker pool that reserves jobs from the queue and acknowledges them
// ABOUTME: Concurrency is bounded by an errgroup of long-lived worker loops

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-queue/internal/agent"
	"github.com/2389/coven-queue/internal/bridge"
	"github.com/2389/coven-queue/internal/metrics"
	"github.com/2389/coven-queue/internal/queue"
	"github.com/2389/coven-queue/internal/registry"
	"github.com/2389/coven-queue/internal/store"
)

// ErrWorkspaceNotFound fails a job whose workspace row or directory is missing.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Defaults applied when Config leaves a field zero.
const (
	DefaultConcurrency   = 2
	DefaultRetryInterval = time.Second
	DefaultCleanInterval = time.Minute
)

// Outcomes recorded in metrics.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRetried   = "retried"
	outcomeCancelled = "cancelled"
)

// Config tunes the pool.
type Config struct {
	Concurrency   int
	MaxTurns      int           // Passed to the agent; 0 uses its default
	JobTimeout    time.Duration // 0 means no limit beyond the agent's turn limit
	RetryInterval time.Duration // Pause after a failed Reserve
	CleanInterval time.Duration // How often finished jobs are purged from the queue
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.CleanInterval <= 0 {
		c.CleanInterval = DefaultCleanInterval
	}
	return c
}

// Deps are the collaborators a pool needs. Metrics may be nil.
type Deps struct {
	Queue     queue.Queue
	Store     store.Store
	Generator agent.Generator
	Bridge    *bridge.Bridge
	Registry  *registry.Registry
	Metrics   *metrics.Metrics
}

// Pool runs worker loops against a queue.
type Pool struct {
	queue    queue.Queue
	store    store.Store
	gen      agent.Generator
	bridge   *bridge.Bridge
	registry *registry.Registry
	metrics  *metrics.Metrics
	cfg      Config
	handles  *handleSet
	logger   *slog.Logger
}

// New creates a pool. Pass nil logger for default.
func New(deps Deps, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:    deps.Queue,
		store:    deps.Store,
		gen:      deps.Generator,
		bridge:   deps.Bridge,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		cfg:      cfg.withDefaults(),
		handles:  newHandleSet(),
		logger:   logger.With("component", "worker"),
	}
}

// Run starts the worker loops and blocks until ctx is cancelled or the queue
// is closed. Jobs interrupted by shutdown are left unacknowledged.
func (p *Pool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cleaned := make(chan struct{})
	go func() {
		defer close(cleaned)
		p.cleanLoop(ctx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error { return p.loop(gctx, id) })
	}

	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)
	err := g.Wait()
	cancel()
	<-cleaned
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) error {
	logger := p.logger.With("worker", id)
	for {
		job, err := p.queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			logger.Error("reserving job", "error", err)
			select {
			case <-time.After(p.cfg.RetryInterval):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		p.execute(ctx, job)
	}
}

// cleanLoop purges finished jobs past the queue's retention window.
func (p *Pool) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := p.queue.Clean(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("cleaning finished jobs", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Debug("cleaned finished jobs", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// execute processes one job and acknowledges the result to the queue.
func (p *Pool) execute(ctx context.Context, job *queue.Job) {
	finish := p.metrics.JobStarted()
	res, err := p.Process(ctx, job)

	if ctx.Err() != nil {
		// Shutdown: leave the job active so stalled-job recovery requeues it
		p.logger.Warn("job interrupted by shutdown", "job_id", job.ID)
		finish(outcomeFailed)
		return
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err == nil {
		if ackErr := p.queue.Complete(ackCtx, job.ID); ackErr != nil {
			p.logger.Error("completing job", "error", ackErr, "job_id", job.ID)
		}
		if res.Cancelled {
			finish(outcomeCancelled)
		} else {
			finish(outcomeCompleted)
		}
		return
	}

	state, failErr := p.queue.Fail(ackCtx, job.ID, err)
	if failErr != nil {
		p.logger.Error("failing job", "error", failErr, "job_id", job.ID)
		finish(outcomeFailed)
		return
	}
	if state == queue.StateDelayed {
		finish(outcomeRetried)
	} else {
		finish(outcomeFailed)
	}
}

// Revoke asks a running job to stop at its next message boundary. It returns
// false when the job is not running in this pool or was already revoked.
func (p *Pool) Revoke(jobID string) bool {
	ok := p.handles.revoke(jobID)
	if ok {
		p.logger.Info("query revoked", "job_id", jobID)
	}
	return ok
}

// Running reports whether jobID is executing in this pool.
func (p *Pool) Running(jobID string) bool {
	return p.handles.has(jobID)
}

// resolveWorkspace returns the execution root. Errors name the workspace id
// only, never its path.
func (p *Pool) resolveWorkspace(ctx context.Context, workspaceID string) (string, error) {
	ws, err := p.store.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	if err != nil {
		return "", fmt.Errorf("loading workspace %s: %w", workspaceID, err)
	}
	info, err := os.Stat(ws.Path)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s has no directory", ErrWorkspaceNotFound, workspaceID)
	}
	return ws.Path, nil
}
