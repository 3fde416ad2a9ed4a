package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/stream"
)

// ErrPoolSaturated is returned when every worker slot is busy.
var ErrPoolSaturated = errors.New("worker pool saturated")

// WorkerPool executes non-streaming workflow runs off the request goroutine.
// Slots bound concurrency per pod; a saturated pool rejects submissions so
// the API can push back instead of queueing unboundedly.
type WorkerPool struct {
	engine *Engine
	cfg    *config.WorkerPoolConfig

	slots    chan struct{}
	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

// NewWorkerPool creates a pool sized by cfg.WorkerCount.
func NewWorkerPool(engine *Engine, cfg *config.WorkerPoolConfig) *WorkerPool {
	count := cfg.WorkerCount
	if count <= 0 {
		count = 4
	}
	return &WorkerPool{
		engine: engine,
		cfg:    cfg,
		slots:  make(chan struct{}, count),
	}
}

// Start prepares the pool and launches the periodic orphan scan. Safe to
// call once; runs submitted before Start are rejected.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true
	p.baseCtx, p.baseStop = context.WithCancel(context.WithoutCancel(ctx))

	slog.Info("Starting worker pool", "worker_count", cap(p.slots))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanScan(p.baseCtx)
	}()
}

// Submit claims a slot and executes the run in the background. The run
// outlives the submitting request; clients follow progress through the run's
// conversation ledger or the run detail endpoint.
func (p *WorkerPool) Submit(run *models.WorkflowRun, wf *config.WorkflowConfig) error {
	if !p.started {
		return errors.New("worker pool not started")
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return ErrPoolSaturated
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		if _, err := p.engine.Execute(p.baseCtx, run, wf, nil); err != nil {
			slog.Warn("Pooled workflow run ended with error",
				"run_id", run.ID, "workflow_key", run.WorkflowKey, "error", err)
		}
	}()
	return nil
}

// Active reports how many runs are executing right now.
func (p *WorkerPool) Active() int {
	return len(p.slots)
}

// Stop drains the pool: in-flight runs get GracefulShutdownTimeout to
// finish, then their contexts are cancelled and the engine records them as
// failed or cancelled.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		slog.Info("Stopping worker pool gracefully", "active_runs", p.Active())

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		timeout := p.cfg.GracefulShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		select {
		case <-done:
		case <-time.After(timeout):
			slog.Warn("Graceful shutdown timeout reached, cancelling active runs")
			p.baseStop()
			<-done
		}
		p.baseStop()
		slog.Info("Worker pool stopped")
	})
}

// runOrphanScan periodically fails running runs whose executor stopped
// heartbeating, appending a terminal error frame to each orphan's ledger.
func (p *WorkerPool) runOrphanScan(ctx context.Context) {
	interval := p.cfg.OrphanScanInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.engine.FailOrphans(ctx, false)
		}
	}
}

// FailOrphans transitions orphaned runs to failed and closes their streams.
// includeOwn additionally reclaims every run owned by this pod id, which is only
// safe at startup, before this pod executes anything. The periodic scan
// passes false and relies on the heartbeat threshold alone.
func (e *Engine) FailOrphans(ctx context.Context, includeOwn bool) {
	threshold := e.cfg.WorkerPool.OrphanThreshold
	if threshold <= 0 {
		threshold = 3 * time.Minute
	}
	podID := ""
	if includeOwn {
		podID = e.podID
	}

	orphans, err := e.workflows.AdoptOrphans(ctx, podID, threshold)
	if err != nil {
		slog.Error("Orphan scan failed", "error", err)
		return
	}
	for _, o := range orphans {
		slog.Warn("Adopted orphaned workflow run",
			"run_id", o.ID, "owner_pod", o.PodID)
		em := stream.NewEmitter(e.appender, nil, o.TenantID, o.ConversationID).
			WithWorkflow(&models.WorkflowMeta{WorkflowRunID: o.ID})
		em.EmitError(ctx, stream.ErrCodeInternal, "workflow run lost its executor")
	}
}
