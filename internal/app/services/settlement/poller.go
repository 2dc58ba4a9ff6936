package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/settlement"
	"github.com/R3E-Network/sessionpay/internal/app/system"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

// Poller re-attests settled jobs and picks up refunds made outside the
// pipeline.
type Poller struct {
	orch     *Orchestrator
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Poller)(nil)

// NewPoller builds a poller ticking every interval (15s when zero).
func NewPoller(orch *Orchestrator, interval time.Duration, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewDefault("settlement-poller")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{orch: orch, interval: interval, log: log}
}

func (p *Poller) Name() string { return "settlement-poller" }

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.Tick(runCtx)
			}
		}
	}()

	p.log.Info("settlement poller started")
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Tick runs one polling pass.
func (p *Poller) Tick(ctx context.Context) {
	p.reattest(ctx)
	for _, status := range []settlement.Status{settlement.StatusPending, settlement.StatusProcessing} {
		p.reconcile(ctx, status)
	}
}

func (p *Poller) reattest(ctx context.Context) {
	jobs, err := p.orch.Jobs(ctx, settlement.StatusSettled)
	if err != nil {
		p.log.WithError(err).Warn("list settled jobs failed")
		return
	}
	now := p.orch.now()
	for _, job := range jobs {
		if !job.NextAttemptAt.IsZero() && now.Before(job.NextAttemptAt) {
			continue
		}
		updated, err := p.orch.Reattest(ctx, job)
		if err != nil {
			p.log.WithError(err).WithField("request_id", job.RequestID.Hex()).Warn("reattest failed")
			continue
		}
		if updated.Status == settlement.StatusCompleted {
			p.log.WithField("request_id", job.RequestID.Hex()).Info("attestation recovered")
		}
	}
}

func (p *Poller) reconcile(ctx context.Context, status settlement.Status) {
	jobs, err := p.orch.Jobs(ctx, status)
	if err != nil {
		p.log.WithError(err).Warnf("list %s jobs failed", status)
		return
	}
	for _, job := range jobs {
		if _, err := p.orch.ReconcileRefund(ctx, job); err != nil {
			p.log.WithError(err).WithField("request_id", job.RequestID.Hex()).Warn("refund reconcile failed")
		}
	}
}
