package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "tgblast/pkg/logx"
)

// SweeperConfig controls the periodic retry sweep.
type SweeperConfig struct {
	Interval time.Duration
	// MaxRetry is the total retry budget per campaign; failed campaigns at
	// or over it are left for manual resubmission.
	MaxRetry int
}

// Sweeper re-enqueues failed campaigns that still have retry budget. It is
// the safety net behind the in-process retry loop: attempts lost to a process
// restart, or rejected on a full queue, get picked up on the next sweep.
type Sweeper struct {
	cfg   SweeperConfig
	store CampaignStore
	svc   *Service
	log   logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func NewSweeper(cfg SweeperConfig, store CampaignStore, svc *Service, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	return &Sweeper{cfg: cfg, store: store, svc: svc, log: log}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New()
	s.c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() { s.sweep(ctx) }))
	s.c.Start()
	s.log.Info("sweeper started", logx.Duration("interval", s.cfg.Interval), logx.Int("max_retry", s.cfg.MaxRetry))
}

func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) sweep(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cands, err := s.store.ListRetryable(sctx, s.cfg.MaxRetry)
	if err != nil {
		s.log.Warn("sweep listing failed", logx.Err(err))
		return
	}
	if len(cands) == 0 {
		return
	}

	requeued := 0
	for _, c := range cands {
		if s.svc.InFlight(c.ID) {
			continue
		}
		if _, err := s.svc.EnqueueCampaign(sctx, c); err != nil {
			s.log.Debug("sweep re-enqueue skipped", logx.String("campaign", c.ID), logx.Err(err))
			continue
		}
		requeued++
	}
	if requeued > 0 {
		s.log.Info("sweep re-enqueued failed campaigns", logx.Int("count", requeued), logx.Int("candidates", len(cands)))
	}
}
