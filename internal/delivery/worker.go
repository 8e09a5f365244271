package delivery

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	logx "tgblast/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Job, idx int) {
	// Per-worker RNG: avoids global lock contention when several failed
	// attempts back off concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job := <-queue:
			s.execJob(ctx, stopCh, job, rng)
		}
	}
}

// execJob runs one campaign job, re-running the whole attempt (fresh pacer,
// fresh session, bumped retry count) when it fails retryably. Permanent
// attempt failures and exhausted budgets leave the campaign failed for the
// sweeper or a manual resubmit.
func (s *Service) execJob(ctx context.Context, stopCh <-chan struct{}, job Job, rng *rand.Rand) {
	defer s.release(job.CampaignID)

	start := time.Now()
	queueDelay := time.Duration(0)
	if !job.EnqueuedAt.IsZero() {
		queueDelay = start.Sub(job.EnqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	log := s.log.With(logx.String("campaign", job.CampaignID), logx.String("job", job.JobID))
	log.Debug("job started", logx.Duration("queue_delay", queueDelay))

	var (
		res Result
		err error
	)
	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err = s.runner.Run(ctx, job)
		if err == nil {
			break
		}
		if IsNoRetry(err) {
			log.Warn("job failed permanently", logx.Err(err), logx.Int("attempts", attempt))
			return
		}
		if attempt >= maxAttempts {
			log.Warn("job failed, retry budget exhausted", logx.Err(err), logx.Int("attempts", attempt))
			return
		}

		delay := retryDelay(cfg, attempt, rng)
		log.Info("attempt retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-tmr.C:
		}

		// Each re-run is a fresh attempt against the same campaign, with
		// its own job id so the outcome log keeps attempts apart.
		job.JobID = uuid.NewString()
		log = s.log.With(logx.String("campaign", job.CampaignID), logx.String("job", job.JobID))
		if merr := s.runner.campaigns.UpdateStatus(ctx, job.CampaignID, StatusScheduled, nil, MetadataPatch{RetryCountAdd: 1, LastJobID: &job.JobID}); merr != nil {
			log.Warn("retry bookkeeping failed", logx.Err(merr))
		}
	}

	if err == nil {
		fields := []logx.Field{
			logx.Int("sent", res.Sent),
			logx.Int("failed", res.Failed),
			logx.Int("skipped", res.Skipped),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", time.Since(start)),
		}
		if res.Failed > 0 || res.Skipped > 0 {
			log.Warn("job finished with losses", fields...)
		} else {
			log.Info("job finished", fields...)
		}
	}
}

func retryDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if j := cfg.RetryJitter; j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
