package delivery

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "tgblast/pkg/logx"
)

// Config controls the delivery worker pool and its attempt retry policy.
type Config struct {
	Workers   int
	QueueSize int

	// RetryMax bounds re-runs of a whole attempt after a retryable failure
	// (high failure rate, transport connect trouble). NoRetry-wrapped
	// errors are never re-run.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Minute
	}
	// Zero means "unset"; a negative value disables jitter explicitly and
	// is kept as-is so renormalizing cannot re-enable it.
	if c.RetryJitter == 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// Service owns the campaign job queue: a bounded pool of workers, each
// running one campaign's delivery loop at a time. Campaigns run concurrently
// with each other; one campaign never has two attempts in flight.
type Service struct {
	mu sync.Mutex

	cfg    Config
	runner *Runner
	log    logx.Logger

	queue  chan Job
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when
	// workers fully exit.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// inflight enforces the one-attempt-per-campaign invariant across
	// enqueue, queue wait, retries and execution.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func New(cfg Config, runner *Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		runner:   runner,
		log:      log,
		queue:    make(chan Job, cfg.QueueSize),
		inflight: map[string]struct{}{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	s.log.Debug("start requested", logx.Int("workers", cur.Workers), logx.Int("queue_size", cur.QueueSize))

	// If a Stop() is in progress, wait for it to complete (prevents double
	// worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	// keep queue across restarts (jobs remain pending)
	queue := s.queue
	stopCh := s.stopCh
	runCtx := s.runCtx

	s.workerWG.Add(cur.Workers)
	for i := 0; i < cur.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in delivery worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.log.Debug("worker started", logx.Int("worker", idx))
			s.worker(runCtx, stopCh, queue, idx)
			s.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}

	s.log.Info("service started", logx.Int("workers", cur.Workers), logx.Int("queue_size", cur.QueueSize))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

// Enqueue schedules one delivery attempt for a campaign. The campaign
// transitions to scheduled; a fresh job id identifies the attempt. Returns
// ErrAttemptInFlight when an attempt is already queued or running, and
// ErrQueueFull when the queue has no room.
func (s *Service) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.CampaignID == "" {
		return "", errors.New("enqueue: empty campaign id")
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	job.EnqueuedAt = time.Now()

	if !s.acquire(job.CampaignID) {
		return "", ErrAttemptInFlight
	}

	s.mu.Lock()
	q := s.queue
	running := s.stopCh != nil
	s.mu.Unlock()
	if !running {
		s.release(job.CampaignID)
		return "", ErrStopped
	}

	if err := s.markScheduled(ctx, job); err != nil {
		s.release(job.CampaignID)
		return "", err
	}

	select {
	case q <- job:
		s.log.Debug("delivery job enqueued",
			logx.String("campaign", job.CampaignID), logx.String("job", job.JobID),
			logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return job.JobID, nil
	default:
		s.release(job.CampaignID)
		s.log.Warn("delivery queue full; rejecting job",
			logx.String("campaign", job.CampaignID),
			logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return "", ErrQueueFull
	}
}

// EnqueueCampaign builds a Job from a stored campaign and enqueues it.
// Resubmitting a failed campaign bumps its retry count.
func (s *Service) EnqueueCampaign(ctx context.Context, c Campaign) (string, error) {
	job := Job{
		CampaignID:  c.ID,
		OwnerID:     c.OwnerID,
		Recipients:  c.Recipients,
		Text:        c.Message,
		Attachments: c.Attachments,
	}
	return s.Enqueue(ctx, job)
}

func (s *Service) markScheduled(ctx context.Context, job Job) error {
	patch := MetadataPatch{LastJobID: &job.JobID}
	camp, err := s.runner.campaigns.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		return err
	}
	if camp.Status == StatusFailed {
		// Resubmission of a failed campaign re-enters scheduled with a
		// bumped retry count.
		patch.RetryCountAdd = 1
	}
	return s.runner.campaigns.UpdateStatus(ctx, job.CampaignID, StatusScheduled, nil, patch)
}

func (s *Service) acquire(campaignID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[campaignID]; busy {
		return false
	}
	s.inflight[campaignID] = struct{}{}
	return true
}

func (s *Service) release(campaignID string) {
	s.inflightMu.Lock()
	delete(s.inflight, campaignID)
	s.inflightMu.Unlock()
}

// InFlight reports whether a campaign currently has an attempt queued or
// running.
func (s *Service) InFlight(campaignID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, busy := s.inflight[campaignID]
	return busy
}
