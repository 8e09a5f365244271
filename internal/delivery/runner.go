package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"tgblast/internal/eventbus"
	"tgblast/internal/metrics"
	"tgblast/internal/transport"
	logx "tgblast/pkg/logx"
)

// RunnerDeps are the collaborators one Runner drives. Everything is injected
// explicitly; the runner owns no global state and no registries.
type RunnerDeps struct {
	Campaigns   CampaignStore
	Credentials CredentialStore
	Transport   transport.Transport
	Sink        Sink
	Segments    SegmentSource
	Bus         eventbus.Bus
	Metrics     *metrics.Metrics
}

// Runner executes one delivery attempt end to end:
// initializing -> sending -> completed|failed.
type Runner struct {
	campaigns CampaignStore
	creds     CredentialStore
	transport transport.Transport
	reporter  *Reporter
	resolver  *Resolver
	bus       eventbus.Bus
	metrics   *metrics.Metrics
	log       logx.Logger
	now       func() time.Time
	newPacer  func(Policy, int) *Pacer

	policyMu sync.RWMutex
	policy   Policy
}

func NewRunner(policy Policy, deps RunnerDeps, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	policy = policy.withDefaults()
	return &Runner{
		campaigns: deps.Campaigns,
		creds:     deps.Credentials,
		transport: deps.Transport,
		reporter:  NewReporter(deps.Sink, policy.SnapshotTTL, log),
		resolver:  &Resolver{Segments: deps.Segments},
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		policy:    policy,
		log:       log,
		now:       time.Now,
		newPacer:  NewPacer,
	}
}

// Reporter exposes the runner's progress reporter for read-side consumers
// (a polling surface reads the same snapshots the loop writes).
func (r *Runner) Reporter() *Reporter { return r.reporter }

// SetPolicy swaps the pacing policy at runtime. In-flight attempts keep the
// policy they started with; the next attempt picks up the new one.
func (r *Runner) SetPolicy(policy Policy) {
	policy = policy.withDefaults()
	r.policyMu.Lock()
	r.policy = policy
	r.policyMu.Unlock()
	r.reporter.setTTL(policy.SnapshotTTL)
}

func (r *Runner) currentPolicy() Policy {
	r.policyMu.RLock()
	defer r.policyMu.RUnlock()
	return r.policy
}

// Run drives one attempt for one campaign. Per-recipient errors are absorbed
// into outcomes; only attempt-fatal conditions and the failure-rate policy
// produce a non-nil error, and in both cases the campaign record has already
// been marked failed when the error surfaces.
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	log := r.log.With(logx.String("campaign", job.CampaignID), logx.String("job", job.JobID))
	policy := r.currentPolicy()
	r.metrics.DeliveryStarted()
	defer r.metrics.DeliveryDone()

	start := r.now()

	// initializing
	if err := r.campaigns.UpdateStatus(ctx, job.CampaignID, StatusInProgress, nil, MetadataPatch{LastJobID: &job.JobID}); err != nil {
		return Result{}, r.fatal(job, 0, fmt.Errorf("mark in_progress: %w", err), log)
	}

	camp, err := r.campaigns.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		return Result{}, r.fatal(job, 0, fmt.Errorf("load campaign: %w", err), log)
	}

	recipients, err := r.resolver.Resolve(ctx, job, camp)
	if err != nil {
		if errors.Is(err, ErrNoRecipients) {
			err = NoRetry(err)
		}
		return Result{}, r.fatal(job, 0, err, log)
	}
	total := len(recipients)

	cred, err := r.creds.Restore(ctx, job.OwnerID)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			err = NoRetry(err)
		}
		return Result{}, r.fatal(job, total, err, log)
	}

	sess, err := r.transport.Connect(ctx, cred)
	if err != nil {
		return Result{}, r.fatal(job, total, fmt.Errorf("connect session: %w", err), log)
	}
	// The session belongs to this attempt alone and must not outlive it.
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("session close failed", logx.Err(cerr))
		}
	}()

	if terr := r.creds.TouchUsed(ctx, job.OwnerID, start); terr != nil {
		log.Debug("credential touch failed", logx.Err(terr))
	}

	pacer := r.newPacer(policy, cred.AgeDays(start))
	log.Info("delivery started",
		logx.Int("total", total),
		logx.Int("account_age_days", cred.AgeDays(start)),
		logx.Duration("base_delay", pacer.BaseDelay()))

	snap := Snapshot{Status: ProgressInitializing, Total: total, UpdatedAt: start}
	r.reporter.Save(ctx, job.CampaignID, snap)
	r.publish(eventbus.Event{Type: eventbus.CampaignStarted, Time: start,
		CampaignID: job.CampaignID, JobID: job.JobID,
		Counters: eventbus.Counters{Total: total}})

	text := job.Text
	if text == "" {
		text = camp.Message
	}
	attachments := job.Attachments
	if attachments == nil {
		attachments = camp.Attachments
	}

	// sending: strictly sequential. The platform rate limit is per-account
	// and the session is not assumed thread-safe.
	var sent, failed, skipped, processed int
	floodJustSeen := false
	for _, rcpt := range recipients {
		if err := sleep(ctx, pacer.NextDelay(floodJustSeen)); err != nil {
			return Result{}, r.fatal(job, total, err, log)
		}
		floodJustSeen = false

		sendErr := sess.Send(ctx, rcpt, text, attachments)
		if sendErr == nil {
			pacer.RecordSuccess()
			sent++
			r.metrics.MessageSent()
			r.appendOutcome(ctx, job, rcpt, OutcomeSent, "", "", log)
		} else {
			cls := Classify(sendErr)
			if cls.Permanent {
				// Permanent errors never succeed on retry: record as
				// skipped and keep them out of the failure counter.
				skipped++
				r.metrics.MessageSkipped()
				r.appendOutcome(ctx, job, rcpt, OutcomeSkipped, sendErr.Error(), string(cls.Kind), log)
			} else {
				pacer.RecordFailure()
				failed++
				r.metrics.MessageFailed()
				r.appendOutcome(ctx, job, rcpt, OutcomeFailed, sendErr.Error(), string(cls.Kind), log)
			}
			if cls.FloodWait {
				r.metrics.FloodWait()
				log.Warn("flood wait imposed",
					logx.String("recipient", rcpt.String()),
					logx.Duration("wait", cls.Wait))
				// A hard external limit, not a suggestion: sleep it out
				// before any further send.
				if err := sleep(ctx, cls.Wait); err != nil {
					return Result{}, r.fatal(job, total, err, log)
				}
				floodJustSeen = true
			}
		}

		processed++
		snap = Snapshot{
			Status:    ProgressSending,
			Progress:  percent(processed, total),
			Processed: processed,
			Total:     total,
			Sent:      sent,
			Failed:    failed,
			Skipped:   skipped,
			UpdatedAt: r.now(),
		}
		r.reporter.Save(ctx, job.CampaignID, snap)
		r.publish(eventbus.Event{Type: eventbus.CampaignProgress, Time: snap.UpdatedAt,
			CampaignID: job.CampaignID, JobID: job.JobID, Progress: snap.Progress,
			Counters: eventbus.Counters{Processed: processed, Total: total, Sent: sent, Failed: failed, Skipped: skipped}})
	}

	// terminal decision
	rate := failureRate(sent, failed)
	patch := MetadataPatch{Sent: &sent, Failed: &failed, Skipped: &skipped, FailureRate: &rate}
	res := Result{CampaignID: job.CampaignID, Sent: sent, Failed: failed, Skipped: skipped}

	if rate > policy.FailureThreshold {
		hfe := &HighFailureError{CampaignID: job.CampaignID, Sent: sent, Failed: failed, Skipped: skipped, Rate: rate}
		msg := hfe.Error()
		patch.LastError = &msg
		if uerr := r.campaigns.UpdateStatus(ctx, job.CampaignID, StatusFailed, nil, patch); uerr != nil {
			log.Error("terminal status write failed", logx.Err(uerr))
		}
		snap = Snapshot{Status: ProgressFailed, Progress: 100, Processed: processed, Total: total,
			Sent: sent, Failed: failed, Skipped: skipped, Error: msg, UpdatedAt: r.now()}
		// Retained, not cleared: the last snapshot stays visible for
		// diagnosis until the sink TTL expires.
		r.reporter.Save(ctx, job.CampaignID, snap)
		r.publish(eventbus.Event{Type: eventbus.CampaignFinished, Time: snap.UpdatedAt,
			CampaignID: job.CampaignID, JobID: job.JobID, Progress: 100, Status: string(StatusFailed), Error: msg,
			Counters: eventbus.Counters{Processed: processed, Total: total, Sent: sent, Failed: failed, Skipped: skipped}})
		r.metrics.CampaignFinished(string(StatusFailed))
		log.Warn("delivery finished over failure threshold",
			logx.Int("sent", sent), logx.Int("failed", failed), logx.Int("skipped", skipped),
			logx.Float64("failure_rate", rate), logx.Duration("dur", r.now().Sub(start)))
		return res, hfe
	}

	empty := ""
	patch.LastError = &empty
	doneAt := r.now()
	if uerr := r.campaigns.UpdateStatus(ctx, job.CampaignID, StatusCompleted, &doneAt, patch); uerr != nil {
		log.Error("terminal status write failed", logx.Err(uerr))
	}
	snap = Snapshot{Status: ProgressCompleted, Progress: 100, Processed: processed, Total: total,
		Sent: sent, Failed: failed, Skipped: skipped, UpdatedAt: doneAt}
	r.reporter.Save(ctx, job.CampaignID, snap)
	r.reporter.Clear(ctx, job.CampaignID)
	r.publish(eventbus.Event{Type: eventbus.CampaignFinished, Time: doneAt,
		CampaignID: job.CampaignID, JobID: job.JobID, Progress: 100, Status: string(StatusCompleted),
		Counters: eventbus.Counters{Processed: processed, Total: total, Sent: sent, Failed: failed, Skipped: skipped}})
	r.metrics.CampaignFinished(string(StatusCompleted))
	log.Info("delivery finished",
		logx.Int("sent", sent), logx.Int("failed", failed), logx.Int("skipped", skipped),
		logx.Float64("failure_rate", rate), logx.Duration("dur", doneAt.Sub(start)))

	res.Success = true
	return res, nil
}

// fatal handles attempt-level aborts: the campaign is marked failed with the
// cause, the snapshot shows the whole attempt as failed, and the original
// error propagates so the job queue's retry policy can act on it.
func (r *Runner) fatal(job Job, total int, err error, log logx.Logger) error {
	// Terminal writes must land even when the attempt died to a canceled
	// context.
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := err.Error()
	failedN := total
	if uerr := r.campaigns.UpdateStatus(wctx, job.CampaignID, StatusFailed, nil,
		MetadataPatch{LastError: &msg, Failed: &failedN}); uerr != nil {
		log.Error("failed-status write failed", logx.Err(uerr))
	}
	r.reporter.Save(wctx, job.CampaignID, Snapshot{
		Status: ProgressFailed, Progress: 100,
		Processed: total, Total: total, Failed: total,
		Error: msg, UpdatedAt: r.now(),
	})
	r.publish(eventbus.Event{Type: eventbus.CampaignFinished, Time: r.now(),
		CampaignID: job.CampaignID, JobID: job.JobID, Progress: 100, Status: string(StatusFailed), Error: msg,
		Counters: eventbus.Counters{Processed: total, Total: total, Failed: total}})
	r.metrics.CampaignFinished(string(StatusFailed))
	log.Error("delivery attempt aborted", logx.Err(err))
	return err
}

func (r *Runner) appendOutcome(ctx context.Context, job Job, rcpt transport.Recipient, status OutcomeStatus, errMsg, kind string, log logx.Logger) {
	o := Outcome{
		CampaignID: job.CampaignID,
		JobID:      job.JobID,
		Recipient:  rcpt.String(),
		Status:     status,
		Error:      errMsg,
		Kind:       kind,
		At:         r.now(),
	}
	if err := r.campaigns.AppendOutcome(ctx, o); err != nil {
		log.Error("outcome append failed", logx.String("recipient", o.Recipient), logx.Err(err))
	}
}

func (r *Runner) publish(ev eventbus.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ev)
}

func failureRate(sent, failed int) float64 {
	if sent+failed == 0 {
		return 0
	}
	return float64(failed) / float64(sent+failed)
}

func percent(processed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
