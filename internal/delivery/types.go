package delivery

import (
	"context"
	"time"

	"tgblast/internal/transport"
)

// Status is the campaign lifecycle state.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further delivery attempt is running for a
// campaign in this status. A failed campaign may still be resubmitted.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Campaign is one broadcast job: message, recipient source and lifecycle
// bookkeeping. Counters reflect the most recent attempt.
type Campaign struct {
	ID          string
	OwnerID     int64
	Message     string
	Attachments []transport.Attachment

	// Recipient source: an explicit manual list, or a derived audience
	// segment. Recipients are resolved fresh per attempt, never persisted
	// as their own entity.
	Recipients []string
	SegmentID  string

	Status      Status
	RetryCount  int
	Sent        int
	Failed      int
	Skipped     int
	FailureRate float64
	LastJobID   string
	LastError   string
	LastSentAt  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type OutcomeStatus string

const (
	OutcomeSent    OutcomeStatus = "sent"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is one immutable per-(campaign, recipient, attempt) record.
// Append-only: history from prior attempts accumulates and is distinguished
// by JobID.
type Outcome struct {
	CampaignID string
	JobID      string
	Recipient  string
	Status     OutcomeStatus
	Error      string
	Kind       string
	At         time.Time
}

// OutcomeFilter narrows ListOutcomes. Zero values mean "any".
type OutcomeFilter struct {
	Status OutcomeStatus
	JobID  string
}

// MetadataPatch updates campaign metadata field by field: only non-nil fields
// overwrite, everything else is left untouched. RetryCountAdd increments
// atomically instead of overwriting, so concurrent resubmits can't lose a
// bump.
type MetadataPatch struct {
	Sent          *int
	Failed        *int
	Skipped       *int
	FailureRate   *float64
	LastJobID     *string
	LastError     *string
	RetryCountAdd int
}

// Job is one delivery attempt handed to the worker pool. Recipients may be
// inlined by the caller; when empty, the runner resolves them from the
// campaign's stored list or segment.
type Job struct {
	JobID       string
	CampaignID  string
	OwnerID     int64
	Recipients  []string
	Text        string
	Attachments []transport.Attachment

	// EnqueuedAt is set by the service for queue-delay visibility.
	EnqueuedAt time.Time
}

// Result is the graceful-completion report returned to the job queue.
type Result struct {
	CampaignID string
	Sent       int
	Failed     int
	Skipped    int
	Success    bool
}

// Policy holds the tunable delivery constants. These are deliberately config
// input, not hard-coded: account tiers may warrant different pacing.
type Policy struct {
	// FloorDelay is the minimum inter-send delay for a mature account.
	FloorDelay time.Duration
	// MaxDelay clamps the computed delay.
	MaxDelay time.Duration
	// BackoffMultiplier (>1) is raised to the rolling failure rate.
	BackoffMultiplier float64
	// FloodPenalty (>=2) multiplies the delay right after a flood-wait.
	FloodPenalty float64
	// Jitter is the symmetric random delay fraction (0.2 = +/-20%).
	Jitter float64
	// FailureThreshold is the failed/(sent+failed) ratio above which a
	// finished attempt is still declared failed (strictly greater-than).
	FailureThreshold float64
	// SnapshotTTL bounds progress snapshot lifetime in the sink.
	SnapshotTTL time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.FloorDelay <= 0 {
		p.FloorDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.BackoffMultiplier <= 1 {
		p.BackoffMultiplier = 8
	}
	if p.FloodPenalty < 2 {
		p.FloodPenalty = 2
	}
	// Zero means "unset"; a negative value disables jitter explicitly
	// (deterministic pacing, used by tests) and is kept as-is so
	// normalizing an already-normalized policy cannot re-enable it.
	if p.Jitter == 0 {
		p.Jitter = 0.2
	}
	if p.FailureThreshold <= 0 || p.FailureThreshold >= 1 {
		p.FailureThreshold = 0.5
	}
	if p.SnapshotTTL <= 0 {
		p.SnapshotTTL = 6 * time.Hour
	}
	return p
}

// ---- Collaborator contracts ----

// CampaignStore persists campaign state and the append-only outcome log.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	UpdateStatus(ctx context.Context, id string, status Status, lastSentAt *time.Time, patch MetadataPatch) error
	AppendOutcome(ctx context.Context, o Outcome) error
	ListOutcomes(ctx context.Context, campaignID string, f OutcomeFilter, limit, offset int) ([]Outcome, error)
	// ListRetryable returns failed campaigns that still have retry budget.
	ListRetryable(ctx context.Context, maxRetry int) ([]Campaign, error)
}

// CredentialStore restores the owner's stored sending identity. Absence is an
// attempt-fatal condition (ErrNoCredential).
type CredentialStore interface {
	Restore(ctx context.Context, ownerID int64) (transport.Credential, error)
	TouchUsed(ctx context.Context, ownerID int64, at time.Time) error
}

// Sink is the durable TTL'd key-value store behind the progress reporter.
// Any cache works; reporting through it is strictly best-effort.
type Sink interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Del(ctx context.Context, key string) error
}

// SegmentSource resolves a derived audience segment into recipients. The
// query building behind it is someone else's problem.
type SegmentSource interface {
	Resolve(ctx context.Context, segmentID string, ownerID int64) ([]transport.Recipient, error)
}
