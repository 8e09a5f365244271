package delivery

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	logx "tgblast/pkg/logx"
)

// ProgressStatus is the in-flight view of a run, distinct from the campaign
// lifecycle: the snapshot is a cache for polling/streaming clients, never the
// source of truth.
type ProgressStatus string

const (
	ProgressInitializing ProgressStatus = "initializing"
	ProgressSending      ProgressStatus = "sending"
	ProgressCompleted    ProgressStatus = "completed"
	ProgressFailed       ProgressStatus = "failed"
)

// Snapshot is the ephemeral per-campaign progress record. Overwritten after
// every recipient; cleared on successful completion; left behind on failure
// until the sink TTL expires, so a crashed run stays diagnosable.
type Snapshot struct {
	Status    ProgressStatus `json:"status"`
	Progress  int            `json:"progress"`
	Processed int            `json:"processed"`
	Total     int            `json:"total"`
	Sent      int            `json:"sent"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

const progressKeyPrefix = "bcast:progress:"

func progressKey(campaignID string) string { return progressKeyPrefix + campaignID }

// Reporter serializes snapshots into the sink. Every operation is
// best-effort: a flaky sink must never abort a delivery, so errors are logged
// and swallowed.
type Reporter struct {
	sink Sink
	ttl  atomic.Int64 // nanoseconds; swappable at runtime
	log  logx.Logger
}

func NewReporter(sink Sink, ttl time.Duration, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Reporter{sink: sink, log: log}
	r.setTTL(ttl)
	return r
}

func (r *Reporter) setTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	r.ttl.Store(int64(ttl))
}

func (r *Reporter) Save(ctx context.Context, campaignID string, s Snapshot) {
	if r == nil || r.sink == nil {
		return
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(s)
	if err != nil {
		r.log.Warn("progress snapshot marshal failed", logx.String("campaign", campaignID), logx.Err(err))
		return
	}
	if err := r.sink.Set(ctx, progressKey(campaignID), string(b), time.Duration(r.ttl.Load())); err != nil {
		r.log.Warn("progress snapshot write failed", logx.String("campaign", campaignID), logx.Err(err))
	}
}

// Load returns the last snapshot, if any. Deserialization and sink errors
// read as "no snapshot": callers fall back to the campaign record.
func (r *Reporter) Load(ctx context.Context, campaignID string) (Snapshot, bool) {
	if r == nil || r.sink == nil {
		return Snapshot{}, false
	}
	raw, ok, err := r.sink.Get(ctx, progressKey(campaignID))
	if err != nil {
		r.log.Warn("progress snapshot read failed", logx.String("campaign", campaignID), logx.Err(err))
		return Snapshot{}, false
	}
	if !ok {
		return Snapshot{}, false
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		r.log.Warn("progress snapshot decode failed", logx.String("campaign", campaignID), logx.Err(err))
		return Snapshot{}, false
	}
	return s, true
}

// Clear removes the snapshot. Called only after a fully successful run.
func (r *Reporter) Clear(ctx context.Context, campaignID string) {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.Del(ctx, progressKey(campaignID)); err != nil {
		r.log.Warn("progress snapshot delete failed", logx.String("campaign", campaignID), logx.Err(err))
	}
}
