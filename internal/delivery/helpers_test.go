package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"tgblast/internal/transport"
	logx "tgblast/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

// fastPolicy keeps inter-send pauses in the nanosecond range and disables
// jitter so tests stay fast and deterministic.
func fastPolicy() Policy {
	return Policy{
		FloorDelay:        1,
		MaxDelay:          time.Millisecond,
		BackoffMultiplier: 8,
		FloodPenalty:      2,
		Jitter:            -1,
		SnapshotTTL:       time.Hour,
	}
}

// fakeStore implements CampaignStore and CredentialStore in memory, applying
// merge patches the way the real stores do.
type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
	outcomes  []Outcome
	creds     map[int64]transport.Credential

	statusLog []Status
	updateErr error
	getErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: map[string]Campaign{},
		creds:     map[int64]transport.Credential{},
	}
}

func (s *fakeStore) putCampaign(c Campaign) {
	s.mu.Lock()
	s.campaigns[c.ID] = c
	s.mu.Unlock()
}

func (s *fakeStore) putCredential(cred transport.Credential) {
	s.mu.Lock()
	s.creds[cred.OwnerID] = cred
	s.mu.Unlock()
}

func (s *fakeStore) campaign(id string) Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaigns[id]
}

func (s *fakeStore) statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, len(s.statusLog))
	copy(out, s.statusLog)
	return out
}

func (s *fakeStore) GetCampaign(_ context.Context, id string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return Campaign{}, s.getErr
	}
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, errors.New("campaign not found: " + id)
	}
	return c, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, status Status, lastSentAt *time.Time, patch MetadataPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	c, ok := s.campaigns[id]
	if !ok {
		return errors.New("campaign not found: " + id)
	}
	c.Status = status
	if lastSentAt != nil {
		c.LastSentAt = *lastSentAt
	}
	if patch.Sent != nil {
		c.Sent = *patch.Sent
	}
	if patch.Failed != nil {
		c.Failed = *patch.Failed
	}
	if patch.Skipped != nil {
		c.Skipped = *patch.Skipped
	}
	if patch.FailureRate != nil {
		c.FailureRate = *patch.FailureRate
	}
	if patch.LastJobID != nil {
		c.LastJobID = *patch.LastJobID
	}
	if patch.LastError != nil {
		c.LastError = *patch.LastError
	}
	c.RetryCount += patch.RetryCountAdd
	s.campaigns[id] = c
	s.statusLog = append(s.statusLog, status)
	return nil
}

func (s *fakeStore) AppendOutcome(_ context.Context, o Outcome) error {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) ListOutcomes(_ context.Context, campaignID string, f OutcomeFilter, limit, offset int) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Outcome
	for _, o := range s.outcomes {
		if o.CampaignID != campaignID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.JobID != "" && o.JobID != f.JobID {
			continue
		}
		out = append(out, o)
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ListRetryable(_ context.Context, maxRetry int) ([]Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Campaign
	for _, c := range s.campaigns {
		if c.Status == StatusFailed && c.RetryCount < maxRetry {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) Restore(_ context.Context, ownerID int64) (transport.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[ownerID]
	if !ok {
		return transport.Credential{}, ErrNoCredential
	}
	return cred, nil
}

func (s *fakeStore) TouchUsed(_ context.Context, ownerID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred, ok := s.creds[ownerID]; ok {
		cred.LastUsedAt = at
		s.creds[ownerID] = cred
	}
	return nil
}

// fakeTransport scripts per-recipient send errors.
type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	sessions   []*fakeSession

	sendErrs map[string]error // recipient key -> error
}

func (t *fakeTransport) Connect(_ context.Context, _ transport.Credential) (transport.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	s := &fakeSession{errs: t.sendErrs}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) lastSession() *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

type fakeSession struct {
	mu     sync.Mutex
	errs   map[string]error
	sent   []string
	closed bool
}

func (s *fakeSession) Send(_ context.Context, to transport.Recipient, _ string, _ []transport.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to.Key())
	if err, ok := s.errs[to.Key()]; ok {
		return err
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// snapshotSink records the full sequence of snapshot writes.
type snapshotSink struct {
	fakeSink
	history []Snapshot
}

func newSnapshotSink() *snapshotSink {
	return &snapshotSink{fakeSink: fakeSink{data: map[string]string{}, ttls: map[string]time.Duration{}}}
}

func (s *snapshotSink) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var snap Snapshot
	if err := json.Unmarshal([]byte(value), &snap); err == nil {
		s.mu.Lock()
		s.history = append(s.history, snap)
		s.mu.Unlock()
	}
	return s.fakeSink.Set(ctx, key, value, ttl)
}

func (s *snapshotSink) snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	return out
}
