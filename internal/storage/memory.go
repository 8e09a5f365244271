package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tgblast/internal/delivery"
	"tgblast/internal/transport"
)

// memoryStore mirrors the sqlite store's semantics in process memory. It
// backs tests and ephemeral runs; nothing survives a restart.
type memoryStore struct {
	mu sync.Mutex

	campaigns map[string]delivery.Campaign
	outcomes  map[string][]delivery.Outcome
	creds     map[int64]transport.Credential
	kv        map[string]memEntry
}

type memEntry struct {
	value string
	until time.Time
}

func NewMemory() Store {
	return &memoryStore{
		campaigns: map[string]delivery.Campaign{},
		outcomes:  map[string][]delivery.Outcome{},
		creds:     map[int64]transport.Credential{},
		kv:        map[string]memEntry{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) CreateCampaign(_ context.Context, c delivery.Campaign) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.Status == "" {
		c.Status = delivery.StatusDraft
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.campaigns[c.ID]; dup {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	s.campaigns[c.ID] = c
	return nil
}

func (s *memoryStore) GetCampaign(_ context.Context, id string) (delivery.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return delivery.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *memoryStore) UpdateStatus(_ context.Context, id string, status delivery.Status, lastSentAt *time.Time, patch delivery.MetadataPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	c.Status = status
	c.UpdatedAt = time.Now()
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
	return nil
}

func (s *memoryStore) ListRetryable(_ context.Context, maxRetry int) ([]delivery.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Campaign
	for _, c := range s.campaigns {
		if c.Status == delivery.StatusFailed && c.RetryCount < maxRetry {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memoryStore) AppendOutcome(_ context.Context, o delivery.Outcome) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	s.mu.Lock()
	s.outcomes[o.CampaignID] = append(s.outcomes[o.CampaignID], o)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ListOutcomes(_ context.Context, campaignID string, f delivery.OutcomeFilter, limit, offset int) ([]delivery.Outcome, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []delivery.Outcome
	for _, o := range s.outcomes[campaignID] {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.JobID != "" && o.JobID != f.JobID {
			continue
		}
		filtered = append(filtered, o)
	}
	if offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	out := make([]delivery.Outcome, len(filtered))
	copy(out, filtered)
	return out, nil
}

func (s *memoryStore) PutCredential(_ context.Context, cred transport.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-registering a token keeps the original creation time, same as the
	// sqlite upsert: account age drives pacing and must not reset on rotation.
	if prev, ok := s.creds[cred.OwnerID]; ok && cred.CreatedAt.IsZero() {
		cred.CreatedAt = prev.CreatedAt
		if cred.LastUsedAt.IsZero() {
			cred.LastUsedAt = prev.LastUsedAt
		}
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	s.creds[cred.OwnerID] = cred
	return nil
}

func (s *memoryStore) Restore(_ context.Context, ownerID int64) (transport.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[ownerID]
	if !ok {
		return transport.Credential{}, fmt.Errorf("owner %d: %w", ownerID, delivery.ErrNoCredential)
	}
	return cred, nil
}

func (s *memoryStore) TouchUsed(_ context.Context, ownerID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred, ok := s.creds[ownerID]; ok {
		cred.LastUsedAt = at
		s.creds[ownerID] = cred
	}
	return nil
}

func (s *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.kv[key] = memEntry{value: value, until: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok || time.Now().After(e.until) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *memoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.kv, key)
	s.mu.Unlock()
	return nil
}
