package delivery

import (
	"errors"
	"fmt"
)

var (
	ErrNoCredential    = errors.New("no stored credential for owner")
	ErrNoRecipients    = errors.New("recipient resolution produced no recipients")
	ErrAttemptInFlight = errors.New("campaign already has a delivery attempt in flight")
	ErrQueueFull       = errors.New("delivery queue full")
	ErrStopped         = errors.New("delivery service stopped")
)

// HighFailureError is returned when an attempt ran to completion but crossed
// the failure-rate threshold. It is a policy signal, not a crash: the campaign
// is already marked failed by the time the caller sees it, and the error
// surfaces so the queue's retry machinery can re-enqueue.
type HighFailureError struct {
	CampaignID string
	Sent       int
	Failed     int
	Skipped    int
	Rate       float64
}

func (e *HighFailureError) Error() string {
	return fmt.Sprintf("campaign %s failure rate %.2f exceeds threshold (sent=%d failed=%d skipped=%d)",
		e.CampaignID, e.Rate, e.Sent, e.Failed, e.Skipped)
}

// NoRetry marks an attempt-fatal error as non-retryable.
//
// The worker pool won't re-run attempts that fail with a NoRetry-wrapped
// error (missing credential, nothing to resolve); everything else is fair
// game for the retry policy.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
