package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"tgblast/internal/eventbus"
	"tgblast/internal/transport"
)

func newTestRunner(store *fakeStore, tr *fakeTransport, sink Sink, bus eventbus.Bus) *Runner {
	return NewRunner(fastPolicy(), RunnerDeps{
		Campaigns:   store,
		Credentials: store,
		Transport:   tr,
		Sink:        sink,
		Bus:         bus,
	}, testLogger())
}

func seedCampaign(store *fakeStore, recipients []string) {
	store.putCampaign(Campaign{
		ID:         "c1",
		OwnerID:    1,
		Message:    "hello",
		Recipients: recipients,
		Status:     StatusScheduled,
	})
	store.putCredential(transport.Credential{
		OwnerID:   1,
		Token:     "tok",
		CreatedAt: time.Now().Add(-30 * 24 * time.Hour),
	})
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr := &fakeTransport{}
	sink := newSnapshotSink()
	seedCampaign(store, []string{"10", "20", "30"})

	r := newTestRunner(store, tr, sink, nil)
	res, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !res.Success || res.Sent != 3 || res.Failed != 0 || res.Skipped != 0 {
		t.Fatalf("result = %+v", res)
	}

	c := store.campaign("c1")
	if c.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
	if c.Sent != 3 || c.Failed != 0 || c.FailureRate != 0 {
		t.Fatalf("counters: %+v", c)
	}
	if c.LastError != "" {
		t.Fatalf("LastError = %q, want empty", c.LastError)
	}
	if c.LastSentAt.IsZero() {
		t.Fatal("LastSentAt not set on completion")
	}
	if c.LastJobID != "j1" {
		t.Fatalf("LastJobID = %q", c.LastJobID)
	}

	// outcomes in recipient order
	outs, _ := store.ListOutcomes(context.Background(), "c1", OutcomeFilter{}, 0, 0)
	if len(outs) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outs))
	}
	for i, want := range []string{"10", "20", "30"} {
		if outs[i].Recipient != want || outs[i].Status != OutcomeSent || outs[i].JobID != "j1" {
			t.Fatalf("outcome[%d] = %+v", i, outs[i])
		}
	}

	if sess := tr.lastSession(); sess == nil || !sess.isClosed() {
		t.Fatal("session not closed after run")
	}

	// snapshot cleared after a fully successful run
	if _, ok := r.Reporter().Load(context.Background(), "c1"); ok {
		t.Fatal("snapshot survived successful completion")
	}

	// lifecycle went scheduled -> in_progress -> completed
	st := store.statuses()
	if len(st) != 2 || st[0] != StatusInProgress || st[1] != StatusCompleted {
		t.Fatalf("status transitions: %v", st)
	}
}

func TestRunMixedOutcomes(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	// "20" fails retryably, "30" fails permanently (skipped)
	tr := &fakeTransport{sendErrs: map[string]error{
		"20": errors.New("read tcp: connection reset by peer"),
		"30": errors.New("Forbidden: bot was blocked by the user"),
	}}
	seedCampaign(store, []string{"10", "20", "30", "40"})

	r := newTestRunner(store, tr, newFakeSink(), nil)
	res, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}

	// failure rate = 1/(2+1): skipped recipients are out of the denominator
	c := store.campaign("c1")
	if c.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (rate 0.33)", c.Status)
	}
	if got, want := c.FailureRate, 1.0/3.0; got != want {
		t.Fatalf("rate = %v, want %v", got, want)
	}

	outs, _ := store.ListOutcomes(context.Background(), "c1", OutcomeFilter{Status: OutcomeSkipped}, 0, 0)
	if len(outs) != 1 || outs[0].Recipient != "30" || outs[0].Kind != string(KindUserRestricted) {
		t.Fatalf("skipped outcomes: %+v", outs)
	}
}

func TestRunPermanentErrorsSkipPacerFailures(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	// "20" is a permanent failure (skipped), "30" a transient one: only
	// the transient failure may feed the pacer's failure counter.
	tr := &fakeTransport{sendErrs: map[string]error{
		"20": errors.New("Forbidden: bot was blocked by the user"),
		"30": errors.New("timeout"),
	}}
	seedCampaign(store, []string{"10", "20", "30"})

	r := newTestRunner(store, tr, newFakeSink(), nil)
	var pacer *Pacer
	r.newPacer = func(p Policy, ageDays int) *Pacer {
		pacer = NewPacer(p, ageDays)
		return pacer
	}

	res, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Sent != 1 || res.Failed != 1 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}

	st := pacer.Stats()
	if st.Success != 1 || st.Failure != 1 {
		t.Fatalf("pacer stats = %+v, want 1 success / 1 failure", st)
	}

	// rate = 1/(1+1) = 0.5, not above the threshold: campaign completes
	if c := store.campaign("c1"); c.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
}

func TestRunHighFailureRate(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr := &fakeTransport{sendErrs: map[string]error{
		"10": errors.New("timeout"),
		"20": errors.New("timeout"),
		"30": errors.New("timeout"),
	}}
	seedCampaign(store, []string{"10", "20", "30", "40"})

	sink := newFakeSink()
	r := newTestRunner(store, tr, sink, nil)
	res, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1})

	var hfe *HighFailureError
	if !errors.As(err, &hfe) {
		t.Fatalf("err = %v, want HighFailureError", err)
	}
	if hfe.Rate != 0.75 || hfe.Sent != 1 || hfe.Failed != 3 {
		t.Fatalf("error detail: %+v", hfe)
	}
	if IsNoRetry(err) {
		t.Fatal("high failure must stay retryable")
	}
	if res.Success {
		t.Fatal("result marked success despite threshold breach")
	}

	c := store.campaign("c1")
	if c.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", c.Status)
	}
	if c.LastError == "" {
		t.Fatal("LastError empty on threshold failure")
	}

	// failed snapshot is retained for diagnosis, not cleared
	snap, ok := r.Reporter().Load(context.Background(), "c1")
	if !ok {
		t.Fatal("failed snapshot was cleared")
	}
	if snap.Status != ProgressFailed || snap.Progress != 100 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunFailureRateBoundary(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr := &fakeTransport{sendErrs: map[string]error{"20": errors.New("timeout")}}
	seedCampaign(store, []string{"10", "20"})

	r := newTestRunner(store, tr, newFakeSink(), nil)
	res, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1})
	if err != nil {
		t.Fatalf("rate exactly at threshold must complete: %v", err)
	}
	if !res.Success || res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if c := store.campaign("c1"); c.Status != StatusCompleted || c.FailureRate != 0.5 {
		t.Fatalf("campaign = %+v", c)
	}
}

func TestRunMissingCredential(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr := &fakeTransport{}
	store.putCampaign(Campaign{ID: "c1", OwnerID: 9, Recipients: []string{"10", "20", "30"}, Status: StatusScheduled})

	r := newTestRunner(store, tr, newFakeSink(), nil)
	_, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 9})
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
	if !IsNoRetry(err) {
		t.Fatal("missing credential must be no-retry")
	}
	if tr.connectCount() != 0 {
		t.Fatal("connected without a credential")
	}

	c := store.campaign("c1")
	if c.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", c.Status)
	}

	// fatal snapshot covers the whole resolved audience
	snap, ok := r.Reporter().Load(context.Background(), "c1")
	if !ok {
		t.Fatal("no failed snapshot")
	}
	if snap.Status != ProgressFailed || snap.Processed != 3 || snap.Total != 3 || snap.Failed != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunNoRecipientSource(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.putCampaign(Campaign{ID: "c1", OwnerID: 1, Status: StatusScheduled})
	store.putCredential(transport.Credential{OwnerID: 1, Token: "tok"})

	r := newTestRunner(store, &fakeTransport{}, newFakeSink(), nil)
	_, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("err = %v, want ErrNoRecipients", err)
	}
	if !IsNoRetry(err) {
		t.Fatal("unresolvable audience must be no-retry")
	}
}

func TestRunZeroRecipientsCompletesImmediately(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr := &fakeTransport{}
	seedCampaign(store, []string{})

	r := newTestRunner(store, tr, newFakeSink(), nil)
	res, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !res.Success || res.Sent != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if c := store.campaign("c1"); c.Status != StatusCompleted || c.FailureRate != 0 {
		t.Fatalf("campaign = %+v", c)
	}
	if sess := tr.lastSession(); sess != nil && len(sess.sent) != 0 {
		t.Fatalf("sends on empty audience: %v", sess.sent)
	}
}

func TestRunConnectFailureIsRetryable(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr := &fakeTransport{connectErr: errors.New("dial tcp: i/o timeout")}
	seedCampaign(store, []string{"10"})

	r := newTestRunner(store, tr, newFakeSink(), nil)
	_, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1})
	if err == nil {
		t.Fatal("expected connect error")
	}
	if IsNoRetry(err) {
		t.Fatal("connect trouble should be retryable")
	}
	if c := store.campaign("c1"); c.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", c.Status)
	}
}

func TestRunCanceledContext(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr := &fakeTransport{}
	seedCampaign(store, []string{"10", "20"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestRunner(store, tr, newFakeSink(), nil)
	_, err := r.Run(ctx, Job{JobID: "j1", CampaignID: "c1", OwnerID: 1})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	// The terminal write happens on a detached context, so the record is
	// consistent even though the attempt died.
	if c := store.campaign("c1"); c.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", c.Status)
	}
}

func TestRunFloodWaitCountsAsFailure(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr := &fakeTransport{sendErrs: map[string]error{
		"20": &transport.FloodError{RetryAfter: time.Millisecond},
	}}
	seedCampaign(store, []string{"10", "20", "30"})

	r := newTestRunner(store, tr, newFakeSink(), nil)
	res, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	outs, _ := store.ListOutcomes(context.Background(), "c1", OutcomeFilter{Status: OutcomeFailed}, 0, 0)
	if len(outs) != 1 || outs[0].Kind != string(KindFloodWait) {
		t.Fatalf("flood outcome: %+v", outs)
	}
}

func TestRunSnapshotPerRecipient(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr := &fakeTransport{sendErrs: map[string]error{"30": errors.New("timeout")}}
	sink := newSnapshotSink()
	seedCampaign(store, []string{"10", "20", "30", "40", "50"})

	r := newTestRunner(store, tr, sink, nil)
	if _, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1}); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	snaps := sink.snapshots()
	// initializing + one per recipient + terminal
	if len(snaps) != 7 {
		t.Fatalf("snapshot writes = %d, want 7", len(snaps))
	}
	if snaps[0].Status != ProgressInitializing || snaps[0].Total != 5 {
		t.Fatalf("first snapshot: %+v", snaps[0])
	}
	prev := 0
	for i, s := range snaps[1 : len(snaps)-1] {
		if s.Processed != prev+1 {
			t.Fatalf("snapshot %d processed = %d, want %d", i+1, s.Processed, prev+1)
		}
		if s.Processed != s.Sent+s.Failed+s.Skipped {
			t.Fatalf("snapshot %d inconsistent: %+v", i+1, s)
		}
		prev = s.Processed
	}
	last := snaps[len(snaps)-1]
	if last.Status != ProgressCompleted || last.Progress != 100 || last.Processed != 5 {
		t.Fatalf("terminal snapshot: %+v", last)
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr := &fakeTransport{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	seedCampaign(store, []string{"10", "20"})

	r := newTestRunner(store, tr, newFakeSink(), bus)
	if _, err := r.Run(context.Background(), Job{JobID: "j1", CampaignID: "c1", OwnerID: 1}); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	var got []eventbus.Event
drain:
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
		default:
			break drain
		}
	}
	want := []eventbus.Type{
		eventbus.CampaignStarted,
		eventbus.CampaignProgress,
		eventbus.CampaignProgress,
		eventbus.CampaignFinished,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %+v, want types %v", got, want)
	}
	for i := range want {
		if got[i].Type != want[i] {
			t.Fatalf("event %d type = %s, want %s", i, got[i].Type, want[i])
		}
		if got[i].CampaignID != "c1" || got[i].JobID != "j1" {
			t.Fatalf("event %d identity: %+v", i, got[i])
		}
	}
	fin := got[len(got)-1]
	if fin.Status != string(StatusCompleted) || fin.Counters.Sent != 2 || fin.Progress != 100 {
		t.Fatalf("finished event: %+v", fin)
	}
}

func TestRunnerSetPolicy(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	r := newTestRunner(store, &fakeTransport{}, newFakeSink(), nil)

	p := fastPolicy()
	p.FailureThreshold = 0.9
	r.SetPolicy(p)
	if got := r.currentPolicy().FailureThreshold; got != 0.9 {
		t.Fatalf("threshold = %v, want 0.9", got)
	}

	// defaults still normalize on swap
	r.SetPolicy(Policy{})
	if got := r.currentPolicy().FloorDelay; got != 500*time.Millisecond {
		t.Fatalf("floor after defaulting = %v", got)
	}
}

func TestRunnerKeepsJitterDisabled(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	r := newTestRunner(store, &fakeTransport{}, newFakeSink(), nil)

	// fastPolicy disables jitter with the negative sentinel; the runner's
	// stored copy must not resurrect the default on its way to the pacer.
	if got := r.currentPolicy().Jitter; got >= 0 {
		t.Fatalf("stored jitter = %v, want negative sentinel", got)
	}
	p := NewPacer(r.currentPolicy(), 30)
	first := p.NextDelay(false)
	for i := 0; i < 100; i++ {
		if d := p.NextDelay(false); d != first {
			t.Fatalf("delay varied with jitter disabled: %v vs %v", d, first)
		}
	}
}
