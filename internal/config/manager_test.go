package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
		"telegram": {"token": "123:abc", "rate_per_sec": 10},
		"logging": {"level": "debug", "console": true},
		"delivery": {"workers": 2, "floor_delay": "250ms"}
	}`)
	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.RatePerSec != 10 {
		t.Fatalf("telegram: %+v", cfg.Telegram)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Delivery.Workers != 2 || cfg.Delivery.FloorDelay != "250ms" {
		t.Fatalf("delivery: %+v", cfg.Delivery)
	}
	if cfg.Storage != nil || cfg.Metrics != nil {
		t.Fatalf("optional sections should be nil: %+v", cfg)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
logging:
  level: info
delivery:
  workers: 3
  max_delay: 10s
storage:
  driver: sqlite
  path: ./data.db
`)
	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Delivery.Workers != 3 {
		t.Fatalf("parsed: %+v", cfg)
	}
	if cfg.Delivery.MaxDelay != "10s" {
		t.Fatalf("max_delay = %q", cfg.Delivery.MaxDelay)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"telegram": {"token": "t", "ratelimit": 5}}`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"level": "info"}}{"extra": true}`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseMissingFile(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	if _, err := m.Parse(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

func TestLoadCommits(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"level": "warn"}}`)
	m := NewManager(path)
	if m.Get() != nil {
		t.Fatal("config present before Load")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestReloadPublishes(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if err := os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("reload did not commit")
	}
}

func TestReloadDeduplicatesUnchangedContent(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// same bytes on disk: no publish expected
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unchanged content was published")
	default:
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewManager(path)
	old, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Delivery.Workers < 0 {
			return errors.New("workers must be >= 0")
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if err := os.WriteFile(path, []byte(`{"delivery": {"workers": -1}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())

	select {
	case <-sub:
		t.Fatal("rejected config was published")
	default:
	}
	if m.Get() != old {
		t.Fatal("rejected config was committed")
	}
}

func TestReloadBadFileKeepsLast(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewManager(path)
	old, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"logging": `), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())
	if m.Get() != old {
		t.Fatal("broken file replaced the committed config")
	}
}

func TestPublishDropsOldestWhenSlow(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	first := &Config{Logging: LoggingConfig{Level: "one"}}
	second := &Config{Logging: LoggingConfig{Level: "two"}}
	m.publish(first)
	m.publish(second)

	got := <-sub
	if got.Logging.Level != "two" {
		t.Fatalf("slow subscriber got %q, want the latest", got.Logging.Level)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	sub := m.Subscribe(1)
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed")
	}
	// double unsubscribe and nil are no-ops
	m.Unsubscribe(sub)
	m.Unsubscribe(nil)
}

func TestWatchPicksUpWrites(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// give the watcher a moment to attach
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never published the change")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
