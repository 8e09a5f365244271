// Package app wires the daemon together: config, logging, storage,
// transport, metrics, the event bus and the delivery engine, with
// hot-reload of logging and pacing settings.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tgblast/internal/config"
	"tgblast/internal/delivery"
	"tgblast/internal/eventbus"
	"tgblast/internal/metrics"
	"tgblast/internal/storage"
	"tgblast/internal/transport"
	"tgblast/internal/transport/telegram"
	logx "tgblast/pkg/logx"
)

// DefaultOwnerID is the owner a config-provided bot token is registered
// under. Single-tenant deployments run every campaign under it; multi-tenant
// setups register per-owner credentials through the store instead.
const DefaultOwnerID int64 = 0

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	logs *logx.Service
	log  logx.Logger

	store   storage.Store
	adapter *telegram.Adapter
	bus     eventbus.Bus
	met     *metrics.Metrics
	metSrv  *http.Server

	runner  *delivery.Runner
	svc     *delivery.Service
	sweeper *delivery.Sweeper

	segments delivery.SegmentSource
}

type Option func(*App)

// WithSegmentSource injects an audience segment resolver. Without one,
// campaigns targeting a segment fail their attempt with a wiring error.
func WithSegmentSource(src delivery.SegmentSource) Option {
	return func(a *App) { a.segments = src }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgPath: cfgPath}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	a.logs, a.log = logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log = a.log.With(logx.String("comp", "app"))

	a.store, err = storage.Open(storageConfig(cfg.Storage), a.logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	tcfg, err := telegramConfig(cfg.Telegram)
	if err != nil {
		return nil, err
	}
	a.adapter = telegram.New(tcfg, a.logs.Logger().With(logx.String("comp", "telegram")))

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		a.met = metrics.New()
	}
	a.bus = eventbus.New()

	policy, err := deliveryPolicy(cfg.Delivery)
	if err != nil {
		return nil, err
	}
	dcfg, err := deliveryConfig(cfg.Delivery)
	if err != nil {
		return nil, err
	}
	scfg, err := sweeperConfig(cfg.Delivery)
	if err != nil {
		return nil, err
	}

	dlog := a.logs.Logger().With(logx.String("comp", "delivery"))
	a.runner = delivery.NewRunner(policy, delivery.RunnerDeps{
		Campaigns:   a.store,
		Credentials: a.store,
		Transport:   a.adapter,
		Sink:        a.store,
		Segments:    a.segments,
		Bus:         a.bus,
		Metrics:     a.met,
	}, dlog)
	a.svc = delivery.New(dcfg, a.runner, dlog)
	a.sweeper = delivery.NewSweeper(scfg, a.store, a.svc, a.logs.Logger().With(logx.String("comp", "sweeper")))

	return a, nil
}

// Delivery exposes the job queue for embedding surfaces (bot commands, HTTP).
func (a *App) Delivery() *delivery.Service { return a.svc }

// Store exposes the persistence layer for provisioning campaigns and credentials.
func (a *App) Store() storage.Store { return a.store }

// Bus exposes campaign lifecycle events for additional consumers.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Progress reads the live snapshot for a campaign, if one exists.
func (a *App) Progress(ctx context.Context, campaignID string) (delivery.Snapshot, bool) {
	return a.runner.Reporter().Load(ctx, campaignID)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// A config-provided token becomes the default owner's credential; token
	// rotation via hot-reload lands through the same path below.
	cfg := a.cfgm.Get()
	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		if err := a.store.PutCredential(ctx, transport.Credential{OwnerID: DefaultOwnerID, Token: tok}); err != nil {
			return fmt.Errorf("register default credential: %w", err)
		}
	}

	a.svc.Start(a.sup.Context())
	a.sweeper.Start(a.sup.Context())

	if a.met != nil && cfg.Metrics != nil {
		addr := strings.TrimSpace(cfg.Metrics.Addr)
		if addr == "" {
			addr = "127.0.0.1:9090"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.met.Handler())
		a.metSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		srv := a.metSrv
		a.sup.Go("metrics.http", func(c context.Context) error {
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			select {
			case err := <-errc:
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			case <-c.Done():
				shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shctx)
				return nil
			}
		})
		a.log.Info("metrics endpoint up", logx.String("addr", addr))
	}

	// lifecycle event log: the decoupled progress surface
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("bus.eventlog", func(c context.Context) {
		defer unsub()
		elog := a.logs.Logger().With(logx.String("comp", "events"))
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				logEvent(elog, ev)
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	// Pacing policy applies to the next attempt; in-flight loops finish on
	// the policy they started with.
	if policy, err := deliveryPolicy(newCfg.Delivery); err == nil {
		a.runner.SetPolicy(policy)
	} else {
		a.log.Warn("delivery policy not applied", logx.Err(err))
	}

	// Token rotation for the default owner.
	if tok := strings.TrimSpace(newCfg.Telegram.Token); tok != "" && tok != strings.TrimSpace(oldCfg.Telegram.Token) {
		if err := a.store.PutCredential(ctx, transport.Credential{OwnerID: DefaultOwnerID, Token: tok}); err != nil {
			a.log.Warn("default credential rotation failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("sweeper", 2*time.Second, func(c context.Context) { a.sweeper.Stop(c) })
	step("delivery", 5*time.Second, func(c context.Context) { a.svc.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func logEvent(log logx.Logger, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.CampaignStarted:
		log.Info("campaign started",
			logx.String("campaign", ev.CampaignID),
			logx.Int("total", ev.Counters.Total))
	case eventbus.CampaignProgress:
		log.Debug("campaign progress",
			logx.String("campaign", ev.CampaignID),
			logx.Int("progress", ev.Progress),
			logx.Int("processed", ev.Counters.Processed),
			logx.Int("total", ev.Counters.Total))
	case eventbus.CampaignFinished:
		l := log.Info
		if ev.Status == string(delivery.StatusFailed) {
			l = log.Warn
		}
		l("campaign finished",
			logx.String("campaign", ev.CampaignID),
			logx.String("status", ev.Status),
			logx.Int("sent", ev.Counters.Sent),
			logx.Int("failed", ev.Counters.Failed),
			logx.Int("skipped", ev.Counters.Skipped))
	default:
		log.Debug("event", logx.String("type", string(ev.Type)))
	}
}
