// Package app wires the callbridge subsystems into a running process.
//
// New builds everything from a validated config: the provider adapter, the
// bot dialer, the session bridge, the usage reporter, the optional call log
// and the HTTP listeners. Run starts them and Shutdown stops them in order:
// readiness goes to draining, live calls end and emit their usage records,
// pending records are flushed, then the listeners and stores close.
//
// Tests inject doubles through the functional options (WithAdapter,
// WithBotDialer, WithCallStore). When an option is not given, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/callstore"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/internal/server"
	"github.com/MrWong99/callbridge/internal/usage"
	"github.com/MrWong99/callbridge/pkg/bot"
	"github.com/MrWong99/callbridge/pkg/provider"
)

// Listener names accepted by [App.Addr].
const (
	ListenerProvider = "provider"
	ListenerAdmin    = "admin"
)

// saveTimeout bounds one call log write.
const saveTimeout = 5 * time.Second

// App owns every subsystem's lifetime.
type App struct {
	cfg *config.BridgeConfig

	registry *provider.Registry
	adapter  provider.Adapter
	dialer   bridge.BotDialer
	store    callstore.Store
	metrics  *observe.Metrics

	bridge   *bridge.Bridge
	reporter *usage.Reporter
	health   *health.Handler
	server   server.Server

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	// closers run in order at the end of Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry replaces [BuiltinRegistry] as the source of the adapter.
func WithRegistry(r *provider.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithAdapter injects a provider adapter instead of creating one from config.
func WithAdapter(ad provider.Adapter) Option {
	return func(a *App) { a.adapter = ad }
}

// WithBotDialer injects a bot dialer instead of dialing bot.url.
func WithBotDialer(d bridge.BotDialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithCallStore injects a call log instead of opening store.driver.
func WithCallStore(s callstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg, which must already be validated. Listeners
// are bound here so port conflicts fail fast.
func New(ctx context.Context, cfg *config.BridgeConfig, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = BuiltinRegistry()
	}
	a.runCtx, a.stopRun = context.WithCancel(context.Background())

	ok := false
	defer func() {
		if !ok {
			a.closeAll()
		}
	}()

	if err := a.initAdapter(); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init call store: %w", err)
	}
	a.initReporter()
	if err := a.initBridge(); err != nil {
		return nil, fmt.Errorf("app: init bridge: %w", err)
	}
	a.initHealth()
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	ok = true
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initAdapter() error {
	if a.adapter == nil {
		ad, err := a.registry.Create(provider.Options{
			Type:       a.cfg.Provider.Type,
			ListenAddr: a.cfg.Provider.ListenAddr(),
			Input:      a.cfg.Audio.Input(),
			Output:     a.cfg.Audio.Output(),
		})
		if err != nil {
			return err
		}
		a.adapter = ad
	}
	a.closers = append(a.closers, a.adapter.Close)
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil && a.cfg.Store.Driver != config.StoreNone {
		s, err := callstore.Open(ctx, string(a.cfg.Store.Driver), a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		slog.Info("app: call log enabled", "driver", a.cfg.Store.Driver)
		a.store = s
	}
	if a.store != nil {
		a.closers = append(a.closers, a.store.Close)
	}
	return nil
}

func (a *App) initReporter() {
	saas := a.cfg.SaaS
	a.reporter = usage.New(usage.Config{
		URL:           saas.UsageURL,
		APIKey:        saas.APIKey,
		BatchSize:     saas.BatchSize,
		FlushInterval: saas.FlushInterval,
		MaxAttempts:   saas.MaxAttempts,
		Backoff:       saas.Backoff,
		Breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name: "usage",
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("app: circuit breaker state changed", "breaker", name, "from", from, "to", to)
			},
		}),
		Metrics: a.metrics,
	})
}

func (a *App) initBridge() error {
	if a.dialer == nil {
		a.dialer = bridge.NewBotDialer(bot.NewDialer(
			a.cfg.Bot.URL,
			a.cfg.Bot.Format(),
			bot.WithHandshakeTimeout(a.cfg.Bridge.HandshakeTimeout),
		))
	}

	b, err := bridge.New(bridge.Config{
		BotRate:          a.cfg.Bot.SampleRate,
		Output:           a.cfg.Audio.Output(),
		DrainGrace:       a.cfg.Bridge.DrainGrace,
		HandshakeTimeout: a.cfg.Bridge.HandshakeTimeout,
		QueueFrames:      a.cfg.Bridge.QueueFrames,
		MaxSessions:      a.cfg.Bridge.MaxSessions,
	}, a.adapter, a.dialer,
		bridge.WithMetrics(a.metrics),
		bridge.WithRecordSink(a.reporter),
	)
	if err != nil {
		return err
	}
	if a.store != nil {
		b.OnCallEnd(a.saveCall)
	}
	a.bridge = b
	return nil
}

// saveCall writes a finished call to the call log.
func (a *App) saveCall(ctx context.Context, s *bridge.Session, rec usage.Record) error {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	info := s.Info()
	return a.store.Save(ctx, callstore.FromRecord(rec, info.From, info.To, info.Digits))
}

func (a *App) initHealth() {
	checkers := []health.Checker{{Name: "usage", Check: a.reporter.Ready}}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "callstore", Check: a.store.Ping})
	}
	a.health = health.New(checkers...)
}

// initServer binds the HTTP listeners. WebSocket providers get the provider
// listener; the operator routes join it unless server.admin_addr is set.
func (a *App) initServer() error {
	admin := server.Routes{
		Admin:    true,
		Health:   a.health,
		Sessions: a.bridge,
	}
	if a.store != nil {
		admin.Calls = a.store
	}

	adminAddr := a.cfg.Server.AdminAddr
	if h, ok := a.adapter.(provider.HTTPAdapter); ok {
		media := server.Routes{Media: h, MediaPath: a.cfg.Provider.ListenPath}
		if adminAddr == "" {
			media.Admin, media.Health, media.Sessions, media.Calls = true, admin.Health, admin.Sessions, admin.Calls
		}
		handler := server.NewRouter(media, a.metrics)
		if err := a.server.Listen(ListenerProvider, a.cfg.Provider.ListenAddr(), handler); err != nil {
			return err
		}
	}
	if adminAddr == "" {
		return nil
	}
	return a.server.Listen(ListenerAdmin, adminAddr, server.NewRouter(admin, a.metrics))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Bridge returns the session bridge so callers can register handlers before
// Run.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Addr returns the bound address of a listener, or "" if it does not exist.
func (a *App) Addr(listener string) string {
	if listener == ListenerProvider {
		if la, ok := a.adapter.(provider.ListenerAdapter); ok {
			return la.Addr()
		}
	}
	return a.server.Addr(listener)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts accepting calls and serving HTTP. It blocks until ctx is
// cancelled or a subsystem fails; it does not stop anything. Call
// [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 3)
	start := func(name string, fn func() error) {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := fn(); err != nil {
				errc <- fmt.Errorf("app: %s: %w", name, err)
			}
		}()
	}
	start("bridge", func() error { return a.bridge.Run(a.runCtx) })
	start("usage reporter", func() error { return a.reporter.Run(a.runCtx) })
	start("http", a.server.Serve)

	slog.Info("app: running",
		"provider", a.adapter.Type(),
		"provider_addr", a.Addr(ListenerProvider),
		"admin_addr", a.Addr(ListenerAdmin),
		"usage_reporting", a.reporter.Enabled(),
		"call_log", a.store != nil,
	)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the App: readiness fails, new calls are refused, live calls
// end with status completed, pending usage records are flushed and every
// listener and store is closed. It is safe to call more than once; only the
// first call does anything. If ctx expires first the remaining steps still
// run with an expired context and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "live_sessions", len(a.bridge.Sessions()))
		a.health.SetDraining(true)

		if err := a.bridge.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.stopRun()

		if err := a.reporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: flush usage: %w", err))
		}
		if n := a.reporter.Pending(); n > 0 {
			slog.Warn("app: usage records not delivered", "pending", n)
		}

		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("app: wait for subsystems: %w", ctx.Err()))
		}

		a.closeAll()
		slog.Info("app: shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) closeAll() {
	a.stopRun()
	_ = a.server.Shutdown(context.Background())
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("app: closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
