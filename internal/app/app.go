// Package app wires all Guardian subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and the device bridge until the context ends,
// and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithDocStore,
// WithCache, WithSender, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/guardian/internal/config"
	"github.com/MrWong99/guardian/internal/controller"
	"github.com/MrWong99/guardian/internal/health"
	"github.com/MrWong99/guardian/internal/observe"
	"github.com/MrWong99/guardian/internal/recognition"
	"github.com/MrWong99/guardian/internal/resilience"
	"github.com/MrWong99/guardian/internal/store"
	"github.com/MrWong99/guardian/pkg/bridge"
	"github.com/MrWong99/guardian/pkg/capability/messaging"
	"github.com/MrWong99/guardian/pkg/capability/messaging/twilio"
	"github.com/MrWong99/guardian/pkg/docstore"
	"github.com/MrWong99/guardian/pkg/docstore/postgres"
	"github.com/MrWong99/guardian/pkg/localstore"
	"github.com/MrWong99/guardian/pkg/localstore/sqlite"
	"github.com/MrWong99/guardian/pkg/types"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics
	ring    *observe.Ring

	// Subsystems, initialised in New and torn down in Shutdown.
	docs       docstore.Store
	cache      localstore.Store
	bridge     *bridge.Bridge
	sender     messaging.Sender
	breaker    *resilience.Breaker
	repo       *store.Repository
	controller *controller.Controller
	handler    http.Handler
	server     *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDocStore injects a document store instead of creating one from config.
func WithDocStore(s docstore.Store) Option {
	return func(a *App) { a.docs = s }
}

// WithCache injects a local cache instead of creating one from config.
func WithCache(c localstore.Store) Option {
	return func(a *App) { a.cache = c }
}

// WithSender injects the fallback SMS sender instead of creating one from
// config.
func WithSender(s messaging.Sender) Option {
	return func(a *App) { a.sender = s }
}

// WithMetrics records to m instead of the global provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogRing serves r at /debug/logs.
func WithLogRing(r *observe.Ring) Option {
	return func(a *App) { a.ring = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The controller is
// created stopped; [App.Run] restores the persisted listening state.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	a.metrics = observe.Or(a.metrics)

	// ── 1. Document store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Local cache ───────────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 3. Device bridge ─────────────────────────────────────────────────
	a.bridge = bridge.New(
		bridge.WithTimeout(cfg.Device.RequestTimeout),
		bridge.WithOriginPatterns(cfg.Device.OriginPatterns...),
		bridge.WithConnectionGauge(a.metrics.DeviceConnections),
	)
	a.closers = append(a.closers, a.bridge.Close)

	// ── 4. Fallback sender ───────────────────────────────────────────────
	if err := a.initSender(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sms: %w", err)
	}

	// ── 5. Primary write breaker ─────────────────────────────────────────
	if bc := cfg.Alert.Breaker; bc.Enabled {
		a.breaker = resilience.New(resilience.Config{
			Name:        "primary-write",
			MaxFailures: bc.MaxFailures,
			CoolDown:    bc.CoolDown,
			OnStateChange: func(from, to resilience.State) {
				slog.Warn("primary write breaker changed state", "from", from.String(), "to", to.String())
			},
		})
	}

	// ── 6. Controller ────────────────────────────────────────────────────
	a.repo = store.New(a.docs, types.Principal{
		UserID:      cfg.Principal.UserID,
		DisplayName: cfg.Principal.DisplayName,
	})
	ctrl, err := controller.New(controller.Deps{
		Repo:     a.repo,
		Cache:    a.cache,
		Speech:   a.bridge,
		Location: a.bridge,
		Geofence: a.bridge,
		Signals:  a.bridge,
		Sender:   a.sender,
		Breaker:  a.breaker,
		Metrics:  a.metrics,
	}, controllerOptions(cfg))
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.controller = ctrl

	// ── 7. HTTP ──────────────────────────────────────────────────────────
	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the configured document store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.docs != nil {
		return nil
	}
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := postgres.New(pool, postgres.WithPollInterval(a.cfg.Store.PollInterval))
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.docs = pg
		slog.Info("document store ready", "backend", "postgres")
	default:
		a.docs = docstore.NewMemStore()
		slog.Info("document store ready", "backend", "memory")
	}
	return nil
}

// initCache opens the configured local cache unless one was injected.
func (a *App) initCache(ctx context.Context) error {
	if a.cache != nil {
		return nil
	}
	switch a.cfg.Cache.Backend {
	case config.CacheSQLite:
		db, err := sqlite.Open(ctx, a.cfg.Cache.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.cache = db
		slog.Info("local cache ready", "backend", "sqlite", "path", a.cfg.Cache.Path)
	default:
		a.cache = localstore.NewMemStore()
		slog.Info("local cache ready", "backend", "memory")
	}
	return nil
}

// initSender selects the fallback SMS path unless one was injected.
func (a *App) initSender() error {
	if a.sender != nil {
		return nil
	}
	switch a.cfg.SMS.Backend {
	case config.SMSTwilio:
		tc := a.cfg.SMS.Twilio
		s, err := twilio.New(twilio.Config{
			AccountSID: tc.AccountSID,
			AuthToken:  tc.AuthToken,
			FromNumber: tc.FromNumber,
		})
		if err != nil {
			return err
		}
		a.sender = s
	default:
		a.sender = a.bridge
	}
	slog.Info("fallback sms ready", "backend", a.cfg.SMS.Backend)
	return nil
}

func controllerOptions(cfg *config.Config) controller.Options {
	opts := controller.Options{
		Countdown:   cfg.Alert.Countdown,
		BackoffBase: cfg.Recognition.BackoffBase,
		BackoffMax:  cfg.Recognition.BackoffMax,
	}
	opts.Alert.PrimaryTimeout = cfg.Alert.PrimaryTimeout
	opts.Alert.LocationTimeout = cfg.Alert.LocationTimeout
	opts.Alert.SendTimeout = cfg.Alert.SendTimeout
	opts.Alert.MaxParallel = cfg.Alert.MaxParallel
	for i, c := range cfg.Contacts {
		opts.StaticContacts = append(opts.StaticContacts, types.Contact{
			ID:    fmt.Sprintf("static-%d", i),
			Name:  c.Name,
			Phone: c.Phone,
		})
	}
	return opts
}

// routes builds the HTTP surface behind the observability middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Device.Path, a.bridge)

	health.New(
		health.Ping("docstore", a.repo),
		health.Checker{Name: "device", Check: a.bridge.Check, Optional: true},
		health.Checker{Name: "controller", Check: a.checkController, Optional: true},
	).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	if a.ring != nil {
		mux.Handle("GET /debug/logs", a.ring)
	}
	a.registerAPI(mux)

	return observe.Middleware(a.metrics)(mux)
}

// checkController fails while listening is on but recognition has stopped.
func (a *App) checkController(context.Context) error {
	st := a.controller.Status()
	if st.State == controller.StateRunning && st.Recognition == recognition.StateIdle.String() {
		return errors.New("listening enabled but speech recognition is not running")
	}
	return nil
}

// Controller returns the device controller.
func (a *App) Controller() *controller.Controller {
	return a.controller
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run restores the persisted listening state, serves HTTP and forwards
// controller events to the device until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.controller.Restore(ctx); err != nil {
		slog.Warn("could not restore listening state", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.forward(gctx)
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// forward relays alert status updates and notices to the connected device.
func (a *App) forward(ctx context.Context) {
	updates := a.controller.AlertUpdates()
	notices := a.controller.Notices()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			err := a.bridge.AlertStatus(ctx, bridge.AlertStatusMessage{
				AlertID: u.AlertID,
				Type:    string(u.Type),
				Status:  string(u.Status),
			})
			logForwardErr("alert status", err)
		case text := <-notices:
			slog.Info("notice", "text", text)
			logForwardErr("notice", a.bridge.Notify(ctx, text))
		}
	}
}

func logForwardErr(what string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrNotConnected):
		slog.Debug("no device to forward to", "what", what)
	default:
		slog.Warn("forward to device failed", "what", what, "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the controller and closes every subsystem in reverse-init
// order. If ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		done := make(chan struct{})
		go func() {
			a.controller.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while stopping controller")
			shutdownErr = ctx.Err()
			return
		}

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
