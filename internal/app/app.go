// Package app wires all gateway subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown drains
// in-flight sessions before tearing everything down.
//
// For testing, inject mock implementations via functional options
// (WithVerifier, WithUpstream, etc.). When an option is not provided,
// New creates real implementations from the config.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/halcyonlabs/voicegate/internal/config"
	"github.com/halcyonlabs/voicegate/internal/health"
	"github.com/halcyonlabs/voicegate/internal/identity"
	"github.com/halcyonlabs/voicegate/internal/observe"
	"github.com/halcyonlabs/voicegate/internal/safety"
	"github.com/halcyonlabs/voicegate/internal/server"
	"github.com/halcyonlabs/voicegate/internal/session"
	"github.com/halcyonlabs/voicegate/pkg/provider/asr"
	"github.com/halcyonlabs/voicegate/pkg/provider/asr/googlespeech"
	"github.com/halcyonlabs/voicegate/pkg/provider/live"
	"github.com/halcyonlabs/voicegate/pkg/provider/live/vertex"
)

// WSPath is the single WebSocket endpoint the gateway serves.
const WSPath = "/ws"

// drainTimeout bounds how long Shutdown waits for in-flight sessions.
const drainTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	verifier   identity.Verifier
	upstream   live.Provider
	recognizer asr.Recognizer
	scanner    *safety.Scanner
	metrics    *observe.Metrics

	ws       *server.Handler
	httpSrv  *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVerifier injects a token verifier instead of building one from config.
func WithVerifier(v identity.Verifier) Option {
	return func(a *App) { a.verifier = v }
}

// WithUpstream injects a live provider instead of dialing Vertex AI.
func WithUpstream(p live.Provider) Option {
	return func(a *App) { a.upstream = p }
}

// WithRecognizer injects a fallback recognizer instead of creating the
// Speech-to-Text client.
func WithRecognizer(r asr.Recognizer) Option {
	return func(a *App) { a.recognizer = r }
}

// WithListener serves on l instead of binding cfg.Port. The App takes
// ownership and closes it on Shutdown.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option
// functions to inject test doubles for any provider.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = metrics

	if err := a.initVerifier(); err != nil {
		return nil, fmt.Errorf("app: init verifier: %w", err)
	}
	if err := a.initUpstream(); err != nil {
		return nil, fmt.Errorf("app: init upstream: %w", err)
	}
	if err := a.initRecognizer(ctx); err != nil {
		return nil, fmt.Errorf("app: init recognizer: %w", err)
	}
	if err := a.initScanner(); err != nil {
		return nil, fmt.Errorf("app: init scanner: %w", err)
	}

	a.ws = server.New(a.newCoordinator,
		server.WithOriginPatterns(cfg.AllowedOrigins),
	)

	mux := http.NewServeMux()
	mux.Handle(WSPath, a.ws)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(a.checkers()...).Register(mux)

	a.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initVerifier selects the token verifier. The mock bypass only exists
// outside production and is loudly logged.
func (a *App) initVerifier() error {
	if a.verifier != nil {
		return nil
	}
	if a.cfg.MockTokensAllowed() {
		slog.Warn("mock token bypass is enabled; do not run this configuration in production")
		a.verifier = &identity.Mock{}
		return nil
	}
	v, err := identity.NewFirebase(a.cfg.FirebaseProjectID)
	if err != nil {
		return err
	}
	a.verifier = v
	return nil
}

func (a *App) initUpstream() error {
	if a.upstream != nil {
		return nil
	}
	p, err := vertex.New(a.cfg.VertexProjectID, a.cfg.VertexLocation, a.cfg.VertexModel)
	if err != nil {
		return err
	}
	a.upstream = p
	return nil
}

// initRecognizer creates the Speech-to-Text client when the fallback
// path is enabled. A missing recognizer is not fatal later: the
// coordinator runs upstream-only.
func (a *App) initRecognizer(ctx context.Context) error {
	if a.recognizer != nil || !a.cfg.STTFallbackEnabled {
		return nil
	}
	r, err := googlespeech.New(ctx, a.cfg.VertexProjectID)
	if err != nil {
		return err
	}
	a.recognizer = r
	a.closers = append(a.closers, r.Close)
	return nil
}

func (a *App) initScanner() error {
	rules := safety.DefaultRules()
	if a.cfg.RedFlagsFile != "" {
		loaded, err := safety.LoadRules(a.cfg.RedFlagsFile)
		if err != nil {
			return err
		}
		rules = loaded
		slog.Info("loaded red-flag rules override", "path", a.cfg.RedFlagsFile)
	}
	a.scanner = safety.NewScanner(rules)
	return nil
}

// newCoordinator is the per-connection factory handed to the server.
func (a *App) newCoordinator(clientIP string) *session.Coordinator {
	return session.New(session.Config{
		Verifier:           a.verifier,
		Upstream:           a.upstream,
		Recognizer:         a.recognizer,
		Scanner:            a.scanner,
		Metrics:            a.metrics,
		LiveConfig:         live.SessionConfig{Language: "en-US"},
		STTFallbackEnabled: a.cfg.STTFallbackEnabled,
		STTDisableOnVertex: a.cfg.STTDisableOnVertex,
		EmitPartials:       a.cfg.AssistantEmitPartials,
		ClientIP:           clientIP,
	})
}

// checkers builds the readiness probes for /readyz.
func (a *App) checkers() []health.Checker {
	checks := []health.Checker{
		{Name: "safety_rules", Check: func(context.Context) error {
			if a.scanner == nil {
				return errors.New("scanner not initialised")
			}
			return nil
		}},
	}
	if vp, ok := a.upstream.(*vertex.Provider); ok {
		checks = append(checks, health.Checker{
			Name:  "vertex_credentials",
			Check: vp.CheckCredentials,
		})
	}
	return checks
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves HTTP until ctx ends or the listener fails, then drains.
// A clean drain returns nil.
func (a *App) Run(ctx context.Context) error {
	if a.listener == nil {
		l, err := net.Listen("tcp", a.httpSrv.Addr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
		a.listener = l
	}

	slog.Info("gateway listening",
		"addr", a.listener.Addr().String(),
		"ws_path", WSPath,
		"stt_fallback", a.cfg.STTFallbackEnabled,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.httpSrv.Serve(a.listener) }()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return a.Shutdown(drainCtx)
	}
}

// Addr returns the bound listen address, or "" before Run.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Shutdown stops accepting connections, drains in-flight sessions, and
// closes every subsystem. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error

		if err := a.ws.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain sessions: %w", err))
		}
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}

		a.stopErr = errors.Join(errs...)
		slog.Info("gateway stopped")
	})
	return a.stopErr
}
