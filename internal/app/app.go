// Package app assembles the Auricle server from configuration: stores, lock
// service, STT providers, the OpenAI helpers and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/auricle-ai/auricle/internal/audio"
	"github.com/auricle-ai/auricle/internal/config"
	"github.com/auricle-ai/auricle/internal/conversation"
	"github.com/auricle-ai/auricle/internal/conversation/postgres"
	"github.com/auricle-ai/auricle/internal/health"
	"github.com/auricle-ai/auricle/internal/lock"
	"github.com/auricle-ai/auricle/internal/notify"
	"github.com/auricle-ai/auricle/internal/observe"
	"github.com/auricle-ai/auricle/internal/processing"
	"github.com/auricle-ai/auricle/internal/profile"
	"github.com/auricle-ai/auricle/internal/server"
	"github.com/auricle-ai/auricle/internal/session"
	"github.com/auricle-ai/auricle/internal/translate"
	"github.com/auricle-ai/auricle/internal/users"
	"github.com/auricle-ai/auricle/internal/vision"
	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/provider/stt/deepgram"
	"github.com/auricle-ai/auricle/pkg/provider/stt/soniox"
	"github.com/auricle-ai/auricle/pkg/provider/stt/speechmatics"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// App is the fully wired server. Create with New, drive with Run, stop with
// Shutdown.
type App struct {
	cfg    *config.Config
	server *server.Server

	stopOnce sync.Once
	// closers run in reverse order on shutdown.
	closers []func(context.Context) error
}

// New builds the application from cfg. Collaborators that are not configured
// degrade explicitly: an empty Postgres DSN selects the in-memory store, an
// empty Redis URI selects in-process locking, a missing OpenAI key disables
// photo description and translation.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	// ── Metrics ───────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "auricle",
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.closers = append(a.closers, metricsShutdown)

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}

	// ── Conversation store ────────────────────────────────────────────────────
	var (
		store    conversation.Store
		usage    conversation.UsageRecorder
		checkers []health.Checker
	)
	if cfg.Postgres.DSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			pg.Close()
			return nil
		})
		store, usage = pg, pg
		checkers = append(checkers, health.Checker{Name: "postgres", Check: pg.Ping})
		slog.Info("conversation store ready", "backend", "postgres")
	} else {
		mem := conversation.NewMemStore()
		store, usage = mem, mem
		slog.Warn("no postgres dsn configured, conversations are not persisted")
	}

	// ── Lock service ──────────────────────────────────────────────────────────
	var (
		locker conversation.Locker
		geo    conversation.GeoCache
	)
	if cfg.Redis.URI != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URI)
		if err != nil {
			return nil, fmt.Errorf("app: parse redis uri: %w", err)
		}
		client := redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("app: connect redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })

		locker = lock.NewService(client, lock.WithWaitObserver(
			func(kind string, waited time.Duration) {
				metrics.RecordLockWait(context.Background(), kind, waited)
			}))
		geo = users.NewRedisGeoCache(client)
		checkers = append(checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		slog.Info("lock service ready", "backend", "redis")
	} else {
		locker = lock.NewLocal()
		slog.Warn("no redis uri configured, locks are process-local")
	}

	// ── STT providers ─────────────────────────────────────────────────────────
	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		slog.Warn("no stt provider configured, every cloud-transcription session will be rejected")
	}

	// ── Speech profiles ───────────────────────────────────────────────────────
	var profiles audio.ProfileSource
	if cfg.Profiles.Dir != "" {
		profiles = profile.NewFSStore(cfg.Profiles.Dir)
	}

	// ── OpenAI helpers ────────────────────────────────────────────────────────
	var (
		describer  vision.Describer
		translator translate.Translator
	)
	if cfg.OpenAI.APIKey != "" {
		var visionOpts []vision.Option
		if cfg.OpenAI.BaseURL != "" {
			visionOpts = append(visionOpts, vision.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		describer, err = vision.NewOpenAIDescriber(cfg.OpenAI.APIKey, cfg.OpenAI.VisionModel, visionOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: create describer: %w", err)
		}

		var translateOpts []translate.Option
		if cfg.OpenAI.BaseURL != "" {
			translateOpts = append(translateOpts, translate.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		translator, err = translate.NewOpenAITranslator(cfg.OpenAI.APIKey, cfg.OpenAI.TranslationModel, translateOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: create translator: %w", err)
		}
	} else {
		slog.Warn("no openai key configured, photo description and translation disabled")
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	deps := session.Deps{
		Store:     store,
		Usage:     usage,
		Locks:     locker,
		Users:     &users.StaticStore{Credits: true, Plan: users.PlanUnlimited},
		Notifier:  notify.LogNotifier{},
		Providers: providers,
		Profiles:  profiles,
		Manager: conversation.ManagerDeps{
			Geo:          geo,
			Processor:    processing.Passthrough{},
			Integrations: processing.LogIntegrations{},
		},
		Vision:     describer,
		Translator: translator,
		Metrics:    metrics,
	}
	a.server = server.New(nil, cfg.Session, deps, health.New(checkers...))

	return a, nil
}

// buildProviders constructs every STT backend with a configured key.
func buildProviders(cfg config.ProvidersConfig) (audio.ProviderSet, error) {
	providers := audio.ProviderSet{}

	if cfg.Deepgram.APIKey != "" {
		var opts []deepgram.Option
		if cfg.Deepgram.Endpoint != "" {
			opts = append(opts, deepgram.WithEndpoint(cfg.Deepgram.Endpoint))
		}
		p, err := deepgram.New(cfg.Deepgram.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: create deepgram provider: %w", err)
		}
		providers[stt.ServiceDeepgram] = p
		slog.Info("stt provider ready", "service", stt.ServiceDeepgram)
	}

	if cfg.Soniox.APIKey != "" {
		var opts []soniox.Option
		if cfg.Soniox.Endpoint != "" {
			opts = append(opts, soniox.WithEndpoint(cfg.Soniox.Endpoint))
		}
		p, err := soniox.New(cfg.Soniox.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: create soniox provider: %w", err)
		}
		providers[stt.ServiceSoniox] = p
		slog.Info("stt provider ready", "service", stt.ServiceSoniox)
	}

	if cfg.Speechmatics.APIKey != "" {
		var opts []speechmatics.Option
		if cfg.Speechmatics.Endpoint != "" {
			opts = append(opts, speechmatics.WithEndpoint(cfg.Speechmatics.Endpoint))
		}
		p, err := speechmatics.New(cfg.Speechmatics.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: create speechmatics provider: %w", err)
		}
		providers[stt.ServiceSpeechmatics] = p
		slog.Info("stt provider ready", "service", stt.ServiceSpeechmatics)
	}

	return providers, nil
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	slog.Info("listening", "addr", a.cfg.Server.ListenAddr)
	return a.server.ListenAndServe(ctx, a.cfg.Server.ListenAddr)
}

// Shutdown releases all resources. Safe to call more than once; only the
// first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
