// Package app assembles and runs the Rusuban daemon: the SQLite stores, the
// settings cache, the conversation memory, the completion provider, the
// WhatsApp transport, the session controller, the event bus, and the admin
// HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bdobrica/Rusuban/common/spec/profile"
	"github.com/bdobrica/Rusuban/common/version"
	"github.com/bdobrica/Rusuban/internal/rusuban/events"
	"github.com/bdobrica/Rusuban/internal/rusuban/llm"
	"github.com/bdobrica/Rusuban/internal/rusuban/memory"
	"github.com/bdobrica/Rusuban/internal/rusuban/observability"
	"github.com/bdobrica/Rusuban/internal/rusuban/reply"
	"github.com/bdobrica/Rusuban/internal/rusuban/session"
	"github.com/bdobrica/Rusuban/internal/rusuban/settings"
	"github.com/bdobrica/Rusuban/internal/rusuban/store"
	"github.com/bdobrica/Rusuban/internal/rusuban/whatsapp"
)

// shutdownTimeout bounds session teardown during stop and restart.
const shutdownTimeout = 30 * time.Second

// Config is the daemon configuration, loaded from the environment by
// cmd/rusuban.
type Config struct {
	// DatabasePath is the application SQLite database (settings, migrations).
	DatabasePath string
	// SessionDBPath is the WhatsApp credential store. Deleting the file
	// forces a fresh QR pairing on the next start.
	SessionDBPath string
	// ProfilePath optionally points at a persona YAML document whose values
	// seed the settings store on first run.
	ProfilePath string

	// HTTPAddr is the admin server listen address.
	HTTPAddr string
	// HTTPEnabled starts the admin server when true.
	HTTPEnabled bool
	// AdminToken, when non-empty, is required as a bearer token on every
	// admin endpoint except /health.
	AdminToken string

	// DeviceName is shown in the paired phone's linked-devices list.
	DeviceName string

	// APIKey and BaseURL seed the settings store where no value exists yet.
	APIKey  string
	BaseURL string
	// ProviderTimeout bounds each completion HTTP request.
	ProviderTimeout time.Duration
	// MaxTokens caps reply length. 0 = provider default.
	MaxTokens int

	// LogLevel and LogFormat configure the structured logger.
	LogLevel  string
	LogFormat string
}

// App owns every long-lived subsystem of the daemon.
type App struct {
	cfg        Config
	db         *store.Store
	settings   settings.Store
	cache      *settings.Cache
	memory     *memory.Memory
	models     *llm.ModelsCache
	dialer     *whatsapp.Dialer
	controller *session.Controller
	bus        *events.Bus
	server     *Server
	startedAt  time.Time
	stopOnce   sync.Once
}

// New creates and initialises all subsystems. It does not start any
// goroutines; call Run for that.
func New(ctx context.Context, cfg Config) (*App, error) {
	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	settingsStore := settings.New(db)
	if err := seedSettings(ctx, settingsStore, cfg); err != nil {
		db.Close()
		return nil, err
	}
	cache := settings.NewCache(settingsStore)

	provider := llm.NewClient(llm.Config{BaseURL: cfg.BaseURL, Timeout: cfg.ProviderTimeout})
	mem := memory.New(memory.DefaultConfig())

	pipeline := reply.New(reply.Config{
		Settings:  cache,
		Memory:    mem,
		Provider:  provider,
		MaxTokens: cfg.MaxTokens,
	})

	dialer, err := whatsapp.NewDialer(ctx, whatsapp.Config{
		SessionDBPath: cfg.SessionDBPath,
		DeviceName:    cfg.DeviceName,
	}, slog.Default())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("app: open session store: %w", err)
	}

	bus := events.NewBus()
	controller := session.New(session.Config{
		Factory: dialer.NewClient,
		Memory:  mem,
		Replier: pipeline,
		Sink:    events.Multi(events.NewLogSink(nil), bus),
	})

	a := &App{
		cfg:        cfg,
		db:         db,
		settings:   settingsStore,
		cache:      cache,
		memory:     mem,
		models:     llm.NewModelsCache(provider),
		dialer:     dialer,
		controller: controller,
		bus:        bus,
		startedAt:  time.Now(),
	}
	if cfg.HTTPEnabled {
		a.server = NewServer(cfg.HTTPAddr, a.serverHandlers())
	}
	return a, nil
}

// seedSettings copies profile and bootstrap-environment values into the
// settings store where no value exists yet. The store stays authoritative
// afterwards, so a redeploy never clobbers an operator's runtime edits.
func seedSettings(ctx context.Context, st settings.Store, cfg Config) error {
	seeds := make(map[string]string)
	if cfg.ProfilePath != "" {
		prof, err := profile.Load(cfg.ProfilePath)
		if err != nil {
			return fmt.Errorf("app: load profile: %w", err)
		}
		slog.Info("profile loaded", "name", prof.Metadata.Name, "path", cfg.ProfilePath)
		for key, value := range prof.SettingsDefaults() {
			seeds[key] = value
		}
	}
	// Environment wins over the profile for overlapping keys.
	if cfg.APIKey != "" {
		seeds[settings.KeyAPIKey] = cfg.APIKey
	}
	if cfg.BaseURL != "" {
		seeds[settings.KeyBaseURL] = cfg.BaseURL
	}
	if err := st.Seed(ctx, seeds); err != nil {
		return fmt.Errorf("app: seed settings: %w", err)
	}
	return nil
}

// serverHandlers wires the admin server callbacks to the subsystems.
func (a *App) serverHandlers() Handlers {
	return Handlers{
		Version:        version.Version,
		Commit:         version.GitCommit,
		StartedAt:      a.startedAt,
		Token:          a.cfg.AdminToken,
		Snapshot:       a.controller.Snapshot,
		QR:             a.controller.QR,
		Correspondents: a.memory.Correspondents,
		Settings:       a.cache.Get,
		SetSetting: func(ctx context.Context, key, value string) error {
			if err := a.settings.Set(ctx, key, value); err != nil {
				return err
			}
			return a.cache.Refresh(ctx)
		},
		DeleteSetting: func(ctx context.Context, key string) error {
			if err := a.settings.Delete(ctx, key); err != nil {
				return err
			}
			return a.cache.Refresh(ctx)
		},
		Models:         a.listModels,
		RestartSession: a.restartSession,
		StopSession: func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.controller.DestroySession(ctx)
		},
		Subscribe: a.bus.Subscribe,
	}
}

// listModels reads the stored API key and serves the model listing through
// the cache. No key means no listing; the fetch is never attempted without
// credentials.
func (a *App) listModels(ctx context.Context) []llm.Model {
	snapshot, err := a.cache.Get(ctx)
	if err != nil {
		slog.Warn("model listing: settings unavailable", "err", err)
		return nil
	}
	apiKey := snapshot[settings.KeyAPIKey]
	if apiKey == "" {
		slog.Debug("model listing skipped, no API key configured")
		return nil
	}
	return a.models.Models(ctx, apiKey)
}

// restartSession runs the manual recovery path: full teardown, then a fresh
// start. Invoked from the admin server in its own goroutine.
func (a *App) restartSession() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.controller.DestroySession(ctx)
	if err := a.controller.StartSession(context.Background()); err != nil {
		slog.Error("session restart failed", "err", err)
	}
}

// Run starts the admin server and the session, then blocks until a shutdown
// signal arrives. A failed session start does not kill the daemon: the
// operator can repair the environment and hit POST /session/restart.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("app: start admin server: %w", err)
		}
	}

	if err := a.controller.StartSession(ctx); err != nil {
		slog.Error("session start failed, waiting for manual restart", "err", err)
	}

	slog.Info("rusuban started", "version", version.Info())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("received shutdown signal")

	cancel()
	a.Stop()
	return nil
}

// Stop tears down the session, the admin server, and both database handles.
// Safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.controller.DestroySession(ctx)
		if a.server != nil {
			a.server.Stop()
		}
		if err := a.dialer.Close(); err != nil {
			slog.Error("close session store", "err", err)
		}
		if err := a.db.Close(); err != nil {
			slog.Error("close store", "err", err)
		}
		slog.Info("rusuban stopped")
	})
}
