package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"theatrum/internal/config"
	"theatrum/internal/db"
	"theatrum/internal/engine"
	"theatrum/internal/migrate"
	"theatrum/internal/repo"
	"theatrum/internal/server"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Workspace string
	Config    *config.Config
	Engine    *engine.Engine
	// Logger defaults to a logger built from Config.Log on stderr.
	Logger *slog.Logger
	// MemoryHistory keeps history in a private in-memory database.
	MemoryHistory bool
	// Password replaces the generated basic auth password.
	Password string
}

// App serves a registry through the console.
type App struct {
	Config  *config.Config
	Engine  *engine.Engine
	Logger  *slog.Logger
	History *repo.Repo

	password string
	conn     *sql.DB
}

// New validates the config and opens the history store when enabled.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	}
	a := &App{Config: cfg, Engine: opts.Engine, Logger: logger, password: opts.Password}
	if !cfg.History.Enabled {
		return a, nil
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Memory: opts.MemoryHistory})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	logger.Debug("history ready", "schema_version", version, "limit", cfg.History.Limit)
	a.conn = conn
	a.History = &repo.Repo{DB: conn}
	return a, nil
}

// Handler builds the console handler from the config.
func (a *App) Handler() (http.Handler, error) {
	cfg := a.Config
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: cfg.Server.BasePath,
		Console: server.ConsoleOptions{
			EnableCORS:       cfg.Console.EnableCORS,
			EnableBasicAuth:  cfg.Console.EnableBasicAuth,
			DisableTelemetry: cfg.Console.DisableTelemetry,
			DisableLogging:   cfg.Console.DisableLogging,
			Debug:            cfg.Console.Debug,
			Password:         a.password,
		},
		Auth:           server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
		History:        a.History,
		HistoryLimit:   cfg.History.Limit,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         a.Logger,
	})
}

// ListenAndServe serves on the configured address until ctx is done.
func (a *App) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	handler, err := a.Handler()
	if err != nil {
		ln.Close()
		return err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	a.Logger.Info("serving console", "addr", ln.Addr().String(), "base_path", a.Config.Server.BasePath)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-done
		return err
	}
	<-done
	return nil
}

// Close releases the history store.
func (a *App) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
