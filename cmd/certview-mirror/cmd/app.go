package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qualys/certview-mirror/internal/certview/annotate"
	"github.com/qualys/certview-mirror/internal/certview/auth"
	"github.com/qualys/certview-mirror/internal/certview/client"
	"github.com/qualys/certview-mirror/internal/certview/control"
	"github.com/qualys/certview-mirror/internal/certview/model"
	"github.com/qualys/certview-mirror/internal/certview/store"
	pgstore "github.com/qualys/certview-mirror/internal/certview/store/postgres"
	litestore "github.com/qualys/certview-mirror/internal/certview/store/sqlite"
	"github.com/qualys/certview-mirror/internal/certview/sync"
	"github.com/qualys/certview-mirror/internal/config"
	"github.com/qualys/certview-mirror/pkg/logging"
)

// app bundles the wired components every subcommand needs. Closing it
// releases the underlying Store connection.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	tokens  *auth.Cache
	client  *client.Client
	engine  *sync.Engine
	worker  *annotate.Worker
	surface *control.Surface
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	tokens := auth.New(cfg.CertView.AuthURL, cfg.CertView.AuthPayload, logger, auth.WithPersister(tokenPersister{st}))
	apiClient := client.New(cfg.CertView.BaseURL, cfg.CertView.ListEndpoint, tokens, cfg.CertView.Timeout, logger)
	engine := sync.New(st, apiClient, logger, sync.WithPageSize(cfg.CertView.PageSize))
	worker := annotate.New(st, logger)
	surface := control.New(st, engine, worker, tokens, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		tokens:  tokens,
		client:  apiClient,
		engine:  engine,
		worker:  worker,
		surface: surface,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendPostgres:
		return pgstore.Open(ctx, cfg.Database.URL, logger)
	default:
		return litestore.Open(ctx, cfg.Storage.SQLitePath, logger)
	}
}

// tokenPersister adapts store.Store to auth.TokenPersister.
type tokenPersister struct {
	st store.Store
}

func (p tokenPersister) SaveToken(ctx context.Context, token model.AuthToken) error {
	return p.st.SaveToken(ctx, token)
}
