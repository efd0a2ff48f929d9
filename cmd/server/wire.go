package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/keysearch/internal/config"
	"github.com/ashureev/keysearch/internal/identity"
	"github.com/ashureev/keysearch/internal/keywords"
	"github.com/ashureev/keysearch/internal/pipeline"
	"github.com/ashureev/keysearch/internal/retrieval"
	"github.com/ashureev/keysearch/internal/service"
	"github.com/ashureev/keysearch/internal/store"
)

// app holds the wired collaborators shared by serve and ask.
type app struct {
	repo    *store.SQLiteStore
	gate    *identity.Gate
	service *service.Service
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a := &app{repo: repo}
	a.closers = append(a.closers, func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	})

	if err := repo.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("database health check failed: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	extractor := newExtractor(cfg, logger, a)

	retriever := retrieval.NewDuckDuckGo(retrieval.Config{
		Endpoint:    cfg.Search.Endpoint,
		MaxResults:  cfg.Search.MaxResults,
		Concurrency: cfg.Search.Concurrency,
	}, logger)

	p := pipeline.New(extractor, retriever, repo, pipeline.Config{
		Timeouts: pipeline.Timeouts{
			Extract:  cfg.ExtractTimeout,
			Retrieve: cfg.RetrieveTimeout,
			Store:    cfg.StoreTimeout,
		},
		HistoryWindow: cfg.HistoryWindow,
		Logger:        logger,
	})

	a.gate = identity.NewGate(repo)
	a.service = service.New(repo, a.gate, p, extractor, service.Config{
		BcryptCost:   cfg.BcryptCost,
		StoreTimeout: cfg.StoreTimeout,
		DropTimeout:  cfg.ExtractTimeout,
		Logger:       logger,
	})
	return a, nil
}

// newExtractor connects to the configured agent, falling back to the local
// extractor when none is configured or it is unreachable.
func newExtractor(cfg *config.Config, logger *slog.Logger, a *app) keywords.Extractor {
	if cfg.KeywordAgentAddr == "" {
		logger.Info("Using local keyword extractor (KEYWORD_AGENT_ADDR not set)")
		return keywords.NewLocalExtractor(keywords.DefaultMaxKeywords)
	}

	logger.Info("Connecting to keyword extraction agent via gRPC", "address", cfg.KeywordAgentAddr)
	client, err := keywords.NewGrpcClient(cfg.KeywordAgentAddr, logger)
	if err != nil {
		logger.Warn("Failed to connect to extraction agent, using local extractor", "error", err)
		return keywords.NewLocalExtractor(keywords.DefaultMaxKeywords)
	}
	a.closers = append(a.closers, client.Close)
	return client
}
