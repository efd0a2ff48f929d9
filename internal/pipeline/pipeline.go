// Package pipeline runs a question through keyword extraction and retrieval
// and records the resulting exchange.
//
// Each Answer call moves through Validating, Extracting, Retrieving,
// Persisting and Done. Extraction and retrieval failures abort the call
// with a *domain.StageError and nothing is persisted. A persistence failure
// does not abort: the computed answer is returned with Persisted == false.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/keysearch/internal/domain"
	"github.com/ashureev/keysearch/internal/keywords"
	"github.com/ashureev/keysearch/internal/retrieval"
)

// History is the slice of the history store the pipeline uses.
type History interface {
	ListExchanges(ctx context.Context, key domain.SessionKey) ([]domain.Exchange, error)
	AppendExchange(ctx context.Context, key domain.SessionKey, ex *domain.Exchange) error
}

// Timeouts bound each collaborator call. Zero means no extra bound.
type Timeouts struct {
	Extract  time.Duration
	Retrieve time.Duration
	Store    time.Duration
}

// Config configures a Pipeline.
type Config struct {
	Timeouts Timeouts
	// HistoryWindow is how many recent exchanges the extractor sees; 0 means all.
	HistoryWindow int
	Logger        *slog.Logger
}

// Pipeline orchestrates extractor, retriever and history store.
type Pipeline struct {
	extractor keywords.Extractor
	retriever retrieval.Retriever
	history   History
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Result is the outcome of a completed pipeline run.
type Result struct {
	Keywords []string              `json:"keywords"`
	Results  []domain.SearchResult `json:"results"`
	// Exchange is the recorded exchange; its ID and Ordinal are set only when Persisted.
	Exchange  domain.Exchange `json:"-"`
	Persisted bool            `json:"-"`
	// PersistErr is a *domain.StageError for StagePersisting when Persisted is false.
	PersistErr error        `json:"-"`
	Stage      domain.Stage `json:"-"`
}

// New creates a pipeline.
func New(extractor keywords.Extractor, retriever retrieval.Retriever, history History, cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		extractor: extractor,
		retriever: retriever,
		history:   history,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Answer runs the pipeline for a session key that the caller has already
// authorized. It is not idempotent: every successful call appends an exchange.
func (p *Pipeline) Answer(ctx context.Context, key domain.SessionKey, question string) (*Result, error) {
	log := p.logger.With("session_id", key.String())

	// Validating.
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &domain.StageError{Stage: domain.StageValidating, Err: fmt.Errorf("question is empty")}
	}

	history, err := p.loadHistory(ctx, key)
	if err != nil {
		return nil, err
	}

	// Extracting.
	log.Debug("Pipeline stage", "stage", domain.StageExtracting, "history", len(history))
	kws, err := p.extract(ctx, key, history, question)
	if err != nil {
		log.Warn("Keyword extraction failed", "stage", domain.StageExtracting, "error", err)
		return nil, &domain.StageError{Stage: domain.StageExtracting, Err: err}
	}

	// Retrieving.
	results := []domain.SearchResult{}
	if len(kws) > 0 {
		log.Debug("Pipeline stage", "stage", domain.StageRetrieving, "keywords", kws)
		results, err = p.retrieve(ctx, kws)
		if err != nil {
			log.Warn("Retrieval failed", "stage", domain.StageRetrieving, "error", err)
			return nil, &domain.StageError{Stage: domain.StageRetrieving, Err: err}
		}
	}

	// Persisting.
	res := &Result{
		Keywords: kws,
		Results:  results,
		Exchange: domain.Exchange{
			Question:  question,
			Keywords:  kws,
			Results:   results,
			CreatedAt: p.now(),
		},
	}
	if err := p.persist(ctx, key, &res.Exchange); err != nil {
		log.Error("Exchange not persisted", "stage", domain.StagePersisting, "error", err)
		res.PersistErr = &domain.StageError{Stage: domain.StagePersisting, Err: err}
	} else {
		res.Persisted = true
	}

	res.Stage = domain.StageDone
	log.Info("Query answered",
		"keywords", len(kws),
		"results", len(results),
		"persisted", res.Persisted,
	)
	return res, nil
}

func (p *Pipeline) loadHistory(ctx context.Context, key domain.SessionKey) ([]domain.Exchange, error) {
	ctx, cancel := withTimeout(ctx, p.cfg.Timeouts.Store)
	defer cancel()

	history, err := p.history.ListExchanges(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", key, err)
	}
	return domain.RecentExchanges(history, p.cfg.HistoryWindow), nil
}

func (p *Pipeline) extract(ctx context.Context, key domain.SessionKey, history []domain.Exchange, question string) ([]string, error) {
	ctx, cancel := withTimeout(ctx, p.cfg.Timeouts.Extract)
	defer cancel()

	kws, err := p.extractor.Extract(ctx, key, history, question)
	if err != nil {
		return nil, err
	}
	// A reply that arrives after the deadline is still a timeout.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return keywords.Normalize(kws), nil
}

func (p *Pipeline) retrieve(ctx context.Context, kws []string) ([]domain.SearchResult, error) {
	ctx, cancel := withTimeout(ctx, p.cfg.Timeouts.Retrieve)
	defer cancel()

	results, err := p.retriever.Search(ctx, kws)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if results == nil {
		results = []domain.SearchResult{}
	}
	return results, nil
}

func (p *Pipeline) persist(ctx context.Context, key domain.SessionKey, ex *domain.Exchange) error {
	ctx, cancel := withTimeout(ctx, p.cfg.Timeouts.Store)
	defer cancel()
	return p.history.AppendExchange(ctx, key, ex)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
