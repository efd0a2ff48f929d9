// Package retrieval turns keywords into web search results.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/keysearch/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Retriever defines the web lookup collaborator.
type Retriever interface {
	// Search looks up every keyword and returns one aggregated result list.
	// Zero results is a success; an error means the lookups could not be made.
	Search(ctx context.Context, keywords []string) ([]domain.SearchResult, error)
}

// ErrAllLookupsFailed is returned when no keyword lookup succeeded.
var ErrAllLookupsFailed = errors.New("all keyword lookups failed")

// Config controls the DuckDuckGo retriever.
type Config struct {
	Endpoint    string
	MaxResults  int
	Concurrency int
	UserAgent   string
	Client      *http.Client
}

// DefaultConfig returns default retriever configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:    "https://html.duckduckgo.com/html/",
		MaxResults:  5,
		Concurrency: 4,
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	}
}

// DuckDuckGo searches the DuckDuckGo HTML endpoint, one request per keyword.
type DuckDuckGo struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewDuckDuckGo creates a retriever. Zero-valued fields fall back to DefaultConfig.
func NewDuckDuckGo(cfg Config, logger *slog.Logger) *DuckDuckGo {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DuckDuckGo{cfg: cfg, client: client, logger: logger}
}

// Search runs one lookup per keyword with bounded concurrency and waits for
// all of them. Individual lookup failures are logged and skipped; Search fails
// when every lookup failed or ctx ended first. Results keep keyword order and are
// deduplicated by URL.
func (d *DuckDuckGo) Search(ctx context.Context, keywords []string) ([]domain.SearchResult, error) {
	if len(keywords) == 0 {
		return []domain.SearchResult{}, nil
	}

	perKeyword := make([][]domain.SearchResult, len(keywords))
	errs := make([]error, len(keywords))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, kw := range keywords {
		g.Go(func() error {
			results, err := d.searchOne(ctx, kw)
			if err != nil {
				d.logger.Warn("Keyword lookup failed", "keyword", kw, "error", err)
				errs[i] = fmt.Errorf("search %q: %w", kw, err)
				return nil
			}
			perKeyword[i] = results
			return nil
		})
	}
	_ = g.Wait()

	// A deadline or cancellation is a hard failure even if some lookups finished.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("search interrupted: %w", err)
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(keywords) {
		return nil, fmt.Errorf("%w: %w", ErrAllLookupsFailed, errors.Join(errs...))
	}

	merged := []domain.SearchResult{}
	seen := make(map[string]struct{})
	for _, results := range perKeyword {
		for _, r := range results {
			if _, dup := seen[r.URL]; dup {
				continue
			}
			seen[r.URL] = struct{}{}
			merged = append(merged, r)
		}
	}

	d.logger.Debug("Search completed", "keywords", len(keywords), "failed", failed, "results", len(merged))
	return merged, nil
}

func (d *DuckDuckGo) searchOne(ctx context.Context, keyword string) ([]domain.SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.searchURL(keyword), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers to look like a browser
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			d.logger.Debug("failed to close search response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	results, err := parseResults(resp.Body, d.cfg.MaxResults)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Keyword = keyword
	}
	return results, nil
}

func (d *DuckDuckGo) searchURL(keyword string) string {
	sep := "?"
	if strings.Contains(d.cfg.Endpoint, "?") {
		sep = "&"
	}
	return d.cfg.Endpoint + sep + "q=" + url.QueryEscape(keyword)
}

// Ensure DuckDuckGo implements Retriever.
var _ Retriever = (*DuckDuckGo)(nil)
