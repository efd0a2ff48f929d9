package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const resultsPage = `<!DOCTYPE html>
<html><body>
<div class="results">
  <div class="result results_links results_links_deep web-result">
    <h2 class="result__title">
      <a class="result__a" href="//duckduckgo.com/l/?uddg=https%%3A%%2F%%2Fexample.com%%2F%s&rut=abc">  %s   guide </a>
    </h2>
    <a class="result__snippet" href="#">Everything about <b>%s</b>.</a>
  </div>
  <div class="result results_links result--ad">
    <a class="result__a" href="https://ads.example.com">Sponsored</a>
  </div>
  <div class="result results_links web-result">
    <a class="result__a" href="https://shared.example.com/">Shared page</a>
  </div>
</div>
</body></html>`

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *http.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	return srv, client
}

func pageFor(q string) string {
	return fmt.Sprintf(resultsPage, q, q, q)
}

func TestParseResults(t *testing.T) {
	results, err := parseResults(strings.NewReader(pageFor("hiking")), 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "https://example.com/hiking", results[0].URL)
	assert.Equal(t, "hiking guide", results[0].Title)
	assert.Equal(t, "Everything about hiking.", results[0].Snippet)
	assert.Equal(t, "https://shared.example.com/", results[1].URL)

	limited, err := parseResults(strings.NewReader(pageFor("hiking")), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestParseResults_NoResults(t *testing.T) {
	results, err := parseResults(strings.NewReader(`<html><body><p>No results.</p></body></html>`), 5)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestCleanURL(t *testing.T) {
	assert.Equal(t, "https://go.dev/doc", cleanURL("//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc"))
	assert.Equal(t, "https://go.dev/", cleanURL("https://go.dev/"))
	assert.Equal(t, "https://cdn.example.com/x", cleanURL("//cdn.example.com/x"))
}

func TestSearch_AggregatesAndDeduplicates(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(pageFor(r.URL.Query().Get("q"))))
	})

	d := NewDuckDuckGo(Config{Endpoint: srv.URL + "/html/", Client: client, Concurrency: 2}, nil)
	results, err := d.Search(context.Background(), []string{"hiking", "trails", "boots"})
	require.NoError(t, err)

	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	assert.Equal(t, []string{
		"https://example.com/hiking",
		"https://shared.example.com/",
		"https://example.com/trails",
		"https://example.com/boots",
	}, urls)
	assert.Equal(t, "hiking", results[0].Keyword)
	assert.Equal(t, "trails", results[2].Keyword)
}

func TestSearch_EmptyKeywordsMakesNoRequests(t *testing.T) {
	var hits atomic.Int32
	srv, client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	})

	d := NewDuckDuckGo(Config{Endpoint: srv.URL, Client: client}, nil)
	results, err := d.Search(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, hits.Load())
}

func TestSearch_ZeroResultsIsSuccess(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>No results.</body></html>`))
	})

	d := NewDuckDuckGo(Config{Endpoint: srv.URL, Client: client}, nil)
	results, err := d.Search(context.Background(), []string{"zzzzqqq"})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearch_PartialFailureKeepsSuccessfulLookups(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "broken" {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(pageFor(q)))
	})

	d := NewDuckDuckGo(Config{Endpoint: srv.URL, Client: client}, nil)
	results, err := d.Search(context.Background(), []string{"broken", "hiking"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "https://example.com/hiking", results[0].URL)
}

func TestSearch_AllLookupsFailedIsHardFailure(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	d := NewDuckDuckGo(Config{Endpoint: srv.URL, Client: client}, nil)
	_, err := d.Search(context.Background(), []string{"a1", "b2"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllLookupsFailed))
}

func TestSearch_TimeoutIsHardFailure(t *testing.T) {
	release := make(chan struct{})
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	d := NewDuckDuckGo(Config{Endpoint: srv.URL, Client: client}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Search(ctx, []string{"slow"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
