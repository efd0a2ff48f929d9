package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/keysearch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = domain.SessionKey{Username: "alice", Conversation: 0}

type fakeExtractor struct {
	mu       sync.Mutex
	keywords []string
	err      error
	delay    time.Duration
	calls    int
	lastSeen []domain.Exchange
}

func (f *fakeExtractor) Extract(ctx context.Context, _ domain.SessionKey, history []domain.Exchange, _ string) ([]string, error) {
	f.mu.Lock()
	f.calls++
	f.lastSeen = history
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.keywords, f.err
}

func (f *fakeExtractor) DropContext(context.Context, domain.SessionKey) error { return nil }

type fakeRetriever struct {
	mu      sync.Mutex
	results []domain.SearchResult
	err     error
	calls   int
	delay   time.Duration
}

func (f *fakeRetriever) Search(ctx context.Context, kws []string) ([]domain.SearchResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.results, f.err
}

type fakeHistory struct {
	mu        sync.Mutex
	exchanges []domain.Exchange
	listErr   error
	appendErr error
}

func (f *fakeHistory) ListExchanges(context.Context, domain.SessionKey) ([]domain.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Exchange, len(f.exchanges))
	copy(out, f.exchanges)
	return out, nil
}

func (f *fakeHistory) AppendExchange(_ context.Context, _ domain.SessionKey, ex *domain.Exchange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	ex.Ordinal = int64(len(f.exchanges))
	ex.ID = "ex" + string(rune('a'+len(f.exchanges)))
	f.exchanges = append(f.exchanges, *ex)
	return nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.exchanges)
}

func TestAnswer_PersistsOneExchange(t *testing.T) {
	ext := &fakeExtractor{keywords: []string{"hiking", " Hiking ", "trails"}}
	ret := &fakeRetriever{results: []domain.SearchResult{{Title: "Trails", URL: "https://trails.example"}}}
	hist := &fakeHistory{}
	p := New(ext, ret, hist, Config{})

	res, err := p.Answer(context.Background(), key, "  best hiking trails  ")
	require.NoError(t, err)
	assert.Equal(t, []string{"hiking", "trails"}, res.Keywords)
	assert.Len(t, res.Results, 1)
	assert.True(t, res.Persisted)
	assert.NoError(t, res.PersistErr)
	assert.Equal(t, domain.StageDone, res.Stage)

	require.Equal(t, 1, hist.count())
	assert.Equal(t, "best hiking trails", hist.exchanges[0].Question)
	assert.Equal(t, int64(0), res.Exchange.Ordinal)
}

func TestAnswer_ZeroKeywordsSkipsRetrievalButPersists(t *testing.T) {
	ext := &fakeExtractor{keywords: nil}
	ret := &fakeRetriever{}
	hist := &fakeHistory{}
	p := New(ext, ret, hist, Config{})

	res, err := p.Answer(context.Background(), key, "hmm?")
	require.NoError(t, err)
	assert.NotNil(t, res.Keywords)
	assert.Empty(t, res.Keywords)
	assert.NotNil(t, res.Results)
	assert.Empty(t, res.Results)
	assert.Zero(t, ret.calls)
	assert.Equal(t, 1, hist.count())
}

func TestAnswer_EmptyQuestionIsInvalid(t *testing.T) {
	ext := &fakeExtractor{}
	hist := &fakeHistory{}
	p := New(ext, &fakeRetriever{}, hist, Config{})

	_, err := p.Answer(context.Background(), key, " \t ")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Zero(t, ext.calls)
	assert.Zero(t, hist.count())
}

func TestAnswer_ExtractionFailureRecordsNothing(t *testing.T) {
	ext := &fakeExtractor{err: errors.New("agent down")}
	ret := &fakeRetriever{}
	hist := &fakeHistory{}
	p := New(ext, ret, hist, Config{})

	_, err := p.Answer(context.Background(), key, "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExtraction)

	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, domain.StageExtracting, stageErr.Stage)
	assert.Zero(t, ret.calls)
	assert.Zero(t, hist.count())
}

func TestAnswer_RetrievalFailureRecordsNothing(t *testing.T) {
	ext := &fakeExtractor{keywords: []string{"go"}}
	ret := &fakeRetriever{err: errors.New("search offline")}
	hist := &fakeHistory{}
	p := New(ext, ret, hist, Config{})

	_, err := p.Answer(context.Background(), key, "go")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRetrieval)
	assert.Zero(t, hist.count())
}

func TestAnswer_PersistenceFailureIsDegraded(t *testing.T) {
	ext := &fakeExtractor{keywords: []string{"go"}}
	ret := &fakeRetriever{results: []domain.SearchResult{{Title: "Go", URL: "https://go.dev"}}}
	hist := &fakeHistory{appendErr: errors.New("disk full")}
	p := New(ext, ret, hist, Config{})

	res, err := p.Answer(context.Background(), key, "go")
	require.NoError(t, err)
	assert.False(t, res.Persisted)
	assert.ErrorIs(t, res.PersistErr, domain.ErrPersistence)
	assert.Equal(t, []string{"go"}, res.Keywords)
	assert.Len(t, res.Results, 1)
}

func TestAnswer_HistoryLoadFailureIsNotExtractionFailure(t *testing.T) {
	ext := &fakeExtractor{}
	hist := &fakeHistory{listErr: errors.New("db locked")}
	p := New(ext, &fakeRetriever{}, hist, Config{})

	_, err := p.Answer(context.Background(), key, "go")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrExtraction)
	assert.Zero(t, ext.calls)
}

func TestAnswer_ExtractTimeoutIsHardFailure(t *testing.T) {
	ext := &fakeExtractor{keywords: []string{"go"}, delay: time.Second}
	hist := &fakeHistory{}
	p := New(ext, &fakeRetriever{}, hist, Config{Timeouts: Timeouts{Extract: 20 * time.Millisecond}})

	_, err := p.Answer(context.Background(), key, "go")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExtraction)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, hist.count())
}

func TestAnswer_RetrieveTimeoutIsHardFailure(t *testing.T) {
	ext := &fakeExtractor{keywords: []string{"go"}}
	ret := &fakeRetriever{delay: time.Second}
	hist := &fakeHistory{}
	p := New(ext, ret, hist, Config{Timeouts: Timeouts{Retrieve: 20 * time.Millisecond}})

	_, err := p.Answer(context.Background(), key, "go")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRetrieval)
	assert.Zero(t, hist.count())
}

func TestAnswer_SequentialQueriesSeePriorHistory(t *testing.T) {
	ext := &fakeExtractor{keywords: []string{"go"}}
	hist := &fakeHistory{}
	p := New(ext, &fakeRetriever{}, hist, Config{HistoryWindow: 2})

	for i := 0; i < 3; i++ {
		_, err := p.Answer(context.Background(), key, "question")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, hist.count())
	assert.Len(t, ext.lastSeen, 2, "extractor sees only the configured window")
	for i, ex := range hist.exchanges {
		assert.Equal(t, int64(i), ex.Ordinal)
	}
}
