package keywords

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/keysearch/internal/domain"
)

const (
	// DefaultMaxKeywords caps how many keywords one question produces.
	DefaultMaxKeywords = 8
	// DefaultMaxSessions caps how many sessions keep a cached keyword set.
	DefaultMaxSessions = 10000
	// contextTerms is how many recurring history terms may be appended.
	contextTerms = 2
	// minRecurrence is how many prior exchanges must share a term before it
	// counts as conversation context.
	minRecurrence = 2
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a about above after again against all am an and any are as at be because been
		before being below between both but by can could did do does doing down during
		each few for from further had has have having he her here hers herself him himself
		his how i if in into is it its itself just me more most my myself no nor not now of
		off on once only or other our ours ourselves out over own same she should so some
		such than that the their theirs them themselves then there these they this those
		through to too under until up very was we were what when where which while who whom
		why will with would you your yours yourself yourselves
		find show tell give get best good please want need know like search look
		的 了 和 是 在 我 有 吗 呢 吧 什么 怎么 哪些 一个 一些`) {
		stopwords[w] = struct{}{}
	}
}

// LocalExtractor is a heuristic extractor used when no extraction agent is
// configured. Keywords are the question's content words; up to two keywords
// that recur across the supplied history are appended so follow-up questions
// keep the conversation's topic. A question with no content words of its own
// reuses the session's previous keyword set. The least recently used
// sessions are evicted once more than maxSessions are cached.
type LocalExtractor struct {
	maxKeywords int
	maxSessions int

	mu    sync.Mutex
	last  map[domain.SessionKey]*list.Element
	order *list.List // front is most recently used
}

type lastKeywords struct {
	key      domain.SessionKey
	keywords []string
}

// LocalOption configures a LocalExtractor.
type LocalOption func(*LocalExtractor)

// WithMaxSessions bounds the per-session keyword cache. n <= 0 keeps the default.
func WithMaxSessions(n int) LocalOption {
	return func(e *LocalExtractor) {
		if n > 0 {
			e.maxSessions = n
		}
	}
}

// NewLocalExtractor creates a local extractor. maxKeywords <= 0 uses DefaultMaxKeywords.
func NewLocalExtractor(maxKeywords int, opts ...LocalOption) *LocalExtractor {
	if maxKeywords <= 0 {
		maxKeywords = DefaultMaxKeywords
	}
	e := &LocalExtractor{
		maxKeywords: maxKeywords,
		maxSessions: DefaultMaxSessions,
		last:        make(map[domain.SessionKey]*list.Element),
		order:       list.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lookup returns the cached keywords for key and marks it recently used.
func (e *LocalExtractor) lookup(key domain.SessionKey) []string {
	el, ok := e.last[key]
	if !ok {
		return nil
	}
	e.order.MoveToFront(el)
	return el.Value.(*lastKeywords).keywords
}

// remember caches keywords for key, evicting the least recently used sessions.
func (e *LocalExtractor) remember(key domain.SessionKey, keywords []string) {
	if el, ok := e.last[key]; ok {
		el.Value.(*lastKeywords).keywords = keywords
		e.order.MoveToFront(el)
		return
	}
	e.last[key] = e.order.PushFront(&lastKeywords{key: key, keywords: keywords})
	for e.order.Len() > e.maxSessions {
		oldest := e.order.Back()
		e.order.Remove(oldest)
		delete(e.last, oldest.Value.(*lastKeywords).key)
	}
}

// Sessions reports how many sessions have a cached keyword set.
func (e *LocalExtractor) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Len()
}

// Extract implements Extractor.
func (e *LocalExtractor) Extract(ctx context.Context, key domain.SessionKey, history []domain.Exchange, question string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keywords := Tokenize(question)
	if len(keywords) > e.maxKeywords {
		keywords = keywords[:e.maxKeywords]
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(keywords) == 0 {
		prev := e.lookup(key)
		out := make([]string, len(prev))
		copy(out, prev)
		return out, nil
	}

	present := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		present[kw] = struct{}{}
	}
	added := 0
	for _, term := range recurringTerms(history) {
		if added == contextTerms || len(keywords) >= e.maxKeywords {
			break
		}
		if _, ok := present[term]; ok {
			continue
		}
		keywords = append(keywords, term)
		added++
	}

	e.remember(key, keywords)
	out := make([]string, len(keywords))
	copy(out, keywords)
	return out, nil
}

// recurringTerms returns keywords used in at least minRecurrence exchanges,
// most frequent first.
func recurringTerms(history []domain.Exchange) []string {
	counts := make(map[string]int)
	for _, ex := range history {
		for _, kw := range Normalize(ex.Keywords) {
			counts[strings.ToLower(kw)]++
		}
	}

	var terms []string
	for term, n := range counts {
		if n >= minRecurrence {
			terms = append(terms, term)
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	return terms
}

// DropContext implements Extractor.
func (e *LocalExtractor) DropContext(_ context.Context, key domain.SessionKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.last[key]; ok {
		e.order.Remove(el)
		delete(e.last, key)
	}
	return nil
}

// Tokenize splits text into lowercased content words in first-seen order,
// dropping stopwords and single-character tokens other than Han characters.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '+' && r != '#'
	})

	var out []string
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if f == "" {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if utf8.RuneCountInString(f) < 2 && !isHan(f) {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func isHan(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.Is(unicode.Han, r)
}
