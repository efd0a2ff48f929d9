package domain

import "time"

// SearchResult is one retrieved web page. The pipeline passes it through unmodified.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Keyword string `json:"keyword,omitempty"`
}

// Exchange is one persisted question/keywords/results turn within a conversation.
type Exchange struct {
	ID        string         `json:"id"`
	Ordinal   int64          `json:"ordinal"`
	Question  string         `json:"question"`
	Keywords  []string       `json:"keywords"`
	Results   []SearchResult `json:"results"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecentExchanges returns the last n exchanges of history, or all of them when n <= 0.
func RecentExchanges(history []Exchange, n int) []Exchange {
	if n <= 0 || n >= len(history) {
		return history
	}
	return history[len(history)-n:]
}
