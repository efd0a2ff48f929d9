// Package keywords turns questions into search keywords.
package keywords

import (
	"context"
	"strings"

	"github.com/ashureev/keysearch/internal/domain"
)

// Extractor defines the keyword extraction collaborator.
// It is implemented by the gRPC client and by the local heuristic extractor.
type Extractor interface {
	// Extract returns ordered, deduplicated keywords for question given the
	// conversation's prior exchanges (oldest first). An empty result is valid.
	Extract(ctx context.Context, key domain.SessionKey, history []domain.Exchange, question string) ([]string, error)

	// DropContext discards any per-conversation state held for key.
	DropContext(ctx context.Context, key domain.SessionKey) error
}

// Normalize trims keywords, drops empties, and removes case-insensitive
// duplicates while keeping first-seen order.
func Normalize(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		fold := strings.ToLower(kw)
		if _, dup := seen[fold]; dup {
			continue
		}
		seen[fold] = struct{}{}
		out = append(out, kw)
	}
	return out
}

// Ensure implementations satisfy Extractor.
var (
	_ Extractor = (*GrpcClient)(nil)
	_ Extractor = (*LocalExtractor)(nil)
)
