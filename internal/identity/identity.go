// Package identity implements the session gate: it turns raw session
// identifiers into validated conversation keys and decides whether the
// addressed conversation exists for its owner.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/keysearch/internal/domain"
	"github.com/go-chi/chi/v5"
)

// MaxUsernameLength bounds usernames in bytes.
const MaxUsernameLength = 64

// SessionParam is the chi URL parameter carrying a session identifier.
const SessionParam = "sessionID"

type contextKey int

const sessionKeyKey contextKey = iota

// Store is the subset of the identity store the gate consults.
type Store interface {
	UserExists(ctx context.Context, username string) (bool, error)
	ConversationExists(ctx context.Context, username string, number int64) (bool, error)
}

// Gate validates and authorizes session identifiers before any downstream work.
type Gate struct {
	store Store
}

// NewGate creates a gate backed by store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Parse is the syntactic check. It never touches the store.
func (g *Gate) Parse(raw string) (domain.SessionKey, error) {
	return domain.ParseSessionKey(raw)
}

// Authorize returns domain.ErrUnauthorized unless the conversation exists and
// belongs to key.Username. Store failures are returned as-is.
func (g *Gate) Authorize(ctx context.Context, key domain.SessionKey) error {
	ok, err := g.store.ConversationExists(ctx, key.Username, key.Conversation)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, key)
	}
	return nil
}

// Check parses raw and authorizes the result.
func (g *Gate) Check(ctx context.Context, raw string) (domain.SessionKey, error) {
	key, err := g.Parse(raw)
	if err != nil {
		return domain.SessionKey{}, err
	}
	if err := g.Authorize(ctx, key); err != nil {
		return domain.SessionKey{}, err
	}
	return key, nil
}

// UsernameAvailable reports whether name may be registered: it must be a valid
// username, not shaped like a visitor account, and not already taken.
func (g *Gate) UsernameAvailable(ctx context.Context, name string) (bool, error) {
	if ValidateUsername(name) != nil || domain.IsVisitorName(name) {
		return false, nil
	}
	exists, err := g.store.UserExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return !exists, nil
}

// ValidateUsername rejects names that could never form a parseable session
// identifier or a routable path segment.
func ValidateUsername(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: username is empty", domain.ErrInvalidInput)
	case len(name) > MaxUsernameLength:
		return fmt.Errorf("%w: username longer than %d bytes", domain.ErrInvalidInput, MaxUsernameLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: username is not valid UTF-8", domain.ErrInvalidInput)
	case strings.Contains(name, domain.SessionSeparator):
		return fmt.Errorf("%w: username contains %q", domain.ErrInvalidInput, domain.SessionSeparator)
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r == '?' || r == '#' || r == '%' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: username contains %q", domain.ErrInvalidInput, r)
		}
	}
	return nil
}

// SessionKeyFromContext returns the key placed by Middleware.
func SessionKeyFromContext(ctx context.Context) (domain.SessionKey, bool) {
	key, ok := ctx.Value(sessionKeyKey).(domain.SessionKey)
	return key, ok
}

// WithSessionKey returns a copy of ctx carrying key.
func WithSessionKey(ctx context.Context, key domain.SessionKey) context.Context {
	return context.WithValue(ctx, sessionKeyKey, key)
}

// Middleware gates routes carrying the {sessionID} URL parameter. Rejected
// requests are handed to reject and never reach next.
func Middleware(g *Gate, reject func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := g.Check(r.Context(), chi.URLParam(r, SessionParam))
			if err != nil {
				reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSessionKey(r.Context(), key)))
		})
	}
}
