// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/keysearch/internal/domain"
)

var (
	// ErrAlreadyExists is returned by CreateUser when the username is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrUserNotFound is returned when an operation addresses a missing user.
	ErrUserNotFound = errors.New("user not found")
	// ErrConversationNotFound is returned when appending to a missing conversation.
	ErrConversationNotFound = errors.New("conversation not found")
)

// IdentityStore owns user and conversation existence and authorization facts.
type IdentityStore interface {
	// UserExists reports whether a user with exactly this name exists.
	UserExists(ctx context.Context, username string) (bool, error)

	// CreateUser inserts a user. Returns ErrAlreadyExists if the name is taken.
	CreateUser(ctx context.Context, username, credentialHash string) error

	// CheckCredential reports whether secret matches the user's stored hash.
	// Unknown users report false without error.
	CheckCredential(ctx context.Context, username, secret string) (bool, error)

	// ConversationExists reports whether the numbered conversation belongs to username.
	ConversationExists(ctx context.Context, username string, number int64) (bool, error)

	// AllocateConversation reserves the next conversation number for username and
	// records the conversation. Returns ErrUserNotFound for unknown users.
	AllocateConversation(ctx context.Context, username string) (int64, error)

	// ProvisionVisitor reserves the next visitor number and creates the
	// visitor account with its first conversation atomically. It returns the
	// visitor number and the conversation number.
	ProvisionVisitor(ctx context.Context, credentialHash string) (int64, int64, error)
}

// HistoryStore owns exchange records, keyed by a validated conversation.
type HistoryStore interface {
	// AppendExchange records ex at the end of the conversation, filling in
	// its ID and Ordinal.
	AppendExchange(ctx context.Context, key domain.SessionKey, ex *domain.Exchange) error

	// ListExchanges returns the conversation's exchanges in insertion order.
	ListExchanges(ctx context.Context, key domain.SessionKey) ([]domain.Exchange, error)

	// CountForUser counts exchanges across all of the user's conversations.
	CountForUser(ctx context.Context, username string) (int64, error)

	// DeleteExchanges removes every exchange of the conversation atomically.
	DeleteExchanges(ctx context.Context, key domain.SessionKey) (int64, error)
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	IdentityStore
	HistoryStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
