package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/keysearch/internal/domain"
	"github.com/ashureev/keysearch/internal/shared"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

const (
	visitorScope      = "visitor"
	conversationScope = "conv:"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so allocations take
	// the write lock up front and wait on busy_timeout instead of deadlocking.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		username TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
		number INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (username, number)
	);

	CREATE TABLE IF NOT EXISTS counters (
		scope TEXT PRIMARY KEY,
		next_value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		number INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		question TEXT NOT NULL,
		keywords_json TEXT NOT NULL,
		results_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (username, number, ordinal),
		FOREIGN KEY (username, number) REFERENCES conversations(username, number) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_user ON exchanges(username);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UserExists reports whether a user with exactly this name exists.
func (s *SQLiteStore) UserExists(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE username = ?`, username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return true, nil
}

// CreateUser inserts a user with an already-hashed credential.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, credentialHash string) error {
	err := shared.RetryOnConflict(ctx, "create_user", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
			username, credentialHash, s.now().Unix(),
		)
		return err
	})
	if shared.IsSQLiteConstraintError(err) {
		return fmt.Errorf("create user %q: %w", username, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by name. Returns nil, nil when absent.
func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password_hash, created_at FROM users WHERE username = ?`, username,
	).Scan(&user.Username, &user.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	return &user, nil
}

// CheckCredential compares secret against the stored bcrypt hash.
func (s *SQLiteStore) CheckCredential(ctx context.Context, username, secret string) (bool, error) {
	user, err := s.GetUser(ctx, username)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(secret))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare credential: %w", err)
	}
	return true, nil
}

// ConversationExists reports whether the numbered conversation belongs to username.
func (s *SQLiteStore) ConversationExists(ctx context.Context, username string, number int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE username = ? AND number = ?`, username, number,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query conversation: %w", err)
	}
	return true, nil
}

// reserveNext atomically returns the next integer in scope, starting at 0.
func reserveNext(ctx context.Context, tx *sql.Tx, scope string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO counters (scope, next_value) VALUES (?, 1)
		ON CONFLICT(scope) DO UPDATE SET next_value = next_value + 1
		RETURNING next_value - 1`, scope,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("reserve next %s: %w", scope, err)
	}
	return n, nil
}

// withTx runs fn in an immediate transaction, retrying on SQLite busy errors.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return shared.RetryOnConflict(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", op, err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("rollback failed", "op", op, "error", rbErr)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		return nil
	})
}

// ProvisionVisitor reserves the next visitor number, creates the visitor
// account and its first conversation in one transaction.
func (s *SQLiteStore) ProvisionVisitor(ctx context.Context, credentialHash string) (int64, int64, error) {
	var number, conv int64
	err := s.withTx(ctx, "provision_visitor", func(tx *sql.Tx) error {
		var err error
		number, err = reserveNext(ctx, tx, visitorScope)
		if err != nil {
			return err
		}
		name := domain.VisitorName(number)
		now := s.now().Unix()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
			name, credentialHash, now,
		); err != nil {
			return fmt.Errorf("insert visitor %s: %w", name, err)
		}

		conv, err = reserveNext(ctx, tx, conversationScope+name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (username, number, created_at) VALUES (?, ?, ?)`,
			name, conv, now,
		); err != nil {
			return fmt.Errorf("insert visitor conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return number, conv, nil
}

// AllocateConversation reserves the next conversation number for username.
func (s *SQLiteStore) AllocateConversation(ctx context.Context, username string) (int64, error) {
	var n int64
	err := s.withTx(ctx, "allocate_conversation", func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE username = ?`, username).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("allocate conversation for %q: %w", username, ErrUserNotFound)
		}
		if err != nil {
			return fmt.Errorf("query user: %w", err)
		}

		n, err = reserveNext(ctx, tx, conversationScope+username)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (username, number, created_at) VALUES (?, ?, ?)`,
			username, n, s.now().Unix(),
		); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// AppendExchange records ex as the newest exchange of the conversation.
func (s *SQLiteStore) AppendExchange(ctx context.Context, key domain.SessionKey, ex *domain.Exchange) error {
	keywords := ex.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	results := ex.Results
	if results == nil {
		results = []domain.SearchResult{}
	}
	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = s.now()
	}
	// Stored with millisecond precision.
	ex.CreatedAt = ex.CreatedAt.Truncate(time.Millisecond)

	id := ulid.Make().String()
	var ordinal int64
	err = s.withTx(ctx, "append_exchange", func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM conversations WHERE username = ? AND number = ?`, key.Username, key.Conversation,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("append to %s: %w", key, ErrConversationNotFound)
		}
		if err != nil {
			return fmt.Errorf("query conversation: %w", err)
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(ordinal) + 1, 0) FROM exchanges WHERE username = ? AND number = ?`,
			key.Username, key.Conversation,
		).Scan(&ordinal); err != nil {
			return fmt.Errorf("next ordinal: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO exchanges (id, username, number, ordinal, question, keywords_json, results_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, key.Username, key.Conversation, ordinal, ex.Question,
			string(keywordsJSON), string(resultsJSON), ex.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert exchange: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ex.ID = id
	ex.Ordinal = ordinal
	ex.Keywords = keywords
	ex.Results = results
	return nil
}

// ListExchanges returns the conversation's exchanges ordered by ordinal.
func (s *SQLiteStore) ListExchanges(ctx context.Context, key domain.SessionKey) ([]domain.Exchange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ordinal, question, keywords_json, results_json, created_at
		FROM exchanges WHERE username = ? AND number = ? ORDER BY ordinal`,
		key.Username, key.Conversation,
	)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close exchange rows", "error", closeErr)
		}
	}()

	exchanges := []domain.Exchange{}
	for rows.Next() {
		var ex domain.Exchange
		var keywordsJSON, resultsJSON string
		var createdAt int64
		if err := rows.Scan(&ex.ID, &ex.Ordinal, &ex.Question, &keywordsJSON, &resultsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan exchange row: %w", err)
		}
		if err := json.Unmarshal([]byte(keywordsJSON), &ex.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords of %s: %w", ex.ID, err)
		}
		if err := json.Unmarshal([]byte(resultsJSON), &ex.Results); err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", ex.ID, err)
		}
		ex.CreatedAt = time.UnixMilli(createdAt)
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return exchanges, nil
}

// CountForUser counts exchanges across all of the user's conversations.
func (s *SQLiteStore) CountForUser(ctx context.Context, username string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exchanges WHERE username = ?`, username,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count exchanges: %w", err)
	}
	return n, nil
}

// DeleteExchanges removes every exchange of the conversation in one statement.
func (s *SQLiteStore) DeleteExchanges(ctx context.Context, key domain.SessionKey) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, "delete_exchanges", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM exchanges WHERE username = ? AND number = ?`, key.Username, key.Conversation,
		)
		if err != nil {
			return fmt.Errorf("delete exchanges: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
