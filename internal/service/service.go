// Package service exposes the keysearch operations to transports. Every
// operation returns an Outcome; errors never cross this boundary as panics or
// bare error values.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ashureev/keysearch/internal/domain"
	"github.com/ashureev/keysearch/internal/identity"
	"github.com/ashureev/keysearch/internal/keywords"
	"github.com/ashureev/keysearch/internal/pipeline"
	"github.com/ashureev/keysearch/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// Status classifies an Outcome.
type Status string

// Outcome statuses.
const (
	StatusOK           Status = "ok"
	StatusDegraded     Status = "degraded"
	StatusInvalid      Status = "invalid"
	StatusUnauthorized Status = "unauthorized"
	StatusNotFound     Status = "not_found"
	StatusConflict     Status = "conflict"
	StatusCredential   Status = "credential"
	StatusUpstream     Status = "upstream"
	StatusInternal     Status = "internal"
)

// Outcome is the structured result of every service operation.
type Outcome struct {
	Status  Status
	Message string
	Result  any
	Reason  string
	// Err is the classified cause for failures and degraded successes.
	Err error
}

// Succeeded reports whether the operation produced its result.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusOK || o.Status == StatusDegraded
}

// Visitor is the result of CreateVisitor. It encodes as [number, conversation].
type Visitor struct {
	Number       int64
	Username     string
	Conversation int64
}

// SessionID returns the identifier addressing the visitor's first conversation.
func (v Visitor) SessionID() string {
	return domain.SessionKey{Username: v.Username, Conversation: v.Conversation}.String()
}

// MarshalJSON implements json.Marshaler.
func (v Visitor) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{v.Number, v.Conversation})
}

// Answer is the result of AnswerQuery.
type Answer struct {
	Keywords []string              `json:"keywords"`
	Results  []domain.SearchResult `json:"results"`
}

// DefaultDropTimeout bounds DropContext when Config.DropTimeout is unset.
const DefaultDropTimeout = 10 * time.Second

// Config configures a Service.
type Config struct {
	BcryptCost   int
	StoreTimeout time.Duration
	// DropTimeout bounds the extractor's DropContext call in DeleteHistory.
	DropTimeout time.Duration
	Logger      *slog.Logger
}

// Service implements the produced interface on top of the gate, the stores,
// the query pipeline and the keyword extractor.
type Service struct {
	repo      store.Repository
	gate      *identity.Gate
	pipeline  *pipeline.Pipeline
	extractor keywords.Extractor
	cfg       Config
	logger    *slog.Logger
}

// New creates a service.
func New(repo store.Repository, gate *identity.Gate, p *pipeline.Pipeline, extractor keywords.Extractor, cfg Config) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.DropTimeout <= 0 {
		cfg.DropTimeout = DefaultDropTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		gate:      gate,
		pipeline:  p,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
	}
}

// GetHistoryCount returns the number of exchanges across all of username's conversations.
func (s *Service) GetHistoryCount(ctx context.Context, username string) (out Outcome) {
	defer s.recoverOutcome("history_count", &out)

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	exists, err := s.repo.UserExists(ctx, username)
	if err != nil {
		return s.fail("history_count", "query failed", err)
	}
	if !exists {
		return s.fail("history_count", "query failed", fmt.Errorf("%w: user %q", domain.ErrNotFound, username))
	}
	count, err := s.repo.CountForUser(ctx, username)
	if err != nil {
		return s.fail("history_count", "query failed", err)
	}
	return ok("query succeeded", count)
}

// GetHistory returns the conversation's exchanges oldest first.
func (s *Service) GetHistory(ctx context.Context, sessionID string) (out Outcome) {
	defer s.recoverOutcome("history", &out)

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	key, err := s.gate.Check(ctx, sessionID)
	if err != nil {
		return s.fail("history", "query failed", err)
	}
	history, err := s.repo.ListExchanges(ctx, key)
	if err != nil {
		return s.fail("history", "query failed", err)
	}
	return ok("query succeeded", history)
}

// CreateVisitor provisions an anonymous account and its first conversation.
func (s *Service) CreateVisitor(ctx context.Context) (out Outcome) {
	defer s.recoverOutcome("visitor", &out)

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	// Visitors never log in; the secret is discarded.
	secret, err := randomSecret()
	if err != nil {
		return s.fail("visitor", "visitor login failed", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cfg.BcryptCost)
	if err != nil {
		return s.fail("visitor", "visitor login failed", fmt.Errorf("hash visitor credential: %w", err))
	}
	n, conv, err := s.repo.ProvisionVisitor(ctx, string(hash))
	if err != nil {
		// A reserved visitor number is never handed out twice, so a clash is internal.
		return s.fail("visitor", "visitor login failed", fmt.Errorf("provision visitor: %v", err))
	}
	name := domain.VisitorName(n)

	s.logger.Info("Visitor created", "username", name, "conversation", conv)
	return ok("visitor login succeeded", Visitor{Number: n, Username: name, Conversation: conv})
}

// AnswerQuery gates sessionID and runs the query pipeline.
func (s *Service) AnswerQuery(ctx context.Context, sessionID, question string) (out Outcome) {
	defer s.recoverOutcome("query", &out)

	gateCtx, cancel := s.storeContext(ctx)
	key, err := s.gate.Check(gateCtx, sessionID)
	cancel()
	if err != nil {
		return s.fail("query", "query failed", err)
	}

	res, err := s.pipeline.Answer(ctx, key, question)
	if err != nil {
		return s.fail("query", "query failed", err)
	}

	answer := Answer{Keywords: res.Keywords, Results: res.Results}
	if !res.Persisted {
		return Outcome{
			Status:  StatusDegraded,
			Message: "results found but not saved to history",
			Result:  answer,
			Reason:  domain.ErrPersistence.Error(),
			Err:     res.PersistErr,
		}
	}
	return ok("results found", answer)
}

// DeleteHistory removes every exchange of the conversation and asks the
// extractor to forget the session.
func (s *Service) DeleteHistory(ctx context.Context, sessionID string) (out Outcome) {
	defer s.recoverOutcome("delete", &out)

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	key, err := s.gate.Check(storeCtx, sessionID)
	if err != nil {
		return s.fail("delete", "delete failed", err)
	}
	deleted, err := s.repo.DeleteExchanges(storeCtx, key)
	if err != nil {
		return s.fail("delete", "delete failed", err)
	}

	dropCtx, dropCancel := context.WithTimeout(ctx, s.cfg.DropTimeout)
	defer dropCancel()
	if err := s.extractor.DropContext(dropCtx, key); err != nil {
		s.logger.Warn("Failed to drop extractor context",
			"username", key.Username,
			"conversation", key.Conversation,
			"error", err,
		)
	}

	s.logger.Info("History deleted", "username", key.Username, "conversation", key.Conversation, "exchanges", deleted)
	return ok("delete succeeded", nil)
}

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (out Outcome) {
	defer s.recoverOutcome("register", &out)

	if password == "" {
		return s.fail("register", "registration failed", fmt.Errorf("%w: password is empty", domain.ErrInvalidInput))
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	available, err := s.gate.UsernameAvailable(ctx, username)
	if err != nil {
		return s.fail("register", "registration failed", err)
	}
	if !available {
		return s.fail("register", "registration failed", fmt.Errorf("%w: %q", domain.ErrUsernameConflict, username))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return s.fail("register", "registration failed", fmt.Errorf("%w: password longer than 72 bytes", domain.ErrInvalidInput))
		}
		return s.fail("register", "registration failed", fmt.Errorf("hash password: %w", err))
	}
	if err := s.repo.CreateUser(ctx, username, string(hash)); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			err = fmt.Errorf("%w: %q", domain.ErrUsernameConflict, username)
		}
		return s.fail("register", "registration failed", err)
	}

	s.logger.Info("User registered", "username", username)
	return ok("registration succeeded", nil)
}

// Login checks a username/password pair. Unknown users and wrong passwords are
// reported identically.
func (s *Service) Login(ctx context.Context, username, password string) (out Outcome) {
	defer s.recoverOutcome("login", &out)

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	valid, err := s.repo.CheckCredential(ctx, username, password)
	if err != nil {
		return s.fail("login", "login failed", err)
	}
	if !valid {
		return s.fail("login", "login failed", domain.ErrCredential)
	}
	return ok("login succeeded", nil)
}

// NewConversation allocates the user's next conversation number.
func (s *Service) NewConversation(ctx context.Context, username string) (out Outcome) {
	defer s.recoverOutcome("new_conversation", &out)

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	n, err := s.repo.AllocateConversation(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			err = fmt.Errorf("%w: user %q", domain.ErrNotFound, username)
		}
		return s.fail("new_conversation", "new conversation failed", err)
	}
	s.logger.Info("Conversation created", "username", username, "conversation", n)
	return ok("conversation created", n)
}

func ok(message string, result any) Outcome {
	return Outcome{Status: StatusOK, Message: message, Result: result}
}

// Classify maps an error to its Outcome status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, domain.ErrMalformedIdentifier), errors.Is(err, domain.ErrInvalidInput):
		return StatusInvalid
	case errors.Is(err, domain.ErrUnauthorized):
		return StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, domain.ErrUsernameConflict):
		return StatusConflict
	case errors.Is(err, domain.ErrCredential):
		return StatusCredential
	case errors.Is(err, domain.ErrExtraction), errors.Is(err, domain.ErrRetrieval):
		return StatusUpstream
	default:
		return StatusInternal
	}
}

// ErrorOutcome classifies err into a failure Outcome. Reasons are generic for
// every status except invalid, so they never reveal which users exist.
func ErrorOutcome(message string, err error) Outcome {
	status := Classify(err)
	out := Outcome{Status: status, Message: message, Err: err}

	switch status {
	case StatusInvalid:
		out.Reason = err.Error()
	case StatusUnauthorized:
		out.Reason = domain.ErrUnauthorized.Error()
	case StatusNotFound:
		out.Reason = domain.ErrNotFound.Error()
	case StatusConflict:
		out.Reason = domain.ErrUsernameConflict.Error()
	case StatusCredential:
		out.Reason = domain.ErrCredential.Error()
	case StatusUpstream:
		out.Reason = upstreamReason(err)
	default:
		out.Reason = "internal error"
	}
	return out
}

func (s *Service) fail(op, message string, err error) Outcome {
	out := ErrorOutcome(message, err)
	switch out.Status {
	case StatusUpstream:
		s.logger.Warn("Upstream failure", "op", op, "error", err)
	case StatusInternal:
		s.logger.Error("Operation failed", "op", op, "error", err)
	}
	return out
}

func upstreamReason(err error) string {
	reason := domain.ErrRetrieval.Error()
	if errors.Is(err, domain.ErrExtraction) {
		reason = domain.ErrExtraction.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		reason += ": timed out"
	}
	return reason
}

func (s *Service) recoverOutcome(op string, out *Outcome) {
	if r := recover(); r != nil {
		s.logger.Error("Panic in service operation", "op", op, "panic", r, "stack", string(debug.Stack()))
		*out = Outcome{
			Status:  StatusInternal,
			Message: "internal error",
			Reason:  "internal error",
			Err:     fmt.Errorf("panic in %s: %v", op, r),
		}
	}
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
