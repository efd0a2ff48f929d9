package keywords

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/keysearch/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Method names of the keyword extraction agent. Payloads are
// google.protobuf.Struct messages, so no generated stubs are needed.
const (
	ServiceName       = "keysearch.KeywordService"
	extractMethod     = "/" + ServiceName + "/Extract"
	dropContextMethod = "/" + ServiceName + "/DropContext"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errAgentResponse            = errors.New("extraction agent returned error")
	errMalformedResponse        = errors.New("malformed extraction response")
)

// GrpcClient talks to a remote keyword extraction agent.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the agent at addr and waits until the connection is ready.
func NewGrpcClient(addr string, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultGrpcClientConfig()
	if addr != "" {
		cfg.Address = addr
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to extraction agent at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad agent endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("extraction agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to keyword extraction agent", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Extract asks the agent for keywords.
func (c *GrpcClient) Extract(ctx context.Context, key domain.SessionKey, history []domain.Exchange, question string) ([]string, error) {
	req, err := encodeExtractRequest(key, history, question)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Extracting keywords via gRPC", "session_id", key.String(), "history", len(history))

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, extractMethod, req, resp); err != nil {
		return nil, fmt.Errorf("extract request failed: %w", err)
	}
	return decodeExtractResponse(resp)
}

// DropContext asks the agent to forget the conversation.
func (c *GrpcClient) DropContext(ctx context.Context, key domain.SessionKey) error {
	req, err := structpb.NewStruct(map[string]any{"session_id": key.String()})
	if err != nil {
		return fmt.Errorf("encode drop context request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, dropContextMethod, req, resp); err != nil {
		c.logger.Warn("DropContext failed", "error", err, "session_id", key.String())
		return fmt.Errorf("drop context request failed: %w", err)
	}
	if msg := resp.GetFields()["error"].GetStringValue(); msg != "" {
		return fmt.Errorf("%w: %s", errAgentResponse, msg)
	}
	return nil
}

func encodeExtractRequest(key domain.SessionKey, history []domain.Exchange, question string) (*structpb.Struct, error) {
	turns := make([]any, 0, len(history))
	for _, ex := range history {
		turns = append(turns, map[string]any{
			"question": ex.Question,
			"keywords": toAnySlice(ex.Keywords),
		})
	}
	req, err := structpb.NewStruct(map[string]any{
		"session_id": key.String(),
		"question":   question,
		"history":    turns,
	})
	if err != nil {
		return nil, fmt.Errorf("encode extract request: %w", err)
	}
	return req, nil
}

func decodeExtractResponse(resp *structpb.Struct) ([]string, error) {
	fields := resp.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return nil, fmt.Errorf("%w: %s", errAgentResponse, msg)
	}
	raw, ok := fields["keywords"]
	if !ok {
		return nil, fmt.Errorf("%w: missing keywords", errMalformedResponse)
	}
	if _, isNull := raw.GetKind().(*structpb.Value_NullValue); isNull {
		return []string{}, nil
	}
	list := raw.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: keywords is not a list", errMalformedResponse)
	}
	keywords := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: non-string keyword", errMalformedResponse)
		}
		keywords = append(keywords, s.StringValue)
	}
	return keywords, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
