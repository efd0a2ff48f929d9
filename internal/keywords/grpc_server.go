package keywords

import (
	"context"
	"log/slog"

	"github.com/ashureev/keysearch/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// agentServer is the handler type registered under ServiceName.
type agentServer interface {
	extract(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	dropContext(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type extractorServer struct {
	extractor Extractor
	logger    *slog.Logger
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*agentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Extract", Handler: unaryHandler(extractMethod, agentServer.extract)},
		{MethodName: "DropContext", Handler: unaryHandler(dropContextMethod, agentServer.dropContext)},
	},
	Metadata: "keysearch/keywords.proto",
}

// RegisterServer exposes extractor as a keyword extraction agent on s.
func RegisterServer(s grpc.ServiceRegistrar, extractor Extractor, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.RegisterService(&serviceDesc, &extractorServer{extractor: extractor, logger: logger})
}

func unaryHandler(method string, call func(agentServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(agentServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(agentServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func (s *extractorServer) extract(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	key, err := domain.ParseSessionKey(fields["session_id"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var history []domain.Exchange
	for _, v := range fields["history"].GetListValue().GetValues() {
		turn := v.GetStructValue().GetFields()
		ex := domain.Exchange{Question: turn["question"].GetStringValue()}
		for _, kw := range turn["keywords"].GetListValue().GetValues() {
			ex.Keywords = append(ex.Keywords, kw.GetStringValue())
		}
		history = append(history, ex)
	}

	keywords, err := s.extractor.Extract(ctx, key, history, fields["question"].GetStringValue())
	if err != nil {
		s.logger.Warn("Extraction failed", "session_id", key.String(), "error", err)
		return structpb.NewStruct(map[string]any{"error": err.Error()})
	}
	return structpb.NewStruct(map[string]any{"keywords": toAnySlice(Normalize(keywords))})
}

func (s *extractorServer) dropContext(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := domain.ParseSessionKey(req.GetFields()["session_id"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.extractor.DropContext(ctx, key); err != nil {
		return structpb.NewStruct(map[string]any{"error": err.Error()})
	}
	return &structpb.Struct{}, nil
}
