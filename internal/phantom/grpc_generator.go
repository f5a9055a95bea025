package phantom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerateTurnMethod is the full gRPC method name of the generation service.
// Requests and responses are google.protobuf.Struct messages carrying the
// same JSON shape as the HTTP function.
const GenerateTurnMethod = "/phantom.v1.PhantomService/GenerateTurn"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcGeneratorConfig holds configuration for the gRPC generator.
type GrpcGeneratorConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGrpcGeneratorConfig returns default configuration.
func DefaultGrpcGeneratorConfig(addr string) GrpcGeneratorConfig {
	return GrpcGeneratorConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcGenerator requests AI turns from a gRPC generation service.
type GrpcGenerator struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGrpcGenerator connects to the generation service, failing fast if it is not ready.
func NewGrpcGenerator(cfg GrpcGeneratorConfig, logger *slog.Logger) (*GrpcGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to generation service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("generation service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to generation service", "address", cfg.Address)
	return &GrpcGenerator{conn: conn, addr: cfg.Address, logger: logger}, nil
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

// Generate performs the unary GenerateTurn call.
func (g *GrpcGenerator) Generate(ctx context.Context, req GenerateRequest) (*TurnResult, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, GenerateTurnMethod, in, out); err != nil {
		g.logger.Warn("GenerateTurn failed", "error", err, "room_id", req.Room.ID)
		return nil, upstreamFromStatus(err)
	}

	var result TurnResult
	if err := fromStruct(out, &result); err != nil {
		return nil, &UpstreamError{Message: "invalid AI response", Err: err}
	}
	return &result, nil
}

// Close closes the gRPC connection.
func (g *GrpcGenerator) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func upstreamFromStatus(err error) *UpstreamError {
	st, ok := status.FromError(err)
	if !ok {
		return &UpstreamError{Message: "AI service unavailable", Err: err}
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return &UpstreamError{StatusCode: 429, Message: "AI service is rate limited, try again shortly", Err: err}
	case codes.Unavailable, codes.DeadlineExceeded:
		return &UpstreamError{StatusCode: 503, Message: "AI service unavailable", Err: err}
	default:
		msg := st.Message()
		if msg == "" {
			msg = "AI service error"
		}
		return &UpstreamError{Message: msg, Err: err}
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PhantomServer is implemented by generation services served over gRPC.
type PhantomServer interface {
	GenerateTurn(ctx context.Context, req GenerateRequest) (*TurnResult, error)
}

// RegisterPhantomServer registers srv on s under the GenerateTurn method.
func RegisterPhantomServer(s grpc.ServiceRegistrar, srv PhantomServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "phantom.v1.PhantomService",
		HandlerType: (*PhantomServer)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "GenerateTurn",
			Handler:    generateTurnHandler,
		}},
		Metadata: "phantom/v1/phantom.proto",
	}, srv)
}

func generateTurnHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		var gr GenerateRequest
		if err := fromStruct(req.(*structpb.Struct), &gr); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		result, err := srv.(PhantomServer).GenerateTurn(ctx, gr)
		if err != nil {
			return nil, err
		}
		return toStruct(result)
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GenerateTurnMethod}
	return interceptor(ctx, in, info, handle)
}
