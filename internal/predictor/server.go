package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// #region types

// Backend computes stability scores on a device. *Client satisfies it, so a
// Server can front an upstream predictor.
type Backend interface {
	Predict(ctx context.Context, device int, sequence string) (float64, error)
	ReleaseScratch(ctx context.Context, device int) error
}

// PredictorServer is the server side of the stability.Predictor service.
type PredictorServer interface {
	Predict(ctx context.Context, in *structpb.Struct) (*wrapperspb.DoubleValue, error)
	ReleaseScratch(ctx context.Context, in *wrapperspb.Int32Value) (*emptypb.Empty, error)
}

// #endregion types

// #region server

// Server is the single point of access to the scorer device for every training
// process. Requests are handled one at a time and scratch memory is released
// after each prediction, whether or not it succeeded.
type Server struct {
	mu      sync.Mutex
	backend Backend
	device  int
	logger  *slog.Logger
}

// NewServer pins all predictions to device regardless of the device named in
// the request.
func NewServer(backend Backend, device int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, device: device, logger: logger.With("component", "predictor-server")}
}

// Predict scores the sequence in the request.
func (s *Server) Predict(ctx context.Context, in *structpb.Struct) (*wrapperspb.DoubleValue, error) {
	seq := in.GetFields()["sequence"].GetStringValue()
	if seq == "" {
		return nil, status.Error(codes.InvalidArgument, "sequence is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	score, err := s.predictLocked(ctx, seq)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "predict: %v", err)
	}
	return wrapperspb.Double(score), nil
}

func (s *Server) predictLocked(ctx context.Context, seq string) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
		if rerr := s.backend.ReleaseScratch(ctx, s.device); rerr != nil {
			s.logger.Warn("release scratch failed", "device", s.device, "error", rerr)
		}
	}()
	return s.backend.Predict(ctx, s.device, seq)
}

// ReleaseScratch frees scratch memory on the pinned device.
func (s *Server) ReleaseScratch(ctx context.Context, _ *wrapperspb.Int32Value) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.ReleaseScratch(ctx, s.device); err != nil {
		return nil, status.Errorf(codes.Internal, "release scratch: %v", err)
	}
	return &emptypb.Empty{}, nil
}

// #endregion server

// #region registration

// Register attaches srv to a gRPC server.
func Register(gs *grpc.Server, srv PredictorServer) {
	gs.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PredictorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "ReleaseScratch", Handler: releaseScratchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stability/predictor.proto",
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictorServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: predictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictorServer).Predict(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func releaseScratchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.Int32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictorServer).ReleaseScratch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: releaseScratchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictorServer).ReleaseScratch(ctx, req.(*wrapperspb.Int32Value))
	}
	return interceptor(ctx, in, info, handler)
}

// #endregion registration
