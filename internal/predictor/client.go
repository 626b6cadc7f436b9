package predictor

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// #region wire
const (
	serviceName          = "stability.Predictor"
	predictMethod        = "/" + serviceName + "/Predict"
	releaseScratchMethod = "/" + serviceName + "/ReleaseScratch"
)

// predictorService is the client side of the stability.Predictor service.
type predictorService interface {
	Predict(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.DoubleValue, error)
	ReleaseScratch(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type serviceClient struct {
	cc grpc.ClientConnInterface
}

func (c *serviceClient) Predict(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.DoubleValue, error) {
	out := new(wrapperspb.DoubleValue)
	if err := c.cc.Invoke(ctx, predictMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *serviceClient) ReleaseScratch(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, releaseScratchMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion wire

// #region client-struct
// Client wraps the gRPC connection to the stability prediction service.
type Client struct {
	conn *grpc.ClientConn
	svc  predictorService
}

// #endregion client-struct

// #region constructor
// NewClient connects to the stability predictor (or a gateway in front of it).
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{
		conn: conn,
		svc:  &serviceClient{cc: conn},
	}, nil
}

// NewClientWithConn builds a Client over an existing connection.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{svc: &serviceClient{cc: cc}}
}

// NewClientWithService creates a Client with an injected service implementation.
// Used for testing without a real gRPC connection.
func NewClientWithService(svc predictorService) *Client {
	return &Client{svc: svc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection if this client owns one.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region predict
// Predict returns the predicted stability score of sequence, computed on device.
func (c *Client) Predict(ctx context.Context, device int, sequence string) (float64, error) {
	req, err := structpb.NewStruct(map[string]any{
		"sequence": sequence,
		"device":   device,
	})
	if err != nil {
		return 0, fmt.Errorf("build predict request: %w", err)
	}
	resp, err := c.svc.Predict(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("predict rpc: %w", err)
	}
	return resp.GetValue(), nil
}

// #endregion predict

// #region release
// ReleaseScratch asks the service to free transient memory held on device.
func (c *Client) ReleaseScratch(ctx context.Context, device int) error {
	if _, err := c.svc.ReleaseScratch(ctx, wrapperspb.Int32(int32(device))); err != nil {
		return fmt.Errorf("release scratch rpc: %w", err)
	}
	return nil
}

// #endregion release
