package policy

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
	serviceName         = "grpo.PolicyWorker"
	generateMethod      = "/" + serviceName + "/Generate"
	stepMethod          = "/" + serviceName + "/Step"
	saveAdapterMethod   = "/" + serviceName + "/SaveAdapter"
	loadAdapterMethod   = "/" + serviceName + "/LoadAdapter"
	saveTokenizerMethod = "/" + serviceName + "/SaveTokenizer"
)

// workerService is the client side of the grpo.PolicyWorker service.
type workerService interface {
	Generate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Step(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	SaveAdapter(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	LoadAdapter(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	SaveTokenizer(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type serviceClient struct {
	cc grpc.ClientConnInterface
}

func (c *serviceClient) Generate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, generateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *serviceClient) Step(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, stepMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *serviceClient) SaveAdapter(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return c.pathCall(ctx, saveAdapterMethod, in, opts...)
}

func (c *serviceClient) LoadAdapter(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return c.pathCall(ctx, loadAdapterMethod, in, opts...)
}

func (c *serviceClient) SaveTokenizer(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return c.pathCall(ctx, saveTokenizerMethod, in, opts...)
}

func (c *serviceClient) pathCall(ctx context.Context, method string, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
// #endregion wire

// #region client-struct
// Params are forwarded to the worker with every Generate and Step call.
// Zero values are omitted and leave the worker's defaults in place.
type Params struct {
	Temperature         float64 `yaml:"temperature" json:"temperature"`
	MaxCompletionTokens int     `yaml:"max_completion_tokens" json:"max_completion_tokens"`
	Beta                float64 `yaml:"beta" json:"beta"`
	LearningRate        float64 `yaml:"learning_rate" json:"learning_rate"`
}

// Client wraps the gRPC connection to this rank's policy worker, which owns the
// model, the optimizer and gradient sync.
type Client struct {
	conn   *grpc.ClientConn
	svc    workerService
	params Params
}
// #endregion client-struct

// #region constructor
// NewClient connects to the policy worker at addr.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, svc: &serviceClient{cc: conn}}, nil
}

// NewClientWithService creates a Client with an injected service implementation.
// Used for testing without a real gRPC connection.
func NewClientWithService(svc workerService) *Client {
	return &Client{svc: svc}
}

// WithParams sets the parameters sent on every call.
func (c *Client) WithParams(p Params) *Client {
	c.params = p
	return c
}

// Close shuts down the gRPC connection if this client owns one.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
// #endregion constructor

// #region generate
// Generate samples n completions for each prompt. The result is aligned with
// prompts.
func (c *Client) Generate(ctx context.Context, prompts []string, n int) ([][]string, error) {
	fields := map[string]any{
		"prompts":         toAnyList(prompts),
		"num_generations": n,
	}
	putNonZero(fields, "temperature", c.params.Temperature)
	putNonZero(fields, "max_completion_tokens", float64(c.params.MaxCompletionTokens))
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	resp, err := c.svc.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate rpc: %w", err)
	}

	groups := resp.GetFields()["completions"].GetListValue().GetValues()
	if len(groups) != len(prompts) {
		return nil, fmt.Errorf("generate: got %d completion groups for %d prompts", len(groups), len(prompts))
	}
	out := make([][]string, len(groups))
	for i, g := range groups {
		for _, v := range g.GetListValue().GetValues() {
			out[i] = append(out[i], v.GetStringValue())
		}
	}
	return out, nil
}
// #endregion generate

// #region step
// StepRequest is one policy update: every completion of every prompt with its
// reward. Completions[i] and Rewards[i] belong to Prompts[i].
type StepRequest struct {
	GlobalStep  int
	Prompts     []string
	Completions [][]string
	Rewards     [][]float64
}

// Step applies one group-relative policy update and returns the worker's
// training metrics (loss, kl, learning_rate, ...).
func (c *Client) Step(ctx context.Context, r StepRequest) (map[string]float64, error) {
	comps := make([]any, len(r.Completions))
	for i, g := range r.Completions {
		comps[i] = toAnyList(g)
	}
	rewards := make([]any, len(r.Rewards))
	for i, g := range r.Rewards {
		row := make([]any, len(g))
		for j, v := range g {
			row[j] = v
		}
		rewards[i] = row
	}
	fields := map[string]any{
		"global_step": r.GlobalStep,
		"prompts":     toAnyList(r.Prompts),
		"completions": comps,
		"rewards":     rewards,
	}
	putNonZero(fields, "beta", c.params.Beta)
	putNonZero(fields, "learning_rate", c.params.LearningRate)
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build step request: %w", err)
	}
	resp, err := c.svc.Step(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("step rpc: %w", err)
	}

	metrics := make(map[string]float64, len(resp.GetFields()))
	for k, v := range resp.GetFields() {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
			metrics[k] = v.GetNumberValue()
		}
	}
	return metrics, nil
}
// #endregion step

// #region artifacts
// SaveAdapter writes the trainable adapter weights into dir.
func (c *Client) SaveAdapter(ctx context.Context, dir string) error {
	if _, err := c.svc.SaveAdapter(ctx, wrapperspb.String(dir)); err != nil {
		return fmt.Errorf("save adapter rpc: %w", err)
	}
	return nil
}

// LoadAdapter restores adapter weights from dir.
func (c *Client) LoadAdapter(ctx context.Context, dir string) error {
	if _, err := c.svc.LoadAdapter(ctx, wrapperspb.String(dir)); err != nil {
		return fmt.Errorf("load adapter rpc: %w", err)
	}
	return nil
}

// SaveTokenizer writes tokenizer state into dir.
func (c *Client) SaveTokenizer(ctx context.Context, dir string) error {
	if _, err := c.svc.SaveTokenizer(ctx, wrapperspb.String(dir)); err != nil {
		return fmt.Errorf("save tokenizer rpc: %w", err)
	}
	return nil
}
// #endregion artifacts

func putNonZero(fields map[string]any, key string, v float64) {
	if v != 0 {
		fields[key] = v
	}
}

func toAnyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
