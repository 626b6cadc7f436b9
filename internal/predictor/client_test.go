package predictor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// #region mock
type mockPredictorService struct {
	predictResp *wrapperspb.DoubleValue
	predictErr  error
	releaseErr  error

	lastRequest *structpb.Struct
	lastDevice  int32
}

func (m *mockPredictorService) Predict(_ context.Context, in *structpb.Struct, _ ...grpc.CallOption) (*wrapperspb.DoubleValue, error) {
	m.lastRequest = in
	return m.predictResp, m.predictErr
}

func (m *mockPredictorService) ReleaseScratch(_ context.Context, in *wrapperspb.Int32Value, _ ...grpc.CallOption) (*emptypb.Empty, error) {
	m.lastDevice = in.GetValue()
	return &emptypb.Empty{}, m.releaseErr
}

// #endregion mock

// #region client-tests
func TestNewClient(t *testing.T) {
	c, err := NewClient("localhost:0")
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestPredict_Success(t *testing.T) {
	mock := &mockPredictorService{predictResp: wrapperspb.Double(-98.5)}
	c := NewClientWithService(mock)

	score, err := c.Predict(context.Background(), 7, "MKV")
	require.NoError(t, err)
	assert.Equal(t, -98.5, score)
	assert.Equal(t, "MKV", mock.lastRequest.GetFields()["sequence"].GetStringValue())
	assert.Equal(t, 7.0, mock.lastRequest.GetFields()["device"].GetNumberValue())
}

func TestPredict_Error(t *testing.T) {
	mock := &mockPredictorService{predictErr: errors.New("cuda oom")}
	c := NewClientWithService(mock)

	_, err := c.Predict(context.Background(), 0, "MKV")
	require.Error(t, err)
	assert.ErrorIs(t, err, mock.predictErr)
}

func TestReleaseScratch(t *testing.T) {
	mock := &mockPredictorService{}
	c := NewClientWithService(mock)
	require.NoError(t, c.ReleaseScratch(context.Background(), 3))
	assert.Equal(t, int32(3), mock.lastDevice)

	mock.releaseErr = errors.New("busy")
	assert.ErrorIs(t, c.ReleaseScratch(context.Background(), 3), mock.releaseErr)
}

// #endregion client-tests

// #region server-tests
type fakeBackend struct {
	inflight    atomic.Int32
	maxInflight atomic.Int32
	releases    atomic.Int32
	devices     sync.Map
	fail        bool
	panics      bool
}

func (b *fakeBackend) Predict(_ context.Context, device int, seq string) (float64, error) {
	n := b.inflight.Add(1)
	defer b.inflight.Add(-1)
	for {
		old := b.maxInflight.Load()
		if n <= old || b.maxInflight.CompareAndSwap(old, n) {
			break
		}
	}
	b.devices.Store(device, true)
	if b.panics {
		panic("kernel fault")
	}
	if b.fail {
		return 0, errors.New("predictor failed")
	}
	return float64(len(seq)), nil
}

func (b *fakeBackend) ReleaseScratch(context.Context, int) error {
	b.releases.Add(1)
	return nil
}

func dialBufconn(t *testing.T, backend Backend, device int) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, NewServer(backend, device, nil))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClientWithConn(conn)
}

func TestServer_RoundTripPinsDevice(t *testing.T) {
	backend := &fakeBackend{}
	c := dialBufconn(t, backend, 7)

	score, err := c.Predict(context.Background(), 0, "MKVL")
	require.NoError(t, err)
	assert.Equal(t, 4.0, score)

	_, onRequested := backend.devices.Load(0)
	_, onPinned := backend.devices.Load(7)
	assert.False(t, onRequested, "request device must be ignored")
	assert.True(t, onPinned)
	assert.Equal(t, int32(1), backend.releases.Load())
}

func TestServer_SerializesConcurrentCallers(t *testing.T) {
	backend := &fakeBackend{}
	c := dialBufconn(t, backend, 1)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Predict(context.Background(), 0, "MKV")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), backend.maxInflight.Load())
	assert.Equal(t, int32(16), backend.releases.Load())
}

func TestServer_ReleasesOnFailureAndPanic(t *testing.T) {
	backend := &fakeBackend{fail: true}
	c := dialBufconn(t, backend, 1)
	_, err := c.Predict(context.Background(), 1, "MKV")
	require.Error(t, err)
	assert.Equal(t, int32(1), backend.releases.Load())

	panicky := &fakeBackend{panics: true}
	c = dialBufconn(t, panicky, 1)
	_, err = c.Predict(context.Background(), 1, "MKV")
	require.Error(t, err)
	assert.Equal(t, int32(1), panicky.releases.Load())
}

func TestServer_RejectsEmptySequence(t *testing.T) {
	c := dialBufconn(t, &fakeBackend{}, 1)
	_, err := c.Predict(context.Background(), 1, "")
	require.Error(t, err)
}

// #endregion server-tests
