package scorer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/enzyme-grpo/internal/cluster"
)

type stubPredictor struct {
	score    float64
	err      error
	panics   bool
	calls    atomic.Int32
	releases atomic.Int32
	devices  []int
	mu       sync.Mutex
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (p *stubPredictor) Predict(_ context.Context, device int, _ string) (float64, error) {
	if p.inflight.Add(1) > 1 {
		p.overlap.Store(true)
	}
	defer p.inflight.Add(-1)
	p.calls.Add(1)
	p.mu.Lock()
	p.devices = append(p.devices, device)
	p.mu.Unlock()
	if p.panics {
		panic("device lost")
	}
	return p.score, p.err
}

func (p *stubPredictor) ReleaseScratch(context.Context, int) error {
	p.releases.Add(1)
	return nil
}

func TestNew_RejectsTrainingDevice(t *testing.T) {
	_, err := New(&stubPredictor{}, 2, []int{0, 1, 2}, nil, nil)
	assert.ErrorIs(t, err, cluster.ErrDeviceOverlap)
}

func TestRelativeStability_Formula(t *testing.T) {
	p := &stubPredictor{score: -110}
	s, err := New(p, 7, []int{0, 1}, nil, nil)
	require.NoError(t, err)

	res := s.RelativeStability(context.Background(), "MKV", "MKL", -100)
	require.True(t, res.OK())
	// -((-110 - -100) / 100) * 100 = 10
	assert.InDelta(t, 10.0, res.Value, 1e-9)
	assert.Equal(t, []int{7}, p.devices)
	assert.Equal(t, int32(1), p.releases.Load())
}

func TestRelativeStability_WorseIsNegative(t *testing.T) {
	s, err := New(&stubPredictor{score: 50}, 1, []int{0}, nil, nil)
	require.NoError(t, err)
	res := s.RelativeStability(context.Background(), "A", "B", 40)
	require.True(t, res.OK())
	assert.InDelta(t, -25.0, res.Value, 1e-9)
}

func TestRelativeStability_ZeroReference(t *testing.T) {
	p := &stubPredictor{score: 1}
	s, err := New(p, 1, []int{0}, nil, nil)
	require.NoError(t, err)

	res := s.RelativeStability(context.Background(), "A", "B", 0)
	assert.ErrorIs(t, res.Err, ErrZeroReference)
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestRelativeStability_PredictorErrorReleases(t *testing.T) {
	p := &stubPredictor{err: errors.New("boom")}
	s, err := New(p, 1, []int{0}, nil, nil)
	require.NoError(t, err)

	res := s.RelativeStability(context.Background(), "A", "B", 10)
	assert.False(t, res.OK())
	assert.Equal(t, int32(1), p.releases.Load())
}

func TestRelativeStability_PredictorPanicContained(t *testing.T) {
	p := &stubPredictor{panics: true}
	s, err := New(p, 1, []int{0}, nil, nil)
	require.NoError(t, err)

	var res Result
	require.NotPanics(t, func() {
		res = s.RelativeStability(context.Background(), "A", "B", 10)
	})
	assert.Error(t, res.Err)
	assert.Equal(t, int32(1), p.releases.Load())
}

func TestRelativeStability_UsesCache(t *testing.T) {
	p := &stubPredictor{score: 5}
	cache := NewMemoryCache()
	s, err := New(p, 1, []int{0}, cache, nil)
	require.NoError(t, err)

	first := s.RelativeStability(context.Background(), "A", "MKV", 10)
	second := s.RelativeStability(context.Background(), "A", "MKV", 20)
	require.True(t, first.OK())
	require.True(t, second.OK())

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.InDelta(t, 75.0, second.Value, 1e-9)
	assert.Equal(t, 1, cache.Len())
}

func TestRelativeStability_FailuresNotCached(t *testing.T) {
	p := &stubPredictor{err: errors.New("boom")}
	cache := NewMemoryCache()
	s, err := New(p, 1, []int{0}, cache, nil)
	require.NoError(t, err)

	s.RelativeStability(context.Background(), "A", "MKV", 10)
	assert.Equal(t, 0, cache.Len())
}

func TestRelativeStability_SerializesCallers(t *testing.T) {
	p := &stubPredictor{score: 1}
	s, err := New(p, 1, []int{0}, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RelativeStability(context.Background(), "A", "B", 2)
		}()
	}
	wg.Wait()

	assert.False(t, p.overlap.Load(), "predictor must never see concurrent calls")
	assert.Equal(t, int32(32), p.calls.Load())
	assert.Equal(t, int32(32), p.releases.Load())
}
