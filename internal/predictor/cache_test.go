package predictor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache map[string]float64

func (c mapCache) Get(seq string) (float64, bool) {
	v, ok := c[seq]
	return v, ok
}

func (c mapCache) Put(seq string, v float64) error {
	c[seq] = v
	return nil
}

func TestCachingBackend_ThroughGateway(t *testing.T) {
	backend := &fakeBackend{}
	cache := mapCache{}
	c := dialBufconn(t, NewCachingBackend(backend, cache, nil), 3)

	for range 3 {
		score, err := c.Predict(context.Background(), 0, "MKVL")
		require.NoError(t, err)
		assert.Equal(t, 4.0, score)
	}
	assert.Equal(t, 4.0, cache["MKVL"])
	_, called := backend.devices.Load(3)
	assert.True(t, called)
	assert.Equal(t, int32(3), backend.releases.Load(), "scratch is released on every request, cached or not")
}

func TestCachingBackend_FailureNotCached(t *testing.T) {
	cache := mapCache{}
	b := NewCachingBackend(&fakeBackend{fail: true}, cache, nil)

	_, err := b.Predict(context.Background(), 1, "MKV")
	assert.Error(t, err)
	assert.Empty(t, cache)
}
