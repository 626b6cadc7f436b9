package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/danielpatrickdp/enzyme-grpo/internal/cluster"
)

// #region types

// ErrZeroReference is returned when the reference stability is zero and the
// relative change is undefined.
var ErrZeroReference = errors.New("reference stability is zero")

// Predictor is the external stability model. ReleaseScratch frees transient
// memory the model holds on device.
type Predictor interface {
	Predict(ctx context.Context, device int, sequence string) (float64, error)
	ReleaseScratch(ctx context.Context, device int) error
}

// Cache memoizes predicted scores by sequence.
type Cache interface {
	Get(sequence string) (float64, bool)
	Put(sequence string, score float64) error
}

// Result is the outcome of one relative-stability computation. When Err is
// set there is no stability signal and Value is meaningless.
type Result struct {
	Value     float64
	Predicted float64
	Cached    bool
	Err       error
}

// OK reports whether the result carries a stability signal.
func (r Result) OK() bool {
	return r.Err == nil
}

// #endregion types

// #region scorer

// Scorer is the handle through which reward computation reaches the predictor.
// It pins every call to one device, serializes callers, and releases device
// scratch memory after each call.
type Scorer struct {
	mu        sync.Mutex
	predictor Predictor
	device    int
	cache     Cache
	logger    *slog.Logger
}

// New builds a Scorer pinned to device. It fails with cluster.ErrDeviceOverlap
// if device is one of trainingDevices. cache may be nil.
func New(predictor Predictor, device int, trainingDevices []int, cache Cache, logger *slog.Logger) (*Scorer, error) {
	if predictor == nil {
		return nil, errors.New("scorer: nil predictor")
	}
	if cluster.Overlaps(device, trainingDevices) {
		return nil, fmt.Errorf("scorer: %w: device %d", cluster.ErrDeviceOverlap, device)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		predictor: predictor,
		device:    device,
		cache:     cache,
		logger:    logger.With("component", "scorer", "device", device),
	}, nil
}

// Device returns the pinned device.
func (s *Scorer) Device() int {
	return s.device
}

// RelativeStability predicts the candidate's stability and returns
// -(predicted - refStability) / |refStability| * 100. Lower predicted scores
// are more stable, so improvements are positive. Failures never propagate;
// they come back as a Result with Err set.
func (s *Scorer) RelativeStability(ctx context.Context, reference, candidate string, refStability float64) Result {
	if refStability == 0 {
		return Result{Err: ErrZeroReference}
	}

	predicted, cached, err := s.score(ctx, candidate)
	if err != nil {
		s.logger.Warn("stability prediction failed", "candidate_len", len(candidate), "reference_len", len(reference), "error", err)
		return Result{Err: err}
	}

	value := -((predicted - refStability) / math.Abs(refStability)) * 100
	return Result{Value: value, Predicted: predicted, Cached: cached}
}

func (s *Scorer) score(ctx context.Context, seq string) (float64, bool, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(seq); ok {
			return v, true, nil
		}
	}

	v, err := s.predict(ctx, seq)
	if err != nil {
		return 0, false, err
	}

	if s.cache != nil {
		if err := s.cache.Put(seq, v); err != nil {
			s.logger.Warn("score cache put failed", "error", err)
		}
	}
	return v, false, nil
}

func (s *Scorer) predict(ctx context.Context, seq string) (score float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predictor panic: %v", r)
		}
		if rerr := s.predictor.ReleaseScratch(ctx, s.device); rerr != nil {
			s.logger.Warn("release scratch failed", "error", rerr)
		}
	}()

	return s.predictor.Predict(ctx, s.device, seq)
}

// #endregion scorer
