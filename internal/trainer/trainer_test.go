package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/enzyme-grpo/internal/checkpoint"
	"github.com/danielpatrickdp/enzyme-grpo/internal/cluster"
	"github.com/danielpatrickdp/enzyme-grpo/internal/dataset"
	"github.com/danielpatrickdp/enzyme-grpo/internal/policy"
	"github.com/danielpatrickdp/enzyme-grpo/internal/reward"
	"github.com/danielpatrickdp/enzyme-grpo/internal/scorer"
)

// #region fakes
type fakePolicy struct {
	mu          sync.Mutex
	completion  string
	generates   int
	steps       []policy.StepRequest
	loaded      []string
	failStepAt  int
	panicOnGen  bool
	cancelAfter int
	cancel      context.CancelFunc
}

func (p *fakePolicy) Generate(_ context.Context, prompts []string, n int) ([][]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generates++
	if p.panicOnGen {
		panic("worker crashed")
	}
	out := make([][]string, len(prompts))
	for i := range prompts {
		for j := 0; j < n; j++ {
			out[i] = append(out[i], p.completion)
		}
	}
	return out, nil
}

func (p *fakePolicy) Step(_ context.Context, r policy.StepRequest) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, r)
	if p.failStepAt > 0 && r.GlobalStep == p.failStepAt {
		return nil, errors.New("nccl timeout")
	}
	if p.cancel != nil && len(p.steps) == p.cancelAfter {
		p.cancel()
	}
	return map[string]float64{"loss": 0.5}, nil
}

func (p *fakePolicy) SaveAdapter(_ context.Context, dir string) error {
	return os.WriteFile(filepath.Join(dir, "adapter_model.safetensors"), []byte("w"), 0o644)
}

func (p *fakePolicy) SaveTokenizer(_ context.Context, dir string) error {
	return os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("{}"), 0o644)
}

func (p *fakePolicy) LoadAdapter(_ context.Context, dir string) error {
	p.loaded = append(p.loaded, dir)
	return nil
}

type constScorer struct{ value float64 }

func (s constScorer) RelativeStability(context.Context, string, string, float64) scorer.Result {
	return scorer.Result{Value: s.value}
}

type recordingSink struct {
	logs  map[int]map[string]float64
	evals map[int]map[string]float64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{logs: map[int]map[string]float64{}, evals: map[int]map[string]float64{}}
}

func (s *recordingSink) Log(step int, m map[string]float64) error {
	s.logs[step] = m
	return nil
}

func (s *recordingSink) LogEval(step int, m map[string]float64) error {
	s.evals[step] = m
	return nil
}

type failingCheckpointer struct {
	fatal   int
	exports int
}

func (f *failingCheckpointer) OnStep(context.Context, checkpoint.Progress) (string, error) {
	return "", errors.New("disk full")
}

func (f *failingCheckpointer) OnFatal(context.Context, checkpoint.Progress) error {
	f.fatal++
	return nil
}

func (f *failingCheckpointer) ExportFinal(context.Context, checkpoint.Progress) (string, error) {
	f.exports++
	return "", nil
}

func corpus(n int) []dataset.Example {
	out := make([]dataset.Example, n)
	for i := range out {
		out[i] = dataset.Example{
			Key:                string(rune('A' + i)),
			Prompt:             "prompt " + string(rune('A'+i)),
			ReferenceSequence:  "MKVLA",
			ReferenceStability: -100,
		}
	}
	return out
}

func tickingClock() func() time.Time {
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

type harness struct {
	out    string
	policy *fakePolicy
	ckpt   *checkpoint.Manager
	sink   *recordingSink
}

func newHarness(t *testing.T, role cluster.Role, every int) *harness {
	t.Helper()
	out := t.TempDir()
	pol := &fakePolicy{completion: "\\boxed{MKVLA}"}
	ck, err := checkpoint.New(pol, checkpoint.Options{
		Root:      filepath.Join(out, "checkpoints"),
		ExportDir: out,
		Frequency: every,
		Keep:      5,
		Role:      role,
		Clock:     tickingClock(),
	})
	require.NoError(t, err)
	return &harness{out: out, policy: pol, ckpt: ck, sink: newRecordingSink()}
}

func (h *harness) trainer(examples []dataset.Example, opts Options) *Trainer {
	agg := reward.NewAggregator(constScorer{value: 5}, nil)
	if opts.Epochs == 0 {
		opts.Epochs = 2
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 2
	}
	if opts.NumGenerations == 0 {
		opts.NumGenerations = 4
	}
	if opts.ResumeDir == "" {
		opts.ResumeDir = filepath.Join(h.out, "checkpoints")
	}
	return New(examples, h.policy, agg, h.ckpt, h.sink, opts)
}
// #endregion fakes

func TestRun_CompletesAndExports(t *testing.T) {
	h := newHarness(t, cluster.RoleCoordinator, 2)
	tr := h.trainer(corpus(3), Options{})

	require.NoError(t, tr.Run(context.Background()))

	// 3 examples, batch 2 -> 2 steps per epoch, 2 epochs.
	assert.Equal(t, 4, tr.Progress().GlobalStep)
	assert.Equal(t, 2.0, tr.Progress().Epoch)
	require.Len(t, h.policy.steps, 4)

	first := h.policy.steps[0]
	assert.Equal(t, 1, first.GlobalStep)
	require.Len(t, first.Rewards, len(first.Prompts))
	for i := range first.Rewards {
		assert.Len(t, first.Rewards[i], 4)
		assert.Len(t, first.Completions[i], 4)
		assert.InDelta(t, 1.6, first.Rewards[i][0], 1e-9)
	}

	assert.Len(t, h.sink.logs, 4)
	assert.InDelta(t, 1.6, h.sink.logs[4]["reward"], 1e-9)
	assert.Equal(t, 0.5, h.sink.logs[4]["loss"])
	require.NotNil(t, tr.Progress().BestMetric)

	names, err := checkpoint.List(filepath.Join(h.out, "checkpoints"))
	require.NoError(t, err)
	assert.Len(t, names, 2, "saved at steps 2 and 4")
	assert.DirExists(t, filepath.Join(h.out, checkpoint.FinalName, checkpoint.AdapterDir))
}

func TestRun_ResumesFromLatest(t *testing.T) {
	h := newHarness(t, cluster.RoleCoordinator, 100)
	best := 0.9
	_, err := h.ckpt.Save(context.Background(), checkpoint.Progress{GlobalStep: 3, Epoch: 1.5, BestMetric: &best})
	require.NoError(t, err)

	tr := h.trainer(corpus(3), Options{})
	require.NoError(t, tr.Run(context.Background()))

	require.Len(t, h.policy.loaded, 1)
	assert.Equal(t, checkpoint.AdapterDir, filepath.Base(h.policy.loaded[0]))
	require.Len(t, h.policy.steps, 1, "only the step after the checkpoint runs")
	assert.Equal(t, 4, h.policy.steps[0].GlobalStep)
	assert.Equal(t, 4, tr.Progress().GlobalStep)
	assert.InDelta(t, 1.6, *tr.Progress().BestMetric, 1e-9)
}

func TestRun_FatalStepSavesEmergencyOnce(t *testing.T) {
	h := newHarness(t, cluster.RoleCoordinator, 100)
	h.policy.failStepAt = 3
	tr := h.trainer(corpus(3), Options{})

	err := tr.Run(context.Background())
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 2, fe.GlobalStep)
	assert.NoError(t, fe.EmergencyErr)
	assert.ErrorContains(t, err, "nccl timeout")

	meta, err := checkpoint.LoadMetadata(filepath.Join(h.out, "checkpoints", checkpoint.EmergencyName))
	require.NoError(t, err)
	assert.Equal(t, 2, meta.GlobalStep)
	assert.NoDirExists(t, filepath.Join(h.out, checkpoint.FinalName))
	assert.Equal(t, int64(1), h.ckpt.Saves())
}

func TestRun_PanicIsFatal(t *testing.T) {
	h := newHarness(t, cluster.RoleCoordinator, 100)
	h.policy.panicOnGen = true
	tr := h.trainer(corpus(2), Options{})

	var err error
	require.NotPanics(t, func() { err = tr.Run(context.Background()) })
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.ErrorContains(t, err, "worker crashed")
	assert.DirExists(t, filepath.Join(h.out, "checkpoints", checkpoint.EmergencyName))
}

func TestRun_CancelledStillSavesEmergency(t *testing.T) {
	h := newHarness(t, cluster.RoleCoordinator, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.policy.cancel = cancel
	h.policy.cancelAfter = 1

	err := h.trainer(corpus(3), Options{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.DirExists(t, filepath.Join(h.out, "checkpoints", checkpoint.EmergencyName))
}

func TestRun_CheckpointFailureDoesNotStopTraining(t *testing.T) {
	pol := &fakePolicy{completion: "none"}
	ck := &failingCheckpointer{}
	sink := newRecordingSink()
	tr := New(corpus(2), pol, reward.NewAggregator(constScorer{}, nil), ck, sink, Options{
		Epochs: 1, BatchSize: 1, NumGenerations: 2,
	})

	require.NoError(t, tr.Run(context.Background()))
	assert.Len(t, pol.steps, 2)
	assert.Equal(t, 0, ck.fatal)
	assert.Equal(t, 1, ck.exports)
	assert.Equal(t, 1.0, sink.logs[2]["checkpoint_failures"])
}

func TestRun_WorkerWritesNothing(t *testing.T) {
	h := newHarness(t, cluster.RoleWorker, 1)
	tr := h.trainer(corpus(4), Options{Rank: 1, WorldSize: 2})

	require.NoError(t, tr.Run(context.Background()))
	// 4 examples over 2 ranks at batch 2 is one step per epoch.
	assert.Equal(t, 2, tr.Progress().GlobalStep)

	des, err := os.ReadDir(h.out)
	require.NoError(t, err)
	assert.Empty(t, des)
}

func TestRun_EvalLogsPrefixedByCaller(t *testing.T) {
	h := newHarness(t, cluster.RoleCoordinator, 100)
	tr := h.trainer(corpus(2), Options{Epochs: 1, BatchSize: 1, EvalEvery: 2, Eval: corpus(1)})

	require.NoError(t, tr.Run(context.Background()))
	require.Contains(t, h.sink.evals, 2)
	assert.InDelta(t, 1.6, h.sink.evals[2]["reward"], 1e-9)
}

func TestRun_EmptyCorpus(t *testing.T) {
	h := newHarness(t, cluster.RoleCoordinator, 1)
	assert.ErrorIs(t, h.trainer(nil, Options{}).Run(context.Background()), ErrEmptyCorpus)
}
