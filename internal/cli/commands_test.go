package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/enzyme-grpo/internal/checkpoint"
	"github.com/danielpatrickdp/enzyme-grpo/internal/ledger"
	"github.com/danielpatrickdp/enzyme-grpo/internal/replay"
	"github.com/danielpatrickdp/enzyme-grpo/internal/tracking"
)

// #region fixtures

type workspace struct {
	dir    string
	config string
}

func (w workspace) path(parts ...string) string {
	return filepath.Join(append([]string{w.dir}, parts...)...)
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	w := workspace{dir: dir, config: filepath.Join(dir, "run.yaml")}

	records := map[string]any{
		"E1": map[string]any{"name": "Lipase", "sequence": "MKVLA", "orig_stab": -10.0},
		"E2": map[string]any{"name": "Broken", "orig_stab": -5.0},
		"E3": map[string]any{"name": "NoStructure", "sequence": "MKV", "orig_stab": -1.0},
		"E4": map[string]any{"name": "NoStability", "sequence": "MKV", "orig_stab": nil},
	}
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.path("records.json"), data, 0o644))

	require.NoError(t, os.MkdirAll(w.path("structures"), 0o755))
	for _, k := range []string{"E1", "E2", "E4"} {
		require.NoError(t, os.WriteFile(w.path("structures", k+".pdb"), []byte("ATOM"), 0o644))
	}

	cfg := fmt.Sprintf(`
data:
  records: %s
  structures: %s
checkpoint:
  output_dir: %s
ledger:
  path: %s
log:
  level: error
`, w.path("records.json"), w.path("structures"), w.path("out"), w.path("ledger.db"))
	require.NoError(t, os.WriteFile(w.config, []byte(cfg), 0o644))
	return w
}

func copyFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "replay", "testdata", "rescore_session.json"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// #endregion fixtures

// #region corpus

func TestCorpusCommand_JSON(t *testing.T) {
	w := newWorkspace(t)
	out, err := runCLI(t, "corpus", "--config", w.config, "--format", "json")
	require.NoError(t, err)

	var report CorpusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 4, report.Source.Total)
	assert.Equal(t, 1, report.Source.MissingStructure)
	assert.Equal(t, 1, report.Source.MissingStability)
	assert.Equal(t, 2, report.Corpus.Total)
	assert.Equal(t, 1, report.Corpus.Malformed)
	assert.Equal(t, 1, report.Corpus.Rejects["sequence"])
	assert.Equal(t, 1, report.Corpus.Kept)
}

func TestCorpusCommand_Text(t *testing.T) {
	w := newWorkspace(t)
	out, err := runCLI(t, "corpus", "--config", w.config)
	require.NoError(t, err)
	assert.Contains(t, out, "Kept:                1")
	assert.Contains(t, out, "Prompt length (chars)")
	assert.Contains(t, out, "sequence")
}

// #endregion corpus

// #region ledger

func TestCheckpointsCommand(t *testing.T) {
	w := newWorkspace(t)

	store, err := ledger.Open(w.path("ledger.db"))
	require.NoError(t, err)
	run, err := store.StartRun(2, `{}`)
	require.NoError(t, err)
	best := 1.25
	ckDir := w.path("out", "checkpoints", "checkpoint-20250301-120000-step0000000100")
	require.NoError(t, store.RecordCheckpoint(ledger.CheckpointEntry{
		RunID: run.RunID, Name: filepath.Base(ckDir), Path: ckDir, Kind: ledger.KindPeriodic, GlobalStep: 100, Epoch: 0.5, BestMetric: &best,
	}))
	require.NoError(t, store.Close())

	require.NoError(t, os.MkdirAll(ckDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ckDir, checkpoint.StateFile), []byte(`{"global_step":100,"epoch":0.5}`), 0o644))

	out, err := runCLI(t, "checkpoints", "--config", w.config)
	require.NoError(t, err)
	assert.Contains(t, out, run.RunID)
	assert.Contains(t, out, "checkpoint-20250301-120000-step0000000100")
	assert.Contains(t, out, "1.2500")
	assert.Contains(t, out, "resumes from "+ckDir+" (step 100)")

	out, err = runCLI(t, "checkpoints", "--config", w.config, "--format", "json")
	require.NoError(t, err)
	var report CheckpointsReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotNil(t, report.Run)
	assert.Equal(t, 2, report.Run.WorldSize)
	require.Len(t, report.Checkpoints, 1)
	assert.Equal(t, 100, report.ResumeStep)
}

func TestCheckpointsCommand_UnknownRun(t *testing.T) {
	w := newWorkspace(t)
	_, err := runCLI(t, "checkpoints", "--config", w.config, "--run", "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrUnknownRun)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCheckpointsCommand_Empty(t *testing.T) {
	w := newWorkspace(t)
	out, err := runCLI(t, "checkpoints", "--config", w.config)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
	assert.Contains(t, out, "No checkpoint to resume from.")
}

func TestMetricsCommand(t *testing.T) {
	w := newWorkspace(t)
	store, err := ledger.Open(w.path("ledger.db"))
	require.NoError(t, err)
	run, err := store.StartRun(1, "")
	require.NoError(t, err)
	sink := tracking.NewSQLSink(store.DB(), run.RunID, nil)
	require.NoError(t, sink.Log(1, map[string]float64{"reward": 0.5}))
	require.NoError(t, sink.Log(2, map[string]float64{"reward": 0.75}))
	require.NoError(t, sink.LogEval(2, map[string]float64{"reward": 0.25}))
	require.NoError(t, store.Close())

	out, err := runCLI(t, "metrics", "--config", w.config, "--format", "json")
	require.NoError(t, err)
	var points []tracking.Point
	require.NoError(t, json.Unmarshal([]byte(out), &points))
	assert.Equal(t, []tracking.Point{{Step: 1, Value: 0.5}, {Step: 2, Value: 0.75}}, points)

	out, err = runCLI(t, "metrics", "--config", w.config, "--key", "eval/reward")
	require.NoError(t, err)
	assert.Contains(t, out, "0.250000")
}

func TestMetricsCommand_NoRuns(t *testing.T) {
	w := newWorkspace(t)
	_, err := runCLI(t, "metrics", "--config", w.config)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// #endregion ledger

// #region rescore

func TestRescoreCommand_Matches(t *testing.T) {
	w := newWorkspace(t)
	out, err := runCLI(t, "rescore", copyFixture(t), "--config", w.config)
	require.NoError(t, err)
	assert.Contains(t, out, "Summary: 5 total, 4 checked, 4 match, 0 diverge")
	assert.Contains(t, out, "g0-c4")
}

func TestRescoreCommand_DivergenceExitsOne(t *testing.T) {
	w := newWorkspace(t)
	path := copyFixture(t)
	f, err := replay.LoadFixture(path)
	require.NoError(t, err)
	wrong := 1.9
	f.Samples[1].ExpectedReward = &wrong
	require.NoError(t, replay.WriteFixture(path, f))

	out, err := runCLI(t, "rescore", path, "--config", w.config)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "DIFF")
}

func TestRescoreCommand_Update(t *testing.T) {
	w := newWorkspace(t)
	path := copyFixture(t)
	_, err := runCLI(t, "rescore", path, "--config", w.config, "--update")
	require.NoError(t, err)

	f, err := replay.LoadFixture(path)
	require.NoError(t, err)
	for _, s := range f.Samples {
		assert.NotNil(t, s.ExpectedReward, s.ID)
	}
	assert.InDelta(t, 0.3, *f.Samples[4].ExpectedReward, 1e-12)
}

func TestRescoreCommand_JSON(t *testing.T) {
	w := newWorkspace(t)
	out, err := runCLI(t, "rescore", copyFixture(t), "--config", w.config, "--format", "json")
	require.NoError(t, err)

	var report RescoreReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Results, 5)
	assert.Equal(t, 4, report.Summary.Matches)
	require.NotNil(t, report.Results[0].Stability)
	assert.InDelta(t, 10.0, *report.Results[0].Stability, 1e-9)
	assert.Contains(t, report.Results[3].Error, "no recorded prediction")
	assert.Nil(t, report.Results[2].Stability)
}

func TestRescoreCommand_MissingFixture(t *testing.T) {
	_, err := runCLI(t, "rescore", filepath.Join(t.TempDir(), "none.json"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// #endregion rescore
