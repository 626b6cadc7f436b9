package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/danielpatrickdp/enzyme-grpo/internal/ledger"
)

// #region layout
const (
	Prefix        = "checkpoint-"
	EmergencyName = "emergency-checkpoint"
	FinalName     = "final_model"
	AdapterDir    = "adapter"
	TokenizerDir  = "tokenizer"
	StateFile     = "trainer_state.json"

	// Names sort by save time, then by step within the same second.
	timeLayout = "20060102-150405"
	stepDigits = 10
	stagingDir = ".staging-"
)

// ErrNoCheckpoint is returned by Latest when the directory holds no checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint found")
// #endregion layout

// #region types
// Artifacts writes the trainable state. Only adapter weights are saved, never
// the frozen base model.
type Artifacts interface {
	SaveAdapter(ctx context.Context, dir string) error
	SaveTokenizer(ctx context.Context, dir string) error
}

// Recorder is told about every checkpoint written or pruned. *ledger.Store
// satisfies it.
type Recorder interface {
	RecordCheckpoint(e ledger.CheckpointEntry) error
	MarkPruned(path string) error
}

// Progress is the training position at the time of a save.
type Progress struct {
	GlobalStep int
	Epoch      float64
	BestMetric *float64
}

// Metadata is the content of trainer_state.json.
type Metadata struct {
	GlobalStep     int             `json:"global_step"`
	Epoch          float64         `json:"epoch"`
	BestMetric     *float64        `json:"best_metric"`
	TrainingConfig json.RawMessage `json:"training_config,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	SavedAt        time.Time       `json:"saved_at"`
}

// Progress returns the training position recorded in m.
func (m Metadata) Progress() Progress {
	return Progress{GlobalStep: m.GlobalStep, Epoch: m.Epoch, BestMetric: m.BestMetric}
}
// #endregion types
