package ledger

import "time"

// #region run
// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is a row in the runs table.
type Run struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     Status     `json:"status"`
	WorldSize  int        `json:"world_size"`
	Config     string     `json:"-"`
	Error      string     `json:"error,omitempty"`
}
// #endregion run

// #region checkpoint-entry
// Kind distinguishes cadence checkpoints from the emergency and final exports.
type Kind string

const (
	KindPeriodic  Kind = "periodic"
	KindEmergency Kind = "emergency"
	KindFinal     Kind = "final"
)

// CheckpointEntry is a row in the checkpoints table.
type CheckpointEntry struct {
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Kind       Kind      `json:"kind"`
	GlobalStep int       `json:"global_step"`
	Epoch      float64   `json:"epoch"`
	BestMetric *float64  `json:"best_metric,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Pruned     bool      `json:"pruned"`
}
// #endregion checkpoint-entry
