package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/enzyme-grpo/internal/cluster"
	"github.com/danielpatrickdp/enzyme-grpo/internal/ledger"
)

// #region options
// Options configures a Manager. Keep <= 0 disables retention. ExportDir
// receives final_model and defaults to Root.
type Options struct {
	Root      string
	ExportDir string
	Frequency int
	Keep      int
	Role      cluster.Role
	RunID     string
	Config    any
	Recorder  Recorder
	Logger    *slog.Logger
	Clock     func() time.Time
}
// #endregion options

// #region manager
// Manager persists adapter checkpoints for the coordinator. On a worker every
// method is a no-op.
type Manager struct {
	artifacts Artifacts
	opts      Options
	config    json.RawMessage
	logger    *slog.Logger

	mu       sync.Mutex
	saves    atomic.Int64
	failures atomic.Int64
}

// New builds a Manager. The config snapshot is serialized once here.
func New(artifacts Artifacts, opts Options) (*Manager, error) {
	if opts.Frequency <= 0 {
		return nil, fmt.Errorf("checkpoint frequency must be > 0, got %d", opts.Frequency)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ExportDir == "" {
		opts.ExportDir = opts.Root
	}
	var cfg json.RawMessage
	if opts.Config != nil {
		b, err := json.Marshal(opts.Config)
		if err != nil {
			return nil, fmt.Errorf("marshal training config: %w", err)
		}
		cfg = b
	}
	return &Manager{
		artifacts: artifacts,
		opts:      opts,
		config:    cfg,
		logger:    opts.Logger.With("component", "checkpoint"),
	}, nil
}

// Saves and Failures count save attempts by outcome.
func (m *Manager) Saves() int64 { return m.saves.Load() }
func (m *Manager) Failures() int64 { return m.failures.Load() }

// OnStep saves a checkpoint when the step lands on the cadence. It returns the
// checkpoint path, or "" when nothing was written.
func (m *Manager) OnStep(ctx context.Context, p Progress) (string, error) {
	if !m.opts.Role.IsCoordinator() || p.GlobalStep <= 0 || p.GlobalStep%m.opts.Frequency != 0 {
		return "", nil
	}
	return m.Save(ctx, p)
}

// Save writes a cadence checkpoint now and applies retention.
func (m *Manager) Save(ctx context.Context, p Progress) (string, error) {
	if !m.opts.Role.IsCoordinator() {
		return "", nil
	}
	name := fmt.Sprintf("%s%s-step%0*d", Prefix, m.opts.Clock().Format(timeLayout), stepDigits, p.GlobalStep)
	path, err := m.write(ctx, m.opts.Root, name, ledger.KindPeriodic, p)
	if err != nil {
		return "", err
	}
	m.prune()
	return path, nil
}

// OnFatal writes the emergency checkpoint, replacing any previous one. It is
// exempt from retention.
func (m *Manager) OnFatal(ctx context.Context, p Progress) error {
	if !m.opts.Role.IsCoordinator() {
		return nil
	}
	_, err := m.write(ctx, m.opts.Root, EmergencyName, ledger.KindEmergency, p)
	return err
}

// ExportFinal writes the final adapter and tokenizer to final_model.
func (m *Manager) ExportFinal(ctx context.Context, p Progress) (string, error) {
	if !m.opts.Role.IsCoordinator() {
		return "", nil
	}
	return m.write(ctx, m.opts.ExportDir, FinalName, ledger.KindFinal, p)
}

func (m *Manager) write(ctx context.Context, dir, name string, kind ledger.Kind, p Progress) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	final := filepath.Join(dir, name)
	if err := m.stageAndPromote(ctx, dir, name, final, p); err != nil {
		m.failures.Add(1)
		m.logger.Error("checkpoint save failed", "name", name, "step", p.GlobalStep, "error", err)
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	m.saves.Add(1)
	m.logger.Info("checkpoint saved", "path", final, "step", p.GlobalStep, "epoch", p.Epoch)

	if m.opts.Recorder != nil {
		err := m.opts.Recorder.RecordCheckpoint(ledger.CheckpointEntry{
			RunID:      m.opts.RunID,
			Name:       name,
			Path:       final,
			Kind:       kind,
			GlobalStep: p.GlobalStep,
			Epoch:      p.Epoch,
			BestMetric: p.BestMetric,
		})
		if err != nil {
			m.logger.Warn("ledger record failed", "name", name, "error", err)
		}
	}
	return final, nil
}

func (m *Manager) stageAndPromote(ctx context.Context, dir, name, final string, p Progress) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	staged, err := os.MkdirTemp(dir, stagingDir+name+"-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staged)

	adapter := filepath.Join(staged, AdapterDir)
	tokenizer := filepath.Join(staged, TokenizerDir)
	for _, d := range []string{adapter, tokenizer} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	if err := m.artifacts.SaveAdapter(ctx, adapter); err != nil {
		return fmt.Errorf("adapter: %w", err)
	}
	if err := m.artifacts.SaveTokenizer(ctx, tokenizer); err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}

	meta := Metadata{
		GlobalStep:     p.GlobalStep,
		Epoch:          p.Epoch,
		BestMetric:     p.BestMetric,
		TrainingConfig: m.config,
		RunID:          m.opts.RunID,
		SavedAt:        m.opts.Clock().UTC(),
	}
	if err := writeMetadata(filepath.Join(staged, StateFile), meta); err != nil {
		return err
	}
	return promote(staged, final)
}

// promote renames staged into final. An existing final is moved aside first
// and removed only after the new directory is in place.
func promote(staged, final string) error {
	if _, err := os.Stat(final); err == nil {
		old := staged + ".old"
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("move aside %s: %w", final, err)
		}
		if err := os.Rename(staged, final); err != nil {
			_ = os.Rename(old, final)
			return fmt.Errorf("promote: %w", err)
		}
		return os.RemoveAll(old)
	}
	if err := os.Rename(staged, final); err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	return nil
}

func writeMetadata(path string, meta Metadata) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (m *Manager) prune() {
	if m.opts.Keep <= 0 {
		return
	}
	names, err := List(m.opts.Root)
	if err != nil {
		m.logger.Warn("list checkpoints for retention failed", "error", err)
		return
	}
	if len(names) <= m.opts.Keep {
		return
	}
	for _, name := range names[:len(names)-m.opts.Keep] {
		path := filepath.Join(m.opts.Root, name)
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("prune failed", "path", path, "error", err)
			continue
		}
		m.logger.Info("pruned checkpoint", "path", path)
		if m.opts.Recorder != nil {
			if err := m.opts.Recorder.MarkPruned(path); err != nil {
				m.logger.Warn("ledger prune failed", "path", path, "error", err)
			}
		}
	}
}
// #endregion manager
