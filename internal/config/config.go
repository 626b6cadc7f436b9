// Package config loads run configuration.
//
// Values are resolved in order: built-in defaults, then an optional YAML file,
// then environment variables. Recognized variables:
//
//	GRPO_RECORDS            path to the keyed record JSON
//	GRPO_STRUCTURES         directory of {key}.pdb structure files
//	GRPO_OUTPUT_DIR         run output directory (checkpoints/, final_model/)
//	GRPO_RESUME_DIR         directory searched for checkpoint-* on start
//	GRPO_POLICY_ADDR        policy worker gRPC address for this rank
//	GRPO_PREDICTOR_ADDR     stability predictor or gateway gRPC address
//	GRPO_UPSTREAM_ADDR      model process the gateway forwards to
//	GRPO_GATEWAY_LISTEN     gateway listen address
//	GRPO_SCORE_CACHE_DIR    badger score cache directory ("" keeps it in memory)
//	GRPO_LEDGER_PATH        SQLite ledger path
//	GRPO_LOG_LEVEL          debug | info | warn | error
//	GRPO_EPOCHS, GRPO_BATCH_SIZE, GRPO_NUM_GENERATIONS, GRPO_CHECKPOINT_EVERY,
//	GRPO_KEEP_CHECKPOINTS, GRPO_MAX_PROMPT_CHARS, GRPO_SCORER_DEVICE, GRPO_SEED
//	RANK, WORLD_SIZE, NUM_DEVICES
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/enzyme-grpo/internal/cluster"
	"github.com/danielpatrickdp/enzyme-grpo/internal/policy"
)

// #region types
// Config is the full run configuration. It is snapshotted into every
// checkpoint's trainer_state.json.
type Config struct {
	Data       DataConfig       `yaml:"data" json:"data"`
	Training   TrainingConfig   `yaml:"training" json:"training"`
	Policy     policy.Params    `yaml:"policy" json:"policy"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
	Cluster    ClusterConfig    `yaml:"cluster" json:"cluster"`
	Services   ServicesConfig   `yaml:"services" json:"services"`
	Ledger     LedgerConfig     `yaml:"ledger" json:"ledger"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

type DataConfig struct {
	Records        string `yaml:"records" json:"records"`
	Structures     string `yaml:"structures" json:"structures"`
	MaxPromptChars int    `yaml:"max_prompt_chars" json:"max_prompt_chars"`
	Seed           int64  `yaml:"seed" json:"seed"`
}

type TrainingConfig struct {
	Epochs         int `yaml:"epochs" json:"epochs"`
	BatchSize      int `yaml:"batch_size" json:"batch_size"`
	NumGenerations int `yaml:"num_generations" json:"num_generations"`
	LogEvery       int `yaml:"log_every" json:"log_every"`
	EvalEvery      int `yaml:"eval_every" json:"eval_every"`
	EvalExamples   int `yaml:"eval_examples" json:"eval_examples"`
}

type CheckpointConfig struct {
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	ResumeDir string `yaml:"resume_dir" json:"resume_dir"`
	Every     int    `yaml:"every" json:"every"`
	Keep      int    `yaml:"keep" json:"keep"`
}

type ClusterConfig struct {
	Rank         int `yaml:"rank" json:"rank"`
	WorldSize    int `yaml:"world_size" json:"world_size"`
	NumDevices   int `yaml:"num_devices" json:"num_devices"`
	ScorerDevice int `yaml:"scorer_device" json:"scorer_device"`
}

type ServicesConfig struct {
	PolicyAddr    string `yaml:"policy_addr" json:"policy_addr"`
	PredictorAddr string `yaml:"predictor_addr" json:"predictor_addr"`
	UpstreamAddr  string `yaml:"upstream_addr" json:"upstream_addr"`
	GatewayListen string `yaml:"gateway_listen" json:"gateway_listen"`
	ScoreCacheDir string `yaml:"score_cache_dir" json:"score_cache_dir"`
}

type LedgerConfig struct {
	Path string `yaml:"path" json:"path"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}
// #endregion types

// #region defaults
// Default returns the configuration of the reference training run.
func Default() Config {
	return Config{
		Data: DataConfig{
			Records:        "data/transformed_brenda.json",
			Structures:     "predicted_structures",
			MaxPromptChars: 5000,
		},
		Training: TrainingConfig{
			Epochs:         5,
			BatchSize:      2,
			NumGenerations: 4,
			LogEvery:       1,
		},
		Policy: policy.Params{
			Temperature:         0.7,
			MaxCompletionTokens: 9192,
			Beta:                0.04,
			LearningRate:        1e-3,
		},
		Checkpoint: CheckpointConfig{
			OutputDir: "grpo_output",
			Every:     100,
			Keep:      5,
		},
		Cluster: ClusterConfig{
			WorldSize:    1,
			NumDevices:   2,
			ScorerDevice: -1,
		},
		Services: ServicesConfig{
			PolicyAddr:    "localhost:50061",
			PredictorAddr: "localhost:50071",
			UpstreamAddr:  "localhost:50081",
			GatewayListen: ":50071",
		},
		Ledger: LedgerConfig{Path: "grpo_ledger.db"},
		Log:    LogConfig{Level: "info"},
	}
}
// #endregion defaults

// #region load
// Load resolves defaults, the YAML file at path (skipped when path is empty)
// and the environment, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"GRPO_RECORDS":         &c.Data.Records,
		"GRPO_STRUCTURES":      &c.Data.Structures,
		"GRPO_OUTPUT_DIR":      &c.Checkpoint.OutputDir,
		"GRPO_RESUME_DIR":      &c.Checkpoint.ResumeDir,
		"GRPO_POLICY_ADDR":     &c.Services.PolicyAddr,
		"GRPO_PREDICTOR_ADDR":  &c.Services.PredictorAddr,
		"GRPO_UPSTREAM_ADDR":   &c.Services.UpstreamAddr,
		"GRPO_GATEWAY_LISTEN":  &c.Services.GatewayListen,
		"GRPO_SCORE_CACHE_DIR": &c.Services.ScoreCacheDir,
		"GRPO_LEDGER_PATH":     &c.Ledger.Path,
		"GRPO_LOG_LEVEL":       &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"GRPO_EPOCHS":           &c.Training.Epochs,
		"GRPO_BATCH_SIZE":       &c.Training.BatchSize,
		"GRPO_NUM_GENERATIONS":  &c.Training.NumGenerations,
		"GRPO_CHECKPOINT_EVERY": &c.Checkpoint.Every,
		"GRPO_KEEP_CHECKPOINTS": &c.Checkpoint.Keep,
		"GRPO_MAX_PROMPT_CHARS": &c.Data.MaxPromptChars,
		"GRPO_SCORER_DEVICE":    &c.Cluster.ScorerDevice,
		"RANK":                  &c.Cluster.Rank,
		"WORLD_SIZE":            &c.Cluster.WorldSize,
		"NUM_DEVICES":           &c.Cluster.NumDevices,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := lookup("GRPO_SEED"); ok && v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("GRPO_SEED: %w", err)
		}
		c.Data.Seed = n
	}
	return nil
}
// #endregion load

// #region validate
// Validate checks ranges and the device layout.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"training.epochs":          c.Training.Epochs,
		"training.batch_size":      c.Training.BatchSize,
		"training.num_generations": c.Training.NumGenerations,
		"checkpoint.every":         c.Checkpoint.Every,
		"data.max_prompt_chars":    c.Data.MaxPromptChars,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", name, v))
		}
	}
	if c.Checkpoint.Keep < 0 {
		errs = append(errs, fmt.Errorf("checkpoint.keep must be >= 0, got %d", c.Checkpoint.Keep))
	}
	if c.Checkpoint.OutputDir == "" {
		errs = append(errs, errors.New("checkpoint.output_dir is required"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if err := c.Topology().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
// #endregion validate

// #region derived
// Topology returns the cluster layout.
func (c Config) Topology() cluster.Topology {
	return cluster.Topology{
		Rank:         c.Cluster.Rank,
		WorldSize:    c.Cluster.WorldSize,
		NumDevices:   c.Cluster.NumDevices,
		ScorerDevice: c.Cluster.ScorerDevice,
	}
}

// CheckpointDir is where cadence and emergency checkpoints are written.
func (c Config) CheckpointDir() string {
	return filepath.Join(c.Checkpoint.OutputDir, "checkpoints")
}

// ResumeDir is searched for the latest checkpoint. It defaults to CheckpointDir.
func (c Config) ResumeDir() string {
	if c.Checkpoint.ResumeDir != "" {
		return c.Checkpoint.ResumeDir
	}
	return c.CheckpointDir()
}
// #endregion derived
