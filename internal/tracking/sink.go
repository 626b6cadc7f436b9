package tracking

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/danielpatrickdp/enzyme-grpo/internal/cluster"
)

// EvalPrefix is prepended to every key logged through LogEval.
const EvalPrefix = "eval/"

// #region sink
// Sink receives step-keyed metric maps.
type Sink interface {
	Log(step int, metrics map[string]float64) error
	LogEval(step int, metrics map[string]float64) error
}

// ForRole returns sink for the coordinator and a no-op sink for workers.
func ForRole(role cluster.Role, sink Sink) Sink {
	if !role.IsCoordinator() || sink == nil {
		return Nop{}
	}
	return sink
}

// Nop drops everything.
type Nop struct{}

func (Nop) Log(int, map[string]float64) error { return nil }
func (Nop) LogEval(int, map[string]float64) error { return nil }
// #endregion sink

// #region sql-sink
// SQLSink writes metrics to the metric_log table and mirrors a summary line
// to the logger. NaN and infinite values are not stored; they appear in the
// log line and a warning, and the rest of the step is written.
type SQLSink struct {
	db     *sql.DB
	runID  string
	logger *slog.Logger
}

// NewSQLSink writes rows for runID into db, which must carry the ledger schema.
func NewSQLSink(db *sql.DB, runID string, logger *slog.Logger) *SQLSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLSink{db: db, runID: runID, logger: logger.With("component", "tracking")}
}

func (s *SQLSink) Log(step int, metrics map[string]float64) error {
	return s.write(step, "", metrics)
}

func (s *SQLSink) LogEval(step int, metrics map[string]float64) error {
	return s.write(step, EvalPrefix, metrics)
}

func (s *SQLSink) write(step int, prefix string, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	now := time.Now().UTC()
	keys := sortedKeys(metrics)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if v := metrics[k]; math.IsNaN(v) || math.IsInf(v, 0) {
			s.logger.Warn("non-finite metric not stored", "step", step, "key", withPrefix(prefix, k), "value", v)
			continue
		}
		if err := LogMetric(tx, MetricEntry{
			RunID:     s.runID,
			Step:      step,
			Key:       withPrefix(prefix, k),
			Value:     metrics[k],
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	attrs := make([]any, 0, 2*len(keys)+2)
	attrs = append(attrs, "step", step)
	for _, k := range keys {
		attrs = append(attrs, withPrefix(prefix, k), metrics[k])
	}
	s.logger.Info("metrics", attrs...)
	return nil
}

func withPrefix(prefix, key string) string {
	if prefix == "" || strings.HasPrefix(key, prefix) {
		return key
	}
	return prefix + key
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
// #endregion sql-sink
