package tracking

import (
	"database/sql"
	"fmt"
	"time"
)

// #region metric-entry
// MetricEntry is a single row in the metric_log table.
type MetricEntry struct {
	RunID     string
	Step      int
	Key       string
	Value     float64
	CreatedAt time.Time
}

// Point is one step's value of a metric.
type Point struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}
// #endregion metric-entry

// #region log-metric
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// LogMetric writes one metric row. db may be a *sql.DB or *sql.Tx.
func LogMetric(db execer, entry MetricEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(
		`INSERT INTO metric_log (run_id, step, key, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.RunID, entry.Step, entry.Key, entry.Value, entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log metric: %w", err)
	}
	return nil
}
// #endregion log-metric

// #region history
// History returns the values logged for key in step order.
func History(db *sql.DB, runID, key string) ([]Point, error) {
	rows, err := db.Query(
		`SELECT step, value FROM metric_log WHERE run_id = ? AND key = ? ORDER BY step ASC, id ASC`,
		runID, key,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Step, &p.Value); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
// #endregion history
