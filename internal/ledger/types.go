// Package ledger keeps an additive, optional historical record of
// terminal job results across runs: which worker ran a job, how long
// it took, and whether it succeeded. It is not consulted for
// resumability — internal/sessionstore is the sole source of truth for
// that — it exists for cross-run reporting through its ResultsByWorker
// query. The monitor server does not serve that query.
package ledger

import (
	"context"
	"time"
)

// Entry is one terminal job result recorded for historical reporting.
type Entry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	JobID      string    `json:"job_id"`
	Worker     string    `json:"worker"`
	Status     string    `json:"status"`
	DurationMS uint64    `json:"duration_ms"`
	ErrorText  string    `json:"error_text,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// WorkerSummary aggregates an ordered slice of results by worker, the
// ledger analog of the original coordinator's results_by_chapter-style
// grouping query.
type WorkerSummary struct {
	Worker    string  `json:"worker"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	AvgMS     float64 `json:"avg_ms"`
}

// Ledger persists and queries terminal job result history.
type Ledger interface {
	Record(ctx context.Context, entry Entry) error
	ResultsByWorker(ctx context.Context, sessionID string) ([]WorkerSummary, error)
	Close() error
}
