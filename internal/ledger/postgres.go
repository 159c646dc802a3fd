package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists job result history in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_results (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			worker TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error_text TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_session_worker ON job_results (session_id, worker);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO job_results (id, session_id, job_id, worker, status, duration_ms, error_text, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID,
		entry.SessionID,
		entry.JobID,
		entry.Worker,
		entry.Status,
		entry.DurationMS,
		entry.ErrorText,
		entry.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger: record entry: %w", err)
	}
	return nil
}

func (p *Postgres) ResultsByWorker(ctx context.Context, sessionID string) ([]WorkerSummary, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT worker,
		        count(*) FILTER (WHERE status = 'completed') AS completed,
		        count(*) FILTER (WHERE status != 'completed') AS failed,
		        coalesce(avg(duration_ms) FILTER (WHERE status = 'completed'), 0) AS avg_ms
		   FROM job_results
		  WHERE session_id = $1
		  GROUP BY worker
		  ORDER BY worker`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: query results by worker: %w", err)
	}
	defer rows.Close()

	var summaries []WorkerSummary
	for rows.Next() {
		var s WorkerSummary
		if err := rows.Scan(&s.Worker, &s.Completed, &s.Failed, &s.AvgMS); err != nil {
			return nil, fmt.Errorf("ledger: scan worker summary row: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate worker summary rows: %w", err)
	}
	return summaries, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
