package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemory is a process-local Ledger for local/dev use.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string][]Entry)}
}

func (l *InMemory) Record(_ context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	l.entries[entry.SessionID] = append(l.entries[entry.SessionID], entry)
	return nil
}

func (l *InMemory) ResultsByWorker(_ context.Context, sessionID string) ([]WorkerSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	type totals struct {
		completed  int
		failed     int
		durationMS uint64
	}
	byWorker := make(map[string]*totals)
	order := make([]string, 0)

	for _, e := range l.entries[sessionID] {
		t, ok := byWorker[e.Worker]
		if !ok {
			t = &totals{}
			byWorker[e.Worker] = t
			order = append(order, e.Worker)
		}
		if e.Status == "completed" {
			t.completed++
			t.durationMS += e.DurationMS
		} else {
			t.failed++
		}
	}

	summaries := make([]WorkerSummary, 0, len(order))
	for _, worker := range order {
		t := byWorker[worker]
		var avg float64
		if t.completed > 0 {
			avg = float64(t.durationMS) / float64(t.completed)
		}
		summaries = append(summaries, WorkerSummary{
			Worker:    worker,
			Completed: t.completed,
			Failed:    t.failed,
			AvgMS:     avg,
		})
	}
	return summaries, nil
}

func (l *InMemory) Close() error { return nil }
