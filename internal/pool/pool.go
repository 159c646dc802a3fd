// Package pool manages the collection of worker handles for one run:
// connecting them, reporting readiness, and picking the most-preferred
// eligible worker for a new job.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aarons-labs/gena-coordinator/internal/observability"
	"github.com/aarons-labs/gena-coordinator/internal/poolconfig"
	"github.com/aarons-labs/gena-coordinator/internal/transport"
	"github.com/aarons-labs/gena-coordinator/internal/worker"
)

// TransportFactory builds a transport for a worker's configured
// endpoint. Production code passes a factory that shells out to
// ssh/sftp; tests pass one that returns faketransport.Transport
// instances.
type TransportFactory func(cfg poolconfig.Worker, defaults poolconfig.Defaults) transport.Transport

// Pool is the set of worker handles for one run.
type Pool struct {
	defaults poolconfig.Defaults
	workers  []*worker.Handle

	metrics *observability.Metrics

	mu             sync.Mutex
	uploadedVoices map[string]map[string]struct{} // worker name -> set of hashes
}

// SetMetrics attaches a metrics sink. Optional: a nil sink (the
// default) is a no-op at every call site.
func (p *Pool) SetMetrics(m *observability.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// New builds a pool from a workers-config document and a transport
// factory, constructing a handle per worker.
func New(cfg poolconfig.Config, transports TransportFactory, workerCmd string) *Pool {
	return newFromWorkers(cfg.Defaults, cfg.Workers, transports, workerCmd)
}

// NewSubset builds a pool from only the named workers in the config,
// preserving the given name order. Unknown names are skipped.
func NewSubset(cfg poolconfig.Config, names []string, transports TransportFactory, workerCmd string) *Pool {
	return newFromWorkers(cfg.Defaults, cfg.Subset(names), transports, workerCmd)
}

func newFromWorkers(defaults poolconfig.Defaults, workers []poolconfig.Worker, transports TransportFactory, workerCmd string) *Pool {
	handles := make([]*worker.Handle, 0, len(workers))
	for _, w := range workers {
		t := transports(w, defaults)
		handles = append(handles, worker.New(w, t, workerCmd))
	}
	return &Pool{
		defaults:       defaults,
		workers:        handles,
		uploadedVoices: make(map[string]map[string]struct{}),
	}
}

// Len returns the number of workers in the pool.
func (p *Pool) Len() int {
	return len(p.workers)
}

// Defaults returns the pool-wide defaults backing this pool.
func (p *Pool) Defaults() poolconfig.Defaults {
	return p.defaults
}

// ConnectResult is one worker's outcome from ConnectAll.
type ConnectResult struct {
	Name string
	Err  error
}

// ConnectAll connects every worker in turn, collecting per-worker
// success/error. It never fails as a whole — a single unreachable
// worker does not prevent the rest from connecting.
func (p *Pool) ConnectAll(ctx context.Context) []ConnectResult {
	results := make([]ConnectResult, 0, len(p.workers))
	for _, h := range p.workers {
		err := h.Connect(ctx)
		results = append(results, ConnectResult{Name: h.Name(), Err: err})
	}
	return results
}

// ReadyWorkers returns the handles currently reporting ready.
func (p *Pool) ReadyWorkers() []*worker.Handle {
	out := make([]*worker.Handle, 0, len(p.workers))
	for _, h := range p.workers {
		if h.IsReady() {
			out = append(out, h)
		}
	}
	return out
}

// GetWorker returns the handle with the given name, if present.
func (p *Pool) GetWorker(name string) (*worker.Handle, bool) {
	for _, h := range p.workers {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}

// GetAvailableWorker returns the most-preferred eligible worker for a
// new job, given the caller's current in-flight load per worker name.
// Eligible means ready and under its effective concurrency bound.
// Selection is deterministic: (priority ascending, in_flight ascending,
// name ascending).
func (p *Pool) GetAvailableWorker(inFlightCounts map[string]int) (*worker.Handle, bool) {
	type candidate struct {
		handle   *worker.Handle
		priority uint32
		inFlight int
	}

	candidates := make([]candidate, 0, len(p.workers))
	for _, h := range p.workers {
		if !h.IsReady() {
			continue
		}
		count := inFlightCounts[h.Name()]
		if uint32(count) >= h.EffectiveMaxConcurrentJobs(p.defaults) {
			continue
		}
		candidates = append(candidates, candidate{handle: h, priority: h.Config.Priority, inFlight: count})
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.inFlight != b.inFlight {
			return a.inFlight < b.inFlight
		}
		return a.handle.Name() < b.handle.Name()
	})

	return candidates[0].handle, true
}

// EnsureVoiceRef uploads the voice asset to every ready worker that
// does not already have it, probing first and memoizing across calls
// within this pool's lifetime. Idempotent.
func (p *Pool) EnsureVoiceRef(ctx context.Context, local, hash string) error {
	for _, h := range p.workers {
		if !h.IsReady() {
			continue
		}

		p.mu.Lock()
		seen := p.uploadedVoices[h.Name()]
		if seen == nil {
			seen = make(map[string]struct{})
			p.uploadedVoices[h.Name()] = seen
		}
		_, already := seen[hash]
		p.mu.Unlock()
		if already {
			continue
		}

		exists, err := h.HasVoiceRef(ctx, hash)
		if err != nil {
			return fmt.Errorf("pool: probe voice ref on %q: %w", h.Name(), err)
		}
		if !exists {
			if err := h.UploadVoiceRef(ctx, local, hash); err != nil {
				return fmt.Errorf("pool: upload voice ref to %q: %w", h.Name(), err)
			}
			p.mu.Lock()
			metrics := p.metrics
			p.mu.Unlock()
			metrics.ObserveVoiceRefUpload(h.Name())
		}

		p.mu.Lock()
		seen[hash] = struct{}{}
		p.mu.Unlock()
	}
	return nil
}
