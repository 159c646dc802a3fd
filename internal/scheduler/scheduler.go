// Package scheduler drains a queue of synthesis jobs through a worker
// pool at the highest sustainable concurrency, retrying transient
// failures, persisting every terminal result via a caller callback, and
// reporting progress.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aarons-labs/gena-coordinator/internal/observability"
	"github.com/aarons-labs/gena-coordinator/internal/policy"
	"github.com/aarons-labs/gena-coordinator/internal/pool"
	"github.com/aarons-labs/gena-coordinator/internal/protocol"
	"github.com/aarons-labs/gena-coordinator/internal/reliability"
	"github.com/aarons-labs/gena-coordinator/internal/worker"
)

const (
	// DefaultMaxRetries is the pool-wide initial retry budget per job.
	DefaultMaxRetries = 3

	pollInterval          = 100 * time.Millisecond
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 30 * time.Second
	resultQueueSize       = 32
)

// WorkerProgress is one worker's contribution to a Progress snapshot.
type WorkerProgress struct {
	Name      string
	Completed int
	InFlight  int
	AvgMS     uint64
}

// Progress is reported to the caller after every received result.
type Progress struct {
	TotalJobs           int
	Completed           int
	InFlight            int
	FailedAwaitingRetry int
	Workers             []WorkerProgress
}

// ProgressCallback receives a progress snapshot after each result.
type ProgressCallback func(Progress)

// ResultCallback receives every terminal result as it is produced,
// along with the worker that ran it, so the caller can checkpoint
// durable state and historical telemetry immediately.
type ResultCallback func(workerName string, result protocol.Result)

type inFlightJob struct {
	job        protocol.Job
	workerName string
}

type workerStat struct {
	completed int
	totalMS   uint64
}

type dispatchOutcome struct {
	jobID      string
	workerName string
	result     protocol.Result
	err        error
}

// Scheduler is the bounded-concurrency dispatcher over one worker pool.
type Scheduler struct {
	pool           *pool.Pool
	tempDir        string
	maxRetries     uint32
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	metrics *observability.Metrics

	mu             sync.Mutex
	pending        []protocol.Job
	inFlight       []inFlightJob
	completed      []protocol.Result
	failed         []protocol.Job
	pendingRetries int
	retryCounts    map[string]uint32
	workerStats    map[string]*workerStat
}

// SetMetrics attaches a metrics sink. Optional: a nil sink (the
// default) is a no-op at every call site.
func (s *Scheduler) SetMetrics(m *observability.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// New builds a scheduler over the given pool. tempDir is the
// session-scoped local directory completed audio is downloaded into.
// A maxRetries of 0 uses DefaultMaxRetries.
func New(p *pool.Pool, tempDir string, maxRetries uint32) *Scheduler {
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Scheduler{
		pool:           p,
		tempDir:        tempDir,
		maxRetries:     maxRetries,
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
		retryCounts:    make(map[string]uint32),
		workerStats:    make(map[string]*workerStat),
	}
}

// SetRetryBackoff overrides the base/cap used to delay a failed job's
// return to the pending queue. Tests use this to shrink wall-clock
// delay; production code can use it to tune retry aggressiveness.
func (s *Scheduler) SetRetryBackoff(base, max time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryBaseDelay = base
	s.retryMaxDelay = max
}

// Enqueue adds jobs to the pending queue.
func (s *Scheduler) Enqueue(jobs []protocol.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, jobs...)
}

// Progress returns a snapshot of current scheduler state, and updates
// the ready-workers/in-flight gauges to match.
func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	p := s.progressLocked()
	metrics := s.metrics
	s.mu.Unlock()

	metrics.SetJobsInFlight(p.InFlight)
	metrics.SetWorkersReady(len(s.pool.ReadyWorkers()))
	return p
}

func (s *Scheduler) progressLocked() Progress {
	inFlightByWorker := make(map[string]int, len(s.workerStats))
	for _, ij := range s.inFlight {
		inFlightByWorker[ij.workerName]++
	}

	workers := make([]WorkerProgress, 0, len(s.workerStats))
	for name, stat := range s.workerStats {
		var avg uint64
		if stat.completed > 0 {
			avg = stat.totalMS / uint64(stat.completed)
		}
		workers = append(workers, WorkerProgress{
			Name:      name,
			Completed: stat.completed,
			InFlight:  inFlightByWorker[name],
			AvgMS:     avg,
		})
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })

	return Progress{
		TotalJobs:           len(s.pending) + len(s.inFlight) + len(s.completed) + len(s.failed) + s.pendingRetries,
		Completed:           len(s.completed),
		InFlight:            len(s.inFlight),
		FailedAwaitingRetry: len(s.failed) + s.pendingRetries,
		Workers:             workers,
	}
}

// Run drains the queue until pending, in-flight, failed-awaiting-retry,
// and backoff-pending jobs are all empty, or until ctx is cancelled. On
// cancellation no new dispatches occur; already-launched submissions
// run to completion (or time out) and are drained before Run returns.
// The returned slice is the final completed set (success or
// exhausted-retry failure); no guarantee is made on its order.
func (s *Scheduler) Run(ctx context.Context, onProgress ProgressCallback, onResult ResultCallback) []protocol.Result {
	results := make(chan dispatchOutcome, resultQueueSize)

	for {
		cancelled := ctx.Err() != nil

		s.mu.Lock()
		inFlightEmpty := len(s.inFlight) == 0
		idle := len(s.pending) == 0 && inFlightEmpty && len(s.failed) == 0 && s.pendingRetries == 0
		s.mu.Unlock()

		if cancelled && inFlightEmpty {
			break
		}
		if !cancelled && idle {
			break
		}

		if !cancelled {
			s.dispatchPending(results)
			s.promoteFailed()
		}

		select {
		case outcome := <-results:
			s.handleOutcome(outcome, onResult)
			if onProgress != nil {
				onProgress(s.Progress())
			}
		case <-time.After(pollInterval):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Result, len(s.completed))
	copy(out, s.completed)
	return out
}

func (s *Scheduler) inFlightCountsLocked() map[string]int {
	counts := make(map[string]int, len(s.inFlight))
	for _, ij := range s.inFlight {
		counts[ij.workerName]++
	}
	return counts
}

// dispatchPending assigns pending jobs to available workers until
// either the queue drains or no worker is available. Per job, a short
// lock extracts the worker name and its effective job timeout; the
// network call itself runs without holding the pool or scheduler lock.
func (s *Scheduler) dispatchPending(results chan<- dispatchOutcome) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		counts := s.inFlightCountsLocked()
		h, ok := s.pool.GetAvailableWorker(counts)
		if !ok {
			s.mu.Unlock()
			return
		}
		job := s.pending[0]
		s.pending = s.pending[1:]
		s.inFlight = append(s.inFlight, inFlightJob{job: job, workerName: h.Name()})
		metrics := s.metrics
		s.mu.Unlock()

		metrics.ObserveDispatch(h.Name())

		jobTimeout := time.Duration(h.Config.EffectiveJobTimeoutSecs(s.pool.Defaults())) * time.Second
		go s.runJob(h, job, jobTimeout, results)
	}
}

func (s *Scheduler) runJob(h *worker.Handle, job protocol.Job, jobTimeout time.Duration, results chan<- dispatchOutcome) {
	result, err := h.SubmitJob(context.Background(), job, jobTimeout)
	results <- dispatchOutcome{jobID: job.JobID, workerName: h.Name(), result: result, err: err}
}

// promoteFailed moves failed jobs whose backoff has expired to the
// front of pending, as long as the pool has an available worker. The
// snapshot of worker availability does not change within this loop (no
// new dispatch has happened yet this round), so it either promotes
// every eligible failed job or none.
func (s *Scheduler) promoteFailed() {
	for {
		s.mu.Lock()
		if len(s.failed) == 0 {
			s.mu.Unlock()
			return
		}
		counts := s.inFlightCountsLocked()
		if _, ok := s.pool.GetAvailableWorker(counts); !ok {
			s.mu.Unlock()
			return
		}
		job := s.failed[len(s.failed)-1]
		s.failed = s.failed[:len(s.failed)-1]
		s.pending = append([]protocol.Job{job}, s.pending...)
		s.mu.Unlock()
	}
}

// handleOutcome applies a dispatch outcome to scheduler state: locating
// and removing the matching in-flight entry, then routing to the
// completed or retry path. A result whose job_id has no matching
// in-flight entry (duplicate) is silently dropped.
func (s *Scheduler) handleOutcome(outcome dispatchOutcome, onResult ResultCallback) {
	s.mu.Lock()
	idx := -1
	for i, ij := range s.inFlight {
		if ij.job.JobID == outcome.jobID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return
	}
	job := s.inFlight[idx].job
	s.inFlight = append(s.inFlight[:idx], s.inFlight[idx+1:]...)
	s.mu.Unlock()

	if outcome.err != nil {
		redacted, _ := policy.RedactPII(outcome.err.Error())
		if errors.Is(outcome.err, worker.ErrDecodeFailed) {
			// Symptom of protocol version skew: terminal, never retried.
			s.appendCompleted(outcome.workerName, protocol.NewFailedResult(job.JobID, redacted), onResult)
			return
		}
		s.handleRetryable(outcome.workerName, job, protocol.NewFailedResult(job.JobID, redacted), onResult)
		return
	}

	if outcome.result.Status == protocol.StatusCompleted {
		s.handleCompleted(outcome.workerName, job, outcome.result, onResult)
		return
	}
	s.handleRetryable(outcome.workerName, job, outcome.result, onResult)
}

func (s *Scheduler) handleCompleted(workerName string, job protocol.Job, result protocol.Result, onResult ResultCallback) {
	if result.AudioPath == "" {
		s.recordWorkerStat(workerName, result)
		s.appendCompleted(workerName, result, onResult)
		return
	}

	h, ok := s.pool.GetWorker(workerName)
	if !ok {
		// Worker vanished from the pool between dispatch and result;
		// degrade exactly as a download failure would (see below).
		s.handleRetryable(workerName, job, protocol.NewTimeoutResult(job.JobID), onResult)
		return
	}

	localPath := filepath.Join(s.tempDir, job.JobID+".wav")
	if err := h.DownloadAudio(context.Background(), result.AudioPath, localPath); err != nil {
		// A completed chunk with no local audio violates the session
		// store's invariant; degrade to a synthetic timeout and let the
		// normal retry budget decide the job's fate (see DESIGN.md). No
		// stats are recorded for this attempt, since a retry may still
		// reach a real completion and record its own.
		s.handleRetryable(workerName, job, protocol.NewTimeoutResult(job.JobID), onResult)
		return
	}
	_ = h.CleanupAudio(context.Background(), result.AudioPath)

	result.AudioPath = localPath
	s.recordWorkerStat(workerName, result)
	s.appendCompleted(workerName, result, onResult)
}

// recordWorkerStat folds a result into per-worker progress stats. Only
// called once a job has reached its final, reported completion, so a
// job retried after a download failure is counted exactly once.
func (s *Scheduler) recordWorkerStat(workerName string, result protocol.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stat := s.workerStats[workerName]
	if stat == nil {
		stat = &workerStat{}
		s.workerStats[workerName] = stat
	}
	stat.completed++
	if result.DurationMS != nil {
		stat.totalMS += *result.DurationMS
	}
}

func (s *Scheduler) handleRetryable(workerName string, job protocol.Job, result protocol.Result, onResult ResultCallback) {
	if !reliability.IsRetryableResultStatus(result.Status) {
		s.appendCompleted(workerName, result, onResult)
		return
	}

	s.mu.Lock()
	s.retryCounts[job.JobID]++
	attempt := s.retryCounts[job.JobID]
	if attempt >= s.maxRetries {
		s.mu.Unlock()
		s.appendCompleted(workerName, result, onResult)
		return
	}
	s.pendingRetries++
	base, max := s.retryBaseDelay, s.retryMaxDelay
	metrics := s.metrics
	s.mu.Unlock()

	metrics.ObserveRetry(workerName)

	delay := reliability.ExponentialBackoff(int(attempt), base, max)
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.failed = append(s.failed, job)
		s.pendingRetries--
		s.mu.Unlock()
	})
}

func (s *Scheduler) appendCompleted(workerName string, result protocol.Result, onResult ResultCallback) {
	if result.Error != "" {
		result.Error, _ = policy.RedactPII(result.Error)
	}
	s.mu.Lock()
	s.completed = append(s.completed, result)
	metrics := s.metrics
	s.mu.Unlock()

	var durationMS uint64
	if result.DurationMS != nil {
		durationMS = *result.DurationMS
	}
	metrics.ObserveCompletion(workerName, string(result.Status), time.Duration(durationMS)*time.Millisecond)

	if onResult != nil {
		onResult(workerName, result)
	}
}

// ErrNoWorkersReady is returned by callers that construct a scheduler
// but find the pool has no ready workers before any dispatch can occur.
var ErrNoWorkersReady = fmt.Errorf("scheduler: no workers ready")
