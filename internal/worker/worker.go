// Package worker holds the per-worker runtime handle: connection
// state, readiness, the in-flight job set, and voice-asset upload
// bookkeeping, layered over internal/transport.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aarons-labs/gena-coordinator/internal/poolconfig"
	"github.com/aarons-labs/gena-coordinator/internal/protocol"
	"github.com/aarons-labs/gena-coordinator/internal/transport"
)

// ErrDecodeFailed marks a submit failure caused by an undecodable
// result payload — a symptom of protocol version skew between the
// coordinator and the worker binary. Callers must not retry a job
// whose error wraps this: retrying will not fix a format mismatch.
var ErrDecodeFailed = errors.New("worker: result decode failed")

const voicesDir = "~/.gena/worker/voices"

// Handle is one worker's runtime state: its static config plus the
// connection/readiness/in-flight bookkeeping the pool and scheduler
// read and mutate.
type Handle struct {
	Config poolconfig.Worker

	transport transport.Transport
	workerCmd string // remote binary invoked for "status"/"run", e.g. "gena-worker"

	mu             sync.Mutex
	connected      bool
	lastStatus     *protocol.WorkerStatus
	inFlight       map[string]struct{}
	uploadedVoices map[string]struct{}
}

// New builds a worker handle over the given transport. workerCmd is
// the remote binary name the handle shells out to for status/run.
func New(cfg poolconfig.Worker, t transport.Transport, workerCmd string) *Handle {
	return &Handle{
		Config:         cfg,
		transport:      t,
		workerCmd:      workerCmd,
		inFlight:       make(map[string]struct{}),
		uploadedVoices: make(map[string]struct{}),
	}
}

// Name returns the worker's configured name.
func (h *Handle) Name() string {
	return h.Config.Name
}

// Connect probes the endpoint and the worker's status command,
// setting connected=true only if both succeed. Idempotent: safe to
// call repeatedly to refresh status.
func (h *Handle) Connect(ctx context.Context) error {
	if err := h.transport.TestConnection(ctx); err != nil {
		h.setConnected(false, nil)
		return fmt.Errorf("worker %q: connection test failed: %w", h.Name(), err)
	}

	out, err := h.transport.Exec(ctx, h.workerCmd+" status")
	if err != nil {
		h.setConnected(false, nil)
		return fmt.Errorf("worker %q: status probe failed: %w", h.Name(), err)
	}

	var status protocol.WorkerStatus
	if err := json.Unmarshal(out, &status); err != nil {
		h.setConnected(false, nil)
		return fmt.Errorf("worker %q: status decode failed: %w", h.Name(), err)
	}

	h.setConnected(true, &status)
	return nil
}

func (h *Handle) setConnected(connected bool, status *protocol.WorkerStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = connected
	h.lastStatus = status
}

// IsReady reports whether the worker is connected and last reported
// itself ready.
func (h *Handle) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected && h.lastStatus != nil && h.lastStatus.Ready
}

// InFlightCount returns the number of jobs currently admitted to this
// worker's in-flight set.
func (h *Handle) InFlightCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inFlight)
}

// EffectiveMaxConcurrentJobs returns this worker's concurrency bound,
// applying pool defaults where unset.
func (h *Handle) EffectiveMaxConcurrentJobs(defaults poolconfig.Defaults) uint32 {
	return h.Config.EffectiveMaxConcurrentJobs(defaults)
}

// CanAcceptJob reports whether the worker is ready and has spare
// concurrency against the given pool defaults.
func (h *Handle) CanAcceptJob(defaults poolconfig.Defaults) bool {
	if !h.IsReady() {
		return false
	}
	return uint32(h.InFlightCount()) < h.EffectiveMaxConcurrentJobs(defaults)
}

// HasVoiceRef probes the remote voices directory for the given
// content hash, consulting the in-session memoization set first.
func (h *Handle) HasVoiceRef(ctx context.Context, hash string) (bool, error) {
	h.mu.Lock()
	_, memoized := h.uploadedVoices[hash]
	h.mu.Unlock()
	if memoized {
		return true, nil
	}

	remote := voiceRefPath(hash)
	exists, err := h.transport.FileExists(ctx, remote)
	if err != nil {
		return false, fmt.Errorf("worker %q: probe voice ref %q: %w", h.Name(), hash, err)
	}
	if exists {
		h.mu.Lock()
		h.uploadedVoices[hash] = struct{}{}
		h.mu.Unlock()
	}
	return exists, nil
}

// UploadVoiceRef uploads a local voice asset to the remote voices
// directory under its content hash, recording it as memoized.
func (h *Handle) UploadVoiceRef(ctx context.Context, local, hash string) error {
	if err := h.transport.MkdirP(ctx, voicesDir); err != nil {
		return fmt.Errorf("worker %q: mkdir voices dir: %w", h.Name(), err)
	}
	if err := h.transport.Upload(ctx, local, voiceRefPath(hash)); err != nil {
		return fmt.Errorf("worker %q: upload voice ref %q: %w", h.Name(), hash, err)
	}
	h.mu.Lock()
	h.uploadedVoices[hash] = struct{}{}
	h.mu.Unlock()
	return nil
}

func voiceRefPath(hash string) string {
	return strings.TrimSuffix(voicesDir, "/") + "/" + hash + ".wav"
}

// SubmitJob serializes the job, admits it to the in-flight set, runs
// it under jobTimeout, and releases it on every termination path.
func (h *Handle) SubmitJob(ctx context.Context, job protocol.Job, jobTimeout time.Duration) (protocol.Result, error) {
	h.admit(job.JobID)
	defer h.release(job.JobID)

	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	payload, err := json.Marshal(job)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("worker %q: encode job %q: %w", h.Name(), job.JobID, err)
	}

	out, err := h.transport.ExecWithInput(ctx, h.workerCmd+" run", payload)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.NewTimeoutResult(job.JobID), nil
		}
		return protocol.Result{}, fmt.Errorf("worker %q: submit job %q: %w", h.Name(), job.JobID, err)
	}

	var result protocol.Result
	if err := json.Unmarshal(out, &result); err != nil {
		return protocol.Result{}, fmt.Errorf("worker %q: decode result for job %q: %w: %w", h.Name(), job.JobID, ErrDecodeFailed, err)
	}
	return result, nil
}

// DownloadAudio fetches a completed job's remote audio file to a local
// path.
func (h *Handle) DownloadAudio(ctx context.Context, remotePath, localPath string) error {
	if err := h.transport.Download(ctx, remotePath, localPath); err != nil {
		return fmt.Errorf("worker %q: download audio %q: %w", h.Name(), remotePath, err)
	}
	return nil
}

// CleanupAudio best-effort removes a remote audio file after it has
// been downloaded.
func (h *Handle) CleanupAudio(ctx context.Context, remotePath string) error {
	return h.transport.Remove(ctx, remotePath)
}

func (h *Handle) admit(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight[jobID] = struct{}{}
}

func (h *Handle) release(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inFlight, jobID)
}
