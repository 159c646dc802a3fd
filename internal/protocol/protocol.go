// Package protocol defines the wire types exchanged with remote TTS
// workers: job descriptions sent to worker stdin, results read back from
// worker stdout, and the readiness probe response.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the current wire protocol version. Workers and the
// coordinator are expected to agree on this; a mismatch is a decode
// concern for the caller, not something this package enforces.
const Version = 1

// Job option ranges, per the wire contract. Callers clamp to these
// before a job is sent.
const (
	MinExaggeration = 0.25
	MaxExaggeration = 2.0
	MinCFG          = 0.0
	MaxCFG          = 1.0
	MinTemperature  = 0.05
	MaxTemperature  = 5.0

	DefaultExaggeration = 0.5
	DefaultCFG          = 0.5
	DefaultTemperature  = 0.8
)

// JobOptions carries the synthesis parameters sent with every job.
type JobOptions struct {
	Exaggeration float32 `json:"exaggeration"`
	CFG          float32 `json:"cfg"`
	Temperature  float32 `json:"temperature"`
	VoiceRefHash string  `json:"voice_ref_hash,omitempty"`
}

// DefaultJobOptions returns the documented default synthesis options.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Exaggeration: DefaultExaggeration,
		CFG:          DefaultCFG,
		Temperature:  DefaultTemperature,
	}
}

// Clamp returns a copy of the options with each field clamped into its
// documented range. VoiceRefHash is left untouched.
func (o JobOptions) Clamp() JobOptions {
	o.Exaggeration = clampF32(o.Exaggeration, MinExaggeration, MaxExaggeration)
	o.CFG = clampF32(o.CFG, MinCFG, MaxCFG)
	o.Temperature = clampF32(o.Temperature, MinTemperature, MaxTemperature)
	return o
}

func clampF32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Job is a single TTS synthesis unit sent to a worker's stdin.
type Job struct {
	Version   int        `json:"protocol_version"`
	JobID     string     `json:"job_id"`
	SessionID string     `json:"session_id"`
	ChapterID int        `json:"chapter_id"`
	ChunkID   int        `json:"chunk_id"`
	Text      string     `json:"text"`
	Options   JobOptions `json:"options"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewJob builds a job with a deterministic job ID and the current
// protocol version. Options are clamped to their documented ranges.
func NewJob(sessionID string, chapterID, chunkID int, text string, options JobOptions) Job {
	return Job{
		Version:   Version,
		JobID:     BuildJobID(sessionID, chapterID, chunkID),
		SessionID: sessionID,
		ChapterID: chapterID,
		ChunkID:   chunkID,
		Text:      text,
		Options:   options.Clamp(),
		CreatedAt: time.Now().UTC(),
	}
}

// BuildJobID builds the normative job ID: "<session_id>_ch<chapter:%03d>_ck<chunk:%04d>".
func BuildJobID(sessionID string, chapterID, chunkID int) string {
	return fmt.Sprintf("%s_ch%03d_ck%04d", sessionID, chapterID, chunkID)
}

// ParseJobID recovers the chapter and chunk numbers from a job ID by
// locating the "ch"/"ck"-prefixed segments, not by positional split —
// the session ID itself may contain underscores.
func ParseJobID(jobID string) (chapterID, chunkID int, err error) {
	chapterID, okCh := -1, false
	chunkID, okCk := -1, false

	parts := strings.Split(jobID, "_")
	for _, part := range parts {
		if !okCh && strings.HasPrefix(part, "ch") {
			if n, convErr := strconv.Atoi(part[2:]); convErr == nil {
				chapterID, okCh = n, true
				continue
			}
		}
		if !okCk && strings.HasPrefix(part, "ck") {
			if n, convErr := strconv.Atoi(part[2:]); convErr == nil {
				chunkID, okCk = n, true
			}
		}
	}

	if !okCh || !okCk {
		return 0, 0, fmt.Errorf("protocol: job id %q does not match <session>_ch###_ck#### format", jobID)
	}
	return chapterID, chunkID, nil
}

// Status is the terminal state of a job execution.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Result is the response a worker emits to stdout after running a job.
type Result struct {
	Version        int       `json:"protocol_version"`
	JobID          string    `json:"job_id"`
	Status         Status    `json:"status"`
	DurationMS     *uint64   `json:"duration_ms,omitempty"`
	AudioSizeBytes *uint64   `json:"audio_size_bytes,omitempty"`
	AudioPath      string    `json:"audio_path,omitempty"`
	Error          string    `json:"error,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

// NewCompletedResult builds a successful result.
func NewCompletedResult(jobID string, durationMS, audioSizeBytes uint64, audioPath string) Result {
	return Result{
		Version:        Version,
		JobID:          jobID,
		Status:         StatusCompleted,
		DurationMS:     &durationMS,
		AudioSizeBytes: &audioSizeBytes,
		AudioPath:      audioPath,
		CompletedAt:    time.Now().UTC(),
	}
}

// NewFailedResult builds a failure result carrying an error message.
func NewFailedResult(jobID, errMsg string) Result {
	return Result{
		Version:     Version,
		JobID:       jobID,
		Status:      StatusFailed,
		Error:       errMsg,
		CompletedAt: time.Now().UTC(),
	}
}

// NewTimeoutResult builds a timeout result.
func NewTimeoutResult(jobID string) Result {
	return Result{
		Version:     Version,
		JobID:       jobID,
		Status:      StatusTimeout,
		Error:       "job timed out",
		CompletedAt: time.Now().UTC(),
	}
}

// Valid reports whether the result satisfies the wire invariants:
// status=completed implies an audio path is present, and any other
// status implies an error message is present.
func (r Result) Valid() bool {
	if r.Status == StatusCompleted {
		return r.AudioPath != ""
	}
	return r.Error != ""
}

// WorkerStatus is the response to the worker's readiness probe.
type WorkerStatus struct {
	Ready           bool   `json:"ready"`
	Device          string `json:"device"`
	Version         string `json:"version"`
	EngineLoaded    bool   `json:"engine_loaded"`
	JobsInProgress  int    `json:"jobs_in_progress"`
	AvailableDiskMB uint64 `json:"available_disk_mb"`
}
