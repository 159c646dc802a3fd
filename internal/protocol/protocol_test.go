package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildAndParseJobID(t *testing.T) {
	cases := []struct {
		session   string
		chapter   int
		chunk     int
		wantJobID string
	}{
		{"sess123", 1, 42, "sess123_ch001_ck0042"},
		{"abc123_20240115", 1, 42, "abc123_20240115_ch001_ck0042"},
		{"book", 0, 0, "book_ch000_ck0000"},
	}

	for _, tc := range cases {
		jobID := BuildJobID(tc.session, tc.chapter, tc.chunk)
		if jobID != tc.wantJobID {
			t.Fatalf("BuildJobID(%q, %d, %d) = %q, want %q", tc.session, tc.chapter, tc.chunk, jobID, tc.wantJobID)
		}
		gotChapter, gotChunk, err := ParseJobID(jobID)
		if err != nil {
			t.Fatalf("ParseJobID(%q) error: %v", jobID, err)
		}
		if gotChapter != tc.chapter || gotChunk != tc.chunk {
			t.Fatalf("ParseJobID(%q) = (%d, %d), want (%d, %d)", jobID, gotChapter, gotChunk, tc.chapter, tc.chunk)
		}
	}
}

func TestParseJobIDRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "noseparators", "sess_ch001", "sess_ck0042", "sess_chX_ck0042"} {
		if _, _, err := ParseJobID(bad); err == nil {
			t.Fatalf("ParseJobID(%q) expected error, got nil", bad)
		}
	}
}

func TestJobOptionsClamp(t *testing.T) {
	o := JobOptions{Exaggeration: 9, CFG: -1, Temperature: 0}
	clamped := o.Clamp()
	if clamped.Exaggeration != MaxExaggeration {
		t.Fatalf("exaggeration = %v, want %v", clamped.Exaggeration, MaxExaggeration)
	}
	if clamped.CFG != MinCFG {
		t.Fatalf("cfg = %v, want %v", clamped.CFG, MinCFG)
	}
	if clamped.Temperature != MinTemperature {
		t.Fatalf("temperature = %v, want %v", clamped.Temperature, MinTemperature)
	}
}

func TestJobRoundTrip(t *testing.T) {
	job := NewJob("sess1", 2, 7, "hello world", DefaultJobOptions())

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Job
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.JobID != job.JobID || decoded.SessionID != job.SessionID ||
		decoded.ChapterID != job.ChapterID || decoded.ChunkID != job.ChunkID ||
		decoded.Text != job.Text || decoded.Options != job.Options {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, job)
	}
	if !decoded.CreatedAt.Equal(job.CreatedAt) {
		t.Fatalf("created_at mismatch: got %v, want %v", decoded.CreatedAt, job.CreatedAt)
	}
}

func TestResultRoundTripAndValidity(t *testing.T) {
	ok := NewCompletedResult("job1", 1234, 56789, "/home/user/.gena/worker/output/job1.wav")
	if !ok.Valid() {
		t.Fatalf("completed result should be valid: %+v", ok)
	}

	data, err := json.Marshal(ok)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Result
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.JobID != ok.JobID || decoded.Status != ok.Status || decoded.AudioPath != ok.AudioPath {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, ok)
	}
	if decoded.DurationMS == nil || *decoded.DurationMS != *ok.DurationMS {
		t.Fatalf("duration_ms mismatch: got %+v, want %+v", decoded.DurationMS, ok.DurationMS)
	}

	failed := NewFailedResult("job2", "worker exploded")
	if failed.Valid() == false {
		t.Fatalf("failed result with error text should be valid")
	}
	if failed.AudioPath != "" {
		t.Fatalf("failed result should not carry an audio path")
	}

	timeout := NewTimeoutResult("job3")
	if timeout.Status != StatusTimeout || timeout.Error == "" {
		t.Fatalf("timeout result malformed: %+v", timeout)
	}
}

func TestResultStatusIsLowercaseOnWire(t *testing.T) {
	r := NewCompletedResult("job1", 1, 1, "path")
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"status":"completed"`) {
		t.Fatalf("expected lowercase status in %s", data)
	}
}

func TestDefaultJobOptions(t *testing.T) {
	o := DefaultJobOptions()
	if o.Exaggeration != DefaultExaggeration || o.CFG != DefaultCFG || o.Temperature != DefaultTemperature {
		t.Fatalf("unexpected defaults: %+v", o)
	}
	if o.VoiceRefHash != "" {
		t.Fatalf("expected no voice ref hash by default")
	}
}
