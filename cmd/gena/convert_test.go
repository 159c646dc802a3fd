package main

import (
	"testing"

	"github.com/aarons-labs/gena-coordinator/internal/extern"
	"github.com/aarons-labs/gena-coordinator/internal/sessionstore"
)

func TestParseChapterRange(t *testing.T) {
	cases := []struct {
		name      string
		in        string
		wantLow   int
		wantHigh  int
		wantError bool
	}{
		{name: "empty means no restriction", in: "", wantLow: 0, wantHigh: -1},
		{name: "simple range", in: "2-5", wantLow: 2, wantHigh: 5},
		{name: "single chapter", in: "3-3", wantLow: 3, wantHigh: 3},
		{name: "missing end is an error", in: "2-", wantError: true},
		{name: "missing start is an error", in: "-5", wantError: true},
		{name: "no dash is an error", in: "3", wantError: true},
		{name: "non-numeric is an error", in: "a-b", wantError: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			low, high, err := parseChapterRange(tc.in)
			if tc.wantError {
				if err == nil {
					t.Fatalf("parseChapterRange(%q) expected error, got low=%d high=%d", tc.in, low, high)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseChapterRange(%q) unexpected error: %v", tc.in, err)
			}
			if low != tc.wantLow || high != tc.wantHigh {
				t.Fatalf("parseChapterRange(%q) = (%d, %d), want (%d, %d)", tc.in, low, high, tc.wantLow, tc.wantHigh)
			}
		})
	}
}

func TestSelectChapterRange(t *testing.T) {
	chunks := []extern.TextChunk{
		{ChapterID: 0, ChunkID: 0, Text: "a"},
		{ChapterID: 1, ChunkID: 0, Text: "b"},
		{ChapterID: 2, ChunkID: 0, Text: "c"},
	}

	all := selectChapterRange(chunks, 0, -1)
	if len(all) != len(chunks) {
		t.Fatalf("selectChapterRange with no restriction = %d chunks, want %d", len(all), len(chunks))
	}

	subset := selectChapterRange(chunks, 1, 1)
	if len(subset) != 1 || subset[0].ChapterID != 1 {
		t.Fatalf("selectChapterRange(1,1) = %+v, want only chapter 1", subset)
	}

	none := selectChapterRange(chunks, 5, 9)
	if len(none) != 0 {
		t.Fatalf("selectChapterRange(5,9) = %+v, want empty", none)
	}
}

func TestFilepathExt(t *testing.T) {
	cases := map[string]string{
		"book.epub":           ".epub",
		"/tmp/book.epub":      ".epub",
		"noext":               "",
		"/a/b.c/noext":        "",
		"archive.tar.gz":      ".gz",
		"/a/b/file.final.m4b": ".m4b",
	}
	for in, want := range cases {
		if got := filepathExt(in); got != want {
			t.Errorf("filepathExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPendingJobsSkipsCompletedChunks(t *testing.T) {
	chunks := []extern.TextChunk{
		{ChapterID: 0, ChunkID: 0, Text: "first"},
		{ChapterID: 0, ChunkID: 1, Text: "second"},
	}
	sess := sessionstore.Session{
		SessionID: "sess-1",
		Chunks: []sessionstore.ChunkStatus{
			{ChapterID: 0, ChunkID: 0, Completed: true},
			sessionstore.NewChunkStatus(0, 1),
		},
	}

	jobs := pendingJobs(sess, chunks, convertOptions{})
	if len(jobs) != 1 {
		t.Fatalf("pendingJobs() = %d jobs, want 1", len(jobs))
	}
	if jobs[0].SessionID != "sess-1" {
		t.Fatalf("pendingJobs()[0].SessionID = %q, want sess-1", jobs[0].SessionID)
	}
}
