package sessionstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func writeBook(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "book.epub")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write book: %v", err)
	}
	return path
}

func TestChunkStatusMarkCompleted(t *testing.T) {
	c := NewChunkStatus(0, 1)
	c.MarkFailed("boom")
	c.MarkCompleted("/tmp/0_1.wav")
	if !c.Completed {
		t.Fatalf("expected completed")
	}
	if c.AudioPath != "/tmp/0_1.wav" {
		t.Fatalf("unexpected audio path %q", c.AudioPath)
	}
	if c.Error != "" {
		t.Fatalf("expected error cleared, got %q", c.Error)
	}
}

func TestChunkStatusMarkFailed(t *testing.T) {
	c := NewChunkStatus(0, 0)
	c.MarkCompleted("/tmp/0_0.wav")
	c.MarkFailed("synthesis backend crashed")
	if c.Completed {
		t.Fatalf("expected not completed")
	}
	if c.Error != "synthesis backend crashed" {
		t.Fatalf("unexpected error %q", c.Error)
	}
}

func TestComputeBookHashLengthAndConsistency(t *testing.T) {
	path := writeBook(t, []byte("consistent content"))
	h1, err := ComputeBookHash(path)
	if err != nil {
		t.Fatalf("ComputeBookHash: %v", err)
	}
	if len(h1) != 16 {
		t.Fatalf("expected 16-char hash, got %d: %q", len(h1), h1)
	}
	h2, err := ComputeBookHash(path)
	if err != nil {
		t.Fatalf("ComputeBookHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %q and %q", h1, h2)
	}
}

func TestNewSessionDerivesTotalChapters(t *testing.T) {
	chunks := []ChunkStatus{
		NewChunkStatus(0, 0),
		NewChunkStatus(0, 1),
		NewChunkStatus(1, 0),
	}
	session := NewSession("test", "/tmp/test.epub", "abc", "Test", "Author", chunks)
	if session.TotalChapters != 2 {
		t.Fatalf("expected 2 chapters, got %d", session.TotalChapters)
	}
	if session.TotalChunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", session.TotalChunks)
	}
}

func TestGetNextChunk(t *testing.T) {
	chunks := []ChunkStatus{
		NewChunkStatus(0, 0),
		NewChunkStatus(0, 1),
		NewChunkStatus(1, 0),
	}
	session := NewSession("test", "/tmp/test.epub", "abc", "Test", "Author", chunks)

	ch, ck, ok := GetNextChunk(session)
	if !ok || ch != 0 || ck != 0 {
		t.Fatalf("expected (0,0), got (%d,%d,%v)", ch, ck, ok)
	}

	session.Chunks[0].MarkCompleted("/tmp/0.wav")
	ch, ck, ok = GetNextChunk(session)
	if !ok || ch != 0 || ck != 1 {
		t.Fatalf("expected (0,1), got (%d,%d,%v)", ch, ck, ok)
	}

	session.Chunks[1].MarkCompleted("/tmp/1.wav")
	session.Chunks[2].MarkCompleted("/tmp/2.wav")
	if _, _, ok := GetNextChunk(session); ok {
		t.Fatalf("expected no next chunk once all complete")
	}
}

func TestGetProgress(t *testing.T) {
	chunks := []ChunkStatus{
		NewChunkStatus(0, 0),
		NewChunkStatus(0, 1),
		NewChunkStatus(1, 0),
		NewChunkStatus(1, 1),
	}
	chunks[0].MarkCompleted("/tmp/0.wav")
	session := NewSession("test", "/tmp/test.epub", "abc", "Test", "Author", chunks)

	completed, total, pct := GetProgress(session)
	if completed != 1 || total != 4 {
		t.Fatalf("expected 1/4, got %d/%d", completed, total)
	}
	if diff := pct - 25.0; diff < -0.001 || diff > 0.001 {
		t.Fatalf("expected ~25%%, got %v", pct)
	}
}

func TestGetChapterAudioFilesOrderedSkipsIncomplete(t *testing.T) {
	chunks := []ChunkStatus{
		NewChunkStatus(0, 0),
		NewChunkStatus(0, 1),
		NewChunkStatus(0, 2),
		NewChunkStatus(1, 0),
	}
	chunks[0].MarkCompleted("/tmp/ch0_0.wav")
	chunks[2].MarkCompleted("/tmp/ch0_2.wav")
	chunks[3].MarkCompleted("/tmp/ch1_0.wav")
	session := NewSession("test", "/tmp/test.epub", "abc", "Test", "Author", chunks)

	ch0 := GetChapterAudioFiles(session, 0)
	if len(ch0) != 2 || ch0[0] != "/tmp/ch0_0.wav" || ch0[1] != "/tmp/ch0_2.wav" {
		t.Fatalf("unexpected chapter 0 files: %v", ch0)
	}

	ch1 := GetChapterAudioFiles(session, 1)
	if len(ch1) != 1 {
		t.Fatalf("expected 1 file for chapter 1, got %d", len(ch1))
	}
}

func TestCreateSessionPersistsAndIsLoadable(t *testing.T) {
	store := newTestStore(t)
	bookPath := writeBook(t, []byte("test content"))

	chunks := []ChunkStatus{NewChunkStatus(0, 0), NewChunkStatus(0, 1)}
	session, err := store.CreateSession(bookPath, "Title", "Author", chunks)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(session.BookHash) != 16 {
		t.Fatalf("expected 16-char book hash, got %q", session.BookHash)
	}

	loaded, err := store.Get(session.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.SessionID != session.SessionID || loaded.TotalChunks != 2 {
		t.Fatalf("unexpected loaded session %+v", loaded)
	}
}

// TestFindSessionForBookResumesMostRecentIncomplete grounds S4: an
// interrupted run is resumable by locating the newest incomplete
// session for the same book hash.
func TestFindSessionForBookResumesMostRecentIncomplete(t *testing.T) {
	store := newTestStore(t)
	bookPath := writeBook(t, []byte("resumable content"))

	chunks := []ChunkStatus{NewChunkStatus(0, 0), NewChunkStatus(0, 1)}
	session, err := store.CreateSession(bookPath, "Title", "Author", chunks)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := store.MarkChunkComplete(&session, 0, 0, "/tmp/0_0.wav"); err != nil {
		t.Fatalf("MarkChunkComplete: %v", err)
	}

	found, err := store.FindSessionForBook(bookPath)
	if err != nil {
		t.Fatalf("FindSessionForBook: %v", err)
	}
	if found.SessionID != session.SessionID {
		t.Fatalf("expected to resume %q, got %q", session.SessionID, found.SessionID)
	}
	if found.CurrentChapter != 0 || found.CurrentChunk != 1 {
		t.Fatalf("expected cursor at (0,1), got (%d,%d)", found.CurrentChapter, found.CurrentChunk)
	}
}

func TestFindSessionForBookSkipsCompletedSessions(t *testing.T) {
	store := newTestStore(t)
	bookPath := writeBook(t, []byte("finished content"))

	chunks := []ChunkStatus{NewChunkStatus(0, 0)}
	session, err := store.CreateSession(bookPath, "Title", "Author", chunks)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.MarkChunkComplete(&session, 0, 0, "/tmp/0_0.wav"); err != nil {
		t.Fatalf("MarkChunkComplete: %v", err)
	}
	if !session.Completed {
		t.Fatalf("expected session marked completed")
	}

	if _, err := store.FindSessionForBook(bookPath); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound once session is completed, got %v", err)
	}
}

func TestFindSessionForBookSkipsCorruptFiles(t *testing.T) {
	store := newTestStore(t)
	bookPath := writeBook(t, []byte("corrupt-adjacent content"))

	chunks := []ChunkStatus{NewChunkStatus(0, 0)}
	if _, err := store.CreateSession(bookPath, "Title", "Author", chunks); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	garbage := filepath.Join(store.sessionsDir(), "garbage.json")
	if err := os.WriteFile(garbage, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	if _, err := store.FindSessionForBook(bookPath); err != nil {
		t.Fatalf("expected corrupt file to be skipped, not fatal: %v", err)
	}
}

func TestMarkChunkErrorLeavesSessionIncomplete(t *testing.T) {
	store := newTestStore(t)
	bookPath := writeBook(t, []byte("error path content"))

	chunks := []ChunkStatus{NewChunkStatus(0, 0)}
	session, err := store.CreateSession(bookPath, "Title", "Author", chunks)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := store.MarkChunkError(&session, 0, 0, "synthesis backend crashed"); err != nil {
		t.Fatalf("MarkChunkError: %v", err)
	}
	if session.Completed {
		t.Fatalf("expected session to remain incomplete")
	}
	if session.Chunks[0].Error != "synthesis backend crashed" {
		t.Fatalf("unexpected chunk error %q", session.Chunks[0].Error)
	}
}

// TestGetChapterAudioFilesOrderingIgnoresCompletionOrder grounds S6:
// assembly reads one chapter's files in chunk order, independent of
// dispatch completion order.
func TestGetChapterAudioFilesOrderingIgnoresCompletionOrder(t *testing.T) {
	chunks := []ChunkStatus{
		NewChunkStatus(2, 0),
		NewChunkStatus(2, 1),
		NewChunkStatus(2, 2),
	}
	// Completion arrives out of chunk order.
	chunks[2].MarkCompleted("/tmp/ch2_2.wav")
	chunks[0].MarkCompleted("/tmp/ch2_0.wav")
	chunks[1].MarkCompleted("/tmp/ch2_1.wav")
	session := NewSession("test", "/tmp/test.epub", "abc", "Test", "Author", chunks)

	files := GetChapterAudioFiles(session, 2)
	want := []string{"/tmp/ch2_0.wav", "/tmp/ch2_1.wav", "/tmp/ch2_2.wav"}
	if len(files) != len(want) {
		t.Fatalf("expected %d files, got %d", len(want), len(files))
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("index %d: expected %q, got %q", i, want[i], files[i])
		}
	}
}

func TestCleanupSessionRemovesFileAndTempDir(t *testing.T) {
	store := newTestStore(t)
	bookPath := writeBook(t, []byte("cleanup content"))

	chunks := []ChunkStatus{NewChunkStatus(0, 0)}
	session, err := store.CreateSession(bookPath, "Title", "Author", chunks)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	tempDir, err := store.TempDir(session.SessionID)
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "chunk.wav"), []byte("audio"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	if err := store.CleanupSession(session); err != nil {
		t.Fatalf("CleanupSession: %v", err)
	}
	if _, err := os.Stat(store.sessionPath(session.SessionID)); !os.IsNotExist(err) {
		t.Fatalf("expected session file removed, stat err = %v", err)
	}
	if _, err := os.Stat(tempDir); !os.IsNotExist(err) {
		t.Fatalf("expected temp dir removed, stat err = %v", err)
	}
}

func TestCreateSessionDisambiguatesOnPathCollision(t *testing.T) {
	store := newTestStore(t)
	bookPath := writeBook(t, []byte("collision content"))

	chunks := []ChunkStatus{NewChunkStatus(0, 0)}
	first, err := store.CreateSession(bookPath, "Title", "Author", chunks)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// The first call already wrote a session file at the exact path a
	// second immediate CreateSession call would compute (same hash,
	// same second), so that call must take the suffix path.
	collidingID := first.SessionID
	second, err := store.CreateSession(bookPath, "Title", "Author", chunks)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if second.SessionID == collidingID {
		t.Fatalf("second session reused ID %q instead of a distinct one", collidingID)
	}
	if _, err := store.Get(first.SessionID); err != nil {
		t.Fatalf("expected first session still loadable: %v", err)
	}
	if _, err := store.Get(second.SessionID); err != nil {
		t.Fatalf("expected second session loadable: %v", err)
	}
	if !strings.HasPrefix(second.SessionID, collidingID+"_") {
		// Only a real collision (same hash + same timestamp second)
		// exercises the suffix path; the two runs may legitimately land
		// in different seconds. Either way both sessions are checked
		// above to be distinct and persisted.
		t.Skip("timestamps did not collide within this run")
	}
}
