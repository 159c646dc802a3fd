// Package sessionstore persists resumable conversion sessions: one
// self-describing JSON record per session under a per-user data
// directory, plus a scratch directory for downloaded audio chunks.
// This is the sole source of truth for resuming an interrupted run.
package sessionstore

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup by session ID finds nothing.
var ErrNotFound = errors.New("sessionstore: session not found")

const hashReadBytes = 1024 * 1024 // first 1MB, for speed on large books

// ChunkStatus tracks one text chunk's synthesis progress within a
// session.
type ChunkStatus struct {
	ChapterID int    `json:"chapter_id"`
	ChunkID   int    `json:"chunk_id"`
	AudioPath string `json:"audio_path,omitempty"`
	Completed bool   `json:"completed"`
	Error     string `json:"error,omitempty"`
}

// NewChunkStatus builds a fresh, incomplete chunk entry.
func NewChunkStatus(chapterID, chunkID int) ChunkStatus {
	return ChunkStatus{ChapterID: chapterID, ChunkID: chunkID}
}

// MarkCompleted records a successful synthesis and clears any prior
// error.
func (c *ChunkStatus) MarkCompleted(audioPath string) {
	c.AudioPath = audioPath
	c.Completed = true
	c.Error = ""
}

// MarkFailed records a synthesis failure. The chunk remains incomplete.
func (c *ChunkStatus) MarkFailed(errMsg string) {
	c.Error = errMsg
	c.Completed = false
}

// Session is one resumable conversion run.
type Session struct {
	SessionID      string        `json:"session_id"`
	BookPath       string        `json:"book_path"`
	BookHash       string        `json:"book_hash"`
	Title          string        `json:"title"`
	Author         string        `json:"author"`
	TotalChapters  int           `json:"total_chapters"`
	TotalChunks    int           `json:"total_chunks"`
	Chunks         []ChunkStatus `json:"chunks"`
	CurrentChapter int           `json:"current_chapter"`
	CurrentChunk   int           `json:"current_chunk"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Completed      bool          `json:"completed"`
}

// NewSession builds a session record from a freshly-chunked book.
// TotalChapters is derived from the highest chapter ID observed plus
// one, not passed in, since chunking is the caller's concern.
func NewSession(sessionID, bookPath, bookHash, title, author string, chunks []ChunkStatus) Session {
	now := time.Now().UTC()
	totalChapters := 0
	for _, c := range chunks {
		if c.ChapterID+1 > totalChapters {
			totalChapters = c.ChapterID + 1
		}
	}
	return Session{
		SessionID:     sessionID,
		BookPath:      bookPath,
		BookHash:      bookHash,
		Title:         title,
		Author:        author,
		TotalChapters: totalChapters,
		TotalChunks:   len(chunks),
		Chunks:        chunks,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CompletedCount returns the number of chunks marked completed.
func (s Session) CompletedCount() int {
	n := 0
	for _, c := range s.Chunks {
		if c.Completed {
			n++
		}
	}
	return n
}

// Store resolves and mutates sessions under a per-user data directory.
type Store struct {
	dataDir string
}

// New builds a store rooted at the given data directory, creating the
// sessions subdirectory if needed.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore: create sessions dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// DefaultDataDir returns "gena" under the per-user cache directory
// reported by os.UserCacheDir, or under the home directory when no
// cache directory is reported.
func DefaultDataDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return "", fmt.Errorf("sessionstore: could not determine data directory: %w", err)
		}
		dir = home
	}
	return filepath.Join(dir, "gena"), nil
}

func (s *Store) sessionsDir() string {
	return filepath.Join(s.dataDir, "sessions")
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.sessionsDir(), sessionID+".json")
}

// TempDir returns (and creates) the scratch directory for a session's
// downloaded audio chunks.
func (s *Store) TempDir(sessionID string) (string, error) {
	dir := filepath.Join(s.dataDir, "temp", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sessionstore: create temp dir: %w", err)
	}
	return dir, nil
}

// ComputeBookHash returns the 16-hex-char SHA-256 hash of the first 1MB
// of the book file, used for session identification.
func ComputeBookHash(bookPath string) (string, error) {
	f, err := os.Open(bookPath)
	if err != nil {
		return "", fmt.Errorf("sessionstore: open book file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyN(h, f, hashReadBytes); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("sessionstore: hash book file: %w", err)
	}
	sum := fmt.Sprintf("%x", h.Sum(nil))
	return sum[:16], nil
}

// CreateSession computes the book hash, builds a timestamped session
// ID, and persists the new session immediately. If the computed path
// already exists on disk (two runs against the same book within the
// same second), a short uuid suffix disambiguates it.
func (s *Store) CreateSession(bookPath, title, author string, chunkList []ChunkStatus) (Session, error) {
	bookHash, err := ComputeBookHash(bookPath)
	if err != nil {
		return Session{}, err
	}

	sessionID := fmt.Sprintf("%s_%s", bookHash, time.Now().UTC().Format("20060102_150405"))
	if _, err := os.Stat(s.sessionPath(sessionID)); err == nil {
		sessionID = fmt.Sprintf("%s_%s", sessionID, uuid.NewString()[:8])
	}

	session := NewSession(sessionID, bookPath, bookHash, title, author, chunkList)
	if err := s.Save(&session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Save writes the session to disk atomically, stamping UpdatedAt.
func (s *Store) Save(session *Session) error {
	session.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: encode session %q: %w", session.SessionID, err)
	}

	path := s.sessionPath(session.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sessionstore: write session %q: %w", session.SessionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("sessionstore: commit session %q: %w", session.SessionID, err)
	}
	return nil
}

// Get loads a session by ID.
func (s *Store) Get(sessionID string) (Session, error) {
	data, err := os.ReadFile(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("sessionstore: read session %q: %w", sessionID, err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("sessionstore: decode session %q: %w", sessionID, err)
	}
	return session, nil
}

// FindSessionForBook scans the sessions directory and returns the
// most-recently-updated incomplete session matching the book's hash, or
// ErrNotFound if none exists. Corrupt entries are skipped, not fatal.
func (s *Store) FindSessionForBook(bookPath string) (Session, error) {
	bookHash, err := ComputeBookHash(bookPath)
	if err != nil {
		return Session{}, err
	}

	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		return Session{}, fmt.Errorf("sessionstore: list sessions dir: %w", err)
	}

	var matches []Session
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.sessionsDir(), entry.Name()))
		if err != nil {
			continue
		}
		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}
		if session.BookHash == bookHash && !session.Completed {
			matches = append(matches, session)
		}
	}

	if len(matches) == 0 {
		return Session{}, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	return matches[0], nil
}

// MarkChunkComplete records a chunk's audio path, advances the cursor
// to the next incomplete chunk (or marks the session completed), and
// persists the result.
func (s *Store) MarkChunkComplete(session *Session, chapterID, chunkID int, localAudioPath string) error {
	for i := range session.Chunks {
		c := &session.Chunks[i]
		if c.ChapterID == chapterID && c.ChunkID == chunkID {
			c.MarkCompleted(localAudioPath)
			break
		}
	}

	if nextCh, nextChunk, ok := GetNextChunk(*session); ok {
		session.CurrentChapter = nextCh
		session.CurrentChunk = nextChunk
	} else {
		session.Completed = true
	}

	return s.Save(session)
}

// MarkChunkError records an error on a chunk, leaving it incomplete,
// and persists the result.
func (s *Store) MarkChunkError(session *Session, chapterID, chunkID int, errMsg string) error {
	for i := range session.Chunks {
		c := &session.Chunks[i]
		if c.ChapterID == chapterID && c.ChunkID == chunkID {
			c.MarkFailed(errMsg)
			break
		}
	}
	return s.Save(session)
}

// GetNextChunk returns the first incomplete (chapter, chunk) pair, or
// false if every chunk is complete.
func GetNextChunk(session Session) (chapterID, chunkID int, ok bool) {
	for _, c := range session.Chunks {
		if !c.Completed {
			return c.ChapterID, c.ChunkID, true
		}
	}
	return 0, 0, false
}

// GetProgress returns the completed count, total count, and completion
// percentage for a session.
func GetProgress(session Session) (completed, total int, percent float64) {
	completed = session.CompletedCount()
	total = session.TotalChunks
	if total > 0 {
		percent = float64(completed) / float64(total) * 100.0
	}
	return completed, total, percent
}

// GetChapterAudioFiles returns the ordered, completed audio paths for
// one chapter, sorted by chunk ID, skipping any incomplete slots.
func GetChapterAudioFiles(session Session, chapterID int) []string {
	var chapterChunks []ChunkStatus
	for _, c := range session.Chunks {
		if c.ChapterID == chapterID && c.Completed && c.AudioPath != "" {
			chapterChunks = append(chapterChunks, c)
		}
	}
	sort.Slice(chapterChunks, func(i, j int) bool {
		return chapterChunks[i].ChunkID < chapterChunks[j].ChunkID
	})

	paths := make([]string, len(chapterChunks))
	for i, c := range chapterChunks {
		paths[i] = c.AudioPath
	}
	return paths
}

// CleanupSession removes the session's JSON file and its temp audio
// directory, after a successful assembly.
func (s *Store) CleanupSession(session Session) error {
	path := s.sessionPath(session.SessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessionstore: remove session file %q: %w", session.SessionID, err)
	}

	tempDir := filepath.Join(s.dataDir, "temp", session.SessionID)
	if err := os.RemoveAll(tempDir); err != nil {
		return fmt.Errorf("sessionstore: remove temp dir for %q: %w", session.SessionID, err)
	}
	return nil
}
