package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aarons-labs/gena-coordinator/internal/config"
	"github.com/aarons-labs/gena-coordinator/internal/extern"
	"github.com/aarons-labs/gena-coordinator/internal/ledger"
	"github.com/aarons-labs/gena-coordinator/internal/monitor"
	"github.com/aarons-labs/gena-coordinator/internal/observability"
	"github.com/aarons-labs/gena-coordinator/internal/pool"
	"github.com/aarons-labs/gena-coordinator/internal/poolconfig"
	"github.com/aarons-labs/gena-coordinator/internal/protocol"
	"github.com/aarons-labs/gena-coordinator/internal/scheduler"
	"github.com/aarons-labs/gena-coordinator/internal/sessionstore"
	"github.com/aarons-labs/gena-coordinator/internal/voiceasset"
)

type convertOptions struct {
	inputPath  string
	outputPath string
	voiceRef   string
	chapterLow int
	chapterHi  int
	noResume   bool
	workers    []string

	exaggeration float64
	cfgWeight    float64
	temperature  float64
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	output := fs.String("output", "", "output audiobook path (default: <input>.m4b)")
	voiceRef := fs.String("voice-ref", "", "optional voice reference audio file")
	chapters := fs.String("chapters", "", "chapter range start-end (default: all)")
	noResume := fs.Bool("no-resume", false, "ignore any matching incomplete session and start fresh")
	workersFlag := fs.String("workers", "", "comma-separated subset of configured worker names")
	exaggeration := fs.Float64("exaggeration", float64(protocol.DefaultJobOptions().Exaggeration), "synthesis exaggeration override")
	cfgWeight := fs.Float64("cfg", float64(protocol.DefaultJobOptions().CFG), "synthesis cfg override")
	temperature := fs.Float64("temperature", float64(protocol.DefaultJobOptions().Temperature), "synthesis temperature override")
	monitorAddr := fs.String("monitor-addr", "", "optional bind address for the live progress dashboard")
	// Flags may follow the positional arguments, so parse past each one.
	var rest []string
	for {
		if err := fs.Parse(args); err != nil {
			return err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		rest = append(rest, args[0])
		args = args[1:]
	}
	if len(rest) < 1 {
		return fmt.Errorf("convert: expected an input path")
	}

	opts := convertOptions{
		inputPath:    rest[0],
		outputPath:   *output,
		voiceRef:     *voiceRef,
		noResume:     *noResume,
		exaggeration: *exaggeration,
		cfgWeight:    *cfgWeight,
		temperature:  *temperature,
	}
	if len(rest) > 1 {
		opts.outputPath = rest[1]
	}
	if opts.outputPath == "" {
		opts.outputPath = strings.TrimSuffix(opts.inputPath, filepathExt(opts.inputPath)) + ".m4b"
	}
	var err error
	opts.chapterLow, opts.chapterHi, err = parseChapterRange(*chapters)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*workersFlag) != "" {
		opts.workers = strings.Split(*workersFlag, ",")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(*monitorAddr) != "" {
		cfg.BindAddr = *monitorAddr
	}

	return convert(context.Background(), cfg, opts, noopDecoder{}, noopAssembler{})
}

func convert(ctx context.Context, cfg config.Config, opts convertOptions, decoder extern.BookDecoder, assembler extern.Assembler) error {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := newSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("session store init failed: %w", err)
	}

	book, err := decoder.Decode(ctx, opts.inputPath)
	if err != nil {
		return fmt.Errorf("decode book: %w", err)
	}
	chunks := selectChapterRange(book.Chunks, opts.chapterLow, opts.chapterHi)
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks to synthesize in the requested chapter range")
	}

	sess, err := resumeOrCreateSession(store, opts, book, chunks)
	if err != nil {
		return err
	}

	poolCfg, err := poolconfig.Load()
	if err != nil {
		return fmt.Errorf("load workers config: %w", err)
	}

	var p *pool.Pool
	if len(opts.workers) > 0 {
		p = pool.NewSubset(poolCfg, opts.workers, sshTransportFactory, workerCommand)
	} else {
		p = pool.New(poolCfg, sshTransportFactory, workerCommand)
	}
	if p.Len() == 0 {
		return fmt.Errorf("scheduler: no workers configured")
	}
	p.SetMetrics(metrics)

	for _, res := range p.ConnectAll(ctx) {
		if res.Err != nil {
			log.Printf("worker %q not ready: %v", res.Name, res.Err)
		}
	}
	if len(p.ReadyWorkers()) == 0 {
		return scheduler.ErrNoWorkersReady
	}

	if opts.voiceRef != "" {
		hash, err := voiceasset.HashFile(opts.voiceRef)
		if err != nil {
			return fmt.Errorf("hash voice reference: %w", err)
		}
		if err := p.EnsureVoiceRef(ctx, opts.voiceRef, hash); err != nil {
			return fmt.Errorf("upload voice reference: %w", err)
		}
	}

	tempDir, err := store.TempDir(sess.SessionID)
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	sched := scheduler.New(p, tempDir, poolCfg.Defaults.RetryAttempts)
	sched.SetMetrics(metrics)
	sched.Enqueue(pendingJobs(sess, chunks, opts))

	jobLedger, err := ledger.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("ledger init failed: %w", err)
	}
	defer jobLedger.Close()

	var monitorSrv *http.Server
	if cfg.MonitorEnabled() {
		mon := monitor.New(sess.SessionID, sched, metrics, cfg.AllowAnyOrigin)
		monitorSrv = &http.Server{Addr: cfg.BindAddr, Handler: mon.Router()}
		go func() {
			log.Printf("monitor listening on %s", cfg.BindAddr)
			if err := monitorSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("monitor listen error: %v", err)
			}
		}()
		defer shutdownMonitor(monitorSrv, cfg.ShutdownTimeout)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go interruptOnSignal(cancel)

	onResult := func(workerName string, result protocol.Result) {
		chapterID, chunkID, perr := protocol.ParseJobID(result.JobID)
		if perr != nil {
			log.Printf("dropping result with unparseable job id %q: %v", result.JobID, perr)
			return
		}
		if result.Status == protocol.StatusCompleted {
			localPath := result.AudioPath
			if err := store.MarkChunkComplete(&sess, chapterID, chunkID, localPath); err != nil {
				log.Printf("session persist failed: %v", err)
			}
		} else {
			if err := store.MarkChunkError(&sess, chapterID, chunkID, result.Error); err != nil {
				log.Printf("session persist failed: %v", err)
			}
		}

		var durationMS uint64
		if result.DurationMS != nil {
			durationMS = *result.DurationMS
		}
		_ = jobLedger.Record(ctx, ledger.Entry{
			SessionID:  sess.SessionID,
			JobID:      result.JobID,
			Worker:     workerName,
			Status:     string(result.Status),
			DurationMS: durationMS,
			ErrorText:  result.Error,
		})
	}

	onProgress := func(p scheduler.Progress) {
		log.Printf("progress: %d/%d completed, %d in flight", p.Completed, p.TotalJobs, p.InFlight)
	}

	results := sched.Run(runCtx, onProgress, onResult)
	completed, total, _ := sessionstore.GetProgress(sess)
	log.Printf("run finished: %d/%d chunks completed", completed, total)

	if completed == 0 {
		return fmt.Errorf("conversion produced no audio: all %d chunks failed", total)
	}

	if err := assembleOutput(ctx, store, sess, book, opts.outputPath, assembler); err != nil {
		return fmt.Errorf("assembly: %w", err)
	}

	if sess.Completed {
		if err := store.CleanupSession(sess); err != nil {
			log.Printf("session cleanup failed: %v", err)
		}
	}

	_ = results
	return nil
}

func assembleOutput(ctx context.Context, store *sessionstore.Store, sess sessionstore.Session, book extern.BookMetadata, outputPath string, assembler extern.Assembler) error {
	chapters := make([]extern.ChapterAudio, 0, sess.TotalChapters)
	for chapterID := 0; chapterID < sess.TotalChapters; chapterID++ {
		files := sessionstore.GetChapterAudioFiles(sess, chapterID)
		if len(files) == 0 {
			continue
		}
		chapters = append(chapters, extern.ChapterAudio{
			ChapterID:  chapterID,
			AudioFiles: files,
		})
	}
	return assembler.Assemble(ctx, outputPath, chapters)
}

func resumeOrCreateSession(store *sessionstore.Store, opts convertOptions, book extern.BookMetadata, chunks []extern.TextChunk) (sessionstore.Session, error) {
	if !opts.noResume {
		if sess, err := store.FindSessionForBook(opts.inputPath); err == nil {
			log.Printf("resuming session %s (%d/%d chunks complete)", sess.SessionID, sess.CompletedCount(), sess.TotalChunks)
			return sess, nil
		} else if !errors.Is(err, sessionstore.ErrNotFound) {
			return sessionstore.Session{}, fmt.Errorf("find resumable session: %w", err)
		}
	}

	statuses := make([]sessionstore.ChunkStatus, 0, len(chunks))
	for _, c := range chunks {
		statuses = append(statuses, sessionstore.NewChunkStatus(c.ChapterID, c.ChunkID))
	}
	sess, err := store.CreateSession(opts.inputPath, book.Title, book.Author, statuses)
	if err != nil {
		return sessionstore.Session{}, fmt.Errorf("create session: %w", err)
	}
	log.Printf("created session %s (%d chunks)", sess.SessionID, sess.TotalChunks)
	return sess, nil
}

func pendingJobs(sess sessionstore.Session, chunks []extern.TextChunk, opts convertOptions) []protocol.Job {
	byKey := make(map[[2]int]extern.TextChunk, len(chunks))
	for _, c := range chunks {
		byKey[[2]int{c.ChapterID, c.ChunkID}] = c
	}

	options := protocol.DefaultJobOptions()
	options.Exaggeration = float32(opts.exaggeration)
	options.CFG = float32(opts.cfgWeight)
	options.Temperature = float32(opts.temperature)
	options = options.Clamp()

	jobs := make([]protocol.Job, 0, len(sess.Chunks))
	for _, status := range sess.Chunks {
		if status.Completed {
			continue
		}
		chunk, ok := byKey[[2]int{status.ChapterID, status.ChunkID}]
		if !ok {
			continue
		}
		jobs = append(jobs, protocol.NewJob(sess.SessionID, chunk.ChapterID, chunk.ChunkID, chunk.Text, options))
	}
	return jobs
}

func selectChapterRange(chunks []extern.TextChunk, low, high int) []extern.TextChunk {
	if high < low {
		return chunks
	}
	out := make([]extern.TextChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.ChapterID >= low && c.ChapterID <= high {
			out = append(out, c)
		}
	}
	return out
}

func newSessionStore(cfg config.Config) (*sessionstore.Store, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		var err error
		dataDir, err = sessionstore.DefaultDataDir()
		if err != nil {
			return nil, err
		}
	}
	return sessionstore.New(dataDir)
}

func interruptOnSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received, draining in-flight jobs")
	cancel()
}

func shutdownMonitor(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
}

func filepathExt(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}

// noopDecoder and noopAssembler are placeholders for the out-of-scope
// collaborators (extern.BookDecoder, extern.Assembler); a real driver
// build wires in the actual EPUB decoder and audio assembler.
type noopDecoder struct{}

func (noopDecoder) Decode(_ context.Context, path string) (extern.BookMetadata, error) {
	return extern.BookMetadata{}, fmt.Errorf("no book decoder configured for %q", path)
}

type noopAssembler struct{}

func (noopAssembler) Assemble(_ context.Context, _ string, _ []extern.ChapterAudio) error {
	return fmt.Errorf("no audio assembler configured")
}
