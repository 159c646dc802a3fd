package pool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aarons-labs/gena-coordinator/internal/poolconfig"
	"github.com/aarons-labs/gena-coordinator/internal/protocol"
	"github.com/aarons-labs/gena-coordinator/internal/transport"
	"github.com/aarons-labs/gena-coordinator/internal/transport/faketransport"
)

// readyTransportFactory returns a transport factory whose workers all
// report ready on status probe, keyed by name for per-worker scripting.
func readyTransportFactory(t *testing.T, byName map[string]*faketransport.Transport) TransportFactory {
	t.Helper()
	return func(cfg poolconfig.Worker, _ poolconfig.Defaults) transport.Transport {
		ft := byName[cfg.Name]
		if ft == nil {
			ft = faketransport.New()
			byName[cfg.Name] = ft
		}
		if _, ok := ft.ExecResponses["gena-worker status"]; !ok {
			status := protocol.WorkerStatus{Ready: true}
			data, _ := json.Marshal(status)
			ft.ExecResponses["gena-worker status"] = faketransport.ExecResult{Output: data}
		}
		return ft
	}
}

func testConfig() poolconfig.Config {
	cfg := poolconfig.Default()
	w1 := poolconfig.NewWorker("w1", "h1", "u1")
	w1.Priority = 1
	w1.MaxConcurrentJobs = 1
	w2 := poolconfig.NewWorker("w2", "h2", "u2")
	w2.Priority = 2
	w2.MaxConcurrentJobs = 1
	cfg.Add(w1)
	cfg.Add(w2)
	return cfg
}

func TestGetAvailableWorkerPrefersLowerPriority(t *testing.T) {
	byName := make(map[string]*faketransport.Transport)
	p := New(testConfig(), readyTransportFactory(t, byName), "gena-worker")
	for _, r := range p.ConnectAll(context.Background()) {
		if r.Err != nil {
			t.Fatalf("connect %s: %v", r.Name, r.Err)
		}
	}

	// S2: both idle, both ready, max_concurrent=1 each.
	h, ok := p.GetAvailableWorker(map[string]int{})
	if !ok || h.Name() != "w1" {
		t.Fatalf("expected w1 selected first, got %v, ok=%v", h, ok)
	}

	// w1 now has one in-flight job; w2 should be selected next.
	h, ok = p.GetAvailableWorker(map[string]int{"w1": 1})
	if !ok || h.Name() != "w2" {
		t.Fatalf("expected w2 selected while w1 saturated, got %v, ok=%v", h, ok)
	}

	// w1 frees up; it is preferred again over w2 which is now in flight.
	h, ok = p.GetAvailableWorker(map[string]int{"w1": 0, "w2": 1})
	if !ok || h.Name() != "w1" {
		t.Fatalf("expected w1 selected once free again, got %v, ok=%v", h, ok)
	}
}

func TestGetAvailableWorkerReturnsFalseWhenAllSaturated(t *testing.T) {
	byName := make(map[string]*faketransport.Transport)
	p := New(testConfig(), readyTransportFactory(t, byName), "gena-worker")
	p.ConnectAll(context.Background())

	_, ok := p.GetAvailableWorker(map[string]int{"w1": 1, "w2": 1})
	if ok {
		t.Fatalf("expected no available worker when all are saturated")
	}
}

func TestEnsureVoiceRefUploadsOncePerWorker(t *testing.T) {
	byName := make(map[string]*faketransport.Transport)
	p := New(testConfig(), readyTransportFactory(t, byName), "gena-worker")
	p.ConnectAll(context.Background())

	// S5: neither worker has the voice file; ensure issues one upload
	// per worker (2 total), and a second call issues zero more.
	if err := p.EnsureVoiceRef(context.Background(), "/local/voice.wav", "hash1"); err != nil {
		t.Fatalf("EnsureVoiceRef: %v", err)
	}
	totalUploads := 0
	for _, ft := range byName {
		totalUploads += len(ft.UploadCalls)
	}
	if totalUploads != 2 {
		t.Fatalf("expected 2 uploads across both workers, got %d", totalUploads)
	}

	if err := p.EnsureVoiceRef(context.Background(), "/local/voice.wav", "hash1"); err != nil {
		t.Fatalf("second EnsureVoiceRef: %v", err)
	}
	totalUploads = 0
	for _, ft := range byName {
		totalUploads += len(ft.UploadCalls)
	}
	if totalUploads != 2 {
		t.Fatalf("expected no additional uploads on second call, got %d total", totalUploads)
	}
}

func TestGetWorkerByName(t *testing.T) {
	byName := make(map[string]*faketransport.Transport)
	p := New(testConfig(), readyTransportFactory(t, byName), "gena-worker")

	h, ok := p.GetWorker("w2")
	if !ok || h.Name() != "w2" {
		t.Fatalf("expected to find w2, got %v, ok=%v", h, ok)
	}
	if _, ok := p.GetWorker("missing"); ok {
		t.Fatalf("expected missing worker to report false")
	}
}
