package poolconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFromMissingFileYieldsDefault(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Defaults != DefaultDefaults() {
		t.Fatalf("expected default defaults, got %+v", cfg.Defaults)
	}
	if len(cfg.Workers) != 0 {
		t.Fatalf("expected no workers, got %d", len(cfg.Workers))
	}
}

func TestParseTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.toml")
	doc := `
[defaults]
ssh_timeout_secs = 60
job_timeout_secs = 600

[[workers]]
name = "gpu1"
host = "192.168.1.50"
user = "ubuntu"
ssh_key = "~/.ssh/id_ed25519"
priority = 1

[[workers]]
name = "gpu2"
host = "ssh.example.com"
user = "root"
port = 12345
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Defaults.SSHTimeoutSecs != 60 || cfg.Defaults.JobTimeoutSecs != 600 {
		t.Fatalf("unexpected defaults: %+v", cfg.Defaults)
	}
	if len(cfg.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(cfg.Workers))
	}
	if cfg.Workers[0].Name != "gpu1" || cfg.Workers[1].Port != 12345 {
		t.Fatalf("unexpected workers: %+v", cfg.Workers)
	}
	// Worker 2 has no explicit priority: must fall back to the default.
	if cfg.Workers[1].Priority != defaultPriority {
		t.Fatalf("expected default priority on gpu2, got %d", cfg.Workers[1].Priority)
	}
}

func TestAddRemoveWorker(t *testing.T) {
	cfg := Default()
	cfg.Add(NewWorker("worker1", "host1", "user1"))
	if len(cfg.Workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(cfg.Workers))
	}

	cfg.Add(NewWorker("worker2", "host2", "user2"))
	if len(cfg.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(cfg.Workers))
	}

	// Adding a worker with the same name replaces it in place.
	replaced := NewWorker("worker1", "newhost", "newuser")
	cfg.Add(replaced)
	if len(cfg.Workers) != 2 {
		t.Fatalf("expected 2 workers after replace, got %d", len(cfg.Workers))
	}
	got, ok := cfg.Get("worker1")
	if !ok || got.Host != "newhost" {
		t.Fatalf("expected worker1 host to be updated, got %+v", got)
	}

	if !cfg.Remove("worker1") {
		t.Fatalf("expected worker1 to be removed")
	}
	if cfg.Remove("worker1") {
		t.Fatalf("expected second remove of worker1 to report false")
	}
	if len(cfg.Workers) != 1 {
		t.Fatalf("expected 1 worker remaining, got %d", len(cfg.Workers))
	}
}

func TestExpandedSSHKey(t *testing.T) {
	w := NewWorker("test", "host", "user")
	w.SSHKey = "~/.ssh/test_key"

	expanded := w.ExpandedSSHKey()
	if expanded == w.SSHKey {
		t.Fatalf("expected ~ expansion, got unchanged path %q", expanded)
	}
	if !strings.HasSuffix(expanded, ".ssh/test_key") {
		t.Fatalf("expected expanded path to end in .ssh/test_key, got %q", expanded)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.toml")
	cfg := Default()
	cfg.Add(NewWorker("gpu1", "10.0.0.1", "ubuntu"))

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	reloaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(reloaded.Workers) != 1 || reloaded.Workers[0].Name != "gpu1" {
		t.Fatalf("unexpected reloaded config: %+v", reloaded)
	}
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o600)
}
