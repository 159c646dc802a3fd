package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/aarons-labs/gena-coordinator/internal/poolconfig"
	"github.com/aarons-labs/gena-coordinator/internal/pool"
	"github.com/aarons-labs/gena-coordinator/internal/transport"
)

func runWorkers(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("workers: expected a subcommand (list|add|remove|test|setup)")
	}

	switch args[0] {
	case "list":
		return workersList()
	case "add":
		return workersAdd(args[1:])
	case "remove":
		return workersRemove(args[1:])
	case "test":
		return workersTest(args[1:])
	case "setup":
		return workersSetup(args[1:])
	default:
		return fmt.Errorf("workers: unknown subcommand %q", args[0])
	}
}

func workersList() error {
	cfg, err := poolconfig.Load()
	if err != nil {
		return fmt.Errorf("load workers config: %w", err)
	}
	if len(cfg.Workers) == 0 {
		fmt.Println("no workers configured")
		return nil
	}
	for _, w := range cfg.Workers {
		fmt.Printf("%-16s %-24s priority=%d port=%d\n", w.Name, w.Target(), w.Priority, w.Port)
	}
	return nil
}

func workersAdd(args []string) error {
	fs := flag.NewFlagSet("workers add", flag.ContinueOnError)
	user := fs.String("u", "gena", "SSH user")
	port := fs.Int("p", 22, "SSH port")
	key := fs.String("k", "", "SSH identity file")
	priority := fs.Uint("priority", 1, "dispatch priority, lower is preferred")
	// Flags may follow <name> <host>, so parse past each positional.
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
	if len(rest) != 2 {
		return fmt.Errorf("workers add: expected <name> <host>")
	}
	name, host := rest[0], rest[1]

	cfg, err := poolconfig.Load()
	if err != nil {
		return fmt.Errorf("load workers config: %w", err)
	}

	w := poolconfig.NewWorker(name, host, *user)
	w.Port = uint16(*port)
	w.SSHKey = *key
	w.Priority = uint32(*priority)
	cfg.Add(w)

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("save workers config: %w", err)
	}
	fmt.Printf("added worker %q (%s)\n", name, w.Target())
	return nil
}

func workersRemove(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("workers remove: expected <name>")
	}
	name := args[0]

	cfg, err := poolconfig.Load()
	if err != nil {
		return fmt.Errorf("load workers config: %w", err)
	}
	if !cfg.Remove(name) {
		return fmt.Errorf("workers remove: no worker named %q", name)
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("save workers config: %w", err)
	}
	fmt.Printf("removed worker %q\n", name)
	return nil
}

func workersTest(args []string) error {
	cfg, err := poolconfig.Load()
	if err != nil {
		return fmt.Errorf("load workers config: %w", err)
	}

	targets := cfg.Workers
	if len(args) == 1 {
		w, ok := cfg.Get(args[0])
		if !ok {
			return fmt.Errorf("workers test: no worker named %q", args[0])
		}
		targets = []poolconfig.Worker{w}
	}
	if len(targets) == 0 {
		fmt.Println("no workers configured")
		return nil
	}

	ctx := context.Background()
	for _, w := range targets {
		tr := transport.New(transport.Endpoint{
			Host:         w.Host,
			User:         w.User,
			Port:         w.Port,
			IdentityFile: w.ExpandedSSHKey(),
			Timeout:      time.Duration(w.EffectiveSSHTimeoutSecs(cfg.Defaults)) * time.Second,
		})
		if err := tr.TestConnection(ctx); err != nil {
			fmt.Printf("%-16s FAIL: %v\n", w.Name, err)
			continue
		}
		fmt.Printf("%-16s OK\n", w.Name)
	}
	return nil
}

// workersSetup probes a single worker's readiness status, the same
// check the scheduler performs before dispatching any job to it.
func workersSetup(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("workers setup: expected <name>")
	}
	name := args[0]

	cfg, err := poolconfig.Load()
	if err != nil {
		return fmt.Errorf("load workers config: %w", err)
	}
	w, ok := cfg.Get(name)
	if !ok {
		return fmt.Errorf("workers setup: no worker named %q", name)
	}

	p := pool.NewSubset(cfg, []string{w.Name}, sshTransportFactory, workerCommand)
	ctx := context.Background()
	for _, res := range p.ConnectAll(ctx) {
		if res.Err != nil {
			return fmt.Errorf("worker %q did not come ready: %w", res.Name, res.Err)
		}
	}
	fmt.Printf("worker %q is ready\n", name)
	return nil
}

func sshTransportFactory(w poolconfig.Worker, defaults poolconfig.Defaults) transport.Transport {
	return transport.New(transport.Endpoint{
		Host:         w.Host,
		User:         w.User,
		Port:         w.Port,
		IdentityFile: w.ExpandedSSHKey(),
		Timeout:      time.Duration(w.EffectiveSSHTimeoutSecs(defaults)) * time.Second,
	})
}

const workerCommand = "gena-worker"

func parseChapterRange(s string) (start, end int, err error) {
	if s == "" {
		return 0, -1, nil
	}
	var startStr, endStr string
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			startStr, endStr = s[:i], s[i+1:]
			break
		}
	}
	if startStr == "" || endStr == "" {
		return 0, 0, fmt.Errorf("chapter range must be <start>-<end>, got %q", s)
	}
	start, err = strconv.Atoi(startStr)
	if err != nil {
		return 0, 0, fmt.Errorf("chapter range start: %w", err)
	}
	end, err = strconv.Atoi(endStr)
	if err != nil {
		return 0, 0, fmt.Errorf("chapter range end: %w", err)
	}
	return start, end, nil
}
