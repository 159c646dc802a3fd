// Package faketransport is an in-process stand-in for transport.SSH,
// letting pool/scheduler/worker tests exercise real retry and
// concurrency logic without shelling out to ssh/sftp.
package faketransport

import (
	"context"
	"fmt"
	"sync"
)

// Transport implements transport.Transport entirely in memory. Each
// remote path is a key into an in-memory byte store; Exec responses
// are scripted per exact command string, falling back to a default.
type Transport struct {
	mu sync.Mutex

	files map[string][]byte

	// ExecResponses maps an exact command to a canned response or error.
	ExecResponses map[string]ExecResult
	// DefaultExecResult is returned for commands with no entry in
	// ExecResponses.
	DefaultExecResult ExecResult

	// ExecWithInputFunc, if set, overrides ExecWithInput entirely —
	// used to script a worker's job-submission reply from the job body.
	ExecWithInputFunc func(ctx context.Context, command string, input []byte) ([]byte, error)

	ConnectErr error // returned by TestConnection when non-nil

	ExecCalls          []string
	UploadCalls        []string
	DownloadCalls      []string
	ExecWithInputCalls int
}

// ExecResult scripts a canned Exec/ExecWithInput outcome.
type ExecResult struct {
	Output []byte
	Err    error
}

// New returns an empty fake transport ready for scripting.
func New() *Transport {
	return &Transport{
		files:         make(map[string][]byte),
		ExecResponses: make(map[string]ExecResult),
	}
}

// PutFile seeds the fake's remote filesystem, as if uploaded out of band.
func (t *Transport) PutFile(remote string, content []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[remote] = content
}

// HasFile reports whether a remote path is present.
func (t *Transport) HasFile(remote string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.files[remote]
	return ok
}

func (t *Transport) Exec(_ context.Context, command string) ([]byte, error) {
	t.mu.Lock()
	t.ExecCalls = append(t.ExecCalls, command)
	result, ok := t.ExecResponses[command]
	if !ok {
		result = t.DefaultExecResult
	}
	t.mu.Unlock()
	return result.Output, result.Err
}

func (t *Transport) ExecWithInput(ctx context.Context, command string, input []byte) ([]byte, error) {
	t.mu.Lock()
	t.ExecWithInputCalls++
	fn := t.ExecWithInputFunc
	t.mu.Unlock()
	if fn != nil {
		return fn(ctx, command, input)
	}
	return t.Exec(ctx, command)
}

func (t *Transport) Upload(_ context.Context, local, remote string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.UploadCalls = append(t.UploadCalls, fmt.Sprintf("%s->%s", local, remote))
	t.files[remote] = []byte("uploaded:" + local)
	return nil
}

func (t *Transport) Download(_ context.Context, remote, local string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DownloadCalls = append(t.DownloadCalls, fmt.Sprintf("%s->%s", remote, local))
	if _, ok := t.files[remote]; !ok {
		return fmt.Errorf("faketransport: remote file %q does not exist", remote)
	}
	return nil
}

func (t *Transport) FileExists(_ context.Context, remote string) (bool, error) {
	return t.HasFile(remote), nil
}

func (t *Transport) MkdirP(_ context.Context, _ string) error {
	return nil
}

func (t *Transport) Remove(_ context.Context, remote string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, remote)
	return nil
}

func (t *Transport) TestConnection(_ context.Context) error {
	return t.ConnectErr
}
