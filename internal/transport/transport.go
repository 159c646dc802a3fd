// Package transport drives a remote worker endpoint over the host's
// standard ssh/sftp binaries as child processes. It is the sole layer
// that shells out to the network; callers above it never see exec.Cmd.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultUploadDownloadTimeout = 5 * time.Minute
	controlPersistSecs           = 60
	controlMasterPersistSecs     = 300
)

// Endpoint is the remote connection target and per-op tuning the
// transport drives every command against.
type Endpoint struct {
	Host       string
	User       string
	Port       uint16
	IdentityFile string // already ~-expanded; empty means "use agent/default"
	Timeout    time.Duration
}

// Target returns the "user@host" SSH destination string.
func (e Endpoint) Target() string {
	return fmt.Sprintf("%s@%s", e.User, e.Host)
}

// SSH drives exec/copy operations against one Endpoint, optionally
// multiplexed over a persistent control-master connection.
type SSH struct {
	endpoint      Endpoint
	controlSocket string // empty until establishControlMaster succeeds
}

// New builds a transport for the given endpoint. No connection is made
// until the first operation.
func New(endpoint Endpoint) *SSH {
	return &SSH{endpoint: endpoint}
}

func (s *SSH) sshArgs() []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(s.endpoint.Timeout.Seconds())),
	}
	if s.controlSocket != "" {
		args = append(args,
			"-o", fmt.Sprintf("ControlPath=%s", s.controlSocket),
			"-o", "ControlMaster=auto",
			"-o", fmt.Sprintf("ControlPersist=%d", controlPersistSecs),
		)
	}
	if s.endpoint.IdentityFile != "" {
		args = append(args, "-i", s.endpoint.IdentityFile)
	}
	if s.endpoint.Port != 0 && s.endpoint.Port != 22 {
		args = append(args, "-p", fmt.Sprintf("%d", s.endpoint.Port))
	}
	return args
}

func (s *SSH) sftpArgs() []string {
	args := []string{"-b", "-", "-o", "BatchMode=yes"}
	if s.controlSocket != "" {
		args = append(args, "-o", fmt.Sprintf("ControlPath=%s", s.controlSocket))
	}
	if s.endpoint.IdentityFile != "" {
		args = append(args, "-i", s.endpoint.IdentityFile)
	}
	if s.endpoint.Port != 0 && s.endpoint.Port != 22 {
		args = append(args, "-P", fmt.Sprintf("%d", s.endpoint.Port))
	}
	return args
}

// EstablishControlMaster opens a background multiplexed connection that
// subsequent operations on this endpoint route through. Optional: every
// operation must succeed without it, just more slowly.
func (s *SSH) EstablishControlMaster(ctx context.Context) error {
	socketDir := filepath.Join(os.TempDir(), "gena-ssh")
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return fmt.Errorf("transport: create control socket dir: %w", err)
	}
	socketPath := filepath.Join(socketDir, fmt.Sprintf("%s_%s_%d", s.endpoint.User, s.endpoint.Host, s.endpoint.Port))

	args := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ControlPath=%s", socketPath),
		"-o", "ControlMaster=yes",
		"-o", fmt.Sprintf("ControlPersist=%d", controlMasterPersistSecs),
		"-N", "-f",
	}
	if s.endpoint.IdentityFile != "" {
		args = append(args, "-i", s.endpoint.IdentityFile)
	}
	if s.endpoint.Port != 0 && s.endpoint.Port != 22 {
		args = append(args, "-p", fmt.Sprintf("%d", s.endpoint.Port))
	}
	args = append(args, s.endpoint.Target())

	cmd := exec.CommandContext(ctx, "ssh", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("transport: control master failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	s.controlSocket = socketPath
	return nil
}

// CloseControlMaster tears down the multiplexed connection, if any, and
// removes its socket file. Best-effort: failures are not reported.
func (s *SSH) CloseControlMaster(ctx context.Context) error {
	if s.controlSocket == "" {
		return nil
	}
	args := []string{
		"-o", fmt.Sprintf("ControlPath=%s", s.controlSocket),
		"-O", "exit",
		s.endpoint.Target(),
	}
	_ = exec.CommandContext(ctx, "ssh", args...).Run()
	_ = os.Remove(s.controlSocket)
	s.controlSocket = ""
	return nil
}

// Exec runs a shell command on the remote host under the endpoint's
// configured timeout, returning stdout. Non-zero exit or deadline
// breach is an error.
func (s *SSH) Exec(ctx context.Context, command string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.endpoint.Timeout)
	defer cancel()

	args := append(s.sshArgs(), s.endpoint.Target(), command)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, execError(ctx, "ssh command", err, stderr.Bytes())
	}
	return stdout.Bytes(), nil
}

// ExecWithInput runs a shell command piping stdin in and returning
// stdout. It runs under ctx's deadline when ctx has one (a job
// submission's job timeout), otherwise under the endpoint's configured
// timeout.
func (s *SSH) ExecWithInput(ctx context.Context, command string, input []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.endpoint.Timeout)
		defer cancel()
	}

	args := append(s.sshArgs(), s.endpoint.Target(), command)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, execError(ctx, "ssh command", err, stderr.Bytes())
	}
	return stdout.Bytes(), nil
}

// Upload copies a local file to the remote host via sftp, under a
// longer fixed deadline sized for binary-safe transfers of tens of MB.
func (s *SSH) Upload(ctx context.Context, local, remote string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultUploadDownloadTimeout)
	defer cancel()

	batch := fmt.Sprintf("put %s %s\nquit\n", local, remote)
	return s.runSFTP(ctx, batch, "upload")
}

// Download copies a remote file to the local host via sftp, under the
// same longer deadline as Upload.
func (s *SSH) Download(ctx context.Context, remote, local string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultUploadDownloadTimeout)
	defer cancel()

	batch := fmt.Sprintf("get %s %s\nquit\n", remote, local)
	return s.runSFTP(ctx, batch, "download")
}

func (s *SSH) runSFTP(ctx context.Context, batchCommands, op string) error {
	args := append(s.sftpArgs(), s.endpoint.Target())
	cmd := exec.CommandContext(ctx, "sftp", args...)
	cmd.Stdin = strings.NewReader(batchCommands)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return execError(ctx, "sftp "+op, err, stderr.Bytes())
	}
	return nil
}

// FileExists reports whether a remote path names an existing regular
// file.
func (s *SSH) FileExists(ctx context.Context, remote string) (bool, error) {
	out, err := s.Exec(ctx, fmt.Sprintf("test -f %s && echo yes || echo no", remotePathArg(remote)))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "yes", nil
}

// MkdirP creates a remote directory, including parents, if absent.
func (s *SSH) MkdirP(ctx context.Context, remote string) error {
	_, err := s.Exec(ctx, fmt.Sprintf("mkdir -p %s", remotePathArg(remote)))
	return err
}

// Remove deletes a remote file. Missing files are not an error (-f).
func (s *SSH) Remove(ctx context.Context, remote string) error {
	_, err := s.Exec(ctx, fmt.Sprintf("rm -f %s", remotePathArg(remote)))
	return err
}

// TestConnection verifies the endpoint is reachable and accepting
// commands.
func (s *SSH) TestConnection(ctx context.Context) error {
	_, err := s.Exec(ctx, "echo ok")
	return err
}

// remotePathArg quotes a remote path for safe inclusion in a shell
// command, except a leading "~" or "~/", which is left unquoted so the
// remote shell still expands it to the login home directory. Single
// quotes would suppress that expansion and point every tilde path at
// a literal directory named "~".
func remotePathArg(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		return path
	}
	return shellQuote(path)
}

func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

func execError(ctx context.Context, label string, err error, stderr []byte) error {
	if ctx.Err() != nil {
		return fmt.Errorf("transport: %s timed out: %w", label, ctx.Err())
	}
	msg := strings.TrimSpace(string(stderr))
	if msg != "" {
		return fmt.Errorf("transport: %s failed: %w: %s", label, err, msg)
	}
	return fmt.Errorf("transport: %s failed: %w", label, err)
}
