package transport

import "context"

// Transport is the operation set a worker handle drives against one
// remote endpoint. *SSH is the production implementation; tests use
// faketransport.Transport instead of shelling out.
type Transport interface {
	Exec(ctx context.Context, command string) ([]byte, error)
	ExecWithInput(ctx context.Context, command string, input []byte) ([]byte, error)
	Upload(ctx context.Context, local, remote string) error
	Download(ctx context.Context, remote, local string) error
	FileExists(ctx context.Context, remote string) (bool, error)
	MkdirP(ctx context.Context, remote string) error
	Remove(ctx context.Context, remote string) error
	TestConnection(ctx context.Context) error
}

var _ Transport = (*SSH)(nil)
