package ledger

import (
	"context"
	"strings"
)

// New creates a postgres-backed ledger when databaseURL is configured,
// otherwise an in-memory one scoped to this process's lifetime.
func New(ctx context.Context, databaseURL string) (Ledger, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemory(), nil
	}
	return NewPostgres(ctx, databaseURL)
}
