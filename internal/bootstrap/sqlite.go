//go:build sqlite

package bootstrap

import (
	"context"

	"durable-job-queue/internal/store"
	"durable-job-queue/internal/store/sqlite"
)

func openSQLite(ctx context.Context, path string) (store.Store, error) {
	return sqlite.Open(ctx, path)
}
