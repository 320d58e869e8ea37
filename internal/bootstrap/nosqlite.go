//go:build !sqlite

package bootstrap

import (
	"context"
	"errors"

	"durable-job-queue/internal/store"
)

func openSQLite(context.Context, string) (store.Store, error) {
	return nil, errors.New("sqlite support not compiled in; rebuild with -tags sqlite")
}
