//go:build sqlite

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"durable-job-queue/internal/store"
	"durable-job-queue/internal/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		st, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}
