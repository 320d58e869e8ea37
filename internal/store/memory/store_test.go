package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestClosedStoreRejectsTransactions(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	err := s.WithTx(context.Background(), func(store.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancelledContextDoesNotCommit(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertJob(ctx, &models.Job{ClassName: "A", QueueName: "default"}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	err = s.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetJob(context.Background(), 1)
		return err
	})
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}
