package flushmanager

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
)

func TestWorker_RunsTasksInOrder(t *testing.T) {
	w := NewWorker(zaptest.NewLogger(t))
	defer w.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		require.NoError(t, w.Enqueue(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	w.Drain()

	require.Len(t, order, 100)
	for i, v := range order {
		require.Equal(t, i, v)
	}
	require.Zero(t, w.Pending())
	require.NoError(t, w.Err())
}

func TestWorker_KeepsFirstError(t *testing.T) {
	w := NewWorker(zaptest.NewLogger(t))
	first := errors.New("first")

	require.NoError(t, w.Enqueue(func() error { return first }))
	require.NoError(t, w.Enqueue(func() error { return errors.New("second") }))
	ran := false
	require.NoError(t, w.Enqueue(func() error { ran = true; return nil }))

	err := w.Close()
	require.ErrorIs(t, err, first)
	require.True(t, ran)
	require.ErrorIs(t, w.Err(), first)
}

func TestWorker_EnqueueAfterClose(t *testing.T) {
	w := NewWorker(nil)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	err := w.Enqueue(func() error { return nil })
	require.ErrorIs(t, err, common.ErrClosed)
}
