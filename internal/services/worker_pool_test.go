package services

import (
	"context"
	"testing"
	"time"

	"arp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolDrainsQueue(t *testing.T) {
	f := newExecFixture(t)
	rb := f.addRunbook(t, "restart", commandStep(1, "systemctl restart nginx"))

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.create(t, rb).ID)
	}

	pool := NewWorkerPool(f.queue, f.svc, 2)
	pool.popTimeout = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			exec, err := f.svc.Get(context.Background(), id)
			if err != nil || exec.Status != models.ExecutionStatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}
	assert.Len(t, f.runner.Commands(), 3)
}
