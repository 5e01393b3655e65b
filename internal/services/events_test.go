package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	mu     sync.Mutex
	events []ExecutionEvent
}

func (r *recordingSink) Publish(ctx context.Context, evt ExecutionEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingSink) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestEventHubFiltersByExecution(t *testing.T) {
	hub := NewEventHub()
	all, cancelAll := hub.Subscribe("", 4)
	one, cancelOne := hub.Subscribe("exec-1", 4)
	defer cancelAll()

	hub.Publish(context.Background(), ExecutionEvent{Type: EventStarted, ExecutionID: "exec-1"})
	hub.Publish(context.Background(), ExecutionEvent{Type: EventStarted, ExecutionID: "exec-2"})

	assert.Len(t, all, 2)
	assert.Len(t, one, 1)
	assert.Equal(t, "exec-1", (<-one).ExecutionID)

	cancelOne()
	cancelOne()
	assert.Equal(t, 1, hub.Subscribers())
}

func TestEventHubDropsWhenFull(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe("", 1)
	defer cancel()

	hub.Publish(context.Background(), ExecutionEvent{Type: EventStarted})
	hub.Publish(context.Background(), ExecutionEvent{Type: EventCompleted})
	assert.Equal(t, EventStarted, (<-ch).Type)
	assert.Len(t, ch, 0)
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	MultiSink{a, nil, b}.Publish(context.Background(), ExecutionEvent{Type: EventQueued})
	assert.Equal(t, []string{EventQueued}, a.Types())
	assert.Equal(t, []string{EventQueued}, b.Types())
}
