package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"arp/internal/models"
	"arp/internal/repository"
	"arp/pkg/connector"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type gateFixture struct {
	store    *repository.MemoryStore
	clock    *fakeClock
	breakers *CircuitBreakerService
	limiter  *RateLimiter
	gate     *SafetyGate
}

func newGateFixture(t *testing.T, globalCap int) *gateFixture {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := newFakeClock(time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC))

	breakers := NewCircuitBreakerService(store, BreakerSettings{
		FailureThreshold:     3,
		FailureWindowMinutes: 30,
		OpenDurationMinutes:  15,
	})
	breakers.now = clock.Now
	limiter := NewRateLimiter(store, store)
	limiter.now = clock.Now
	gate := NewSafetyGate(NewCommandValidator(store), NewBlackoutEvaluator(store), breakers, limiter, globalCap)
	gate.now = clock.Now

	return &gateFixture{store: store, clock: clock, breakers: breakers, limiter: limiter, gate: gate}
}

func addPattern(t *testing.T, store *repository.MemoryStore, listType, patternType, pattern, osType string) *models.CommandPattern {
	t.Helper()
	p := &models.CommandPattern{
		ListType:    listType,
		PatternType: patternType,
		Pattern:     pattern,
		OSType:      osType,
		Enabled:     true,
	}
	require.NoError(t, store.CreateCommandPattern(context.Background(), p))
	return p
}

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	targets  []connector.Target
	handler  func(command string) (*connector.CommandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, target connector.Target, command string, timeout time.Duration) (*connector.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.targets = append(f.targets, target)
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return &connector.CommandResult{Stdout: "ok\n"}, nil
	}
	return handler(command)
}

func (f *fakeRunner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type fakeRequester struct {
	mu       sync.Mutex
	requests []connector.HTTPRequest
	handler  func(req *connector.HTTPRequest) (*connector.HTTPResponse, error)
}

func (f *fakeRequester) Do(ctx context.Context, req *connector.HTTPRequest, timeout time.Duration) (*connector.HTTPResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return &connector.HTTPResponse{StatusCode: 200, Headers: http.Header{}}, nil
	}
	return handler(req)
}

func (f *fakeRequester) Requests() []connector.HTTPRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.HTTPRequest(nil), f.requests...)
}

func commandStep(order int, cmd string) models.RunbookStep {
	return models.RunbookStep{
		StepOrder:      order,
		Name:           fmt.Sprintf("step-%d", order),
		StepType:       models.StepTypeCommand,
		TimeoutSeconds: 30,
		Command:        &models.CommandAction{Linux: cmd},
	}
}
