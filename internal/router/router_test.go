package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"arp/internal/handlers"
	"arp/internal/models"
	"arp/internal/repository"
	"arp/internal/services"
	"arp/pkg/config"
	"arp/pkg/connector"
	"arp/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type okRunner struct{}

func (okRunner) Run(ctx context.Context, target connector.Target, command string, timeout time.Duration) (*connector.CommandResult, error) {
	return &connector.CommandResult{Stdout: "ok"}, nil
}

type okRequester struct{}

func (okRequester) Do(ctx context.Context, req *connector.HTTPRequest, timeout time.Duration) (*connector.HTTPResponse, error) {
	return &connector.HTTPResponse{StatusCode: http.StatusOK, Body: "{}"}, nil
}

type plainTargets struct{}

func (plainTargets) Resolve(server *models.Server) (connector.Target, error) {
	return connector.Target{Host: server.Hostname, Port: server.Port, Username: "root", OSType: server.OSType}, nil
}

type fakeTester struct{}

func (fakeTester) TestPing(ctx context.Context, host string, port int) *connector.TestResult {
	return &connector.TestResult{Success: host != "unreachable", Message: "ping"}
}

func (fakeTester) TestConnection(ctx context.Context, target connector.Target) *connector.TestResult {
	return &connector.TestResult{Success: true, Message: "ok", Details: map[string]interface{}{"user": target.Username}}
}

type testEnv struct {
	engine *gin.Engine
	queue  *queue.MemoryQueue
	hub    *services.EventHub
	exec   *services.ExecutionService
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	q := queue.NewMemoryQueue(16)
	hub := services.NewEventHub()

	breakers := services.NewCircuitBreakerService(store, services.BreakerSettings{FailureThreshold: 3, FailureWindowMinutes: 30, OpenDurationMinutes: 15})
	limiter := services.NewRateLimiter(store, store)
	validator := services.NewCommandValidator(store)
	gate := services.NewSafetyGate(validator, services.NewBlackoutEvaluator(store), breakers, limiter, 0)
	execSvc := services.NewExecutionService(services.ExecutionServiceOptions{
		Store:    store,
		Gate:     gate,
		Breakers: breakers,
		Executor: services.NewStepExecutor(okRunner{}, okRequester{}),
		Targets:  plainTargets{},
		Matcher:  services.NewTriggerMatcher(store),
		Queue:    q,
		Events:   hub,
	})

	h := &Handlers{
		System:       handlers.NewSystemHandler(q, hub, nil),
		Runbook:      handlers.NewRunbookHandler(services.NewRunbookService(store, 60), execSvc),
		Execution:    handlers.NewExecutionHandler(execSvc),
		Safety:       handlers.NewSafetyHandler(services.NewSafetyPolicyService(store, store, validator, gate, limiter), breakers),
		ScheduledJob: handlers.NewScheduledJobHandler(services.NewSchedulerService(store, execSvc, time.Second)),
		Server:       handlers.NewServerHandler(services.NewServerService(store, plainTargets{}, fakeTester{})),
		WebSocket:    handlers.NewWebSocketHandler(hub, []string{"*"}),
	}
	engine := SetupRouter(h, config.CORSConfig{AllowOrigins: []string{"*"}, AllowMethods: []string{"GET", "POST"}})
	return &testEnv{engine: engine, queue: q, hub: hub, exec: execSvc}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) (*envelope, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return &env, w
}

func decode[T any](t *testing.T, env *envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestManualExecutionWithApprovalOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	events, unsubscribe := e.hub.Subscribe("", 16)
	defer unsubscribe()

	resp, _ := e.do(t, http.MethodPost, "/api/v1/servers", `{"name":"web-01","hostname":"10.0.0.1","os_type":"linux"}`, nil)
	require.Equal(t, 200, resp.Code, resp.Message)
	server := decode[models.Server](t, resp)
	assert.Equal(t, 22, server.Port)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/runbooks", `{
		"name": "restart-nginx",
		"enabled": true,
		"approval_required": true,
		"approval_roles": ["sre"],
		"steps": [{"step_order": 1, "name": "restart", "step_type": "command", "command": {"linux": "systemctl restart nginx"}}]
	}`, map[string]string{"X-Actor": "alice"})
	require.Equal(t, 200, resp.Code, resp.Message)
	rb := decode[models.Runbook](t, resp)
	assert.Equal(t, "alice", rb.CreatedBy)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/runbooks/"+rb.ID+"/execute", `{"server_id":"`+server.ID+`"}`, map[string]string{"X-Actor": "alice"})
	require.Equal(t, 200, resp.Code, resp.Message)
	exec := decode[models.RunbookExecution](t, resp)
	assert.Equal(t, models.ExecutionStatusPendingApproval, exec.Status)

	var token string
	for token == "" {
		select {
		case evt := <-events:
			if evt.Type == services.EventApprovalRequested {
				token = evt.ApprovalToken
			}
		case <-time.After(time.Second):
			t.Fatal("approval_requested event not published")
		}
	}

	// 角色不符
	resp, _ = e.do(t, http.MethodPost, "/api/v1/approvals/"+token+"/approve", "", map[string]string{"X-Actor": "bob", "X-Actor-Roles": "dev"})
	assert.Equal(t, 403, resp.Code)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/approvals/"+token+"/approve", "", map[string]string{"X-Actor": "carol", "X-Actor-Roles": "dev, sre"})
	require.Equal(t, 200, resp.Code, resp.Message)
	approved := decode[models.RunbookExecution](t, resp)
	assert.Equal(t, models.ExecutionStatusApproved, approved.Status)
	assert.Equal(t, "carol", approved.ApprovedBy)

	n, _ := e.queue.Len(context.Background())
	assert.Equal(t, int64(1), n)

	// 令牌只能使用一次
	resp, _ = e.do(t, http.MethodPost, "/api/v1/approvals/"+token+"/reject", "", nil)
	assert.Equal(t, 404, resp.Code)

	require.NoError(t, e.exec.Run(context.Background(), exec.ID))
	resp, _ = e.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, "", nil)
	require.Equal(t, 200, resp.Code)
	done := decode[models.RunbookExecution](t, resp)
	assert.Equal(t, models.ExecutionStatusCompleted, done.Status)
	assert.NotEmpty(t, done.StepExecutions)
}

func TestAlertWithoutMatchingTrigger(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/v1/alerts", `{"name":"DiskFull","severity":"critical"}`, nil)
	require.Equal(t, 200, resp.Code)
	result := decode[services.AlertResult](t, resp)
	assert.False(t, result.Matched)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/alerts", `{"severity":"critical"}`, nil)
	assert.Equal(t, 400, resp.Code)
}

func TestRunbookImportExportOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	yamlDoc := `
name: clear-tmp
enabled: true
steps:
  - order: 1
    name: clean
    type: command
    command:
      linux: "find /tmp -mtime +7 -delete"
`
	resp, _ := e.do(t, http.MethodPost, "/api/v1/runbooks/import", yamlDoc, nil)
	require.Equal(t, 200, resp.Code, resp.Message)
	rb := decode[models.Runbook](t, resp)

	_, w := e.do(t, http.MethodGet, "/api/v1/runbooks/"+rb.ID+"/export", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "name: clear-tmp")

	resp, _ = e.do(t, http.MethodGet, "/api/v1/runbooks/missing/export", "", nil)
	assert.Equal(t, 404, resp.Code)
}

func TestSafetyEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/v1/command-patterns", `{"list_type":"blocklist","pattern_type":"contains","pattern":"mkfs","enabled":true}`, nil)
	require.Equal(t, 200, resp.Code, resp.Message)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/command-patterns/validate", `{"command":"mkfs.ext4 /dev/sdb1","os_type":"linux"}`, nil)
	require.Equal(t, 200, resp.Code)
	verdict := decode[services.CommandVerdict](t, resp)
	assert.False(t, verdict.Allowed)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/command-patterns/validate", `{"command":"ls","os_type":"solaris"}`, nil)
	assert.Equal(t, 400, resp.Code)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/circuit-breakers/server/srv-1/open", `{"reason":"disk replacement"}`, map[string]string{"X-Actor": "alice"})
	require.Equal(t, 200, resp.Code, resp.Message)
	b := decode[models.CircuitBreaker](t, resp)
	assert.Equal(t, models.BreakerStateOpen, b.State)
	assert.Equal(t, "alice", b.ManualActor)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/circuit-breakers", "", nil)
	require.Equal(t, 200, resp.Code)
	assert.Len(t, decode[[]models.CircuitBreaker](t, resp), 1)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/circuit-breakers/server/srv-1/clear", "", nil)
	require.Equal(t, 200, resp.Code)
	assert.Equal(t, models.BreakerStateClosed, decode[models.CircuitBreaker](t, resp).State)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/circuit-breakers/cluster/x/open", `{"reason":"x"}`, nil)
	assert.Equal(t, 400, resp.Code)
}

func TestScheduledJobRejectsBadCron(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/v1/runbooks", `{"name":"noop","enabled":true,"steps":[{"step_order":1,"name":"noop","step_type":"command","command":{"linux":"true"}}]}`, nil)
	require.Equal(t, 200, resp.Code, resp.Message)
	rb := decode[models.Runbook](t, resp)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/scheduled-jobs", `{"name":"bad","runbook_id":"`+rb.ID+`","schedule_type":"cron","cron_expression":"every day","enabled":true}`, nil)
	assert.Equal(t, 400, resp.Code)
	assert.Contains(t, resp.Message, "scheduling_error")
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	_, w := e.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestServerConnectivity(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/v1/servers", `{"name":"db-01","hostname":"unreachable","os_type":"linux"}`, nil)
	require.Equal(t, 200, resp.Code, resp.Message)
	down := decode[models.Server](t, resp)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/servers/"+down.ID+"/test", "", nil)
	require.Equal(t, 200, resp.Code, resp.Message)
	assert.False(t, decode[connector.TestResult](t, resp).Success)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/servers", `{"name":"db-02","hostname":"10.0.0.2","os_type":"linux"}`, nil)
	require.Equal(t, 200, resp.Code, resp.Message)
	up := decode[models.Server](t, resp)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/servers/"+up.ID+"/test", "", nil)
	require.Equal(t, 200, resp.Code, resp.Message)
	result := decode[connector.TestResult](t, resp)
	assert.True(t, result.Success)
	assert.Equal(t, "root", result.Details["user"])

	resp, _ = e.do(t, http.MethodPost, "/api/v1/servers/missing/test", "", nil)
	assert.Equal(t, 404, resp.Code)
}
