package services

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"arp/internal/models"
	"arp/pkg/connector"
	apperrors "arp/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTarget = &connector.Target{Host: "10.0.0.1", Port: 22, Username: "root", Password: "x"}

func TestPrepareRendersOSCommand(t *testing.T) {
	e := NewStepExecutor(&fakeRunner{}, &fakeRequester{})
	step := models.RunbookStep{
		StepOrder: 1,
		StepType:  models.StepTypeCommand,
		Command: &models.CommandAction{
			Linux:         "systemctl restart {{service}}",
			Windows:       "Restart-Service {{service}}",
			RollbackLinux: "systemctl start {{service}}",
		},
	}
	vars := map[string]interface{}{"service": "nginx"}

	p, err := e.Prepare(&step, models.StepPhaseForward, models.OSWindows, vars)
	require.NoError(t, err)
	assert.Equal(t, "Restart-Service nginx", p.Command)

	p, err = e.Prepare(&step, models.StepPhaseRollback, models.OSLinux, vars)
	require.NoError(t, err)
	assert.Equal(t, "systemctl start nginx", p.Command)

	_, err = e.Prepare(&step, models.StepPhaseForward, models.OSLinux, map[string]interface{}{})
	assert.True(t, apperrors.Is(err, apperrors.KindTemplateError))
}

func TestExecuteCommandExitCodeAndPattern(t *testing.T) {
	runner := &fakeRunner{handler: func(cmd string) (*connector.CommandResult, error) {
		switch cmd {
		case "fail":
			return &connector.CommandResult{ExitCode: 3, Stderr: "boom"}, nil
		case "status":
			return &connector.CommandResult{Stdout: "nginx is active\n"}, nil
		}
		return &connector.CommandResult{Stdout: "  42 \n"}, nil
	}}
	e := NewStepExecutor(runner, &fakeRequester{})

	step := commandStep(1, "fail")
	p, err := e.Prepare(&step, models.StepPhaseForward, models.OSLinux, nil)
	require.NoError(t, err)
	res := e.Execute(context.Background(), &step, p, testTarget, false)
	assert.Equal(t, models.StepStatusFailed, res.Status)
	assert.Equal(t, FailureValidation, res.FailureKind)
	assert.True(t, res.Retryable)
	assert.Equal(t, 3, *res.ExitCode)

	step = commandStep(2, "status")
	step.Command.ExpectedOutputPattern = `is (active|running)`
	p, _ = e.Prepare(&step, models.StepPhaseForward, models.OSLinux, nil)
	res = e.Execute(context.Background(), &step, p, testTarget, false)
	assert.True(t, res.Succeeded())

	step.Command.ExpectedOutputPattern = `inactive`
	res = e.Execute(context.Background(), &step, p, testTarget, false)
	assert.Equal(t, FailureValidation, res.FailureKind)

	step = commandStep(3, "count")
	step.OutputVariable = "count"
	p, _ = e.Prepare(&step, models.StepPhaseForward, models.OSLinux, nil)
	res = e.Execute(context.Background(), &step, p, testTarget, false)
	require.True(t, res.Succeeded())
	assert.Equal(t, "42", res.Output)
	assert.Equal(t, map[string]interface{}{"count": "42"}, res.Extracted)
}

func TestExecuteCommandFailureKinds(t *testing.T) {
	runner := &fakeRunner{handler: func(cmd string) (*connector.CommandResult, error) {
		if cmd == "slow" {
			return &connector.CommandResult{ExitCode: -1, Stdout: "partial"}, connector.ErrTimeout
		}
		return nil, errors.Join(connector.ErrTransport, errors.New("connection refused"))
	}}
	e := NewStepExecutor(runner, &fakeRequester{})

	step := commandStep(1, "slow")
	p, _ := e.Prepare(&step, models.StepPhaseForward, models.OSLinux, nil)
	res := e.Execute(context.Background(), &step, p, testTarget, false)
	assert.Equal(t, FailureTimeout, res.FailureKind)
	assert.Equal(t, "partial", res.Stdout)

	step = commandStep(2, "anything")
	p, _ = e.Prepare(&step, models.StepPhaseForward, models.OSLinux, nil)
	res = e.Execute(context.Background(), &step, p, testTarget, false)
	assert.Equal(t, FailureTransport, res.FailureKind)
	assert.True(t, res.Retryable)

	res = e.Execute(context.Background(), &step, p, nil, false)
	assert.Equal(t, FailureTransport, res.FailureKind)
	assert.False(t, res.Retryable)
}

func apiStep(api *models.APIAction) models.RunbookStep {
	return models.RunbookStep{StepOrder: 1, Name: "api", StepType: models.StepTypeAPI, TimeoutSeconds: 10, API: api}
}

func TestExecuteAPIStatusHandling(t *testing.T) {
	status := http.StatusOK
	req := &fakeRequester{handler: func(r *connector.HTTPRequest) (*connector.HTTPResponse, error) {
		return &connector.HTTPResponse{StatusCode: status, Headers: http.Header{}, Body: `{}`}, nil
	}}
	e := NewStepExecutor(&fakeRunner{}, req)
	step := apiStep(&models.APIAction{
		Method:              "post",
		Endpoint:            "https://lb.internal/pools/{{pool}}/drain",
		Headers:             map[string]string{"X-Host": "{{host}}"},
		Body:                `{"host":"{{host}}"}`,
		ExpectedStatusCodes: []int{200, 202},
		RetryOnStatusCodes:  []int{503},
	})
	vars := map[string]interface{}{"pool": "web", "host": "web-01"}

	p, err := e.Prepare(&step, models.StepPhaseForward, "", vars)
	require.NoError(t, err)
	assert.Equal(t, "POST", p.Request.Method)
	assert.Equal(t, "https://lb.internal/pools/web/drain", p.Request.URL)
	assert.Equal(t, "web-01", p.Request.Headers["X-Host"])
	assert.Equal(t, `{"host":"web-01"}`, p.Request.Body)

	res := e.Execute(context.Background(), &step, p, nil, false)
	assert.True(t, res.Succeeded())

	status = http.StatusServiceUnavailable
	res = e.Execute(context.Background(), &step, p, nil, false)
	assert.Equal(t, FailureValidation, res.FailureKind)
	assert.True(t, res.Retryable)

	status = http.StatusBadRequest
	res = e.Execute(context.Background(), &step, p, nil, false)
	assert.Equal(t, models.StepStatusFailed, res.Status)
	assert.False(t, res.Retryable)
	assert.Equal(t, http.StatusBadRequest, *res.HTTPStatus)
}

func TestExecuteAPIExtraction(t *testing.T) {
	req := &fakeRequester{handler: func(r *connector.HTTPRequest) (*connector.HTTPResponse, error) {
		h := http.Header{}
		h.Set("X-Job-Id", "job-9")
		return &connector.HTTPResponse{
			StatusCode: 200,
			Headers:    h,
			Body:       `{"data":{"state":"drained","nodes":[{"id":"n1"}]},"msg":"took 12ms"}`,
		}, nil
	}}
	e := NewStepExecutor(&fakeRunner{}, req)
	step := apiStep(&models.APIAction{
		Method:   "GET",
		Endpoint: "https://lb.internal/status",
		Extract: []models.ExtractRule{
			{Name: "state", Type: models.ExtractJSONPath, Expression: "$.data.state"},
			{Name: "node", Type: models.ExtractJSONPath, Expression: "data.nodes[0].id"},
			{Name: "latency", Type: models.ExtractRegex, Expression: `took (\d+)ms`},
			{Name: "job", Type: models.ExtractHeader, Expression: "X-Job-Id"},
		},
	})
	p, err := e.Prepare(&step, models.StepPhaseForward, "", nil)
	require.NoError(t, err)

	res := e.Execute(context.Background(), &step, p, nil, false)
	require.True(t, res.Succeeded(), res.Message)
	assert.Equal(t, map[string]interface{}{
		"state": "drained", "node": "n1", "latency": "12", "job": "job-9",
	}, res.Extracted)

	step.API.Extract = append(step.API.Extract, models.ExtractRule{Name: "missing", Expression: "data.nope"})
	res = e.Execute(context.Background(), &step, p, nil, false)
	assert.Equal(t, FailureValidation, res.FailureKind)
	assert.False(t, res.Retryable)
}

func TestExecuteAPITransportErrors(t *testing.T) {
	req := &fakeRequester{handler: func(r *connector.HTTPRequest) (*connector.HTTPResponse, error) {
		if r.URL == "https://slow" {
			return nil, connector.ErrTimeout
		}
		return nil, connector.ErrTransport
	}}
	e := NewStepExecutor(&fakeRunner{}, req)

	step := apiStep(&models.APIAction{Endpoint: "https://slow"})
	p, _ := e.Prepare(&step, models.StepPhaseForward, "", nil)
	assert.Equal(t, FailureTimeout, e.Execute(context.Background(), &step, p, nil, false).FailureKind)

	step = apiStep(&models.APIAction{Endpoint: "https://down"})
	p, _ = e.Prepare(&step, models.StepPhaseForward, "", nil)
	assert.Equal(t, FailureTransport, e.Execute(context.Background(), &step, p, nil, false).FailureKind)
}

func TestExecuteDryRunDoesNotTouchRemote(t *testing.T) {
	runner := &fakeRunner{}
	e := NewStepExecutor(runner, &fakeRequester{})
	step := commandStep(1, "reboot")
	p, _ := e.Prepare(&step, models.StepPhaseForward, models.OSLinux, nil)

	res := e.Execute(context.Background(), &step, p, testTarget, true)
	assert.True(t, res.Succeeded())
	assert.Contains(t, res.Stdout, "[dry-run] reboot")
	assert.Empty(t, runner.Commands())
}

func TestAppliesToOS(t *testing.T) {
	step := commandStep(1, "x")
	assert.True(t, AppliesToOS(&step, models.OSWindows))
	step.Command.TargetOS = models.OSLinux
	assert.False(t, AppliesToOS(&step, models.OSWindows))
	assert.True(t, AppliesToOS(&step, models.OSLinux))
}
