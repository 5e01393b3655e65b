package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"arp/internal/models"
	"arp/pkg/connector"
	apperrors "arp/pkg/errors"
)

// 步骤失败分类
const (
	FailureTimeout    = "timeout"
	FailureValidation = "validation_failed"
	FailureTransport  = "transport_error"
	FailureTemplate   = "template_error"
)

// PreparedStep 渲染后的步骤动作
type PreparedStep struct {
	Phase   string
	OSType  string
	Command string
	Request *connector.HTTPRequest
}

// Describe 用于日志和审计的动作描述
func (p *PreparedStep) Describe() string {
	if p.Request != nil {
		return p.Request.Method + " " + p.Request.URL
	}
	return p.Command
}

// StepResult 一次步骤尝试的结果
type StepResult struct {
	Status       string
	FailureKind  string
	Retryable    bool
	Message      string
	Stdout       string
	Stderr       string
	ExitCode     *int
	HTTPStatus   *int
	ResponseBody string
	Extracted    map[string]interface{}
	// Output 写入 output_variable 的值
	Output   interface{}
	Duration time.Duration
}

// Succeeded 是否成功
func (r *StepResult) Succeeded() bool {
	return r.Status == models.StepStatusSuccess
}

// StepExecutor 执行单个步骤：远程命令或 HTTP 调用
type StepExecutor struct {
	runner   connector.RemoteRunner
	http     connector.HTTPRequester
	resolver *VariableResolver
	jsonPath *JSONPath
}

// NewStepExecutor 创建步骤执行器
func NewStepExecutor(runner connector.RemoteRunner, requester connector.HTTPRequester) *StepExecutor {
	return &StepExecutor{
		runner:   runner,
		http:     requester,
		resolver: NewVariableResolver(),
		jsonPath: NewJSONPath(),
	}
}

// StepOS 步骤实际面向的操作系统
func StepOS(step *models.RunbookStep, serverOS string) string {
	if step.Command != nil && step.Command.TargetOS != "" && step.Command.TargetOS != models.OSAny {
		return step.Command.TargetOS
	}
	if serverOS != "" {
		return serverOS
	}
	return models.OSLinux
}

// AppliesToOS 步骤限定的操作系统与目标服务器是否一致
func AppliesToOS(step *models.RunbookStep, serverOS string) bool {
	if step.StepType != models.StepTypeCommand || step.Command == nil || serverOS == "" {
		return true
	}
	t := step.Command.TargetOS
	return t == "" || t == models.OSAny || t == serverOS
}

// Prepare 渲染步骤模板；变量未定义时返回 TemplateError
func (e *StepExecutor) Prepare(step *models.RunbookStep, phase, serverOS string, vars map[string]interface{}) (*PreparedStep, error) {
	p := &PreparedStep{Phase: phase, OSType: StepOS(step, serverOS)}

	switch step.StepType {
	case models.StepTypeCommand:
		if step.Command == nil {
			return nil, apperrors.InvalidInput("命令步骤缺少 command 定义")
		}
		tmpl := step.Command.CommandFor(p.OSType)
		if phase == models.StepPhaseRollback {
			tmpl = step.Command.RollbackFor(p.OSType)
		}
		if strings.TrimSpace(tmpl) == "" {
			return nil, apperrors.InvalidInput(fmt.Sprintf("步骤 %d 没有适用于 %s 的命令", step.StepOrder, p.OSType))
		}
		cmd, err := e.resolver.Render(tmpl, vars)
		if err != nil {
			return nil, err
		}
		p.Command = cmd

	case models.StepTypeAPI:
		if step.API == nil {
			return nil, apperrors.InvalidInput("API 步骤缺少 api 定义")
		}
		src := models.APIRequest{
			Method:   step.API.Method,
			Endpoint: step.API.Endpoint,
			Headers:  step.API.Headers,
			Body:     step.API.Body,
		}
		if phase == models.StepPhaseRollback {
			if step.API.Rollback == nil {
				return nil, apperrors.InvalidInput(fmt.Sprintf("步骤 %d 未定义回滚请求", step.StepOrder))
			}
			src = *step.API.Rollback
		}
		req, err := e.renderRequest(src, vars)
		if err != nil {
			return nil, err
		}
		p.Request = req

	default:
		return nil, apperrors.InvalidInput("未知的步骤类型: " + step.StepType)
	}
	return p, nil
}

func (e *StepExecutor) renderRequest(src models.APIRequest, vars map[string]interface{}) (*connector.HTTPRequest, error) {
	url, err := e.resolver.Render(src.Endpoint, vars)
	if err != nil {
		return nil, err
	}
	headers, err := e.resolver.RenderMap(src.Headers, vars)
	if err != nil {
		return nil, err
	}
	body, err := e.resolver.Render(src.Body, vars)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(src.Method)
	if method == "" {
		method = http.MethodGet
	}
	return &connector.HTTPRequest{Method: method, URL: url, Headers: headers, Body: body}, nil
}

// Execute 执行已渲染的步骤。target 为空时命令步骤视为传输失败；dryRun 时不触达远端
func (e *StepExecutor) Execute(ctx context.Context, step *models.RunbookStep, p *PreparedStep, target *connector.Target, dryRun bool) *StepResult {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	if dryRun {
		return &StepResult{
			Status:  models.StepStatusSuccess,
			Stdout:  "[dry-run] " + p.Describe(),
			Output:  "",
			Message: "dry run",
		}
	}

	if p.Request != nil {
		return e.executeAPI(ctx, step, p, timeout)
	}
	return e.executeCommand(ctx, step, p, target, timeout)
}

func (e *StepExecutor) executeCommand(ctx context.Context, step *models.RunbookStep, p *PreparedStep, target *connector.Target, timeout time.Duration) *StepResult {
	if target == nil {
		return failed(FailureTransport, false, "命令步骤没有目标服务器")
	}
	t := *target
	t.OSType = p.OSType

	res, err := e.runner.Run(ctx, t, p.Command, timeout)
	result := &StepResult{}
	if res != nil {
		exit := res.ExitCode
		result.Stdout = res.Stdout
		result.Stderr = res.Stderr
		result.ExitCode = &exit
		result.Duration = res.Duration
	}
	if err != nil {
		result.Status = models.StepStatusFailed
		result.Retryable = true
		result.Message = err.Error()
		if errors.Is(err, connector.ErrTimeout) {
			result.FailureKind = FailureTimeout
			result.Message = fmt.Sprintf("命令执行超过 %s", timeout)
		} else {
			result.FailureKind = FailureTransport
		}
		return result
	}

	// 回滚命令只要求退出码为 0
	expected := 0
	if p.Phase == models.StepPhaseForward && step.Command != nil {
		expected = step.Command.ExpectedExitCode
	}
	if res.ExitCode != expected {
		result.Status = models.StepStatusFailed
		result.FailureKind = FailureValidation
		result.Retryable = true
		result.Message = fmt.Sprintf("退出码 %d，期望 %d", res.ExitCode, expected)
		return result
	}

	if p.Phase == models.StepPhaseForward && step.Command != nil && step.Command.ExpectedOutputPattern != "" {
		re, err := regexp.Compile(step.Command.ExpectedOutputPattern)
		if err != nil {
			result.Status = models.StepStatusFailed
			result.FailureKind = FailureValidation
			result.Message = fmt.Sprintf("expected_output_pattern 无效: %v", err)
			return result
		}
		if !re.MatchString(res.Stdout + res.Stderr) {
			result.Status = models.StepStatusFailed
			result.FailureKind = FailureValidation
			result.Retryable = true
			result.Message = "输出不匹配 expected_output_pattern"
			return result
		}
	}

	result.Status = models.StepStatusSuccess
	result.Output = strings.TrimSpace(res.Stdout)
	if step.OutputVariable != "" {
		result.Extracted = map[string]interface{}{step.OutputVariable: result.Output}
	}
	return result
}

func (e *StepExecutor) executeAPI(ctx context.Context, step *models.RunbookStep, p *PreparedStep, timeout time.Duration) *StepResult {
	resp, err := e.http.Do(ctx, p.Request, timeout)
	if err != nil {
		if errors.Is(err, connector.ErrTimeout) {
			return failed(FailureTimeout, true, fmt.Sprintf("请求超过 %s", timeout))
		}
		return failed(FailureTransport, true, err.Error())
	}

	status := resp.StatusCode
	result := &StepResult{
		HTTPStatus:   &status,
		ResponseBody: resp.Body,
		Duration:     resp.Duration,
	}

	var expected, retryOn []int
	if step.API != nil && p.Phase == models.StepPhaseForward {
		expected = step.API.ExpectedStatusCodes
		retryOn = step.API.RetryOnStatusCodes
	}
	if !statusExpected(status, expected) {
		result.Status = models.StepStatusFailed
		result.FailureKind = FailureValidation
		// 只有 retry_on_status_codes 中的状态码消耗重试次数，其余直接失败
		result.Retryable = containsInt(retryOn, status)
		result.Message = fmt.Sprintf("HTTP 状态码 %d 不在期望范围内", status)
		return result
	}

	if p.Phase == models.StepPhaseRollback || step.API == nil {
		result.Status = models.StepStatusSuccess
		return result
	}

	extracted, err := e.extract(step.API.Extract, resp)
	if err != nil {
		result.Status = models.StepStatusFailed
		result.FailureKind = FailureValidation
		result.Message = err.Error()
		return result
	}
	result.Status = models.StepStatusSuccess
	result.Extracted = extracted
	if len(step.API.Extract) > 0 {
		result.Output = extracted
	} else {
		result.Output = decodeBody(resp.Body)
	}
	return result
}

// extract 按提取规则从响应中取值；任一规则未命中即失败
func (e *StepExecutor) extract(rules []models.ExtractRule, resp *connector.HTTPResponse) (map[string]interface{}, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(rules))
	var doc interface{}
	decoded := false

	for _, rule := range rules {
		switch rule.Type {
		case models.ExtractJSONPath, "":
			if !decoded {
				if err := json.Unmarshal([]byte(resp.Body), &doc); err != nil {
					return nil, fmt.Errorf("响应不是合法 JSON，无法提取 %s: %v", rule.Name, err)
				}
				decoded = true
			}
			v, ok := e.jsonPath.Lookup(rule.Expression, doc)
			if !ok {
				return nil, fmt.Errorf("提取 %s 失败: 路径 %s 不存在", rule.Name, rule.Expression)
			}
			out[rule.Name] = v
		case models.ExtractRegex:
			re, err := regexp.Compile(rule.Expression)
			if err != nil {
				return nil, fmt.Errorf("提取 %s 的正则无效: %v", rule.Name, err)
			}
			m := re.FindStringSubmatch(resp.Body)
			if m == nil {
				return nil, fmt.Errorf("提取 %s 失败: 正则未匹配", rule.Name)
			}
			if len(m) > 1 {
				out[rule.Name] = m[1]
			} else {
				out[rule.Name] = m[0]
			}
		case models.ExtractHeader:
			v := resp.Headers.Get(rule.Expression)
			if v == "" {
				return nil, fmt.Errorf("提取 %s 失败: 响应头 %s 不存在", rule.Name, rule.Expression)
			}
			out[rule.Name] = v
		default:
			return nil, fmt.Errorf("未知的提取类型: %s", rule.Type)
		}
	}
	return out, nil
}

func statusExpected(status int, expected []int) bool {
	if len(expected) == 0 {
		return status >= 200 && status < 300
	}
	return containsInt(expected, status)
}

func decodeBody(body string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(body), &v); err == nil {
		return v
	}
	return body
}

func failed(kind string, retryable bool, msg string) *StepResult {
	return &StepResult{
		Status:      models.StepStatusFailed,
		FailureKind: kind,
		Retryable:   retryable,
		Message:     msg,
	}
}

// TemplateFailure 模板错误对应的步骤结果，不重试
func TemplateFailure(err error) *StepResult {
	return failed(FailureTemplate, false, err.Error())
}
