package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// 响应体最大读取字节数
const maxResponseBody = 1 << 20

// HTTPRequest API 步骤请求
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// HTTPResponse API 步骤响应
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       string
	Duration   time.Duration
}

// HTTPRequester API 调用器
type HTTPRequester interface {
	Do(ctx context.Context, req *HTTPRequest, timeout time.Duration) (*HTTPResponse, error)
}

// HTTPConnector 基于 net/http 的调用器
type HTTPConnector struct {
	client *http.Client
}

// NewHTTPConnector 创建 HTTP 调用器；client 为空时使用默认传输
func NewHTTPConnector(client *http.Client) *HTTPConnector {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPConnector{client: client}
}

// Do 发送请求。超时返回 ErrTimeout，连接失败返回 ErrTransport；非 2xx 不视为错误
func (c *HTTPConnector) Do(ctx context.Context, req *HTTPRequest, timeout time.Duration) (*HTTPResponse, error) {
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: 构造请求失败: %v", ErrTransport, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: 读取响应失败: %v", ErrTransport, err)
	}

	return &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       string(data),
		Duration:   time.Since(start),
	}, nil
}
