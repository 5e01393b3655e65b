package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
	"unicode/utf16"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrTimeout 命令或请求超过步骤超时
	ErrTimeout = errors.New("timeout")
	// ErrTransport 连接、认证等传输层失败
	ErrTransport = errors.New("transport error")
)

// OSWindows 需要经 PowerShell 包装的目标系统
const OSWindows = "windows"

// Target 远程执行目标
type Target struct {
	Host     string
	Port     int
	Username string
	Password string
	KeyData  string
	OSType   string
}

// CommandResult 远程命令结果
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// RemoteRunner 远程命令执行器
type RemoteRunner interface {
	Run(ctx context.Context, target Target, command string, timeout time.Duration) (*CommandResult, error)
}

// SSHConnector SSH连接器
type SSHConnector struct {
	ConnectTimeout  time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// TestResult 连接测试结果
type TestResult struct {
	Success  bool                   `json:"success"`
	Message  string                 `json:"message"`
	Duration time.Duration          `json:"duration"`
	Error    string                 `json:"error,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// NewSSHConnector 创建SSH连接器；knownHostsFile 为空时不校验主机指纹
func NewSSHConnector(connectTimeout time.Duration, knownHostsFile string) (*SSHConnector, error) {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	callback := ssh.InsecureIgnoreHostKey()
	if knownHostsFile != "" {
		cb, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("加载 known_hosts 失败: %v", err)
		}
		callback = cb
	}
	return &SSHConnector{ConnectTimeout: connectTimeout, HostKeyCallback: callback}, nil
}

// Run 执行命令。超时后关闭连接并返回 ErrTimeout，已采集的输出随结果返回
func (c *SSHConnector) Run(ctx context.Context, target Target, command string, timeout time.Duration) (*CommandResult, error) {
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := c.dial(ctx, target)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &CommandResult{ExitCode: -1, Duration: time.Since(start)}, ErrTimeout
		}
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: 创建SSH会话失败: %v", ErrTransport, err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if target.OSType == OSWindows {
		command = WrapPowerShell(command)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		// 关闭连接使远端会话结束，等待 goroutine 退出后再读缓冲区
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		<-done
		return &CommandResult{
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			ExitCode: -1,
			Duration: time.Since(start),
		}, ErrTimeout
	}

	result := &CommandResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("%w: 命令执行失败: %v", ErrTransport, runErr)
	}
	return result, nil
}

func (c *SSHConnector) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            target.Username,
		Timeout:         c.ConnectTimeout,
		HostKeyCallback: c.HostKeyCallback,
	}

	// 根据凭证类型设置认证方式
	if target.KeyData != "" {
		signer, err := ssh.ParsePrivateKey([]byte(target.KeyData))
		if err != nil {
			return nil, fmt.Errorf("%w: 私钥解析失败: %v", ErrTransport, err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	} else if target.Password != "" {
		config.Auth = []ssh.AuthMethod{ssh.Password(target.Password)}
	} else {
		return nil, fmt.Errorf("%w: 未提供认证信息", ErrTransport)
	}

	address := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	dialer := &net.Dialer{Timeout: c.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: 网络连接失败: %v", ErrTransport, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: SSH认证失败: %v", ErrTransport, err)
	}
	// 握手完成后取消连接级截止时间，由 Run 的 select 控制超时
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// TestConnection 测试SSH连接
func (c *SSHConnector) TestConnection(ctx context.Context, target Target) *TestResult {
	start := time.Now()
	result := &TestResult{
		Details: make(map[string]interface{}),
	}

	res, err := c.Run(ctx, target, "echo ok", c.ConnectTimeout)
	result.Duration = time.Since(start)
	if err != nil {
		result.Success = false
		result.Message = "SSH连接测试失败"
		result.Error = err.Error()
		return result
	}
	result.Success = res.ExitCode == 0
	result.Message = "SSH连接测试成功"
	if !result.Success {
		result.Message = fmt.Sprintf("测试命令退出码 %d", res.ExitCode)
	}
	result.Details["output"] = res.Stdout
	return result
}

// TestPing 简单的端口连通性测试
func (c *SSHConnector) TestPing(ctx context.Context, host string, port int) *TestResult {
	start := time.Now()
	result := &TestResult{
		Details: make(map[string]interface{}),
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		result.Success = false
		result.Message = fmt.Sprintf("端口 %d 连接失败", port)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer conn.Close()

	result.Success = true
	result.Message = fmt.Sprintf("端口 %d 连接成功", port)
	result.Duration = time.Since(start)
	result.Details["remote_addr"] = conn.RemoteAddr().String()
	return result
}

// WrapPowerShell 将脚本编码为 -EncodedCommand，避免 Windows OpenSSH 下的引号转义问题
func WrapPowerShell(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}
	return "powershell.exe -NoProfile -NonInteractive -EncodedCommand " + base64.StdEncoding.EncodeToString(buf)
}
