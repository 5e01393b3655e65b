package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"arp/internal/models"
	"arp/internal/repository"
	"arp/pkg/connector"
	apperrors "arp/pkg/errors"
	"arp/pkg/logger"
	"arp/pkg/pagination"

	"github.com/sirupsen/logrus"
)

// ConnectionTester 服务器连通性测试
type ConnectionTester interface {
	TestPing(ctx context.Context, host string, port int) *connector.TestResult
	TestConnection(ctx context.Context, target connector.Target) *connector.TestResult
}

// ServerService 服务器清单管理
type ServerService struct {
	repo    repository.ServerRepository
	targets TargetResolver
	tester  ConnectionTester
	log     *logrus.Logger
}

// NewServerService 创建服务器服务；tester 为空时不支持连通性测试
func NewServerService(repo repository.ServerRepository, targets TargetResolver, tester ConnectionTester) *ServerService {
	return &ServerService{
		repo:    repo,
		targets: targets,
		tester:  tester,
		log:     logger.GetLogger(),
	}
}

func validateServer(s *models.Server) error {
	s.Name = strings.TrimSpace(s.Name)
	s.Hostname = strings.TrimSpace(s.Hostname)
	if s.Name == "" || s.Hostname == "" {
		return apperrors.InvalidInput("name 和 hostname 不能为空")
	}
	switch s.OSType {
	case models.OSLinux, models.OSWindows:
	default:
		return apperrors.InvalidInput(fmt.Sprintf("os_type 无效: %s", s.OSType))
	}
	if s.Port == 0 {
		s.Port = 22
	}
	if s.Port < 1 || s.Port > 65535 {
		return apperrors.InvalidInput(fmt.Sprintf("端口无效: %d", s.Port))
	}
	return nil
}

// Create 登记服务器，名称唯一
func (s *ServerService) Create(ctx context.Context, server *models.Server) (*models.Server, error) {
	if err := validateServer(server); err != nil {
		return nil, err
	}
	if err := s.repo.CreateServer(ctx, server); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperrors.InvalidState(fmt.Sprintf("服务器名称 %s 已存在", server.Name))
		}
		return nil, fmt.Errorf("创建服务器失败: %v", err)
	}
	s.log.WithFields(logrus.Fields{
		"server_id": server.ID,
		"hostname":  server.Hostname,
		"os_type":   server.OSType,
	}).Info("登记服务器")
	return server, nil
}

// Update 更新服务器信息
func (s *ServerService) Update(ctx context.Context, id string, server *models.Server) (*models.Server, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateServer(server); err != nil {
		return nil, err
	}
	server.BaseModel = existing.BaseModel
	if err := s.repo.UpdateServer(ctx, server); err != nil {
		return nil, fmt.Errorf("更新服务器失败: %v", err)
	}
	return server, nil
}

// Get 获取服务器
func (s *ServerService) Get(ctx context.Context, id string) (*models.Server, error) {
	server, err := s.repo.GetServer(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("服务器不存在")
		}
		return nil, fmt.Errorf("查询服务器失败: %v", err)
	}
	return server, nil
}

// List 分页列出服务器
func (s *ServerService) List(ctx context.Context, page *pagination.PageParams) ([]models.Server, int64, error) {
	return s.repo.ListServers(ctx, page)
}

// Delete 删除服务器
func (s *ServerService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteServer(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("服务器不存在")
		}
		return fmt.Errorf("删除服务器失败: %v", err)
	}
	return nil
}

// TestConnection 先探测端口，再用凭据执行一条测试命令
func (s *ServerService) TestConnection(ctx context.Context, id string) (*connector.TestResult, error) {
	if s.tester == nil || s.targets == nil {
		return nil, apperrors.InvalidState("未配置远程连接器")
	}
	server, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := s.tester.TestPing(ctx, server.Hostname, server.Port)
	if !result.Success {
		return result, nil
	}
	target, err := s.targets.Resolve(server)
	if err != nil {
		return nil, apperrors.InvalidInput(fmt.Sprintf("解析凭据失败: %v", err))
	}
	result = s.tester.TestConnection(ctx, target)

	s.log.WithFields(logrus.Fields{
		"server_id": server.ID,
		"success":   result.Success,
	}).Info("服务器连通性测试")
	return result, nil
}
