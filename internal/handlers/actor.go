package handlers

import (
	"errors"
	"fmt"
	"strings"

	apperrors "arp/pkg/errors"
	"arp/pkg/logger"
	"arp/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// 身份由前置网关注入，这里只读取
const (
	HeaderActor      = "X-Actor"
	HeaderActorRoles = "X-Actor-Roles"
)

// actorFrom 当前请求的操作人
func actorFrom(c *gin.Context) string {
	if actor := strings.TrimSpace(c.GetHeader(HeaderActor)); actor != "" {
		return actor
	}
	return "anonymous"
}

// rolesFrom 逗号分隔的角色列表
func rolesFrom(c *gin.Context) []string {
	var roles []string
	for _, r := range strings.Split(c.GetHeader(HeaderActorRoles), ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// fail 按错误类别返回；非引擎错误记录日志
func fail(c *gin.Context, err error) {
	if apperrors.KindOf(err) == "" {
		logger.GetLogger().WithField("path", c.FullPath()).Errorf("请求处理失败: %v", err)
	}
	response.FromError(c, err)
}

// bindError 将参数校验错误转换为可读提示
func bindError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return "参数错误: " + err.Error()
	}
	msgs := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s 不能为空", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s 必须是 %s 之一", fe.Field(), fe.Param()))
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s 超出范围(%s=%s)", fe.Field(), fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s 校验失败(%s)", fe.Field(), fe.Tag()))
		}
	}
	return "参数验证失败：" + strings.Join(msgs, "；")
}
