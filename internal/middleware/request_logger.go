package middleware

import (
	"time"

	"arp/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RequestLogger 访问日志，写入统一的 logrus 输出
func RequestLogger() gin.HandlerFunc {
	log := logger.GetLogger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
			"actor":   c.GetHeader("X-Actor"),
		})
		if c.Writer.Status() >= 500 {
			entry.Error("请求处理异常")
			return
		}
		entry.Debug("请求完成")
	}
}
