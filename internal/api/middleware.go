package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	apperrors "crowdfund/internal/errors"
	"crowdfund/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	ctxRequestID = "request_id"
	ctxWallet    = "wallet"

	headerRequestID   = "X-Request-ID"
	headerOperatorKey = "X-API-Key"
)

// requestID 透传或生成请求ID
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Server) cors() gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, origin := range s.cfg.CORSOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 替代 gin.Logger，统一输出到logrus
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := requestEntry(c, s.logger).WithFields(logrus.Fields{
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"client":   c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("请求完成")
		} else {
			entry.Debug("请求完成")
		}
	}
}

func requestEntry(c *gin.Context, logger *logrus.Logger) *logrus.Entry {
	return logging.RequestLogger(logger, c.GetString(ctxRequestID), c.Request.Method, c.FullPath())
}

// requireAccessToken 校验 Bearer 访问令牌，钱包地址写入上下文
func (s *Server) requireAccessToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(c, apperrors.Unauthorized("缺少访问令牌"))
			return
		}

		wallet, err := s.deps.Auth.VerifyAccessToken(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.Set(ctxWallet, wallet)
		c.Next()
	}
}

// requireOperatorKey 运维接口校验 X-API-Key，未配置时全部拒绝
func (s *Server) requireOperatorKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.OperatorAPIKey == "" {
			s.writeError(c, apperrors.Forbidden("未配置运维密钥"))
			return
		}
		key := c.GetHeader(headerOperatorKey)
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.OperatorAPIKey)) != 1 {
			s.writeError(c, apperrors.Unauthorized("运维密钥无效"))
			return
		}
		c.Next()
	}
}

func walletFrom(c *gin.Context) string {
	return c.GetString(ctxWallet)
}
