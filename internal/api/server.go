package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"crowdfund/internal/auth"
	"crowdfund/internal/config"
	apperrors "crowdfund/internal/errors"
	"crowdfund/internal/journal"
	"crowdfund/internal/reconciler"
	"crowdfund/internal/validation"
	"crowdfund/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuthService 钱包签名登录
type AuthService interface {
	GenerateNonce(ctx context.Context, wallet string) (string, error)
	SignIn(ctx context.Context, wallet, signature, nonce string) (*auth.SignInResult, error)
	Refresh(ctx context.Context, wallet, refreshToken string) (*auth.TokenPair, error)
	SignOut(ctx context.Context, wallet string) error
	VerifyAccessToken(ctx context.Context, token string) (string, error)
}

// CampaignService 活动相关操作
type CampaignService interface {
	UploadImage(ctx context.Context, img *models.ImageUpload, content io.Reader) (string, error)
	Create(ctx context.Context, wallet string, req *models.CreateCampaignRequest) (*models.Campaign, error)
	List(ctx context.Context, query models.ListQuery) (*models.CampaignPage, error)
	Slider(ctx context.Context) ([]*models.Campaign, error)
	Details(ctx context.Context, address string) (*models.CampaignDetails, error)
	Donate(ctx context.Context, wallet, address string, req *models.DonateRequest) (*models.Transaction, error)
}

// PassRunner 手动触发对账轮次
type PassRunner interface {
	RunNow(ctx context.Context, name string) ([]*reconciler.PassResult, bool, error)
}

// ErrorReporter 对账错误统计
type ErrorReporter interface {
	ErrorStats() apperrors.ErrorStats
}

// SubmissionJournal 待确认交易和轮次摘要
type SubmissionJournal interface {
	List() ([]*journal.Submission, error)
	LastRun(pass string) (*journal.PassRun, bool)
}

// OperatorWallet 运营钱包余额查询
type OperatorWallet interface {
	OperatorAddress() string
	Balance(ctx context.Context, address string) (string, error)
}

// Dependencies 服务器依赖的组件
type Dependencies struct {
	Auth      AuthService
	Campaigns CampaignService
	Runner    PassRunner
	Errors    ErrorReporter
	Journal   SubmissionJournal
	Wallet    OperatorWallet
	Validator *validation.Validator
	WebSocket http.HandlerFunc
}

// Server API服务器
type Server struct {
	cfg        *config.ServerConfig
	deps       Dependencies
	logger     *logrus.Logger
	logManager *LogManager
	router     *gin.Engine
	server     *http.Server
	mu         sync.Mutex
	startedAt  time.Time
}

// NewServer 创建API服务器
func NewServer(cfg *config.ServerConfig, deps Dependencies, logger *logrus.Logger) *Server {
	// 最多保存1000条日志
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		logManager: logManager,
		startedAt:  time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.requestID(), s.cors(), s.requestLogger(), gin.Recovery())
	s.setupRoutes(router)
	s.router = router
	return s
}

// Handler 路由处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// LogManager 日志管理器
func (s *Server) LogManager() *LogManager {
	return s.logManager
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在 %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("正在关闭API服务器...")
	return srv.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	if s.deps.WebSocket != nil {
		router.GET("/ws", gin.WrapF(s.deps.WebSocket))
	}

	api := router.Group("/api/v1")
	{
		api.POST("/user/nonce", s.generateNonce)

		authGroup := api.Group("/auth")
		authGroup.POST("/sign-in", s.signIn)
		authGroup.POST("/refresh", s.refresh)
		authGroup.POST("/sign-out", s.requireAccessToken(), s.signOut)

		campaigns := api.Group("/campaign")
		campaigns.GET("/list", s.listCampaigns)
		campaigns.GET("/slider", s.slider)
		campaigns.GET("/details/:address", s.campaignDetails)
		campaigns.POST("/upload-image", s.requireAccessToken(), s.uploadImage)
		campaigns.POST("/create", s.requireAccessToken(), s.createCampaign)
		campaigns.POST("/donate/:address", s.requireAccessToken(), s.donate)

		// 运维接口
		operator := api.Group("", s.requireOperatorKey())
		operator.GET("/reconcile/status", s.reconcileStatus)
		operator.POST("/reconcile/:pass", s.runPass)
		operator.GET("/logs", s.getLogs)
		operator.DELETE("/logs", s.clearLogs)
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"service":   "crowdfund-api",
	})
}

// writeError 按错误类型映射状态码
func (s *Server) writeError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	code, message := "INTERNAL_ERROR", "服务器内部错误"
	if ce, ok := apperrors.As(err); ok {
		code, message = ce.Code, ce.Message
	}

	entry := requestEntry(c, s.logger).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("请求处理失败")
	} else {
		entry.Debug("请求被拒绝")
	}

	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// bindJSON 解析请求体，失败时已写入响应
func (s *Server) bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.writeError(c, apperrors.Wrap(err, apperrors.ErrorTypeValidation, apperrors.SeverityLow, apperrors.CodeValidation, "请求体格式错误"))
		return false
	}
	return true
}
