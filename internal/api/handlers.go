package api

import (
	"context"
	"net/http"
	"strconv"

	apperrors "crowdfund/internal/errors"
	"crowdfund/internal/journal"
	"crowdfund/internal/reconciler"
	"crowdfund/pkg/models"

	"github.com/gin-gonic/gin"
)

// generateNonce 获取登录nonce
func (s *Server) generateNonce(c *gin.Context) {
	var req models.NonceRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.deps.Validator.ValidateNonceRequest(&req).Err(); err != nil {
		s.writeError(c, err)
		return
	}

	nonce, err := s.deps.Auth.GenerateNonce(c.Request.Context(), req.Wallet)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (s *Server) signIn(c *gin.Context) {
	var req models.SignInRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.deps.Validator.ValidateSignIn(&req).Err(); err != nil {
		s.writeError(c, err)
		return
	}

	result, err := s.deps.Auth.SignIn(c.Request.Context(), req.Wallet, req.Signature, req.Nonce)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) refresh(c *gin.Context) {
	var req models.RefreshRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.deps.Validator.ValidateRefresh(&req).Err(); err != nil {
		s.writeError(c, err)
		return
	}

	tokens, err := s.deps.Auth.Refresh(c.Request.Context(), req.Wallet, req.RefreshToken)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (s *Server) signOut(c *gin.Context) {
	if err := s.deps.Auth.SignOut(c.Request.Context(), walletFrom(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已退出登录"})
}

// uploadImage multipart 字段 file
func (s *Server) uploadImage(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		s.writeError(c, apperrors.New(apperrors.ErrorTypeValidation, apperrors.SeverityLow, "FILE_REQUIRED", "缺少上传文件"))
		return
	}

	file, err := header.Open()
	if err != nil {
		s.writeError(c, apperrors.Wrap(err, apperrors.ErrorTypeValidation, apperrors.SeverityLow, "FILE_UNREADABLE", "无法读取上传文件"))
		return
	}
	defer file.Close()

	url, err := s.deps.Campaigns.UploadImage(c.Request.Context(), &models.ImageUpload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
	}, file)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"image": url})
}

func (s *Server) createCampaign(c *gin.Context) {
	var req models.CreateCampaignRequest
	if !s.bindJSON(c, &req) {
		return
	}

	campaign, err := s.deps.Campaigns.Create(c.Request.Context(), walletFrom(c), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, campaign)
}

func (s *Server) listCampaigns(c *gin.Context) {
	var query models.ListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		s.writeError(c, apperrors.Wrap(err, apperrors.ErrorTypeValidation, apperrors.SeverityLow, apperrors.CodeValidation, "查询参数格式错误"))
		return
	}

	page, err := s.deps.Campaigns.List(c.Request.Context(), query)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) slider(c *gin.Context) {
	campaigns, err := s.deps.Campaigns.Slider(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": campaigns})
}

func (s *Server) campaignDetails(c *gin.Context) {
	details, err := s.deps.Campaigns.Details(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (s *Server) donate(c *gin.Context) {
	var req models.DonateRequest
	if !s.bindJSON(c, &req) {
		return
	}

	record, err := s.deps.Campaigns.Donate(c.Request.Context(), walletFrom(c), c.Param("address"), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// reconcileStatus 错误统计、各轮次最近一次摘要和待确认交易
func (s *Server) reconcileStatus(c *gin.Context) {
	pending, err := s.deps.Journal.List()
	if err != nil {
		s.writeError(c, err)
		return
	}

	passes := make(map[string]*journal.PassRun)
	for _, name := range []string{reconciler.PassEnd, reconciler.PassRelease, reconciler.PassRefund, reconciler.PassImport} {
		if run, ok := s.deps.Journal.LastRun(name); ok {
			passes[name] = run
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"errors":   s.deps.Errors.ErrorStats(),
		"passes":   passes,
		"pending":  pending,
		"operator": s.operatorStatus(c.Request.Context()),
	})
}

// operatorStatus 运营钱包地址和余额，只读模式下返回nil
func (s *Server) operatorStatus(ctx context.Context) gin.H {
	if s.deps.Wallet == nil {
		return nil
	}
	address := s.deps.Wallet.OperatorAddress()
	if address == "" {
		return nil
	}

	status := gin.H{"address": address}
	balance, err := s.deps.Wallet.Balance(ctx, address)
	if err != nil {
		// 余额查询失败不影响其余状态
		s.logger.WithError(err).Warn("查询运营钱包余额失败")
		status["balance_error"] = err.Error()
		return status
	}
	status["balance"] = balance
	return status
}

// runPass 同步执行一次对账，同名轮次正在执行时返回409
func (s *Server) runPass(c *gin.Context) {
	name := c.Param("pass")
	results, ran, err := s.deps.Runner.RunNow(c.Request.Context(), name)
	if !ran {
		s.writeError(c, apperrors.New(apperrors.ErrorTypeConflict, apperrors.SeverityLow, "PASS_RUNNING", "该轮次正在执行"))
		return
	}
	if err != nil && len(results) == 0 {
		s.writeError(c, err)
		return
	}

	body := gin.H{"pass": name, "results": results}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// getLogs 分页获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")

	page := 1 // 默认第1页
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}

	pageSize := 20 // 默认每页20条
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()

	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}
