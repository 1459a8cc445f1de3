package campaign

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	apperrors "crowdfund/internal/errors"
	"crowdfund/internal/store"
	"crowdfund/internal/validation"
	"crowdfund/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SliderLimit 轮播展示的活动数
const SliderLimit = 5

// ChainVerifier 校验用户提交的链上交易
type ChainVerifier interface {
	VerifyCampaignCreation(ctx context.Context, txHash string) (*models.Receipt, error)
	VerifyDonation(ctx context.Context, campaignAddress, txHash string) (*models.Receipt, error)
}

// Pinner 图片上传
type Pinner interface {
	PinFile(ctx context.Context, name string, content io.Reader) (string, error)
	GatewayURL(cid string) string
}

// Notifier 捐款通知
type Notifier interface {
	Notify(ctx context.Context, wallet string, kind models.NotificationKind, amount decimal.Decimal)
	PublishLifecycle(ctx context.Context, event *models.LifecycleEvent)
}

// Service 活动的创建、查询和捐款登记
type Service struct {
	store     store.Store
	chain     ChainVerifier
	pinner    Pinner
	notifier  Notifier
	validator *validation.Validator
	logger    *logrus.Logger
	now       func() time.Time
}

// NewService 创建活动服务
func NewService(st store.Store, chain ChainVerifier, pinner Pinner, notifier Notifier, validator *validation.Validator, logger *logrus.Logger) *Service {
	return &Service{
		store:     st,
		chain:     chain,
		pinner:    pinner,
		notifier:  notifier,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// UploadImage 上传活动图片到IPFS，返回网关地址
func (s *Service) UploadImage(ctx context.Context, img *models.ImageUpload, content io.Reader) (string, error) {
	if err := s.validator.ValidateImage(img).Err(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s%d", img.Filename, s.now().UnixMilli())
	cid, err := s.pinner.PinFile(ctx, name, content)
	if err != nil {
		return "", err
	}
	return s.pinner.GatewayURL(cid), nil
}

// Create 校验 createCampaign 交易后登记活动，创建者必须是当前钱包
func (s *Service) Create(ctx context.Context, wallet string, req *models.CreateCampaignRequest) (*models.Campaign, error) {
	if err := s.validator.ValidateCreateCampaign(req).Err(); err != nil {
		return nil, err
	}

	receipt, err := s.chain.VerifyCampaignCreation(ctx, req.TransactionHash)
	if err != nil {
		return nil, err
	}

	created := receipt.EventsByName(models.EventCampaignCreated)
	event := created[0]
	if !strings.EqualFold(event.Related, wallet) {
		return nil, apperrors.Forbidden("活动创建者与当前钱包不一致").WithTxHash(req.TransactionHash)
	}

	now := s.now()
	c := &models.Campaign{
		CampaignAddress:  models.NormalizeAddress(event.Account),
		CreatorAddress:   models.NormalizeAddress(event.Related),
		Title:            strings.TrimSpace(req.Title),
		Description:      strings.TrimSpace(req.Description),
		Image:            req.Image,
		GoalAmount:       req.GoalAmount,
		TotalContributed: decimal.Zero,
		EndDate:          req.EndDate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"campaign": c.CampaignAddress,
		"creator":  c.CreatorAddress,
		"goal":     c.GoalAmount.String(),
		"tx_hash":  req.TransactionHash,
	}).Info("活动已登记")
	return c, nil
}

// List 进行中的活动分页列表
func (s *Service) List(ctx context.Context, query models.ListQuery) (*models.CampaignPage, error) {
	page, err := s.store.ListActive(ctx, query.Normalize(), s.now())
	if err != nil {
		return nil, err
	}
	roundTotals(page.Data)
	return page, nil
}

// Slider 已有捐款的进行中活动，按已筹金额降序
func (s *Service) Slider(ctx context.Context) ([]*models.Campaign, error) {
	campaigns, err := s.store.Slider(ctx, SliderLimit)
	if err != nil {
		return nil, err
	}
	roundTotals(campaigns)
	return campaigns, nil
}

// Details 活动详情和账本记录
func (s *Service) Details(ctx context.Context, address string) (*models.CampaignDetails, error) {
	if err := s.validator.ValidateAddress(address); err != nil {
		return nil, err
	}

	c, err := s.store.GetCampaign(ctx, address)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListTransactions(ctx, address)
	if err != nil {
		return nil, err
	}
	return &models.CampaignDetails{Campaign: c, Transactions: records}, nil
}

// Donate 校验捐款交易后写入账本并累加已筹金额
func (s *Service) Donate(ctx context.Context, wallet, address string, req *models.DonateRequest) (*models.Transaction, error) {
	if err := s.validator.ValidateDonation(address, req).Err(); err != nil {
		return nil, err
	}
	address = models.NormalizeAddress(address)
	log := s.logger.WithFields(logrus.Fields{"campaign": address, "tx_hash": req.TransactionHash})

	if _, err := s.store.GetCampaign(ctx, address); err != nil {
		return nil, err
	}

	exists, err := s.store.HasTransaction(ctx, req.TransactionHash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperrors.New(apperrors.ErrorTypeConflict, apperrors.SeverityLow, apperrors.CodeDuplicate, "该交易已登记").WithTxHash(req.TransactionHash)
	}

	receipt, err := s.chain.VerifyDonation(ctx, address, req.TransactionHash)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(receipt.From, wallet) {
		return nil, apperrors.Forbidden("交易发送方与当前钱包不一致").WithTxHash(req.TransactionHash)
	}
	if !receipt.Value.Equal(req.Amount) {
		return nil, apperrors.Validation(fmt.Sprintf("交易金额 %s 与捐款金额 %s 不一致", receipt.Value, req.Amount)).WithTxHash(req.TransactionHash)
	}

	record := &models.Transaction{
		CampaignAddress: address,
		CreatorAddress:  models.NormalizeAddress(wallet),
		Amount:          req.Amount,
		Type:            models.TxDonation,
		Hash:            req.TransactionHash,
		CreatedAt:       s.now(),
	}
	if err := s.store.RecordDonation(ctx, record); err != nil {
		return nil, err
	}
	log.WithField("amount", req.Amount.String()).Info("捐款已登记")

	s.notifier.Notify(ctx, wallet, models.NotifyDonationReceived, req.Amount)
	s.notifier.PublishLifecycle(ctx, &models.LifecycleEvent{
		Type:            models.LifecycleDonationReceived,
		CampaignAddress: address,
		Wallet:          record.CreatorAddress,
		Amount:          req.Amount,
		TxHash:          req.TransactionHash,
		Timestamp:       record.CreatedAt,
	})
	return record, nil
}

func roundTotals(campaigns []*models.Campaign) {
	for _, c := range campaigns {
		c.TotalContributed = c.TotalContributed.Round(2)
	}
}
