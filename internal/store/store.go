package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"crowdfund/internal/config"
	apperrors "crowdfund/internal/errors"
	"crowdfund/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CampaignStore 活动镜像存储，所有标志位更新都是条件更新
type CampaignStore interface {
	CreateCampaign(ctx context.Context, campaign *models.Campaign) error
	GetCampaign(ctx context.Context, address string) (*models.Campaign, error)
	ListActive(ctx context.Context, query models.ListQuery, now time.Time) (*models.CampaignPage, error)
	Slider(ctx context.Context, limit int) ([]*models.Campaign, error)

	FindEligibleForEnd(ctx context.Context, now time.Time) ([]*models.Campaign, error)
	FindEligibleForRelease(ctx context.Context) ([]*models.Campaign, error)
	FindEligibleForRefund(ctx context.Context) ([]*models.Campaign, error)

	// MarkEnded 仅在未结束时生效，返回是否有变更
	MarkEnded(ctx context.Context, address string, goalMet bool) (bool, error)
	// MarkReleased 仅在已结束、达标且未放款时生效；record 非空时同一事务内写入账本
	MarkReleased(ctx context.Context, address string, record *models.Transaction) (bool, error)
	// MarkRefunded 仅在已结束、未达标且未退款时生效；record 非空时同一事务内写入账本
	MarkRefunded(ctx context.Context, address string, record *models.Transaction) (bool, error)

	IncrementContribution(ctx context.Context, address string, amount decimal.Decimal) error
	RecordDonation(ctx context.Context, record *models.Transaction) error

	// SyncFromChain 按链上状态单调推进本地标志位和已筹金额
	SyncFromChain(ctx context.Context, view *models.CampaignView) (bool, error)
	// UpsertFromChain 导入链上活动，已存在时等同 SyncFromChain
	UpsertFromChain(ctx context.Context, view *models.CampaignView) (bool, error)
}

// TransactionLedger 只追加的账本
type TransactionLedger interface {
	AppendTransaction(ctx context.Context, record *models.Transaction) error
	ListTransactions(ctx context.Context, address string) ([]*models.Transaction, error)
	HasTransaction(ctx context.Context, hash string) (bool, error)
}

// Store 存储实现需同时提供两者
type Store interface {
	CampaignStore
	TransactionLedger
	Close() error
}

// Open 按配置打开存储
func Open(cfg *config.DatabaseConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Driver {
	case "bolt":
		return NewBoltStore(cfg.BoltPath, logger)
	case "postgres":
		return NewPostgresStore(cfg, logger)
	default:
		return nil, apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical, apperrors.CodeConfigInvalid,
			fmt.Sprintf("不支持的存储驱动: %s", cfg.Driver))
	}
}

// errDuplicate 重复的账本记录或活动
func errDuplicate(what string) error {
	return apperrors.New(apperrors.ErrorTypeConflict, apperrors.SeverityLow, apperrors.CodeDuplicate, what)
}

// errCampaignNotFound 活动不存在
func errCampaignNotFound(address string) error {
	return apperrors.NotFound(fmt.Sprintf("活动不存在: %s", address))
}

// validateRecord 账本记录基本校验
func validateRecord(record *models.Transaction) error {
	if record == nil {
		return apperrors.Validation("账本记录为空")
	}
	if !record.Type.Valid() {
		return apperrors.Validation(fmt.Sprintf("未知的账本类型: %s", record.Type))
	}
	if record.Hash == "" {
		return apperrors.Validation("账本记录缺少交易哈希")
	}
	if record.Amount.IsNegative() {
		return apperrors.Validation("账本金额不能为负")
	}
	return nil
}

// normalizeRecord 统一地址大小写并补全时间
func normalizeRecord(record *models.Transaction) {
	record.CampaignAddress = models.NormalizeAddress(record.CampaignAddress)
	record.CreatorAddress = models.NormalizeAddress(record.CreatorAddress)
	record.Hash = models.NormalizeAddress(record.Hash)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
}

// applyChainView 单调合并链上状态，返回是否有变更
func applyChainView(c *models.Campaign, view *models.CampaignView) (bool, error) {
	next := *c

	if view.TotalContributed.GreaterThan(next.TotalContributed) {
		next.TotalContributed = view.TotalContributed
	}
	if view.IsCampaignEnded && !next.IsCampaignEnded {
		next.IsCampaignEnded = true
		next.IsGoalMet = view.IsGoalMet
	}
	if next.IsCampaignEnded && !next.IsReleased && !next.IsRefunded && view.IsCampaignEnded {
		// 放款/退款前以链上达标结果为准
		next.IsGoalMet = view.IsGoalMet
	}
	// 标志位只增不减，与本地已有状态矛盾时由约束检查报告冲突
	if view.IsReleased {
		next.IsReleased = true
	}
	if view.IsRefunded {
		next.IsRefunded = true
	}

	if err := next.CheckInvariants(); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeConflict, apperrors.SeverityHigh, "CHAIN_STATE_CONFLICT",
			"链上状态与本地约束冲突").WithCampaign(c.CampaignAddress)
	}

	changed := !next.TotalContributed.Equal(c.TotalContributed) ||
		next.IsCampaignEnded != c.IsCampaignEnded ||
		next.IsGoalMet != c.IsGoalMet ||
		next.IsReleased != c.IsReleased ||
		next.IsRefunded != c.IsRefunded
	if changed {
		next.UpdatedAt = time.Now().UTC()
		*c = next
	}
	return changed, nil
}

// sortCampaigns 活动列表排序
func sortCampaigns(campaigns []*models.Campaign, filter models.ListFilter, now time.Time) {
	nowMs := now.UnixMilli()
	abs := func(v int64) int64 {
		if v < 0 {
			return -v
		}
		return v
	}

	less := func(a, b *models.Campaign) bool {
		switch filter {
		case models.FilterPopular:
			da := a.GoalAmount.Sub(a.TotalContributed)
			db := b.GoalAmount.Sub(b.TotalContributed)
			if !da.Equal(db) {
				return da.LessThan(db)
			}
		case models.FilterEnding:
			da, db := abs(a.EndDate-nowMs), abs(b.EndDate-nowMs)
			if da != db {
				return da < db
			}
		case models.FilterNew:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		default:
			if !a.TotalContributed.Equal(b.TotalContributed) {
				return a.TotalContributed.GreaterThan(b.TotalContributed)
			}
		}
		return a.CampaignAddress < b.CampaignAddress
	}

	sort.SliceStable(campaigns, func(i, j int) bool { return less(campaigns[i], campaigns[j]) })
}

// paginate 截取分页
func paginate(campaigns []*models.Campaign, query models.ListQuery) []*models.Campaign {
	skip := query.Skip()
	if skip >= len(campaigns) {
		return []*models.Campaign{}
	}
	end := skip + query.Count
	if end > len(campaigns) {
		end = len(campaigns)
	}
	return campaigns[skip:end]
}
