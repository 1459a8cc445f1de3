package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Campaign 众筹活动本地镜像
type Campaign struct {
	CampaignAddress  string          `json:"campaignAddress"`
	CreatorAddress   string          `json:"creatorAddress"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Image            string          `json:"image"`
	GoalAmount       decimal.Decimal `json:"goalAmount"`
	TotalContributed decimal.Decimal `json:"totalContributed"`
	EndDate          int64           `json:"endDate"` // Unix毫秒
	IsGoalMet        bool            `json:"isGoalMet"`
	IsCampaignEnded  bool            `json:"isCampaignEnded"`
	IsReleased       bool            `json:"isReleased"`
	IsRefunded       bool            `json:"isRefunded"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// LifecycleState 活动生命周期状态
type LifecycleState string

const (
	StateActive   LifecycleState = "active"
	StateEnded    LifecycleState = "ended"
	StateReleased LifecycleState = "released"
	StateRefunded LifecycleState = "refunded"
)

// State 根据标志位推导生命周期状态
func (c *Campaign) State() LifecycleState {
	switch {
	case c.IsReleased:
		return StateReleased
	case c.IsRefunded:
		return StateRefunded
	case c.IsCampaignEnded:
		return StateEnded
	default:
		return StateActive
	}
}

// GoalReached 已筹金额是否达到目标
func (c *Campaign) GoalReached() bool {
	return c.GoalAmount.IsPositive() && c.TotalContributed.GreaterThanOrEqual(c.GoalAmount)
}

// EligibleForEnd 未结束且(达到目标或已过截止时间)
func (c *Campaign) EligibleForEnd(now time.Time) bool {
	if c.IsCampaignEnded {
		return false
	}
	return c.GoalReached() || c.EndDate < now.UnixMilli()
}

// EligibleForRelease 已结束、达标且未放款
func (c *Campaign) EligibleForRelease() bool {
	return c.IsCampaignEnded && c.IsGoalMet && !c.IsReleased
}

// EligibleForRefund 已结束、未达标且未退款
func (c *Campaign) EligibleForRefund() bool {
	return c.IsCampaignEnded && !c.IsGoalMet && !c.IsRefunded
}

// CheckInvariants 校验标志位之间的约束
func (c *Campaign) CheckInvariants() error {
	if c.IsReleased && c.IsRefunded {
		return fmt.Errorf("活动 %s 同时处于已放款和已退款状态", c.CampaignAddress)
	}
	if !c.IsCampaignEnded && (c.IsReleased || c.IsRefunded) {
		return fmt.Errorf("活动 %s 未结束但已放款或退款", c.CampaignAddress)
	}
	if c.IsReleased && !c.IsGoalMet {
		return fmt.Errorf("活动 %s 未达标但已放款", c.CampaignAddress)
	}
	if c.IsRefunded && c.IsGoalMet {
		return fmt.Errorf("活动 %s 已达标但已退款", c.CampaignAddress)
	}
	if c.TotalContributed.IsNegative() {
		return fmt.Errorf("活动 %s 已筹金额为负", c.CampaignAddress)
	}
	return nil
}

// CampaignView 链上读取的活动快照
type CampaignView struct {
	CampaignAddress  string          `json:"campaignAddress"`
	CreatorAddress   string          `json:"creatorAddress"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Image            string          `json:"image"`
	GoalAmount       decimal.Decimal `json:"goalAmount"`
	TotalContributed decimal.Decimal `json:"totalContributed"`
	EndDate          int64           `json:"endDate"`
	IsGoalMet        bool            `json:"isGoalMet"`
	IsCampaignEnded  bool            `json:"isCampaignEnded"`
	IsReleased       bool            `json:"isReleased"`
	IsRefunded       bool            `json:"isRefunded"`
}

// ToCampaign 转换为本地镜像
func (v *CampaignView) ToCampaign() *Campaign {
	return &Campaign{
		CampaignAddress:  NormalizeAddress(v.CampaignAddress),
		CreatorAddress:   NormalizeAddress(v.CreatorAddress),
		Title:            v.Title,
		Description:      v.Description,
		Image:            v.Image,
		GoalAmount:       v.GoalAmount,
		TotalContributed: v.TotalContributed,
		EndDate:          v.EndDate,
		IsGoalMet:        v.IsGoalMet,
		IsCampaignEnded:  v.IsCampaignEnded,
		IsReleased:       v.IsReleased,
		IsRefunded:       v.IsRefunded,
	}
}

// CampaignStatus getCampaignStatus 返回值
type CampaignStatus struct {
	IsCampaignEnded    bool            `json:"isCampaignEnded"`
	IsGoalMet          bool            `json:"isGoalMet"`
	TotalContributions decimal.Decimal `json:"totalContributions"`
}

// ListFilter 活动列表排序方式
type ListFilter string

const (
	FilterDefault ListFilter = ""
	FilterPopular ListFilter = "popular" // 距目标差额最小
	FilterEnding  ListFilter = "ending"  // 距截止时间最近
	FilterNew     ListFilter = "new"     // 最新创建
)

// ListQuery 活动列表查询
type ListQuery struct {
	Page   int        `form:"page" json:"page"`
	Count  int        `form:"count" json:"count"`
	Filter ListFilter `form:"filter" json:"filter"`
}

// Normalize 补全分页默认值
func (q ListQuery) Normalize() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Count < 1 {
		q.Count = 10
	}
	if q.Count > 100 {
		q.Count = 100
	}
	switch q.Filter {
	case FilterPopular, FilterEnding, FilterNew:
	default:
		q.Filter = FilterDefault
	}
	return q
}

// Skip 跳过的条数
func (q ListQuery) Skip() int {
	return (q.Page - 1) * q.Count
}

// CampaignPage 分页结果
type CampaignPage struct {
	Data  []*Campaign `json:"data"`
	Total int         `json:"total"`
}

// NormalizeAddress 地址统一为小写
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
