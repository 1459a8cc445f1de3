package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChainEvent 从交易回执日志解码出的事件
type ChainEvent struct {
	Name     string          `json:"name"`
	Contract string          `json:"contract"`
	Account  string          `json:"account"` // donor/creator/campaign，视事件而定
	Related  string          `json:"related,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

// 合约事件名
const (
	EventCampaignCreated  = "CampaignCreated"
	EventDonationReceived = "DonationReceived"
	EventRefundIssued     = "RefundIssued"
	EventFundsReleased    = "FundsReleased"
)

// Receipt 已确认交易的结果
type Receipt struct {
	Hash        string          `json:"hash"`
	BlockNumber uint64          `json:"blockNumber"`
	Status      uint64          `json:"status"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Value       decimal.Decimal `json:"value"`
	Events      []ChainEvent    `json:"events"`
}

// EventsByName 按事件名过滤
func (r *Receipt) EventsByName(name string) []ChainEvent {
	out := make([]ChainEvent, 0)
	for _, ev := range r.Events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// NotificationKind 推送给钱包会话的事件类型
type NotificationKind string

const (
	NotifyDonationReceived NotificationKind = "donationReceived"
	NotifyRefundIssued     NotificationKind = "refundIssued"
	NotifyFundsReleased    NotificationKind = "fundsReleased"
)

// Role 推送消息中的角色
func (k NotificationKind) Role() string {
	if k == NotifyFundsReleased {
		return "creator"
	}
	return "donor"
}

// LifecycleEvent 生命周期事件，写入Kafka
type LifecycleEvent struct {
	Type            string          `json:"type"`
	CampaignAddress string          `json:"campaign_address"`
	Wallet          string          `json:"wallet,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	TxHash          string          `json:"tx_hash,omitempty"`
	GoalMet         *bool           `json:"goal_met,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// 生命周期事件类型
const (
	LifecycleCampaignEnded    = "campaign_ended"
	LifecycleFundsReleased    = "funds_released"
	LifecycleRefundIssued     = "refund_issued"
	LifecycleDonationReceived = "donation_received"
)

// ToKafkaMessage 转换为Kafka消息格式
func (e *LifecycleEvent) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"type":             e.Type,
		"campaign_address": e.CampaignAddress,
		"wallet":           e.Wallet,
		"amount":           e.Amount.String(),
		"tx_hash":          e.TxHash,
		"timestamp":        e.Timestamp.Unix(),
	}
	if e.GoalMet != nil {
		msg["goal_met"] = *e.GoalMet
	}
	return msg
}
