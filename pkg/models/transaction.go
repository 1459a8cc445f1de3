package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType 账本记录类型
type TxType string

const (
	TxDonation TxType = "donation"
	TxRefund   TxType = "refund"
	TxRelease  TxType = "release"
)

// Valid 是否为已知类型
func (t TxType) Valid() bool {
	switch t {
	case TxDonation, TxRefund, TxRelease:
		return true
	}
	return false
}

// Transaction 捐款/退款/放款账本记录，只追加
type Transaction struct {
	CampaignAddress string          `json:"campaignAddress"`
	CreatorAddress  string          `json:"creatorAddress"` // 发起该操作的钱包
	Amount          decimal.Decimal `json:"amount"`
	Type            TxType          `json:"type"`
	Hash            string          `json:"hash"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// CampaignDetails 活动详情，附带账本记录（新记录在前）
type CampaignDetails struct {
	*Campaign
	Transactions []*Transaction `json:"transactions"`
}
