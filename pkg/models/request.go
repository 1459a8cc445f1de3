package models

import "github.com/shopspring/decimal"

// NonceRequest 获取登录nonce
type NonceRequest struct {
	Wallet string `json:"wallet"`
}

// SignInRequest 钱包签名登录
type SignInRequest struct {
	Wallet    string `json:"wallet"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
}

// RefreshRequest 刷新令牌
type RefreshRequest struct {
	Wallet       string `json:"wallet"`
	RefreshToken string `json:"refreshToken"`
}

// CreateCampaignRequest 登记已上链的活动
type CreateCampaignRequest struct {
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	GoalAmount      decimal.Decimal `json:"goalAmount"`
	EndDate         int64           `json:"endDate"` // Unix毫秒
	Image           string          `json:"image"`
	TransactionHash string          `json:"transactionHash"`
}

// DonateRequest 登记已上链的捐款
type DonateRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	TransactionHash string          `json:"transactionHash"`
}

// ImageUpload 待上传图片的元信息
type ImageUpload struct {
	Filename    string
	ContentType string
	Size        int64
}
