package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// 合约方法名
const (
	MethodGetCampaigns              = "getCampaigns"
	MethodGetTotalCampaigns         = "getTotalCampaigns"
	MethodResetActiveCampaignStatus = "resetActiveCampaignStatus"
	MethodCreateCampaign            = "createCampaign"

	MethodEndCampaign        = "endCampaign"
	MethodReleaseFunds       = "releaseFunds"
	MethodRefund             = "refund"
	MethodDonate             = "donate"
	MethodGetCampaignStatus  = "getCampaignStatus"
	MethodGetCampaignDetails = "getCampaignDetails"
)

// FactoryABI 众筹工厂合约
const FactoryABI = `[
  {"type":"function","name":"getCampaigns","stateMutability":"view",
   "inputs":[{"name":"start","type":"uint256"},{"name":"end","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"campaignAddress","type":"address"},
     {"name":"creatorAddress","type":"address"},
     {"name":"title","type":"string"},
     {"name":"description","type":"string"},
     {"name":"image","type":"string"},
     {"name":"goalAmount","type":"uint256"},
     {"name":"totalContributed","type":"uint256"},
     {"name":"endDate","type":"uint256"},
     {"name":"isGoalMet","type":"bool"},
     {"name":"isCampaignEnded","type":"bool"},
     {"name":"isReleased","type":"bool"},
     {"name":"isRefunded","type":"bool"}]}]},
  {"type":"function","name":"getTotalCampaigns","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"resetActiveCampaignStatus","stateMutability":"nonpayable",
   "inputs":[{"name":"creator","type":"address"}],"outputs":[]},
  {"type":"function","name":"createCampaign","stateMutability":"nonpayable",
   "inputs":[{"name":"title","type":"string"},{"name":"description","type":"string"},
     {"name":"image","type":"string"},{"name":"goalAmount","type":"uint256"},
     {"name":"endDate","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"CampaignCreated","anonymous":false,
   "inputs":[{"name":"campaignAddress","type":"address","indexed":true},
     {"name":"creator","type":"address","indexed":true}]}
]`

// CampaignABI 单个众筹活动合约
const CampaignABI = `[
  {"type":"function","name":"endCampaign","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"donate","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"getCampaignStatus","stateMutability":"view","inputs":[],
   "outputs":[{"name":"isCampaignEnded","type":"bool"},{"name":"isGoalMet","type":"bool"},
     {"name":"totalContributions","type":"uint256"}]},
  {"type":"function","name":"getCampaignDetails","stateMutability":"view","inputs":[],
   "outputs":[{"name":"creator","type":"address"},{"name":"title","type":"string"},
     {"name":"description","type":"string"},{"name":"image","type":"string"},
     {"name":"goalAmount","type":"uint256"},{"name":"totalContributed","type":"uint256"},
     {"name":"endDate","type":"uint256"},{"name":"isGoalMet","type":"bool"},
     {"name":"isCampaignEnded","type":"bool"},{"name":"isReleased","type":"bool"},
     {"name":"isRefunded","type":"bool"}]},
  {"type":"event","name":"DonationReceived","anonymous":false,
   "inputs":[{"name":"donor","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"RefundIssued","anonymous":false,
   "inputs":[{"name":"donor","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"FundsReleased","anonymous":false,
   "inputs":[{"name":"creator","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

// factoryCampaign getCampaigns 返回的元组
type factoryCampaign struct {
	CampaignAddress  common.Address
	CreatorAddress   common.Address
	Title            string
	Description      string
	Image            string
	GoalAmount       *big.Int
	TotalContributed *big.Int
	EndDate          *big.Int
	IsGoalMet        bool
	IsCampaignEnded  bool
	IsReleased       bool
	IsRefunded       bool
}

// campaignDetails getCampaignDetails 返回值
type campaignDetails struct {
	Creator          common.Address
	Title            string
	Description      string
	Image            string
	GoalAmount       *big.Int
	TotalContributed *big.Int
	EndDate          *big.Int
	IsGoalMet        bool
	IsCampaignEnded  bool
	IsReleased       bool
	IsRefunded       bool
}

// campaignStatus getCampaignStatus 返回值
type campaignStatus struct {
	IsCampaignEnded    bool
	IsGoalMet          bool
	TotalContributions *big.Int
}

// contractABIs 解析后的合约ABI
type contractABIs struct {
	factory  abi.ABI
	campaign abi.ABI
}

func parseABIs() (*contractABIs, error) {
	factory, err := abi.JSON(strings.NewReader(FactoryABI))
	if err != nil {
		return nil, fmt.Errorf("解析工厂合约ABI失败: %w", err)
	}
	campaign, err := abi.JSON(strings.NewReader(CampaignABI))
	if err != nil {
		return nil, fmt.Errorf("解析活动合约ABI失败: %w", err)
	}
	return &contractABIs{factory: factory, campaign: campaign}, nil
}
