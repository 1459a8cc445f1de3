package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"crowdfund/internal/config"
	apperrors "crowdfund/internal/errors"
	"crowdfund/internal/retry"
	"crowdfund/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Backend 网关依赖的节点能力，*ethclient.Client 满足该接口
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// SubmissionRecorder 广播前记录已签名交易，供崩溃后恢复
type SubmissionRecorder interface {
	RecordSubmission(method, contract, txHash string) error
	DiscardSubmission(method, contract string) error
}

// Options 网关参数
type Options struct {
	FactoryAddress common.Address
	PrivateKey     *ecdsa.PrivateKey // 为空时只读
	ChainID        *big.Int          // 为空时从节点获取
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	GasBufferPct   int
	ReadRetries    int
}

// Gateway 工厂合约与活动合约的调用入口
type Gateway struct {
	backend  Backend
	abis     *contractABIs
	decoder  *eventDecoder
	factory  common.Address
	key      *ecdsa.PrivateKey
	operator common.Address
	chainID  *big.Int
	opts     Options
	retrier  *retry.Retrier
	logger   *logrus.Logger

	// 同一私钥的交易串行签名，保证nonce连续
	submitMu sync.Mutex
	nonce    *uint64

	recorderMu sync.RWMutex
	recorder   SubmissionRecorder
}

// NewGateway 创建网关
func NewGateway(ctx context.Context, backend Backend, opts Options, logger *logrus.Logger) (*Gateway, error) {
	abis, err := parseABIs()
	if err != nil {
		return nil, err
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.GasBufferPct < 0 {
		opts.GasBufferPct = 0
	}

	g := &Gateway{
		backend: backend,
		abis:    abis,
		decoder: newEventDecoder(abis),
		factory: opts.FactoryAddress,
		key:     opts.PrivateKey,
		chainID: opts.ChainID,
		opts:    opts,
		retrier: retry.NewRetrier(retry.ChainReadRetryConfig(opts.ReadRetries), logger),
		logger:  logger,
	}
	if g.key != nil {
		g.operator = crypto.PubkeyToAddress(g.key.PublicKey)
	}

	if g.chainID == nil || g.chainID.Sign() == 0 {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, classifyError(err, "eth_chainId", "")
		}
		g.chainID = id
	}

	return g, nil
}

// Dial 按配置连接节点并创建网关
func Dial(ctx context.Context, cfg *config.EthereumConfig, logger *logrus.Logger) (*Gateway, error) {
	if cfg.RPCURL == "" {
		return nil, apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical, apperrors.CodeConfigInvalid, "缺少节点地址")
	}
	if cfg.FactoryAddress != "" && !common.IsHexAddress(cfg.FactoryAddress) {
		return nil, apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical, apperrors.CodeConfigInvalid, "无效的工厂合约地址")
	}

	opts := Options{
		FactoryAddress: common.HexToAddress(cfg.FactoryAddress),
		ConfirmTimeout: cfg.ConfirmTimeout,
		PollInterval:   cfg.PollInterval,
		GasBufferPct:   cfg.GasBufferPct,
		ReadRetries:    cfg.ReadRetries,
	}
	if cfg.ChainID > 0 {
		opts.ChainID = big.NewInt(cfg.ChainID)
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeConfig, apperrors.SeverityCritical, apperrors.CodeConfigInvalid, "无效的私钥")
		}
		opts.PrivateKey = key
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, classifyError(err, "dial", "")
	}

	if _, err := client.BlockNumber(ctx); err != nil {
		client.Close()
		return nil, classifyError(err, "eth_blockNumber", "")
	}

	g, err := NewGateway(ctx, client, opts, logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"chain_id": g.chainID.String(),
		"factory":  opts.FactoryAddress.Hex(),
		"operator": g.operator.Hex(),
	}).Info("成功连接到区块链节点")

	return g, nil
}

// SetRecorder 设置交易提交记录器
func (g *Gateway) SetRecorder(recorder SubmissionRecorder) {
	g.recorderMu.Lock()
	defer g.recorderMu.Unlock()
	g.recorder = recorder
}

func (g *Gateway) getRecorder() SubmissionRecorder {
	g.recorderMu.RLock()
	defer g.recorderMu.RUnlock()
	return g.recorder
}

// OperatorAddress 运营账户地址
func (g *Gateway) OperatorAddress() string {
	if g.key == nil {
		return ""
	}
	return g.operator.Hex()
}

// FactoryAddress 工厂合约地址
func (g *Gateway) FactoryAddress() string {
	return g.factory.Hex()
}

// ChainID 链ID
func (g *Gateway) ChainID() *big.Int {
	return new(big.Int).Set(g.chainID)
}

// Close 关闭节点连接
func (g *Gateway) Close() {
	g.backend.Close()
}

// Ping 检查节点是否可用
func (g *Gateway) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := g.backend.BlockNumber(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeConnection, apperrors.SeverityCritical,
			apperrors.CodeChainUnavailable, "区块链节点不可用").WithComponent(component)
	}
	return nil
}

// call 只读合约调用，带重试
func (g *Gateway) call(ctx context.Context, parsed *abi.ABI, contract common.Address, method string, args ...interface{}) ([]byte, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 参数失败: %w", method, err)
	}

	return retry.Do(ctx, g.retrier, method, func() ([]byte, error) {
		out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		if err != nil {
			return nil, classifyError(err, method, contract.Hex())
		}
		if len(out) == 0 {
			return nil, rejection(method, contract.Hex(), "", "空返回，合约不存在或方法未实现")
		}
		return out, nil
	})
}

// ReadCampaignDetails 读取单个活动合约的完整状态
func (g *Gateway) ReadCampaignDetails(ctx context.Context, campaignAddress string) (*models.CampaignView, error) {
	contract, err := parseAddress(campaignAddress)
	if err != nil {
		return nil, err
	}

	out, err := g.call(ctx, &g.abis.campaign, contract, MethodGetCampaignDetails)
	if err != nil {
		return nil, err
	}

	var details campaignDetails
	if err := g.abis.campaign.UnpackIntoInterface(&details, MethodGetCampaignDetails, out); err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", MethodGetCampaignDetails, err)
	}

	return &models.CampaignView{
		CampaignAddress:  models.NormalizeAddress(contract.Hex()),
		CreatorAddress:   models.NormalizeAddress(details.Creator.Hex()),
		Title:            details.Title,
		Description:      details.Description,
		Image:            details.Image,
		GoalAmount:       models.WeiToEther(details.GoalAmount),
		TotalContributed: models.WeiToEther(details.TotalContributed),
		EndDate:          bigToInt64(details.EndDate),
		IsGoalMet:        details.IsGoalMet,
		IsCampaignEnded:  details.IsCampaignEnded,
		IsReleased:       details.IsReleased,
		IsRefunded:       details.IsRefunded,
	}, nil
}

// ReadCampaignStatus 读取活动的结束/达标状态
func (g *Gateway) ReadCampaignStatus(ctx context.Context, campaignAddress string) (*models.CampaignStatus, error) {
	contract, err := parseAddress(campaignAddress)
	if err != nil {
		return nil, err
	}

	out, err := g.call(ctx, &g.abis.campaign, contract, MethodGetCampaignStatus)
	if err != nil {
		return nil, err
	}

	var status campaignStatus
	if err := g.abis.campaign.UnpackIntoInterface(&status, MethodGetCampaignStatus, out); err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", MethodGetCampaignStatus, err)
	}

	return &models.CampaignStatus{
		IsCampaignEnded:    status.IsCampaignEnded,
		IsGoalMet:          status.IsGoalMet,
		TotalContributions: models.WeiToEther(status.TotalContributions),
	}, nil
}

// ReadCampaigns 按区间读取工厂合约登记的活动 [start, end)
func (g *Gateway) ReadCampaigns(ctx context.Context, start, end uint64) ([]*models.CampaignView, error) {
	if end <= start {
		return []*models.CampaignView{}, nil
	}

	out, err := g.call(ctx, &g.abis.factory, g.factory, MethodGetCampaigns,
		new(big.Int).SetUint64(start), new(big.Int).SetUint64(end))
	if err != nil {
		return nil, err
	}

	values, err := g.abis.factory.Unpack(MethodGetCampaigns, out)
	if err != nil || len(values) == 0 {
		return nil, fmt.Errorf("解码 %s 返回值失败: %v", MethodGetCampaigns, err)
	}
	items := *abi.ConvertType(values[0], new([]factoryCampaign)).(*[]factoryCampaign)

	views := make([]*models.CampaignView, 0, len(items))
	for _, item := range items {
		views = append(views, &models.CampaignView{
			CampaignAddress:  models.NormalizeAddress(item.CampaignAddress.Hex()),
			CreatorAddress:   models.NormalizeAddress(item.CreatorAddress.Hex()),
			Title:            item.Title,
			Description:      item.Description,
			Image:            item.Image,
			GoalAmount:       models.WeiToEther(item.GoalAmount),
			TotalContributed: models.WeiToEther(item.TotalContributed),
			EndDate:          bigToInt64(item.EndDate),
			IsGoalMet:        item.IsGoalMet,
			IsCampaignEnded:  item.IsCampaignEnded,
			IsReleased:       item.IsReleased,
			IsRefunded:       item.IsRefunded,
		})
	}
	return views, nil
}

// TotalCampaigns 工厂合约登记的活动总数
func (g *Gateway) TotalCampaigns(ctx context.Context) (uint64, error) {
	out, err := g.call(ctx, &g.abis.factory, g.factory, MethodGetTotalCampaigns)
	if err != nil {
		return 0, err
	}

	values, err := g.abis.factory.Unpack(MethodGetTotalCampaigns, out)
	if err != nil || len(values) == 0 {
		return 0, fmt.Errorf("解码 %s 返回值失败: %v", MethodGetTotalCampaigns, err)
	}
	total, ok := values[0].(*big.Int)
	if !ok || !total.IsUint64() {
		return 0, fmt.Errorf("%s 返回值类型错误", MethodGetTotalCampaigns)
	}
	return total.Uint64(), nil
}

// Balance 查询地址余额（ETH）
func (g *Gateway) Balance(ctx context.Context, address string) (string, error) {
	account, err := parseAddress(address)
	if err != nil {
		return "", err
	}

	balance, err := retry.Do(ctx, g.retrier, "eth_getBalance", func() (*big.Int, error) {
		b, err := g.backend.BalanceAt(ctx, account, nil)
		return b, classifyError(err, "eth_getBalance", address)
	})
	if err != nil {
		return "", err
	}
	return models.WeiToEther(balance).String(), nil
}

func parseAddress(address string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, apperrors.Validation(fmt.Sprintf("无效的以太坊地址: %s", address))
	}
	return common.HexToAddress(address), nil
}

func bigToInt64(v *big.Int) int64 {
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}
