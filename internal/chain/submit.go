package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	apperrors "crowdfund/internal/errors"
	"crowdfund/internal/logging"
	"crowdfund/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SubmitEndCampaign 结束活动并等待确认
func (g *Gateway) SubmitEndCampaign(ctx context.Context, campaignAddress string) (*models.Receipt, error) {
	return g.submitCampaign(ctx, campaignAddress, MethodEndCampaign)
}

// SubmitReleaseFunds 向发起人放款并等待确认
func (g *Gateway) SubmitReleaseFunds(ctx context.Context, campaignAddress string) (*models.Receipt, error) {
	return g.submitCampaign(ctx, campaignAddress, MethodReleaseFunds)
}

// SubmitRefund 向捐款人退款并等待确认
func (g *Gateway) SubmitRefund(ctx context.Context, campaignAddress string) (*models.Receipt, error) {
	return g.submitCampaign(ctx, campaignAddress, MethodRefund)
}

// SubmitResetActiveCampaignStatus 重置发起人的进行中活动标记
func (g *Gateway) SubmitResetActiveCampaignStatus(ctx context.Context, creatorAddress string) (*models.Receipt, error) {
	creator, err := parseAddress(creatorAddress)
	if err != nil {
		return nil, err
	}
	return g.submit(ctx, &g.abis.factory, g.factory, MethodResetActiveCampaignStatus, creator)
}

func (g *Gateway) submitCampaign(ctx context.Context, campaignAddress, method string) (*models.Receipt, error) {
	contract, err := parseAddress(campaignAddress)
	if err != nil {
		return nil, err
	}
	return g.submit(ctx, &g.abis.campaign, contract, method)
}

// submit 估算 -> 签名 -> 记录 -> 广播 -> 等待确认
func (g *Gateway) submit(ctx context.Context, parsed *abi.ABI, contract common.Address, method string, args ...interface{}) (*models.Receipt, error) {
	if g.key == nil {
		return nil, apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical, apperrors.CodeConfigInvalid,
			"未配置运营私钥，无法发送交易").WithComponent(component)
	}

	contractHex := models.NormalizeAddress(contract.Hex())
	log := logging.ChainLogger(g.logger, method, contractHex)

	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 参数失败: %w", method, err)
	}

	// 估算失败即合约会回滚，此时不发送交易
	gas, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{From: g.operator, To: &contract, Data: data})
	if err != nil {
		return nil, classifyError(err, method, contractHex)
	}
	gas = gas * uint64(100+g.opts.GasBufferPct) / 100

	hash, err := g.signAndSend(ctx, contract, method, data, gas)
	if err != nil {
		return nil, err
	}
	log.WithField("tx_hash", hash.Hex()).Info("交易已广播，等待确认")

	receipt, err := g.waitMined(ctx, hash, method, contractHex)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, rejection(method, contractHex, hash.Hex(), "交易执行失败")
	}

	log.WithFields(map[string]interface{}{
		"tx_hash":      hash.Hex(),
		"block_number": receipt.BlockNumber.Uint64(),
	}).Info("交易已确认")

	return g.toReceipt(receipt), nil
}

// signAndSend 在提交锁内分配nonce、签名、写日志并广播
func (g *Gateway) signAndSend(ctx context.Context, contract common.Address, method string, data []byte, gas uint64) (common.Hash, error) {
	contractHex := models.NormalizeAddress(contract.Hex())

	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	nonce, err := g.nextNonce(ctx)
	if err != nil {
		return common.Hash{}, classifyError(err, "eth_getTransactionCount", contractHex)
	}

	txData, err := g.buildTx(ctx, contract, nonce, data, gas)
	if err != nil {
		return common.Hash{}, classifyError(err, method, contractHex)
	}

	signed, err := types.SignTx(types.NewTx(txData), types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	hash := signed.Hash()

	recorder := g.getRecorder()
	if recorder != nil {
		if err := recorder.RecordSubmission(method, contractHex, hash.Hex()); err != nil {
			return common.Hash{}, apperrors.StoreUnavailable(err, "记录待确认交易失败").
				WithComponent(component).WithCampaign(contractHex)
		}
	}

	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			// 节点已收到同一笔交易
			g.advanceNonce(nonce)
			return hash, nil
		}
		g.resetNonce()
		if sendOutcomeUnknown(err) {
			// 节点可能已收到交易，保留记录由对账轮次按哈希确认
			g.logger.WithField("tx_hash", hash.Hex()).Warnf("广播结果不确定，保留交易记录: %v", err)
			return common.Hash{}, classifyError(err, method, contractHex)
		}
		if recorder != nil {
			if derr := recorder.DiscardSubmission(method, contractHex); derr != nil {
				g.logger.Warnf("清除未广播交易记录失败: %v", derr)
			}
		}
		return common.Hash{}, classifyError(err, method, contractHex)
	}

	g.advanceNonce(nonce)
	return hash, nil
}

// buildTx 支持EIP-1559的链使用动态费用交易
func (g *Gateway) buildTx(ctx context.Context, to common.Address, nonce uint64, data []byte, gas uint64) (types.TxData, error) {
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	if head.BaseFee != nil {
		tip, err := g.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, err
		}
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		return &types.DynamicFeeTx{
			ChainID:   g.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     big.NewInt(0),
			Data:      data,
		}, nil
	}

	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return &types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	}, nil
}

// nextNonce 调用方需持有submitMu
func (g *Gateway) nextNonce(ctx context.Context) (uint64, error) {
	if g.nonce != nil {
		return *g.nonce, nil
	}
	n, err := g.backend.PendingNonceAt(ctx, g.operator)
	if err != nil {
		return 0, err
	}
	g.nonce = &n
	return n, nil
}

func (g *Gateway) advanceNonce(used uint64) {
	next := used + 1
	g.nonce = &next
}

// resetNonce 广播失败后下次从节点重新同步
func (g *Gateway) resetNonce() {
	g.nonce = nil
}

// waitMined 轮询回执直到确认或超时
func (g *Gateway) waitMined(ctx context.Context, hash common.Hash, method, contract string) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			g.logger.WithField("tx_hash", hash.Hex()).Debugf("查询回执失败: %v", err)
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperrors.New(apperrors.ErrorTypeTimeout, apperrors.SeverityMedium, apperrors.CodeConfirmTimeout,
				fmt.Sprintf("等待 %s 确认超时", method)).
				WithComponent(component).
				WithCampaign(contract).
				WithTxHash(hash.Hex())
		}
	}
}

func (g *Gateway) toReceipt(receipt *types.Receipt) *models.Receipt {
	r := &models.Receipt{
		Hash:   receipt.TxHash.Hex(),
		Status: receipt.Status,
		Events: g.decoder.decode(receipt.Logs),
	}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return r
}

// TxState 交易的链上状态
type TxState int

const (
	TxUnknown TxState = iota // 节点不认识该交易
	TxPending
	TxSucceeded
	TxFailed
)

// String 返回状态名
func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxSucceeded:
		return "succeeded"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LookupTransaction 查询已提交交易的状态，已打包时返回回执
func (g *Gateway) LookupTransaction(ctx context.Context, txHash string) (TxState, *models.Receipt, error) {
	hash := common.HexToHash(txHash)

	receipt, err := g.backend.TransactionReceipt(ctx, hash)
	switch {
	case err == nil && receipt != nil:
		if receipt.Status == types.ReceiptStatusSuccessful {
			return TxSucceeded, g.toReceipt(receipt), nil
		}
		return TxFailed, g.toReceipt(receipt), nil
	case err != nil && !errors.Is(err, ethereum.NotFound):
		return TxUnknown, nil, classifyError(err, "eth_getTransactionReceipt", "")
	}

	_, isPending, err := g.backend.TransactionByHash(ctx, hash)
	switch {
	case err == nil && isPending:
		return TxPending, nil, nil
	case err == nil:
		// 已打包但回执尚未可查
		return TxPending, nil, nil
	case errors.Is(err, ethereum.NotFound):
		return TxUnknown, nil, nil
	default:
		return TxUnknown, nil, classifyError(err, "eth_getTransactionByHash", "")
	}
}

// TransactionReceipt 已打包交易的回执，未打包时返回nil
func (g *Gateway) TransactionReceipt(ctx context.Context, txHash string) (*models.Receipt, error) {
	receipt, err := g.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyError(err, "eth_getTransactionReceipt", "")
	}
	return g.toReceipt(receipt), nil
}
