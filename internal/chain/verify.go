package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "crowdfund/internal/errors"
	"crowdfund/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerifySignedMessage 按EIP-191恢复签名者地址
func VerifySignedMessage(message, signature string) (string, error) {
	if message == "" || signature == "" {
		return "", apperrors.Validation("消息和签名不能为空")
	}

	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", apperrors.Validation("签名格式错误")
	}
	if len(sig) != crypto.SignatureLength {
		return "", apperrors.Validation(fmt.Sprintf("签名长度错误: %d", len(sig)))
	}

	// 钱包返回的V为27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, apperrors.SeverityLow, apperrors.CodeValidation, "签名验证失败")
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifySignedMessage 网关上的便捷方法
func (g *Gateway) VerifySignedMessage(message, signature string) (string, error) {
	return VerifySignedMessage(message, signature)
}

// fetchMined 读取已成功执行的交易及其回执
func (g *Gateway) fetchMined(ctx context.Context, txHash string) (*types.Transaction, *types.Receipt, error) {
	if len(strings.TrimPrefix(txHash, "0x")) != 64 {
		return nil, nil, apperrors.Validation("无效的交易哈希")
	}
	hash := common.HexToHash(txHash)

	receipt, err := g.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, nil, apperrors.Validation("交易未确认或不存在")
	}
	if err != nil {
		return nil, nil, classifyError(err, "eth_getTransactionReceipt", "")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, nil, apperrors.Validation("交易执行失败").WithTxHash(txHash)
	}

	tx, _, err := g.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, nil, classifyError(err, "eth_getTransactionByHash", "")
	}
	return tx, receipt, nil
}

// VerifyCampaignCreation 校验 createCampaign 交易发往工厂合约，并解码 CampaignCreated
func (g *Gateway) VerifyCampaignCreation(ctx context.Context, txHash string) (*models.Receipt, error) {
	tx, receipt, err := g.fetchMined(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if tx.To() == nil || *tx.To() != g.factory {
		return nil, apperrors.Validation("交易不是发往工厂合约").WithTxHash(txHash)
	}

	r := g.toReceipt(receipt)
	r.To = models.NormalizeAddress(tx.To().Hex())
	if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		r.From = models.NormalizeAddress(from.Hex())
	}
	if len(r.EventsByName(models.EventCampaignCreated)) == 0 {
		return nil, apperrors.Validation("交易中没有 CampaignCreated 事件").WithTxHash(txHash)
	}
	return r, nil
}

// VerifyDonation 校验捐款交易发往指定活动合约
func (g *Gateway) VerifyDonation(ctx context.Context, campaignAddress, txHash string) (*models.Receipt, error) {
	contract, err := parseAddress(campaignAddress)
	if err != nil {
		return nil, err
	}

	tx, receipt, err := g.fetchMined(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if tx.To() == nil || *tx.To() != contract {
		return nil, apperrors.Validation("交易不是发往该活动合约").WithTxHash(txHash)
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, apperrors.SeverityLow, apperrors.CodeValidation, "无法解析交易发送方")
	}

	r := g.toReceipt(receipt)
	r.From = models.NormalizeAddress(from.Hex())
	r.To = models.NormalizeAddress(contract.Hex())
	r.Value = models.WeiToEther(tx.Value())
	return r, nil
}
