package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "crowdfund/internal/errors"

	"github.com/ethereum/go-ethereum/rpc"
)

const component = "chain"

// revertMessages 合约业务拒绝的特征
var revertMessages = []string{
	"execution reverted",
	"revert",
	"invalid opcode",
}

// connectionMessages 节点连接失败的特征
var connectionMessages = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"dial tcp",
	"broken pipe",
	"eof",
}

// unsentMessages 连接未建立，交易一定没有到达节点
var unsentMessages = []string{
	"connection refused",
	"no such host",
	"network is unreachable",
	"dial tcp",
}

// ambiguousMessages 请求可能已送达节点
var ambiguousMessages = []string{
	"eof",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
}

// sendOutcomeUnknown 广播失败时无法判断节点是否已收到交易
func sendOutcomeUnknown(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range unsentMessages {
		if strings.Contains(msg, m) {
			return false
		}
	}
	for _, m := range ambiguousMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classifyError 将节点返回的错误归类
func classifyError(err error, method, contract string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}

	wrap := func(t apperrors.ErrorType, severity apperrors.ErrorSeverity, code, msg string) error {
		return apperrors.Wrap(err, t, severity, code, msg).
			WithComponent(component).
			WithContext("method", method).
			WithCampaign(contract)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(apperrors.ErrorTypeTimeout, apperrors.SeverityMedium, apperrors.CodeConfirmTimeout,
			fmt.Sprintf("调用 %s 超时", method))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	// JSON-RPC错误码3表示执行回滚
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return wrap(apperrors.ErrorTypeChainRejected, apperrors.SeverityLow, apperrors.CodeChainRejected,
			fmt.Sprintf("合约拒绝 %s", method))
	}

	msg := strings.ToLower(err.Error())
	for _, m := range revertMessages {
		if strings.Contains(msg, m) {
			return wrap(apperrors.ErrorTypeChainRejected, apperrors.SeverityLow, apperrors.CodeChainRejected,
				fmt.Sprintf("合约拒绝 %s", method))
		}
	}
	for _, m := range connectionMessages {
		if strings.Contains(msg, m) {
			return wrap(apperrors.ErrorTypeConnection, apperrors.SeverityHigh, apperrors.CodeChainUnavailable,
				fmt.Sprintf("节点连接失败 %s", method))
		}
	}

	return wrap(apperrors.ErrorTypeChain, apperrors.SeverityMedium, "CHAIN_CALL_FAILED",
		fmt.Sprintf("链上调用失败 %s", method))
}

// rejection 构造合约拒绝错误
func rejection(method, contract, txHash, reason string) error {
	err := apperrors.New(apperrors.ErrorTypeChainRejected, apperrors.SeverityLow, apperrors.CodeChainRejected,
		fmt.Sprintf("合约拒绝 %s: %s", method, reason)).
		WithComponent(component).
		WithCampaign(contract)
	if txHash != "" {
		err.WithTxHash(txHash)
	}
	return err
}
