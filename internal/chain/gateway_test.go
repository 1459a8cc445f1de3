package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	apperrors "crowdfund/internal/errors"
	"crowdfund/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	factoryAddr  = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	campaignAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	creatorAddr  = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	donorAddr    = common.HexToAddress("0x00000000000000000000000000000000000000d0")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// fakeBackend 内存模拟节点
type fakeBackend struct {
	mu sync.Mutex

	chainID     *big.Int
	baseFee     *big.Int
	pending     uint64
	estimateErr error
	sendErr     error
	callFn      func(msg ethereum.CallMsg) ([]byte, error)

	// 回执行为
	receiptStatus uint64
	receiptLogs   func(tx *types.Transaction) []*types.Log
	notFoundTimes int
	neverMine     bool

	sent     []*types.Transaction
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	polls    map[common.Hash]int
	events   []string
	blockErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:       big.NewInt(1337),
		baseFee:       big.NewInt(1_000_000_000),
		receiptStatus: types.ReceiptStatusSuccessful,
		txs:           make(map[common.Hash]*types.Transaction),
		receipts:      make(map[common.Hash]*types.Receipt),
		polls:         make(map[common.Hash]int),
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return 100, f.blockErr
}
func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}
func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return ether(3), nil
}
func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "nonce")
	return f.pending, nil
}
func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}
func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}
func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "send")
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.txs[tx.Hash()] = tx
	var logs []*types.Log
	if f.receiptLogs != nil {
		logs = f.receiptLogs(tx)
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		TxHash:      tx.Hash(),
		Status:      f.receiptStatus,
		BlockNumber: big.NewInt(101),
		Logs:        logs,
	}
	return nil
}
func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok || f.neverMine {
		return nil, ethereum.NotFound
	}
	f.polls[hash]++
	if f.polls[hash] <= f.notFoundTimes {
		return nil, ethereum.NotFound
	}
	return r, nil
}
func (f *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := f.receipts[hash]
	return tx, !mined || f.neverMine, nil
}
func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callFn == nil {
		return nil, errors.New("no call handler")
	}
	return f.callFn(msg)
}
func (f *fakeBackend) Close() {}

// fakeRecorder 记录提交顺序
type fakeRecorder struct {
	backend   *fakeBackend
	recorded  map[string]string
	discarded []string
	err       error
}

func (r *fakeRecorder) RecordSubmission(method, contract, txHash string) error {
	if r.err != nil {
		return r.err
	}
	r.backend.mu.Lock()
	r.backend.events = append(r.backend.events, "record")
	r.backend.mu.Unlock()
	r.recorded[method+":"+contract] = txHash
	return nil
}

func (r *fakeRecorder) DiscardSubmission(method, contract string) error {
	r.discarded = append(r.discarded, method+":"+contract)
	delete(r.recorded, method+":"+contract)
	return nil
}

func newTestGateway(t *testing.T, backend *fakeBackend) (*Gateway, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	g, err := NewGateway(context.Background(), backend, Options{
		FactoryAddress: factoryAddr,
		PrivateKey:     key,
		ConfirmTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		GasBufferPct:   20,
		ReadRetries:    1,
	}, logrus.New())
	require.NoError(t, err)
	return g, key
}

func TestNewGateway_ChainIDFromNode(t *testing.T) {
	g, _ := newTestGateway(t, newFakeBackend())
	assert.Equal(t, int64(1337), g.ChainID().Int64())
}

func TestReadCampaignDetails(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)

	backend.callFn = func(msg ethereum.CallMsg) ([]byte, error) {
		assert.Equal(t, campaignAddr, *msg.To)
		return g.abis.campaign.Methods[MethodGetCampaignDetails].Outputs.Pack(
			creatorAddr, "Water", "Clean water for all", "ipfs://img",
			ether(100), ether(40), big.NewInt(1_700_000_000_000),
			false, true, false, false,
		)
	}

	view, err := g.ReadCampaignDetails(context.Background(), campaignAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.NormalizeAddress(campaignAddr.Hex()), view.CampaignAddress)
	assert.Equal(t, models.NormalizeAddress(creatorAddr.Hex()), view.CreatorAddress)
	assert.Equal(t, "Water", view.Title)
	assert.Equal(t, "100", view.GoalAmount.String())
	assert.Equal(t, "40", view.TotalContributed.String())
	assert.Equal(t, int64(1_700_000_000_000), view.EndDate)
	assert.True(t, view.IsCampaignEnded)
	assert.False(t, view.IsGoalMet)
}

func TestReadCampaignStatus(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)
	backend.callFn = func(msg ethereum.CallMsg) ([]byte, error) {
		return g.abis.campaign.Methods[MethodGetCampaignStatus].Outputs.Pack(true, true, ether(120))
	}

	status, err := g.ReadCampaignStatus(context.Background(), campaignAddr.Hex())
	require.NoError(t, err)
	assert.True(t, status.IsCampaignEnded)
	assert.True(t, status.IsGoalMet)
	assert.Equal(t, "120", status.TotalContributions.String())
}

func TestReadCampaignsAndTotal(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)

	items := []factoryCampaign{
		{CampaignAddress: campaignAddr, CreatorAddress: creatorAddr, Title: "A", Description: "first one",
			Image: "img", GoalAmount: ether(10), TotalContributed: ether(1), EndDate: big.NewInt(1000)},
		{CampaignAddress: donorAddr, CreatorAddress: creatorAddr, Title: "B", Description: "second one",
			Image: "img", GoalAmount: ether(5), TotalContributed: ether(5), EndDate: big.NewInt(2000),
			IsGoalMet: true, IsCampaignEnded: true, IsReleased: true},
	}

	backend.callFn = func(msg ethereum.CallMsg) ([]byte, error) {
		method, err := g.abis.factory.MethodById(msg.Data[:4])
		require.NoError(t, err)
		switch method.Name {
		case MethodGetCampaigns:
			return method.Outputs.Pack(items)
		case MethodGetTotalCampaigns:
			return method.Outputs.Pack(big.NewInt(2))
		}
		return nil, errors.New("unexpected")
	}

	total, err := g.TotalCampaigns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)

	views, err := g.ReadCampaigns(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "A", views[0].Title)
	assert.True(t, views[1].IsReleased)
	assert.Equal(t, "5", views[1].TotalContributed.String())

	empty, err := g.ReadCampaigns(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRead_RevertIsRejection(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)
	backend.callFn = func(msg ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("execution reverted")
	}

	_, err := g.ReadCampaignStatus(context.Background(), campaignAddr.Hex())
	require.Error(t, err)
	assert.True(t, apperrors.IsRejection(err))
}

func refundLogs(g *Gateway) func(tx *types.Transaction) []*types.Log {
	return func(tx *types.Transaction) []*types.Log {
		ev := g.abis.campaign.Events[models.EventRefundIssued]
		data, _ := ev.Inputs.NonIndexed().Pack(ether(40))
		return []*types.Log{{
			Address: campaignAddr,
			Topics:  []common.Hash{ev.ID, common.BytesToHash(donorAddr.Bytes())},
			Data:    data,
		}}
	}
}

func TestSubmitRefund_Success(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = 7
	backend.notFoundTimes = 2
	g, _ := newTestGateway(t, backend)
	backend.receiptLogs = refundLogs(g)

	recorder := &fakeRecorder{backend: backend, recorded: map[string]string{}}
	g.SetRecorder(recorder)

	receipt, err := g.SubmitRefund(context.Background(), campaignAddr.Hex())
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(60_000), tx.Gas())
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, campaignAddr, *tx.To())

	// 先记录再广播
	assert.Equal(t, []string{"nonce", "record", "send"}, backend.events)
	assert.Equal(t, tx.Hash().Hex(), recorder.recorded[MethodRefund+":"+models.NormalizeAddress(campaignAddr.Hex())])

	assert.Equal(t, tx.Hash().Hex(), receipt.Hash)
	events := receipt.EventsByName(models.EventRefundIssued)
	require.Len(t, events, 1)
	assert.Equal(t, models.NormalizeAddress(donorAddr.Hex()), events[0].Account)
	assert.Equal(t, "40", events[0].Amount.String())
}

func TestSubmit_NonceSequential(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = 3
	g, _ := newTestGateway(t, backend)

	_, err := g.SubmitEndCampaign(context.Background(), campaignAddr.Hex())
	require.NoError(t, err)
	_, err = g.SubmitReleaseFunds(context.Background(), campaignAddr.Hex())
	require.NoError(t, err)

	require.Len(t, backend.sent, 2)
	assert.Equal(t, uint64(3), backend.sent[0].Nonce())
	assert.Equal(t, uint64(4), backend.sent[1].Nonce())
}

func TestSubmit_LegacyTxWithoutBaseFee(t *testing.T) {
	backend := newFakeBackend()
	backend.baseFee = nil
	g, _ := newTestGateway(t, backend)

	_, err := g.SubmitEndCampaign(context.Background(), campaignAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint8(types.LegacyTxType), backend.sent[0].Type())
}

func TestSubmit_EstimateRevertIsRejection(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("execution reverted: Campaign has not ended")
	g, _ := newTestGateway(t, backend)

	_, err := g.SubmitReleaseFunds(context.Background(), campaignAddr.Hex())
	require.Error(t, err)
	assert.True(t, apperrors.IsRejection(err))
	assert.Empty(t, backend.sent)
}

func TestSubmit_FailedReceiptIsRejection(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptStatus = types.ReceiptStatusFailed
	g, _ := newTestGateway(t, backend)

	_, err := g.SubmitEndCampaign(context.Background(), campaignAddr.Hex())
	require.Error(t, err)
	assert.True(t, apperrors.IsRejection(err))
}

func TestSubmit_ConfirmTimeoutIsRetryable(t *testing.T) {
	backend := newFakeBackend()
	backend.neverMine = true
	g, _ := newTestGateway(t, backend)
	recorder := &fakeRecorder{backend: backend, recorded: map[string]string{}}
	g.SetRecorder(recorder)

	_, err := g.SubmitRefund(context.Background(), campaignAddr.Hex())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTimeout))
	assert.True(t, apperrors.IsRetryable(err))
	assert.False(t, apperrors.IsRejection(err))
	// 超时的交易保留在日志中，由下一轮对账确认
	assert.Len(t, recorder.recorded, 1)
	assert.Empty(t, recorder.discarded)
}

func TestSubmit_SendFailureDiscardsAndResyncsNonce(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = 5
	backend.sendErr = errors.New("dial tcp 127.0.0.1:8545: connection refused")
	g, _ := newTestGateway(t, backend)
	recorder := &fakeRecorder{backend: backend, recorded: map[string]string{}}
	g.SetRecorder(recorder)

	_, err := g.SubmitEndCampaign(context.Background(), campaignAddr.Hex())
	require.Error(t, err)
	assert.True(t, apperrors.IsConnectivity(err))
	assert.Len(t, recorder.discarded, 1)
	assert.Empty(t, recorder.recorded)

	backend.sendErr = nil
	backend.pending = 5
	_, err = g.SubmitEndCampaign(context.Background(), campaignAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), backend.sent[0].Nonce())
}

func TestSubmit_AmbiguousSendFailureKeepsRecord(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"连接被重置", errors.New("read tcp 127.0.0.1:50412->127.0.0.1:8545: read: connection reset by peer")},
		{"响应中断", errors.New("Post \"http://127.0.0.1:8545\": EOF")},
		{"请求超时", fmt.Errorf("Post \"http://127.0.0.1:8545\": %w", context.DeadlineExceeded)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.sendErr = tt.err
			g, _ := newTestGateway(t, backend)
			recorder := &fakeRecorder{backend: backend, recorded: map[string]string{}}
			g.SetRecorder(recorder)

			_, err := g.SubmitReleaseFunds(context.Background(), campaignAddr.Hex())
			require.Error(t, err)
			assert.False(t, apperrors.IsRejection(err))
			// 交易可能已在节点内存池中，记录交由对账轮次按哈希确认
			assert.Len(t, recorder.recorded, 1)
			assert.Empty(t, recorder.discarded)
		})
	}
}

func TestSubmit_RecorderFailurePreventsBroadcast(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)
	g.SetRecorder(&fakeRecorder{backend: backend, recorded: map[string]string{}, err: errors.New("disk full")})

	_, err := g.SubmitRefund(context.Background(), campaignAddr.Hex())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeStoreUnavailable))
	assert.Empty(t, backend.sent)
}

func TestSubmit_ReadOnlyGateway(t *testing.T) {
	g, err := NewGateway(context.Background(), newFakeBackend(), Options{FactoryAddress: factoryAddr}, logrus.New())
	require.NoError(t, err)

	_, err = g.SubmitRefund(context.Background(), campaignAddr.Hex())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig))
}

func TestOperatorBalance(t *testing.T) {
	backend := newFakeBackend()
	g, key := newTestGateway(t, backend)

	operator := g.OperatorAddress()
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), operator)
	balance, err := g.Balance(context.Background(), operator)
	require.NoError(t, err)
	assert.Equal(t, "3", balance)

	_, err = g.Balance(context.Background(), "not-an-address")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	readOnly, err := NewGateway(context.Background(), newFakeBackend(), Options{FactoryAddress: factoryAddr}, logrus.New())
	require.NoError(t, err)
	assert.Empty(t, readOnly.OperatorAddress())
}

func TestLookupTransaction(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)

	state, _, err := g.LookupTransaction(context.Background(), common.HexToHash("0x01").Hex())
	require.NoError(t, err)
	assert.Equal(t, TxUnknown, state)

	receipt, err := g.SubmitEndCampaign(context.Background(), campaignAddr.Hex())
	require.NoError(t, err)

	state, r, err := g.LookupTransaction(context.Background(), receipt.Hash)
	require.NoError(t, err)
	assert.Equal(t, TxSucceeded, state)
	assert.Equal(t, receipt.Hash, r.Hash)

	backend.neverMine = true
	state, _, err = g.LookupTransaction(context.Background(), receipt.Hash)
	require.NoError(t, err)
	assert.Equal(t, TxPending, state)
}

func TestVerifySignedMessage(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	message := "Please sign this message to authenticate: 0123456789abcdef0123456789abcdef"

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[64] += 27

	signer, err := VerifySignedMessage(message, hexutil.Encode(sig))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), signer)

	other, err := VerifySignedMessage(message+"x", hexutil.Encode(sig))
	require.NoError(t, err)
	assert.NotEqual(t, signer, other)

	_, err = VerifySignedMessage(message, "0x1234")
	assert.Error(t, err)
	_, err = VerifySignedMessage("", hexutil.Encode(sig))
	assert.Error(t, err)
}

func TestVerifyDonation(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)

	donorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx, err := types.SignNewTx(donorKey, types.LatestSignerForChainID(backend.chainID), &types.DynamicFeeTx{
		ChainID:   backend.chainID,
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       21000,
		To:        &campaignAddr,
		Value:     new(big.Int).Div(ether(3), big.NewInt(2)),
	})
	require.NoError(t, err)
	require.NoError(t, backend.SendTransaction(context.Background(), tx))

	receipt, err := g.VerifyDonation(context.Background(), campaignAddr.Hex(), tx.Hash().Hex())
	require.NoError(t, err)
	assert.Equal(t, models.NormalizeAddress(crypto.PubkeyToAddress(donorKey.PublicKey).Hex()), receipt.From)
	assert.Equal(t, "1.5", receipt.Value.String())

	// 目标合约不一致
	_, err = g.VerifyDonation(context.Background(), donorAddr.Hex(), tx.Hash().Hex())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	// 未知交易
	_, err = g.VerifyDonation(context.Background(), campaignAddr.Hex(), common.HexToHash("0x02").Hex())
	require.Error(t, err)
}

func TestVerifyCampaignCreation(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)

	ev := g.abis.factory.Events[models.EventCampaignCreated]
	backend.receiptLogs = func(tx *types.Transaction) []*types.Log {
		return []*types.Log{{
			Address: factoryAddr,
			Topics:  []common.Hash{ev.ID, common.BytesToHash(campaignAddr.Bytes()), common.BytesToHash(creatorAddr.Bytes())},
		}}
	}

	creatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx, err := types.SignNewTx(creatorKey, types.LatestSignerForChainID(backend.chainID), &types.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(1), Gas: 300000, To: &factoryAddr, Value: big.NewInt(0),
	})
	require.NoError(t, err)
	require.NoError(t, backend.SendTransaction(context.Background(), tx))

	receipt, err := g.VerifyCampaignCreation(context.Background(), tx.Hash().Hex())
	require.NoError(t, err)
	created := receipt.EventsByName(models.EventCampaignCreated)
	require.Len(t, created, 1)
	assert.Equal(t, models.NormalizeAddress(campaignAddr.Hex()), created[0].Account)
	assert.Equal(t, models.NormalizeAddress(creatorAddr.Hex()), created[0].Related)
}

func TestPing(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)
	assert.NoError(t, g.Ping(context.Background()))

	backend.blockErr = errors.New("connection refused")
	err := g.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsConnectivity(err))
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, classifyError(nil, "m", "c"))
	assert.True(t, apperrors.IsRejection(classifyError(errors.New("execution reverted"), "m", "c")))
	assert.True(t, apperrors.IsConnectivity(classifyError(errors.New("dial tcp: connection refused"), "m", "c")))
	assert.True(t, apperrors.IsType(classifyError(context.DeadlineExceeded, "m", "c"), apperrors.ErrorTypeTimeout))
	assert.True(t, apperrors.IsType(classifyError(errors.New("insufficient funds for gas"), "m", "c"), apperrors.ErrorTypeChain))
}
