package campaign

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "crowdfund/internal/errors"
	"crowdfund/internal/store"
	"crowdfund/internal/validation"
	"crowdfund/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	creator  = "0x00000000000000000000000000000000000000a1"
	donor    = "0x00000000000000000000000000000000000000d1"
	campaign = "0x00000000000000000000000000000000000000c1"
)

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

type fakeChain struct {
	creations map[string]*models.Receipt
	donations map[string]*models.Receipt
	calls     int
}

func (f *fakeChain) VerifyCampaignCreation(ctx context.Context, hash string) (*models.Receipt, error) {
	f.calls++
	r, ok := f.creations[hash]
	if !ok {
		return nil, apperrors.Validation("交易未确认或不存在")
	}
	return r, nil
}

func (f *fakeChain) VerifyDonation(ctx context.Context, address, hash string) (*models.Receipt, error) {
	f.calls++
	r, ok := f.donations[hash]
	if !ok || r.To != address {
		return nil, apperrors.Validation("交易不是发往该活动合约")
	}
	return r, nil
}

type fakePinner struct {
	names   []string
	content []string
	err     error
}

func (p *fakePinner) PinFile(ctx context.Context, name string, content io.Reader) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	data, _ := io.ReadAll(content)
	p.names = append(p.names, name)
	p.content = append(p.content, string(data))
	return "QmCid", nil
}

func (p *fakePinner) GatewayURL(cid string) string {
	return "https://gateway.pinata.cloud/ipfs/" + cid
}

type notification struct {
	wallet string
	kind   models.NotificationKind
	amount decimal.Decimal
}

type fakeNotifier struct {
	notes  []notification
	events []*models.LifecycleEvent
}

func (n *fakeNotifier) Notify(ctx context.Context, wallet string, kind models.NotificationKind, amount decimal.Decimal) {
	n.notes = append(n.notes, notification{wallet, kind, amount})
}

func (n *fakeNotifier) PublishLifecycle(ctx context.Context, event *models.LifecycleEvent) {
	n.events = append(n.events, event)
}

type env struct {
	svc      *Service
	store    store.Store
	chain    *fakeChain
	pinner   *fakePinner
	notifier *fakeNotifier
	now      time.Time
}

func newEnv(t *testing.T) *env {
	logger, _ := test.NewNullLogger()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "campaigns.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := &env{
		store:    st,
		chain:    &fakeChain{creations: map[string]*models.Receipt{}, donations: map[string]*models.Receipt{}},
		pinner:   &fakePinner{},
		notifier: &fakeNotifier{},
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	e.svc = NewService(st, e.chain, e.pinner, e.notifier, validation.NewValidator(logger, 0), logger)
	e.svc.now = func() time.Time { return e.now }
	return e
}

func (e *env) createRequest(hash string) *models.CreateCampaignRequest {
	return &models.CreateCampaignRequest{
		Title:           "Community garden",
		Description:     "Seeds, tools and fencing",
		GoalAmount:      decimal.NewFromInt(10),
		EndDate:         time.Now().Add(48 * time.Hour).UnixMilli(),
		Image:           "https://gateway.pinata.cloud/ipfs/QmCid",
		TransactionHash: hash,
	}
}

func (e *env) registerCreation(hash, campaignAddr, creatorAddr string) {
	e.chain.creations[hash] = &models.Receipt{
		Hash:   hash,
		Status: 1,
		Events: []models.ChainEvent{{Name: models.EventCampaignCreated, Account: campaignAddr, Related: creatorAddr}},
	}
}

func (e *env) createCampaign(t *testing.T) *models.Campaign {
	e.registerCreation(txHash(1), campaign, creator)
	c, err := e.svc.Create(context.Background(), creator, e.createRequest(txHash(1)))
	require.NoError(t, err)
	return c
}

func (e *env) registerDonation(hash, from, amount string) {
	e.chain.donations[hash] = &models.Receipt{
		Hash:   hash,
		Status: 1,
		From:   from,
		To:     campaign,
		Value:  decimal.RequireFromString(amount),
	}
}

func TestUploadImage(t *testing.T) {
	e := newEnv(t)
	img := &models.ImageUpload{Filename: "cover.png", ContentType: "image/png", Size: 4}

	url, err := e.svc.UploadImage(context.Background(), img, strings.NewReader("data"))
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.pinata.cloud/ipfs/QmCid", url)
	require.Len(t, e.pinner.names, 1)
	assert.Equal(t, fmt.Sprintf("cover.png%d", e.now.UnixMilli()), e.pinner.names[0])
	assert.Equal(t, "data", e.pinner.content[0])

	_, err = e.svc.UploadImage(context.Background(), &models.ImageUpload{Filename: "a.gif", ContentType: "image/gif", Size: 4}, strings.NewReader("data"))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	e.pinner.err = apperrors.New(apperrors.ErrorTypeExternalAPI, apperrors.SeverityMedium, apperrors.CodeExternalAPI, "Pinata返回错误")
	_, err = e.svc.UploadImage(context.Background(), img, strings.NewReader("data"))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternalAPI))
}

func TestCreate(t *testing.T) {
	e := newEnv(t)

	c := e.createCampaign(t)
	assert.Equal(t, campaign, c.CampaignAddress)
	assert.Equal(t, creator, c.CreatorAddress)
	assert.True(t, c.TotalContributed.IsZero())

	stored, err := e.store.GetCampaign(context.Background(), campaign)
	require.NoError(t, err)
	assert.Equal(t, "Community garden", stored.Title)
	assert.True(t, stored.GoalAmount.Equal(decimal.NewFromInt(10)))

	// 重复登记
	_, err = e.svc.Create(context.Background(), creator, e.createRequest(txHash(1)))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
}

func TestCreate_Rejections(t *testing.T) {
	e := newEnv(t)
	e.registerCreation(txHash(2), campaign, creator)

	// 创建者不是当前钱包
	_, err := e.svc.Create(context.Background(), donor, e.createRequest(txHash(2)))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeForbidden))

	// 交易不存在
	_, err = e.svc.Create(context.Background(), creator, e.createRequest(txHash(3)))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	// 参数错误时不访问链
	calls := e.chain.calls
	req := e.createRequest(txHash(2))
	req.Title = "x"
	_, err = e.svc.Create(context.Background(), creator, req)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Equal(t, calls, e.chain.calls)

	_, err = e.store.GetCampaign(context.Background(), campaign)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestDonate(t *testing.T) {
	e := newEnv(t)
	e.createCampaign(t)
	e.registerDonation(txHash(10), donor, "1.25")

	record, err := e.svc.Donate(context.Background(), donor, campaign, &models.DonateRequest{
		Amount:          decimal.RequireFromString("1.25"),
		TransactionHash: txHash(10),
	})
	require.NoError(t, err)
	assert.Equal(t, models.TxDonation, record.Type)
	assert.Equal(t, donor, record.CreatorAddress)

	c, err := e.store.GetCampaign(context.Background(), campaign)
	require.NoError(t, err)
	assert.True(t, c.TotalContributed.Equal(decimal.RequireFromString("1.25")))

	require.Len(t, e.notifier.notes, 1)
	assert.Equal(t, donor, e.notifier.notes[0].wallet)
	assert.Equal(t, models.NotifyDonationReceived, e.notifier.notes[0].kind)
	require.Len(t, e.notifier.events, 1)
	assert.Equal(t, models.LifecycleDonationReceived, e.notifier.events[0].Type)

	// 同一交易不能重复登记
	calls := e.chain.calls
	_, err = e.svc.Donate(context.Background(), donor, campaign, &models.DonateRequest{
		Amount:          decimal.RequireFromString("1.25"),
		TransactionHash: txHash(10),
	})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	assert.Equal(t, calls, e.chain.calls)
}

func TestDonate_Rejections(t *testing.T) {
	e := newEnv(t)
	e.createCampaign(t)
	e.registerDonation(txHash(20), donor, "2")

	tests := []struct {
		name    string
		wallet  string
		address string
		amount  string
		hash    string
		errType apperrors.ErrorType
	}{
		{"发送方不是当前钱包", creator, campaign, "2", txHash(20), apperrors.ErrorTypeForbidden},
		{"金额不一致", donor, campaign, "1.5", txHash(20), apperrors.ErrorTypeValidation},
		{"活动不存在", donor, "0x00000000000000000000000000000000000000ff", "2", txHash(20), apperrors.ErrorTypeNotFound},
		{"金额过小", donor, campaign, "0.0001", txHash(20), apperrors.ErrorTypeValidation},
		{"交易不存在", donor, campaign, "2", txHash(21), apperrors.ErrorTypeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Donate(context.Background(), tt.wallet, tt.address, &models.DonateRequest{
				Amount:          decimal.RequireFromString(tt.amount),
				TransactionHash: tt.hash,
			})
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, tt.errType), err.Error())
		})
	}

	c, err := e.store.GetCampaign(context.Background(), campaign)
	require.NoError(t, err)
	assert.True(t, c.TotalContributed.IsZero())
	assert.Empty(t, e.notifier.notes)
}

func TestListSliderDetails(t *testing.T) {
	e := newEnv(t)
	e.createCampaign(t)
	e.registerDonation(txHash(30), donor, "0.123456")
	_, err := e.svc.Donate(context.Background(), donor, campaign, &models.DonateRequest{
		Amount:          decimal.RequireFromString("0.123456"),
		TransactionHash: txHash(30),
	})
	require.NoError(t, err)

	page, err := e.svc.List(context.Background(), models.ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "0.12", page.Data[0].TotalContributed.String())

	slider, err := e.svc.Slider(context.Background())
	require.NoError(t, err)
	require.Len(t, slider, 1)
	assert.Equal(t, "0.12", slider[0].TotalContributed.String())

	details, err := e.svc.Details(context.Background(), campaign)
	require.NoError(t, err)
	assert.Equal(t, campaign, details.CampaignAddress)
	require.Len(t, details.Transactions, 1)
	assert.True(t, details.Transactions[0].Amount.Equal(decimal.RequireFromString("0.123456")))

	_, err = e.svc.Details(context.Background(), "nope")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestDonate_StoreErrorPropagates(t *testing.T) {
	e := newEnv(t)
	e.createCampaign(t)
	require.NoError(t, e.store.Close())

	_, err := e.svc.Donate(context.Background(), donor, campaign, &models.DonateRequest{
		Amount:          decimal.NewFromInt(1),
		TransactionHash: txHash(40),
	})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeStoreUnavailable))
}
