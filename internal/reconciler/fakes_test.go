package reconciler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"crowdfund/internal/chain"
	apperrors "crowdfund/internal/errors"
	"crowdfund/internal/journal"
	"crowdfund/internal/lock"
	"crowdfund/internal/store"
	"crowdfund/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// fakeGateway 内存中的链上状态
type fakeGateway struct {
	mu        sync.Mutex
	views     map[string]*models.CampaignView
	donors    map[string]map[string]decimal.Decimal
	submits   map[string]int // method:address -> 次数
	applied   map[string]int // 链上实际生效的次数
	rejects   map[string]error
	readErr   error
	pingErr   error
	delay     time.Duration
	txs       map[string]chain.TxState
	receipts  map[string]*models.Receipt
	seq       int
	resets    []string
	submitErr error
	// 提交成功后开始生效的读取错误
	readErrAfterSubmit error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		views:    make(map[string]*models.CampaignView),
		donors:   make(map[string]map[string]decimal.Decimal),
		submits:  make(map[string]int),
		applied:  make(map[string]int),
		rejects:  make(map[string]error),
		txs:      make(map[string]chain.TxState),
		receipts: make(map[string]*models.Receipt),
	}
}

func (g *fakeGateway) put(view *models.CampaignView) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *view
	g.views[models.NormalizeAddress(view.CampaignAddress)] = &cp
}

func (g *fakeGateway) view(address string) *models.CampaignView {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.views[address]
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func (g *fakeGateway) count(method, address string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits[method+":"+address]
}

func (g *fakeGateway) appliedCount(method, address string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied[method+":"+address]
}

func (g *fakeGateway) ReadCampaignDetails(ctx context.Context, address string) (*models.CampaignView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readErr != nil {
		return nil, g.readErr
	}
	v, ok := g.views[address]
	if !ok {
		return nil, apperrors.NotFound("链上不存在该活动")
	}
	cp := *v
	return &cp, nil
}

func (g *fakeGateway) ReadCampaigns(ctx context.Context, start, end uint64) ([]*models.CampaignView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := sortedKeys(g.views)
	out := make([]*models.CampaignView, 0)
	for i := start; i < end && int(i) < len(keys); i++ {
		cp := *g.views[keys[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (g *fakeGateway) TotalCampaigns(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return uint64(len(g.views)), nil
}

func (g *fakeGateway) submit(ctx context.Context, method, address string, apply func(v *models.CampaignView) []models.ChainEvent) (*models.Receipt, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits[method+":"+address]++
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	if err, ok := g.rejects[method]; ok {
		return nil, err
	}
	v, ok := g.views[address]
	if !ok {
		return nil, apperrors.New(apperrors.ErrorTypeChainRejected, apperrors.SeverityLow, apperrors.CodeChainRejected, "合约不存在")
	}

	g.applied[method+":"+address]++
	g.seq++
	hash := fmt.Sprintf("0x%064x", g.seq)
	receipt := &models.Receipt{Hash: hash, Status: 1, Events: apply(v)}
	g.txs[hash] = chain.TxSucceeded
	g.receipts[hash] = receipt
	if g.readErrAfterSubmit != nil {
		g.readErr = g.readErrAfterSubmit
	}
	return receipt, nil
}

func (g *fakeGateway) SubmitEndCampaign(ctx context.Context, address string) (*models.Receipt, error) {
	return g.submit(ctx, chain.MethodEndCampaign, address, func(v *models.CampaignView) []models.ChainEvent {
		v.IsCampaignEnded = true
		v.IsGoalMet = v.TotalContributed.GreaterThanOrEqual(v.GoalAmount)
		return nil
	})
}

func (g *fakeGateway) SubmitReleaseFunds(ctx context.Context, address string) (*models.Receipt, error) {
	return g.submit(ctx, chain.MethodReleaseFunds, address, func(v *models.CampaignView) []models.ChainEvent {
		v.IsReleased = true
		return []models.ChainEvent{{Name: models.EventFundsReleased, Contract: address, Account: v.CreatorAddress, Amount: v.TotalContributed}}
	})
}

func (g *fakeGateway) SubmitRefund(ctx context.Context, address string) (*models.Receipt, error) {
	return g.submit(ctx, chain.MethodRefund, address, func(v *models.CampaignView) []models.ChainEvent {
		v.IsRefunded = true
		events := make([]models.ChainEvent, 0)
		for _, donor := range sortedKeys(g.donors[address]) {
			events = append(events, models.ChainEvent{Name: models.EventRefundIssued, Contract: address, Account: donor, Amount: g.donors[address][donor]})
		}
		return events
	})
}

func (g *fakeGateway) SubmitResetActiveCampaignStatus(ctx context.Context, creator string) (*models.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets = append(g.resets, creator)
	return &models.Receipt{Hash: "0xreset", Status: 1}, nil
}

func (g *fakeGateway) LookupTransaction(ctx context.Context, hash string) (chain.TxState, *models.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.txs[hash], g.receipts[hash], nil
}

func (g *fakeGateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pingErr
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type notification struct {
	Wallet string
	Kind   models.NotificationKind
	Amount decimal.Decimal
}

// fakeNotifier 记录所有通知
type fakeNotifier struct {
	mu            sync.Mutex
	notifications []notification
	events        []*models.LifecycleEvent
}

func (n *fakeNotifier) Notify(ctx context.Context, wallet string, kind models.NotificationKind, amount decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification{Wallet: wallet, Kind: kind, Amount: amount})
}

func (n *fakeNotifier) PublishLifecycle(ctx context.Context, event *models.LifecycleEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type harness struct {
	store    store.Store
	gateway  *fakeGateway
	journal  *journal.Journal
	notifier *fakeNotifier
	rec      *Reconciler
	now      time.Time
	logs     *test.Hook
}

func newHarness(t *testing.T) *harness {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	dir := t.TempDir()

	st, err := store.NewBoltStore(filepath.Join(dir, "store.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	jr, err := journal.Open(filepath.Join(dir, "journal.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { jr.Close() })

	h := &harness{
		store:    st,
		gateway:  newFakeGateway(),
		journal:  jr,
		notifier: &fakeNotifier{},
		now:      time.Now(),
		logs:     hook,
	}
	h.rec = New(st, h.gateway, jr, lock.NewMemoryLocker(), h.notifier, apperrors.NewErrorHandler(logger), logger, Options{
		Workers:        4,
		ConfirmTimeout: time.Minute,
		PageSize:       2,
		Now:            func() time.Time { return h.now },
	})
	return h
}

var campaignSeq int

// seed 同时写入本地存储和链上状态
func (h *harness) seed(t *testing.T, goal, total string, endDate time.Time) *models.Campaign {
	campaignSeq++
	c := &models.Campaign{
		CampaignAddress:  fmt.Sprintf("0x%040x", 0xc000+campaignSeq),
		CreatorAddress:   fmt.Sprintf("0x%040x", 0xa000+campaignSeq),
		Title:            "campaign",
		GoalAmount:       decimal.RequireFromString(goal),
		TotalContributed: decimal.RequireFromString(total),
		EndDate:          endDate.UnixMilli(),
	}
	require.NoError(t, h.store.CreateCampaign(context.Background(), c))
	h.gateway.put(&models.CampaignView{
		CampaignAddress:  c.CampaignAddress,
		CreatorAddress:   c.CreatorAddress,
		Title:            c.Title,
		GoalAmount:       c.GoalAmount,
		TotalContributed: c.TotalContributed,
		EndDate:          c.EndDate,
	})
	return c
}

func (h *harness) get(t *testing.T, address string) *models.Campaign {
	c, err := h.store.GetCampaign(context.Background(), address)
	require.NoError(t, err)
	return c
}
