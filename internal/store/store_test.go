package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"crowdfund/internal/config"
	apperrors "crowdfund/internal/errors"
	"crowdfund/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

// backends 返回需要测试的存储实现，PostgreSQL 仅在设置了DSN时测试
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	out := map[string]func(t *testing.T) Store{
		"bolt": func(t *testing.T) Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "store.db"), newTestLogger())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	if dsn := os.Getenv("CROWDFUND_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(&config.DatabaseConfig{Driver: "postgres", DSN: dsn}, newTestLogger())
			require.NoError(t, err)
			_, err = s.db.Exec("TRUNCATE transactions, campaigns")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return out
}

func eth(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

var addrSeq int

func newCampaign(goal, total string, endDate time.Time) *models.Campaign {
	addrSeq++
	return &models.Campaign{
		CampaignAddress:  fmt.Sprintf("0x%040X", addrSeq),
		CreatorAddress:   "0x00000000000000000000000000000000000000AA",
		Title:            fmt.Sprintf("campaign %d", addrSeq),
		GoalAmount:       eth(goal),
		TotalContributed: eth(total),
		EndDate:          endDate.UnixMilli(),
	}
}

func TestStore(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, open(t)) })
			t.Run("EligibilityQueries", func(t *testing.T) { testEligibility(t, open(t)) })
			t.Run("MarkEndedIsConditional", func(t *testing.T) { testMarkEnded(t, open(t)) })
			t.Run("ReleaseWritesLedgerOnce", func(t *testing.T) { testRelease(t, open(t)) })
			t.Run("RefundExcludesRelease", func(t *testing.T) { testRefund(t, open(t)) })
			t.Run("ConcurrentMarksSingleWinner", func(t *testing.T) { testConcurrentMarks(t, open(t)) })
			t.Run("DuplicateHashRejected", func(t *testing.T) { testDuplicateHash(t, open(t)) })
			t.Run("DonationAccumulates", func(t *testing.T) { testDonation(t, open(t)) })
			t.Run("SyncFromChainMonotonic", func(t *testing.T) { testSync(t, open(t)) })
			t.Run("UpsertFromChain", func(t *testing.T) { testUpsert(t, open(t)) })
			t.Run("ListActiveSorting", func(t *testing.T) { testListActive(t, open(t)) })
			t.Run("Slider", func(t *testing.T) { testSlider(t, open(t)) })
		})
	}
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("1", "0", time.Now().Add(time.Hour))
	require.NoError(t, s.CreateCampaign(ctx, c))

	got, err := s.GetCampaign(ctx, c.CampaignAddress)
	require.NoError(t, err)
	assert.Equal(t, models.NormalizeAddress(c.CampaignAddress), got.CampaignAddress)
	assert.True(t, got.GoalAmount.Equal(eth("1")))
	assert.Equal(t, models.StateActive, got.State())

	// 地址大小写不敏感
	_, err = s.GetCampaign(ctx, "0X"+got.CampaignAddress[2:])
	assert.NoError(t, err)

	err = s.CreateCampaign(ctx, &models.Campaign{CampaignAddress: c.CampaignAddress, EndDate: 1})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))

	_, err = s.GetCampaign(ctx, "0xdead")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func testEligibility(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now()

	expired := newCampaign("100", "40", now.Add(-time.Minute))
	reached := newCampaign("100", "100", now.Add(time.Hour))
	running := newCampaign("100", "10", now.Add(time.Hour))
	for _, c := range []*models.Campaign{expired, reached, running} {
		require.NoError(t, s.CreateCampaign(ctx, c))
	}

	end, err := s.FindEligibleForEnd(ctx, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{expired.CampaignAddress, reached.CampaignAddress}, addresses(end))

	_, err = s.MarkEnded(ctx, reached.CampaignAddress, true)
	require.NoError(t, err)
	_, err = s.MarkEnded(ctx, expired.CampaignAddress, false)
	require.NoError(t, err)

	release, err := s.FindEligibleForRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{reached.CampaignAddress}, addresses(release))

	refund, err := s.FindEligibleForRefund(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{expired.CampaignAddress}, addresses(refund))

	end, err = s.FindEligibleForEnd(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, end)
}

func testMarkEnded(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("100", "100", time.Now().Add(time.Hour))
	require.NoError(t, s.CreateCampaign(ctx, c))

	changed, err := s.MarkEnded(ctx, c.CampaignAddress, true)
	require.NoError(t, err)
	assert.True(t, changed)

	// 第二次不生效，也不会覆盖达标结果
	changed, err = s.MarkEnded(ctx, c.CampaignAddress, false)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetCampaign(ctx, c.CampaignAddress)
	require.NoError(t, err)
	assert.True(t, got.IsCampaignEnded)
	assert.True(t, got.IsGoalMet)

	_, err = s.MarkEnded(ctx, "0x0000000000000000000000000000000000000bad", true)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func testRelease(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("100", "100", time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateCampaign(ctx, c))

	// 未结束时不能放款
	changed, err := s.MarkReleased(ctx, c.CampaignAddress, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.MarkEnded(ctx, c.CampaignAddress, true)
	require.NoError(t, err)

	record := &models.Transaction{CreatorAddress: c.CreatorAddress, Amount: eth("100"), Hash: "0xAAA1"}
	changed, err = s.MarkReleased(ctx, c.CampaignAddress, record)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkReleased(ctx, c.CampaignAddress, &models.Transaction{Amount: eth("100"), Hash: "0xaaa2"})
	require.NoError(t, err)
	assert.False(t, changed)

	txs, err := s.ListTransactions(ctx, c.CampaignAddress)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TxRelease, txs[0].Type)
	assert.Equal(t, "0xaaa1", txs[0].Hash)
	assert.True(t, txs[0].Amount.Equal(eth("100")))

	// 放款后不能退款
	changed, err = s.MarkRefunded(ctx, c.CampaignAddress, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetCampaign(ctx, c.CampaignAddress)
	require.NoError(t, err)
	assert.Equal(t, models.StateReleased, got.State())
	assert.NoError(t, got.CheckInvariants())
}

func testRefund(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("100", "40", time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateCampaign(ctx, c))
	_, err := s.MarkEnded(ctx, c.CampaignAddress, false)
	require.NoError(t, err)

	changed, err := s.MarkReleased(ctx, c.CampaignAddress, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.MarkRefunded(ctx, c.CampaignAddress, &models.Transaction{Amount: eth("40"), Hash: "0xbbb1"})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetCampaign(ctx, c.CampaignAddress)
	require.NoError(t, err)
	assert.Equal(t, models.StateRefunded, got.State())
	assert.True(t, got.TotalContributed.Equal(eth("40")))

	has, err := s.HasTransaction(ctx, "0xBBB1")
	require.NoError(t, err)
	assert.True(t, has)
}

func testConcurrentMarks(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("100", "40", time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateCampaign(ctx, c))
	_, err := s.MarkEnded(ctx, c.CampaignAddress, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			changed, err := s.MarkRefunded(ctx, c.CampaignAddress, &models.Transaction{Amount: eth("40"), Hash: fmt.Sprintf("0xc%d", i)})
			assert.NoError(t, err)
			if changed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	txs, err := s.ListTransactions(ctx, c.CampaignAddress)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func testDuplicateHash(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("10", "0", time.Now().Add(time.Hour))
	require.NoError(t, s.CreateCampaign(ctx, c))

	rec := &models.Transaction{CampaignAddress: c.CampaignAddress, Amount: eth("1"), Type: models.TxDonation, Hash: "0xddd"}
	require.NoError(t, s.AppendTransaction(ctx, rec))

	dup := &models.Transaction{CampaignAddress: c.CampaignAddress, Amount: eth("2"), Type: models.TxDonation, Hash: "0xDDD"}
	err := s.AppendTransaction(ctx, dup)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))

	err = s.AppendTransaction(ctx, &models.Transaction{CampaignAddress: c.CampaignAddress, Type: "bogus", Hash: "0xeee"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	// 放款时哈希重复，标志位也不能变更
	_, err = s.MarkEnded(ctx, c.CampaignAddress, true)
	require.NoError(t, err)
	changed, err := s.MarkReleased(ctx, c.CampaignAddress, &models.Transaction{Amount: eth("10"), Hash: "0xddd"})
	assert.Error(t, err)
	assert.False(t, changed)

	got, err := s.GetCampaign(ctx, c.CampaignAddress)
	require.NoError(t, err)
	assert.False(t, got.IsReleased)
}

func testDonation(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("10", "0", time.Now().Add(time.Hour))
	require.NoError(t, s.CreateCampaign(ctx, c))

	for i, amount := range []string{"0.5", "1.25", "0.001"} {
		require.NoError(t, s.RecordDonation(ctx, &models.Transaction{
			CampaignAddress: c.CampaignAddress,
			CreatorAddress:  "0x00000000000000000000000000000000000000d0",
			Amount:          eth(amount),
			Hash:            fmt.Sprintf("0xf%d", i),
		}))
	}
	require.NoError(t, s.IncrementContribution(ctx, c.CampaignAddress, eth("1")))

	got, err := s.GetCampaign(ctx, c.CampaignAddress)
	require.NoError(t, err)
	assert.True(t, got.TotalContributed.Equal(eth("2.751")), got.TotalContributed.String())

	txs, err := s.ListTransactions(ctx, c.CampaignAddress)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "0xf2", txs[0].Hash) // 新记录在前
	assert.Equal(t, "0xf0", txs[2].Hash)

	err = s.RecordDonation(ctx, &models.Transaction{CampaignAddress: c.CampaignAddress, Amount: eth("1"), Hash: "0xf0"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
	got, err = s.GetCampaign(ctx, c.CampaignAddress)
	require.NoError(t, err)
	assert.True(t, got.TotalContributed.Equal(eth("2.751")))

	assert.Error(t, s.IncrementContribution(ctx, c.CampaignAddress, eth("0")))
}

func testSync(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("100", "40", time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateCampaign(ctx, c))

	view := &models.CampaignView{CampaignAddress: c.CampaignAddress, TotalContributed: eth("60"), IsCampaignEnded: true, IsGoalMet: false}
	changed, err := s.SyncFromChain(ctx, view)
	require.NoError(t, err)
	assert.True(t, changed)

	// 链上返回更旧的快照，本地不回退
	stale := &models.CampaignView{CampaignAddress: c.CampaignAddress, TotalContributed: eth("10")}
	changed, err = s.SyncFromChain(ctx, stale)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetCampaign(ctx, c.CampaignAddress)
	require.NoError(t, err)
	assert.True(t, got.IsCampaignEnded)
	assert.True(t, got.TotalContributed.Equal(eth("60")))

	view.IsRefunded = true
	changed, err = s.SyncFromChain(ctx, view)
	require.NoError(t, err)
	assert.True(t, changed)

	// 已退款后链上报告已放款属于冲突
	_, err = s.SyncFromChain(ctx, &models.CampaignView{CampaignAddress: c.CampaignAddress, IsCampaignEnded: true, IsGoalMet: true, IsReleased: true})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
}

func testUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	view := &models.CampaignView{
		CampaignAddress:  "0x00000000000000000000000000000000000FFFFF",
		CreatorAddress:   "0x00000000000000000000000000000000000000AB",
		Title:            "imported",
		GoalAmount:       eth("5"),
		TotalContributed: eth("1"),
		EndDate:          time.Now().Add(time.Hour).UnixMilli(),
	}
	created, err := s.UpsertFromChain(ctx, view)
	require.NoError(t, err)
	assert.True(t, created)

	view.TotalContributed = eth("2")
	created, err = s.UpsertFromChain(ctx, view)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetCampaign(ctx, view.CampaignAddress)
	require.NoError(t, err)
	assert.Equal(t, "imported", got.Title)
	assert.True(t, got.TotalContributed.Equal(eth("2")))
}

func testListActive(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now()

	a := newCampaign("10", "9", now.Add(5*time.Hour))
	b := newCampaign("10", "2", now.Add(time.Hour))
	c := newCampaign("10", "5", now.Add(3*time.Hour))
	ended := newCampaign("10", "10", now.Add(time.Hour))
	for i, cp := range []*models.Campaign{a, b, c, ended} {
		cp.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateCampaign(ctx, cp))
	}
	_, err := s.MarkEnded(ctx, ended.CampaignAddress, true)
	require.NoError(t, err)

	page, err := s.ListActive(ctx, models.ListQuery{}, now)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, []string{a.CampaignAddress, c.CampaignAddress, b.CampaignAddress}, addresses(page.Data))

	page, err = s.ListActive(ctx, models.ListQuery{Filter: models.FilterPopular}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{a.CampaignAddress, c.CampaignAddress, b.CampaignAddress}, addresses(page.Data))

	page, err = s.ListActive(ctx, models.ListQuery{Filter: models.FilterEnding}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{b.CampaignAddress, c.CampaignAddress, a.CampaignAddress}, addresses(page.Data))

	page, err = s.ListActive(ctx, models.ListQuery{Filter: models.FilterNew, Count: 2}, now)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, []string{c.CampaignAddress, b.CampaignAddress}, addresses(page.Data))

	page, err = s.ListActive(ctx, models.ListQuery{Filter: models.FilterNew, Count: 2, Page: 2}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{a.CampaignAddress}, addresses(page.Data))

	page, err = s.ListActive(ctx, models.ListQuery{Page: 9}, now)
	require.NoError(t, err)
	assert.Empty(t, page.Data)
}

func testSlider(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now()
	zero := newCampaign("10", "0", now.Add(time.Hour))
	require.NoError(t, s.CreateCampaign(ctx, zero))

	var expected []string
	for i := 7; i >= 1; i-- {
		c := newCampaign("100", fmt.Sprintf("%d", i), now.Add(time.Hour))
		require.NoError(t, s.CreateCampaign(ctx, c))
		if len(expected) < 5 {
			expected = append(expected, models.NormalizeAddress(c.CampaignAddress))
		}
	}

	top, err := s.Slider(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, expected, addresses(top))
}

func addresses(campaigns []*models.Campaign) []string {
	out := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		out = append(out, models.NormalizeAddress(c.CampaignAddress))
	}
	return out
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(&config.DatabaseConfig{Driver: "mongo"}, newTestLogger())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig))
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewBoltStore(path, newTestLogger())
	require.NoError(t, err)

	c := newCampaign("1", "0", time.Now())
	require.NoError(t, s.CreateCampaign(context.Background(), c))
	require.NoError(t, s.AppendTransaction(context.Background(), &models.Transaction{
		CampaignAddress: c.CampaignAddress, Type: models.TxDonation, Amount: eth("0.1"), Hash: "0x1",
	}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path, newTestLogger())
	require.NoError(t, err)
	defer s.Close()

	has, err := s.HasTransaction(context.Background(), "0x1")
	require.NoError(t, err)
	assert.True(t, has)
}
