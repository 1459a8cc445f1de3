package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"crowdfund/internal/config"
	apperrors "crowdfund/internal/errors"
	"crowdfund/pkg/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// schema 启动时执行，语句均可重复执行
const schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	campaign_address  TEXT PRIMARY KEY,
	creator_address   TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	image             TEXT NOT NULL DEFAULT '',
	goal_amount       NUMERIC(78,18) NOT NULL DEFAULT 0,
	total_contributed NUMERIC(78,18) NOT NULL DEFAULT 0 CHECK (total_contributed >= 0),
	end_date          BIGINT NOT NULL,
	is_goal_met       BOOLEAN NOT NULL DEFAULT FALSE,
	is_campaign_ended BOOLEAN NOT NULL DEFAULT FALSE,
	is_released       BOOLEAN NOT NULL DEFAULT FALSE,
	is_refunded       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (NOT (is_released AND is_refunded))
);

CREATE INDEX IF NOT EXISTS idx_campaigns_ended ON campaigns (is_campaign_ended);

CREATE TABLE IF NOT EXISTS transactions (
	id               BIGSERIAL PRIMARY KEY,
	campaign_address TEXT NOT NULL REFERENCES campaigns (campaign_address),
	creator_address  TEXT NOT NULL DEFAULT '',
	amount           NUMERIC(78,18) NOT NULL CHECK (amount >= 0),
	type             TEXT NOT NULL,
	hash             TEXT NOT NULL UNIQUE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_transactions_campaign ON transactions (campaign_address, id DESC);
`

const campaignColumns = `campaign_address, creator_address, title, description, image, goal_amount,
	total_contributed, end_date, is_goal_met, is_campaign_ended, is_released, is_refunded, created_at, updated_at`

// PostgresStore 基于PostgreSQL的存储
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewPostgresStore 连接数据库并初始化表结构
func NewPostgresStore(cfg *config.DatabaseConfig, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.StoreUnavailable(err, "数据库连接测试失败")
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	logger.Info("PostgreSQL活动存储已初始化")
	return &PostgresStore{db: db, logger: logger}, nil
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// wrapPGErr 把驱动错误转换为业务错误
func wrapPGErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return errDuplicate(fmt.Sprintf("记录已存在: %s", pqErr.Detail))
		case "check_violation", "foreign_key_violation":
			return apperrors.Wrap(err, apperrors.ErrorTypeConflict, apperrors.SeverityHigh, "CONSTRAINT_VIOLATION", "违反数据约束")
		}
	}
	return apperrors.StoreUnavailable(err, "数据库操作失败")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(&c.CampaignAddress, &c.CreatorAddress, &c.Title, &c.Description, &c.Image,
		&c.GoalAmount, &c.TotalContributed, &c.EndDate, &c.IsGoalMet, &c.IsCampaignEnded,
		&c.IsReleased, &c.IsRefunded, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) queryCampaigns(ctx context.Context, where string, args ...interface{}) ([]*models.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE "+where, args...)
	if err != nil {
		return nil, wrapPGErr(err)
	}
	defer rows.Close()

	out := make([]*models.Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, wrapPGErr(err)
		}
		out = append(out, c)
	}
	return out, wrapPGErr(rows.Err())
}

// withTx 在事务内执行fn
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapPGErr(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return wrapPGErr(err)
	}
	return wrapPGErr(tx.Commit())
}

func lockCampaign(ctx context.Context, tx *sql.Tx, address string) (*models.Campaign, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE campaign_address = $1 FOR UPDATE", address)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errCampaignNotFound(address)
	}
	return c, err
}

func insertRecord(ctx context.Context, tx *sql.Tx, r *models.Transaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (campaign_address, creator_address, amount, type, hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.CampaignAddress, r.CreatorAddress, r.Amount, string(r.Type), r.Hash, r.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return errDuplicate(fmt.Sprintf("交易已记录: %s", r.Hash))
	}
	return err
}

// CreateCampaign 新建活动，地址重复时返回冲突
func (s *PostgresStore) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	campaign.CampaignAddress = models.NormalizeAddress(campaign.CampaignAddress)
	campaign.CreatorAddress = models.NormalizeAddress(campaign.CreatorAddress)
	now := time.Now().UTC()
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = now
	}
	campaign.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (`+campaignColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		campaign.CampaignAddress, campaign.CreatorAddress, campaign.Title, campaign.Description, campaign.Image,
		campaign.GoalAmount, campaign.TotalContributed, campaign.EndDate, campaign.IsGoalMet, campaign.IsCampaignEnded,
		campaign.IsReleased, campaign.IsRefunded, campaign.CreatedAt, campaign.UpdatedAt)
	return wrapPGErr(err)
}

// GetCampaign 按地址读取活动
func (s *PostgresStore) GetCampaign(ctx context.Context, address string) (*models.Campaign, error) {
	address = models.NormalizeAddress(address)
	row := s.db.QueryRowContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE campaign_address = $1", address)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errCampaignNotFound(address)
	}
	return c, wrapPGErr(err)
}

// ListActive 进行中的活动分页列表
func (s *PostgresStore) ListActive(ctx context.Context, query models.ListQuery, now time.Time) (*models.CampaignPage, error) {
	query = query.Normalize()

	var order string
	args := []interface{}{query.Count, query.Skip()}
	switch query.Filter {
	case models.FilterPopular:
		order = "(goal_amount - total_contributed) ASC"
	case models.FilterEnding:
		order = "ABS(end_date - $3) ASC"
		args = append(args, now.UnixMilli())
	case models.FilterNew:
		order = "created_at DESC"
	default:
		order = "total_contributed DESC"
	}

	campaigns, err := s.queryCampaigns(ctx,
		fmt.Sprintf("is_campaign_ended = FALSE ORDER BY %s, campaign_address ASC LIMIT $1 OFFSET $2", order), args...)
	if err != nil {
		return nil, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns WHERE is_campaign_ended = FALSE").Scan(&total); err != nil {
		return nil, wrapPGErr(err)
	}
	return &models.CampaignPage{Data: campaigns, Total: total}, nil
}

// Slider 已筹金额最多的进行中活动
func (s *PostgresStore) Slider(ctx context.Context, limit int) ([]*models.Campaign, error) {
	return s.queryCampaigns(ctx,
		"is_campaign_ended = FALSE AND total_contributed > 0 ORDER BY total_contributed DESC, campaign_address ASC LIMIT $1", limit)
}

// FindEligibleForEnd 未结束且达到目标或已过截止时间
func (s *PostgresStore) FindEligibleForEnd(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	return s.queryCampaigns(ctx,
		"is_campaign_ended = FALSE AND ((goal_amount > 0 AND total_contributed >= goal_amount) OR end_date < $1)", now.UnixMilli())
}

// FindEligibleForRelease 已结束、达标且未放款
func (s *PostgresStore) FindEligibleForRelease(ctx context.Context) ([]*models.Campaign, error) {
	return s.queryCampaigns(ctx, "is_campaign_ended = TRUE AND is_goal_met = TRUE AND is_released = FALSE")
}

// FindEligibleForRefund 已结束、未达标且未退款
func (s *PostgresStore) FindEligibleForRefund(ctx context.Context) ([]*models.Campaign, error) {
	return s.queryCampaigns(ctx, "is_campaign_ended = TRUE AND is_goal_met = FALSE AND is_refunded = FALSE")
}

// MarkEnded 条件更新结束标志
func (s *PostgresStore) MarkEnded(ctx context.Context, address string, goalMet bool) (bool, error) {
	address = models.NormalizeAddress(address)
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET is_campaign_ended = TRUE, is_goal_met = $2, updated_at = NOW()
		 WHERE campaign_address = $1 AND is_campaign_ended = FALSE`, address, goalMet)
	if err != nil {
		return false, wrapPGErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapPGErr(err)
	}
	if n == 0 {
		if _, err := s.GetCampaign(ctx, address); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// MarkReleased 条件更新放款标志并写入账本
func (s *PostgresStore) MarkReleased(ctx context.Context, address string, record *models.Transaction) (bool, error) {
	return s.markSettled(ctx, address, record, models.TxRelease,
		`UPDATE campaigns SET is_released = TRUE, updated_at = NOW()
		 WHERE campaign_address = $1 AND is_campaign_ended = TRUE AND is_goal_met = TRUE
		   AND is_released = FALSE AND is_refunded = FALSE`)
}

// MarkRefunded 条件更新退款标志并写入账本
func (s *PostgresStore) MarkRefunded(ctx context.Context, address string, record *models.Transaction) (bool, error) {
	return s.markSettled(ctx, address, record, models.TxRefund,
		`UPDATE campaigns SET is_refunded = TRUE, updated_at = NOW()
		 WHERE campaign_address = $1 AND is_campaign_ended = TRUE AND is_goal_met = FALSE
		   AND is_refunded = FALSE AND is_released = FALSE`)
}

func (s *PostgresStore) markSettled(ctx context.Context, address string, record *models.Transaction, kind models.TxType, update string) (bool, error) {
	address = models.NormalizeAddress(address)
	if record != nil {
		record.Type = kind
		record.CampaignAddress = address
		normalizeRecord(record)
		if err := validateRecord(record); err != nil {
			return false, err
		}
	}

	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockCampaign(ctx, tx, address); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, update, address)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		if record != nil {
			if err := insertRecord(ctx, tx, record); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// IncrementContribution 原子累加已筹金额
func (s *PostgresStore) IncrementContribution(ctx context.Context, address string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperrors.Validation("累加金额必须大于0")
	}
	address = models.NormalizeAddress(address)
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET total_contributed = total_contributed + $2, updated_at = NOW() WHERE campaign_address = $1`,
		address, amount)
	if err != nil {
		return wrapPGErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errCampaignNotFound(address)
	}
	return nil
}

// RecordDonation 同一事务内写入捐款记录并累加金额
func (s *PostgresStore) RecordDonation(ctx context.Context, record *models.Transaction) error {
	record.Type = models.TxDonation
	normalizeRecord(record)
	if err := validateRecord(record); err != nil {
		return err
	}
	if !record.Amount.IsPositive() {
		return apperrors.Validation("捐款金额必须大于0")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockCampaign(ctx, tx, record.CampaignAddress); err != nil {
			return err
		}
		if err := insertRecord(ctx, tx, record); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE campaigns SET total_contributed = total_contributed + $2, updated_at = NOW() WHERE campaign_address = $1`,
			record.CampaignAddress, record.Amount)
		return err
	})
}

func saveFlags(ctx context.Context, tx *sql.Tx, c *models.Campaign) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET total_contributed = $2, is_campaign_ended = $3, is_goal_met = $4,
		   is_released = $5, is_refunded = $6, updated_at = $7
		 WHERE campaign_address = $1`,
		c.CampaignAddress, c.TotalContributed, c.IsCampaignEnded, c.IsGoalMet, c.IsReleased, c.IsRefunded, c.UpdatedAt)
	return err
}

// SyncFromChain 单调合并链上状态
func (s *PostgresStore) SyncFromChain(ctx context.Context, view *models.CampaignView) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := lockCampaign(ctx, tx, models.NormalizeAddress(view.CampaignAddress))
		if err != nil {
			return err
		}
		changed, err = applyChainView(c, view)
		if err != nil || !changed {
			return err
		}
		return saveFlags(ctx, tx, c)
	})
	return changed, err
}

// UpsertFromChain 导入链上活动
func (s *PostgresStore) UpsertFromChain(ctx context.Context, view *models.CampaignView) (bool, error) {
	_, err := s.GetCampaign(ctx, view.CampaignAddress)
	if err == nil {
		_, err = s.SyncFromChain(ctx, view)
		return false, err
	}
	if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return false, err
	}

	fresh := view.ToCampaign()
	if err := fresh.CheckInvariants(); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeConflict, apperrors.SeverityHigh, "CHAIN_STATE_CONFLICT", "链上活动状态不合法")
	}
	if err := s.CreateCampaign(ctx, fresh); err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeConflict) {
			// 并发导入，按已存在处理
			_, err = s.SyncFromChain(ctx, view)
			return false, err
		}
		return false, err
	}
	return true, nil
}

// AppendTransaction 追加账本记录，哈希重复时返回冲突
func (s *PostgresStore) AppendTransaction(ctx context.Context, record *models.Transaction) error {
	normalizeRecord(record)
	if err := validateRecord(record); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertRecord(ctx, tx, record)
	})
}

// ListTransactions 活动的账本记录，新记录在前
func (s *PostgresStore) ListTransactions(ctx context.Context, address string) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_address, creator_address, amount, type, hash, created_at
		 FROM transactions WHERE campaign_address = $1 ORDER BY id DESC`, models.NormalizeAddress(address))
	if err != nil {
		return nil, wrapPGErr(err)
	}
	defer rows.Close()

	out := make([]*models.Transaction, 0)
	for rows.Next() {
		var r models.Transaction
		var kind string
		if err := rows.Scan(&r.CampaignAddress, &r.CreatorAddress, &r.Amount, &kind, &r.Hash, &r.CreatedAt); err != nil {
			return nil, wrapPGErr(err)
		}
		r.Type = models.TxType(kind)
		out = append(out, &r)
	}
	return out, wrapPGErr(rows.Err())
}

// HasTransaction 交易哈希是否已记录
func (s *PostgresStore) HasTransaction(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM transactions WHERE hash = $1)", strings.ToLower(hash)).Scan(&exists)
	return exists, wrapPGErr(err)
}
