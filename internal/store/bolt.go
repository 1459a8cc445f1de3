package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "crowdfund/internal/errors"
	"crowdfund/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 存储桶名称
	CampaignsBucket    = "campaigns"
	TransactionsBucket = "transactions" // 每个活动一个子桶，键为自增序号
	TxHashesBucket     = "tx_hashes"    // 交易哈希 -> 活动地址，用于去重
)

// BoltStore 基于BoltDB的嵌入式存储
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
}

// NewBoltStore 打开或创建BoltDB存储
func NewBoltStore(dbPath string, logger *logrus.Logger) (*BoltStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err, "打开活动数据库失败")
	}

	s := &BoltStore{db: db, logger: logger, dbPath: dbPath}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("活动存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

// initDB 初始化数据库结构
func (s *BoltStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{CampaignsBucket, TransactionsBucket, TxHashesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// view/update 统一把BoltDB错误包装为存储不可用，业务错误原样返回
func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	return wrapBoltErr(s.db.View(fn))
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	return wrapBoltErr(s.db.Update(fn))
}

func wrapBoltErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.StoreUnavailable(err, "活动数据库读写失败")
}

func getCampaign(tx *bolt.Tx, address string) (*models.Campaign, error) {
	data := tx.Bucket([]byte(CampaignsBucket)).Get([]byte(address))
	if data == nil {
		return nil, errCampaignNotFound(address)
	}
	var c models.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("解析活动 %s 失败: %w", address, err)
	}
	return &c, nil
}

func putCampaign(tx *bolt.Tx, c *models.Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("序列化活动失败: %w", err)
	}
	return tx.Bucket([]byte(CampaignsBucket)).Put([]byte(c.CampaignAddress), data)
}

// appendRecord 写入账本并登记哈希
func appendRecord(tx *bolt.Tx, record *models.Transaction) error {
	hashes := tx.Bucket([]byte(TxHashesBucket))
	if hashes.Get([]byte(record.Hash)) != nil {
		return errDuplicate(fmt.Sprintf("交易已记录: %s", record.Hash))
	}

	bucket, err := tx.Bucket([]byte(TransactionsBucket)).CreateBucketIfNotExists([]byte(record.CampaignAddress))
	if err != nil {
		return err
	}
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化账本记录失败: %w", err)
	}
	if err := bucket.Put(key, data); err != nil {
		return err
	}
	return hashes.Put([]byte(record.Hash), []byte(record.CampaignAddress))
}

// scan 遍历所有活动
func (s *BoltStore) scan(match func(c *models.Campaign) bool) ([]*models.Campaign, error) {
	out := make([]*models.Campaign, 0)
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(CampaignsBucket)).ForEach(func(k, v []byte) error {
			var c models.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				s.logger.Warnf("跳过无法解析的活动 %s: %v", string(k), err)
				return nil
			}
			if match(&c) {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

// CreateCampaign 新建活动，地址重复时返回冲突
func (s *BoltStore) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	c := *campaign
	c.CampaignAddress = models.NormalizeAddress(c.CampaignAddress)
	c.CreatorAddress = models.NormalizeAddress(c.CreatorAddress)
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	err := s.update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(CampaignsBucket)).Get([]byte(c.CampaignAddress)) != nil {
			return errDuplicate(fmt.Sprintf("活动已存在: %s", c.CampaignAddress))
		}
		return putCampaign(tx, &c)
	})
	if err == nil {
		*campaign = c
	}
	return err
}

// GetCampaign 按地址读取活动
func (s *BoltStore) GetCampaign(ctx context.Context, address string) (*models.Campaign, error) {
	var c *models.Campaign
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		c, err = getCampaign(tx, models.NormalizeAddress(address))
		return err
	})
	return c, err
}

// ListActive 进行中的活动分页列表
func (s *BoltStore) ListActive(ctx context.Context, query models.ListQuery, now time.Time) (*models.CampaignPage, error) {
	query = query.Normalize()
	active, err := s.scan(func(c *models.Campaign) bool { return !c.IsCampaignEnded })
	if err != nil {
		return nil, err
	}
	sortCampaigns(active, query.Filter, now)
	return &models.CampaignPage{Data: paginate(active, query), Total: len(active)}, nil
}

// Slider 已筹金额最多的进行中活动
func (s *BoltStore) Slider(ctx context.Context, limit int) ([]*models.Campaign, error) {
	active, err := s.scan(func(c *models.Campaign) bool {
		return !c.IsCampaignEnded && c.TotalContributed.IsPositive()
	})
	if err != nil {
		return nil, err
	}
	sortCampaigns(active, models.FilterDefault, time.Now())
	if len(active) > limit {
		active = active[:limit]
	}
	return active, nil
}

// FindEligibleForEnd 未结束且达到目标或已过截止时间
func (s *BoltStore) FindEligibleForEnd(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	return s.scan(func(c *models.Campaign) bool { return c.EligibleForEnd(now) })
}

// FindEligibleForRelease 已结束、达标且未放款
func (s *BoltStore) FindEligibleForRelease(ctx context.Context) ([]*models.Campaign, error) {
	return s.scan(func(c *models.Campaign) bool { return c.EligibleForRelease() })
}

// FindEligibleForRefund 已结束、未达标且未退款
func (s *BoltStore) FindEligibleForRefund(ctx context.Context) ([]*models.Campaign, error) {
	return s.scan(func(c *models.Campaign) bool { return c.EligibleForRefund() })
}

// MarkEnded 条件更新结束标志
func (s *BoltStore) MarkEnded(ctx context.Context, address string, goalMet bool) (bool, error) {
	changed := false
	err := s.update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, models.NormalizeAddress(address))
		if err != nil {
			return err
		}
		if c.IsCampaignEnded {
			return nil
		}
		c.IsCampaignEnded = true
		c.IsGoalMet = goalMet
		c.UpdatedAt = time.Now().UTC()
		changed = true
		return putCampaign(tx, c)
	})
	return changed, err
}

// MarkReleased 条件更新放款标志并写入账本
func (s *BoltStore) MarkReleased(ctx context.Context, address string, record *models.Transaction) (bool, error) {
	return s.markSettled(address, record, models.TxRelease)
}

// MarkRefunded 条件更新退款标志并写入账本
func (s *BoltStore) MarkRefunded(ctx context.Context, address string, record *models.Transaction) (bool, error) {
	return s.markSettled(address, record, models.TxRefund)
}

func (s *BoltStore) markSettled(address string, record *models.Transaction, kind models.TxType) (bool, error) {
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
	err := s.update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, address)
		if err != nil {
			return err
		}

		switch kind {
		case models.TxRelease:
			if !c.EligibleForRelease() || c.IsRefunded {
				return nil
			}
			c.IsReleased = true
		case models.TxRefund:
			if !c.EligibleForRefund() || c.IsReleased {
				return nil
			}
			c.IsRefunded = true
		}
		c.UpdatedAt = time.Now().UTC()

		if err := putCampaign(tx, c); err != nil {
			return err
		}
		if record != nil {
			if err := appendRecord(tx, record); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	return changed, err
}

// IncrementContribution 原子累加已筹金额
func (s *BoltStore) IncrementContribution(ctx context.Context, address string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperrors.Validation("累加金额必须大于0")
	}
	return s.update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, models.NormalizeAddress(address))
		if err != nil {
			return err
		}
		c.TotalContributed = c.TotalContributed.Add(amount)
		c.UpdatedAt = time.Now().UTC()
		return putCampaign(tx, c)
	})
}

// RecordDonation 同一事务内写入捐款记录并累加金额
func (s *BoltStore) RecordDonation(ctx context.Context, record *models.Transaction) error {
	record.Type = models.TxDonation
	normalizeRecord(record)
	if err := validateRecord(record); err != nil {
		return err
	}
	if !record.Amount.IsPositive() {
		return apperrors.Validation("捐款金额必须大于0")
	}

	return s.update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, record.CampaignAddress)
		if err != nil {
			return err
		}
		if err := appendRecord(tx, record); err != nil {
			return err
		}
		c.TotalContributed = c.TotalContributed.Add(record.Amount)
		c.UpdatedAt = time.Now().UTC()
		return putCampaign(tx, c)
	})
}

// SyncFromChain 单调合并链上状态
func (s *BoltStore) SyncFromChain(ctx context.Context, view *models.CampaignView) (bool, error) {
	changed := false
	err := s.update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, models.NormalizeAddress(view.CampaignAddress))
		if err != nil {
			return err
		}
		changed, err = applyChainView(c, view)
		if err != nil || !changed {
			return err
		}
		return putCampaign(tx, c)
	})
	return changed, err
}

// UpsertFromChain 导入链上活动
func (s *BoltStore) UpsertFromChain(ctx context.Context, view *models.CampaignView) (bool, error) {
	created := false
	err := s.update(func(tx *bolt.Tx) error {
		address := models.NormalizeAddress(view.CampaignAddress)
		c, err := getCampaign(tx, address)
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			fresh := view.ToCampaign()
			if err := fresh.CheckInvariants(); err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeConflict, apperrors.SeverityHigh, "CHAIN_STATE_CONFLICT", "链上活动状态不合法")
			}
			now := time.Now().UTC()
			fresh.CreatedAt, fresh.UpdatedAt = now, now
			created = true
			return putCampaign(tx, fresh)
		}
		if err != nil {
			return err
		}
		changed, err := applyChainView(c, view)
		if err != nil || !changed {
			return err
		}
		return putCampaign(tx, c)
	})
	return created, err
}

// AppendTransaction 追加账本记录，哈希重复时返回冲突
func (s *BoltStore) AppendTransaction(ctx context.Context, record *models.Transaction) error {
	normalizeRecord(record)
	if err := validateRecord(record); err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return appendRecord(tx, record)
	})
}

// ListTransactions 活动的账本记录，新记录在前
func (s *BoltStore) ListTransactions(ctx context.Context, address string) ([]*models.Transaction, error) {
	out := make([]*models.Transaction, 0)
	err := s.view(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(TransactionsBucket)).Bucket([]byte(models.NormalizeAddress(address)))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var record models.Transaction
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("解析账本记录失败: %w", err)
			}
			out = append(out, &record)
		}
		return nil
	})
	return out, err
}

// HasTransaction 交易哈希是否已记录
func (s *BoltStore) HasTransaction(ctx context.Context, hash string) (bool, error) {
	found := false
	err := s.view(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(TxHashesBucket)).Get([]byte(strings.ToLower(hash))) != nil
		return nil
	})
	return found, err
}
