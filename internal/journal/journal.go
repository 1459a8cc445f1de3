package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "crowdfund/internal/errors"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/journal.db"

	// 存储桶名称
	SubmissionsBucket = "submissions"
	RunsBucket        = "runs"
)

// Submission 已签名并即将广播的交易
type Submission struct {
	Method      string    `json:"method"`
	Contract    string    `json:"contract"`
	TxHash      string    `json:"tx_hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Age 距提交的时长
func (s *Submission) Age(now time.Time) time.Duration {
	return now.Sub(s.SubmittedAt)
}

// PassRun 一次对账轮次的统计
type PassRun struct {
	Pass       string        `json:"pass"`
	StartTime  time.Time     `json:"start_time"`
	FinishTime time.Time     `json:"finish_time"`
	Duration   time.Duration `json:"duration"`
	Eligible   int           `json:"eligible"`
	Succeeded  int           `json:"succeeded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Aborted    bool          `json:"aborted"`
	TotalRuns  uint64        `json:"total_runs"`
}

// Journal 交易提交日志，进程重启后据此找回已广播但未落库的交易
type Journal struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	// 内存缓存
	runs map[string]*PassRun
}

// Open 打开或创建提交日志
func Open(dbPath string, logger *logrus.Logger) (*Journal, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err, "打开提交日志失败")
	}

	j := &Journal{
		db:     db,
		logger: logger,
		dbPath: dbPath,
		runs:   make(map[string]*PassRun),
	}

	if err := j.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化提交日志失败: %w", err)
	}

	if err := j.loadCache(); err != nil {
		logger.Warnf("加载轮次统计失败: %v", err)
	}

	logger.Infof("提交日志已初始化，数据库路径: %s", dbPath)
	return j, nil
}

// initDB 初始化数据库结构
func (j *Journal) initDB() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(SubmissionsBucket)); err != nil {
			return fmt.Errorf("创建提交存储桶失败: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(RunsBucket)); err != nil {
			return fmt.Errorf("创建轮次存储桶失败: %w", err)
		}
		return nil
	})
}

// loadCache 加载轮次统计
func (j *Journal) loadCache() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(RunsBucket)).ForEach(func(k, v []byte) error {
			var run PassRun
			if err := json.Unmarshal(v, &run); err != nil {
				return nil
			}
			j.runs[string(k)] = &run
			return nil
		})
	})
}

func submissionKey(method, contract string) []byte {
	return []byte(method + ":" + strings.ToLower(contract))
}

// RecordSubmission 广播前写入交易哈希
func (j *Journal) RecordSubmission(method, contract, txHash string) error {
	entry := Submission{
		Method:      method,
		Contract:    strings.ToLower(contract),
		TxHash:      strings.ToLower(txHash),
		SubmittedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化提交记录失败: %w", err)
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(SubmissionsBucket)).Put(submissionKey(method, contract), data)
	})
	if err != nil {
		return apperrors.StoreUnavailable(err, "写入提交日志失败")
	}
	j.logger.WithFields(logrus.Fields{
		"method":   method,
		"contract": entry.Contract,
		"tx_hash":  entry.TxHash,
	}).Debug("已记录待确认交易")
	return nil
}

// DiscardSubmission 广播失败时删除记录
func (j *Journal) DiscardSubmission(method, contract string) error {
	return j.Clear(method, contract)
}

// Pending 查询某操作未完成的提交
func (j *Journal) Pending(method, contract string) (*Submission, error) {
	var entry *Submission
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(SubmissionsBucket)).Get(submissionKey(method, contract))
		if data == nil {
			return nil
		}
		entry = &Submission{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err, "读取提交日志失败")
	}
	return entry, nil
}

// Clear 操作已落库，删除记录
func (j *Journal) Clear(method, contract string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(SubmissionsBucket)).Delete(submissionKey(method, contract))
	})
	if err != nil {
		return apperrors.StoreUnavailable(err, "删除提交记录失败")
	}
	return nil
}

// List 所有未完成的提交，按提交时间排序
func (j *Journal) List() ([]*Submission, error) {
	out := make([]*Submission, 0)
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(SubmissionsBucket)).ForEach(func(k, v []byte) error {
			var entry Submission
			if err := json.Unmarshal(v, &entry); err != nil {
				j.logger.Warnf("跳过无法解析的提交记录 %s: %v", string(k), err)
				return nil
			}
			out = append(out, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err, "读取提交日志失败")
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SubmittedAt.Before(out[b].SubmittedAt) })
	return out, nil
}

// SaveRun 保存轮次统计
func (j *Journal) SaveRun(run *PassRun) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	saved := *run
	if prev, ok := j.runs[run.Pass]; ok {
		saved.TotalRuns = prev.TotalRuns
	}
	saved.TotalRuns++

	data, err := json.Marshal(&saved)
	if err != nil {
		return fmt.Errorf("序列化轮次统计失败: %w", err)
	}
	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(RunsBucket)).Put([]byte(run.Pass), data)
	})
	if err != nil {
		return apperrors.StoreUnavailable(err, "保存轮次统计失败")
	}
	j.runs[run.Pass] = &saved
	return nil
}

// LastRun 最近一次轮次统计，返回副本
func (j *Journal) LastRun(pass string) (*PassRun, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	run, ok := j.runs[pass]
	if !ok {
		return nil, false
	}
	cp := *run
	return &cp, true
}

// GetStats 获取统计信息
func (j *Journal) GetStats() map[string]interface{} {
	pending, err := j.List()
	stats := map[string]interface{}{
		"db_path": j.dbPath,
	}
	if err == nil {
		stats["pending_submissions"] = len(pending)
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	for pass, run := range j.runs {
		stats[pass] = map[string]interface{}{
			"last_start": run.StartTime.Format(time.RFC3339),
			"duration":   run.Duration.String(),
			"eligible":   run.Eligible,
			"succeeded":  run.Succeeded,
			"skipped":    run.Skipped,
			"failed":     run.Failed,
			"aborted":    run.Aborted,
			"total_runs": run.TotalRuns,
		}
	}
	return stats
}

// Close 关闭提交日志
func (j *Journal) Close() error {
	if j.db != nil {
		j.logger.Info("关闭提交日志")
		return j.db.Close()
	}
	return nil
}
