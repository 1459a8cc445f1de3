package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crowdfund/internal/chain"
	apperrors "crowdfund/internal/errors"
	"crowdfund/internal/journal"
	"crowdfund/internal/lock"
	"crowdfund/internal/logging"
	"crowdfund/internal/store"
	"crowdfund/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const component = "reconciler"

// 轮次名称
const (
	PassEnd     = "end"
	PassRelease = "release"
	PassRefund  = "refund"
	PassImport  = "import"
)

// Gateway 对账所需的链上操作，*chain.Gateway 实现该接口
type Gateway interface {
	ReadCampaignDetails(ctx context.Context, campaignAddress string) (*models.CampaignView, error)
	ReadCampaigns(ctx context.Context, start, end uint64) ([]*models.CampaignView, error)
	TotalCampaigns(ctx context.Context) (uint64, error)
	SubmitEndCampaign(ctx context.Context, campaignAddress string) (*models.Receipt, error)
	SubmitReleaseFunds(ctx context.Context, campaignAddress string) (*models.Receipt, error)
	SubmitRefund(ctx context.Context, campaignAddress string) (*models.Receipt, error)
	SubmitResetActiveCampaignStatus(ctx context.Context, creatorAddress string) (*models.Receipt, error)
	LookupTransaction(ctx context.Context, txHash string) (chain.TxState, *models.Receipt, error)
	Ping(ctx context.Context) error
}

// Journal 提交日志
type Journal interface {
	Pending(method, contract string) (*journal.Submission, error)
	Clear(method, contract string) error
	SaveRun(run *journal.PassRun) error
}

// Notifier 生命周期通知，尽力而为
type Notifier interface {
	Notify(ctx context.Context, wallet string, kind models.NotificationKind, amount decimal.Decimal)
	PublishLifecycle(ctx context.Context, event *models.LifecycleEvent)
}

// OutcomeStatus 单个活动的处理结果
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome 单个活动的处理结果
type Outcome struct {
	Campaign string        `json:"campaign"`
	Status   OutcomeStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	TxHash   string        `json:"txHash,omitempty"`
	Err      error         `json:"-"`
}

// PassResult 一次轮次的汇总
type PassResult struct {
	Pass      string        `json:"pass"`
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`
	Eligible  int           `json:"eligible"`
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Aborted   bool          `json:"aborted"`
	Outcomes  []Outcome     `json:"outcomes"`
}

func (r *PassResult) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case OutcomeSuccess:
		r.Succeeded++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

// Options 对账参数
type Options struct {
	Workers        int
	ConfirmTimeout time.Duration // 提交日志中未知状态的交易超过该时长视为丢弃
	PageSize       int
	Now            func() time.Time
}

// Reconciler 推进活动生命周期：结束、放款、退款
type Reconciler struct {
	store    store.Store
	gateway  Gateway
	journal  Journal
	locker   lock.Locker
	notifier Notifier
	errors   *apperrors.ErrorHandler
	logger   *logrus.Logger
	opts     Options

	passes map[string]*pass
}

// New 创建对账器
func New(st store.Store, gw Gateway, jr Journal, locker lock.Locker, notifier Notifier,
	handler *apperrors.ErrorHandler, logger *logrus.Logger, opts Options) *Reconciler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if handler == nil {
		handler = apperrors.NewErrorHandler(logger)
	}

	r := &Reconciler{
		store:    st,
		gateway:  gw,
		journal:  jr,
		locker:   locker,
		notifier: notifier,
		errors:   handler,
		logger:   logger,
		opts:     opts,
	}
	r.passes = map[string]*pass{
		PassEnd:     r.endPass(),
		PassRelease: r.releasePass(),
		PassRefund:  r.refundPass(),
	}
	return r
}

// ErrorStats 对账错误统计
func (r *Reconciler) ErrorStats() apperrors.ErrorStats {
	return r.errors.GetStats()
}

// RunEndPass 结束达标或已过期的活动
func (r *Reconciler) RunEndPass(ctx context.Context) (*PassResult, error) {
	return r.runPass(ctx, r.passes[PassEnd])
}

// RunReleasePass 向达标活动的发起人放款
func (r *Reconciler) RunReleasePass(ctx context.Context) (*PassResult, error) {
	return r.runPass(ctx, r.passes[PassRelease])
}

// RunRefundPass 向未达标活动的捐款人退款
func (r *Reconciler) RunRefundPass(ctx context.Context) (*PassResult, error) {
	return r.runPass(ctx, r.passes[PassRefund])
}

// RunAll 依次执行结束、放款、退款，任一轮的全局错误不影响后续轮次
func (r *Reconciler) RunAll(ctx context.Context) ([]*PassResult, error) {
	var errs []error
	results := make([]*PassResult, 0, 3)
	for _, name := range []string{PassEnd, PassRelease, PassRefund} {
		result, err := r.runPass(ctx, r.passes[name])
		if result != nil {
			results = append(results, result)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return results, errors.Join(errs...)
}

// Run 按名称执行轮次
func (r *Reconciler) Run(ctx context.Context, name string) ([]*PassResult, error) {
	switch name {
	case "all":
		return r.RunAll(ctx)
	case PassImport:
		result, err := r.RunImport(ctx)
		return []*PassResult{result}, err
	}
	p, ok := r.passes[name]
	if !ok {
		return nil, apperrors.Validation(fmt.Sprintf("未知的对账轮次: %s", name))
	}
	result, err := r.runPass(ctx, p)
	return []*PassResult{result}, err
}

// runPass 查询候选活动并按工作协程数并发处理
func (r *Reconciler) runPass(ctx context.Context, p *pass) (*PassResult, error) {
	result := &PassResult{Pass: p.name, StartTime: r.opts.Now(), Outcomes: make([]Outcome, 0)}
	logger := r.logger.WithFields(logrus.Fields{"component": component, "pass": p.name})

	candidates, err := p.find(ctx)
	if err != nil {
		result.Aborted = true
		r.finish(result)
		return result, r.report(ctx, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, apperrors.SeverityHigh,
			apperrors.CodeStoreUnavailable, "查询候选活动失败").WithContext("pass", p.name))
	}
	result.Eligible = len(candidates)
	if len(candidates) == 0 {
		logger.Debug("没有符合条件的活动")
		r.finish(result)
		return result, nil
	}
	logger.Infof("开始处理 %d 个活动", len(candidates))

	var mu sync.Mutex
	var globalErr error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for _, candidate := range candidates {
		address := candidate.CampaignAddress
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				result.add(Outcome{Campaign: address, Status: OutcomeSkipped, Reason: "pass aborted"})
				mu.Unlock()
				return nil
			}

			outcome := r.process(gctx, p, address)

			mu.Lock()
			result.add(outcome)
			mu.Unlock()

			if outcome.Status == OutcomeFailed && apperrors.IsConnectivity(outcome.Err) {
				if pingErr := r.gateway.Ping(ctx); pingErr != nil {
					mu.Lock()
					if globalErr == nil {
						globalErr = pingErr
					}
					mu.Unlock()
					return pingErr
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if globalErr != nil {
		result.Aborted = true
		r.finish(result)
		logger.WithError(globalErr).Error("链节点不可用，本轮提前结束")
		return result, r.report(ctx, apperrors.Wrap(globalErr, apperrors.ErrorTypeConnection, apperrors.SeverityCritical,
			apperrors.CodeChainUnavailable, "链节点不可用").WithContext("pass", p.name))
	}

	r.finish(result)
	logger.WithFields(logrus.Fields{
		"eligible":  result.Eligible,
		"succeeded": result.Succeeded,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
		"duration":  result.Duration.String(),
	}).Info("本轮处理完成")
	return result, nil
}

// finish 记录耗时并保存轮次统计
func (r *Reconciler) finish(result *PassResult) {
	result.Duration = r.opts.Now().Sub(result.StartTime)
	run := &journal.PassRun{
		Pass:       result.Pass,
		StartTime:  result.StartTime,
		FinishTime: result.StartTime.Add(result.Duration),
		Duration:   result.Duration,
		Eligible:   result.Eligible,
		Succeeded:  result.Succeeded,
		Skipped:    result.Skipped,
		Failed:     result.Failed,
		Aborted:    result.Aborted,
	}
	if err := r.journal.SaveRun(run); err != nil {
		r.logger.WithError(err).Warn("保存轮次统计失败")
	}
}

// report 记入错误统计
func (r *Reconciler) report(ctx context.Context, err *apperrors.CrowdfundError) error {
	return r.errors.HandleError(ctx, err.WithComponent(component))
}

// process 处理单个活动，错误不会向外传播
func (r *Reconciler) process(ctx context.Context, p *pass, address string) Outcome {
	logger := logging.CampaignLogger(r.logger, p.name, address)

	unlock, ok, err := r.locker.TryLock(ctx, address)
	if err != nil {
		return r.failed(ctx, p.name, address, err)
	}
	if !ok {
		logger.Debug("活动正在被其他操作处理，跳过")
		return skipped(address, "locked")
	}
	defer unlock()

	// 加锁后重新读取，候选列表可能已过期
	c, err := r.store.GetCampaign(ctx, address)
	if err != nil {
		return r.failed(ctx, p.name, address, err)
	}
	if !p.eligible(c, r.opts.Now()) {
		return skipped(address, "no longer eligible")
	}

	// 上次提交的交易是否已上链
	resume, outcome, done := r.resumeSubmission(ctx, p, c, logger)
	if done {
		return outcome
	}
	if resume != nil {
		return r.finalize(ctx, p, c, resume, logger)
	}

	view, err := r.gateway.ReadCampaignDetails(ctx, address)
	if err != nil {
		return r.failed(ctx, p.name, address, err)
	}
	if p.chainDone(view) {
		// 链上已完成但本地未落库：只收敛标志位，没有交易哈希不补写账本
		if _, err := r.store.SyncFromChain(ctx, view); err != nil {
			return r.failed(ctx, p.name, address, err)
		}
		logger.Warn("链上已处于目标状态，本地状态已收敛，未补写账本记录")
		return Outcome{Campaign: address, Status: OutcomeSuccess, Reason: "converged"}
	}
	if !p.chainReady(view) {
		if _, err := r.store.SyncFromChain(ctx, view); err != nil {
			return r.failed(ctx, p.name, address, err)
		}
		logger.Info("链上状态不满足操作条件，已同步本地状态并跳过")
		return skipped(address, "chain precondition not met")
	}

	receipt, err := p.submit(ctx, address)
	if err != nil {
		if apperrors.IsRejection(err) {
			if clearErr := r.journal.Clear(p.method, address); clearErr != nil {
				logger.WithError(clearErr).Warn("清理提交记录失败")
			}
			logger.WithError(err).Info("合约拒绝，跳过")
			return Outcome{Campaign: address, Status: OutcomeSkipped, Reason: "rejected", Err: err}
		}
		return r.failed(ctx, p.name, address, err)
	}

	return r.finalize(ctx, p, c, receipt, logger)
}

// resumeSubmission 检查提交日志；返回已上链的回执，或直接给出本次结果
func (r *Reconciler) resumeSubmission(ctx context.Context, p *pass, c *models.Campaign, logger *logrus.Entry) (*models.Receipt, Outcome, bool) {
	address := c.CampaignAddress
	entry, err := r.journal.Pending(p.method, address)
	if err != nil {
		return nil, r.failed(ctx, p.name, address, err), true
	}
	if entry == nil {
		return nil, Outcome{}, false
	}

	logger = logger.WithField("tx_hash", entry.TxHash)
	state, receipt, err := r.gateway.LookupTransaction(ctx, entry.TxHash)
	if err != nil {
		return nil, r.failed(ctx, p.name, address, err), true
	}

	switch state {
	case chain.TxSucceeded:
		logger.Info("上次提交的交易已上链，补充落库")
		return receipt, Outcome{}, false
	case chain.TxPending:
		logger.Info("上次提交的交易仍在等待确认，跳过")
		return nil, Outcome{Campaign: address, Status: OutcomeSkipped, Reason: "awaiting confirmation", TxHash: entry.TxHash}, true
	case chain.TxFailed:
		logger.Warn("上次提交的交易执行失败，重新处理")
	default:
		if entry.Age(r.opts.Now()) < r.opts.ConfirmTimeout {
			return nil, Outcome{Campaign: address, Status: OutcomeSkipped, Reason: "awaiting confirmation", TxHash: entry.TxHash}, true
		}
		logger.Warn("上次提交的交易已被节点丢弃，重新处理")
	}

	if err := r.journal.Clear(p.method, address); err != nil {
		return nil, r.failed(ctx, p.name, address, err), true
	}
	return nil, Outcome{}, false
}

// finalize 落库、清理提交日志并通知
func (r *Reconciler) finalize(ctx context.Context, p *pass, c *models.Campaign, receipt *models.Receipt, logger *logrus.Entry) Outcome {
	address := c.CampaignAddress
	logger = logger.WithField("tx_hash", receipt.Hash)

	changed, err := p.commit(ctx, c, receipt)
	if err != nil {
		// 提交日志保留，下一轮根据交易哈希补充落库
		return r.failed(ctx, p.name, address, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, apperrors.SeverityCritical,
			apperrors.CodeStoreUnavailable, "链上操作已确认但本地落库失败").WithTxHash(receipt.Hash))
	}
	if err := r.journal.Clear(p.method, address); err != nil {
		logger.WithError(err).Warn("清理提交记录失败")
	}
	if !changed {
		logger.Info("本地状态已由其他操作更新")
		return Outcome{Campaign: address, Status: OutcomeSkipped, Reason: "already committed", TxHash: receipt.Hash}
	}

	if p.after != nil {
		p.after(ctx, c, receipt, logger)
	}
	logger.Info("活动处理成功")
	return Outcome{Campaign: address, Status: OutcomeSuccess, TxHash: receipt.Hash}
}

// failed 记录意外错误，本轮继续处理其他活动
func (r *Reconciler) failed(ctx context.Context, passName, address string, err error) Outcome {
	ce, ok := apperrors.As(err)
	if !ok {
		ce = apperrors.Wrap(err, apperrors.ErrorTypeSystem, apperrors.SeverityMedium, "RECONCILE_FAILED", "处理活动失败")
	}
	_ = r.report(ctx, ce.WithCampaign(address).WithContext("pass", passName))
	return Outcome{Campaign: address, Status: OutcomeFailed, Reason: ce.Message, Err: err}
}

func skipped(address, reason string) Outcome {
	return Outcome{Campaign: address, Status: OutcomeSkipped, Reason: reason}
}
