package reconciler

import (
	"context"

	"crowdfund/internal/chain"
	apperrors "crowdfund/internal/errors"

	"github.com/sirupsen/logrus"
)

// RunImport 分页读取工厂合约登记的全部活动并写入本地存储
func (r *Reconciler) RunImport(ctx context.Context) (*PassResult, error) {
	result := &PassResult{Pass: PassImport, StartTime: r.opts.Now(), Outcomes: make([]Outcome, 0)}
	logger := r.logger.WithFields(logrus.Fields{"component": component, "pass": PassImport})

	total, err := r.gateway.TotalCampaigns(ctx)
	if err != nil {
		result.Aborted = true
		r.finish(result)
		return result, r.report(ctx, asChainError(err, "读取活动总数失败").WithContext("pass", PassImport))
	}
	result.Eligible = int(total)

	pageSize := uint64(r.opts.PageSize)
	for start := uint64(0); start < total; start += pageSize {
		if ctx.Err() != nil {
			result.Aborted = true
			break
		}
		end := start + pageSize
		if end > total {
			end = total
		}

		views, err := r.gateway.ReadCampaigns(ctx, start, end)
		if err != nil {
			result.Aborted = true
			r.finish(result)
			return result, r.report(ctx, asChainError(err, "分页读取活动失败").
				WithContext("pass", PassImport).WithContext("start", start).WithContext("end", end))
		}

		for _, view := range views {
			pending, err := r.hasPendingSubmission(view.CampaignAddress)
			if err != nil {
				result.add(r.failed(ctx, PassImport, view.CampaignAddress, err))
				continue
			}
			if pending {
				// 已记录的交易由对应轮次补充落库，导入不能先行置位
				logger.WithField("campaign", view.CampaignAddress).Info("活动存在未落库的提交记录，跳过导入")
				result.add(skipped(view.CampaignAddress, "pending submission"))
				continue
			}

			created, err := r.store.UpsertFromChain(ctx, view)
			switch {
			case err != nil:
				result.add(r.failed(ctx, PassImport, view.CampaignAddress, err))
			case created:
				result.add(Outcome{Campaign: view.CampaignAddress, Status: OutcomeSuccess, Reason: "imported"})
			default:
				result.add(Outcome{Campaign: view.CampaignAddress, Status: OutcomeSuccess, Reason: "synced"})
			}
		}
		logger.Debugf("已导入活动 [%d, %d)", start, end)
	}

	r.finish(result)
	logger.WithFields(logrus.Fields{
		"total":     total,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}).Info("活动导入完成")
	return result, nil
}

// hasPendingSubmission 活动是否存在任一生命周期方法的提交记录
func (r *Reconciler) hasPendingSubmission(address string) (bool, error) {
	for _, method := range []string{chain.MethodEndCampaign, chain.MethodReleaseFunds, chain.MethodRefund} {
		entry, err := r.journal.Pending(method, address)
		if err != nil {
			return false, err
		}
		if entry != nil {
			return true, nil
		}
	}
	return false, nil
}

func asChainError(err error, message string) *apperrors.CrowdfundError {
	if ce, ok := apperrors.As(err); ok {
		return ce
	}
	return apperrors.Wrap(err, apperrors.ErrorTypeChain, apperrors.SeverityHigh, apperrors.CodeChainUnavailable, message)
}
