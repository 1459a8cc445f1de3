package reconciler

import (
	"context"
	"time"

	"crowdfund/internal/chain"
	"crowdfund/internal/logging"
	"crowdfund/pkg/models"

	"github.com/sirupsen/logrus"
)

// pass 一类生命周期操作
type pass struct {
	name   string
	method string

	find     func(ctx context.Context) ([]*models.Campaign, error)
	eligible func(c *models.Campaign, now time.Time) bool

	// chainDone 链上已处于目标状态
	chainDone func(v *models.CampaignView) bool
	// chainReady 链上状态允许执行该操作
	chainReady func(v *models.CampaignView) bool

	submit func(ctx context.Context, address string) (*models.Receipt, error)
	commit func(ctx context.Context, c *models.Campaign, receipt *models.Receipt) (bool, error)
	after  func(ctx context.Context, c *models.Campaign, receipt *models.Receipt, logger *logrus.Entry)
}

func (r *Reconciler) endPass() *pass {
	return &pass{
		name:   PassEnd,
		method: chain.MethodEndCampaign,
		find: func(ctx context.Context) ([]*models.Campaign, error) {
			return r.store.FindEligibleForEnd(ctx, r.opts.Now())
		},
		eligible:   func(c *models.Campaign, now time.Time) bool { return c.EligibleForEnd(now) },
		chainDone:  func(v *models.CampaignView) bool { return v.IsCampaignEnded },
		chainReady: func(v *models.CampaignView) bool { return !v.IsCampaignEnded },
		submit:     r.gateway.SubmitEndCampaign,
		commit:     r.commitEnd,
		after:      r.afterEnd,
	}
}

// commitEnd 达标结果以链上回读为准，回读失败时已筹金额恰好等于目标才算达标
func (r *Reconciler) commitEnd(ctx context.Context, c *models.Campaign, receipt *models.Receipt) (bool, error) {
	goalMet := c.GoalAmount.IsPositive() && c.TotalContributed.Equal(c.GoalAmount)
	view, err := r.gateway.ReadCampaignDetails(ctx, c.CampaignAddress)
	if err == nil && view.IsCampaignEnded {
		goalMet = view.IsGoalMet
	} else if err != nil {
		logging.CampaignLogger(r.logger, PassEnd, c.CampaignAddress).WithError(err).Warn("回读达标结果失败，按已筹金额判断")
		view = nil
	}

	changed, err := r.store.MarkEnded(ctx, c.CampaignAddress, goalMet)
	if err != nil {
		return false, err
	}
	c.IsCampaignEnded, c.IsGoalMet = true, goalMet

	if view != nil {
		if _, err := r.store.SyncFromChain(ctx, view); err != nil {
			logging.CampaignLogger(r.logger, PassEnd, c.CampaignAddress).WithError(err).Warn("同步链上已筹金额失败")
		}
	}
	return changed, nil
}

func (r *Reconciler) afterEnd(ctx context.Context, c *models.Campaign, receipt *models.Receipt, logger *logrus.Entry) {
	if c.CreatorAddress != "" {
		if _, err := r.gateway.SubmitResetActiveCampaignStatus(ctx, c.CreatorAddress); err != nil {
			logger.WithError(err).Warn("重置发起人活动状态失败")
		}
	}

	goalMet := c.IsGoalMet
	r.notifier.PublishLifecycle(ctx, &models.LifecycleEvent{
		Type:            models.LifecycleCampaignEnded,
		CampaignAddress: c.CampaignAddress,
		Wallet:          c.CreatorAddress,
		Amount:          c.TotalContributed,
		TxHash:          receipt.Hash,
		GoalMet:         &goalMet,
		Timestamp:       r.opts.Now().UTC(),
	})
}

func (r *Reconciler) releasePass() *pass {
	return &pass{
		name:     PassRelease,
		method:   chain.MethodReleaseFunds,
		find:     r.store.FindEligibleForRelease,
		eligible: func(c *models.Campaign, _ time.Time) bool { return c.EligibleForRelease() },
		chainDone: func(v *models.CampaignView) bool {
			return v.IsReleased
		},
		chainReady: func(v *models.CampaignView) bool {
			return v.IsCampaignEnded && v.IsGoalMet && !v.IsRefunded
		},
		submit: r.gateway.SubmitReleaseFunds,
		commit: func(ctx context.Context, c *models.Campaign, receipt *models.Receipt) (bool, error) {
			return r.store.MarkReleased(ctx, c.CampaignAddress, &models.Transaction{
				CampaignAddress: c.CampaignAddress,
				CreatorAddress:  c.CreatorAddress,
				Amount:          c.TotalContributed,
				Hash:            receipt.Hash,
			})
		},
		after: r.afterRelease,
	}
}

func (r *Reconciler) afterRelease(ctx context.Context, c *models.Campaign, receipt *models.Receipt, logger *logrus.Entry) {
	events := receipt.EventsByName(models.EventFundsReleased)
	if len(events) == 0 {
		r.notifier.Notify(ctx, c.CreatorAddress, models.NotifyFundsReleased, c.TotalContributed)
	}
	for _, ev := range events {
		r.notifier.Notify(ctx, ev.Account, models.NotifyFundsReleased, ev.Amount)
	}

	r.notifier.PublishLifecycle(ctx, &models.LifecycleEvent{
		Type:            models.LifecycleFundsReleased,
		CampaignAddress: c.CampaignAddress,
		Wallet:          c.CreatorAddress,
		Amount:          c.TotalContributed,
		TxHash:          receipt.Hash,
		Timestamp:       r.opts.Now().UTC(),
	})
}

func (r *Reconciler) refundPass() *pass {
	return &pass{
		name:     PassRefund,
		method:   chain.MethodRefund,
		find:     r.store.FindEligibleForRefund,
		eligible: func(c *models.Campaign, _ time.Time) bool { return c.EligibleForRefund() },
		chainDone: func(v *models.CampaignView) bool {
			return v.IsRefunded
		},
		chainReady: func(v *models.CampaignView) bool {
			return v.IsCampaignEnded && !v.IsGoalMet && !v.IsReleased
		},
		submit: r.gateway.SubmitRefund,
		commit: func(ctx context.Context, c *models.Campaign, receipt *models.Receipt) (bool, error) {
			return r.store.MarkRefunded(ctx, c.CampaignAddress, &models.Transaction{
				CampaignAddress: c.CampaignAddress,
				CreatorAddress:  c.CreatorAddress,
				Amount:          c.TotalContributed,
				Hash:            receipt.Hash,
			})
		},
		after: r.afterRefund,
	}
}

// afterRefund 按 RefundIssued 事件逐个通知捐款人
func (r *Reconciler) afterRefund(ctx context.Context, c *models.Campaign, receipt *models.Receipt, logger *logrus.Entry) {
	events := receipt.EventsByName(models.EventRefundIssued)
	for _, ev := range events {
		r.notifier.Notify(ctx, ev.Account, models.NotifyRefundIssued, ev.Amount)
		r.notifier.PublishLifecycle(ctx, &models.LifecycleEvent{
			Type:            models.LifecycleRefundIssued,
			CampaignAddress: c.CampaignAddress,
			Wallet:          ev.Account,
			Amount:          ev.Amount,
			TxHash:          receipt.Hash,
			Timestamp:       r.opts.Now().UTC(),
		})
	}
	logger.Infof("已通知 %d 位捐款人退款", len(events))
}
