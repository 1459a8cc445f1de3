package notify

import (
	"context"

	"crowdfund/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Pusher 实时推送通道
type Pusher interface {
	Notify(ctx context.Context, wallet string, kind models.NotificationKind, amount decimal.Decimal)
}

// Fanout 把通知推送给在线钱包，把生命周期事件写入Kafka
type Fanout struct {
	pusher    Pusher
	publisher Publisher
	logger    *logrus.Logger
}

// NewFanout 创建通知分发器，publisher为nil时不发布生命周期事件
func NewFanout(pusher Pusher, publisher Publisher, logger *logrus.Logger) *Fanout {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Fanout{pusher: pusher, publisher: publisher, logger: logger}
}

// Notify 尽力推送，不返回错误
func (f *Fanout) Notify(ctx context.Context, wallet string, kind models.NotificationKind, amount decimal.Decimal) {
	if f.pusher == nil || wallet == "" {
		return
	}
	f.pusher.Notify(ctx, wallet, kind, amount)
}

// PublishLifecycle 发布失败只记录日志
func (f *Fanout) PublishLifecycle(ctx context.Context, event *models.LifecycleEvent) {
	if event == nil {
		return
	}
	if err := f.publisher.Publish(event); err != nil {
		f.logger.WithFields(logrus.Fields{
			"type":     event.Type,
			"campaign": event.CampaignAddress,
		}).WithError(err).Warn("发布生命周期事件失败")
	}
}

// Close 关闭发布者
func (f *Fanout) Close() error {
	return f.publisher.Close()
}

// NopPublisher 未启用Kafka时使用
type NopPublisher struct{}

// Publish 丢弃事件
func (NopPublisher) Publish(*models.LifecycleEvent) error { return nil }

// Close 无操作
func (NopPublisher) Close() error { return nil }
