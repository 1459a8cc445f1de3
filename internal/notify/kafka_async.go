package notify

import (
	"fmt"
	"sync"
	"time"

	"crowdfund/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AsyncKafkaPublisher 异步Kafka发布者
type AsyncKafkaPublisher struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.AsyncProducer
	done     chan struct{}
	wg       sync.WaitGroup

	// 统计信息
	sentCount  int64
	errorCount int64
	mu         sync.RWMutex
	closed     bool
}

// NewAsyncKafkaPublisher 创建异步Kafka发布者
func NewAsyncKafkaPublisher(brokers []string, topics map[string]string, logger *logrus.Logger) (*AsyncKafkaPublisher, error) {
	logger.Infof("初始化异步Kafka发布者，brokers: %v", brokers)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0

	// 事件量小，批量发送间隔较短即可
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Compression = sarama.CompressionSnappy
	config.ChannelBufferSize = 1000

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, kafkaError(err, "创建异步Kafka生产者失败")
	}

	logger.Info("异步Kafka生产者已创建并启动")
	return NewAsyncKafkaPublisherWithProducer(producer, topics, logger), nil
}

// NewAsyncKafkaPublisherWithProducer 使用已有的异步生产者
func NewAsyncKafkaPublisherWithProducer(producer sarama.AsyncProducer, topics map[string]string, logger *logrus.Logger) *AsyncKafkaPublisher {
	k := &AsyncKafkaPublisher{
		logger:   logger,
		topics:   topics,
		producer: producer,
		done:     make(chan struct{}),
	}
	k.startBackgroundHandlers()
	return k
}

// startBackgroundHandlers 启动后台处理程序
func (k *AsyncKafkaPublisher) startBackgroundHandlers() {
	k.wg.Add(3)
	go func() {
		defer k.wg.Done()
		k.handleSuccesses()
	}()
	go func() {
		defer k.wg.Done()
		k.handleErrors()
	}()
	go func() {
		defer k.wg.Done()
		k.reportStats()
	}()
}

// handleSuccesses 生产者关闭后通道关闭，循环随之结束
func (k *AsyncKafkaPublisher) handleSuccesses() {
	for success := range k.producer.Successes() {
		k.mu.Lock()
		k.sentCount++
		k.mu.Unlock()

		k.logger.Debugf("事件成功发送到 topic %s, partition %d, offset %d",
			success.Topic, success.Partition, success.Offset)
	}
}

func (k *AsyncKafkaPublisher) handleErrors() {
	for err := range k.producer.Errors() {
		k.mu.Lock()
		k.errorCount++
		k.mu.Unlock()

		k.logger.Errorf("Kafka发送失败: topic=%s, error=%v", err.Msg.Topic, err.Err)
	}
}

// reportStats 定期报告统计信息
func (k *AsyncKafkaPublisher) reportStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent, failed := k.GetStats()
			if sent > 0 || failed > 0 {
				successRate := float64(sent) / float64(sent+failed) * 100
				k.logger.Infof("Kafka统计: 已发送 %d 条事件, 失败 %d 条, 成功率 %.2f%%", sent, failed, successRate)
			}
		case <-k.done:
			return
		}
	}
}

// Publish 放入发送队列，队列已满时返回错误
func (k *AsyncKafkaPublisher) Publish(event *models.LifecycleEvent) error {
	if event == nil {
		return nil
	}
	msg, err := buildMessage(k.topics, event)
	if err != nil {
		return err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return kafkaError(fmt.Errorf("producer closed"), "Kafka生产者已关闭")
	}

	select {
	case k.producer.Input() <- msg:
		return nil
	default:
		return kafkaError(fmt.Errorf("input channel full"), "Kafka生产者输入通道已满")
	}
}

// GetStats 获取统计信息
func (k *AsyncKafkaPublisher) GetStats() (int64, int64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sentCount, k.errorCount
}

// Close 等待缓冲区中的事件发送完成后关闭
func (k *AsyncKafkaPublisher) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.logger.Info("关闭异步Kafka生产者...")
	k.producer.AsyncClose()
	close(k.done)
	k.wg.Wait()

	sent, failed := k.GetStats()
	k.logger.Infof("异步Kafka生产者已关闭，总计发送: %d，错误: %d", sent, failed)
	return nil
}
