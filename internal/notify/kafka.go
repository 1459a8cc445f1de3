package notify

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "crowdfund/internal/errors"
	"crowdfund/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// 默认topic名称
const (
	DefaultLifecycleTopic = "crowdfund_lifecycle"
	DefaultDonationsTopic = "crowdfund_donations"
)

// Publisher 生命周期事件发布者
type Publisher interface {
	Publish(event *models.LifecycleEvent) error
	Close() error
}

// topicFor 捐款事件单独一个topic，其余写入生命周期topic
func topicFor(topics map[string]string, event *models.LifecycleEvent) string {
	if event.Type == models.LifecycleDonationReceived {
		if topic, ok := topics["donations"]; ok {
			return topic
		}
		return DefaultDonationsTopic
	}
	if topic, ok := topics["lifecycle"]; ok {
		return topic
	}
	return DefaultLifecycleTopic
}

// buildMessage 以活动地址为分区键，保证同一活动的事件有序
func buildMessage(topics map[string]string, event *models.LifecycleEvent) (*sarama.ProducerMessage, error) {
	jsonData, err := json.Marshal(event.ToKafkaMessage())
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return &sarama.ProducerMessage{
		Topic: topicFor(topics, event),
		Key:   sarama.StringEncoder(event.CampaignAddress),
		Value: sarama.ByteEncoder(jsonData),
	}, nil
}

func kafkaError(err error, message string) error {
	return apperrors.Wrap(err, apperrors.ErrorTypeKafka, apperrors.SeverityMedium, "KAFKA_ERROR", message).WithComponent("kafka")
}

// KafkaPublisher 同步Kafka发布者
type KafkaPublisher struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.SyncProducer
}

// NewKafkaPublisher 创建同步Kafka发布者
func NewKafkaPublisher(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaPublisher, error) {
	logger.Infof("初始化Kafka发布者，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, kafkaError(err, "创建Kafka生产者失败")
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaPublisherWithProducer(producer, topics, logger), nil
}

// NewKafkaPublisherWithProducer 使用已有的生产者
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaPublisher {
	return &KafkaPublisher{logger: logger, topics: topics, producer: producer}
}

// Publish 发送事件并等待确认
func (k *KafkaPublisher) Publish(event *models.LifecycleEvent) error {
	if event == nil {
		return nil
	}

	msg, err := buildMessage(k.topics, event)
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return kafkaError(err, "发送消息到Kafka失败")
	}

	k.logger.Debugf("成功发送事件到Kafka topic '%s' (partition: %d, offset: %d): %s",
		msg.Topic, partition, offset, event.Type)
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaPublisher) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
