package mq

import (
	"context"
	"log"
	"strconv"

	"github.com/balamout75/my-bank-app/internal/config"
	"github.com/balamout75/my-bank-app/internal/model"

	"github.com/IBM/sarama"
)

// Producer Kafka 生产者，投递 outbox 事件
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewProducer(cfg *config.KafkaConfig) *Producer {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatalf("创建 Kafka 生产者失败: %v", err)
	}

	log.Println("Kafka 生产者创建成功")
	return &Producer{
		producer: producer,
		topic:    cfg.Topic.OperationEvents,
	}
}

// Publish 发送事件到 Kafka
// 按 operationId 作为 key 分区，同一笔操作的事件保序
func (p *Producer) Publish(ctx context.Context, event *model.OutboxEvent) error {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(event.OperationID, 10)),
		Value: sarama.StringEncoder(event.Payload),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

// Close 关闭生产者
func (p *Producer) Close() {
	if p.producer != nil {
		p.producer.Close()
	}
}
