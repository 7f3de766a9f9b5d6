package app

import (
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/messaging/kafka"
)

var errKafkaClientID = errors.New("kafka_client_id is required when kafka_brokers is set")

// initKafkaProducer подключается к Kafka, если заданы брокеры.
// Без брокеров возвращает nil, nil: заказы работают, события не публикуются.
func initKafkaProducer(cfg Config, logger *log.Entry) (*kafka.Producer, error) {
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(cfg.KafkaClientID) == "" {
		return nil, errKafkaClientID
	}

	producer, err := kafka.NewProducer(brokers, cfg.KafkaClientID)
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{"brokers": brokers, "topic": cfg.KafkaTopic}).Info("kafka producer ready")
	return producer, nil
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	}
}
