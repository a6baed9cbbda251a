package events

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// Broadcaster publishes events to a Kafka topic. Emission is
// fire-and-forget: a failed produce is logged and dropped so the
// auction path never stalls on the broker.
type Broadcaster struct {
	producer sarama.SyncProducer
	topic    string
	log      *logrus.Entry
}

func NewBroadcaster(brokers []string, topic string, log *logrus.Logger) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting kafka producer: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broadcaster{
		producer: producer,
		topic:    topic,
		log:      log.WithField("component", "events"),
	}, nil
}

func (b *Broadcaster) Emit(e Event) {
	payload, err := Marshal(e)
	if err != nil {
		b.log.WithError(err).WithField("type", e.Type).Error("encoding event")
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("%d", e.LotID)),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"type":   e.Type,
			"lot_id": e.LotID,
		}).Error("publishing event")
	}
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
