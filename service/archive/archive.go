package archive

import (
	"context"

	"FlagChat/service/delivery"

	"github.com/Shopify/sarama"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Producer feeds every accepted message to the REST/storage layer's Kafka
// archive topic. The sync producer gives an ack per message; the delivery
// pipeline treats archive failures as non-fatal (the Mongo write-ahead is
// the durability guarantee, this is the downstream feed).
type Producer struct {
	client sarama.Client
	prod   sarama.SyncProducer
	topic  string
}

func NewProducer(brokers []string, topic string) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka client")
	}
	prod, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "kafka sync producer")
	}
	return &Producer{client: client, prod: prod, topic: topic}, nil
}

// Archive publishes the message keyed by subject so one room stays in one
// partition, preserving order for downstream consumers.
func (p *Producer) Archive(_ context.Context, m *delivery.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal archive message")
	}
	_, _, err = p.prod.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(m.SubjectID),
		Value: sarama.ByteEncoder(b),
	})
	return errors.Wrap(err, "archive send")
}

func (p *Producer) Close() error {
	if err := p.prod.Close(); err != nil {
		_ = p.client.Close()
		return err
	}
	return p.client.Close()
}
