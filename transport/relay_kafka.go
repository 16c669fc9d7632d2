package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sluice/encoding"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by the relay
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDialer relays requests into a Kafka topic instead of calling receivers
// directly. Messages are keyed by endpoint so each endpoint keeps its order
// within one partition.
type KafkaDialer struct {
	topic    string
	writer   messageWriter
	compress bool

	closeOnce sync.Once
}

// NewKafkaDialer creates a relay writing to topic on brokers
func NewKafkaDialer(brokers []string, topic string, compress bool) (*KafkaDialer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka relay requires at least one broker address")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka relay requires a topic")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &KafkaDialer{topic: topic, writer: writer, compress: compress}, nil
}

func (d *KafkaDialer) Dial(ep Endpoint) (Client, error) {
	return &kafkaClient{ep: ep, dialer: d}, nil
}

// Close flushes and closes the shared writer
func (d *KafkaDialer) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.writer.Close()
	})
	return err
}

type kafkaClient struct {
	ep     Endpoint
	dialer *KafkaDialer
}

func (c *kafkaClient) Endpoint() Endpoint {
	return c.ep
}

func (c *kafkaClient) Transfer(ctx context.Context, req *Request) *future.Future[*Response] {
	p := future.NewPromise[*Response]()

	if err := compressIfNeeded(req, c.dialer.compress); err != nil {
		p.Set(nil, err)
		return p.Future()
	}
	value, err := encoding.Marshal(req)
	if err != nil {
		p.Set(nil, err)
		return p.Future()
	}

	msg := kafka.Message{
		Topic: c.dialer.topic,
		Key:   []byte(c.ep.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(req.Type.String())},
		},
	}

	go func() {
		if err := c.dialer.writer.WriteMessages(ctx, msg); err != nil {
			log.Debug().Err(err).Str("endpoint", c.ep.String()).Msg("Kafka relay write failed")
			p.Set(nil, fmt.Errorf("relay to kafka topic %s: %w", c.dialer.topic, err))
			return
		}
		p.Set(&Response{Status: StatusOK}, nil)
	}()
	return p.Future()
}

func (c *kafkaClient) Close() error {
	return nil
}
