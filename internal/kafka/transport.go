package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// BrokerDialer opens writer channels to a Kafka cluster, declaring the
// events topic on every connect.
type BrokerDialer struct {
	Brokers           []string
	Topic             string
	Partitions        int
	ReplicationFactor int
}

func (d *BrokerDialer) Dial(ctx context.Context) (Channel, error) {
	if len(d.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if err := d.declareTopic(ctx); err != nil {
		return nil, err
	}
	return &writerChannel{w: &kafka.Writer{
		Addr:                   kafka.TCP(d.Brokers...),
		Topic:                  d.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            1,
		BatchSize:              1,
		BatchTimeout:           time.Millisecond,
		AllowAutoTopicCreation: false,
	}}, nil
}

// declareTopic creates the topic through the controller; an existing topic is fine.
func (d *BrokerDialer) declareTopic(ctx context.Context) error {
	var dialer kafka.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             d.Topic,
		NumPartitions:     max(d.Partitions, 1),
		ReplicationFactor: max(d.ReplicationFactor, 1),
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", d.Topic, err)
	}
	return nil
}

type writerChannel struct {
	w *kafka.Writer
}

func (c *writerChannel) Send(ctx context.Context, m kafka.Message) error {
	return classifySendError(c.w.WriteMessages(ctx, m))
}

func (c *writerChannel) Close() error { return c.w.Close() }

// classifySendError separates broker rejections of this message, which are
// returned as-is, from transport failures, which become ErrChannelLost.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) && len(werrs) == 1 && werrs[0] != nil {
		err = werrs[0]
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return err
	}
	return fmt.Errorf("%w: %v", ErrChannelLost, err)
}
