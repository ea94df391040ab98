package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/version"
)

// ErrNoBrokers is returned when Kafka publishing is requested without brokers.
var ErrNoBrokers = errors.New("kafka: no brokers configured")

// KafkaPublisher writes commands and alerts to their own topics. Writers run in async
// mode so callers never wait on the broker; delivery errors are logged.
type KafkaPublisher struct {
	commands *kafka.Writer
	alerts   *kafka.Writer
}

// NewKafkaPublisher builds writers for the configured topics.
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	return &KafkaPublisher{
		commands: newWriter(cfg.Brokers, cfg.CommandTopic),
		alerts:   newWriter(cfg.Brokers, cfg.AlertTopic),
	}, nil
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Log().WithError(err).WithFields(map[string]interface{}{
					"topic":    topic,
					"messages": len(messages),
				}).Warn("kafka delivery failed")
			}
		},
	}
}

// PublishCommands writes one message per command keyed by agent id so each agent's
// commands stay ordered within a partition.
func (p *KafkaPublisher) PublishCommands(ctx context.Context, cmds []CommandMessage) error {
	if len(cmds) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(cmds))
	for _, c := range cmds {
		value, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal command %s: %w", c.CorrelationID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     CommandKey(c),
			Value:   value,
			Time:    c.CreatedAt,
			Headers: []kafka.Header{{Key: "producer", Value: []byte(version.UserAgent())}},
		})
	}
	return p.commands.WriteMessages(ctx, msgs...)
}

// PublishAlert writes the alert keyed by address.
func (p *KafkaPublisher) PublishAlert(ctx context.Context, alert AlertMessage) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return p.alerts.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.Address),
		Value: value,
		Time:  alert.Time,
	})
}

// Close flushes pending messages and closes both writers.
func (p *KafkaPublisher) Close() error {
	return errors.Join(p.commands.Close(), p.alerts.Close())
}

// CommandKey is the partition key for a command message.
func CommandKey(c CommandMessage) []byte {
	return []byte(strconv.FormatUint(uint64(c.AgentID), 10))
}
