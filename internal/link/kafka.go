package link

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/log"
)

const (
	kafkaPathHeader     = "report_path"
	kafkaReportIDHeader = "report_id"
	kafkaNodeHeader     = "node"
)

// KafkaSender publishes every report as one message keyed by its path.
type KafkaSender struct {
	writer  *kafka.Writer
	node    string
	timeout time.Duration
	log     log.Logger
}

func NewKafkaSender(cfg config.LinkConfig, node string) (*KafkaSender, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka link needs at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka link needs a topic")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaSender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: timeout,
		},
		node:    node,
		timeout: timeout,
		log:     log.GetLogger().WithField("component", "link"),
	}, nil
}

func (s *KafkaSender) SendReport(path string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	msg := s.message(path, body)
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing report to kafka: %w", err)
	}
	s.log.WithFields(map[string]interface{}{
		"path":  path,
		"topic": s.writer.Topic,
		"bytes": len(body),
	}).Debug("report submitted")
	return nil
}

func (s *KafkaSender) message(path string, body []byte) kafka.Message {
	path = strings.TrimLeft(path, "/")
	return kafka.Message{
		Key:   []byte(s.node + "/" + path),
		Value: body,
		Headers: []kafka.Header{
			{Key: kafkaPathHeader, Value: []byte(path)},
			{Key: kafkaReportIDHeader, Value: []byte(uuid.New().String())},
			{Key: kafkaNodeHeader, Value: []byte(s.node)},
		},
	}
}

// Close flushes pending messages.
func (s *KafkaSender) Close() error {
	return s.writer.Close()
}
