package writer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"

	"snowpulse/config"
	"snowpulse/logger"
	"snowpulse/models"
)

// messageWriter is the subset of *kafka.Writer used by the channel.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient publishes each table to its own topic, one message per
// envelope.
type KafkaClient struct {
	name   string
	table  string
	topic  string
	writer messageWriter
	log    *logger.Log
}

func NewKafkaClient(cfg config.KafkaConfig, ch config.ChannelConfig) (*KafkaClient, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	topic := cfg.TopicPrefix + strings.ToLower(ch.Table)
	kc := newKafkaClient(ch, topic, &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	})
	kc.log.WithComponent("kafka_channel").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   topic,
	}).Debug("kafka client initialized")
	return kc, nil
}

func newKafkaClient(ch config.ChannelConfig, topic string, w messageWriter) *KafkaClient {
	return &KafkaClient{
		name:   ch.Client,
		table:  ch.Table,
		topic:  topic,
		writer: w,
		log:    logger.GetLogger(),
	}
}

func (kc *KafkaClient) Name() string  { return kc.name }
func (kc *KafkaClient) Table() string { return kc.table }

func (kc *KafkaClient) OpenChannel(_ context.Context, name string) (IngestChannel, error) {
	kc.log.WithComponent("kafka_channel").WithFields(logger.Fields{"topic": kc.topic, "channel": name}).Info("channel opened")
	return &kafkaChannel{name: name, client: kc}, nil
}

// Close flushes pending messages and releases the writer.
func (kc *KafkaClient) Close() error {
	return kc.writer.Close()
}

type kafkaChannel struct {
	name   string
	client *KafkaClient
}

func (ch *kafkaChannel) Name() string { return ch.name }

func (ch *kafkaChannel) AppendRows(ctx context.Context, rows []models.Envelope, startOffset, endOffset string) error {
	window, err := parseWindow(startOffset, endOffset, len(rows))
	if err != nil {
		return err
	}

	msgs := make([]kafka.Message, 0, len(rows))
	for i, row := range rows {
		value, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
		key := row.Metadata.Ticker
		if key == "" {
			key = ch.name
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Time:  row.Metadata.IngestedAt,
			Headers: []kafka.Header{
				{Key: "channel", Value: []byte(ch.name)},
				{Key: "source", Value: []byte(row.Metadata.Source)},
				{Key: "row_offset", Value: []byte(strconv.FormatInt(window.Start+int64(i), 10))},
				{Key: "start_offset", Value: []byte(startOffset)},
				{Key: "end_offset", Value: []byte(endOffset)},
			},
		})
	}

	if err := ch.client.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), ch.client.topic, err)
	}

	logger.LogDataFlowEntry(ch.client.log.WithComponent("kafka_channel").WithFields(logger.Fields{
		"start_offset": startOffset,
		"end_offset":   endOffset,
	}), ch.name, ch.client.topic, len(rows), "messages")
	return nil
}

func (ch *kafkaChannel) Close() error { return nil }
