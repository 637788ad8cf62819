// Package kafka implements a sink that publishes events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/sink"
)

const Name = "kafka"

const (
	defaultBatchSize    = 1
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
	defaultWriteTimeout = 10 * time.Second
)

func init() {
	sink.Register(Name, func(options map[string]any) (sink.Sink, error) {
		return New(options)
	})
}

// Config represents Kafka sink configuration.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`       // required
	Topic        string        `mapstructure:"topic"`         // required
	BatchSize    int           `mapstructure:"batch_size"`    // optional, default 1
	BatchTimeout time.Duration `mapstructure:"batch_timeout"` // optional, default 100ms
	Compression  string        `mapstructure:"compression"`   // optional: none|gzip|snappy|lz4|zstd, default snappy
	MaxAttempts  int           `mapstructure:"max_attempts"`  // optional, default 3
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // optional, default 10s
}

// Sink writes one Kafka message per report, keyed by fingerprint so repeats of
// the same crash land on the same partition.
type Sink struct {
	writer *kafka.Writer
	config Config

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

func parseConfig(options map[string]any) (Config, error) {
	cfg := Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
		WriteTimeout: defaultWriteTimeout,
	}
	if err := sink.DecodeOptions(options, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Brokers) == 0 {
		return cfg, fmt.Errorf("%w: kafka brokers is required", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return cfg, fmt.Errorf("%w: kafka topic is required", core.ErrConfigInvalid)
	}
	return cfg, nil
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	}
	return nil, fmt.Errorf("%w: invalid compression type: %s", core.ErrConfigInvalid, name)
}

// New creates a Kafka sink. No connection is made until the first delivery.
func New(options map[string]any) (*Sink, error) {
	cfg, err := parseConfig(options)
	if err != nil {
		return nil, err
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		WriteTimeout:     cfg.WriteTimeout,
		CompressionCodec: codec,
		Async:            false,
	})

	log.GetLogger().WithFields(map[string]interface{}{
		"brokers":     cfg.Brokers,
		"topic":       cfg.Topic,
		"compression": cfg.Compression,
	}).Info("kafka sink created")

	return &Sink{writer: w, config: cfg}, nil
}

func (s *Sink) Name() string {
	return Name
}

// Deliver writes r synchronously.
func (s *Sink) Deliver(ctx context.Context, r *core.Report) error {
	if r == nil {
		return fmt.Errorf("nil report")
	}
	msg, err := buildMessage(sink.NewEvent(r))
	if err != nil {
		s.errorCount.Add(1)
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.errorCount.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	s.reportedCount.Add(1)
	return nil
}

func buildMessage(ev *sink.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize event failed: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Fingerprint[0]),
		Value: value,
		Time:  ev.Timestamp,
	}
	if len(ev.Tags) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(ev.Tags))
		for _, t := range ev.Tags {
			msg.Headers = append(msg.Headers, kafka.Header{Key: t[0], Value: []byte(t[1])})
		}
	}
	return msg, nil
}

// Close flushes pending writes.
func (s *Sink) Close(context.Context) error {
	err := s.writer.Close()
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"total_reported": s.reportedCount.Load(),
		"total_errors":   s.errorCount.Load(),
	})
	if err != nil {
		logger.WithError(err).Error("error closing kafka writer")
		return err
	}
	logger.Info("kafka sink stopped")
	return nil
}
