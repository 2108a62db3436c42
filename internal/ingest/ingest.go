// Package ingest consumes event batches from Kafka and applies them to
// profiling sessions. The message key names the session and the value is a
// JSON array of events.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/cctprof/internal/event"
)

type (
	Reader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	Ingester interface {
		Ingest(ctx context.Context, session string, batch []event.Event) (event.Result, error)
	}

	Stats struct {
		Batches  int
		Poisoned int
		Failed   int
		Events   event.Result
	}

	Consumer struct {
		reader   Reader
		ingester Ingester
		logger   zerolog.Logger
		hub      *sentry.Hub

		stats Stats
	}
)

// NewReader returns a consumer group reader for topic.
func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
	})
}

func NewConsumer(reader Reader, ingester Ingester) *Consumer {
	return &Consumer{
		reader:   reader,
		ingester: ingester,
		logger:   log.With().Str("component", "ingest").Logger(),
		hub:      sentry.CurrentHub().Clone(),
	}
}

// Run consumes messages until ctx is done. A message is committed once its
// batch was applied. Messages that can't be decoded are logged and
// committed so they don't block the partition; batches that fail to apply
// are reported and committed as well, since replaying a partially applied
// batch would count its events twice.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	logger := c.logger.With().
		Str("session_id", string(msg.Key)).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()
	if len(msg.Key) == 0 {
		c.stats.Poisoned++
		logger.Warn().Msg("message without a session key, skipped")
		return
	}
	batch, err := event.DecodeBatch(bytes.NewReader(msg.Value))
	if err != nil {
		c.stats.Poisoned++
		logger.Warn().Err(err).Msg("message can't be decoded, skipped")
		return
	}
	r, err := c.ingester.Ingest(ctx, string(msg.Key), batch)
	c.stats.Events.Applied += r.Applied
	c.stats.Events.Filtered += r.Filtered
	c.stats.Events.Skipped += r.Skipped
	if err != nil {
		c.stats.Failed++
		c.hub.CaptureException(err)
		logger.Error().Err(err).Msg("batch can't be applied")
		return
	}
	c.stats.Batches++
	logger.Debug().
		Int("applied", r.Applied).
		Int("filtered", r.Filtered).
		Int("skipped", r.Skipped).
		Msg("batch applied")
}

// Stats is only meaningful once Run returned.
func (c *Consumer) Stats() Stats {
	return c.stats
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
