package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sync_server/config"
)

// =============================================================================
// Stream consumer
// =============================================================================

// JobHandler processes one raw frame from a stream. An error return
// leaves the message pending; the claim cycle retries it until the
// retry budget is spent, then parks it on the DLQ stream.
type JobHandler interface {
	Handle(ctx context.Context, stream string, data []byte) error
}

// Consumer reads the sync job stream as part of a consumer group, so
// multiple worker processes share one queue without double delivery.
type Consumer struct {
	client   *redis.Client
	group    string
	consumer string
	streams  []string
	handler  JobHandler
	log      zerolog.Logger

	batchSize       int
	blockTime       time.Duration
	pendingCheck    time.Duration
	pendingIdleTime time.Duration
	maxRetries      int
}

// ConsumerConfig holds consumer configuration. Zero values fall back to
// the service configuration, then to defaults.
type ConsumerConfig struct {
	Group    string
	Consumer string
	Streams  []string
	Handler  JobHandler
	Logger   zerolog.Logger

	BatchSize       int
	BlockTime       time.Duration
	PendingCheck    time.Duration
	PendingIdleTime time.Duration
	MaxRetries      int
}

// NewConsumer builds a consumer for the sync job stream.
func NewConsumer(client *redis.Client, cfg *config.Config, cc *ConsumerConfig) *Consumer {
	c := &Consumer{
		client:          client,
		group:           cc.Group,
		consumer:        cc.Consumer,
		streams:         cc.Streams,
		handler:         cc.Handler,
		log:             cc.Logger.With().Str("component", "stream_consumer").Logger(),
		batchSize:       cc.BatchSize,
		blockTime:       cc.BlockTime,
		pendingCheck:    cc.PendingCheck,
		pendingIdleTime: cc.PendingIdleTime,
		maxRetries:      cc.MaxRetries,
	}

	if c.group == "" {
		c.group = GroupSyncWorkers
	}
	if len(c.streams) == 0 {
		c.streams = []string{StreamSyncJobs}
	}
	if c.batchSize <= 0 {
		c.batchSize = cfg.ConsumerBatchSize
	}
	if c.batchSize <= 0 {
		c.batchSize = 10
	}
	if c.blockTime <= 0 {
		c.blockTime = time.Duration(cfg.ConsumerBlockMS) * time.Millisecond
	}
	if c.blockTime <= 0 {
		c.blockTime = 5 * time.Second
	}
	if c.pendingCheck <= 0 {
		c.pendingCheck = time.Duration(cfg.ConsumerPendingCheckSec) * time.Second
	}
	if c.pendingCheck <= 0 {
		c.pendingCheck = 30 * time.Second
	}
	if c.pendingIdleTime <= 0 {
		c.pendingIdleTime = 2 * time.Minute
	}
	if c.maxRetries <= 0 {
		c.maxRetries = cfg.ConsumerMaxRetries
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	return c
}

// Run consumes until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().
		Str("group", c.group).
		Str("consumer", c.consumer).
		Strs("streams", c.streams).
		Msg("starting consumer")

	for _, stream := range c.streams {
		c.createConsumerGroup(ctx, stream)
	}

	go c.pendingLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := c.readMessages(ctx)
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.log.Error().Err(err).Msg("error reading from streams")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				if err := c.processMessage(ctx, stream.Stream, msg); err != nil {
					c.log.Error().
						Err(err).
						Str("stream", stream.Stream).
						Str("id", msg.ID).
						Msg("error processing message")
					continue
				}
				if err := c.client.XAck(ctx, stream.Stream, c.group, msg.ID).Err(); err != nil {
					c.log.Error().
						Err(err).
						Str("stream", stream.Stream).
						Str("id", msg.ID).
						Msg("error acknowledging message")
				}
			}
		}
	}
}

// pendingLoop periodically reclaims messages stuck with a dead consumer.
func (c *Consumer) pendingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pendingCheck)
	defer ticker.Stop()

	c.log.Info().
		Dur("check_interval", c.pendingCheck).
		Dur("idle_time", c.pendingIdleTime).
		Int("max_retries", c.maxRetries).
		Msg("starting pending message processor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.claimAndProcessPending(ctx)
		}
	}
}

func (c *Consumer) claimAndProcessPending(ctx context.Context) {
	for _, stream := range c.streams {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if err != redis.Nil {
				c.log.Error().Err(err).Str("stream", stream).Msg("error listing pending messages")
			}
			continue
		}

		for _, p := range pending {
			if p.Idle < c.pendingIdleTime {
				continue
			}

			if int(p.RetryCount) >= c.maxRetries {
				c.log.Warn().
					Str("stream", stream).
					Str("id", p.ID).
					Int64("retries", p.RetryCount).
					Msg("message exceeded max retries, moving to DLQ")
				if err := c.moveToDeadLetterQueue(ctx, stream, p.ID); err != nil {
					c.log.Error().Err(err).Str("id", p.ID).Msg("error moving message to DLQ")
				}
				c.client.XAck(ctx, stream, c.group, p.ID)
				continue
			}

			claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.pendingIdleTime,
				Messages: []string{p.ID},
			}).Result()
			if err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming message")
				continue
			}

			for _, msg := range claimed {
				if err := c.processMessage(ctx, stream, msg); err != nil {
					c.log.Error().
						Err(err).
						Str("stream", stream).
						Str("id", msg.ID).
						Msg("error reprocessing pending message")
					continue
				}
				if err := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
					c.log.Error().Err(err).Str("id", msg.ID).Msg("error acknowledging reprocessed message")
				}
			}
		}
	}
}

func (c *Consumer) createConsumerGroup(ctx context.Context, stream string) {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		c.log.Warn().Err(err).Str("stream", stream).Msg("error creating consumer group")
	}
}

func (c *Consumer) readMessages(ctx context.Context) ([]redis.XStream, error) {
	args := make([]string, len(c.streams)*2)
	for i, stream := range c.streams {
		args[i] = stream
		args[len(c.streams)+i] = ">"
	}

	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  args,
		Count:    int64(c.batchSize),
		Block:    c.blockTime,
	}).Result()
}

func (c *Consumer) processMessage(ctx context.Context, stream string, msg redis.XMessage) error {
	data, ok := msg.Values["data"]
	if !ok {
		return fmt.Errorf("invalid message format: missing data field")
	}
	dataStr, ok := data.(string)
	if !ok {
		return fmt.Errorf("invalid message format: data is not a string")
	}
	return c.handler.Handle(ctx, stream, []byte(dataStr))
}

// moveToDeadLetterQueue copies a spent message onto dlq:<stream> with
// failure metadata, preserving the original fields.
func (c *Consumer) moveToDeadLetterQueue(ctx context.Context, stream, msgID string) error {
	messages, err := c.client.XRange(ctx, stream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("failed to read message for DLQ: %w", err)
	}
	if len(messages) == 0 {
		return fmt.Errorf("message %s not found in stream %s", msgID, stream)
	}

	dlqStream := "dlq:" + stream
	dlqData := map[string]interface{}{
		"original_stream": stream,
		"original_id":     msgID,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.consumer,
		"group":           c.group,
	}
	for k, v := range messages[0].Values {
		dlqData["original_"+k] = v
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: dlqData,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add message to DLQ: %w", err)
	}

	c.log.Info().
		Str("dlq_stream", dlqStream).
		Str("original_id", msgID).
		Msg("message moved to DLQ")
	return nil
}
