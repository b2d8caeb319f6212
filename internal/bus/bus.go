package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/orion/safetynet/internal/validator"
)

// EventBus journals safety net events on Redis Streams, one stream per
// contract type. Entries are validated before XADD and the stream is trimmed
// to roughly maxLen entries.
type EventBus struct {
	client       *redis.Client
	validator    *validator.ContractValidator
	streamPrefix string
	maxLen       int64
	logger       *logrus.Entry
}

// NewEventBus wraps client. Streams are named "<streamPrefix>:<contract>s".
func NewEventBus(client *redis.Client, v *validator.ContractValidator, streamPrefix string, maxLen int64, logger *logrus.Entry) *EventBus {
	return &EventBus{
		client:       client,
		validator:    v,
		streamPrefix: streamPrefix,
		maxLen:       maxLen,
		logger:       logger,
	}
}

// StreamName returns the Redis stream name for a contract type.
//
// Example: contractType "safetynet_event" -> "orion:safetynet_events"
func (b *EventBus) StreamName(contractType string) string {
	return fmt.Sprintf("%s:%ss", b.streamPrefix, contractType)
}

// Publish validates message against its contract and appends it to the
// contract's stream.
//
// Returns the Redis message ID (e.g., "1234567890123-0"). No message reaches
// Redis without validation.
func (b *EventBus) Publish(ctx context.Context, message map[string]interface{}, contractType string) (string, error) {
	if err := b.validator.Validate(message, contractType); err != nil {
		b.logger.Errorf("contract validation failed for %s: %v", contractType, err)
		return "", fmt.Errorf("contract validation failed: %w", err)
	}

	streamName := b.StreamName(contractType)

	messageJSON, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamName,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": messageJSON,
		},
	}

	messageID, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", streamName, err)
	}

	b.logger.Debugf("published %s to %s: %s", contractType, streamName, messageID)

	return messageID, nil
}

// Recent returns up to count of the newest messages of a contract type,
// oldest first.
func (b *EventBus) Recent(ctx context.Context, contractType string, count int64) ([]map[string]interface{}, error) {
	streamName := b.StreamName(contractType)

	entries, err := b.client.XRevRangeN(ctx, streamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", streamName, err)
	}

	out := make([]map[string]interface{}, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		data, err := decodeEntry(entries[i])
		if err != nil {
			b.logger.Warnf("skipping message %s: %v", entries[i].ID, err)
			continue
		}
		out = append(out, data)
	}

	return out, nil
}

// Subscribe reads messages through a consumer group and calls handler for
// each one. It blocks until ctx is cancelled.
//
// The group is created at the start of the stream, so a new group sees the
// full retained history before live messages. If handler returns an error
// the message is NOT acknowledged and stays pending for the group.
func (b *EventBus) Subscribe(ctx context.Context, contractType string, consumerGroup string, consumerName string, handler func(map[string]interface{}) error) error {
	streamName := b.StreamName(contractType)

	err := b.client.XGroupCreateMkStream(ctx, streamName, consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group %s: %w", consumerGroup, err)
	}

	b.logger.Infof("starting subscription: %s (group=%s, consumer=%s)", streamName, consumerGroup, consumerName)

	for {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{streamName, ">"},
			Count:    10,
			Block:    1000,
		}).Result()

		if ctx.Err() != nil {
			b.logger.Infof("subscription stopped: %s (group=%s, consumer=%s)", streamName, consumerGroup, consumerName)
			return nil
		}

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("failed to read from %s: %w", streamName, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				data, err := decodeEntry(message)
				if err != nil {
					b.logger.Errorf("failed to decode message %s: %v", message.ID, err)
					continue
				}

				if err := handler(data); err != nil {
					b.logger.Errorf("handler failed for message %s: %v", message.ID, err)
					continue
				}

				if err := b.client.XAck(ctx, streamName, consumerGroup, message.ID).Err(); err != nil {
					b.logger.Errorf("failed to acknowledge message %s: %v", message.ID, err)
				}
			}
		}
	}
}

func decodeEntry(message redis.XMessage) (map[string]interface{}, error) {
	dataJSON, ok := message.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'data' field")
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, fmt.Errorf("malformed data: %w", err)
	}
	return data, nil
}
