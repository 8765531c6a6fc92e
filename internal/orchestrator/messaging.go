package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/stagehand/internal/events"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStreamPrefix prefixes the per-run event streams.
const DefaultStreamPrefix = "stagehand:run:"

// MessageBus publishes run events to Redis Streams, one stream per run, so
// other processes can follow a run.
type MessageBus struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewMessageBus creates a Redis-backed message bus.
func NewMessageBus(redisURL, prefix string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return &MessageBus{rdb: rdb, prefix: prefix, timeout: 5 * time.Second, logger: logger}, nil
}

// Stream returns the stream key for a run.
func (mb *MessageBus) Stream(runID string) string { return mb.prefix + runID }

// Publish appends an event to its run's stream.
func (mb *MessageBus) Publish(ctx context.Context, e events.Event) error {
	runID, _ := e.Meta["run_id"].(string)
	if runID == "" {
		return errors.New("event has no run_id")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	stream := mb.Stream(runID)
	_, err = mb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"type": string(e.Type),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	mb.logger.Debug("published event",
		zap.String("stream", stream),
		zap.Int64("seq", e.Seq),
		zap.String("type", string(e.Type)))
	return nil
}

// Emit implements events.Sink. Wrap the bus in events.Async so network
// latency never reaches the run loop.
func (mb *MessageBus) Emit(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), mb.timeout)
	defer cancel()
	if err := mb.Publish(ctx, e); err != nil {
		mb.logger.Warn("event publish failed", zap.Error(err))
	}
}

// Subscribe follows a run's stream from the beginning. The channel closes
// when ctx is cancelled.
func (mb *MessageBus) Subscribe(ctx context.Context, runID string) <-chan events.Event {
	ch := make(chan events.Event, 16)
	stream := mb.Stream(runID)

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var e events.Event
					if json.Unmarshal([]byte(data), &e) != nil {
						continue
					}
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}
