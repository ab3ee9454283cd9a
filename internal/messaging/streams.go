package messaging

import (
	"context"
	"fmt"

	"trading/internal/purchase/saga"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Stream entry field names shared by every producer and consumer.
const (
	FieldID            = "id"
	FieldType          = "type"
	FieldCorrelationID = "correlation_id"
	FieldPayload       = "payload"
)

// StreamClient is the minimal Redis surface used by this package. *redis.Client satisfies it.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
}

func xaddArgs(stream string, maxLen int64, values map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return args
}

// StreamDispatcher appends outbound commands to the stream configured for their type.
type StreamDispatcher struct {
	client StreamClient
	routes saga.Routes
	maxLen int64
}

// NewStreamDispatcher constructs a Redis Streams command dispatcher.
func NewStreamDispatcher(client StreamClient, routes saga.Routes, maxLen int64) *StreamDispatcher {
	if routes == nil {
		routes = saga.DefaultRoutes()
	}
	return &StreamDispatcher{client: client, routes: routes, maxLen: maxLen}
}

// Send appends cmd to its destination stream. The envelope id travels with the entry
// so receivers can drop redeliveries.
func (d *StreamDispatcher) Send(ctx context.Context, cmd saga.Envelope) error {
	stream, err := d.routes.Destination(cmd.Type)
	if err != nil {
		return err
	}
	err = d.client.XAdd(ctx, xaddArgs(stream, d.maxLen, map[string]any{
		FieldID:            cmd.ID,
		FieldType:          string(cmd.Type),
		FieldCorrelationID: cmd.CorrelationID,
		FieldPayload:       string(cmd.Payload),
	})).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// EventPublisher appends inbound saga events to the trading events stream.
type EventPublisher struct {
	client StreamClient
	stream string
	maxLen int64
	newID  func() string
}

// NewEventPublisher constructs a publisher for stream.
func NewEventPublisher(client StreamClient, stream string, maxLen int64) *EventPublisher {
	if stream == "" {
		stream = "trading-events"
	}
	return &EventPublisher{client: client, stream: stream, maxLen: maxLen, newID: uuid.NewString}
}

func (p *EventPublisher) Publish(ctx context.Context, ev saga.Event) error {
	kind, payload, err := saga.EncodeEvent(ev)
	if err != nil {
		return err
	}
	err = p.client.XAdd(ctx, xaddArgs(p.stream, p.maxLen, map[string]any{
		FieldID:            p.newID(),
		FieldType:          string(kind),
		FieldCorrelationID: ev.Correlation(),
		FieldPayload:       string(payload),
	})).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
