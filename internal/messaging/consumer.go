package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trading/internal/observability"
	"trading/internal/reliability"

	"github.com/redis/go-redis/v9"
)

// Message is one decoded stream entry.
type Message struct {
	StreamID      string
	ID            string
	Type          string
	CorrelationID string
	Payload       []byte
}

// Handler processes one message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// ErrMalformedEntry is reported for stream entries missing the type or payload field.
var ErrMalformedEntry = errors.New("malformed stream entry")

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	// Block is how long XREADGROUP waits for new entries. Negative disables blocking.
	Block time.Duration
	// RetryDelay is the pause after a poll that left failed messages pending.
	RetryDelay time.Duration
	// Discard reports handler errors that redelivery cannot fix; those messages are acked.
	Discard func(error) bool
	// MaxDeliveries bounds how often one entry reaches the handler. An entry redelivered
	// past it is copied to DeadLetterStream and acked. Zero means 5, negative disables.
	MaxDeliveries int
	// DeadLetterStream defaults to Stream + ":dead-letter".
	DeadLetterStream string
	Logger           *slog.Logger
	Metrics          *observability.Metrics
}

// Consumer reads a stream through a consumer group with at-least-once semantics:
// entries are acked only once the handler succeeds or the failure is discarded.
type Consumer struct {
	client  StreamClient
	handler Handler
	cfg     ConsumerConfig
	logger  *slog.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(client StreamClient, cfg ConsumerConfig, handler Handler) *Consumer {
	if cfg.Count <= 0 {
		cfg.Count = 16
	}
	if cfg.Block == 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Discard == nil {
		cfg.Discard = func(error) bool { return false }
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = cfg.Stream + ":dead-letter"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:  client,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("stream", cfg.Stream, "group", cfg.Group),
	}
}

// EnsureGroup creates the consumer group (and stream) when missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.cfg.Group, c.cfg.Stream, err)
	}
	return nil
}

// Poll retries this consumer's pending entries, then reads new ones in the same pass so a
// failing entry never holds back later ones. It blocks for new entries only when nothing
// was pending. It returns how many entries were acked and the joined failures.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	pending, err := c.read(ctx, "0", -1)
	if err != nil {
		return 0, err
	}
	block := c.cfg.Block
	if len(pending) > 0 {
		block = -1
	}
	fresh, err := c.read(ctx, ">", block)
	if err != nil {
		return 0, err
	}

	deliveries, err := c.deliveries(ctx, pending)
	if err != nil {
		return 0, err
	}

	acked := 0
	var failures []error
	for _, raw := range append(pending, fresh...) {
		var (
			ok  bool
			err error
		)
		if n := deliveries[raw.ID]; c.cfg.MaxDeliveries > 0 && n > int64(c.cfg.MaxDeliveries) {
			ok, err = c.deadLetter(ctx, raw, n)
		} else {
			ok, err = c.process(ctx, raw)
		}
		if ok {
			if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, raw.ID).Err(); err != nil {
				failures = append(failures, fmt.Errorf("xack %s: %w", raw.ID, err))
				continue
			}
			acked++
		}
		if err != nil {
			failures = append(failures, err)
		}
	}
	return acked, errors.Join(failures...)
}

// deliveries returns the delivery count of each redelivered entry, this delivery included.
func (c *Consumer) deliveries(ctx context.Context, pending []redis.XMessage) (map[string]int64, error) {
	if len(pending) == 0 || c.cfg.MaxDeliveries < 0 {
		return nil, nil
	}
	entries, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Start:    pending[0].ID,
		End:      pending[len(pending)-1].ID,
		Count:    int64(len(pending)),
		Consumer: c.cfg.Consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", c.cfg.Stream, err)
	}
	counts := make(map[string]int64, len(entries))
	for _, e := range entries {
		counts[e.ID] = e.RetryCount
	}
	return counts, nil
}

// deadLetter copies raw to the dead-letter stream and reports whether it may be acked.
func (c *Consumer) deadLetter(ctx context.Context, raw redis.XMessage, deliveries int64) (bool, error) {
	values := make(map[string]any, len(raw.Values)+3)
	for k, v := range raw.Values {
		values[k] = v
	}
	values["source_stream"] = c.cfg.Stream
	values["source_id"] = raw.ID
	values["deliveries"] = deliveries
	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.DeadLetterStream, Values: values}).Err(); err != nil {
		return false, fmt.Errorf("dead-letter %s: %w", raw.ID, err)
	}
	c.cfg.Metrics.Inc(observability.CounterDeadLettered)
	c.logger.Error("stream entry dead-lettered", "entry_id", raw.ID, "deliveries", deliveries,
		"dead_letter_stream", c.cfg.DeadLetterStream)
	return true, nil
}

func (c *Consumer) read(ctx context.Context, start string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, start},
		Count:    c.cfg.Count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", c.cfg.Stream, err)
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// process runs the handler and reports whether the entry should be acked.
// A retryable failure is returned with ack=false.
func (c *Consumer) process(ctx context.Context, raw redis.XMessage) (bool, error) {
	msg, err := decodeMessage(raw)
	if err != nil {
		c.logger.Error("dropping malformed stream entry", "entry_id", raw.ID, "err", err)
		return true, nil
	}

	call := c.cfg.Metrics.Start("messaging.consume/" + msg.Type)
	err = c.handler(ctx, msg)
	call.End(err)
	switch {
	case err == nil:
		return true, nil
	case c.cfg.Discard(err):
		c.logger.Warn("discarding stream entry", "entry_id", raw.ID, "type", msg.Type,
			"correlation_id", msg.CorrelationID, "err", err)
		return true, nil
	default:
		return false, fmt.Errorf("handle %s %s: %w", msg.Type, raw.ID, err)
	}
}

func decodeMessage(raw redis.XMessage) (Message, error) {
	field := func(name string) string {
		v, _ := raw.Values[name].(string)
		return v
	}
	msg := Message{
		StreamID:      raw.ID,
		ID:            field(FieldID),
		Type:          field(FieldType),
		CorrelationID: field(FieldCorrelationID),
		Payload:       []byte(field(FieldPayload)),
	}
	if msg.Type == "" || len(msg.Payload) == 0 {
		return Message{}, fmt.Errorf("%w: %s", ErrMalformedEntry, raw.ID)
	}
	return msg, nil
}

// Run creates the group then polls until ctx ends. Transient failures pause for RetryDelay.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("stream consumer started", "consumer", c.cfg.Consumer)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		acked, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("stream poll failed", "err", err)
		}
		// Without a blocking read an idle poll would spin.
		if err != nil || (acked == 0 && c.cfg.Block < 0) {
			if err := reliability.SleepWithContext(ctx, c.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}
}
