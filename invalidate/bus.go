// Package invalidate fans cache invalidations out to every process sharing a
// Redis channel.
//
// A Bus applies invalidations to its local cache and publishes them; Run
// applies invalidations published by other processes. Messages are msgpack
// encoded and carry the publishing bus's origin so a process never applies
// its own message twice.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrClosed is returned by Run when the subscription channel closes.
var ErrClosed = errors.New("lattice: invalidation subscription closed")

// Invalidator drops cached data tagged with refs.
type Invalidator interface {
	Invalidate(ctx context.Context, refs ...string) error
}

// Message is the wire payload.
type Message struct {
	Origin string   `msgpack:"o"`
	Refs   []string `msgpack:"r"`
}

// Config configures a Bus.
type Config struct {
	// Channel is the Redis pub/sub channel.
	// Default: "lattice:invalidate"
	Channel string
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{Channel: "lattice:invalidate"}
}

func (c *Config) validate() {
	if c.Channel == "" {
		c.Channel = DefaultConfig().Channel
	}
}

// Bus publishes and receives invalidations.
type Bus struct {
	client redis.UniversalClient
	local  Invalidator
	config Config
	origin string
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithOrigin overrides the generated origin id.
func WithOrigin(origin string) Option {
	return func(b *Bus) {
		if origin != "" {
			b.origin = origin
		}
	}
}

// NewBus creates a bus. local may be nil for publish-only processes.
func NewBus(client redis.UniversalClient, local Invalidator, config Config, opts ...Option) *Bus {
	config.validate()
	b := &Bus{
		client: client,
		local:  local,
		config: config,
		origin: uuid.NewString(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin returns the id stamped on published messages.
func (b *Bus) Origin() string {
	return b.origin
}

// Invalidate applies refs to the local cache and publishes them.
func (b *Bus) Invalidate(ctx context.Context, refs ...string) error {
	if len(refs) == 0 {
		return nil
	}
	if b.local != nil {
		if err := b.local.Invalidate(ctx, refs...); err != nil {
			return err
		}
	}
	return b.Publish(ctx, refs...)
}

// Publish sends refs to the other processes.
func (b *Bus) Publish(ctx context.Context, refs ...string) error {
	if len(refs) == 0 {
		return nil
	}
	payload, err := Encode(Message{Origin: b.origin, Refs: refs})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.config.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Run applies published invalidations to the local cache until ctx is
// cancelled. Malformed messages are logged and skipped.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.config.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.config.Channel, err)
	}
	b.logger.Info("invalidation bus subscribed", "channel", b.config.Channel, "origin", b.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			if err := b.Apply(ctx, []byte(msg.Payload)); err != nil {
				b.logger.Error("failed to apply invalidation", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// Apply decodes one payload and applies it locally unless this bus sent it.
func (b *Bus) Apply(ctx context.Context, payload []byte) error {
	msg, err := Decode(payload)
	if err != nil {
		return err
	}
	if msg.Origin == b.origin || b.local == nil || len(msg.Refs) == 0 {
		return nil
	}
	b.logger.Debug("applying remote invalidation", "origin", msg.Origin, "refs", msg.Refs)
	return b.local.Invalidate(ctx, msg.Refs...)
}

// Encode marshals a message.
func Encode(msg Message) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode invalidation: %w", err)
	}
	return data, nil
}

// Decode unmarshals a message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode invalidation: %w", err)
	}
	return msg, nil
}
