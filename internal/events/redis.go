package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zulandar/geneq/internal/logging"
)

// RedisOpts configures a RedisBus.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Logger   *slog.Logger
}

// RedisBus publishes events on a Redis channel so every server instance
// sharing the database sees them, and delivers what it receives to a
// local Hub.
type RedisBus struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	hub     *Hub
	logger  *slog.Logger
	done    chan struct{}
}

// NewRedisBus connects, subscribes to opts.Channel and starts forwarding.
func NewRedisBus(ctx context.Context, opts RedisOpts) (*RedisBus, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("events: redis addr is required")
	}
	if opts.Channel == "" {
		opts.Channel = "geneq:jobs"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("events: redis ping %s: %w", opts.Addr, err)
	}

	ps := client.Subscribe(ctx, opts.Channel)
	if _, err := ps.Receive(pingCtx); err != nil {
		_ = ps.Close()
		_ = client.Close()
		return nil, fmt.Errorf("events: subscribe %s: %w", opts.Channel, err)
	}

	b := &RedisBus{
		client:  client,
		pubsub:  ps,
		channel: opts.Channel,
		hub:     NewHub(),
		logger:  logging.OrDiscard(opts.Logger),
		done:    make(chan struct{}),
	}
	go b.pump(ps.Channel())
	return b, nil
}

func (b *RedisBus) pump(ch <-chan *redis.Message) {
	defer close(b.done)
	for msg := range ch {
		e, err := decode([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn("dropping malformed job event", "channel", msg.Channel, "error", err)
			continue
		}
		b.hub.deliver(e)
	}
}

// Publish sends e to every instance, this one included.
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// Subscribe registers interest in jobID on the local hub.
func (b *RedisBus) Subscribe(jobID string) (<-chan Event, func()) {
	return b.hub.Subscribe(jobID)
}

// Close stops forwarding and releases the connection.
func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	b.hub.Close()
	return err
}

func encode(e Event) ([]byte, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("events: encode: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("events: decode: %w", err)
	}
	if e.JobID == "" {
		return Event{}, fmt.Errorf("events: decode: missing job_id")
	}
	return e, nil
}
