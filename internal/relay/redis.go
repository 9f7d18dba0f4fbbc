// Package relay fans session broadcasts out to other server nodes over
// Redis pub/sub so members of one document may be connected to different
// processes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/coedit/internal/backoff"
	"github.com/haasonsaas/coedit/internal/collab"
	"github.com/haasonsaas/coedit/internal/config"
)

// Deliverer receives broadcasts published by other nodes.
type Deliverer interface {
	DeliverRemote(documentID string, msg collab.ServerMessage)
}

// message is the payload published on a document channel.
type message struct {
	Node  string          `json:"node"`
	Frame json.RawMessage `json:"frame"`
}

// Relay publishes local broadcasts and delivers remote ones.
type Relay struct {
	client  *redis.Client
	prefix  string
	nodeID  string
	metrics *collab.Metrics
	logger  *slog.Logger
}

// New connects to the Redis server named by cfg.RedisURL.
func New(ctx context.Context, cfg config.RelayConfig, metrics *collab.Metrics, logger *slog.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.ChannelPrefix, cfg.NodeID, metrics, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix, nodeID string, metrics *collab.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, ":"),
		nodeID:  nodeID,
		metrics: metrics,
		logger:  logger.With("component", "relay", "node_id", nodeID),
	}
}

// Channel returns the pub/sub channel of a document.
func (r *Relay) Channel(documentID string) string {
	return r.prefix + ":" + documentID
}

// Publish implements collab.Publisher.
func (r *Relay) Publish(ctx context.Context, documentID string, msg collab.ServerMessage) error {
	payload, err := r.encode(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.Channel(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Event(), err)
	}
	return nil
}

func (r *Relay) encode(msg collab.ServerMessage) ([]byte, error) {
	frame, err := collab.EncodeServerMessage(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Node: r.nodeID, Frame: frame})
}

// Serve runs the subscription until ctx is cancelled, resubscribing with
// backoff whenever it drops.
func (r *Relay) Serve(ctx context.Context, target Deliverer) {
	policy := backoff.ReconnectPolicy()
	attempt := 0
	for {
		started := time.Now()
		err := r.Run(ctx, target)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > policy.Max {
			attempt = 0
		}
		attempt++
		r.logger.Warn("relay subscription lost", "attempt", attempt, "error", err)
		if err := policy.Sleep(ctx, attempt); err != nil {
			return
		}
	}
}

// Run subscribes to every document channel and delivers remote broadcasts
// to target until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, target Deliverer) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+":*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.logger.Info("relay subscribed", "pattern", r.prefix+":*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay subscription closed")
			}
			r.handle(msg.Channel, []byte(msg.Payload), target)
		}
	}
}

// handle decodes one pub/sub payload; messages published by this node are
// skipped since local members already received them.
func (r *Relay) handle(channel string, payload []byte, target Deliverer) {
	documentID, ok := strings.CutPrefix(channel, r.prefix+":")
	if !ok || documentID == "" {
		r.logger.Debug("ignoring relay channel", "channel", channel)
		return
	}

	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		r.logger.Warn("invalid relay payload", "channel", channel, "error", err)
		return
	}
	if m.Node == r.nodeID {
		return
	}
	msg, err := collab.DecodeServerMessage(m.Frame)
	if err != nil {
		r.logger.Warn("invalid relay frame", "channel", channel, "origin", m.Node, "error", err)
		return
	}
	r.metrics.RecordRelay("in")
	target.DeliverRemote(documentID, msg)
}

// Close releases the Redis client.
func (r *Relay) Close() error {
	return r.client.Close()
}
