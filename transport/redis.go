package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/logging"
	"github.com/durapensa/ksi/router"
)

// ChannelPrefix namespaces bridge traffic so the Redis instance can be
// shared with other applications.
const ChannelPrefix = "ksi:"

// bridgeEnvelope wraps an event with the publishing node's id so each bridge
// can skip its own traffic coming back off the wire.
type bridgeEnvelope struct {
	Node  string     `json:"node"`
	Event core.Event `json:"event"`
}

// RedisBridgeOptions configures a RedisBridge.
type RedisBridgeOptions struct {
	// Namespaces restricts which event namespaces are mirrored onto Redis.
	// Empty means everything.
	Namespaces []string
	// Logger receives bridge diagnostics.
	Logger logging.Logger
}

// RedisBridge mirrors router traffic onto Redis pub/sub channels and
// re-injects events published by other nodes, so multiple processes can
// share one event space. Channel names are ChannelPrefix + event name.
type RedisBridge struct {
	id         string
	router     *router.Router
	client     *redis.Client
	namespaces map[string]bool
	logger     logging.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBridge creates a bridge between r and the Redis server described
// by opts. Call Start to begin mirroring.
func NewRedisBridge(r *router.Router, redisOpts *redis.Options, optFns ...func(o *RedisBridgeOptions)) *RedisBridge {
	opts := RedisBridgeOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	namespaces := map[string]bool{}
	for _, ns := range opts.Namespaces {
		namespaces[ns] = true
	}
	return &RedisBridge{
		id:         "node_" + core.NewID(),
		router:     r,
		client:     redis.NewClient(redisOpts),
		namespaces: namespaces,
		logger:     opts.Logger,
	}
}

// Start begins publishing local router traffic and consuming remote traffic.
// It returns once the pattern subscription is established.
func (b *RedisBridge) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	pubsub := b.client.PSubscribe(runCtx, ChannelPrefix+"*")
	if _, err := pubsub.Receive(runCtx); err != nil {
		cancel()
		pubsub.Close()
		return err
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.cancel = cancel
	b.mu.Unlock()

	b.router.OnEmit(b.publish)
	go b.receiveLoop(runCtx, pubsub)

	b.logger.Info("redis bridge started", "node", b.id)
	return nil
}

// Close stops the receive loop and releases the Redis client.
func (b *RedisBridge) Close() error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	ps := b.pubsub
	b.mu.Unlock()
	if ps != nil {
		ps.Close()
	}
	return b.client.Close()
}

// publish mirrors one locally emitted event onto Redis. Events the bridge
// itself injected are skipped to stop the loop.
func (b *RedisBridge) publish(ctx context.Context, ev core.Event) {
	if ev.Origin == b.id {
		return
	}
	if !b.mirrors(ev.Name) {
		return
	}
	payload, err := json.Marshal(bridgeEnvelope{Node: b.id, Event: ev})
	if err != nil {
		return
	}
	if err := b.client.Publish(ctx, ChannelPrefix+ev.Name, payload).Err(); err != nil {
		b.logger.Warn("redis bridge publish failed", "event", ev.Name, "error", err)
	}
}

func (b *RedisBridge) receiveLoop(ctx context.Context, pubsub *redis.PubSub) {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("redis bridge receive error", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		var env bridgeEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn("redis bridge bad payload", "channel", msg.Channel, "error", err)
			continue
		}
		if env.Node == b.id {
			continue
		}
		// Re-attribute to this bridge so publish() does not echo it back out.
		ev := env.Event.WithOrigin(b.id)
		if _, err := b.router.Emit(ctx, ev); err != nil {
			b.logger.Warn("redis bridge inject failed", "event", ev.Name, "error", err)
		}
	}
}

func (b *RedisBridge) mirrors(name string) bool {
	if len(b.namespaces) == 0 {
		return true
	}
	ns := name
	if i := strings.Index(name, ":"); i >= 0 {
		ns = name[:i]
	}
	return b.namespaces[ns]
}
