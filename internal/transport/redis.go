package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisTransport
type RedisConfig struct {
	NodeID      string
	Channel     string // pub/sub channel shared by the fleet
	Codec       messages.Codec
	QueueSize   int
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// RedisTransport broadcasts over a single Redis pub/sub channel. Redis
// delivers every published message to all subscribers, the publisher included.
// The caller owns the Redis client lifecycle.
type RedisTransport struct {
	client redis.UniversalClient
	config RedisConfig
	logger *slog.Logger

	mu      sync.RWMutex
	handler Handler
	closed  bool

	out    chan []byte
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport subscribes to the fleet channel and starts the publish
// and receive loops.
func NewRedisTransport(ctx context.Context, client redis.UniversalClient, config RedisConfig) (*RedisTransport, error) {
	if config.Channel == "" {
		config.Channel = "procmesh:fleet"
	}
	if config.Codec == nil {
		config.Codec = messages.JSONCodec{}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 500 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pubsub := client.Subscribe(ctx, config.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		client: client,
		config: config,
		logger: logger.With("component", "redis-transport", "node", config.NodeID, "channel", config.Channel),
		out:    make(chan []byte, config.QueueSize),
		pubsub: pubsub,
		ctx:    loopCtx,
		cancel: cancel,
	}

	t.wg.Add(2)
	go t.publishLoop()
	go t.receiveLoop()
	return t, nil
}

func (t *RedisTransport) Subscribe(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *RedisTransport) Broadcast(_ context.Context, env messages.Envelope) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := messages.Encode(t.config.Codec, env)
	if err != nil {
		return err
	}

	select {
	case t.out <- data:
	default:
		t.logger.Warn("Outbound queue full, dropping message", "kind", env.Message.Kind())
	}
	return nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	err := t.pubsub.Close()
	t.wg.Wait()
	return err
}

func (t *RedisTransport) publishLoop() {
	defer t.wg.Done()
	failing := false
	for {
		select {
		case <-t.ctx.Done():
			return
		case data := <-t.out:
			ctx, cancel := context.WithTimeout(t.ctx, t.config.SendTimeout)
			err := t.client.Publish(ctx, t.config.Channel, data).Err()
			cancel()

			if err != nil {
				if !failing {
					failing = true
					t.logger.Warn("Publish failed", "error", err)
				}
				continue
			}
			if failing {
				failing = false
				t.logger.Info("Publish recovered")
				t.deliver(messages.Envelope{SenderID: t.config.NodeID, Message: messages.ConnectionRestored{}})
			}
		}
	}
}

// receiveLoop uses ReceiveMessage rather than Channel() so that
// resubscription after a dropped connection is observable.
func (t *RedisTransport) receiveLoop() {
	defer t.wg.Done()
	failing := false
	for {
		msg, err := t.pubsub.ReceiveMessage(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if !failing {
				failing = true
				t.logger.Warn("Subscription interrupted", "error", err)
			}
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if failing {
			failing = false
			t.logger.Info("Subscription restored")
			t.deliver(messages.Envelope{SenderID: t.config.NodeID, Message: messages.ConnectionRestored{}})
		}

		env, err := messages.Decode(t.config.Codec, []byte(msg.Payload))
		if err != nil {
			t.logger.Warn("Dropping undecodable message", "error", err)
			continue
		}
		t.deliver(env)
	}
}

func (t *RedisTransport) deliver(env messages.Envelope) {
	t.mu.RLock()
	h, closed := t.handler, t.closed
	t.mu.RUnlock()
	if h != nil && !closed {
		h(env)
	}
}
