package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	proto "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/socketcore/internal/observability"
	"github.com/example/socketcore/internal/ws"
)

const (
	defaultChannel        = "socketcore:messages"
	defaultDedupeTTL      = 2 * time.Minute
	defaultOutboxSize     = 1024
	defaultPublishTimeout = 5 * time.Second
	maxBackoffDelay       = 30 * time.Second
)

var relayDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "socketcore",
	Subsystem: "relay",
	Name:      "dropped_total",
	Help:      "Messages not relayed because the outbox was full.",
})

func init() {
	prometheus.MustRegister(relayDropped)
}

type outbound struct {
	session string
	text    string
}

// envelope is a relayed message. It travels as a protobuf Struct.
type envelope struct {
	ID         string
	Origin     string
	Session    string
	Text       string
	EnqueuedAt time.Time
}

// RedisRelay publishes messages received by local sessions to a Redis
// channel and fans messages from that channel out to every local session
// except the one that sent it, so clients attached to different instances
// see each other's messages.
type RedisRelay struct {
	client   *redis.Client
	registry *ws.Registry
	logger   zerolog.Logger

	channel   string
	origin    string
	dedupeTTL time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	outbox         chan outbound
	publishTimeout time.Duration

	latency *prometheus.HistogramVec
}

// NewRedisRelay constructs a relay backed by Redis Pub/Sub. An empty channel
// selects the default.
func NewRedisRelay(client *redis.Client, registry *ws.Registry, channel string, logger zerolog.Logger) *RedisRelay {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "socketcore",
		Subsystem: "relay",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between publish and local fan-out.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"same_origin"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	if channel == "" {
		channel = defaultChannel
	}

	return &RedisRelay{
		client:    client,
		registry:  registry,
		logger:    logger,
		channel:   channel,
		origin:    xid.New().String(),
		dedupeTTL: defaultDedupeTTL,
		seen:      make(map[string]time.Time),
		outbox:    make(chan outbound, defaultOutboxSize),
		latency:   histogram,

		publishTimeout: defaultPublishTimeout,
	}
}

// Wrap passes each message to next and then queues it for publishing. It
// never waits for Redis; when the outbox is full the message is dropped.
func (b *RedisRelay) Wrap(next ws.Handler) ws.Handler {
	return ws.HandlerFunc(func(ctx context.Context, s *ws.Session, text string) error {
		if err := next.HandleMessage(ctx, s, text); err != nil {
			return err
		}
		select {
		case b.outbox <- outbound{session: s.ID(), text: text}:
		default:
			relayDropped.Inc()
			logger := observability.LoggerWithTrace(ctx, b.logger)
			logger.Warn().Str("session", s.ID()).Int("queued", len(b.outbox)).Msg("relay outbox full; message dropped")
		}
		return nil
	})
}

// Publish sends text, attributed to sessionID, to the relay channel. Failed
// publishes are retried with exponential backoff until ctx ends.
func (b *RedisRelay) Publish(ctx context.Context, sessionID, text string) error {
	if b == nil || b.client == nil {
		return errors.New("nil relay")
	}

	encoded, err := encodeEnvelope(envelope{
		ID:         xid.New().String(),
		Origin:     b.origin,
		Session:    sessionID,
		Text:       text,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	backoff := time.Second
	for {
		if err := b.client.Publish(ctx, b.channel, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Str("channel", b.channel).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// Start begins consuming the relay channel and draining the outbox.
func (b *RedisRelay) Start(ctx context.Context) {
	go b.run(ctx)
	go b.publishLoop(ctx)
}

func (b *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.outbox:
			pubCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
			if err := b.Publish(pubCtx, msg.session, msg.text); err != nil {
				b.logger.Warn().Err(err).Str("session", msg.session).Msg("relay publish failed")
			}
			cancel()
		}
	}
}

func (b *RedisRelay) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.Subscribe(ctx, b.channel)
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisRelay) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process([]byte(msg.Payload)); err != nil {
				b.logger.Warn().Err(err).Msg("failed to process relayed message")
			}
		}
	}
}

func (b *RedisRelay) process(payload []byte) error {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return err
	}
	if b.isDuplicate(env.ID) {
		return nil
	}

	if !env.EnqueuedAt.IsZero() {
		sameOrigin := "false"
		if env.Origin == b.origin {
			sameOrigin = "true"
		}
		b.latency.WithLabelValues(sameOrigin).Observe(time.Since(env.EnqueuedAt).Seconds())
	}

	if _, err := b.registry.Broadcast(env.Text, env.Session); err != nil {
		return fmt.Errorf("fan out %s: %w", env.ID, err)
	}
	return nil
}

func (b *RedisRelay) isDuplicate(id string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if ts, ok := b.seen[id]; ok {
		if time.Since(ts) < b.dedupeTTL {
			return true
		}
	}

	b.seen[id] = time.Now()
	cutoff := time.Now().Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func encodeEnvelope(e envelope) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		"id":          e.ID,
		"origin":      e.Origin,
		"session_id":  e.Session,
		"text":        e.Text,
		"enqueued_at": e.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	fields := st.GetFields()
	env := envelope{
		ID:      fields["id"].GetStringValue(),
		Origin:  fields["origin"].GetStringValue(),
		Session: fields["session_id"].GetStringValue(),
		Text:    fields["text"].GetStringValue(),
	}
	if env.ID == "" {
		return envelope{}, errors.New("incomplete envelope")
	}
	if raw := fields["enqueued_at"].GetStringValue(); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			env.EnqueuedAt = ts
		}
	}
	return env, nil
}
