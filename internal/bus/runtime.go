package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/policy"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/store"
)

// TopicRunEvents carries every run lifecycle notice.
const TopicRunEvents = "run.events"

// Runtime moves run notices from the durable outbox onto the in-process
// channel, and mirrors them to a Redis stream when one is configured.
// Notices survive crashes because Publish only enqueues; delivery happens
// in ProcessOnce and failed sends stay claimable.
type Runtime struct {
	store *store.SQLiteStore
	cfg   policy.Config

	mu      sync.RWMutex
	running bool
	channel *gochannel.GoChannel
	mirror  message.Publisher
	client  redis.UniversalClient
}

func NewRuntime(sqliteStore *store.SQLiteStore, cfg policy.Config) *Runtime {
	return &Runtime{
		store: sqliteStore,
		cfg:   cfg,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	logger := watermill.NewStdLogger(false, false)
	r.channel = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	if url := strings.TrimSpace(r.cfg.Notify.Redis.URL); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return fmt.Errorf("parse notify redis url: %w", err)
		}
		client := redis.NewClient(opts)
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client:     client,
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		}, logger)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("create redis stream publisher: %w", err)
		}
		r.client = client
		r.mirror = publisher
	}
	r.running = true
	return nil
}

func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.mirror != nil {
		_ = r.mirror.Close()
	}
	r.channel = nil
	r.mirror = nil
	r.client = nil
	r.running = false
}

func (r *Runtime) Healthy() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return fmt.Errorf("notify runtime not started")
	}
	if strings.TrimSpace(r.cfg.Notify.Redis.URL) != "" && r.client == nil {
		return fmt.Errorf("notify redis mirror not connected")
	}
	return nil
}

// Ping checks the Redis mirror. A runtime without a configured mirror is
// considered reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	r.mu.RLock()
	client := r.client
	running := r.running
	r.mu.RUnlock()
	if !running {
		return fmt.Errorf("notify runtime not started")
	}
	if client == nil {
		return nil
	}
	return client.Ping(ctx).Err()
}

// Publish enqueues a payload for delivery. The message becomes visible to
// subscribers on the next ProcessOnce.
func (r *Runtime) Publish(topic string, payload any) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", fmt.Errorf("notify publish topic is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal notify payload: %w", err)
	}
	messageID := fmt.Sprintf("nmsg-%d", time.Now().UnixNano())
	if err := r.store.EnqueueOutbox(model.OutboxMessage{
		MessageID:   messageID,
		Topic:       topic,
		PayloadJSON: string(encoded),
		Status:      model.OutboxStatusPending,
	}); err != nil {
		return "", err
	}
	return messageID, nil
}

func (r *Runtime) PublishRunNotice(notice model.RunNotice) (string, error) {
	if strings.TrimSpace(notice.EventID) == "" {
		notice.EventID = uuid.NewString()
	}
	if notice.OccurredAt.IsZero() {
		notice.OccurredAt = time.Now()
	}
	return r.Publish(TopicRunEvents, notice)
}

// ProcessOnce claims a batch of enqueued notices and dispatches them.
// Failed dispatches are marked failed and picked up again on a later pass.
func (r *Runtime) ProcessOnce(ctx context.Context, limit int) (int, error) {
	if err := r.Healthy(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	channel := r.channel
	mirror := r.mirror
	stream := strings.TrimSpace(r.cfg.Notify.Redis.Stream)
	r.mu.RUnlock()

	batch, err := r.store.ClaimOutboxPending(limit)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	for _, msg := range batch {
		local := message.NewMessage(uuid.NewString(), []byte(msg.PayloadJSON))
		local.SetContext(ctx)
		local.Metadata.Set("topic", msg.Topic)
		local.Metadata.Set("message_id", msg.MessageID)
		if err := channel.Publish(msg.Topic, local); err != nil {
			_ = r.store.MarkOutboxFailed(msg.MessageID, err.Error())
			continue
		}
		if mirror != nil && stream != "" {
			remote := message.NewMessage(local.UUID, []byte(msg.PayloadJSON))
			remote.SetContext(ctx)
			remote.Metadata.Set("topic", msg.Topic)
			remote.Metadata.Set("message_id", msg.MessageID)
			if err := mirror.Publish(stream, remote); err != nil {
				_ = r.store.MarkOutboxFailed(msg.MessageID, err.Error())
				continue
			}
		}
		if err := r.store.MarkOutboxSent(msg.MessageID); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}

// Subscribe delivers notices for a topic until ctx is done. Consumers must
// Ack every message or delivery stalls.
func (r *Runtime) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running || r.channel == nil {
		return nil, fmt.Errorf("notify runtime not started")
	}
	return r.channel.Subscribe(ctx, topic)
}
