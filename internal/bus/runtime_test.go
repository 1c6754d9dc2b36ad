package bus

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/policy"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	if _, err := exec.LookPath("sqlite3"); err != nil {
		t.Skip("sqlite3 not available")
	}
	s := store.NewSQLiteStore(filepath.Join(t.TempDir(), "harness.db"))
	if err := s.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return s
}

func newTestRuntime(t *testing.T, redisURL string) (*Runtime, *store.SQLiteStore) {
	t.Helper()
	s := newTestStore(t)
	cfg := policy.Default()
	cfg.Notify.Redis.URL = redisURL
	rt := NewRuntime(s, cfg)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	t.Cleanup(rt.Stop)
	return rt, s
}

func waitForMessage(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for notice")
		return nil
	}
}

func TestRuntimePublishAndSubscribe(t *testing.T) {
	rt, s := newTestRuntime(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := rt.Subscribe(ctx, TopicRunEvents)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	messageID, err := rt.PublishRunNotice(model.RunNotice{
		EventType: "phase_changed",
		RunID:     "run-1",
		Phase:     model.PhaseExecuting,
		Session:   2,
	})
	if err != nil {
		t.Fatalf("publish notice: %v", err)
	}
	if !strings.HasPrefix(messageID, "nmsg-") {
		t.Fatalf("unexpected message id %q", messageID)
	}

	pending, err := s.CountOutboxByStatus(model.OutboxStatusPending)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending message, got %d", pending)
	}

	processed, err := rt.ProcessOnce(ctx, 10)
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed message, got %d", processed)
	}

	msg := waitForMessage(t, messages)
	if got := msg.Metadata.Get("topic"); got != TopicRunEvents {
		t.Fatalf("expected topic metadata %q, got %q", TopicRunEvents, got)
	}
	if got := msg.Metadata.Get("message_id"); got != messageID {
		t.Fatalf("expected message id metadata %q, got %q", messageID, got)
	}
	var notice model.RunNotice
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if notice.RunID != "run-1" || notice.EventType != "phase_changed" {
		t.Fatalf("unexpected notice %+v", notice)
	}
	if notice.EventID == "" {
		t.Fatalf("expected event id to be filled in")
	}
	msg.Ack()

	sent, err := s.CountOutboxByStatus(model.OutboxStatusSent)
	if err != nil {
		t.Fatalf("count sent: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 sent message, got %d", sent)
	}
}

func TestRuntimePublishBeforeStart(t *testing.T) {
	s := newTestStore(t)
	cfg := policy.Default()
	rt := NewRuntime(s, cfg)

	if _, err := rt.Publish(TopicRunEvents, map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("publish before start: %v", err)
	}
	if _, err := rt.ProcessOnce(context.Background(), 5); err == nil {
		t.Fatalf("expected process once to fail before start")
	}

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	t.Cleanup(rt.Stop)

	processed, err := rt.ProcessOnce(context.Background(), 5)
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected queued message to be delivered after start, got %d", processed)
	}
	sent, err := s.CountOutboxByStatus(model.OutboxStatusSent)
	if err != nil {
		t.Fatalf("count sent: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 sent message, got %d", sent)
	}
}

func TestRuntimeRedisMirror(t *testing.T) {
	server := miniredis.RunT(t)
	redisURL := "redis://" + server.Addr()
	rt, s := newTestRuntime(t, redisURL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := rt.PublishRunNotice(model.RunNotice{
			EventType: "session_finished",
			RunID:     "run-1",
			Session:   i + 1,
		}); err != nil {
			t.Fatalf("publish notice %d: %v", i, err)
		}
	}
	if _, err := rt.ProcessOnce(ctx, 10); err != nil {
		t.Fatalf("process once: %v", err)
	}

	sent, err := s.CountOutboxByStatus(model.OutboxStatusSent)
	if err != nil {
		t.Fatalf("count sent: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected 2 sent messages, got %d", sent)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()
	length, err := client.XLen(ctx, policy.Default().Notify.Redis.Stream).Result()
	if err != nil {
		t.Fatalf("read stream length: %v", err)
	}
	if length != 2 {
		t.Fatalf("expected 2 stream entries, got %d", length)
	}

	if err := rt.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRuntimeMirrorOutageMarksFailed(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer server.Close()
	rt, s := newTestRuntime(t, "redis://"+server.Addr())
	ctx := context.Background()

	if _, err := rt.PublishRunNotice(model.RunNotice{EventType: "run_started", RunID: "run-1"}); err != nil {
		t.Fatalf("publish notice: %v", err)
	}

	server.Close()

	processed, err := rt.ProcessOnce(ctx, 10)
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 claimed message, got %d", processed)
	}
	failed, err := s.CountOutboxByStatus(model.OutboxStatusFailed)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 failed message, got %d", failed)
	}
	if err := rt.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail after redis outage")
	}

	// Failed notices stay claimable for a later delivery pass.
	claimed, err := s.ClaimOutboxPending(10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected failed message to be reclaimed, got %d", len(claimed))
	}
	if claimed[0].AttemptCount != 2 {
		t.Fatalf("expected attempt count 2, got %d", claimed[0].AttemptCount)
	}
}

func TestRuntimeRejectsBadRedisURL(t *testing.T) {
	s := newTestStore(t)
	cfg := policy.Default()
	cfg.Notify.Redis.URL = "not-a-redis-url"
	rt := NewRuntime(s, cfg)
	if err := rt.Start(context.Background()); err == nil {
		rt.Stop()
		t.Fatalf("expected start to reject malformed redis url")
	}
}
