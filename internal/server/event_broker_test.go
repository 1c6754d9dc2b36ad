package server

import (
	"testing"
	"time"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
)

func TestRunEventBrokerSubscribeFiltersByRunAndType(t *testing.T) {
	broker := NewRunEventBroker(8)
	t.Cleanup(broker.Close)

	allNotices, closeAll := broker.Subscribe("", "")
	defer closeAll()

	runOnly, closeRun := broker.Subscribe("run-1", "")
	defer closeRun()

	runAndType, closeRunAndType := broker.Subscribe("run-1", "phase_changed")
	defer closeRunAndType()

	phaseRun1 := model.RunNotice{
		EventType: "phase_changed",
		RunID:     "run-1",
		Session:   1,
	}
	sessionRun1 := model.RunNotice{
		EventType: "session_finished",
		RunID:     "run-1",
		Session:   2,
	}
	phaseRun2 := model.RunNotice{
		EventType: "phase_changed",
		RunID:     "run-2",
		Session:   3,
	}

	broker.Publish(phaseRun1)
	broker.Publish(sessionRun1)
	broker.Publish(phaseRun2)

	assertReceivesSessions(t, allNotices, []int{1, 2, 3})
	assertReceivesSessions(t, runOnly, []int{1, 2})
	assertReceivesSessions(t, runAndType, []int{1})
}

func TestRunEventBrokerUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewRunEventBroker(4)
	t.Cleanup(broker.Close)

	notices, unsubscribe := broker.Subscribe("run-1", "")
	unsubscribe()

	broker.Publish(model.RunNotice{
		EventType: "phase_changed",
		RunID:     "run-1",
		Session:   42,
	})

	select {
	case _, ok := <-notices:
		if ok {
			t.Fatalf("expected closed channel after unsubscribe")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for subscriber channel to close")
	}
}

func TestRunEventBrokerDropsStaleMessagesForSlowSubscribers(t *testing.T) {
	broker := NewRunEventBroker(1)
	t.Cleanup(broker.Close)

	notices, unsubscribe := broker.Subscribe("run-1", "")
	defer unsubscribe()

	broker.Publish(model.RunNotice{
		EventType: "phase_changed",
		RunID:     "run-1",
		Session:   1,
	})
	broker.Publish(model.RunNotice{
		EventType: "phase_changed",
		RunID:     "run-1",
		Session:   2,
	})

	select {
	case notice := <-notices:
		if notice.Session != 2 {
			t.Fatalf("expected latest session 2, got %d", notice.Session)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for latest notice")
	}
}

func assertReceivesSessions(t *testing.T, ch <-chan model.RunNotice, expected []int) {
	t.Helper()
	for _, session := range expected {
		select {
		case notice := <-ch:
			if notice.Session != session {
				t.Fatalf("expected session %d, got %d", session, notice.Session)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("timed out waiting for session %d", session)
		}
	}
	select {
	case notice := <-ch:
		t.Fatalf("unexpected extra notice for session %d", notice.Session)
	case <-time.After(50 * time.Millisecond):
	}
}
