package jobs

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub *Subscriber) StatusEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("subscriber channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StatusEvent{}
}

func TestSubscribeSendsConnectionAck(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe(1)
	defer sub.Close()

	ev := recvEvent(t, sub)
	if ev.Type != EventUpdate {
		t.Fatalf("first event type = %q, want %q", ev.Type, EventUpdate)
	}
	if ev.Data.Progress != "connected" {
		t.Fatalf("first event progress = %q, want %q", ev.Data.Progress, "connected")
	}
	if ev.Data.Status != StatusInProgress {
		t.Fatalf("first event status = %q, want %q", ev.Data.Status, StatusInProgress)
	}
}

func TestEmitFansOutToAllSubscribers(t *testing.T) {
	hub := NewHub(nil)
	subA := hub.Subscribe(7)
	subB := hub.Subscribe(7)
	recvEvent(t, subA)
	recvEvent(t, subB)

	hub.Emit(7, StatusEvent{Type: EventUpdate, Data: EventData{Status: StatusInProgress, Progress: "working"}})

	for _, sub := range []*Subscriber{subA, subB} {
		ev := recvEvent(t, sub)
		if ev.Data.Progress != "working" {
			t.Fatalf("event progress = %q, want %q", ev.Data.Progress, "working")
		}
	}
	subA.Close()
	subB.Close()
}

func TestTerminalEmitDeliversSummaryAndCloses(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe(3)
	recvEvent(t, sub)

	hub.Emit(3, StatusEvent{Type: EventFinalize, Data: EventData{Status: StatusCompleted, Done: true}})

	ev := recvEvent(t, sub)
	if ev.Type != EventFinalize {
		t.Fatalf("event type = %q, want %q", ev.Type, EventFinalize)
	}
	ev = recvEvent(t, sub)
	if ev.Type != EventSummary {
		t.Fatalf("event type = %q, want %q", ev.Type, EventSummary)
	}
	ev = recvEvent(t, sub)
	if ev.Type != EventClose {
		t.Fatalf("event type = %q, want %q", ev.Type, EventClose)
	}
	if !ev.Data.Done {
		t.Fatal("close event should carry done=true")
	}

	if _, ok := <-sub.C; ok {
		t.Fatal("subscriber channel should be closed after terminal event")
	}
	if hub.Active(3) {
		t.Fatal("channel should be discarded after terminal event")
	}
}

func TestEmitWithoutChannelIsNoop(t *testing.T) {
	hub := NewHub(nil)
	// 購読者がいないジョブへの配信は何もしない
	hub.Emit(99, StatusEvent{Type: EventUpdate})
}

func TestCleanupIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe(5)
	recvEvent(t, sub)

	hub.Cleanup(5)
	hub.Cleanup(5)

	if hub.Active(5) {
		t.Fatal("channel should be gone after cleanup")
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("subscriber channel should be closed by cleanup")
	}
}

func TestResubscribeAfterCleanupGetsFreshChannel(t *testing.T) {
	hub := NewHub(nil)
	old := hub.Subscribe(8)
	recvEvent(t, old)
	hub.Emit(8, StatusEvent{Type: EventUpdate, Data: EventData{Progress: "old"}})
	hub.Cleanup(8)

	fresh := hub.Subscribe(8)
	defer fresh.Close()

	// 新しいチャネルには過去のイベントは再生されず、接続確認だけが届く
	ev := recvEvent(t, fresh)
	if ev.Data.Progress != "connected" {
		t.Fatalf("fresh channel first event = %q, want connection ack", ev.Data.Progress)
	}
	select {
	case ev := <-fresh.C:
		t.Fatalf("unexpected replayed event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberCloseLeavesOthersAttached(t *testing.T) {
	hub := NewHub(nil)
	leaving := hub.Subscribe(2)
	staying := hub.Subscribe(2)
	recvEvent(t, leaving)
	recvEvent(t, staying)

	leaving.Close()
	if !hub.Active(2) {
		t.Fatal("channel should survive a single subscriber detaching")
	}

	hub.Emit(2, StatusEvent{Type: EventUpdate, Data: EventData{Progress: "still here"}})
	ev := recvEvent(t, staying)
	if ev.Data.Progress != "still here" {
		t.Fatalf("remaining subscriber got %q, want %q", ev.Data.Progress, "still here")
	}
	staying.Close()
}
