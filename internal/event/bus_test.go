package event

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSyncDeliversToTypeSubscriber(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var got []Event
	b.Subscribe(SnapshotCompleted, func(e Event) {
		got = append(got, e)
	})

	b.PublishSync(Event{Type: SnapshotCompleted, Data: SnapshotCompletedData{ProjectID: "p1", Version: 3}})
	b.PublishSync(Event{Type: SnapshotFailed, Data: SnapshotFailedData{ProjectID: "p1"}})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	data, ok := got[0].Data.(SnapshotCompletedData)
	if !ok || data.Version != 3 {
		t.Errorf("unexpected payload: %+v", got[0].Data)
	}
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	b.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.PublishSync(Event{Type: ConversationCreated})
	b.PublishSync(Event{Type: WorkspaceRestored})

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	count := 0
	unsub := b.Subscribe(MessageCreated, func(Event) { count++ })

	b.PublishSync(Event{Type: MessageCreated})
	unsub()
	b.PublishSync(Event{Type: MessageCreated})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestPublishAsync(t *testing.T) {
	b := NewBus()
	defer b.Close()

	done := make(chan struct{})
	b.Subscribe(ToolsDiscovered, func(Event) { close(done) })

	b.Publish(Event{Type: ToolsDiscovered})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async event not delivered")
	}
}

func TestPublishAsyncPreservesPayloadType(t *testing.T) {
	b := NewBus()
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe(SnapshotCompleted, func(e Event) { got <- e })

	b.Publish(Event{Type: SnapshotCompleted, Data: SnapshotCompletedData{ProjectID: "p1", Version: 7}})

	select {
	case e := <-got:
		data, ok := e.Data.(SnapshotCompletedData)
		if !ok || data.Version != 7 {
			t.Errorf("unexpected payload: %+v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("async event not delivered")
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := NewBus()
	b.Subscribe(MessageCreated, func(Event) { t.Error("delivered after close") })
	b.Close()
	b.PublishSync(Event{Type: MessageCreated})
}
