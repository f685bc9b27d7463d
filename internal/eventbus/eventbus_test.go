package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
)

func newTestRepo(t *testing.T) *db.Repository {
	t.Helper()
	repo, err := db.NewRepository(db.InMemory)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

type failingStore struct{}

func (failingStore) InsertEvent(context.Context, *domain.Event) (int64, error) {
	return 0, errors.New("disk full")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEventBus_PublishAndSubscribe(t *testing.T) {
	repo := newTestRepo(t)
	eb := NewEventBus(repo)
	defer eb.Shutdown()

	var (
		mu       sync.Mutex
		received []domain.Event
	)
	eb.Subscribe(domain.ScanCompleted, func(e domain.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	err := eb.Publish(domain.Event{
		AggregateType: domain.AggregateScan,
		AggregateID:   "run-1",
		EventType:     domain.ScanCompleted,
		EventData:     domain.ScanEventData{RunID: "run-1", Detected: 3}.Map(),
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	got := received[0]
	mu.Unlock()
	if got.ID == 0 {
		t.Error("delivered event should carry the persisted id")
	}
	if d, ok := got.ParseScanEventData(); !ok || d.Detected != 3 {
		t.Errorf("event data = %+v", got.EventData)
	}
}

func TestEventBus_PersistsEvents(t *testing.T) {
	repo := newTestRepo(t)
	eb := NewEventBus(repo)
	defer eb.Shutdown()

	for _, typ := range []domain.EventType{domain.ScanStarted, domain.ScanProgress, domain.ScanCompleted} {
		if err := eb.Publish(domain.Event{AggregateType: domain.AggregateScan, AggregateID: "r", EventType: typ}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := repo.RecentEvents(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("persisted %d events, want 3", len(events))
	}
}

func TestEventBus_OnlyMatchingTypeDelivered(t *testing.T) {
	eb := NewEventBus(nil)
	defer eb.Shutdown()

	var (
		mu    sync.Mutex
		types []domain.EventType
	)
	eb.Subscribe(domain.ScanFailed, func(e domain.Event) {
		mu.Lock()
		types = append(types, e.EventType)
		mu.Unlock()
	})

	_ = eb.Publish(domain.Event{EventType: domain.ScanCompleted})
	_ = eb.Publish(domain.Event{EventType: domain.ScanFailed})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) >= 1
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 1 || types[0] != domain.ScanFailed {
		t.Errorf("received %v, want only ScanFailed", types)
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	eb := NewEventBus(nil)
	defer eb.Shutdown()

	var (
		mu    sync.Mutex
		count int
	)
	eb.SubscribeAll(func(domain.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_ = eb.Publish(domain.Event{EventType: domain.ScanStarted})
	_ = eb.Publish(domain.Event{EventType: domain.DetectedReset})
	_ = eb.Publish(domain.Event{EventType: domain.SettingsUpdated})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	})
}

func TestEventBus_StoreFailureNotDelivered(t *testing.T) {
	eb := NewEventBus(failingStore{})
	defer eb.Shutdown()

	delivered := make(chan struct{}, 1)
	eb.Subscribe(domain.ScanStarted, func(domain.Event) { delivered <- struct{}{} })

	if err := eb.Publish(domain.Event{EventType: domain.ScanStarted}); err == nil {
		t.Fatal("expected persistence error")
	}
	select {
	case <-delivered:
		t.Error("event must not be delivered when persistence fails")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_DefaultsFilled(t *testing.T) {
	eb := NewEventBus(nil)
	defer eb.Shutdown()

	got := make(chan domain.Event, 1)
	eb.Subscribe(domain.ScanStarted, func(e domain.Event) { got <- e })
	_ = eb.Publish(domain.Event{EventType: domain.ScanStarted})

	select {
	case e := <-got:
		if e.CreatedAt.IsZero() || e.EventVersion != 1 {
			t.Errorf("defaults not applied: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventBus_ShutdownStopsHandlers(t *testing.T) {
	eb := NewEventBus(nil)
	eb.Subscribe(domain.ScanStarted, func(domain.Event) {})
	eb.SubscribeAll(func(domain.Event) {})

	done := make(chan struct{})
	go func() {
		eb.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return")
	}
}
