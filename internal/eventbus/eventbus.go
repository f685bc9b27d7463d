package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/logger"
)

// Publisher defines the interface for publishing events.
// This interface enables testing with mock implementations.
type Publisher interface {
	Publish(event domain.Event) error
	Subscribe(eventType domain.EventType, handler func(domain.Event))
}

// Store persists events before they are fanned out. *db.Repository satisfies it.
type Store interface {
	InsertEvent(ctx context.Context, e *domain.Event) (int64, error)
}

// Ensure EventBus implements Publisher
var _ Publisher = (*EventBus)(nil)

// EventBus stores every event and then delivers it to in-process subscribers.
// Delivery is asynchronous; a subscriber with a full buffer misses events.
type EventBus struct {
	store       Store
	subscribers map[domain.EventType][]chan domain.Event
	all         []chan domain.Event
	mu          sync.RWMutex
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// NewEventBus creates a bus. A nil store disables persistence.
func NewEventBus(store Store) *EventBus {
	return &EventBus{
		store:       store,
		subscribers: make(map[domain.EventType][]chan domain.Event),
		stopChan:    make(chan struct{}),
	}
}

func (eb *EventBus) Publish(event domain.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.EventVersion == 0 {
		event.EventVersion = 1
	}

	if eb.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		id, err := eb.store.InsertEvent(ctx, &event)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to persist event: %w", err)
		}
		event.ID = id
	}
	logger.Debugf("EventBus: published %s (ID: %d, AggregateID: %s)", event.EventType, event.ID, event.AggregateID)

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.EventType] {
		deliver(ch, event)
	}
	for _, ch := range eb.all {
		deliver(ch, event)
	}
	return nil
}

func deliver(ch chan domain.Event, event domain.Event) {
	select {
	case ch <- event:
	default:
		logger.Debugf("EventBus: subscriber buffer full, dropping %s", event.EventType)
	}
}

// Subscribe registers handler for one event type.
func (eb *EventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	ch := make(chan domain.Event, 100)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	eb.mu.Unlock()

	eb.run(ch, handler)
}

// SubscribeAll registers handler for every event type.
func (eb *EventBus) SubscribeAll(handler func(domain.Event)) {
	ch := make(chan domain.Event, 256)

	eb.mu.Lock()
	eb.all = append(eb.all, ch)
	eb.mu.Unlock()

	eb.run(ch, handler)
}

func (eb *EventBus) run(ch chan domain.Event, handler func(domain.Event)) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event := <-ch:
				handler(event)
			case <-eb.stopChan:
				return
			}
		}
	}()
}

// Shutdown stops all subscriber goroutines and waits for them to finish
func (eb *EventBus) Shutdown() {
	close(eb.stopChan)
	eb.wg.Wait()
	logger.Infof("EventBus shutdown complete")
}
