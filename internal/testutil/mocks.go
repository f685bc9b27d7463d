// Package testutil provides test utilities including mocks, fixtures, and test database helpers.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mescon/contentguardian/internal/clock"
	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/eventbus"
)

// =============================================================================
// MockClock - Testable time abstraction
// =============================================================================

// MockClock is a Clock whose time only moves when told to. Sleep returns
// immediately and advances the clock by the requested duration.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// Compile-time assertion that MockClock implements clock.Clock
var _ clock.Clock = (*MockClock)(nil)

// NewMockClock creates a new MockClock with the current time as initial value.
func NewMockClock() *MockClock {
	return &MockClock{now: time.Now()}
}

// NewMockClockAt creates a new MockClock with a specific initial time.
func NewMockClockAt(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// SetNow sets the mock's current time.
func (m *MockClock) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves time forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Sleep records d and advances the clock without blocking.
func (m *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleeps = append(m.sleeps, d)
	m.now = m.now.Add(d)
	return nil
}

// Sleeps returns every duration passed to Sleep, in order.
func (m *MockClock) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}

// =============================================================================
// MockPageSource - scripted page listing
// =============================================================================

// MockPageSource serves page batches keyed by cursor ("" is the first batch).
// Lookups run concurrently in the scanner, so every field access is locked.
type MockPageSource struct {
	mu sync.Mutex

	Batches    map[string]domain.PageBatch
	FetchErr   map[string]error
	Children   map[string]bool
	ChildErr   map[string]error
	SpaceKeys  map[string]string
	SpaceErr   map[string]error
	FetchCalls []string
	ChildCalls []string
	SpaceCalls []string
}

// NewMockPageSource creates an empty source. An unknown cursor yields an empty batch.
func NewMockPageSource() *MockPageSource {
	return &MockPageSource{
		Batches:   make(map[string]domain.PageBatch),
		FetchErr:  make(map[string]error),
		Children:  make(map[string]bool),
		ChildErr:  make(map[string]error),
		SpaceKeys: make(map[string]string),
		SpaceErr:  make(map[string]error),
	}
}

// AddBatch registers the batch served for cursor. next == "" ends the listing.
func (m *MockPageSource) AddBatch(cursor, next string, pages ...domain.PageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := domain.PageBatch{Items: pages}
	if next != "" {
		b.NextCursor = Cursor(next)
	}
	m.Batches[cursor] = b
}

// FailAt makes fetching cursor fail with err.
func (m *MockPageSource) FailAt(cursor string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchErr[cursor] = err
}

// ClearFailure removes a failure registered with FailAt.
func (m *MockPageSource) ClearFailure(cursor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.FetchErr, cursor)
}

func (m *MockPageSource) FetchPageBatch(ctx context.Context, cursor *string, limit int) (*domain.PageBatch, error) {
	key := ""
	if cursor != nil {
		key = *cursor
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchCalls = append(m.FetchCalls, key)
	if err := m.FetchErr[key]; err != nil {
		return nil, err
	}
	b := m.Batches[key]
	items := b.Items
	if limit > 0 && len(items) > limit {
		return nil, fmt.Errorf("batch for %q exceeds limit %d", key, limit)
	}
	return &domain.PageBatch{Items: append([]domain.PageRecord(nil), items...), NextCursor: b.NextCursor}, nil
}

func (m *MockPageSource) HasChildren(ctx context.Context, pageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChildCalls = append(m.ChildCalls, pageID)
	if err := m.ChildErr[pageID]; err != nil {
		return false, err
	}
	return m.Children[pageID], nil
}

func (m *MockPageSource) ResolveSpaceKey(ctx context.Context, spaceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SpaceCalls = append(m.SpaceCalls, spaceID)
	if err := m.SpaceErr[spaceID]; err != nil {
		return "", err
	}
	key, ok := m.SpaceKeys[spaceID]
	if !ok {
		return "", fmt.Errorf("unknown space %s", spaceID)
	}
	return key, nil
}

// CallCounts returns the number of fetch, children and space calls so far.
func (m *MockPageSource) CallCounts() (fetch, children, space int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.FetchCalls), len(m.ChildCalls), len(m.SpaceCalls)
}

// =============================================================================
// MockPageActions - remote side effects of bulk actions
// =============================================================================

// MockPageActions records archive, label and property calls.
type MockPageActions struct {
	mu sync.Mutex

	ArchiveErr  map[string]error
	LabelErr    map[string]error
	PropertyErr map[string]error

	Archived   []string
	Labels     map[string][]string
	Properties map[string]interface{}
}

// NewMockPageActions creates a mock where every call succeeds.
func NewMockPageActions() *MockPageActions {
	return &MockPageActions{
		ArchiveErr:  make(map[string]error),
		LabelErr:    make(map[string]error),
		PropertyErr: make(map[string]error),
		Labels:      make(map[string][]string),
		Properties:  make(map[string]interface{}),
	}
}

func (m *MockPageActions) ArchivePage(ctx context.Context, pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ArchiveErr[pageID]; err != nil {
		return err
	}
	m.Archived = append(m.Archived, pageID)
	return nil
}

func (m *MockPageActions) AddLabels(ctx context.Context, pageID string, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.LabelErr[pageID]; err != nil {
		return err
	}
	m.Labels[pageID] = append(m.Labels[pageID], names...)
	return nil
}

func (m *MockPageActions) SetContentProperty(ctx context.Context, pageID, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.PropertyErr[pageID]; err != nil {
		return err
	}
	m.Properties[pageID+"/"+key] = value
	return nil
}

// CallTotal returns how many remote calls succeeded.
func (m *MockPageActions) CallTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.Archived) + len(m.Properties)
	for _, l := range m.Labels {
		n += len(l)
	}
	return n
}

// =============================================================================
// MockEventBus
// =============================================================================

// MockEventBus captures published events and calls subscribers synchronously.
type MockEventBus struct {
	mu              sync.Mutex
	PublishedEvents []domain.Event
	Subscribers     map[domain.EventType][]func(domain.Event)
}

// Compile-time assertion that MockEventBus implements eventbus.Publisher
var _ eventbus.Publisher = (*MockEventBus)(nil)

// NewMockEventBus creates a new mock event bus.
func NewMockEventBus() *MockEventBus {
	return &MockEventBus{
		Subscribers: make(map[domain.EventType][]func(domain.Event)),
	}
}

// Publish stores the event and notifies subscribers synchronously.
func (m *MockEventBus) Publish(event domain.Event) error {
	m.mu.Lock()
	m.PublishedEvents = append(m.PublishedEvents, event)
	subscribers := m.Subscribers[event.EventType]
	m.mu.Unlock()

	for _, handler := range subscribers {
		handler(event)
	}
	return nil
}

// Subscribe registers a handler for the given event type.
func (m *MockEventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscribers[eventType] = append(m.Subscribers[eventType], handler)
}

// GetEvents returns all published events of a given type.
func (m *MockEventBus) GetEvents(eventType domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.Event
	for _, e := range m.PublishedEvents {
		if e.EventType == eventType {
			result = append(result, e)
		}
	}
	return result
}

// EventCount returns the number of events of a given type.
func (m *MockEventBus) EventCount(eventType domain.EventType) int {
	return len(m.GetEvents(eventType))
}

// LastEvent returns the most recently published event, or nil if none.
func (m *MockEventBus) LastEvent() *domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.PublishedEvents) == 0 {
		return nil
	}
	e := m.PublishedEvents[len(m.PublishedEvents)-1]
	return &e
}
