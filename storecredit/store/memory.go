// Package store provides in-memory storecredit.TxStore and
// storecredit.PaymentFinder implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/store-credit/storecredit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	writeMu  sync.Mutex
	nextID   storecredit.ID
	credits  map[storecredit.ID]storecredit.StoreCredit
	events   []storecredit.Event
	payments map[string]storecredit.Payment
	orders   map[string]storecredit.Order
}

func NewMemory() *Memory {
	return &Memory{
		credits:  make(map[storecredit.ID]storecredit.StoreCredit),
		payments: make(map[string]storecredit.Payment),
		orders:   make(map[string]storecredit.Order),
	}
}

// =============================================================================
// STORE CREDITS
// =============================================================================

func (m *Memory) InsertStoreCredit(_ context.Context, sc *storecredit.StoreCredit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(sc)
}

func (m *Memory) insertLocked(sc *storecredit.StoreCredit) error {
	m.nextID++
	sc.ID = m.nextID
	sc.Version = 1
	m.credits[sc.ID] = *sc
	return nil
}

func (m *Memory) GetStoreCredit(_ context.Context, id storecredit.ID) (storecredit.StoreCredit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id storecredit.ID) (storecredit.StoreCredit, error) {
	sc, ok := m.credits[id]
	if !ok {
		return storecredit.StoreCredit{}, fmt.Errorf("store credit %d: %w", id, storecredit.ErrStoreCreditNotFound)
	}
	return sc, nil
}

func (m *Memory) UpdateStoreCredit(_ context.Context, sc storecredit.StoreCredit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(sc)
}

func (m *Memory) updateLocked(sc storecredit.StoreCredit) error {
	current, err := m.getLocked(sc.ID)
	if err != nil {
		return err
	}
	if current.Version != sc.Version {
		return storecredit.ErrConcurrentModification
	}
	sc.Version++
	m.credits[sc.ID] = sc
	return nil
}

func (m *Memory) DeleteStoreCredit(_ context.Context, id storecredit.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Memory) deleteLocked(id storecredit.ID) error {
	if _, err := m.getLocked(id); err != nil {
		return err
	}
	delete(m.credits, id)
	return nil
}

func (m *Memory) ListStoreCredits(_ context.Context, userID storecredit.UserID) ([]storecredit.StoreCredit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(userID), nil
}

func (m *Memory) listLocked(userID storecredit.UserID) []storecredit.StoreCredit {
	var result []storecredit.StoreCredit
	for _, sc := range m.credits {
		if sc.UserID == userID {
			result = append(result, sc)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// =============================================================================
// EVENTS (append-only)
// =============================================================================

func (m *Memory) AppendEvent(_ context.Context, e storecredit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Events(_ context.Context, id storecredit.ID) ([]storecredit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventsLocked(id, nil), nil
}

func (m *Memory) EventsByAuthorizationCode(_ context.Context, id storecredit.ID, code string) ([]storecredit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventsLocked(id, &code), nil
}

func (m *Memory) UserEventsByAuthorizationCode(_ context.Context, userID storecredit.UserID, code string) ([]storecredit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []storecredit.Event
	for _, e := range m.events {
		if e.UserID == userID && e.AuthorizationCode == code {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) eventsLocked(id storecredit.ID, code *string) []storecredit.Event {
	var result []storecredit.Event
	for _, e := range m.events {
		if e.StoreCreditID != id {
			continue
		}
		if code != nil && e.AuthorizationCode != *code {
			continue
		}
		result = append(result, e)
	}
	return result
}

func (m *Memory) GetEvent(_ context.Context, id storecredit.EventID) (storecredit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events {
		if e.ID == id {
			return e, nil
		}
	}
	return storecredit.Event{}, fmt.Errorf("event %s: %w", id, storecredit.ErrEventNotFound)
}

// EventCount is the total number of events across all ledgers.
func (m *Memory) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// =============================================================================
// PAYMENTS (storecredit.PaymentFinder)
// =============================================================================

func (m *Memory) SaveOrder(_ context.Context, o storecredit.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

// SavePayment stores p. p.Order, if set, only needs its ID.
func (m *Memory) SavePayment(_ context.Context, p storecredit.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (*storecredit.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return m.withOrder(p), nil
}

func (m *Memory) FindPaymentByResponseCode(_ context.Context, code string) (*storecredit.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.ResponseCode == code {
			return m.withOrder(p), nil
		}
	}
	return nil, nil
}

func (m *Memory) withOrder(p storecredit.Payment) *storecredit.Payment {
	if p.Order != nil {
		if o, ok := m.orders[p.Order.ID]; ok {
			p.Order = &o
		}
	}
	return &p
}

// Reset clears all data. For demos only.
func (m *Memory) Reset(_ context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID = 0
	m.credits = make(map[storecredit.ID]storecredit.StoreCredit)
	m.events = nil
	m.payments = make(map[string]storecredit.Payment)
	m.orders = make(map[string]storecredit.Order)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn as a single writer. Writes go straight to the maps and
// are rolled back from a snapshot if fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(storecredit.Store) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

type memorySnapshot struct {
	nextID  storecredit.ID
	credits map[storecredit.ID]storecredit.StoreCredit
	events  int
}

func (m *Memory) snapshot() memorySnapshot {
	credits := make(map[storecredit.ID]storecredit.StoreCredit, len(m.credits))
	for k, v := range m.credits {
		credits[k] = v
	}
	return memorySnapshot{nextID: m.nextID, credits: credits, events: len(m.events)}
}

// restore relies on events being append-only: truncating drops exactly the
// events written since the snapshot.
func (m *Memory) restore(s memorySnapshot) {
	m.nextID = s.nextID
	m.credits = s.credits
	m.events = m.events[:s.events]
}
