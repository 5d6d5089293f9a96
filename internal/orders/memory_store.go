package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*Order
	events      map[string][]*Event
	disputes    []*Dispute
	nextEventID int64
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		events: make(map[string][]*Event),
	}
}

func (m *MemoryStore) Create(ctx context.Context, order *Order, events ...*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return errors.New("order already exists")
	}
	order.Version = 1
	m.orders[order.ID] = order.clone()
	m.appendEvents(events)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) Apply(ctx context.Context, ch Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[ch.Order.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != ch.Order.Version {
		return ErrConflict
	}

	disputeIdx := -1
	if ch.Dispute != nil && ch.Dispute.ID != 0 {
		for i, d := range m.disputes {
			if d.ID == ch.Dispute.ID {
				disputeIdx = i
				break
			}
		}
		if disputeIdx < 0 {
			return errors.New("dispute not found")
		}
	}

	ch.Order.Version++
	m.orders[ch.Order.ID] = ch.Order.clone()
	m.appendEvents(ch.Events)

	if ch.Dispute != nil {
		if disputeIdx >= 0 {
			cp := *ch.Dispute
			m.disputes[disputeIdx] = &cp
		} else {
			ch.Dispute.ID = int64(len(m.disputes) + 1)
			cp := *ch.Dispute
			m.disputes = append(m.disputes, &cp)
		}
	}
	return nil
}

// appendEvents assigns ids in insertion order. Callers hold m.mu.
func (m *MemoryStore) appendEvents(events []*Event) {
	for _, e := range events {
		m.nextEventID++
		e.ID = m.nextEventID
		cp := *e
		m.events[e.OrderID] = append(m.events[e.OrderID], &cp)
	}
}

func (m *MemoryStore) ListEvents(ctx context.Context, orderID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.events[orderID]
	result := make([]*Event, 0, len(stored))
	for _, e := range stored {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) GetPendingDispute(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.OrderID == orderID && d.Status == DisputePending {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNoPendingDispute
}

func (m *MemoryStore) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*DisputeView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*DisputeView
	for i := len(m.disputes) - 1; i >= 0 && len(result) < limit; i-- {
		d := m.disputes[i]
		if status != "" && d.Status != status {
			continue
		}
		v := &DisputeView{Dispute: *d}
		if o, ok := m.orders[d.OrderID]; ok {
			v.ProductName = o.ProductName
			v.ProductPrice = o.ProductPrice
			v.SellerName = o.SellerName
			v.SellerPhone = o.SellerPhone
			v.BuyerName = o.BuyerName
			v.BuyerPhone = o.BuyerPhone
			v.OrderStatus = o.Status
		}
		result = append(result, v)
	}
	return result, nil
}

func (m *MemoryStore) ListAwaitingPayment(ctx context.Context, olderThan time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status == StatusPending && o.PaymentRef != "" && o.UpdatedAt.Before(olderThan) {
			result = append(result, o.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountSellerOrdersSince(ctx context.Context, sellerPhone string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, o := range m.orders {
		if o.SellerPhone == sellerPhone && !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
