package payments

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository used by tests and the simulator.
type MemoryRepository struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Intent
	events []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]*Intent)}
}

func cloneIntent(i *Intent) *Intent {
	out := *i
	return &out
}

func (m *MemoryRepository) Create(_ context.Context, i Intent) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.byID {
		if existing.SessionID == i.SessionID {
			return nil, ErrSessionExists
		}
	}
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	now := time.Now().UTC()
	i.CreatedAt, i.UpdatedAt = now, now
	m.byID[i.ID] = cloneIntent(&i)
	return cloneIntent(&i), nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byID[id]; ok {
		return cloneIntent(i), nil
	}
	return nil, ErrIntentNotFound
}

func (m *MemoryRepository) GetBySession(_ context.Context, sessionID string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.byID {
		if i.SessionID == sessionID {
			return cloneIntent(i), nil
		}
	}
	return nil, ErrIntentNotFound
}

func (m *MemoryRepository) List(_ context.Context, status IntentStatus, limit int) ([]Intent, error) {
	return m.collect(limit, func(i *Intent) bool { return status == "" || i.Status == status }, func(a, b *Intent) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}), nil
}

func (m *MemoryRepository) Transition(_ context.Context, id uuid.UUID, from []IntentStatus, t Transition) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byID[id]
	if !ok || !slices.Contains(from, i.Status) {
		return nil, ErrIntentChanged
	}
	i.Status = t.To
	if t.PaymentRef != nil {
		i.PaymentRef = t.PaymentRef
	}
	if t.AppointmentID != nil {
		i.AppointmentID = t.AppointmentID
	}
	if t.RefundID != nil {
		i.RefundID = t.RefundID
	}
	if t.ErrorCode != nil {
		i.ErrorCode = t.ErrorCode
	}
	if t.ErrorMessage != nil {
		i.ErrorMessage = t.ErrorMessage
	}
	i.UpdatedAt = time.Now().UTC()
	return cloneIntent(i), nil
}

func (m *MemoryRepository) FindExpiredPending(_ context.Context, cutoff time.Time, limit int) ([]Intent, error) {
	return m.collect(limit, func(i *Intent) bool {
		return i.Status == IntentPending && !i.ExpiresAt.After(cutoff)
	}, func(a, b *Intent) bool {
		return a.ExpiresAt.Before(b.ExpiresAt)
	}), nil
}

func (m *MemoryRepository) collect(limit int, match func(*Intent) bool, less func(a, b *Intent) bool) []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []*Intent
	for _, i := range m.byID {
		if match(i) {
			hits = append(hits, i)
		}
	}
	sort.Slice(hits, func(a, b int) bool { return less(hits[a], hits[b]) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Intent, 0, len(hits))
	for _, i := range hits {
		out = append(out, *cloneIntent(i))
	}
	return out
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns the recorded event types in insertion order.
func (m *MemoryRepository) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

// ProcessedSet is an in-memory processed-event tracker.
type ProcessedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewProcessedSet() *ProcessedSet {
	return &ProcessedSet{seen: make(map[string]struct{})}
}

func (p *ProcessedSet) AlreadyProcessed(_ context.Context, provider, eventID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[provider+"/"+eventID]
	return ok, nil
}

func (p *ProcessedSet) MarkProcessed(_ context.Context, provider, eventID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := provider + "/" + eventID
	if _, ok := p.seen[key]; ok {
		return false, nil
	}
	p.seen[key] = struct{}{}
	return true, nil
}
