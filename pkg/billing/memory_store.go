package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-process setups.
// Each tenant gets its own lock channel, so reconciliation for different
// tenants proceeds in parallel while events for one tenant serialize.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
	// byCustomer indexes processor customer ID to tenant.
	byCustomer map[string]uuid.UUID
	ledger     map[string]ProcessedEvent
	locks      map[uuid.UUID]chan struct{}

	lockTimeout time.Duration
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryLockTimeout bounds how long WithTenantLock waits for the tenant
// lock. Defaults to 5s.
func WithMemoryLockTimeout(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewMemoryStore creates an empty in-memory billing store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		records:     make(map[uuid.UUID]*Record),
		byCustomer:  make(map[string]uuid.UUID),
		ledger:      make(map[string]ProcessedEvent),
		locks:       make(map[uuid.UUID]chan struct{}),
		lockTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, tenantID uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[tenantID]; ok {
		return existing.Clone(), nil
	}
	record := NewRecord(tenantID)
	s.records[tenantID] = record
	return record.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryStore) FindByProcessorCustomerID(ctx context.Context, customerID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenantID, ok := s.byCustomer[customerID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return s.records[tenantID].Clone(), nil
}

func (s *MemoryStore) ExpiringBetween(ctx context.Context, from, to time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, record := range s.records {
		if record.ValidUntil == nil {
			continue
		}
		until := record.ValidUntil.UTC()
		if until.Before(from) || until.After(to) {
			continue
		}
		out = append(out, record.Clone())
	}
	return out, nil
}

func (s *MemoryStore) WithTenantLock(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	lock := s.locks[tenantID]
	if lock == nil {
		lock = make(chan struct{}, 1)
		s.locks[tenantID] = lock
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
		defer func() { <-lock }()
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	// The snapshot must be taken under the tenant lock: cloning before
	// acquisition would let two callers start from the same state and the
	// later commit silently drop the earlier one.
	s.mu.RLock()
	record, ok := s.records[tenantID]
	var working *Record
	if ok {
		working = record.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return ErrTenantNotFound
	}

	tx := &memoryTx{store: s, record: working}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memoryTx stages mutations while the tenant lock is held and commits them
// in one critical section afterwards.
type memoryTx struct {
	store  *MemoryStore
	record *Record
	dirty  bool
	staged []ProcessedEvent
}

func (tx *memoryTx) Record() *Record { return tx.record }

// Save stages the record as given; timestamps are the caller's concern, so
// clocks injected via WithClock stay authoritative.
func (tx *memoryTx) Save(ctx context.Context, r *Record) error {
	tx.record = r
	tx.dirty = true
	return nil
}

func (tx *memoryTx) EventSeen(ctx context.Context, eventID string) (bool, error) {
	for _, e := range tx.staged {
		if e.EventID == eventID {
			return true, nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.ledger[eventID]
	return ok, nil
}

func (tx *memoryTx) MarkProcessed(ctx context.Context, entry ProcessedEvent) error {
	tx.staged = append(tx.staged, entry)
	return nil
}

func (tx *memoryTx) commit() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if tx.dirty {
		old := tx.store.records[tx.record.TenantID]
		if old != nil && old.ProcessorCustomerID != "" && old.ProcessorCustomerID != tx.record.ProcessorCustomerID {
			delete(tx.store.byCustomer, old.ProcessorCustomerID)
		}
		tx.store.records[tx.record.TenantID] = tx.record.Clone()
		if tx.record.ProcessorCustomerID != "" {
			tx.store.byCustomer[tx.record.ProcessorCustomerID] = tx.record.TenantID
		}
	}
	for _, e := range tx.staged {
		tx.store.ledger[e.EventID] = e
	}
}
