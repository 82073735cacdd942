package escrow

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("escrow record not found")
	ErrStatusConflict  = errors.New("escrow record is not in an eligible status")
	ErrAgreementExists = errors.New("escrow record already exists for agreement")
)

// ListFilter narrows List output. The zero value matches every record.
type ListFilter struct {
	Status Status
}

// Store owns escrow record persistence. It is the only writer of status and
// contract reference fields; all transitions are per-record compare-and-set.
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns records in stable creation order.
	List(ctx context.Context, filter ListFilter) ([]*Record, error)
	// TransitionStatus moves the record to the target status only if its
	// current status is one of from; otherwise ErrStatusConflict.
	TransitionStatus(ctx context.Context, id string, to Status, from ...Status) error
	// SetReleased finalises a settlement: ReturningDeposit -> DepositReturned
	// with the release contract reference.
	SetReleased(ctx context.Context, id, contractRef string) error
	// SetReturnFailed reverts a failed settlement: ReturningDeposit ->
	// PendingReturn, recording the cause.
	SetReturnFailed(ctx context.Context, id, cause string) error
}

// MemoryStore keeps records in process. Reads return clones so concurrent
// display reads never observe a partial write.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// SetNowFunc overrides the time source, for deterministic test timestamps.
func (m *MemoryStore) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	m.now = now
}

func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.AgreementRef() == record.AgreementRef() {
			return ErrAgreementExists
		}
	}

	stored := record.Clone()
	ts := m.now()
	stored.CreatedAt = ts
	stored.UpdatedAt = ts
	m.records[stored.ID] = stored
	m.order = append(m.order, stored.ID)

	record.CreatedAt = stored.CreatedAt
	record.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.order))
	for _, id := range m.order {
		record := m.records[id]
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		out = append(out, record.Clone())
	}
	return out, nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, id string, to Status, from ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, to, eligibleFrom(to, from), func(r *Record) {})
}

func (m *MemoryStore) SetReleased(_ context.Context, id, contractRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, StatusDepositReturned, []Status{StatusReturningDeposit}, func(r *Record) {
		r.ContractRef = contractRef
		r.LastError = ""
	})
}

func (m *MemoryStore) SetReturnFailed(_ context.Context, id, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, StatusPendingReturn, []Status{StatusReturningDeposit}, func(r *Record) {
		r.LastError = cause
	})
}

func (m *MemoryStore) transitionLocked(id string, to Status, from []Status, apply func(*Record)) error {
	record, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if !statusIn(record.Status, from) {
		return ErrStatusConflict
	}
	record.Status = to
	record.UpdatedAt = m.now()
	apply(record)
	return nil
}

// eligibleFrom drops origins that would move a record backwards. The
// lifecycle is append-only, so a compare-and-set may only raise the rank;
// the named revert SetReturnFailed is the single exception and bypasses
// this filter.
func eligibleFrom(to Status, from []Status) []Status {
	out := make([]Status, 0, len(from))
	for _, s := range from {
		if s.rank() <= to.rank() {
			out = append(out, s)
		}
	}
	return out
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
