package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrConflict is returned by a Store when a row with the same Key
	// exists. The ledger resolves it; callers never see it.
	ErrConflict = errors.New("attendance record already exists")
	// ErrNotFound is returned by Store.Find and Store.Update for a missing Key.
	ErrNotFound = errors.New("attendance record not found")
	// ErrStorageUnavailable wraps every storage failure other than a
	// uniqueness conflict.
	ErrStorageUnavailable = errors.New("attendance storage unavailable")
)

// Store is the keyed record store behind the ledger. Implementations
// enforce uniqueness of Record.Key.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	// InsertBatch inserts every record or none of them.
	InsertBatch(ctx context.Context, recs []Record) error
	Find(ctx context.Context, key Key) (Record, error)
	// Update overwrites the status and timestamp of the row at rec.Key().
	Update(ctx context.Context, rec Record) error
	Enroll(ctx context.Context, classID string, studentIDs []string) error
	Enrolled(ctx context.Context, classID string) ([]string, error)
	Recorded(ctx context.Context, classID string, sessionDate time.Time) ([]string, error)
}

// MemoryStore is an in-process Store used by tests and single-node
// development setups.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[Key]Record
	enrolled map[string]map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[Key]Record),
		enrolled: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Key()]; ok {
		return ErrConflict
	}
	m.records[rec.Key()] = rec
	return nil
}

func (m *MemoryStore) InsertBatch(_ context.Context, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[Key]struct{}, len(recs))
	for _, rec := range recs {
		key := rec.Key()
		if _, ok := m.records[key]; ok {
			return ErrConflict
		}
		if _, ok := seen[key]; ok {
			return ErrConflict
		}
		seen[key] = struct{}{}
	}
	for _, rec := range recs {
		m.records[rec.Key()] = rec
	}
	return nil
}

func (m *MemoryStore) Find(_ context.Context, key Key) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Update(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[rec.Key()]
	if !ok {
		return ErrNotFound
	}
	existing.Status = rec.Status
	existing.Timestamp = rec.Timestamp
	m.records[rec.Key()] = existing
	return nil
}

func (m *MemoryStore) Enroll(_ context.Context, classID string, studentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	roster, ok := m.enrolled[classID]
	if !ok {
		roster = make(map[string]struct{})
		m.enrolled[classID] = roster
	}
	for _, id := range studentIDs {
		roster[id] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) Enrolled(_ context.Context, classID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.enrolled[classID]))
	for id := range m.enrolled[classID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Recorded(_ context.Context, classID string, sessionDate time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	date := DateString(sessionDate)
	var out []string
	for key := range m.records {
		if key.ClassID == classID && key.SessionDate == date {
			out = append(out, key.StudentID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Records returns every stored row ordered by class, date and student.
func (m *MemoryStore) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.ClassID != b.ClassID {
			return a.ClassID < b.ClassID
		}
		if a.SessionDate != b.SessionDate {
			return a.SessionDate < b.SessionDate
		}
		return a.StudentID < b.StudentID
	})
	return out
}
