package profiles

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps profiles in process memory.
type MemoryRepository struct {
	now func() time.Time

	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{now: time.Now, profiles: make(map[string]Profile)}
}

func (m *MemoryRepository) Get(_ context.Context, ownerID string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[ownerID]
	if !ok {
		return Profile{}, ErrNoFaceProfile
	}
	p.Embeddings = cloneEmbeddings(p.Embeddings)
	return p, nil
}

func (m *MemoryRepository) Save(_ context.Context, ownerID string, embeddings [][]float32, replace bool) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	p, exists := m.profiles[ownerID]
	if !exists {
		p = Profile{ID: uuid.New(), OwnerID: ownerID, CreatedAt: now}
	}
	if replace {
		p.Embeddings = nil
		p.Dimension = 0
	}

	dim, err := checkEmbeddings(ownerID, embeddings, p.Dimension)
	if err != nil {
		return Profile{}, err
	}
	p.Embeddings = append(cloneEmbeddings(p.Embeddings), cloneEmbeddings(embeddings)...)
	p.Dimension = dim
	p.UpdatedAt = now
	m.profiles[ownerID] = p

	p.Embeddings = cloneEmbeddings(p.Embeddings)
	return p, nil
}

func (m *MemoryRepository) Put(_ context.Context, p Profile) error {
	dim, err := checkEmbeddings(p.OwnerID, p.Embeddings, 0)
	if err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Dimension = dim
	p.Embeddings = cloneEmbeddings(p.Embeddings)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.OwnerID] = p
	return nil
}

func (m *MemoryRepository) List(_ context.Context) ([]Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		p.Embeddings = cloneEmbeddings(p.Embeddings)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

func (m *MemoryRepository) Delete(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[ownerID]; !ok {
		return ErrNoFaceProfile
	}
	delete(m.profiles, ownerID)
	return nil
}
