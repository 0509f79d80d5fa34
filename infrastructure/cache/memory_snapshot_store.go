package cache

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"raffler/domain/entities"
	"raffler/domain/interfaces"
)

// MemorySnapshotStore is a process-local RaffleSnapshotStore used when no Redis is configured
type MemorySnapshotStore struct {
	mu       sync.RWMutex
	buckets  map[entities.Bucket]map[string]entities.RaffleView
	versions map[string]int64
	built    bool
}

var _ interfaces.RaffleSnapshotStore = (*MemorySnapshotStore)(nil)

// NewMemorySnapshotStore creates an empty store
func NewMemorySnapshotStore() *MemorySnapshotStore {
	s := &MemorySnapshotStore{}
	s.reset()
	return s
}

func (s *MemorySnapshotStore) reset() {
	s.buckets = map[entities.Bucket]map[string]entities.RaffleView{
		entities.BucketActive: {},
		entities.BucketEnded:  {},
	}
	s.versions = make(map[string]int64)
	s.built = false
}

func (s *MemorySnapshotStore) IsBuilt(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.built, nil
}

func (s *MemorySnapshotStore) Replace(ctx context.Context, snapshot *entities.CacheSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range snapshot.Active {
		s.put(snapshot.Active[i], entities.BucketActive)
	}
	for i := range snapshot.Ended {
		s.put(snapshot.Ended[i], entities.BucketEnded)
	}
	s.built = true
	return nil
}

func (s *MemorySnapshotStore) Put(ctx context.Context, view *entities.RaffleView, bucket entities.Bucket) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(*view, bucket), nil
}

func (s *MemorySnapshotStore) put(view entities.RaffleView, bucket entities.Bucket) bool {
	if current, ok := s.versions[view.ID]; ok && current > view.Version {
		return false
	}
	for b, views := range s.buckets {
		if b != bucket {
			delete(views, view.ID)
		}
	}
	s.buckets[bucket][view.ID] = view
	s.versions[view.ID] = view.Version
	return true
}

func (s *MemorySnapshotStore) Get(ctx context.Context, id uuid.UUID, bucket entities.Bucket) (*entities.RaffleView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.buckets[bucket][id.String()]
	if !ok {
		return nil, nil
	}
	return &view, nil
}

func (s *MemorySnapshotStore) Remove(ctx context.Context, id uuid.UUID, bucket entities.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := id.String()
	if _, ok := s.buckets[bucket][key]; ok {
		delete(s.buckets[bucket], key)
		delete(s.versions, key)
	}
	return nil
}

func (s *MemorySnapshotStore) Snapshot(ctx context.Context) (*entities.CacheSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := &entities.CacheSnapshot{
		Active: make([]entities.RaffleView, 0, len(s.buckets[entities.BucketActive])),
		Ended:  make([]entities.RaffleView, 0, len(s.buckets[entities.BucketEnded])),
	}
	for _, view := range s.buckets[entities.BucketActive] {
		snapshot.Active = append(snapshot.Active, view)
	}
	for _, view := range s.buckets[entities.BucketEnded] {
		snapshot.Ended = append(snapshot.Ended, view)
	}
	return snapshot, nil
}

func (s *MemorySnapshotStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
