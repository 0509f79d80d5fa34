package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"raffler/domain"
	"raffler/domain/entities"
	"raffler/domain/events"
	"raffler/domain/interfaces"
)

// raffleCacheService keeps the snapshot store aligned with the durable store.
// Store commit and cache write are separate steps; a crash between them leaves the cache stale
// until the next Invalidate and rebuild.
type raffleCacheService struct {
	store          interfaces.RaffleSnapshotStore
	uowFactory     interfaces.UnitOfWorkFactory
	eventPublisher interfaces.EventPublisher
	endedRetention int
}

// NewRaffleCacheService creates a new raffle cache service
func NewRaffleCacheService(
	store interfaces.RaffleSnapshotStore,
	uowFactory interfaces.UnitOfWorkFactory,
	eventPublisher interfaces.EventPublisher,
	endedRetention int,
) interfaces.RaffleCache {
	return &raffleCacheService{
		store:          store,
		uowFactory:     uowFactory,
		eventPublisher: eventPublisher,
		endedRetention: endedRetention,
	}
}

// GetAll returns the cached snapshot, rebuilding it from the store if needed
func (s *raffleCacheService) GetAll(ctx context.Context) (*entities.CacheSnapshot, error) {
	built, err := s.store.IsBuilt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check cache state: %w", err)
	}
	if !built {
		if err := s.rebuild(ctx); err != nil {
			return nil, err
		}
	}

	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache snapshot: %w", err)
	}
	sortSnapshot(snapshot)
	return snapshot, nil
}

// GetOne returns a raffle view from the expected bucket
func (s *raffleCacheService) GetOne(ctx context.Context, id uuid.UUID, bucket entities.Bucket) (*entities.RaffleView, error) {
	built, err := s.store.IsBuilt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check cache state: %w", err)
	}
	if !built {
		if err := s.rebuild(ctx); err != nil {
			return nil, err
		}
	}

	view, err := s.store.Get(ctx, id, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to read raffle %s from cache: %w", id, err)
	}
	if view == nil {
		return nil, &domain.RaffleNotInBucketError{RaffleID: id.String(), Bucket: string(bucket)}
	}
	return view, nil
}

// Upsert writes the raffle into the bucket matching its status, then broadcasts the snapshot
func (s *raffleCacheService) Upsert(ctx context.Context, raffle *entities.Raffle) error {
	view := entities.NewRaffleView(raffle)
	bucket := entities.BucketFor(raffle.Status)

	written, err := s.store.Put(ctx, &view, bucket)
	if err != nil {
		return fmt.Errorf("failed to write raffle %s to cache: %w", raffle.ID, err)
	}
	if !written {
		log.WithFields(log.Fields{
			"raffleID": raffle.ID,
			"version":  raffle.Version,
		}).Debug("Cached raffle is newer, skipping stale write")
	}

	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache snapshot: %w", err)
	}
	if bucket == entities.BucketEnded {
		snapshot, err = s.trimEnded(ctx, snapshot)
		if err != nil {
			return err
		}
	}
	sortSnapshot(snapshot)

	if err := s.eventPublisher.Publish(events.RaffleSnapshotEvent{Snapshot: *snapshot}); err != nil {
		log.WithError(err).Warn("Failed to broadcast raffle snapshot")
	}
	return nil
}

// Invalidate clears the cache so the next read rebuilds it
func (s *raffleCacheService) Invalidate(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear raffle cache: %w", err)
	}
	log.Info("Raffle cache invalidated")
	return nil
}

// rebuild loads active raffles and the most recent finished ones from the store
func (s *raffleCacheService) rebuild(ctx context.Context) error {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = uow.Rollback()
	}()

	active, err := uow.RaffleRepository().ListByStatus(ctx, entities.RaffleStatusActive)
	if err != nil {
		return fmt.Errorf("failed to list active raffles: %w", err)
	}
	finished, err := uow.RaffleRepository().ListFinished(ctx, s.endedRetention)
	if err != nil {
		return fmt.Errorf("failed to list finished raffles: %w", err)
	}

	snapshot := &entities.CacheSnapshot{
		Active: make([]entities.RaffleView, 0, len(active)),
		Ended:  make([]entities.RaffleView, 0, len(finished)),
	}
	for _, raffle := range active {
		if err := loadRaffleDetails(ctx, uow, raffle); err != nil {
			return err
		}
		snapshot.Active = append(snapshot.Active, entities.NewRaffleView(raffle))
	}
	for _, raffle := range finished {
		if err := loadRaffleDetails(ctx, uow, raffle); err != nil {
			return err
		}
		snapshot.Ended = append(snapshot.Ended, entities.NewRaffleView(raffle))
	}

	if err := s.store.Replace(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to repopulate raffle cache: %w", err)
	}

	log.WithFields(log.Fields{
		"active": len(snapshot.Active),
		"ended":  len(snapshot.Ended),
	}).Info("Rebuilt raffle cache from store")
	return nil
}

// trimEnded drops the oldest finished raffles beyond the retention window
func (s *raffleCacheService) trimEnded(ctx context.Context, snapshot *entities.CacheSnapshot) (*entities.CacheSnapshot, error) {
	if s.endedRetention <= 0 || len(snapshot.Ended) <= s.endedRetention {
		return snapshot, nil
	}
	sortSnapshot(snapshot)
	for _, view := range snapshot.Ended[s.endedRetention:] {
		id, err := uuid.Parse(view.ID)
		if err != nil {
			continue
		}
		if err := s.store.Remove(ctx, id, entities.BucketEnded); err != nil {
			return nil, fmt.Errorf("failed to trim ended raffle %s: %w", view.ID, err)
		}
	}
	snapshot.Ended = snapshot.Ended[:s.endedRetention]
	return snapshot, nil
}

// loadRaffleDetails attaches bets and winners to a raffle loaded without them
func loadRaffleDetails(ctx context.Context, uow interfaces.UnitOfWork, raffle *entities.Raffle) error {
	bets, err := uow.BetRepository().GetByRaffle(ctx, raffle.ID)
	if err != nil {
		return fmt.Errorf("failed to load bets of raffle %s: %w", raffle.ID, err)
	}
	winners, err := uow.WinnerRepository().GetByRaffle(ctx, raffle.ID)
	if err != nil {
		return fmt.Errorf("failed to load winners of raffle %s: %w", raffle.ID, err)
	}
	raffle.Bets = bets
	raffle.Winners = winners
	return nil
}

// sortSnapshot orders active raffles oldest first and ended raffles most recent first
func sortSnapshot(snapshot *entities.CacheSnapshot) {
	sort.SliceStable(snapshot.Active, func(i, j int) bool {
		return snapshot.Active[i].CreatedAt < snapshot.Active[j].CreatedAt
	})
	sort.SliceStable(snapshot.Ended, func(i, j int) bool {
		return endedKey(snapshot.Ended[i]) > endedKey(snapshot.Ended[j])
	})
}

func endedKey(v entities.RaffleView) string {
	if v.EndedAt != nil {
		return *v.EndedAt
	}
	return v.CreatedAt
}

// IsNotInBucket reports whether err says a raffle is missing from a cache bucket
func IsNotInBucket(err error) bool {
	var e *domain.RaffleNotInBucketError
	return errors.As(err, &e)
}
