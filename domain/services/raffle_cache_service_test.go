package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffler/domain/entities"
	"raffler/domain/interfaces"
	"raffler/domain/testhelpers"
	"raffler/infrastructure/cache"
)

func seedFinishedRaffle(store *testhelpers.MemoryStore, endedAt time.Time, status entities.RaffleStatus) *entities.Raffle {
	raffle := &entities.Raffle{
		ID:           uuid.New(),
		Status:       status,
		TotalTickets: 10,
		TicketPrice:  decimal.NewFromInt(1),
		Prizes:       []entities.Prize{{Value: decimal.NewFromInt(5)}},
		Version:      2,
		CreatedAt:    endedAt.Add(-time.Hour),
		EndedAt:      &endedAt,
	}
	store.SeedRaffle(raffle)
	return raffle
}

func TestRaffleCacheService_RebuildMatchesStore(t *testing.T) {
	t.Parallel()
	f := NewPipelineFixture(t)

	open := f.CreateRaffle(10, 2, 5)
	_, err := f.Buy(open.ID, f.FundAccount(50), 3)
	require.NoError(t, err)
	second := f.CreateRaffle(4, 2, 5)
	_, err = f.Draws.Finish(f.Ctx, second.ID, interfaces.TriggerForceFinish)
	require.NoError(t, err)
	cancelled := f.CreateRaffle(4, 2, 5)
	_, err = f.Raffles.Cancel(f.Ctx, cancelled.ID)
	require.NoError(t, err)

	live, err := f.Cache.GetAll(f.Ctx)
	require.NoError(t, err)

	require.NoError(t, f.Cache.Invalidate(f.Ctx))
	built, err := f.Snapshots.IsBuilt(f.Ctx)
	require.NoError(t, err)
	assert.False(t, built)

	rebuilt, err := f.Cache.GetAll(f.Ctx)
	require.NoError(t, err)

	assert.Equal(t, viewIDs(live.Active), viewIDs(rebuilt.Active))
	assert.ElementsMatch(t, viewIDs(live.Ended), viewIDs(rebuilt.Ended))
	assert.Equal(t, []string{open.ID.String()}, viewIDs(rebuilt.Active))
	assert.ElementsMatch(t, []string{second.ID.String(), cancelled.ID.String()}, viewIDs(rebuilt.Ended))

	// Rebuilt views carry the same bets and counters as the live ones
	liveOpen := live.Find(open.ID, entities.BucketActive)
	rebuiltOpen := rebuilt.Find(open.ID, entities.BucketActive)
	require.NotNil(t, rebuiltOpen)
	assert.Equal(t, liveOpen.TicketsBought, rebuiltOpen.TicketsBought)
	assert.Equal(t, liveOpen.Bets, rebuiltOpen.Bets)
	assert.Equal(t, liveOpen.Version, rebuiltOpen.Version)
}

func TestRaffleCacheService_RebuildHonorsRetention(t *testing.T) {
	t.Parallel()
	store := testhelpers.NewMemoryStore(nil)
	snapshots := cache.NewMemorySnapshotStore()
	service := NewRaffleCacheService(snapshots, store, testhelpers.NewRecordingPublisher(), 2)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	oldest := seedFinishedRaffle(store, base, entities.RaffleStatusEnded)
	middle := seedFinishedRaffle(store, base.Add(time.Hour), entities.RaffleStatusCancelled)
	newest := seedFinishedRaffle(store, base.Add(2*time.Hour), entities.RaffleStatusEnded)

	snapshot, err := service.GetAll(ctx)
	require.NoError(t, err)

	assert.Empty(t, snapshot.Active)
	assert.Equal(t, []string{newest.ID.String(), middle.ID.String()}, viewIDs(snapshot.Ended))

	_, err = service.GetOne(ctx, oldest.ID, entities.BucketEnded)
	assert.True(t, IsNotInBucket(err))
}

func TestRaffleCacheService_UpsertTrimsEndedBucket(t *testing.T) {
	t.Parallel()
	store := testhelpers.NewMemoryStore(nil)
	snapshots := cache.NewMemorySnapshotStore()
	publisher := testhelpers.NewRecordingPublisher()
	service := NewRaffleCacheService(snapshots, store, publisher, 2)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 4; i++ {
		raffle := seedFinishedRaffle(store, base.Add(time.Duration(i)*time.Hour), entities.RaffleStatusEnded)
		require.NoError(t, service.Upsert(ctx, raffle))
		ids = append(ids, raffle.ID.String())
	}

	snapshot, err := service.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[3], ids[2]}, viewIDs(snapshot.Ended))

	last := publisher.LastSnapshot()
	require.NotNil(t, last)
	assert.Equal(t, []string{ids[3], ids[2]}, viewIDs(last.Snapshot.Ended))
}

func TestRaffleCacheService_GetOneBuckets(t *testing.T) {
	t.Parallel()
	f := NewPipelineFixture(t)
	raffle := f.CreateRaffle(10, 1, 5)

	view, err := f.Cache.GetOne(f.Ctx, raffle.ID, entities.BucketActive)
	require.NoError(t, err)
	assert.Equal(t, raffle.ID.String(), view.ID)

	_, err = f.Cache.GetOne(f.Ctx, raffle.ID, entities.BucketEnded)
	require.Error(t, err)
	assert.True(t, IsNotInBucket(err))
	assert.Contains(t, err.Error(), "ended")

	_, err = f.Cache.GetOne(f.Ctx, uuid.New(), entities.BucketActive)
	assert.True(t, IsNotInBucket(err))
}

func TestRaffleCacheService_StaleWriteIgnored(t *testing.T) {
	t.Parallel()
	f := NewPipelineFixture(t)
	raffle := f.CreateRaffle(10, 1, 5)
	_, err := f.Buy(raffle.ID, f.FundAccount(10), 2)
	require.NoError(t, err)

	// An upsert carrying the creation-time version must not roll the view back
	require.NoError(t, f.Cache.Upsert(f.Ctx, raffle))

	view, err := f.Cache.GetOne(f.Ctx, raffle.ID, entities.BucketActive)
	require.NoError(t, err)
	assert.Equal(t, "2", view.TicketsBought)
	assert.Len(t, view.Bets, 1)
}

func TestRaffleCacheService_ActiveSortedByCreation(t *testing.T) {
	t.Parallel()
	store := testhelpers.NewMemoryStore(nil)
	service := NewRaffleCacheService(cache.NewMemorySnapshotStore(), store, testhelpers.NewRecordingPublisher(), 5)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var want []string
	for i := 0; i < 3; i++ {
		raffle := &entities.Raffle{
			ID:           uuid.New(),
			Status:       entities.RaffleStatusActive,
			TotalTickets: 10,
			TicketPrice:  decimal.NewFromInt(1),
			Prizes:       []entities.Prize{{Value: decimal.NewFromInt(5)}},
			Version:      1,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		store.SeedRaffle(raffle)
		want = append(want, raffle.ID.String())
	}
	// Insert out of order to make sure ordering comes from creation time
	for _, i := range []int{2, 0, 1} {
		id := uuid.MustParse(want[i])
		require.NoError(t, service.Upsert(ctx, store.Raffle(id)))
	}

	snapshot, err := service.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, viewIDs(snapshot.Active))
}

func TestRaffleCacheService_CacheFailureInvalidates(t *testing.T) {
	t.Parallel()
	store := testhelpers.NewMemoryStore(nil)
	snapshots := &failingSnapshotStore{MemorySnapshotStore: cache.NewMemorySnapshotStore()}
	service := NewRaffleCacheService(snapshots, store, testhelpers.NewRecordingPublisher(), 5)
	ctx := context.Background()

	raffle := &entities.Raffle{
		ID:           uuid.New(),
		Status:       entities.RaffleStatusActive,
		TotalTickets: 10,
		TicketPrice:  decimal.NewFromInt(1),
		Prizes:       []entities.Prize{{Value: decimal.NewFromInt(5)}},
		Version:      1,
		CreatedAt:    time.Now(),
	}
	store.SeedRaffle(raffle)
	_, err := service.GetAll(ctx)
	require.NoError(t, err)

	snapshots.failPut = true
	syncCache(ctx, service, raffle)

	built, err := snapshots.IsBuilt(ctx)
	require.NoError(t, err)
	assert.False(t, built)

	// The next read rebuilds from the store
	snapshots.failPut = false
	view, err := service.GetOne(ctx, raffle.ID, entities.BucketActive)
	require.NoError(t, err)
	assert.Equal(t, raffle.ID.String(), view.ID)
}

type failingSnapshotStore struct {
	*cache.MemorySnapshotStore
	failPut bool
}

func (s *failingSnapshotStore) Put(ctx context.Context, view *entities.RaffleView, bucket entities.Bucket) (bool, error) {
	if s.failPut {
		return false, errors.New("redis: connection refused")
	}
	return s.MemorySnapshotStore.Put(ctx, view, bucket)
}

func viewIDs(views []entities.RaffleView) []string {
	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	return ids
}
