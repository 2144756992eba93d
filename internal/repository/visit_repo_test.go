package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tably/crossed-paths/internal/db"
	"github.com/tably/crossed-paths/internal/repository"
)

// setup in-memory DB
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&db.User{}, &db.Visit{}, &db.CrossEvent{}, &db.CrossLog{}, &db.CrossedPath{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return database
}

func newVisit(userID uint64, name string, visitedAt time.Time) *db.Visit {
	return &db.Visit{
		UserID:         userID,
		RestaurantName: name,
		RestaurantKey:  repository.RestaurantKeyFor("", name),
		VisitedAt:      visitedAt,
	}
}

func TestRestaurantKeyFor(t *testing.T) {
	// external reference wins over the name
	assert.Equal(t, "id:abc123", repository.RestaurantKeyFor("abc123", "Joe's Diner"))

	// names normalize case-insensitively with collapsed whitespace
	assert.Equal(t,
		repository.RestaurantKeyFor("", "Joe's   Diner"),
		repository.RestaurantKeyFor("", "  joe's diner "),
	)
	assert.NotEqual(t,
		repository.RestaurantKeyFor("", "Joe's Diner"),
		repository.RestaurantKeyFor("", "Cafe Verde"),
	)
}

func TestListByUser_RecentFirst(t *testing.T) {
	ctx := context.Background()
	dbase := setupTestDB(t)
	repo := repository.NewVisitRepository(dbase)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, newVisit(1, "Cafe X", base)))
	require.NoError(t, repo.Create(ctx, newVisit(1, "Cafe Y", base.Add(2*time.Hour))))
	require.NoError(t, repo.Create(ctx, newVisit(2, "Cafe X", base.Add(time.Hour))))

	visits, err := repo.ListByUser(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, visits, 2)
	assert.Equal(t, "Cafe Y", visits[0].RestaurantName)
	assert.Equal(t, "Cafe X", visits[1].RestaurantName)

	visits, err = repo.ListByUser(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, "Cafe Y", visits[0].RestaurantName)
}

func TestUnmatchedVisitBacklog(t *testing.T) {
	ctx := context.Background()
	dbase := setupTestDB(t)
	repo := repository.NewVisitRepository(dbase)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	first := newVisit(1, "Cafe X", base)
	second := newVisit(2, "Cafe X", base.Add(time.Hour))
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	// stamped visits drop out of the backlog
	require.NoError(t, repo.MarkMatched(ctx, first.ID, base.Add(time.Second)))

	unmatched, err := repo.ListUnmatched(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, second.ID, unmatched[0].ID)

	// visits younger than the cutoff stay out of the backlog
	unmatched, err = repo.ListUnmatched(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, unmatched)
}

func TestFindCandidates_WindowCorrectness(t *testing.T) {
	ctx := context.Background()
	dbase := setupTestDB(t)
	repo := repository.NewVisitRepository(dbase)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// user 2: 12h later, inside the window
	require.NoError(t, repo.Create(ctx, newVisit(2, "Cafe X", base.Add(12*time.Hour))))
	// user 3: 10 days later, outside the window
	require.NoError(t, repo.Create(ctx, newVisit(3, "Cafe X", base.Add(10*24*time.Hour))))
	// user 4: same window, different restaurant
	require.NoError(t, repo.Create(ctx, newVisit(4, "Cafe Y", base.Add(time.Hour))))

	visit := newVisit(1, "Cafe X", base)
	require.NoError(t, repo.Create(ctx, visit))

	candidates, err := repo.FindCandidates(ctx, visit, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, uint64(2), candidates[0].OtherUserID)
}

func TestFindCandidates_ClosestVisitPerUser(t *testing.T) {
	ctx := context.Background()
	dbase := setupTestDB(t)
	repo := repository.NewVisitRepository(dbase)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// user 2 visited twice within the window; only the closer one qualifies
	require.NoError(t, repo.Create(ctx, newVisit(2, "Cafe X", base.Add(5*time.Hour))))
	require.NoError(t, repo.Create(ctx, newVisit(2, "Cafe X", base.Add(time.Hour))))

	visit := newVisit(1, "Cafe X", base)
	require.NoError(t, repo.Create(ctx, visit))

	candidates, err := repo.FindCandidates(ctx, visit, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.WithinDuration(t, base.Add(time.Hour), candidates[0].OtherVisit.VisitedAt, time.Second)
}

func TestFindCandidates_NoMatchIsEmpty(t *testing.T) {
	ctx := context.Background()
	dbase := setupTestDB(t)
	repo := repository.NewVisitRepository(dbase)

	visit := newVisit(1, "Nowhere Special", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, repo.Create(ctx, visit))

	candidates, err := repo.FindCandidates(ctx, visit, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestFindCandidates_ExcludesOwnVisits(t *testing.T) {
	ctx := context.Background()
	dbase := setupTestDB(t)
	repo := repository.NewVisitRepository(dbase)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, newVisit(1, "Cafe X", base.Add(-2*time.Hour))))

	visit := newVisit(1, "Cafe X", base)
	require.NoError(t, repo.Create(ctx, visit))

	candidates, err := repo.FindCandidates(ctx, visit, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
