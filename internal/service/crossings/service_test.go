package crossings_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tably/crossed-paths/internal/app"
	"github.com/tably/crossed-paths/internal/cache"
	"github.com/tably/crossed-paths/internal/config"
	"github.com/tably/crossed-paths/internal/db"
	svcErr "github.com/tably/crossed-paths/internal/errors"
	"github.com/tably/crossed-paths/internal/service/crossings"
)

//
// Test helpers
//

// recordingInviter captures the hand-off to the external event workflow.
type recordingInviter struct {
	invites []crossings.DinnerInvite
}

func (r *recordingInviter) CreateDinnerInvite(_ context.Context, invite crossings.DinnerInvite) error {
	r.invites = append(r.invites, invite)
	return nil
}

type testEnv struct {
	svc     *crossings.Service
	db      *gorm.DB
	cache   *cache.RedisCache
	inviter *recordingInviter
}

// seedUsers inserts a small deterministic user set:
// alice (1), bob (2), carol (3). User 999 intentionally has no profile.
func seedUsers(t *testing.T, gdb *gorm.DB) {
	t.Helper()

	users := []db.User{
		{ID: 1, Username: "alice", Email: "alice@test.com", PasswordHash: "x", DisplayName: "Alice", City: "London", DiningStyle: "brunch"},
		{ID: 2, Username: "bob", Email: "bob@test.com", PasswordHash: "x", DisplayName: "Bob", City: "London", DietaryPreferences: "vegetarian"},
		{ID: 3, Username: "carol", Email: "carol@test.com", PasswordHash: "x", DisplayName: "Carol", City: "Leeds"},
	}
	require.NoError(t, gdb.Create(&users).Error)
}

// setupService spins up an in-memory SQLite DB, applies migrations, seeds
// users, starts a miniredis, and wires everything into a crossings Service.
//
// Each test gets its own isolated DB + Redis.
func setupService(t *testing.T) *testEnv {
	t.Helper()

	dbName := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	dbase, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{
		NowFunc:                func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	sqlDB, err := dbase.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(dbase))
	seedUsers(t, dbase)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()

	redisCache := cache.NewRedisCache(cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // discard logs in tests

	appCtx := app.New(dbase, redisCache, logger)
	inviter := &recordingInviter{}
	return &testEnv{
		svc:     crossings.NewService(appCtx, cfg, inviter),
		db:      dbase,
		cache:   redisCache,
		inviter: inviter,
	}
}

func visitAt(name string, t time.Time) (crossings.RestaurantIdentity, time.Time) {
	return crossings.RestaurantIdentity{Name: name}, t
}

//
// Tests
//

func TestRecordVisit_RejectsMalformedInput(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	now := time.Now().UTC()

	bad := []struct {
		name      string
		userID    uint64
		ident     crossings.RestaurantIdentity
		visitedAt time.Time
	}{
		{"missing restaurant", 1, crossings.RestaurantIdentity{}, now},
		{"blank name", 1, crossings.RestaurantIdentity{Name: "   "}, now},
		{"future timestamp", 1, crossings.RestaurantIdentity{Name: "Joe's Diner"}, now.Add(time.Hour)},
		{"latitude without longitude", 1, crossings.RestaurantIdentity{Name: "Joe's Diner", Latitude: f64(51.5)}, now},
		{"latitude out of range", 1, crossings.RestaurantIdentity{Name: "Joe's Diner", Latitude: f64(91), Longitude: f64(0)}, now},
		{"longitude out of range", 1, crossings.RestaurantIdentity{Name: "Joe's Diner", Latitude: f64(0), Longitude: f64(-200)}, now},
		{"zero user", 0, crossings.RestaurantIdentity{Name: "Joe's Diner"}, now},
	}

	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.RecordVisit(ctx, tc.userID, tc.ident, tc.visitedAt)
			var invalid *svcErr.InvalidVisitError
			assert.ErrorAs(t, err, &invalid)
		})
	}

	var count int64
	require.NoError(t, env.db.Model(&db.Visit{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestRecordVisit_ToleratesSmallClockSkew(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	ident, at := visitAt("Joe's Diner", time.Now().UTC().Add(2*time.Minute))
	_, err := env.svc.RecordVisit(ctx, 1, ident, at)
	assert.NoError(t, err)
}

// Alice visits Joe's Diner, Bob follows two hours later: one crossing,
// one active summary with a single location.
func TestScenario_FirstCrossing(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	base := time.Now().UTC().Add(-30 * time.Hour)

	ident, at := visitAt("Joe's Diner", base)
	_, err := env.svc.RecordVisit(ctx, 1, ident, at)
	require.NoError(t, err)

	ident, at = visitAt("Joe's Diner", base.Add(2*time.Hour))
	_, err = env.svc.RecordVisit(ctx, 2, ident, at)
	require.NoError(t, err)

	var logs []db.CrossLog
	require.NoError(t, env.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, uint64(1), logs[0].UserAID)
	assert.Equal(t, uint64(2), logs[0].UserBID)
	assert.Equal(t, uint32(1), logs[0].CrossCount)

	views, nextToken, err := env.svc.ListCrossedPaths(ctx, 1, nil, 20)
	require.NoError(t, err)
	assert.Nil(t, nextToken)
	require.Len(t, views, 1)
	assert.Equal(t, "Bob", views[0].OtherUser.DisplayName)
	assert.Equal(t, uint32(1), views[0].TotalCrosses)
	assert.Equal(t, []string{"Joe's Diner"}, views[0].Locations)
	require.Len(t, views[0].Breakdown, 1)
	assert.Equal(t, "Joe's Diner", views[0].Breakdown[0].RestaurantName)
}

// The same pair crosses at Joe's Diner again days later, then at Cafe Y:
// per-restaurant counts accumulate and the summary aggregates both.
func TestScenario_RepeatAndSecondRestaurant(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	now := time.Now().UTC()
	record := func(userID uint64, name string, at time.Time) {
		ident, ts := visitAt(name, at)
		_, err := env.svc.RecordVisit(ctx, userID, ident, ts)
		require.NoError(t, err)
	}

	record(1, "Joe's Diner", now.Add(-9*24*time.Hour))
	record(2, "Joe's Diner", now.Add(-9*24*time.Hour).Add(2*time.Hour))
	record(1, "Joe's Diner", now.Add(-6*24*time.Hour))
	record(2, "Joe's Diner", now.Add(-6*24*time.Hour).Add(time.Hour))
	record(1, "Cafe Y", now.Add(-4*24*time.Hour))
	record(2, "Cafe Y", now.Add(-4*24*time.Hour).Add(30*time.Minute))

	views, _, err := env.svc.ListCrossedPaths(ctx, 2, nil, 20)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, uint32(3), views[0].TotalCrosses)
	assert.ElementsMatch(t, []string{"Joe's Diner", "Cafe Y"}, views[0].Locations)
	assert.Len(t, views[0].Breakdown, 2)

	var joes db.CrossLog
	require.NoError(t, env.db.Where("restaurant_name = ?", "Joe's Diner").First(&joes).Error)
	assert.Equal(t, uint32(2), joes.CrossCount)
}

// Visits ten days apart exceed the matching window: no crossing is created,
// and an existing active pair within the expiry window is untouched.
func TestScenario_WindowVersusExpiry(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	now := time.Now().UTC()
	record := func(userID uint64, name string, at time.Time) {
		ident, ts := visitAt(name, at)
		_, err := env.svc.RecordVisit(ctx, userID, ident, ts)
		require.NoError(t, err)
	}

	// active pair from 13 days ago
	record(1, "Harbour & Vine", now.Add(-13*24*time.Hour))
	record(2, "Harbour & Vine", now.Add(-13*24*time.Hour).Add(time.Hour))

	// ten days between visits: inside expiry window, outside match window
	record(1, "Cafe X", now.Add(-12*24*time.Hour))
	record(2, "Cafe X", now.Add(-2*24*time.Hour))

	var logCount int64
	require.NoError(t, env.db.Model(&db.CrossLog{}).Count(&logCount).Error)
	assert.Equal(t, int64(1), logCount)

	deactivated, err := env.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deactivated)

	views, _, err := env.svc.ListCrossedPaths(ctx, 1, nil, 20)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

// A pair idle for 15 days disappears from reads and is flipped by the sweep;
// the crossing history stays.
func TestScenario_Expiry(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	now := time.Now().UTC()
	record := func(userID uint64, name string, at time.Time) {
		ident, ts := visitAt(name, at)
		_, err := env.svc.RecordVisit(ctx, userID, ident, ts)
		require.NoError(t, err)
	}

	record(1, "Joe's Diner", now.Add(-15*24*time.Hour))
	record(2, "Joe's Diner", now.Add(-15*24*time.Hour).Add(2*time.Hour))

	// lazy: stale pair never shows up in reads, even before the sweep
	views, _, err := env.svc.ListCrossedPaths(ctx, 1, nil, 20)
	require.NoError(t, err)
	assert.Empty(t, views)

	count, err := env.svc.CountCrossedPaths(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	deactivated, err := env.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deactivated)

	var summary db.CrossedPath
	require.NoError(t, env.db.First(&summary).Error)
	assert.False(t, summary.IsActive)

	var logCount int64
	require.NoError(t, env.db.Model(&db.CrossLog{}).Count(&logCount).Error)
	assert.Equal(t, int64(1), logCount)
}

func TestCountCrossedPaths_CacheAndInvalidation(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	now := time.Now().UTC()
	record := func(userID uint64, name string, at time.Time) {
		ident, ts := visitAt(name, at)
		_, err := env.svc.RecordVisit(ctx, userID, ident, ts)
		require.NoError(t, err)
	}

	record(1, "Joe's Diner", now.Add(-5*time.Hour))
	record(2, "Joe's Diner", now.Add(-4*time.Hour))

	// First call → DB, second → cache
	count, err := env.svc.CountCrossedPaths(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = env.svc.CountCrossedPaths(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// new crossing with carol invalidates alice's cached count
	record(1, "Cafe Verde", now.Add(-3*time.Hour))
	record(3, "Cafe Verde", now.Add(-2*time.Hour))

	count, err = env.svc.CountCrossedPaths(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestListCrossedPaths_BadPageTokenIsBadRequest(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	token := "not!!a##cursor"
	_, _, err := env.svc.ListCrossedPaths(ctx, 1, &token, 20)
	require.Error(t, err)

	status, _ := svcErr.HTTPStatus(err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListVisits(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	now := time.Now().UTC()
	record := func(userID uint64, name string, at time.Time) {
		ident, ts := visitAt(name, at)
		_, err := env.svc.RecordVisit(ctx, userID, ident, ts)
		require.NoError(t, err)
	}

	record(1, "Joe's Diner", now.Add(-5*time.Hour))
	record(1, "Cafe Verde", now.Add(-2*time.Hour))
	record(2, "Joe's Diner", now.Add(-4*time.Hour))

	views, err := env.svc.ListVisits(ctx, 1, 50)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "Cafe Verde", views[0].RestaurantName)
	assert.Equal(t, "Joe's Diner", views[1].RestaurantName)

	views, err = env.svc.ListVisits(ctx, 3, 50)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestListCrossedPaths_NoProfileIsEmpty(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	views, nextToken, err := env.svc.ListCrossedPaths(ctx, 999, nil, 20)
	require.NoError(t, err)
	assert.Nil(t, nextToken)
	assert.Empty(t, views)
}

func TestInviteToDinner(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	now := time.Now().UTC()
	record := func(userID uint64, name string, at time.Time) {
		ident, ts := visitAt(name, at)
		_, err := env.svc.RecordVisit(ctx, userID, ident, ts)
		require.NoError(t, err)
	}

	record(1, "Joe's Diner", now.Add(-5*time.Hour))
	record(2, "Joe's Diner", now.Add(-4*time.Hour))

	var summary db.CrossedPath
	require.NoError(t, env.db.First(&summary).Error)

	// a non-member cannot invite
	err := env.svc.InviteToDinner(ctx, summary.ID, 3)
	assert.ErrorIs(t, err, crossings.ErrNotPairMember)

	// unknown summary → not found
	err = env.svc.InviteToDinner(ctx, summary.ID+100, 1)
	assert.ErrorIs(t, err, svcErr.ErrNotFound)

	// bob invites alice
	require.NoError(t, env.svc.InviteToDinner(ctx, summary.ID, 2))
	require.Len(t, env.inviter.invites, 1)
	assert.Equal(t, uint64(2), env.inviter.invites[0].InviterID)
	assert.Equal(t, uint64(1), env.inviter.invites[0].InviteeID)
	assert.Equal(t, []string{"Joe's Diner"}, env.inviter.invites[0].Locations)
}

func TestInviteToDinner_ExpiredPair(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	now := time.Now().UTC()
	record := func(userID uint64, name string, at time.Time) {
		ident, ts := visitAt(name, at)
		_, err := env.svc.RecordVisit(ctx, userID, ident, ts)
		require.NoError(t, err)
	}

	record(1, "Joe's Diner", now.Add(-15*24*time.Hour))
	record(2, "Joe's Diner", now.Add(-15*24*time.Hour).Add(time.Hour))

	var summary db.CrossedPath
	require.NoError(t, env.db.First(&summary).Error)

	err := env.svc.InviteToDinner(ctx, summary.ID, 1)
	assert.ErrorIs(t, err, svcErr.ErrNotFound)
	assert.Empty(t, env.inviter.invites)
}

// An aggregation failure never blocks the visit itself; the visit is parked
// on the rematch queue instead.
func TestRecordVisit_MatcherFailureDoesNotBlockVisit(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	now := time.Now().UTC()
	ident, at := visitAt("Joe's Diner", now.Add(-3*time.Hour))
	_, err := env.svc.RecordVisit(ctx, 2, ident, at)
	require.NoError(t, err)

	// break aggregation storage so the matcher pass fails
	require.NoError(t, env.db.Migrator().DropTable(&db.CrossEvent{}))

	ident, at = visitAt("Joe's Diner", now.Add(-2*time.Hour))
	visit, err := env.svc.RecordVisit(ctx, 1, ident, at)
	require.NoError(t, err)
	require.NotNil(t, visit)

	var visitCount int64
	require.NoError(t, env.db.Model(&db.Visit{}).Count(&visitCount).Error)
	assert.Equal(t, int64(2), visitCount)

	queuedID, ok, err := env.cache.DequeuePendingMatch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, visit.ID, queuedID)
}

// Even if the Redis queue loses a failed visit, the sweep rematches it off
// the visits table via the matched_at stamp.
func TestSweep_RematchesVisitAfterQueueLoss(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	now := time.Now().UTC()
	ident, at := visitAt("Joe's Diner", now.Add(-3*time.Hour))
	_, err := env.svc.RecordVisit(ctx, 2, ident, at)
	require.NoError(t, err)

	// break aggregation storage so the matcher pass fails
	require.NoError(t, env.db.Migrator().DropTable(&db.CrossEvent{}))

	ident, at = visitAt("Joe's Diner", now.Add(-2*time.Hour))
	visit, err := env.svc.RecordVisit(ctx, 1, ident, at)
	require.NoError(t, err)

	// drop the queue entry, as if Redis restarted without the list
	_, ok, err := env.cache.DequeuePendingMatch(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// storage recovers; age the visits past the in-flight grace period
	require.NoError(t, env.db.Migrator().CreateTable(&db.CrossEvent{}))
	require.NoError(t, env.db.Model(&db.Visit{}).
		Where("id > ?", 0).
		Update("created_at", now.Add(-10*time.Minute)).Error)

	_, err = env.svc.SweepExpired(ctx)
	require.NoError(t, err)

	var logs []db.CrossLog
	require.NoError(t, env.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, uint64(1), logs[0].UserAID)
	assert.Equal(t, uint64(2), logs[0].UserBID)

	var stamped db.Visit
	require.NoError(t, env.db.First(&stamped, visit.ID).Error)
	assert.NotNil(t, stamped.MatchedAt)
}

func f64(v float64) *float64 { return &v }
