package main

import (
	"context"
	"log"
	"time"

	"github.com/tably/crossed-paths/internal/app"
	"github.com/tably/crossed-paths/internal/cache"
	"github.com/tably/crossed-paths/internal/config"
	"github.com/tably/crossed-paths/internal/db"
	"github.com/tably/crossed-paths/internal/logger"
	"github.com/tably/crossed-paths/internal/service/crossings"
)

// seedVisit is one fixture visit replayed through the real service, so the
// derived crossing tables are produced by the actual matcher and aggregator.
type seedVisit struct {
	userID     uint64
	restaurant string
	visitedAt  time.Time
}

func fixtureVisits(now time.Time) []seedVisit {
	visits := make([]seedVisit, 0, 32)

	// recent co-locations: users (2i-1, 2i) at restaurant i, a few hours apart
	for i, name := range db.SeedRestaurants {
		userA := uint64(2*i + 1)
		userB := uint64(2*i + 2)
		base := now.Add(-time.Duration(i+1) * 24 * time.Hour)
		visits = append(visits,
			seedVisit{userA, name, base},
			seedVisit{userB, name, base.Add(3 * time.Hour)},
		)
	}

	// repeat crossing for the first pair at a second restaurant
	visits = append(visits,
		seedVisit{1, db.SeedRestaurants[1], now.Add(-36 * time.Hour)},
		seedVisit{2, db.SeedRestaurants[1], now.Add(-30 * time.Hour)},
	)

	// stale pair: crossed three weeks ago, expired by the first sweep
	visits = append(visits,
		seedVisit{15, db.SeedRestaurants[0], now.Add(-21 * 24 * time.Hour)},
		seedVisit{16, db.SeedRestaurants[0], now.Add(-21*24*time.Hour + 2*time.Hour)},
	)

	// lone visits that should match nobody
	visits = append(visits,
		seedVisit{17, db.SeedRestaurants[2], now.Add(-6 * time.Hour)},
		seedVisit{18, db.SeedRestaurants[3], now.Add(-8 * time.Hour)},
	)

	return visits
}

func main() {
	cfg := config.New()
	logger.InitFromConfig(cfg)

	database, err := db.NewDB(cfg)
	if err != nil {
		log.Fatalf("failed to init db: %v", err)
	}

	if err := db.SeedUsers(database); err != nil {
		log.Fatalf("failed to seed users: %v", err)
	}

	redisCache := cache.NewRedisCache(cfg)
	appCtx := app.New(database, redisCache, logger.L())
	svc := crossings.NewService(appCtx, cfg, crossings.NewLogInviter(logger.L()))

	ctx := context.Background()
	now := time.Now().UTC()
	for _, v := range fixtureVisits(now) {
		if _, err := svc.RecordVisit(ctx, v.userID, crossings.RestaurantIdentity{Name: v.restaurant}, v.visitedAt); err != nil {
			log.Fatalf("failed to seed visit for user %d at %s: %v", v.userID, v.restaurant, err)
		}
	}

	log.Println("Seeding completed.")
}
