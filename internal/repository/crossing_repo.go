package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tably/crossed-paths/internal/db"
	"github.com/tably/crossed-paths/internal/utils/pagination"
)

// CrossingRepository owns the crossing ledger (CrossEvent, CrossLog) and the
// derived per-pair summaries (CrossedPath). All writes to those tables go
// through here; the pair is canonicalized at this boundary, never by callers.
type CrossingRepository struct {
	db *gorm.DB
}

// NewCrossingRepository creates a new repository bound to the given DB connection.
func NewCrossingRepository(database *gorm.DB) *CrossingRepository {
	return &CrossingRepository{db: database}
}

// RecordCrossing registers a co-location of two users at a restaurant.
//
// Behavior:
//   - Pair order is canonicalized (smaller ID first); RecordCrossing(a, b, ...)
//     and RecordCrossing(b, a, ...) write identical rows.
//   - A CrossEvent keyed (pair, restaurant, UTC day) is inserted with
//     insert-or-ignore. Only a fresh insert increments the CrossLog count, so
//     retries and repeat visit pairs on the same day never double-count.
//   - CrossLog.last_crossed_at only moves forward (max of old and new).
//   - The pair's CrossedPath summary is recomputed in the same transaction.
//
// Safe under concurrent writers: conflicting inserts for the same
// (pair, restaurant, day) resolve to one winner plus no-ops.
func (r *CrossingRepository) RecordCrossing(
	ctx context.Context,
	userA, userB uint64,
	restaurantKey, restaurantName string,
	crossedAt time.Time,
) error {
	if userA == 0 || userB == 0 {
		return fmt.Errorf("crossing requires two user ids, got (%d, %d)", userA, userB)
	}
	if userA == userB {
		return fmt.Errorf("user %d cannot cross paths with themselves", userA)
	}
	a, b := db.CanonicalPair(userA, userB)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := db.CrossEvent{
			UserAID:       a,
			UserBID:       b,
			RestaurantKey: restaurantKey,
			Day:           db.DayBucket(crossedAt),
			CrossedAt:     crossedAt,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&event)
		if res.Error != nil {
			return res.Error
		}
		fresh := res.RowsAffected == 1

		assignments := map[string]interface{}{
			"last_crossed_at": gorm.Expr(
				"CASE WHEN last_crossed_at > ? THEN last_crossed_at ELSE ? END",
				crossedAt, crossedAt,
			),
		}
		if fresh {
			assignments["cross_count"] = gorm.Expr("cross_count + 1")
		}

		logRow := db.CrossLog{
			UserAID:        a,
			UserBID:        b,
			RestaurantKey:  restaurantKey,
			RestaurantName: restaurantName,
			CrossCount:     1,
			LastCrossedAt:  crossedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_a_id"}, {Name: "user_b_id"}, {Name: "restaurant_key"},
			},
			DoUpdates: clause.Assignments(assignments),
		}).Create(&logRow).Error; err != nil {
			return err
		}

		return r.recomputeSummary(tx, a, b)
	})
}

// pairLedgerLock turns the ledger read into a locking read, so concurrent
// recomputes for the same pair serialize on the CrossLog row locks instead of
// each aggregating a snapshot that misses the other's increment. SQLite is
// single-writer and rejects FOR UPDATE, so the clause is MySQL-only.
func pairLedgerLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// recomputeSummary rebuilds the pair's CrossedPath row from its CrossLog
// rows: total_crosses, distinct locations, latest crossing. A pair that was
// inactive (or brand new) starts a fresh match cycle, resetting matched_at.
//
// Must run inside RecordCrossing's transaction: the locking ledger read is
// what keeps two same-pair recomputes from overwriting each other's totals.
func (r *CrossingRepository) recomputeSummary(tx *gorm.DB, a, b uint64) error {
	var logs []db.CrossLog
	if err := pairLedgerLock(tx).
		Where("user_a_id = ? AND user_b_id = ?", a, b).
		Order("restaurant_name ASC").
		Find(&logs).Error; err != nil {
		return err
	}

	// rows per pair are bounded by its distinct restaurants
	var agg struct {
		Total int64
		Last  time.Time
	}
	locations := make([]string, 0, len(logs))
	seen := make(map[string]bool, len(logs))
	for _, logRow := range logs {
		agg.Total += int64(logRow.CrossCount)
		if logRow.LastCrossedAt.After(agg.Last) {
			agg.Last = logRow.LastCrossedAt
		}
		if !seen[logRow.RestaurantName] {
			seen[logRow.RestaurantName] = true
			locations = append(locations, logRow.RestaurantName)
		}
	}

	var summary db.CrossedPath
	err := tx.Where("user_a_id = ? AND user_b_id = ?", a, b).First(&summary).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		summary = db.CrossedPath{
			UserAID:       a,
			UserBID:       b,
			MatchedAt:     agg.Last,
			IsActive:      true,
			TotalCrosses:  uint32(agg.Total),
			Locations:     locations,
			LastCrossedAt: agg.Last,
		}
		// uniq_pair absorbs a concurrent first-crossing race
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_a_id"}, {Name: "user_b_id"}},
			UpdateAll: true,
		}).Create(&summary).Error

	case err != nil:
		return err
	}

	if !summary.IsActive {
		// reactivation after expiry is a fresh match cycle
		summary.MatchedAt = agg.Last
	}
	summary.IsActive = true
	summary.TotalCrosses = uint32(agg.Total)
	summary.Locations = locations
	summary.LastCrossedAt = agg.Last
	return tx.Save(&summary).Error
}

// SweepExpired deactivates pairs whose most recent crossing predates cutoff.
// History (CrossLog, CrossEvent) is untouched. Returns the number of pairs
// flipped and the users they involve, for cache invalidation.
func (r *CrossingRepository) SweepExpired(ctx context.Context, cutoff time.Time) (int64, []uint64, error) {
	var flipped int64
	var userIDs []uint64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []db.CrossedPath
		if err := tx.
			Where("is_active = ? AND last_crossed_at < ?", true, cutoff).
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}

		ids := make([]uint64, 0, len(stale))
		for _, s := range stale {
			ids = append(ids, s.ID)
			userIDs = append(userIDs, s.UserAID, s.UserBID)
		}

		res := tx.Model(&db.CrossedPath{}).
			Where("id IN ? AND is_active = ?", ids, true).
			Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		flipped = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return flipped, userIDs, nil
}

// ListActive returns a user's active crossed paths, matched_at DESC, with
// cursor pagination. The cutoff filter is the lazy half of expiry: a row the
// sweep has not flipped yet is still excluded once it is past the window.
func (r *CrossingRepository) ListActive(
	ctx context.Context,
	userID uint64,
	cutoff time.Time,
	paginationToken *string,
	limit int,
) ([]db.CrossedPath, *string, error) {
	var summaries []db.CrossedPath

	cursor, err := pagination.Decode(getString(paginationToken))
	if err != nil {
		return nil, nil, err
	}

	query := r.db.WithContext(ctx).
		Where("(user_a_id = ? OR user_b_id = ?)", userID, userID).
		Where("is_active = ? AND last_crossed_at >= ?", true, cutoff).
		Order("matched_at DESC, id DESC").
		Limit(limit + 1)

	// apply cursor
	if cursor.PairID > 0 && cursor.MatchedUnix > 0 {
		ts := time.UnixMilli(cursor.MatchedUnix)
		query = query.Where(
			"(matched_at < ? OR (matched_at = ? AND id < ?))",
			ts, ts, cursor.PairID,
		)
	}

	if err := query.Find(&summaries).Error; err != nil {
		return nil, nil, err
	}

	// pagination: build next cursor if needed
	var nextToken *string
	if len(summaries) > limit {
		last := summaries[limit-1]
		token, _ := pagination.Encode(pagination.Cursor{
			PairID:      last.ID,
			MatchedUnix: last.MatchedAt.UnixMilli(),
		})
		nextToken = &token
		summaries = summaries[:limit]
	}

	return summaries, nextToken, nil
}

// CountActive counts a user's unexpired active pairs.
// Used in conjunction with the Redis cache (DB is fallback).
func (r *CrossingRepository) CountActive(ctx context.Context, userID uint64, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.CrossedPath{}).
		Where("(user_a_id = ? OR user_b_id = ?)", userID, userID).
		Where("is_active = ? AND last_crossed_at >= ?", true, cutoff).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetSummaryByID loads one summary, applying lazy expiry first: a stale
// active row is flipped before it is returned, so reads and sweeps converge
// to the same visible state.
func (r *CrossingRepository) GetSummaryByID(ctx context.Context, id uint64, cutoff time.Time) (*db.CrossedPath, error) {
	var summary db.CrossedPath
	if err := r.db.WithContext(ctx).First(&summary, id).Error; err != nil {
		return nil, err
	}

	if summary.IsActive && summary.LastCrossedAt.Before(cutoff) {
		if err := r.db.WithContext(ctx).Model(&db.CrossedPath{}).
			Where("id = ? AND is_active = ?", id, true).
			Update("is_active", false).Error; err != nil {
			return nil, err
		}
		summary.IsActive = false
	}

	return &summary, nil
}

// LogsForPairs batch-loads the restaurant breakdown for a page of pairs in
// one query, avoiding a per-pair lookup loop. Pairs must be canonical, which
// they are when taken from CrossedPath rows.
func (r *CrossingRepository) LogsForPairs(ctx context.Context, pairs [][2]uint64) (map[[2]uint64][]db.CrossLog, error) {
	byPair := make(map[[2]uint64][]db.CrossLog, len(pairs))
	if len(pairs) == 0 {
		return byPair, nil
	}

	tuples := make([][]interface{}, 0, len(pairs))
	for _, p := range pairs {
		tuples = append(tuples, []interface{}{p[0], p[1]})
	}

	var logs []db.CrossLog
	err := r.db.WithContext(ctx).
		Where("(user_a_id, user_b_id) IN ?", tuples).
		Order("cross_count DESC, restaurant_name ASC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}

	for _, logRow := range logs {
		key := [2]uint64{logRow.UserAID, logRow.UserBID}
		byPair[key] = append(byPair[key], logRow)
	}
	return byPair, nil
}

// getString safely dereferences a string pointer for pagination tokens.
func getString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
