package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tably/crossed-paths/internal/db"
)

// VisitRepository provides data access for the append-only visit log.
type VisitRepository struct {
	db *gorm.DB
}

// NewVisitRepository creates a new repository bound to the given DB connection.
func NewVisitRepository(database *gorm.DB) *VisitRepository {
	return &VisitRepository{db: database}
}

// RestaurantKeyFor derives the normalized restaurant identity used for
// matching: the external restaurant reference when present, else the
// case-insensitive, whitespace-collapsed name.
func RestaurantKeyFor(restaurantID, name string) string {
	if restaurantID != "" {
		return "id:" + restaurantID
	}
	return "name:" + strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Create appends a visit row. The observation is immutable; only the
// matched_at processing marker is ever written afterwards.
func (r *VisitRepository) Create(ctx context.Context, visit *db.Visit) error {
	return r.db.WithContext(ctx).Create(visit).Error
}

// GetByID loads a single visit, for matcher retries off the pending queue.
func (r *VisitRepository) GetByID(ctx context.Context, id uint64) (*db.Visit, error) {
	var visit db.Visit
	if err := r.db.WithContext(ctx).First(&visit, id).Error; err != nil {
		return nil, err
	}
	return &visit, nil
}

// MarkMatched stamps a visit whose matcher pass completed. A missed stamp
// only causes a redundant rematch later, which the aggregator absorbs.
func (r *VisitRepository) MarkMatched(ctx context.Context, id uint64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&db.Visit{}).
		Where("id = ?", id).
		Update("matched_at", at).Error
}

// ListUnmatched returns visits whose matcher pass never completed, oldest
// first. Visits created after olderThan are skipped; their pass may still be
// in flight.
func (r *VisitRepository) ListUnmatched(ctx context.Context, olderThan time.Time, limit int) ([]db.Visit, error) {
	var visits []db.Visit
	err := r.db.WithContext(ctx).
		Where("matched_at IS NULL AND created_at < ?", olderThan).
		Order("id ASC").
		Limit(limit).
		Find(&visits).Error
	return visits, err
}

// ListByUser returns a user's visit history, most recent first.
func (r *VisitRepository) ListByUser(ctx context.Context, userID uint64, limit int) ([]db.Visit, error) {
	var visits []db.Visit
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("visited_at DESC, id DESC").
		Limit(limit).
		Find(&visits).Error
	return visits, err
}

// Candidate is another user's qualifying visit to the same restaurant.
type Candidate struct {
	OtherUserID uint64
	OtherVisit  db.Visit
}

// FindCandidates returns, per other user, the closest-in-time visit to the
// same restaurant identity within the matching window around visit.VisitedAt.
//
// Behavior:
//   - Matches on restaurant_key (external ref if recorded, else normalized name).
//   - |visited_at_other - visited_at| <= window.
//   - If several visits by the same user qualify, only the closest one is
//     kept, so one visit produces at most one candidate per pair.
//   - No identity match → empty slice, never an error.
func (r *VisitRepository) FindCandidates(ctx context.Context, visit *db.Visit, window time.Duration) ([]Candidate, error) {
	var others []db.Visit
	err := r.db.WithContext(ctx).
		Where("restaurant_key = ? AND user_id != ?", visit.RestaurantKey, visit.UserID).
		Where("visited_at BETWEEN ? AND ?", visit.VisitedAt.Add(-window), visit.VisitedAt.Add(window)).
		Order("visited_at ASC, id ASC").
		Find(&others).Error
	if err != nil {
		return nil, err
	}

	// Keep only the closest-in-time visit per other user.
	best := make(map[uint64]db.Visit, len(others))
	for _, other := range others {
		current, ok := best[other.UserID]
		if !ok || timeDelta(other.VisitedAt, visit.VisitedAt) < timeDelta(current.VisitedAt, visit.VisitedAt) {
			best[other.UserID] = other
		}
	}

	candidates := make([]Candidate, 0, len(best))
	for userID, otherVisit := range best {
		candidates = append(candidates, Candidate{OtherUserID: userID, OtherVisit: otherVisit})
	}
	return candidates, nil
}

func timeDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
