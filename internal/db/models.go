package db

import (
	"time"
)

// User table. Auth fields exist so the table matches the wider platform's
// users; the matching core only reads the profile columns.
type User struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement"`
	Username           string    `gorm:"uniqueIndex;size:64;not null"`
	Email              string    `gorm:"uniqueIndex;size:128;not null"`
	PasswordHash       string    `gorm:"size:255;not null"`
	DisplayName        string    `gorm:"size:128;not null"`
	PhotoURL           string    `gorm:"size:512"`
	City               string    `gorm:"size:128"`
	DiningStyle        string    `gorm:"size:64"`
	DietaryPreferences string    `gorm:"size:255"`
	Active             bool      `gorm:"default:true"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

// Visit is an append-only record of a user observed at a restaurant.
// The observation itself is never updated or deleted; MatchedAt is a
// processing marker stamped once the matcher pass for the row completes,
// so visits with a lost or failed pass can be retried off this table.
//
// RestaurantKey is the normalized identity used for co-location matching:
// the external restaurant reference when present, else the normalized name.
//
// Indexes:
//   - idx_visit_key_time(restaurant_key, visited_at)
//     Drives the matcher's same-restaurant window scan.
//   - idx_visit_user_time(user_id, visited_at)
//     Drives per-user visit history reads.
type Visit struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	UserID         uint64 `gorm:"not null;index:idx_visit_user_time,priority:1"`
	RestaurantID   string `gorm:"size:64"`
	RestaurantName string `gorm:"size:255;not null"`
	RestaurantKey  string `gorm:"size:191;not null;index:idx_visit_key_time,priority:1"`
	Latitude       *float64
	Longitude      *float64
	VisitedAt      time.Time  `gorm:"not null;index:idx_visit_key_time,priority:2;index:idx_visit_user_time,priority:2"`
	MatchedAt      *time.Time `gorm:"index"`
	CreatedAt      time.Time  `gorm:"autoCreateTime"`
}

// CrossEvent deduplicates crossings per pair, restaurant and UTC day.
//
// Composite PK: (UserAID, UserBID, RestaurantKey, Day)
//   - Insert-or-ignore on this key is what makes aggregation idempotent:
//     at most one CrossLog increment per pair/restaurant/day, no matter how
//     many qualifying visit pairs (or retries) occur that day.
//
// UserAID < UserBID always (canonical pair order).
type CrossEvent struct {
	UserAID       uint64    `gorm:"primaryKey;autoIncrement:false"`
	UserBID       uint64    `gorm:"primaryKey;autoIncrement:false"`
	RestaurantKey string    `gorm:"primaryKey;size:191"`
	Day           string    `gorm:"primaryKey;size:10"`
	CrossedAt     time.Time `gorm:"not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// CrossLog is the historical per-(pair, restaurant) ledger. Rows are created
// on first co-location, mutated (count, recency) afterwards, never deleted.
type CrossLog struct {
	UserAID        uint64    `gorm:"primaryKey;autoIncrement:false"`
	UserBID        uint64    `gorm:"primaryKey;autoIncrement:false"`
	RestaurantKey  string    `gorm:"primaryKey;size:191"`
	RestaurantName string    `gorm:"size:255;not null"`
	CrossCount     uint32    `gorm:"not null;default:1"`
	LastCrossedAt  time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// CrossedPath is the derived one-row-per-pair summary. Owned exclusively by
// the aggregator; recomputed from CrossLog rows on every recorded crossing.
//
// Indexes:
//   - uniq_pair(user_a_id, user_b_id): one summary per canonical pair.
//   - idx_active_last(is_active, last_crossed_at): expiry sweep scan.
//   - user_a_id / user_b_id secondary indexes: per-user listing.
type CrossedPath struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	UserAID       uint64    `gorm:"not null;uniqueIndex:uniq_pair,priority:1;index"`
	UserBID       uint64    `gorm:"not null;uniqueIndex:uniq_pair,priority:2;index"`
	MatchedAt     time.Time `gorm:"not null"`
	IsActive      bool      `gorm:"not null;default:true;index:idx_active_last,priority:1"`
	TotalCrosses  uint32    `gorm:"not null;default:0"`
	Locations     []string  `gorm:"serializer:json;type:text"`
	LastCrossedAt time.Time `gorm:"not null;index:idx_active_last,priority:2"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// CanonicalPair orders two user IDs so the smaller always comes first.
// Every pair-keyed row is stored in this order; callers never pre-sort.
func CanonicalPair(a, b uint64) (uint64, uint64) {
	if a > b {
		return b, a
	}
	return a, b
}

// DayBucket returns the UTC calendar day used as the crossing dedup key.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
