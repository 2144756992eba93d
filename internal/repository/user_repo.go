package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/tably/crossed-paths/internal/db"
)

// UserRepository is the read-only profile lookup consumed by the query
// adapter. The matching core never writes profile data.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new repository bound to the given DB connection.
func NewUserRepository(database *gorm.DB) *UserRepository {
	return &UserRepository{db: database}
}

// GetByID returns one user, gorm.ErrRecordNotFound when absent.
func (r *UserRepository) GetByID(ctx context.Context, userID uint64) (*db.User, error) {
	var user db.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByIDs batch-loads profiles for a listing page, keyed by user ID.
// Missing users are simply absent from the map.
func (r *UserRepository) GetByIDs(ctx context.Context, userIDs []uint64) (map[uint64]db.User, error) {
	if len(userIDs) == 0 {
		return map[uint64]db.User{}, nil
	}
	var users []db.User
	if err := r.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint64]db.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return byID, nil
}
