package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"listing-chat/internal/models"
)

// UserRepository reads public profiles from the marketplace users table.
type UserRepository interface {
	Profiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error)
}

// UserRepo is a sqlx-backed UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// Profiles fetches the profiles of ids in one query. Unknown ids are absent
// from the result.
func (r *UserRepo) Profiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	profiles := make(map[string]models.UserProfile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}
	query, args, err := sqlx.In(`SELECT id, username, COALESCE(avatar, '') AS avatar FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []models.UserProfile
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, p := range rows {
		profiles[p.ID] = p
	}
	return profiles, nil
}
