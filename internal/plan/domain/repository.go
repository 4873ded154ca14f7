package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, plan *Plan) error
	Update(ctx context.Context, db *gorm.DB, plan *Plan) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*Plan, error)
	List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]Plan, error)
	CountSubscriptions(ctx context.Context, db *gorm.DB, planID snowflake.ID) (int64, error)
	CountOccupiedSeats(ctx context.Context, db *gorm.DB, planID snowflake.ID) (int64, error)
}
