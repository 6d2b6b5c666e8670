package repository

import (
	"context"

	"github.com/aihub/medrag/internal/models"
	"gorm.io/gorm"
)

// Repository 基础仓库接口
type Repository interface {
	GetDB() *gorm.DB
}

// UserRepository 用户仓库接口
type UserRepository interface {
	Repository
	Create(ctx context.Context, user *models.User) error
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByID(ctx context.Context, id uint) (*models.User, error)
}
