package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aihub/medrag/internal/auth"
	apperrors "github.com/aihub/medrag/internal/errors"
	"github.com/aihub/medrag/internal/models"
	"github.com/aihub/medrag/internal/repository"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// SignupRequest 注册请求
type SignupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=100"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Role     string `json:"role" validate:"required,oneof=admin doctor nurse patient other"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Token    string `json:"token"`
}

// AuthService 用户注册与凭证校验
type AuthService struct {
	users      repository.UserRepository
	jwt        *auth.JWTService
	validate   *validator.Validate
	bcryptCost int
	logger     *zap.Logger
}

// NewAuthService 创建认证服务，bcryptCost为0时使用默认值
func NewAuthService(users repository.UserRepository, jwtService *auth.JWTService, bcryptCost int, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:      users,
		jwt:        jwtService,
		validate:   validator.New(),
		bcryptCost: bcryptCost,
		logger:     logger.Named("auth"),
	}
}

// Signup 注册新用户
func (s *AuthService) Signup(ctx context.Context, req SignupRequest) (*models.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Role = strings.ToLower(strings.TrimSpace(req.Role))
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(req.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, apperrors.ErrUserExists) {
			return nil, err
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("user signed up", zap.String("username", user.Username), zap.String("role", user.Role))
	return user, nil
}

// Authenticate 校验用户名密码，失败统一返回 ErrInvalidCredentials
func (s *AuthService) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.users.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, err
	}
	return user, nil
}

// Login 校验凭证并签发token
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	user, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}

	token, err := s.jwt.GenerateToken(IdentityOf(user))
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	return &LoginResponse{
		UserID:   user.UserID,
		Username: user.Username,
		Role:     user.Role,
		Token:    token,
	}, nil
}

// ResolveToken 解析Bearer token中的身份
func (s *AuthService) ResolveToken(token string) (auth.Identity, error) {
	claims, err := s.jwt.ValidateToken(token)
	if err != nil {
		return auth.Identity{}, apperrors.ErrInvalidCredentials
	}
	return claims.Identity(), nil
}

// IdentityOf 用户对应的调用方身份
func IdentityOf(user *models.User) auth.Identity {
	return auth.Identity{UserID: user.UserID, Username: user.Username, Role: user.Role}
}
