// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"crimewatch-go/internal/model"
	"crimewatch-go/internal/repository"
	"crimewatch-go/pkg/hash"
	"crimewatch-go/pkg/log"
	"crimewatch-go/pkg/token"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const blacklistPrefix = "blacklist:"

// UserService 接口定义了所有与用户相关的业务操作。
type UserService interface {
	Register(username, password, fullName, phone string) (*model.User, error)
	Login(username, password string) (accessToken, refreshToken string, err error)
	GetProfile(username string) (*model.User, error)
	Logout(tokenString string) error
	IsTokenRevoked(ctx context.Context, tokenString string) (bool, error)
	RefreshToken(refreshTokenString string) (newAccessToken, newRefreshToken string, err error)
	EnsureAdmin(username, password string) error
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo   repository.UserRepository
	jwtManager *token.JWTManager
	rdb        *redis.Client
}

// NewUserService 创建一个新的 UserService 实例。rdb 用于 token 黑名单。
func NewUserService(userRepo repository.UserRepository, jwtManager *token.JWTManager, rdb *redis.Client) UserService {
	return &userService{
		userRepo:   userRepo,
		jwtManager: jwtManager,
		rdb:        rdb,
	}
}

// Register 处理用户注册的业务逻辑。
func (s *userService) Register(username, password, fullName, phone string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: 用户名和密码不能为空", ErrBadRequest)
	}

	// 1. 检查用户名是否已存在
	_, err := s.userRepo.FindByUsername(username)
	if err == nil {
		return nil, ErrUserExists
	}
	if !errors.Is(err, repository.ErrRecordNotFound) {
		return nil, err
	}

	// 2. 对密码进行哈希处理
	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return nil, err
	}

	// 3. 创建新用户
	newUser := &model.User{
		Username: username,
		Password: hashedPassword,
		Role:     model.RoleUser, // 默认角色
		FullName: fullName,
		Phone:    phone,
	}
	if err := s.userRepo.Create(newUser); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrUserExists
		}
		log.Errorf("[UserService] 创建用户失败, username: %s, error: %v", username, err)
		return nil, err
	}
	return newUser, nil
}

// Login 处理用户登录的业务逻辑。
func (s *userService) Login(username, password string) (accessToken, refreshToken string, err error) {
	// 1. 查找用户
	user, err := s.userRepo.FindByUsername(username)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return "", "", ErrInvalidCredentials
		}
		return "", "", err
	}

	// 2. 验证密码
	if !hash.CheckPasswordHash(password, user.Password) {
		return "", "", ErrInvalidCredentials
	}

	// 3. 生成 access token 和 refresh token
	accessToken, err = s.jwtManager.GenerateToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", "", err
	}
	refreshToken, err = s.jwtManager.GenerateRefreshToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

// GetProfile 根据用户名获取用户详细信息。
func (s *userService) GetProfile(username string) (*model.User, error) {
	return s.userRepo.FindByUsername(username)
}

// Logout 处理用户登出逻辑，将 token 加入 Redis 黑名单。
func (s *userService) Logout(tokenString string) error {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return err
	}
	// token 的剩余有效期将作为 Redis key 的过期时间。
	expiration := time.Until(claims.ExpiresAt.Time)
	if expiration <= 0 {
		return nil
	}
	return s.rdb.Set(context.Background(), blacklistPrefix+tokenString, "true", expiration).Err()
}

// IsTokenRevoked 检查 token 是否已被登出。
func (s *userService) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	n, err := s.rdb.Exists(ctx, blacklistPrefix+tokenString).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RefreshToken 验证 refresh token 并签发新的一对 token。旧的 refresh token 只能使用一次。
func (s *userService) RefreshToken(refreshTokenString string) (newAccessToken, newRefreshToken string, err error) {
	// 1. 验证 refresh token 是否有效且未被使用过
	claims, err := s.jwtManager.VerifyRefreshToken(refreshTokenString)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid refresh token", ErrUnauthorized)
	}
	ctx := context.Background()
	revoked, err := s.IsTokenRevoked(ctx, refreshTokenString)
	if err != nil {
		return "", "", err
	}
	if revoked {
		log.Warnf("[UserService] refresh token 被重复使用, username: %s", claims.Username)
		return "", "", fmt.Errorf("%w: refresh token already used", ErrUnauthorized)
	}

	// 2. 检查用户是否存在
	user, err := s.userRepo.FindByUsername(claims.Username)
	if err != nil {
		return "", "", fmt.Errorf("%w: user not found", ErrUnauthorized)
	}

	// 3. 作废旧 token 后签发新的 token
	if ttl := time.Until(claims.ExpiresAt.Time); ttl > 0 {
		if err := s.rdb.Set(ctx, blacklistPrefix+refreshTokenString, "true", ttl).Err(); err != nil {
			return "", "", err
		}
	}
	newAccessToken, err = s.jwtManager.GenerateToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", "", err
	}
	newRefreshToken, err = s.jwtManager.GenerateRefreshToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", "", err
	}

	return newAccessToken, newRefreshToken, nil
}

// EnsureAdmin 在值班管理员账号不存在时创建它，已存在的普通用户会被提升为管理员。
func (s *userService) EnsureAdmin(username, password string) error {
	if username == "" || password == "" {
		log.Warnf("[UserService] 未配置管理员账号，跳过初始化")
		return nil
	}
	user, err := s.userRepo.FindByUsername(username)
	if err == nil {
		if user.Role == model.RoleAdmin {
			return nil
		}
		user.Role = model.RoleAdmin
		log.Infof("[UserService] 提升用户为管理员, username: %s", username)
		return s.userRepo.Update(user)
	}
	if !errors.Is(err, repository.ErrRecordNotFound) {
		return err
	}

	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return err
	}
	admin := &model.User{Username: username, Password: hashedPassword, Role: model.RoleAdmin, FullName: "Operator"}
	if err := s.userRepo.Create(admin); err != nil {
		return fmt.Errorf("创建管理员失败: %w", err)
	}
	log.Infof("[UserService] 已创建管理员账号, username: %s", username)
	return nil
}
