package services

import (
	"errors"
	"time"

	"github.com/huangang/featurehub/internal/config"
	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/utils"
	"github.com/huangang/featurehub/pkg/logger"
	"github.com/huangang/featurehub/pkg/response"
	"gorm.io/gorm"
)

type AuthService struct {
	db        *gorm.DB
	jwtConfig *config.JWTConfig
}

func NewAuthService(db *gorm.DB, jwtCfg *config.JWTConfig) *AuthService {
	return &AuthService{db: db, jwtConfig: jwtCfg}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token    string       `json:"token"`
	User     *models.User `json:"user"`
	ExpireAt time.Time    `json:"expire_at"`
}

// Login checks local credentials and issues a JWT.
func (s *AuthService) Login(req *LoginRequest, clientIP, userAgent string) (*LoginResponse, error) {
	var user models.User
	err := s.db.Where("username = ?", req.Username).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err != nil || !user.IsActive || !utils.CheckPassword(req.Password, user.Password) {
		LogWarning(ModuleAuth, "login_failed", "invalid credentials for "+req.Username, nil, clientIP, userAgent, nil)
		return nil, response.NewUnauthorized("invalid username or password")
	}

	hours := s.jwtConfig.ExpireHour
	if hours <= 0 {
		hours = 24
	}
	token, err := utils.GenerateToken(user.ID, user.Username, user.Role, hours)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	updates := map[string]interface{}{"last_login": now}
	if utils.NeedsRehash(user.Password) {
		if hash, err := utils.HashPassword(req.Password); err == nil {
			updates["password"] = hash
		}
	}
	if err := s.db.Model(&user).UpdateColumns(updates).Error; err != nil {
		logger.Warn().Err(err).Uint("user_id", user.ID).Msg("Failed to record login")
	}
	user.LastLogin = &now
	LogInfo(ModuleAuth, "login", "user logged in", &user.ID, clientIP, userAgent, nil)

	return &LoginResponse{
		Token:    token,
		User:     &user,
		ExpireAt: now.Add(time.Duration(hours) * time.Hour),
	}, nil
}
