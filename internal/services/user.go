package services

import (
	"context"
	"errors"
	"strings"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/utils"
	"github.com/huangang/featurehub/pkg/response"
	"gorm.io/gorm"
)

// UserDirectory answers the mention translator's lookups from the users
// table. Inactive users resolve like unknown ones.
type UserDirectory struct {
	db *gorm.DB
}

func NewUserDirectory(db *gorm.DB) *UserDirectory {
	return &UserDirectory{db: db}
}

func (d *UserDirectory) EmailForUser(ctx context.Context, userID uint) (string, error) {
	var user models.User
	err := d.db.WithContext(ctx).Select("id", "email").
		Where("id = ? AND is_active = ?", userID, true).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return user.Email, nil
}

func (d *UserDirectory) UserForEmail(ctx context.Context, email string) (uint, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return 0, nil
	}
	var user models.User
	err := d.db.WithContext(ctx).Select("id").
		Where("LOWER(email) = ? AND is_active = ?", strings.ToLower(email), true).
		Order("id").First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

type CreateUserRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required,min=8"`
	Email       string `json:"email" binding:"omitempty,email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

func (s *UserService) Create(req *CreateUserRequest) (*models.User, error) {
	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	role := req.Role
	if role != models.RoleAdmin {
		role = models.RoleUser
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}

	user := &models.User{
		Username:    req.Username,
		Password:    hash,
		Email:       strings.TrimSpace(req.Email),
		DisplayName: displayName,
		Role:        role,
		IsActive:    true,
	}
	if err := s.db.Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, response.NewConflict("username already exists")
		}
		return nil, err
	}
	return user, nil
}

func (s *UserService) GetByID(id uint) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("user not found")
		}
		return nil, err
	}
	return &user, nil
}

// EnsureAdmin creates the initial administrator when no admin exists.
func (s *UserService) EnsureAdmin(username, password string) error {
	var count int64
	if err := s.db.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := s.Create(&CreateUserRequest{Username: username, Password: password, Role: models.RoleAdmin})
	return err
}
