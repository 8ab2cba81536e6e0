package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/tracker"
	"github.com/huangang/featurehub/pkg/response"
	"gorm.io/gorm"
)

// TokenSealer encrypts access tokens before they are stored.
type TokenSealer interface {
	Encrypt(plaintext string) (string, error)
}

// AdapterSource returns the tracker adapter for an integration type.
type AdapterSource interface {
	For(integrationType string) (tracker.Adapter, error)
}

type IntegrationConfigService struct {
	db       *gorm.DB
	sealer   TokenSealer
	adapters AdapterSource
}

func NewIntegrationConfigService(db *gorm.DB, sealer TokenSealer, adapters AdapterSource) *IntegrationConfigService {
	return &IntegrationConfigService{db: db, sealer: sealer, adapters: adapters}
}

type CreateCategoryRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// UpsertIntegrationRequest replaces a category's integration settings. A nil
// Token keeps the stored one; a non-empty Token rotates it.
type UpsertIntegrationRequest struct {
	IntegrationType      string  `json:"integration_type" binding:"required"`
	Organization         string  `json:"organization"`
	Project              string  `json:"project"`
	AreaPath             string  `json:"area_path"`
	WorkItemType         string  `json:"work_item_type"`
	Owner                string  `json:"owner"`
	Repo                 string  `json:"repo"`
	BaseURL              string  `json:"base_url"`
	Token                *string `json:"token"`
	Tags                 string  `json:"tags"`
	SyncComments         bool    `json:"sync_comments"`
	SyncStatus           bool    `json:"sync_status"`
	AutoCreateOnApproval bool    `json:"auto_create_on_approval"`
}

func (s *IntegrationConfigService) ListCategories() ([]models.Category, error) {
	var categories []models.Category
	if err := s.db.Preload("Integration").Order("id").Find(&categories).Error; err != nil {
		return nil, err
	}
	for i := range categories {
		if categories[i].Integration != nil {
			categories[i].Integration.MaskToken()
		}
	}
	return categories, nil
}

func (s *IntegrationConfigService) CreateCategory(req *CreateCategoryRequest) (*models.Category, error) {
	category := &models.Category{Name: strings.TrimSpace(req.Name), Description: req.Description}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(category).Error; err != nil {
			return err
		}
		category.Integration = &models.IntegrationConfig{CategoryID: category.ID, IntegrationType: models.IntegrationNone}
		return tx.Create(category.Integration).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, response.NewConflict("category already exists")
	}
	if err != nil {
		return nil, err
	}
	return category, nil
}

// Get returns the config of a category with the token masked.
func (s *IntegrationConfigService) Get(categoryID uint) (*models.IntegrationConfig, error) {
	cfg, err := s.load(s.db, categoryID)
	if err != nil {
		return nil, err
	}
	cfg.MaskToken()
	return cfg, nil
}

func (s *IntegrationConfigService) load(db *gorm.DB, categoryID uint) (*models.IntegrationConfig, error) {
	var cfg models.IntegrationConfig
	if err := db.Where("category_id = ?", categoryID).First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("integration config not found")
		}
		return nil, err
	}
	return &cfg, nil
}

func (s *IntegrationConfigService) Upsert(categoryID uint, req *UpsertIntegrationRequest, operatorID uint) (*models.IntegrationConfig, error) {
	if err := validateIntegration(req); err != nil {
		return nil, err
	}

	var category models.Category
	if err := s.db.First(&category, categoryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("category not found")
		}
		return nil, err
	}

	var sealed string
	if req.Token != nil && *req.Token != "" {
		var err error
		if sealed, err = s.sealer.Encrypt(*req.Token); err != nil {
			return nil, err
		}
	}

	var cfg *models.IntegrationConfig
	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := s.load(tx, categoryID)
		var appErr *response.AppError
		switch {
		case errors.As(err, &appErr):
			existing = &models.IntegrationConfig{CategoryID: categoryID}
		case err != nil:
			return err
		}

		existing.IntegrationType = req.IntegrationType
		existing.Organization = strings.TrimSpace(req.Organization)
		existing.Project = strings.TrimSpace(req.Project)
		existing.AreaPath = strings.TrimSpace(req.AreaPath)
		if req.WorkItemType != "" {
			existing.WorkItemType = req.WorkItemType
		}
		existing.Owner = strings.TrimSpace(req.Owner)
		existing.Repo = strings.TrimSpace(req.Repo)
		existing.BaseURL = strings.TrimSpace(req.BaseURL)
		existing.Tags = req.Tags
		existing.SyncComments = req.SyncComments
		existing.SyncStatus = req.SyncStatus
		existing.AutoCreateOnApproval = req.AutoCreateOnApproval
		if sealed != "" {
			now := time.Now()
			existing.EncryptedToken = sealed
			existing.TokenRotatedAt = &now
		}

		if err := tx.Save(existing).Error; err != nil {
			return err
		}
		cfg = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	action := "integration_updated"
	if sealed != "" {
		action = "integration_token_rotated"
	}
	LogInfo(ModuleAdmin, action, "integration config saved for category "+category.Name, &operatorID, "", "",
		map[string]interface{}{"category_id": categoryID, "integration_type": cfg.IntegrationType})

	cfg.MaskToken()
	return cfg, nil
}

func validateIntegration(req *UpsertIntegrationRequest) error {
	switch req.IntegrationType {
	case models.IntegrationNone:
		return nil
	case models.IntegrationAzureDevOps:
		if strings.TrimSpace(req.Organization) == "" || strings.TrimSpace(req.Project) == "" {
			return response.NewBadRequest("organization and project are required for azure devops")
		}
	case models.IntegrationGitHub:
		if strings.TrimSpace(req.Owner) == "" || strings.TrimSpace(req.Repo) == "" {
			return response.NewBadRequest("owner and repo are required for github")
		}
	default:
		return response.NewBadRequest("integration_type must be none, azure_devops or github")
	}
	return nil
}

// Validate calls the tracker with the stored settings and returns its area
// paths or branches.
func (s *IntegrationConfigService) Validate(ctx context.Context, categoryID uint) ([]string, error) {
	cfg, err := s.load(s.db.WithContext(ctx), categoryID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, response.NewBadRequest("category has no tracker integration")
	}
	adapter, err := s.adapters.For(cfg.IntegrationType)
	if err != nil {
		return nil, response.Wrap(response.NewUnprocessable(err.Error()), err)
	}
	locations, err := adapter.ListLocations(ctx, cfg)
	if err != nil {
		return nil, TrackerAppError(err)
	}
	return locations, nil
}

// TrackerAppError maps tracker errors for administrator-facing endpoints.
func TrackerAppError(err error) error {
	switch {
	case errors.Is(err, tracker.ErrConfiguration):
		return response.Wrap(response.NewUnprocessable(err.Error()), err)
	case errors.Is(err, tracker.ErrProviderAuth):
		return response.Wrap(response.NewBadGateway("tracker rejected the access token"), err)
	case errors.Is(err, tracker.ErrProviderNotFound):
		return response.Wrap(response.NewNotFound("tracker location not found"), err)
	case errors.Is(err, tracker.ErrProviderUnavailable), errors.Is(err, tracker.ErrProviderRejected):
		return response.Wrap(response.NewBadGateway(err.Error()), err)
	}
	return err
}
