package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Integration types. Exactly two trackers are supported.
const (
	IntegrationNone        = "none"
	IntegrationAzureDevOps = "azure_devops"
	IntegrationGitHub      = "github"
)

// Category groups features and owns the tracker integration they sync with.
type Category struct {
	ID          uint               `gorm:"primaryKey" json:"id"`
	Name        string             `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Description string             `gorm:"size:500" json:"description"`
	Integration *IntegrationConfig `gorm:"foreignKey:CategoryID" json:"integration,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	DeletedAt   gorm.DeletedAt     `gorm:"index" json:"-"`
}

func (Category) TableName() string { return "categories" }

// IntegrationConfig holds a category's tracker location and its encrypted
// access token. The token is never serialized.
type IntegrationConfig struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	CategoryID      uint   `gorm:"uniqueIndex;not null" json:"category_id"`
	IntegrationType string `gorm:"size:30;default:none" json:"integration_type"`

	// Azure DevOps
	Organization string `gorm:"size:200" json:"organization"`
	Project      string `gorm:"size:200" json:"project"`
	AreaPath     string `gorm:"size:500" json:"area_path"`
	WorkItemType string `gorm:"size:100;default:'User Story'" json:"work_item_type"`

	// GitHub
	Owner string `gorm:"size:200" json:"owner"`
	Repo  string `gorm:"size:200" json:"repo"`

	BaseURL        string     `gorm:"size:500" json:"base_url"` // API override for self-hosted servers
	EncryptedToken string     `gorm:"type:text" json:"-"`
	TokenMask      string     `gorm:"-" json:"token_mask"`
	TokenRotatedAt *time.Time `json:"token_rotated_at"`
	Tags           string     `gorm:"size:500" json:"tags"` // comma-separated, applied on work item creation

	SyncComments         bool `gorm:"default:false" json:"sync_comments"`
	SyncStatus           bool `gorm:"default:false" json:"sync_status"`
	AutoCreateOnApproval bool `gorm:"default:false" json:"auto_create_on_approval"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (IntegrationConfig) TableName() string { return "integration_configs" }

// Enabled reports whether the config points at a tracker.
func (c *IntegrationConfig) Enabled() bool {
	return c != nil && (c.IntegrationType == IntegrationAzureDevOps || c.IntegrationType == IntegrationGitHub)
}

// TagList splits Tags into trimmed, non-empty entries.
func (c *IntegrationConfig) TagList() []string {
	var tags []string
	for _, t := range strings.Split(c.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// MaskToken fills TokenMask for display.
func (c *IntegrationConfig) MaskToken() {
	if c.EncryptedToken == "" {
		c.TokenMask = ""
		return
	}
	c.TokenMask = "****"
}
