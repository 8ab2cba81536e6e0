package models

import (
	"time"

	"gorm.io/gorm"
)

// Feature statuses
const (
	StatusProposal   = "proposal"
	StatusApproved   = "approved"
	StatusDeclined   = "declined"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusOnHold     = "on_hold"
	StatusMerged     = "merged"
)

// ValidStatus reports whether s is one of the feature statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusProposal, StatusApproved, StatusDeclined, StatusInProgress,
		StatusCompleted, StatusOnHold, StatusMerged:
		return true
	}
	return false
}

// Comment sources
const (
	CommentSourceLocal    = "local"
	CommentSourceExternal = "external"
)

// Feature is an internally authored request that may be linked to exactly one
// external work item.
type Feature struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CategoryID  uint      `gorm:"index;not null" json:"category_id"`
	Category    *Category `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
	AuthorID    uint      `json:"author_id"`
	Title       string    `gorm:"size:300;not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Status      string    `gorm:"size:30;index;default:proposal" json:"status"`

	ExternalID   *string `gorm:"size:100;index:idx_feature_external" json:"external_id"`
	ExternalType string  `gorm:"size:30;default:none;index:idx_feature_external" json:"external_type"` // none, azure_devops, github
	ExternalURL  string  `gorm:"size:500" json:"external_url"`

	SyncEnabled  bool       `gorm:"default:false;index" json:"sync_enabled"`
	SyncConflict bool       `gorm:"default:false;index" json:"sync_conflict"`
	SyncStale    bool       `gorm:"default:false" json:"sync_stale"` // external item deleted
	LastSyncAt   *time.Time `json:"last_sync_at"`
	// Fingerprint of title/description/state as last seen on the external side.
	ExternalFingerprint string `gorm:"size:64" json:"-"`

	MergedIntoID   *uint `gorm:"index" json:"merged_into_id"`
	CommentsLocked bool  `gorm:"default:false" json:"comments_locked"`
	VoteCount      int   `gorm:"default:0" json:"vote_count"`
	CommentCount   int   `gorm:"default:0" json:"comment_count"`

	// LastEditedAt moves only on authoritative local edits of title,
	// description or status. Sync bookkeeping never touches it.
	LastEditedAt   time.Time `json:"last_edited_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Feature) TableName() string { return "features" }

// IsLinked reports whether the feature carries an external link.
func (f *Feature) IsLinked() bool {
	return f.ExternalID != nil && *f.ExternalID != "" && f.ExternalType != IntegrationNone
}

// ExternalRef returns the external id or "" when unlinked.
func (f *Feature) ExternalRef() string {
	if f.ExternalID == nil {
		return ""
	}
	return *f.ExternalID
}

// Comment belongs to exactly one Feature. Mirrored comments have no AuthorID
// and carry the external author's display name.
type Comment struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	FeatureID  uint             `gorm:"index;not null" json:"feature_id"`
	AuthorID   *uint            `json:"author_id"`
	AuthorName string           `gorm:"size:200" json:"author_name"`
	Content    string           `gorm:"type:text;not null" json:"content"`
	Source     string           `gorm:"size:20;default:local" json:"source"`
	SyncLink   *CommentSyncLink `gorm:"foreignKey:CommentID;constraint:OnDelete:CASCADE" json:"sync_link,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	DeletedAt  gorm.DeletedAt   `gorm:"index" json:"-"`
}

func (Comment) TableName() string { return "comments" }

// CommentSyncLink pairs one local comment with one external comment. Its
// existence is the only idempotency signal the mirror relies on.
type CommentSyncLink struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	CommentID         uint      `gorm:"uniqueIndex;not null" json:"comment_id"`
	ExternalType      string    `gorm:"size:30;not null;uniqueIndex:idx_link_external" json:"external_type"`
	ExternalCommentID string    `gorm:"size:100;not null;uniqueIndex:idx_link_external" json:"external_comment_id"`
	ExternalUpdatedAt time.Time `json:"external_updated_at"`
	LocalUpdatedAt    time.Time `json:"local_updated_at"`
	SyncedAt          time.Time `json:"synced_at"`
	CreatedAt         time.Time `json:"created_at"`
}

func (CommentSyncLink) TableName() string { return "comment_sync_links" }

// AfterDelete removes the sync link together with its comment. Soft deletes
// keep the link so a deleted comment is never re-imported.
func (c *Comment) AfterDelete(tx *gorm.DB) error {
	if tx.Statement.Unscoped {
		return tx.Where("comment_id = ?", c.ID).Delete(&CommentSyncLink{}).Error
	}
	return nil
}

// Vote is a user's vote on a feature; merged along with comments.
type Vote struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	FeatureID uint      `gorm:"uniqueIndex:idx_vote_feature_user;not null" json:"feature_id"`
	UserID    uint      `gorm:"uniqueIndex:idx_vote_feature_user;not null" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (Vote) TableName() string { return "votes" }

// FeatureMergeRecord is the audit trail of a merge.
type FeatureMergeRecord struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	ParentID            uint      `gorm:"index;not null" json:"parent_id"`
	ChildID             uint      `gorm:"index;not null" json:"child_id"`
	OperatorID          uint      `json:"operator_id"`
	OriginalDescription string    `gorm:"type:text" json:"original_description"`
	MergedDescription   string    `gorm:"type:text" json:"merged_description"`
	CreatedAt           time.Time `json:"created_at"`
}

func (FeatureMergeRecord) TableName() string { return "feature_merge_records" }
