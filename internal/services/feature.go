package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/pkg/logger"
	"github.com/huangang/featurehub/pkg/response"
	"gorm.io/gorm"
)

// FeatureService performs the authoritative local writes. Tracker sync is
// queued after commit and never fails the write.
type FeatureService struct {
	db    *gorm.DB
	queue TaskQueue
	now   func() time.Time
}

func NewFeatureService(db *gorm.DB, queue TaskQueue) *FeatureService {
	return &FeatureService{db: db, queue: queue, now: time.Now}
}

type CreateFeatureRequest struct {
	CategoryID  uint   `json:"category_id" binding:"required"`
	Title       string `json:"title" binding:"required,max=300"`
	Description string `json:"description"`
}

type UpdateFeatureRequest struct {
	Title       *string `json:"title" binding:"omitempty,max=300"`
	Description *string `json:"description"`
}

type FeatureListRequest struct {
	Page         int    `form:"page"`
	PageSize     int    `form:"page_size"`
	CategoryID   uint   `form:"category_id"`
	Status       string `form:"status"`
	SyncConflict *bool  `form:"sync_conflict"`
	Search       string `form:"search"`
}

type FeatureListResponse struct {
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Items    []models.Feature `json:"items"`
}

func (s *FeatureService) Create(ctx context.Context, authorID uint, req *CreateFeatureRequest) (*models.Feature, error) {
	var category models.Category
	if err := s.db.WithContext(ctx).First(&category, req.CategoryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewBadRequest("category not found")
		}
		return nil, err
	}

	now := s.now()
	feature := &models.Feature{
		CategoryID:     req.CategoryID,
		AuthorID:       authorID,
		Title:          strings.TrimSpace(req.Title),
		Description:    req.Description,
		Status:         models.StatusProposal,
		ExternalType:   models.IntegrationNone,
		LastEditedAt:   now,
		LastActivityAt: now,
	}
	if err := s.db.WithContext(ctx).Create(feature).Error; err != nil {
		return nil, err
	}
	return feature, nil
}

func (s *FeatureService) Get(ctx context.Context, id uint) (*models.Feature, error) {
	var feature models.Feature
	if err := s.db.WithContext(ctx).Preload("Category.Integration").First(&feature, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("feature not found")
		}
		return nil, err
	}
	if feature.Category != nil && feature.Category.Integration != nil {
		feature.Category.Integration.MaskToken()
	}
	return &feature, nil
}

func (s *FeatureService) List(ctx context.Context, req *FeatureListRequest) (*FeatureListResponse, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.Feature{})
	if req.CategoryID != 0 {
		query = query.Where("category_id = ?", req.CategoryID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.SyncConflict != nil {
		query = query.Where("sync_conflict = ?", *req.SyncConflict)
	}
	if req.Search != "" {
		query = query.Where("title LIKE ?", "%"+req.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}
	var items []models.Feature
	offset := (req.Page - 1) * req.PageSize
	if err := query.Order("last_activity_at DESC, id DESC").Offset(offset).Limit(req.PageSize).Find(&items).Error; err != nil {
		return nil, err
	}
	return &FeatureListResponse{Total: total, Page: req.Page, PageSize: req.PageSize, Items: items}, nil
}

// loadForSync reads a feature with its category's integration config.
func (s *FeatureService) loadForSync(db *gorm.DB, id uint) (*models.Feature, *models.IntegrationConfig, error) {
	var feature models.Feature
	if err := db.Preload("Category.Integration").First(&feature, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, response.NewNotFound("feature not found")
		}
		return nil, nil, err
	}
	var cfg *models.IntegrationConfig
	if feature.Category != nil {
		cfg = feature.Category.Integration
	}
	return &feature, cfg, nil
}

// UpdateFields edits title and description.
func (s *FeatureService) UpdateFields(ctx context.Context, id, userID uint, req *UpdateFeatureRequest) (*models.Feature, error) {
	if req.Title == nil && req.Description == nil {
		return nil, response.NewBadRequest("nothing to update")
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return nil, response.NewBadRequest("title cannot be empty")
	}

	feature, cfg, err := s.loadForSync(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if feature.Status == models.StatusMerged {
		return nil, response.NewBadRequest("merged features cannot be edited")
	}

	now := s.now()
	updates := map[string]interface{}{"last_edited_at": now, "last_activity_at": now}
	if req.Title != nil {
		updates["title"] = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if err := s.db.WithContext(ctx).Model(feature).Updates(updates).Error; err != nil {
		return nil, err
	}

	if feature.IsLinked() && feature.SyncEnabled && cfg.Enabled() {
		s.enqueue(&SyncTask{Kind: SyncKindPushFields, FeatureID: feature.ID})
	}
	return s.Get(ctx, feature.ID)
}

// UpdateStatus changes the status. Approving an unlinked feature in a
// category with AutoCreateOnApproval queues work item creation.
func (s *FeatureService) UpdateStatus(ctx context.Context, id, userID uint, status string) (*models.Feature, error) {
	if !models.ValidStatus(status) {
		return nil, response.NewBadRequest("invalid status")
	}
	if status == models.StatusMerged {
		return nil, response.NewBadRequest("use merge to mark a feature merged")
	}

	feature, cfg, err := s.loadForSync(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if feature.Status == models.StatusMerged {
		return nil, response.NewBadRequest("merged features are terminal")
	}
	if feature.Status == status {
		return feature, nil
	}

	previous := feature.Status
	now := s.now()
	if err := s.db.WithContext(ctx).Model(feature).Updates(map[string]interface{}{
		"status":           status,
		"last_edited_at":   now,
		"last_activity_at": now,
	}).Error; err != nil {
		return nil, err
	}
	LogInfo(ModuleFeature, "status_changed", fmt.Sprintf("feature %d: %s -> %s", id, previous, status), &userID, "", "", nil)

	switch {
	case feature.IsLinked() && feature.SyncEnabled && cfg.Enabled() && cfg.SyncStatus:
		s.enqueue(&SyncTask{Kind: SyncKindPushFields, FeatureID: feature.ID})
	case !feature.IsLinked() && status == models.StatusApproved && cfg.Enabled() && cfg.AutoCreateOnApproval:
		s.enqueue(&SyncTask{Kind: SyncKindCreateWorkItem, FeatureID: feature.ID})
	}
	return s.Get(ctx, feature.ID)
}

// AddComment stores a local comment and queues its mirror to the tracker.
func (s *FeatureService) AddComment(ctx context.Context, featureID, userID uint, content string) (*models.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, response.NewBadRequest("comment cannot be empty")
	}

	feature, cfg, err := s.loadForSync(s.db.WithContext(ctx), featureID)
	if err != nil {
		return nil, err
	}
	if feature.CommentsLocked {
		return nil, response.NewForbidden("comments are locked on this feature")
	}

	var author models.User
	if err := s.db.WithContext(ctx).First(&author, userID).Error; err != nil {
		return nil, response.NewUnauthorized("unknown user")
	}

	comment := &models.Comment{
		FeatureID:  featureID,
		AuthorID:   &userID,
		AuthorName: author.DisplayName,
		Content:    content,
		Source:     models.CommentSourceLocal,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(comment).Error; err != nil {
			return err
		}
		return tx.Model(&models.Feature{}).Where("id = ?", featureID).Updates(map[string]interface{}{
			"comment_count":    gorm.Expr("comment_count + 1"),
			"last_activity_at": s.now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}

	if feature.IsLinked() && cfg.Enabled() && cfg.SyncComments {
		s.enqueue(&SyncTask{Kind: SyncKindPushComment, FeatureID: featureID, CommentID: comment.ID})
	}
	return comment, nil
}

// EditComment lets the author (or an admin) edit a local comment. Mirrored
// external comments are read-only here.
func (s *FeatureService) EditComment(ctx context.Context, commentID, userID uint, isAdmin bool, content string) (*models.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, response.NewBadRequest("comment cannot be empty")
	}

	var comment models.Comment
	if err := s.db.WithContext(ctx).Preload("SyncLink").First(&comment, commentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("comment not found")
		}
		return nil, err
	}
	if comment.Source == models.CommentSourceExternal {
		return nil, response.NewForbidden("comments imported from the tracker are edited there")
	}
	if !isAdmin && (comment.AuthorID == nil || *comment.AuthorID != userID) {
		return nil, response.NewForbidden("only the author can edit this comment")
	}

	feature, cfg, err := s.loadForSync(s.db.WithContext(ctx), comment.FeatureID)
	if err != nil {
		return nil, err
	}
	if feature.CommentsLocked {
		return nil, response.NewForbidden("comments are locked on this feature")
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&comment).Updates(map[string]interface{}{"content": content, "updated_at": now}).Error; err != nil {
			return err
		}
		if comment.SyncLink != nil {
			return tx.Model(comment.SyncLink).Update("local_updated_at", now).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	comment.Content = content

	if feature.IsLinked() && cfg.Enabled() && cfg.SyncComments {
		s.enqueue(&SyncTask{Kind: SyncKindPushComment, FeatureID: feature.ID, CommentID: comment.ID})
	}
	return &comment, nil
}

// DeleteComment soft-deletes a comment. The sync link survives so the
// tracker's copy is never imported again; the tracker copy is left alone.
func (s *FeatureService) DeleteComment(ctx context.Context, commentID, userID uint, isAdmin bool) error {
	var comment models.Comment
	if err := s.db.WithContext(ctx).First(&comment, commentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return response.NewNotFound("comment not found")
		}
		return err
	}
	if !isAdmin && (comment.AuthorID == nil || *comment.AuthorID != userID) {
		return response.NewForbidden("only the author can delete this comment")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&comment).Error; err != nil {
			return err
		}
		return tx.Model(&models.Feature{}).Where("id = ? AND comment_count > 0", comment.FeatureID).
			UpdateColumn("comment_count", gorm.Expr("comment_count - 1")).Error
	})
}

func (s *FeatureService) ListComments(ctx context.Context, featureID uint) ([]models.Comment, error) {
	var comments []models.Comment
	err := s.db.WithContext(ctx).Where("feature_id = ?", featureID).Order("created_at, id").Find(&comments).Error
	return comments, err
}

// Vote records one vote per user.
func (s *FeatureService) Vote(ctx context.Context, featureID, userID uint) error {
	feature, _, err := s.loadForSync(s.db.WithContext(ctx), featureID)
	if err != nil {
		return err
	}
	if feature.Status == models.StatusMerged {
		return response.NewBadRequest("vote on the feature this one was merged into")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.Vote{FeatureID: featureID, UserID: userID}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Feature{}).Where("id = ?", featureID).
			UpdateColumn("vote_count", gorm.Expr("vote_count + 1")).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return response.NewConflict("already voted")
	}
	return err
}

// Link attaches an existing tracker work item to an unlinked feature. The
// first sweep compares both sides before anything is copied.
func (s *FeatureService) Link(ctx context.Context, featureID, operatorID uint, externalID string) (*models.Feature, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, response.NewBadRequest("external_id is required")
	}

	feature, cfg, err := s.loadForSync(s.db.WithContext(ctx), featureID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, response.NewBadRequest("category has no tracker integration")
	}
	if feature.Status == models.StatusMerged {
		return nil, response.NewBadRequest("merged features cannot be linked")
	}

	result := s.db.WithContext(ctx).Model(&models.Feature{}).
		Where("id = ? AND external_id IS NULL", featureID).
		Updates(map[string]interface{}{
			"external_id":          externalID,
			"external_type":        cfg.IntegrationType,
			"sync_enabled":         true,
			"sync_conflict":        false,
			"sync_stale":           false,
			"last_sync_at":         nil,
			"external_fingerprint": "",
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, response.NewConflict("feature is already linked")
	}
	LogInfo(ModuleAdmin, "feature_linked", fmt.Sprintf("feature %d linked to %s #%s", featureID, cfg.IntegrationType, externalID),
		&operatorID, "", "", nil)
	return s.Get(ctx, feature.ID)
}

// Unlink removes the tracker link. Comment links stay so re-linking the same
// item does not duplicate comments.
func (s *FeatureService) Unlink(ctx context.Context, featureID, operatorID uint) error {
	result := s.db.WithContext(ctx).Model(&models.Feature{}).Where("id = ?", featureID).
		Updates(map[string]interface{}{
			"external_id":          nil,
			"external_type":        models.IntegrationNone,
			"external_url":         "",
			"sync_enabled":         false,
			"sync_conflict":        false,
			"sync_stale":           false,
			"last_sync_at":         nil,
			"external_fingerprint": "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return response.NewNotFound("feature not found")
	}
	LogInfo(ModuleAdmin, "feature_unlinked", fmt.Sprintf("feature %d unlinked", featureID), &operatorID, "", "", nil)
	return nil
}

// Merge folds child into parent. The child must not be linked to a tracker:
// its mirrored comments would keep pointing at another work item. The check
// runs before anything is written.
func (s *FeatureService) Merge(ctx context.Context, parentID, childID, operatorID uint) (*models.FeatureMergeRecord, error) {
	if parentID == childID {
		return nil, response.NewBadRequest("a feature cannot be merged into itself")
	}

	parent, parentCfg, err := s.loadForSync(s.db.WithContext(ctx), parentID)
	if err != nil {
		return nil, err
	}
	child, _, err := s.loadForSync(s.db.WithContext(ctx), childID)
	if err != nil {
		return nil, err
	}
	if child.Status == models.StatusMerged || parent.Status == models.StatusMerged {
		return nil, response.NewBadRequest("merged features cannot take part in another merge")
	}
	switch {
	case child.IsLinked() && !parent.IsLinked():
		return nil, response.NewUnprocessable("a feature linked to a tracker cannot be merged into an unlinked feature")
	case child.IsLinked():
		return nil, response.NewUnprocessable("unlink the child feature from its tracker before merging")
	}

	now := s.now()
	merged := fmt.Sprintf("%s\n\n---\nMerged from #%d: %s\n\n%s",
		strings.TrimRight(parent.Description, "\n"), child.ID, child.Title, child.Description)
	record := &models.FeatureMergeRecord{
		ParentID:            parentID,
		ChildID:             childID,
		OperatorID:          operatorID,
		OriginalDescription: parent.Description,
		MergedDescription:   merged,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Feature{}).
			Where("id = ? AND status <> ?", childID, models.StatusMerged).
			Updates(map[string]interface{}{
				"status":           models.StatusMerged,
				"comments_locked":  true,
				"merged_into_id":   parentID,
				"sync_enabled":     false,
				"last_activity_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return response.NewConflict("feature was merged concurrently")
		}

		if err := tx.Exec(
			"UPDATE votes SET feature_id = ? WHERE feature_id = ? AND user_id NOT IN (SELECT user_id FROM (SELECT user_id FROM votes WHERE feature_id = ?) AS parent_votes)",
			parentID, childID, parentID,
		).Error; err != nil {
			return err
		}
		if err := tx.Where("feature_id = ?", childID).Delete(&models.Vote{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Model(&models.Comment{}).Where("feature_id = ?", childID).
			Update("feature_id", parentID).Error; err != nil {
			return err
		}

		var votes, comments int64
		if err := tx.Model(&models.Vote{}).Where("feature_id = ?", parentID).Count(&votes).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Comment{}).Where("feature_id = ?", parentID).Count(&comments).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Feature{}).Where("id = ?", childID).
			Updates(map[string]interface{}{"vote_count": 0, "comment_count": 0}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Feature{}).Where("id = ?", parentID).Updates(map[string]interface{}{
			"description":      merged,
			"vote_count":       votes,
			"comment_count":    comments,
			"last_edited_at":   now,
			"last_activity_at": now,
		}).Error; err != nil {
			return err
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, err
	}

	LogInfo(ModuleFeature, "feature_merged", fmt.Sprintf("feature %d merged into %d", childID, parentID), &operatorID, "", "", nil)
	if parent.IsLinked() && parent.SyncEnabled && parentCfg.Enabled() {
		s.enqueue(&SyncTask{Kind: SyncKindPushFields, FeatureID: parentID})
	}
	return record, nil
}

func (s *FeatureService) enqueue(task *SyncTask) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(task); err != nil {
		logger.Warn().Err(err).Str("task", task.String()).Msg("failed to enqueue sync task")
		LogFeatureEvent("warning", "enqueue_failed", task.FeatureID, err.Error(), task)
	}
}
