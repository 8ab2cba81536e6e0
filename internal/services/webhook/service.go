package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/huangang/featurehub/internal/config"
	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/services/syncengine"
	"github.com/huangang/featurehub/pkg/logger"
	"gorm.io/gorm"
)

// CommentSyncer runs the inbound comment pass for one feature.
type CommentSyncer interface {
	SyncFeatureComments(ctx context.Context, featureID uint) (syncengine.MirrorResult, error)
}

// Service turns tracker deliveries into single-feature comment syncs.
type Service struct {
	db     *gorm.DB
	syncer CommentSyncer
	cfg    config.WebhookConfig
}

// NewService creates a new webhook Service instance
func NewService(db *gorm.DB, syncer CommentSyncer, cfg config.WebhookConfig) *Service {
	if cfg.AllowUnsignedDev {
		logger.Warn().Msg("[Webhook] allow_unsigned_dev is set: deliveries without a configured credential are accepted")
	}
	return &Service{db: db, syncer: syncer, cfg: cfg}
}

// RequestInfo identifies the caller for the audit trail.
type RequestInfo struct {
	ClientIP  string
	UserAgent string
}

// resolveFeature finds the sync-enabled feature linked to externalID whose
// category config matches the delivery. It returns nil when none does.
func (s *Service) resolveFeature(ctx context.Context, externalType, externalID string, match func(*models.IntegrationConfig) bool) (*models.Feature, *models.IntegrationConfig, error) {
	if externalID == "" {
		return nil, nil, nil
	}
	var candidates []models.Feature
	if err := s.db.WithContext(ctx).Preload("Category.Integration").
		Where("external_type = ? AND external_id = ? AND sync_enabled = ?", externalType, externalID, true).
		Find(&candidates).Error; err != nil {
		return nil, nil, err
	}
	for i := range candidates {
		f := &candidates[i]
		if f.Category == nil || f.Category.Integration == nil {
			continue
		}
		cfg := f.Category.Integration
		if cfg.IntegrationType == externalType && match(cfg) {
			return f, cfg, nil
		}
	}
	return nil, nil, nil
}

func (s *Service) syncFeature(ctx context.Context, f *models.Feature, cfg *models.IntegrationConfig) (*Result, error) {
	if f == nil || !cfg.SyncComments {
		return &Result{}, nil
	}
	res, err := s.syncer.SyncFeatureComments(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("sync feature %d comments: %w", f.ID, err)
	}
	return &Result{Synced: res.Synced(), Skipped: res.Skipped}, nil
}

// reject logs a refused delivery and returns err. Unauthenticated callers
// must not be able to write rows, so nothing goes to the system log table.
func reject(provider string, info RequestInfo, err error) error {
	reason := "signature_rejected"
	if errors.Is(err, ErrNotConfigured) {
		reason = "webhook_not_configured"
	}
	logger.Warn().Err(err).Str("provider", provider).Str("reason", reason).
		Str("ip", info.ClientIP).Str("user_agent", info.UserAgent).Msg("[Webhook] Delivery rejected")
	return err
}

// allowUnsigned reports whether a provider without a credential may pass.
func (s *Service) allowUnsigned(provider string, info RequestInfo) bool {
	if !s.cfg.AllowUnsignedDev {
		return false
	}
	logger.Warn().Str("provider", provider).Str("ip", info.ClientIP).
		Msg("[Webhook] Accepting unsigned delivery (allow_unsigned_dev)")
	return true
}
