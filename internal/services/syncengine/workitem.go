package syncengine

import (
	"context"
	"fmt"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/services"
	"github.com/huangang/featurehub/internal/tracker"
	"github.com/huangang/featurehub/pkg/logger"
	"github.com/huangang/featurehub/pkg/response"
)

// CreateWorkItem opens a tracker work item for an unlinked feature and links
// it. The feature lock plus the conditional link write keep creation at most
// once per feature; a feature that is already linked is returned unchanged.
func (o *Orchestrator) CreateWorkItem(ctx context.Context, featureID uint) (*models.Feature, error) {
	rel, err := o.lockFeature(ctx, featureID, true)
	if err != nil {
		return nil, err
	}
	defer release(ctx, featureID, rel)

	f, cfg, err := o.loadFeature(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if f.ExternalID != nil {
		return f, nil
	}
	if f.Status == models.StatusMerged {
		return nil, response.NewBadRequest("merged features cannot be linked")
	}
	if !cfg.Enabled() {
		return nil, response.NewBadRequest("category has no tracker integration")
	}
	adapter, err := o.adapters.For(cfg.IntegrationType)
	if err != nil {
		return nil, err
	}

	ref, err := adapter.CreateWorkItem(ctx, cfg, tracker.WorkItemInput{
		Title:       f.Title,
		Description: f.Description,
		Type:        cfg.WorkItemType,
		Tags:        cfg.TagList(),
	})
	if err != nil {
		return nil, o.recordFailure(f, err)
	}

	now := o.now()
	res := o.db.WithContext(ctx).Model(&models.Feature{}).
		Where("id = ? AND external_id IS NULL", f.ID).
		UpdateColumns(map[string]interface{}{
			"external_id":   ref.ExternalID,
			"external_type": cfg.IntegrationType,
			"external_url":  ref.ExternalURL,
			"sync_enabled":  true,
			"sync_conflict": false,
			"sync_stale":    false,
			"last_sync_at":  now,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		// The work item exists but is not linked; an administrator has to
		// link or close it by hand.
		services.LogFeatureEvent("error", "work_item_orphaned", f.ID,
			fmt.Sprintf("created %s #%s but could not link it to feature %d", cfg.IntegrationType, ref.ExternalID, f.ID),
			map[string]interface{}{"external_url": ref.ExternalURL})
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, response.NewConflict("feature was linked concurrently")
	}

	// Best effort: without a fingerprint the next sweep compares timestamps
	// against LastSyncAt only.
	if ext, err := adapter.GetWorkItem(ctx, cfg, ref.ExternalID); err != nil {
		logger.Warn().Err(err).Uint("feature_id", f.ID).Msg("Created work item could not be re-read")
	} else if err := o.db.WithContext(ctx).Model(&models.Feature{}).Where("id = ?", f.ID).
		UpdateColumn("external_fingerprint", Fingerprint(ext)).Error; err != nil {
		logger.Warn().Err(err).Uint("feature_id", f.ID).Msg("Failed to store the work item fingerprint")
	}

	services.LogFeatureEvent("info", "work_item_created", f.ID,
		fmt.Sprintf("feature %d linked to new %s #%s", f.ID, cfg.IntegrationType, ref.ExternalID),
		map[string]interface{}{"external_url": ref.ExternalURL})

	out, _, err := o.loadFeature(ctx, f.ID)
	return out, err
}
