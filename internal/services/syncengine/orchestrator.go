package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/featurehub/internal/lock"
	"github.com/huangang/featurehub/internal/mention"
	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/services"
	"github.com/huangang/featurehub/internal/tracker"
	"github.com/huangang/featurehub/pkg/logger"
	"github.com/huangang/featurehub/pkg/response"
	"gorm.io/gorm"
)

const (
	featureLockName   = "feature"
	lockRetryInterval = 200 * time.Millisecond
)

// Conflict resolution choices.
const (
	KeepLocal    = "local"
	KeepExternal = "external"
)

type Options struct {
	// LockTTL bounds how long one feature stays locked by a crashed holder.
	LockTTL time.Duration
	// LockWait is how long single-feature paths wait for a busy feature.
	LockWait time.Duration
}

// Orchestrator runs reconciliation for the sweep, the admin endpoints, the
// webhook ingestors and the outbound task queue.
type Orchestrator struct {
	db       *gorm.DB
	adapters services.AdapterSource
	mirror   *Mirror
	detector Detector
	locker   lock.Locker
	lockTTL  time.Duration
	lockWait time.Duration
	now      func() time.Time
}

func NewOrchestrator(db *gorm.DB, adapters services.AdapterSource, mentions *mention.Translator, locker lock.Locker, opts Options) *Orchestrator {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 10 * time.Second
	}
	return &Orchestrator{
		db:       db,
		adapters: adapters,
		mirror:   NewMirror(db, mentions),
		locker:   locker,
		lockTTL:  opts.LockTTL,
		lockWait: opts.LockWait,
		now:      time.Now,
	}
}

// FeatureError is one failed feature in a sweep.
type FeatureError struct {
	FeatureID uint   `json:"feature_id"`
	Error     string `json:"error"`
}

// Summary is the partial-success result of a sweep.
type Summary struct {
	RunID      string         `json:"run_id"`
	Updated    int            `json:"updated"`
	Conflicts  int            `json:"conflicts"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Errors     []FeatureError `json:"errors,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// FeatureResult is the outcome of reconciling one feature.
type FeatureResult struct {
	FeatureID     uint         `json:"feature_id"`
	Verdict       string       `json:"verdict"`
	FieldsApplied bool         `json:"fields_applied"`
	Comments      MirrorResult `json:"comments"`
	Pushed        int          `json:"comments_pushed"`
}

// Changed reports whether the pass wrote anything on either side.
func (r *FeatureResult) Changed() bool {
	return r.FieldsApplied || r.Comments.Synced() > 0 || r.Pushed > 0
}

// SyncStatus is the read-only view for administrators.
type SyncStatus struct {
	SyncEnabled int64      `json:"sync_enabled"`
	Conflicts   int64      `json:"conflicts"`
	Stale       int64      `json:"stale"`
	LastSyncAt  *time.Time `json:"last_sync_at"`
}

func (o *Orchestrator) lockFeature(ctx context.Context, featureID uint, wait bool) (lock.Release, error) {
	key := strconv.FormatUint(uint64(featureID), 10)
	deadline := time.Now().Add(o.lockWait)
	for {
		release, err := o.locker.Acquire(ctx, featureLockName, key, o.lockTTL)
		if err == nil || !errors.Is(err, lock.ErrNotAcquired) || !wait || !time.Now().Before(deadline) {
			return release, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func release(ctx context.Context, featureID uint, rel lock.Release) {
	if err := rel(context.WithoutCancel(ctx)); err != nil {
		logger.Warn().Err(err).Uint("feature_id", featureID).Msg("Failed to release feature lock")
	}
}

func (o *Orchestrator) loadFeature(ctx context.Context, id uint) (*models.Feature, *models.IntegrationConfig, error) {
	var f models.Feature
	if err := o.db.WithContext(ctx).Preload("Category.Integration").First(&f, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, response.NewNotFound("feature not found")
		}
		return nil, nil, err
	}
	var cfg *models.IntegrationConfig
	if f.Category != nil {
		cfg = f.Category.Integration
	}
	return &f, cfg, nil
}

// syncable reports whether a feature can be reconciled against cfg.
func syncable(f *models.Feature, cfg *models.IntegrationConfig) bool {
	return f.SyncEnabled && f.IsLinked() && f.Status != models.StatusMerged &&
		cfg.Enabled() && cfg.IntegrationType == f.ExternalType
}

// ReconcileAll sweeps every sync-enabled feature one at a time. Features held
// by another reconciliation are skipped. Stale features are checked again and
// count as skipped while their work item is still missing. A failed feature
// is recorded and the sweep goes on.
func (o *Orchestrator) ReconcileAll(ctx context.Context) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString(), StartedAt: o.now()}

	var ids []uint
	if err := o.db.WithContext(ctx).Model(&models.Feature{}).
		Where("sync_enabled = ? AND external_id IS NOT NULL AND status <> ?", true, models.StatusMerged).
		Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}

	log := logger.Component("sync")
	log.Info().Str("run_id", summary.RunID).Int("features", len(ids)).Msg("Reconciliation sweep started")

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		result, skipped, err := o.reconcileForSweep(ctx, id)
		switch {
		case err != nil:
			summary.Failed++
			summary.Errors = append(summary.Errors, FeatureError{FeatureID: id, Error: err.Error()})
		case skipped:
			summary.Skipped++
		case result.Verdict == Conflict.String():
			summary.Conflicts++
			if result.Comments.Synced() > 0 {
				summary.Updated++
			}
		case result.Changed():
			summary.Updated++
		}
	}

	summary.FinishedAt = o.now()
	log.Info().Str("run_id", summary.RunID).Int("updated", summary.Updated).Int("conflicts", summary.Conflicts).
		Int("failed", summary.Failed).Int("skipped", summary.Skipped).
		Dur("duration", summary.FinishedAt.Sub(summary.StartedAt)).Msg("Reconciliation sweep finished")
	return summary, ctx.Err()
}

func (o *Orchestrator) reconcileForSweep(ctx context.Context, id uint) (*FeatureResult, bool, error) {
	rel, err := o.lockFeature(ctx, id, false)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer release(ctx, id, rel)

	f, cfg, err := o.loadFeature(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !syncable(f, cfg) {
		return nil, true, nil
	}
	wasStale := f.SyncStale
	result, err := o.reconcile(ctx, f, cfg)
	if wasStale && errors.Is(err, tracker.ErrProviderNotFound) {
		return nil, true, nil
	}
	return result, false, err
}

// ReconcileFeature runs one feature through the same pass as the sweep. It
// waits for the feature lock and also retries features flagged stale.
func (o *Orchestrator) ReconcileFeature(ctx context.Context, id uint) (*FeatureResult, error) {
	rel, err := o.lockFeature(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer release(ctx, id, rel)

	f, cfg, err := o.loadFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	if !syncable(f, cfg) {
		return &FeatureResult{FeatureID: id, Verdict: "disabled"}, nil
	}
	return o.reconcile(ctx, f, cfg)
}

func (o *Orchestrator) reconcile(ctx context.Context, f *models.Feature, cfg *models.IntegrationConfig) (*FeatureResult, error) {
	result := &FeatureResult{FeatureID: f.ID}

	adapter, err := o.adapters.For(cfg.IntegrationType)
	if err != nil {
		return nil, o.recordFailure(f, err)
	}
	ext, err := adapter.GetWorkItem(ctx, cfg, f.ExternalRef())
	if err != nil {
		return nil, o.recordFailure(f, err)
	}
	if f.SyncStale {
		if err := o.db.WithContext(ctx).Model(&models.Feature{}).Where("id = ?", f.ID).
			UpdateColumn("sync_stale", false).Error; err != nil {
			return nil, err
		}
		f.SyncStale = false
	}

	verdict := Conflict
	if !f.SyncConflict {
		verdict = o.detector.Classify(f, ext, cfg.SyncStatus)
	}
	result.Verdict = verdict.String()

	switch verdict {
	case Clean:
		err = o.markSynced(ctx, f, ext)
	case LocalOnly:
		result.FieldsApplied, err = o.pushFields(ctx, adapter, f, cfg)
	case ExternalOnly:
		result.FieldsApplied, err = o.pullFields(ctx, f, cfg, ext, true)
	case Conflict:
		err = o.flagConflict(ctx, f, ext)
	}
	if err != nil {
		return nil, o.recordFailure(f, err)
	}

	if cfg.SyncComments && !f.CommentsLocked {
		pushed, err := o.pushPending(ctx, adapter, f, cfg)
		result.Pushed = pushed
		if err != nil {
			return result, o.recordFailure(f, err)
		}
		comments, err := o.mirror.PullComments(ctx, adapter, f, cfg)
		result.Comments = comments
		if err != nil {
			return result, o.recordFailure(f, err)
		}
	}
	return result, nil
}

// markSynced advances LastSyncAt and the external fingerprint. It is
// conditional on LastEditedAt so a local edit that raced in stays pending.
func (o *Orchestrator) markSynced(ctx context.Context, f *models.Feature, ext *tracker.WorkItem) error {
	updates := map[string]interface{}{
		"last_sync_at":         o.now(),
		"external_fingerprint": Fingerprint(ext),
	}
	if ext.URL != "" {
		updates["external_url"] = ext.URL
	}
	return o.db.WithContext(ctx).Model(&models.Feature{}).
		Where("id = ? AND last_edited_at = ?", f.ID, f.LastEditedAt).
		UpdateColumns(updates).Error
}

func (o *Orchestrator) pushFields(ctx context.Context, adapter tracker.Adapter, f *models.Feature, cfg *models.IntegrationConfig) (bool, error) {
	fields := tracker.Fields{Title: &f.Title, Description: &f.Description}
	if cfg.SyncStatus && f.Status != models.StatusMerged {
		status := f.Status
		fields.Status = &status
	}
	if err := adapter.UpdateWorkItemFields(ctx, cfg, f.ExternalRef(), fields); err != nil {
		return false, err
	}

	// The fingerprint must describe the item after our write, or the next
	// pass would see our own push as an external change.
	ext, err := adapter.GetWorkItem(ctx, cfg, f.ExternalRef())
	if err != nil {
		logger.Warn().Err(err).Uint("feature_id", f.ID).Msg("Pushed fields but could not re-read the work item")
		ext = &tracker.WorkItem{}
	}
	return true, o.markSynced(ctx, f, ext)
}

// pullFields copies title, description and (with SyncStatus) the mapped
// status. Guarded pulls lose to a local edit committed after f was read.
func (o *Orchestrator) pullFields(ctx context.Context, f *models.Feature, cfg *models.IntegrationConfig, ext *tracker.WorkItem, guarded bool) (bool, error) {
	updates := map[string]interface{}{
		"title":                ext.Title,
		"description":          ext.Description,
		"last_sync_at":         o.now(),
		"external_fingerprint": Fingerprint(ext),
		"sync_conflict":        false,
	}
	if ext.URL != "" {
		updates["external_url"] = ext.URL
	}
	if cfg.SyncStatus && ext.Status != "" && models.ValidStatus(ext.Status) && f.Status != models.StatusMerged {
		updates["status"] = ext.Status
	}

	q := o.db.WithContext(ctx).Model(&models.Feature{}).Where("id = ? AND status <> ?", f.ID, models.StatusMerged)
	if guarded {
		q = q.Where("last_edited_at = ?", f.LastEditedAt)
	}
	res := q.UpdateColumns(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	services.LogFeatureEvent("info", "external_pulled", f.ID,
		fmt.Sprintf("feature %d updated from %s #%s", f.ID, f.ExternalType, f.ExternalRef()), nil)
	return true, nil
}

func (o *Orchestrator) flagConflict(ctx context.Context, f *models.Feature, ext *tracker.WorkItem) error {
	if f.SyncConflict {
		return nil
	}
	if err := o.db.WithContext(ctx).Model(&models.Feature{}).Where("id = ?", f.ID).
		UpdateColumn("sync_conflict", true).Error; err != nil {
		return err
	}
	f.SyncConflict = true
	services.LogFeatureEvent("warning", "sync_conflict", f.ID,
		fmt.Sprintf("feature %d and %s #%s both changed since the last sync", f.ID, f.ExternalType, f.ExternalRef()),
		map[string]interface{}{"local_edited_at": f.LastEditedAt, "external_updated_at": ext.UpdatedAt, "last_sync_at": f.LastSyncAt})
	return nil
}

func (o *Orchestrator) pushPending(ctx context.Context, adapter tracker.Adapter, f *models.Feature, cfg *models.IntegrationConfig) (int, error) {
	pending, err := o.mirror.pendingPushes(ctx, f.ID, cfg.IntegrationType)
	if err != nil {
		return 0, err
	}
	pushed := 0
	for i := range pending {
		sent, err := o.mirror.PushComment(ctx, adapter, f, cfg, &pending[i])
		if err != nil {
			return pushed, err
		}
		if sent {
			pushed++
		}
	}
	return pushed, nil
}

// recordFailure turns provider errors into feature state and admin-visible
// log entries, and returns err unchanged.
func (o *Orchestrator) recordFailure(f *models.Feature, err error) error {
	switch {
	case errors.Is(err, tracker.ErrProviderNotFound):
		if !f.SyncStale {
			if dbErr := o.db.Model(&models.Feature{}).Where("id = ?", f.ID).UpdateColumn("sync_stale", true).Error; dbErr != nil {
				logger.Error().Err(dbErr).Uint("feature_id", f.ID).Msg("Failed to flag feature stale")
			}
			f.SyncStale = true
			services.LogFeatureEvent("warning", "sync_stale", f.ID,
				fmt.Sprintf("%s #%s no longer exists; feature %d left linked", f.ExternalType, f.ExternalRef(), f.ID), nil)
		}
	case errors.Is(err, tracker.ErrProviderAuth):
		services.LogFeatureEvent("error", "provider_auth_failed", f.ID, err.Error(), nil)
	case errors.Is(err, tracker.ErrConfiguration):
		services.LogFeatureEvent("error", "integration_misconfigured", f.ID, err.Error(), nil)
	default:
		logger.Warn().Err(err).Uint("feature_id", f.ID).Msg("Feature reconciliation failed")
	}
	return err
}

// SyncFeatureComments runs only the inbound comment pass. Webhooks use it.
func (o *Orchestrator) SyncFeatureComments(ctx context.Context, id uint) (MirrorResult, error) {
	rel, err := o.lockFeature(ctx, id, true)
	if err != nil {
		return MirrorResult{}, err
	}
	defer release(ctx, id, rel)

	f, cfg, err := o.loadFeature(ctx, id)
	if err != nil {
		return MirrorResult{}, err
	}
	if !syncable(f, cfg) || !cfg.SyncComments || f.CommentsLocked {
		return MirrorResult{}, nil
	}
	adapter, err := o.adapters.For(cfg.IntegrationType)
	if err != nil {
		return MirrorResult{}, err
	}
	res, err := o.mirror.PullComments(ctx, adapter, f, cfg)
	if err != nil {
		return res, o.recordFailure(f, err)
	}
	return res, nil
}

// PushComment mirrors one local comment out. Used by the task queue.
func (o *Orchestrator) PushComment(ctx context.Context, commentID uint) error {
	var c models.Comment
	if err := o.db.WithContext(ctx).First(&c, commentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	rel, err := o.lockFeature(ctx, c.FeatureID, true)
	if err != nil {
		return err
	}
	defer release(ctx, c.FeatureID, rel)

	f, cfg, err := o.loadFeature(ctx, c.FeatureID)
	if err != nil {
		return err
	}
	if !syncable(f, cfg) || f.CommentsLocked {
		return nil
	}
	adapter, err := o.adapters.For(cfg.IntegrationType)
	if err != nil {
		return err
	}
	// Re-read under the lock; the comment may have been edited meanwhile.
	if err := o.db.WithContext(ctx).First(&c, commentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if _, err := o.mirror.PushComment(ctx, adapter, f, cfg, &c); err != nil {
		return o.recordFailure(f, err)
	}
	return nil
}

// ResolveConflict clears a conflict by keeping one side: local fields are
// pushed, or external fields are pulled over the local ones.
func (o *Orchestrator) ResolveConflict(ctx context.Context, id uint, keep string, operatorID uint) (*models.Feature, error) {
	if keep != KeepLocal && keep != KeepExternal {
		return nil, response.NewBadRequest("keep must be local or external")
	}

	rel, err := o.lockFeature(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer release(ctx, id, rel)

	f, cfg, err := o.loadFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	if !f.SyncConflict {
		return nil, response.NewBadRequest("feature has no sync conflict")
	}
	if !syncable(f, cfg) {
		return nil, response.NewBadRequest("feature is not synced with a tracker")
	}
	adapter, err := o.adapters.For(cfg.IntegrationType)
	if err != nil {
		return nil, err
	}

	if keep == KeepLocal {
		if _, err := o.pushFields(ctx, adapter, f, cfg); err != nil {
			return nil, o.recordFailure(f, err)
		}
		if err := o.db.WithContext(ctx).Model(&models.Feature{}).Where("id = ?", f.ID).
			UpdateColumn("sync_conflict", false).Error; err != nil {
			return nil, err
		}
	} else {
		ext, err := adapter.GetWorkItem(ctx, cfg, f.ExternalRef())
		if err != nil {
			return nil, o.recordFailure(f, err)
		}
		if _, err := o.pullFields(ctx, f, cfg, ext, false); err != nil {
			return nil, err
		}
	}

	services.LogInfo(services.ModuleSync, "sync_conflict_resolved",
		fmt.Sprintf("feature %d conflict resolved keeping %s", f.ID, keep), &operatorID, "", "",
		map[string]interface{}{"feature_id": f.ID, "keep": keep})

	var out models.Feature
	if err := o.db.WithContext(ctx).First(&out, id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// Status counts synced, conflicting and stale features.
func (o *Orchestrator) Status(ctx context.Context) (*SyncStatus, error) {
	db := o.db.WithContext(ctx).Model(&models.Feature{})
	status := &SyncStatus{}
	if err := db.Session(&gorm.Session{}).Where("sync_enabled = ?", true).Count(&status.SyncEnabled).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{}).Where("sync_conflict = ?", true).Count(&status.Conflicts).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{}).Where("sync_stale = ?", true).Count(&status.Stale).Error; err != nil {
		return nil, err
	}

	var last models.Feature
	err := o.db.WithContext(ctx).Where("last_sync_at IS NOT NULL").Order("last_sync_at DESC").
		Select("id", "last_sync_at").First(&last).Error
	switch {
	case err == nil:
		status.LastSyncAt = last.LastSyncAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return status, nil
}

// ProcessTask runs one queued outbound task. Failures retrying cannot fix are
// marked permanent.
func (o *Orchestrator) ProcessTask(ctx context.Context, task *services.SyncTask) error {
	var err error
	switch task.Kind {
	case services.SyncKindPushComment:
		err = o.PushComment(ctx, task.CommentID)
	case services.SyncKindPushFields:
		_, err = o.ReconcileFeature(ctx, task.FeatureID)
	case services.SyncKindCreateWorkItem:
		_, err = o.CreateWorkItem(ctx, task.FeatureID)
	default:
		return fmt.Errorf("unknown sync task kind %q: %w", task.Kind, services.ErrTaskPermanent)
	}
	if err == nil {
		return nil
	}

	var appErr *response.AppError
	if errors.Is(err, tracker.ErrProviderAuth) || errors.Is(err, tracker.ErrConfiguration) ||
		errors.Is(err, tracker.ErrProviderNotFound) || errors.Is(err, tracker.ErrProviderRejected) ||
		errors.As(err, &appErr) {
		return fmt.Errorf("%s: %v: %w", task, err, services.ErrTaskPermanent)
	}
	return fmt.Errorf("%s: %w", task, err)
}
