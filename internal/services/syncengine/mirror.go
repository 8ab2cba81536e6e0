package syncengine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/huangang/featurehub/internal/mention"
	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/tracker"
	"github.com/huangang/featurehub/pkg/logger"
	"gorm.io/gorm"
)

// linkLookupChunk bounds the IN list used to load comment links.
const linkLookupChunk = 500

const externalAuthorFallback = "external user"

var markerPattern = regexp.MustCompile(`\s*<!--\s*featurehub:comment:(\d+)\s*-->\s*`)

// withMarker tags an outbound comment body with the local comment id so the
// copy that comes back from the tracker is recognized as our own.
func withMarker(body string, commentID uint) string {
	return fmt.Sprintf("%s\n\n<!-- featurehub:comment:%d -->", body, commentID)
}

// parseMarker returns the local comment id embedded by withMarker.
func parseMarker(body string) (uint, bool) {
	m := markerPattern.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func stripMarker(body string) string {
	return strings.TrimSpace(markerPattern.ReplaceAllString(body, ""))
}

// MirrorResult counts what one inbound pass did.
type MirrorResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Synced is the number of comments that changed locally.
func (r MirrorResult) Synced() int { return r.Created + r.Updated }

type pullOutcome int

const (
	outcomeSkipped pullOutcome = iota
	outcomeCreated
	outcomeUpdated
)

// linkedComment is a link row with its (possibly soft-deleted) comment.
type linkedComment struct {
	link    models.CommentSyncLink
	comment *models.Comment
}

// Mirror copies comments between a feature and its work item. Callers hold
// the per-feature lock; the mirror itself only keeps each comment and its
// link row consistent.
type Mirror struct {
	db       *gorm.DB
	mentions *mention.Translator
	now      func() time.Time
}

func NewMirror(db *gorm.DB, mentions *mention.Translator) *Mirror {
	return &Mirror{db: db, mentions: mentions, now: time.Now}
}

// render produces the body a local comment has on the tracker, without the
// marker.
func (m *Mirror) render(ctx context.Context, provider string, c *models.Comment) (string, error) {
	body, err := m.mentions.Outbound(ctx, provider, c.Content)
	if err != nil {
		return "", err
	}
	return tracker.Attribute(provider, c.AuthorName, body), nil
}

// PushComment sends one local comment to the tracker: created the first time,
// edited when a link already exists. The link is written or advanced only
// after the provider accepted the call. It reports whether anything was sent.
func (m *Mirror) PushComment(ctx context.Context, adapter tracker.Adapter, f *models.Feature, cfg *models.IntegrationConfig, c *models.Comment) (bool, error) {
	if c.Source != models.CommentSourceLocal || c.DeletedAt.Valid {
		return false, nil
	}
	if !cfg.SyncComments || !f.IsLinked() || f.ExternalType != cfg.IntegrationType {
		return false, nil
	}
	db := m.db.WithContext(ctx)
	provider := cfg.IntegrationType

	var link models.CommentSyncLink
	err := db.Where("comment_id = ?", c.ID).First(&link).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		body, err := m.mentions.Outbound(ctx, provider, c.Content)
		if err != nil {
			return false, err
		}
		extID, err := adapter.CreateComment(ctx, cfg, f.ExternalRef(), withMarker(body, c.ID), c.AuthorName)
		if err != nil {
			return false, err
		}
		now := m.now()
		link = models.CommentSyncLink{
			CommentID:         c.ID,
			ExternalType:      provider,
			ExternalCommentID: extID,
			ExternalUpdatedAt: now,
			LocalUpdatedAt:    c.UpdatedAt,
			SyncedAt:          now,
		}
		if err := db.Create(&link).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return true, nil
			}
			logger.Error().Err(err).Uint("comment_id", c.ID).Str("external_comment_id", extID).
				Msg("Comment pushed but link could not be stored; the marker will recover it")
			return true, err
		}
		return true, nil
	case err != nil:
		return false, err
	}

	if link.ExternalType != provider {
		// Linked under a previous integration of this category.
		return false, nil
	}
	body, err := m.render(ctx, provider, c)
	if err != nil {
		return false, err
	}
	updates := map[string]interface{}{}
	err = adapter.UpdateComment(ctx, cfg, f.ExternalRef(), link.ExternalCommentID, withMarker(body, c.ID))
	if errors.Is(err, tracker.ErrProviderNotFound) {
		// The external copy was deleted on the tracker. Post it again; a 404
		// here means the work item itself is gone.
		logger.Warn().Err(err).Uint("comment_id", c.ID).Str("external_comment_id", link.ExternalCommentID).
			Msg("External comment missing, posting it again")
		extID, createErr := m.recreate(ctx, adapter, f, cfg, c)
		if createErr != nil {
			return false, createErr
		}
		updates["external_comment_id"] = extID
		err = nil
	}
	if err != nil {
		return false, err
	}
	now := m.now()
	local := link.LocalUpdatedAt
	if c.UpdatedAt.After(local) {
		local = c.UpdatedAt
	}
	updates["external_updated_at"] = now
	updates["local_updated_at"] = local
	updates["synced_at"] = now
	if err := db.Model(&models.CommentSyncLink{}).Where("id = ?", link.ID).Updates(updates).Error; err != nil {
		logger.Error().Err(err).Uint("comment_id", c.ID).Msg("Comment pushed but link could not be advanced")
		return true, err
	}
	return true, nil
}

func (m *Mirror) recreate(ctx context.Context, adapter tracker.Adapter, f *models.Feature, cfg *models.IntegrationConfig, c *models.Comment) (string, error) {
	body, err := m.mentions.Outbound(ctx, cfg.IntegrationType, c.Content)
	if err != nil {
		return "", err
	}
	return adapter.CreateComment(ctx, cfg, f.ExternalRef(), withMarker(body, c.ID), c.AuthorName)
}

// PullComments imports new external comments and applies external edits.
// Processing continues past a failing comment; the first error is returned
// with the partial result.
func (m *Mirror) PullComments(ctx context.Context, adapter tracker.Adapter, f *models.Feature, cfg *models.IntegrationConfig) (MirrorResult, error) {
	var res MirrorResult
	if !cfg.SyncComments || !f.IsLinked() {
		return res, nil
	}

	external, err := adapter.FetchComments(ctx, cfg, f.ExternalRef())
	if err != nil {
		return res, err
	}
	if len(external) == 0 {
		return res, nil
	}

	linked, err := m.loadLinks(ctx, cfg.IntegrationType, external)
	if err != nil {
		return res, err
	}

	var firstErr error
	for i := range external {
		ext := &external[i]
		outcome, err := m.pullOne(ctx, f, cfg, ext, linked[ext.ExternalCommentID])
		if err != nil {
			logger.Warn().Err(err).Uint("feature_id", f.ID).Str("external_comment_id", ext.ExternalCommentID).
				Msg("Failed to mirror external comment")
			if firstErr == nil {
				firstErr = fmt.Errorf("comment %s: %w", ext.ExternalCommentID, err)
			}
			continue
		}
		switch outcome {
		case outcomeCreated:
			res.Created++
		case outcomeUpdated:
			res.Updated++
		default:
			res.Skipped++
		}
	}
	return res, firstErr
}

func (m *Mirror) loadLinks(ctx context.Context, provider string, external []tracker.Comment) (map[string]*linkedComment, error) {
	ids := make([]string, 0, len(external))
	for _, c := range external {
		ids = append(ids, c.ExternalCommentID)
	}

	db := m.db.WithContext(ctx)
	var links []models.CommentSyncLink
	for start := 0; start < len(ids); start += linkLookupChunk {
		end := start + linkLookupChunk
		if end > len(ids) {
			end = len(ids)
		}
		var batch []models.CommentSyncLink
		if err := db.Where("external_type = ? AND external_comment_id IN ?", provider, ids[start:end]).
			Find(&batch).Error; err != nil {
			return nil, err
		}
		links = append(links, batch...)
	}
	if len(links) == 0 {
		return map[string]*linkedComment{}, nil
	}

	commentIDs := make([]uint, 0, len(links))
	for _, l := range links {
		commentIDs = append(commentIDs, l.CommentID)
	}
	var comments []models.Comment
	if err := db.Unscoped().Where("id IN ?", commentIDs).Find(&comments).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]*models.Comment, len(comments))
	for i := range comments {
		byID[comments[i].ID] = &comments[i]
	}

	out := make(map[string]*linkedComment, len(links))
	for _, l := range links {
		out[l.ExternalCommentID] = &linkedComment{link: l, comment: byID[l.CommentID]}
	}
	return out, nil
}

func (m *Mirror) pullOne(ctx context.Context, f *models.Feature, cfg *models.IntegrationConfig, ext *tracker.Comment, lc *linkedComment) (pullOutcome, error) {
	if lc == nil {
		if localID, ok := parseMarker(ext.Body); ok {
			return outcomeSkipped, m.recoverLink(ctx, cfg.IntegrationType, ext, localID)
		}
		if f.CommentsLocked {
			return outcomeSkipped, nil
		}
		return m.importComment(ctx, f, cfg, ext)
	}

	c := lc.comment
	switch {
	case c == nil, c.DeletedAt.Valid:
		return outcomeSkipped, nil
	case lc.link.LocalUpdatedAt.After(ext.UpdatedAt):
		// A newer local edit is waiting to be pushed.
		return outcomeSkipped, nil
	case !ext.UpdatedAt.After(lc.link.ExternalUpdatedAt):
		return outcomeSkipped, nil
	}

	content, err := m.inboundContent(ctx, cfg.IntegrationType, ext, c)
	if err != nil {
		return outcomeSkipped, err
	}
	if content == c.Content {
		return outcomeSkipped, m.advanceLink(ctx, lc.link.ID, ext.UpdatedAt)
	}
	if c.Source == models.CommentSourceLocal {
		rendered, err := m.render(ctx, cfg.IntegrationType, c)
		if err != nil {
			return outcomeSkipped, err
		}
		if strings.TrimSpace(rendered) == stripMarker(ext.Body) {
			return outcomeSkipped, m.advanceLink(ctx, lc.link.ID, ext.UpdatedAt)
		}
	}

	now := m.now()
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Comment{}).Where("id = ?", c.ID).
			UpdateColumns(map[string]interface{}{"content": content, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&models.CommentSyncLink{}).Where("id = ?", lc.link.ID).Updates(map[string]interface{}{
			"external_updated_at": ext.UpdatedAt,
			"local_updated_at":    ext.UpdatedAt,
			"synced_at":           now,
		}).Error
	})
	if err != nil {
		return outcomeSkipped, err
	}
	return outcomeUpdated, nil
}

// inboundContent converts an external body to local form. For comments that
// originated here the attribution prefix added on the way out is removed.
func (m *Mirror) inboundContent(ctx context.Context, provider string, ext *tracker.Comment, c *models.Comment) (string, error) {
	body := stripMarker(ext.Body)
	if c != nil && c.Source == models.CommentSourceLocal {
		body = tracker.StripAttribution(provider, c.AuthorName, body)
	}
	return m.mentions.Inbound(ctx, provider, body)
}

func (m *Mirror) advanceLink(ctx context.Context, linkID uint, externalUpdatedAt time.Time) error {
	return m.db.WithContext(ctx).Model(&models.CommentSyncLink{}).Where("id = ?", linkID).Updates(map[string]interface{}{
		"external_updated_at": externalUpdatedAt,
		"synced_at":           m.now(),
	}).Error
}

// recoverLink re-attaches an external comment that carries our marker but has
// no link row, which happens when a push succeeded and the link write did not.
func (m *Mirror) recoverLink(ctx context.Context, provider string, ext *tracker.Comment, localID uint) error {
	db := m.db.WithContext(ctx)
	var c models.Comment
	if err := db.Unscoped().First(&c, localID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	link := models.CommentSyncLink{
		CommentID:         c.ID,
		ExternalType:      provider,
		ExternalCommentID: ext.ExternalCommentID,
		ExternalUpdatedAt: ext.UpdatedAt,
		LocalUpdatedAt:    c.UpdatedAt,
		SyncedAt:          m.now(),
	}
	if err := db.Create(&link).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}
	return nil
}

func (m *Mirror) importComment(ctx context.Context, f *models.Feature, cfg *models.IntegrationConfig, ext *tracker.Comment) (pullOutcome, error) {
	content, err := m.inboundContent(ctx, cfg.IntegrationType, ext, nil)
	if err != nil {
		return outcomeSkipped, err
	}
	if strings.TrimSpace(content) == "" {
		return outcomeSkipped, nil
	}

	author := strings.TrimSpace(ext.Author)
	if author == "" {
		author = externalAuthorFallback
	}
	now := m.now()
	created := ext.CreatedAt
	if created.IsZero() {
		created = now
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		comment := &models.Comment{
			FeatureID:  f.ID,
			AuthorName: author,
			Content:    content,
			Source:     models.CommentSourceExternal,
			CreatedAt:  created,
			UpdatedAt:  now,
		}
		if err := tx.Create(comment).Error; err != nil {
			return err
		}
		link := &models.CommentSyncLink{
			CommentID:         comment.ID,
			ExternalType:      cfg.IntegrationType,
			ExternalCommentID: ext.ExternalCommentID,
			ExternalUpdatedAt: ext.UpdatedAt,
			LocalUpdatedAt:    ext.UpdatedAt,
			SyncedAt:          now,
		}
		if err := tx.Create(link).Error; err != nil {
			return err
		}
		return tx.Model(&models.Feature{}).Where("id = ?", f.ID).UpdateColumns(map[string]interface{}{
			"comment_count":    gorm.Expr("comment_count + 1"),
			"last_activity_at": now,
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	return outcomeCreated, nil
}

// pendingPushes returns local comments of a feature whose edits have not
// reached the tracker yet.
func (m *Mirror) pendingPushes(ctx context.Context, featureID uint, provider string) ([]models.Comment, error) {
	var comments []models.Comment
	err := m.db.WithContext(ctx).
		Joins("JOIN comment_sync_links ON comment_sync_links.comment_id = comments.id").
		Where("comments.feature_id = ? AND comments.source = ? AND comment_sync_links.external_type = ?",
			featureID, models.CommentSourceLocal, provider).
		Where("comment_sync_links.local_updated_at > comment_sync_links.synced_at").
		Find(&comments).Error
	return comments, err
}
