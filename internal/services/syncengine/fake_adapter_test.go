package syncengine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/huangang/featurehub/internal/lock"
	"github.com/huangang/featurehub/internal/mention"
	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/services"
	"github.com/huangang/featurehub/internal/testutil"
	"github.com/huangang/featurehub/internal/tracker"
	"gorm.io/gorm"
)

// fakeAdapter is an in-memory tracker keyed by external id.
type fakeAdapter struct {
	mu       sync.Mutex
	provider string
	items    map[string]*tracker.WorkItem
	comments map[string][]tracker.Comment
	errs     map[string]error
	nextID   int

	fieldUpdates    []tracker.Fields
	commentsCreated int
	commentsEdited  int
	itemsCreated    int
}

func newFakeAdapter(provider string) *fakeAdapter {
	return &fakeAdapter{
		provider: provider,
		items:    map[string]*tracker.WorkItem{},
		comments: map[string][]tracker.Comment{},
		errs:     map[string]error{},
		nextID:   1000,
	}
}

func (a *fakeAdapter) Provider() string { return a.provider }

func (a *fakeAdapter) FetchComments(_ context.Context, _ *models.IntegrationConfig, externalID string) ([]tracker.Comment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs[externalID]; err != nil {
		return nil, err
	}
	return append([]tracker.Comment(nil), a.comments[externalID]...), nil
}

func (a *fakeAdapter) CreateComment(_ context.Context, _ *models.IntegrationConfig, externalID, body, author string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs[externalID]; err != nil {
		return "", err
	}
	a.nextID++
	a.commentsCreated++
	id := strconv.Itoa(a.nextID)
	now := time.Now()
	a.comments[externalID] = append(a.comments[externalID], tracker.Comment{
		ExternalCommentID: id,
		Author:            "featurehub-bot",
		Body:              tracker.Attribute(a.provider, author, body),
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	return id, nil
}

func (a *fakeAdapter) UpdateComment(_ context.Context, _ *models.IntegrationConfig, externalID, commentID, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs[externalID]; err != nil {
		return err
	}
	for i, c := range a.comments[externalID] {
		if c.ExternalCommentID == commentID {
			a.comments[externalID][i].Body = body
			a.comments[externalID][i].UpdatedAt = time.Now()
			a.commentsEdited++
			return nil
		}
	}
	return fmt.Errorf("comment %s: %w", commentID, tracker.ErrProviderNotFound)
}

func (a *fakeAdapter) GetWorkItem(_ context.Context, _ *models.IntegrationConfig, externalID string) (*tracker.WorkItem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs[externalID]; err != nil {
		return nil, err
	}
	item, ok := a.items[externalID]
	if !ok {
		return nil, tracker.ErrProviderNotFound
	}
	cp := *item
	return &cp, nil
}

func (a *fakeAdapter) CreateWorkItem(_ context.Context, _ *models.IntegrationConfig, in tracker.WorkItemInput) (*tracker.WorkItemRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.itemsCreated++
	id := strconv.Itoa(a.nextID)
	a.items[id] = &tracker.WorkItem{
		ExternalID:  id,
		Title:       in.Title,
		Description: in.Description,
		State:       "open",
		URL:         "https://tracker.example/items/" + id,
		UpdatedAt:   time.Now(),
	}
	return &tracker.WorkItemRef{ExternalID: id, ExternalURL: "https://tracker.example/items/" + id}, nil
}

func (a *fakeAdapter) UpdateWorkItemFields(_ context.Context, _ *models.IntegrationConfig, externalID string, fields tracker.Fields) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs[externalID]; err != nil {
		return err
	}
	item, ok := a.items[externalID]
	if !ok {
		return tracker.ErrProviderNotFound
	}
	a.fieldUpdates = append(a.fieldUpdates, fields)
	if fields.Title != nil {
		item.Title = *fields.Title
	}
	if fields.Description != nil {
		item.Description = *fields.Description
	}
	if fields.Status != nil {
		item.Status = *fields.Status
		item.State = *fields.Status
	}
	item.UpdatedAt = time.Now()
	return nil
}

func (a *fakeAdapter) ListLocations(context.Context, *models.IntegrationConfig) ([]string, error) {
	return []string{"main"}, nil
}

// setItem replaces a work item as if it was edited on the tracker at ts.
func (a *fakeAdapter) setItem(id, title, description string, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[id] = &tracker.WorkItem{ExternalID: id, Title: title, Description: description, State: "open", UpdatedAt: ts}
}

func (a *fakeAdapter) addComment(externalID, commentID, author, body string, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.comments[externalID] = append(a.comments[externalID], tracker.Comment{
		ExternalCommentID: commentID, Author: author, Body: body, CreatedAt: ts, UpdatedAt: ts,
	})
}

func (a *fakeAdapter) editComment(externalID, commentID, body string, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, c := range a.comments[externalID] {
		if c.ExternalCommentID == commentID {
			a.comments[externalID][i].Body = body
			a.comments[externalID][i].UpdatedAt = ts
		}
	}
}

type fakeSource struct{ adapter *fakeAdapter }

func (s fakeSource) For(integrationType string) (tracker.Adapter, error) {
	if integrationType != s.adapter.provider {
		return nil, fmt.Errorf("%w: unsupported %q", tracker.ErrConfiguration, integrationType)
	}
	return s.adapter, nil
}

type fixture struct {
	db      *gorm.DB
	adapter *fakeAdapter
	orch    *Orchestrator
	mirror  *Mirror
	cfg     *models.IntegrationConfig
	user    *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	services.InitSystemLogger(db)
	t.Cleanup(func() { services.InitSystemLogger(nil) })

	category := &models.Category{Name: "Portal"}
	if err := db.Create(category).Error; err != nil {
		t.Fatalf("create category: %v", err)
	}
	cfg := &models.IntegrationConfig{
		CategoryID:      category.ID,
		IntegrationType: models.IntegrationGitHub,
		Owner:           "acme",
		Repo:            "portal",
		EncryptedToken:  "sealed",
		SyncComments:    true,
		SyncStatus:      true,
	}
	if err := db.Create(cfg).Error; err != nil {
		t.Fatalf("create integration: %v", err)
	}
	user := &models.User{Username: "ann", DisplayName: "Ann", Email: "ann@example.com", Role: "user", IsActive: true}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	adapter := newFakeAdapter(models.IntegrationGitHub)
	mentions := mention.NewTranslator(services.NewUserDirectory(db))
	orch := NewOrchestrator(db, fakeSource{adapter}, mentions, lock.NewDBLocker(db),
		Options{LockTTL: time.Minute, LockWait: time.Second})
	return &fixture{db: db, adapter: adapter, orch: orch, mirror: orch.mirror, cfg: cfg, user: user}
}

// linkedFeature creates a feature linked to externalID that was last synced
// at lastSync and last edited locally at edited.
func (fx *fixture) linkedFeature(t *testing.T, externalID string, lastSync, edited time.Time) *models.Feature {
	t.Helper()
	ext := externalID
	f := &models.Feature{
		CategoryID:   fx.cfg.CategoryID,
		AuthorID:     fx.user.ID,
		Title:        "Dark mode",
		Description:  "Please add dark mode",
		Status:       models.StatusApproved,
		ExternalID:   &ext,
		ExternalType: models.IntegrationGitHub,
		SyncEnabled:  true,
		LastSyncAt:   &lastSync,
		LastEditedAt: edited,
	}
	if err := fx.db.Create(f).Error; err != nil {
		t.Fatalf("create feature: %v", err)
	}
	return f
}

func (fx *fixture) reload(t *testing.T, id uint) *models.Feature {
	t.Helper()
	var f models.Feature
	if err := fx.db.First(&f, id).Error; err != nil {
		t.Fatalf("reload feature: %v", err)
	}
	return &f
}

func (fx *fixture) localComment(t *testing.T, featureID uint, content string) *models.Comment {
	t.Helper()
	c := &models.Comment{
		FeatureID:  featureID,
		AuthorID:   &fx.user.ID,
		AuthorName: fx.user.DisplayName,
		Content:    content,
		Source:     models.CommentSourceLocal,
	}
	if err := fx.db.Create(c).Error; err != nil {
		t.Fatalf("create comment: %v", err)
	}
	return c
}

func (fx *fixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := fx.db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
