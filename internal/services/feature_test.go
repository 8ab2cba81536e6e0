package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/testutil"
	"github.com/huangang/featurehub/pkg/response"
	"gorm.io/gorm"
)

type recordingQueue struct {
	mu    sync.Mutex
	tasks []SyncTask
}

func (q *recordingQueue) Enqueue(task *SyncTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, *task)
	return nil
}

func (q *recordingQueue) IsAsync() bool { return false }
func (q *recordingQueue) Close() error  { return nil }

func (q *recordingQueue) kinds() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, t := range q.tasks {
		out = append(out, t.Kind)
	}
	return out
}

type featureFixture struct {
	db       *gorm.DB
	svc      *FeatureService
	queue    *recordingQueue
	author   *models.User
	voter    *models.User
	linked   *models.Category
	unlinked *models.Category
}

func newFeatureFixture(t *testing.T) *featureFixture {
	t.Helper()
	db := testutil.NewDB(t)
	users := NewUserService(db)

	author, err := users.Create(&CreateUserRequest{Username: "ann", Password: "secret-pass", Role: "user"})
	if err != nil {
		t.Fatalf("create author: %v", err)
	}
	voter, err := users.Create(&CreateUserRequest{Username: "bob", Password: "secret-pass", Role: "user"})
	if err != nil {
		t.Fatalf("create voter: %v", err)
	}

	linked := &models.Category{Name: "Portal", Integration: &models.IntegrationConfig{
		IntegrationType:      models.IntegrationGitHub,
		Owner:                "acme",
		Repo:                 "portal",
		SyncComments:         true,
		SyncStatus:           true,
		AutoCreateOnApproval: true,
	}}
	unlinked := &models.Category{Name: "Misc", Integration: &models.IntegrationConfig{IntegrationType: models.IntegrationNone}}
	for _, c := range []*models.Category{linked, unlinked} {
		if err := db.Create(c).Error; err != nil {
			t.Fatalf("create category: %v", err)
		}
	}

	queue := &recordingQueue{}
	return &featureFixture{
		db:       db,
		svc:      NewFeatureService(db, queue),
		queue:    queue,
		author:   author,
		voter:    voter,
		linked:   linked,
		unlinked: unlinked,
	}
}

func (f *featureFixture) feature(t *testing.T, category *models.Category, title string, externalID string) *models.Feature {
	t.Helper()
	feature, err := f.svc.Create(context.Background(), f.author.ID, &CreateFeatureRequest{CategoryID: category.ID, Title: title})
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}
	if externalID != "" {
		if err := f.db.Model(feature).Updates(map[string]interface{}{
			"external_id":   externalID,
			"external_type": category.Integration.IntegrationType,
			"sync_enabled":  true,
		}).Error; err != nil {
			t.Fatalf("link feature: %v", err)
		}
		feature.ExternalID = &externalID
		feature.ExternalType = category.Integration.IntegrationType
		feature.SyncEnabled = true
	}
	return feature
}

func expectStatus(t *testing.T, err error, status int) {
	t.Helper()
	var appErr *response.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError with status %d, got %v", status, err)
	}
	if appErr.HTTPStatus != status {
		t.Fatalf("expected status %d, got %d (%s)", status, appErr.HTTPStatus, appErr.Message)
	}
}

func TestFeatureService_Create(t *testing.T) {
	fx := newFeatureFixture(t)
	ctx := context.Background()

	feature, err := fx.svc.Create(ctx, fx.author.ID, &CreateFeatureRequest{CategoryID: fx.linked.ID, Title: "  Dark mode  "})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if feature.Title != "Dark mode" || feature.Status != models.StatusProposal || feature.IsLinked() {
		t.Errorf("unexpected feature %+v", feature)
	}
	if len(fx.queue.kinds()) != 0 {
		t.Errorf("create should not queue sync, got %v", fx.queue.kinds())
	}

	_, err = fx.svc.Create(ctx, fx.author.ID, &CreateFeatureRequest{CategoryID: 999, Title: "x"})
	expectStatus(t, err, http.StatusBadRequest)
}

func TestFeatureService_UpdateStatusQueuesSync(t *testing.T) {
	tests := []struct {
		name     string
		linkedID string
		category func(*featureFixture) *models.Category
		status   string
		want     []string
	}{
		{"approve unlinked auto-creates", "", func(f *featureFixture) *models.Category { return f.linked }, models.StatusApproved, []string{SyncKindCreateWorkItem}},
		{"decline unlinked does nothing", "", func(f *featureFixture) *models.Category { return f.linked }, models.StatusDeclined, nil},
		{"linked pushes status", "42", func(f *featureFixture) *models.Category { return f.linked }, models.StatusInProgress, []string{SyncKindPushFields}},
		{"no integration", "", func(f *featureFixture) *models.Category { return f.unlinked }, models.StatusApproved, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFeatureFixture(t)
			feature := fx.feature(t, tt.category(fx), "Export CSV", tt.linkedID)

			got, err := fx.svc.UpdateStatus(context.Background(), feature.ID, fx.author.ID, tt.status)
			if err != nil {
				t.Fatalf("UpdateStatus() error = %v", err)
			}
			if got.Status != tt.status {
				t.Errorf("status = %s, expected %s", got.Status, tt.status)
			}
			kinds := fx.queue.kinds()
			if len(kinds) != len(tt.want) {
				t.Fatalf("queued %v, expected %v", kinds, tt.want)
			}
			for i := range kinds {
				if kinds[i] != tt.want[i] {
					t.Errorf("queued %v, expected %v", kinds, tt.want)
				}
			}
		})
	}
}

func TestFeatureService_UpdateStatusRejects(t *testing.T) {
	fx := newFeatureFixture(t)
	feature := fx.feature(t, fx.linked, "Export CSV", "")
	ctx := context.Background()

	_, err := fx.svc.UpdateStatus(ctx, feature.ID, fx.author.ID, "shipped")
	expectStatus(t, err, http.StatusBadRequest)
	_, err = fx.svc.UpdateStatus(ctx, feature.ID, fx.author.ID, models.StatusMerged)
	expectStatus(t, err, http.StatusBadRequest)
	_, err = fx.svc.UpdateStatus(ctx, 999, fx.author.ID, models.StatusApproved)
	expectStatus(t, err, http.StatusNotFound)
}

func TestFeatureService_UpdateFieldsBumpsLastEdited(t *testing.T) {
	fx := newFeatureFixture(t)
	feature := fx.feature(t, fx.linked, "Export CSV", "42")
	edited := feature.LastEditedAt.Add(time.Hour)
	fx.svc.now = func() time.Time { return edited }

	title := "Export CSV and XLSX"
	got, err := fx.svc.UpdateFields(context.Background(), feature.ID, fx.author.ID, &UpdateFeatureRequest{Title: &title})
	if err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}
	if got.Title != title || !got.LastEditedAt.Equal(edited) {
		t.Errorf("unexpected feature title=%q last_edited=%v", got.Title, got.LastEditedAt)
	}
	if kinds := fx.queue.kinds(); len(kinds) != 1 || kinds[0] != SyncKindPushFields {
		t.Errorf("queued %v, expected push_fields", kinds)
	}

	empty := " "
	_, err = fx.svc.UpdateFields(context.Background(), feature.ID, fx.author.ID, &UpdateFeatureRequest{Title: &empty})
	expectStatus(t, err, http.StatusBadRequest)
}

func TestFeatureService_AddComment(t *testing.T) {
	fx := newFeatureFixture(t)
	ctx := context.Background()
	linked := fx.feature(t, fx.linked, "Export CSV", "42")
	plain := fx.feature(t, fx.linked, "Dark mode", "")

	if _, err := fx.svc.AddComment(ctx, plain.ID, fx.author.ID, "no tracker yet"); err != nil {
		t.Fatalf("AddComment(unlinked) error = %v", err)
	}
	if len(fx.queue.kinds()) != 0 {
		t.Fatalf("unlinked comment should not queue, got %v", fx.queue.kinds())
	}

	comment, err := fx.svc.AddComment(ctx, linked.ID, fx.author.ID, "  +1 from sales  ")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if comment.Content != "+1 from sales" || comment.Source != models.CommentSourceLocal {
		t.Errorf("unexpected comment %+v", comment)
	}
	if len(fx.queue.tasks) != 1 || fx.queue.tasks[0].Kind != SyncKindPushComment || fx.queue.tasks[0].CommentID != comment.ID {
		t.Errorf("unexpected tasks %+v", fx.queue.tasks)
	}

	var reloaded models.Feature
	fx.db.First(&reloaded, linked.ID)
	if reloaded.CommentCount != 1 {
		t.Errorf("comment_count = %d, expected 1", reloaded.CommentCount)
	}

	_, err = fx.svc.AddComment(ctx, linked.ID, fx.author.ID, "   ")
	expectStatus(t, err, http.StatusBadRequest)
}

func TestFeatureService_EditCommentBumpsSyncLink(t *testing.T) {
	fx := newFeatureFixture(t)
	ctx := context.Background()
	feature := fx.feature(t, fx.linked, "Export CSV", "42")

	comment, err := fx.svc.AddComment(ctx, feature.ID, fx.author.ID, "first draft")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	synced := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	link := &models.CommentSyncLink{
		CommentID:         comment.ID,
		ExternalType:      models.IntegrationGitHub,
		ExternalCommentID: "c-1",
		ExternalUpdatedAt: synced,
		LocalUpdatedAt:    synced,
		SyncedAt:          synced,
	}
	if err := fx.db.Create(link).Error; err != nil {
		t.Fatalf("create link: %v", err)
	}

	edited := synced.Add(30 * time.Minute)
	fx.svc.now = func() time.Time { return edited }

	_, err = fx.svc.EditComment(ctx, comment.ID, fx.voter.ID, false, "hijack")
	expectStatus(t, err, http.StatusForbidden)

	if _, err := fx.svc.EditComment(ctx, comment.ID, fx.author.ID, false, "second draft"); err != nil {
		t.Fatalf("EditComment() error = %v", err)
	}
	var reloaded models.CommentSyncLink
	fx.db.First(&reloaded, link.ID)
	if !reloaded.LocalUpdatedAt.Equal(edited) {
		t.Errorf("local_updated_at = %v, expected %v", reloaded.LocalUpdatedAt, edited)
	}
	if kinds := fx.queue.kinds(); len(kinds) != 2 || kinds[1] != SyncKindPushComment {
		t.Errorf("queued %v, expected a second push_comment", kinds)
	}
}

func TestFeatureService_EditImportedCommentForbidden(t *testing.T) {
	fx := newFeatureFixture(t)
	feature := fx.feature(t, fx.linked, "Export CSV", "42")
	imported := &models.Comment{FeatureID: feature.ID, AuthorName: "octocat", Content: "from GitHub", Source: models.CommentSourceExternal}
	if err := fx.db.Create(imported).Error; err != nil {
		t.Fatalf("create comment: %v", err)
	}
	_, err := fx.svc.EditComment(context.Background(), imported.ID, fx.author.ID, true, "rewrite")
	expectStatus(t, err, http.StatusForbidden)
}

func TestFeatureService_DeleteCommentKeepsSyncLink(t *testing.T) {
	fx := newFeatureFixture(t)
	ctx := context.Background()
	feature := fx.feature(t, fx.linked, "Export CSV", "42")
	comment, err := fx.svc.AddComment(ctx, feature.ID, fx.author.ID, "to be removed")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	now := time.Now()
	if err := fx.db.Create(&models.CommentSyncLink{
		CommentID: comment.ID, ExternalType: models.IntegrationGitHub, ExternalCommentID: "c-9",
		ExternalUpdatedAt: now, LocalUpdatedAt: now, SyncedAt: now,
	}).Error; err != nil {
		t.Fatalf("create link: %v", err)
	}

	if err := fx.svc.DeleteComment(ctx, comment.ID, fx.author.ID, false); err != nil {
		t.Fatalf("DeleteComment() error = %v", err)
	}
	var links int64
	fx.db.Model(&models.CommentSyncLink{}).Where("comment_id = ?", comment.ID).Count(&links)
	if links != 1 {
		t.Errorf("sync link should survive a soft delete, found %d", links)
	}
	comments, _ := fx.svc.ListComments(ctx, feature.ID)
	if len(comments) != 0 {
		t.Errorf("expected no visible comments, got %d", len(comments))
	}
}

func TestFeatureService_Vote(t *testing.T) {
	fx := newFeatureFixture(t)
	ctx := context.Background()
	feature := fx.feature(t, fx.unlinked, "Dark mode", "")

	if err := fx.svc.Vote(ctx, feature.ID, fx.voter.ID); err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	expectStatus(t, fx.svc.Vote(ctx, feature.ID, fx.voter.ID), http.StatusConflict)

	var reloaded models.Feature
	fx.db.First(&reloaded, feature.ID)
	if reloaded.VoteCount != 1 {
		t.Errorf("vote_count = %d, expected 1", reloaded.VoteCount)
	}
}

func TestFeatureService_LinkAndUnlink(t *testing.T) {
	fx := newFeatureFixture(t)
	ctx := context.Background()
	feature := fx.feature(t, fx.linked, "Export CSV", "")
	other := fx.feature(t, fx.unlinked, "Dark mode", "")

	linked, err := fx.svc.Link(ctx, feature.ID, fx.author.ID, " 17 ")
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if linked.ExternalRef() != "17" || linked.ExternalType != models.IntegrationGitHub || !linked.SyncEnabled {
		t.Errorf("unexpected link state %+v", linked)
	}

	_, err = fx.svc.Link(ctx, feature.ID, fx.author.ID, "18")
	expectStatus(t, err, http.StatusConflict)
	_, err = fx.svc.Link(ctx, other.ID, fx.author.ID, "18")
	expectStatus(t, err, http.StatusBadRequest)

	if err := fx.svc.Unlink(ctx, feature.ID, fx.author.ID); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	got, _ := fx.svc.Get(ctx, feature.ID)
	if got.IsLinked() || got.SyncEnabled {
		t.Errorf("feature still linked: %+v", got)
	}
}

func TestFeatureService_MergeRejectsLinkedChild(t *testing.T) {
	tests := []struct {
		name       string
		parentLink string
	}{
		{"into unlinked parent", ""},
		{"into linked parent", "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFeatureFixture(t)
			ctx := context.Background()
			parent := fx.feature(t, fx.linked, "Reports", tt.parentLink)
			child := fx.feature(t, fx.linked, "Export CSV", "42")
			if _, err := fx.svc.AddComment(ctx, child.ID, fx.author.ID, "needed for finance"); err != nil {
				t.Fatalf("comment: %v", err)
			}

			_, err := fx.svc.Merge(ctx, parent.ID, child.ID, fx.author.ID)
			expectStatus(t, err, http.StatusUnprocessableEntity)

			var reloaded models.Feature
			fx.db.First(&reloaded, child.ID)
			if reloaded.Status == models.StatusMerged || reloaded.CommentsLocked {
				t.Errorf("rejected merge must not write, got %+v", reloaded)
			}
			var records, moved int64
			fx.db.Model(&models.FeatureMergeRecord{}).Count(&records)
			if records != 0 {
				t.Errorf("expected no merge record, got %d", records)
			}
			fx.db.Model(&models.Comment{}).Where("feature_id = ?", parent.ID).Count(&moved)
			if moved != 0 {
				t.Errorf("%d comments moved to the parent", moved)
			}
		})
	}
}

func TestFeatureService_Merge(t *testing.T) {
	fx := newFeatureFixture(t)
	ctx := context.Background()
	parent := fx.feature(t, fx.linked, "Reports", "7")
	child := fx.feature(t, fx.linked, "Export CSV", "")

	// bob votes on both, ann only on the child
	for _, v := range []struct{ feature, user uint }{
		{parent.ID, fx.voter.ID}, {child.ID, fx.voter.ID}, {child.ID, fx.author.ID},
	} {
		if err := fx.svc.Vote(ctx, v.feature, v.user); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	if _, err := fx.svc.AddComment(ctx, child.ID, fx.author.ID, "needed for finance"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	fx.queue.tasks = nil

	record, err := fx.svc.Merge(ctx, parent.ID, child.ID, fx.author.ID)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if record.ParentID != parent.ID || record.ChildID != child.ID {
		t.Errorf("unexpected record %+v", record)
	}

	var p, c models.Feature
	fx.db.First(&p, parent.ID)
	fx.db.First(&c, child.ID)
	if c.Status != models.StatusMerged || !c.CommentsLocked || c.MergedIntoID == nil || *c.MergedIntoID != parent.ID {
		t.Errorf("unexpected child %+v", c)
	}
	if p.VoteCount != 2 || p.CommentCount != 1 {
		t.Errorf("parent votes=%d comments=%d, expected 2 and 1", p.VoteCount, p.CommentCount)
	}
	if kinds := fx.queue.kinds(); len(kinds) != 1 || kinds[0] != SyncKindPushFields {
		t.Errorf("queued %v, expected push_fields for the linked parent", kinds)
	}

	_, err = fx.svc.Merge(ctx, parent.ID, child.ID, fx.author.ID)
	expectStatus(t, err, http.StatusBadRequest)
	_, err = fx.svc.AddComment(ctx, child.ID, fx.author.ID, "too late")
	expectStatus(t, err, http.StatusForbidden)
}
