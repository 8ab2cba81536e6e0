package syncengine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huangang/featurehub/internal/models"
)

func TestMarker(t *testing.T) {
	body := withMarker("hello", 42)
	id, ok := parseMarker(body)
	if !ok || id != 42 {
		t.Fatalf("parseMarker() = %d, %v", id, ok)
	}
	if got := stripMarker(body); got != "hello" {
		t.Errorf("stripMarker() = %q", got)
	}
	if _, ok := parseMarker("plain comment"); ok {
		t.Error("plain comment should carry no marker")
	}
	// Trackers may re-wrap HTML; the marker is still found.
	if id, ok := parseMarker("<div>hi</div><!--featurehub:comment:7--><br>"); !ok || id != 7 {
		t.Errorf("rewrapped marker: got %d, %v", id, ok)
	}
}

func TestMirror_PullIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f := fx.linkedFeature(t, "7", now.Add(-time.Hour), now.Add(-2*time.Hour))
	fx.adapter.addComment("7", "c1", "octocat", "first", now.Add(-30*time.Minute))
	fx.adapter.addComment("7", "c2", "hubot", "second", now.Add(-20*time.Minute))

	res, err := fx.mirror.PullComments(ctx, fx.adapter, f, fx.cfg)
	if err != nil {
		t.Fatalf("PullComments() error = %v", err)
	}
	if res.Created != 2 || res.Skipped != 0 {
		t.Errorf("first pass = %+v, expected 2 created", res)
	}

	res, err = fx.mirror.PullComments(ctx, fx.adapter, f, fx.cfg)
	if err != nil {
		t.Fatalf("second PullComments() error = %v", err)
	}
	if res.Synced() != 0 || res.Skipped != 2 {
		t.Errorf("second pass = %+v, expected everything skipped", res)
	}

	if n := fx.count(t, &models.Comment{}); n != 2 {
		t.Errorf("comments = %d, expected 2", n)
	}
	if n := fx.count(t, &models.CommentSyncLink{}); n != 2 {
		t.Errorf("links = %d, expected 2", n)
	}
	if got := fx.reload(t, f.ID).CommentCount; got != 2 {
		t.Errorf("comment_count = %d, expected 2", got)
	}

	var imported models.Comment
	fx.db.Where("content = ?", "first").First(&imported)
	if imported.Source != models.CommentSourceExternal || imported.AuthorName != "octocat" || imported.AuthorID != nil {
		t.Errorf("imported comment = %+v", imported)
	}
}

func TestMirror_ConcurrentPullsLinkOnce(t *testing.T) {
	fx := newFixture(t)
	now := time.Now()
	f := fx.linkedFeature(t, "7", now.Add(-time.Hour), now.Add(-2*time.Hour))
	fx.adapter.addComment("7", "c1", "octocat", "only once", now.Add(-time.Minute))

	var wg sync.WaitGroup
	results := make([]MirrorResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = fx.mirror.PullComments(context.Background(), fx.adapter, f, fx.cfg)
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		created += r.Created
	}
	if created != 1 {
		t.Errorf("created %d comments across concurrent passes, expected 1", created)
	}
	if n := fx.count(t, &models.CommentSyncLink{}); n != 1 {
		t.Errorf("links = %d, expected 1", n)
	}
}

func TestMirror_PushThenPullDoesNotEcho(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f := fx.linkedFeature(t, "7", now.Add(-time.Hour), now.Add(-2*time.Hour))
	c := fx.localComment(t, f.ID, "Ship it")

	sent, err := fx.mirror.PushComment(ctx, fx.adapter, f, fx.cfg, c)
	if err != nil || !sent {
		t.Fatalf("PushComment() = %v, %v", sent, err)
	}
	body := fx.adapter.comments["7"][0].Body
	if !strings.HasPrefix(body, "**Ann**: Ship it") {
		t.Errorf("external body = %q", body)
	}

	res, err := fx.mirror.PullComments(ctx, fx.adapter, f, fx.cfg)
	if err != nil {
		t.Fatalf("PullComments() error = %v", err)
	}
	if res.Synced() != 0 {
		t.Errorf("pull after push = %+v, expected no changes", res)
	}
	if n := fx.count(t, &models.Comment{}); n != 1 {
		t.Errorf("comments = %d, expected the original only", n)
	}
}

func TestMirror_MarkerRecoversLostLink(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f := fx.linkedFeature(t, "7", now.Add(-time.Hour), now.Add(-2*time.Hour))
	c := fx.localComment(t, f.ID, "Ship it")

	if _, err := fx.mirror.PushComment(ctx, fx.adapter, f, fx.cfg, c); err != nil {
		t.Fatalf("PushComment() error = %v", err)
	}
	// Simulate a crash between the provider call and the link write.
	fx.db.Where("comment_id = ?", c.ID).Delete(&models.CommentSyncLink{})

	res, err := fx.mirror.PullComments(ctx, fx.adapter, f, fx.cfg)
	if err != nil {
		t.Fatalf("PullComments() error = %v", err)
	}
	if res.Created != 0 {
		t.Errorf("echo was imported: %+v", res)
	}
	var link models.CommentSyncLink
	if err := fx.db.Where("comment_id = ?", c.ID).First(&link).Error; err != nil {
		t.Fatalf("link not recovered: %v", err)
	}

	// A retried push now edits instead of creating a second external comment.
	if _, err := fx.mirror.PushComment(ctx, fx.adapter, f, fx.cfg, c); err != nil {
		t.Fatalf("PushComment() error = %v", err)
	}
	if fx.adapter.commentsCreated != 1 {
		t.Errorf("external comments created = %d, expected 1", fx.adapter.commentsCreated)
	}
}

func TestMirror_ExternalEditUpdatesLocal(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f := fx.linkedFeature(t, "7", now.Add(-time.Hour), now.Add(-2*time.Hour))
	fx.adapter.addComment("7", "c1", "octocat", "typo", now.Add(-30*time.Minute))

	if _, err := fx.mirror.PullComments(ctx, fx.adapter, f, fx.cfg); err != nil {
		t.Fatalf("PullComments() error = %v", err)
	}
	fx.adapter.editComment("7", "c1", "fixed", now.Add(-10*time.Minute))

	res, err := fx.mirror.PullComments(ctx, fx.adapter, f, fx.cfg)
	if err != nil {
		t.Fatalf("PullComments() error = %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("result = %+v, expected 1 updated", res)
	}
	var c models.Comment
	fx.db.First(&c)
	if c.Content != "fixed" {
		t.Errorf("content = %q, expected fixed", c.Content)
	}
}

func TestMirror_NewerLocalEditWins(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f := fx.linkedFeature(t, "7", now.Add(-time.Hour), now.Add(-2*time.Hour))
	c := fx.localComment(t, f.ID, "original")
	if _, err := fx.mirror.PushComment(ctx, fx.adapter, f, fx.cfg, c); err != nil {
		t.Fatalf("PushComment() error = %v", err)
	}

	extID := fx.adapter.comments["7"][0].ExternalCommentID
	fx.adapter.editComment("7", extID, "external rewrite", now.Add(time.Minute))
	// Local edit after the external one, not yet pushed.
	fx.db.Model(&models.Comment{}).Where("id = ?", c.ID).Update("content", "local rewrite")
	fx.db.Model(&models.CommentSyncLink{}).Where("comment_id = ?", c.ID).Update("local_updated_at", now.Add(2*time.Minute))

	res, err := fx.mirror.PullComments(ctx, fx.adapter, f, fx.cfg)
	if err != nil {
		t.Fatalf("PullComments() error = %v", err)
	}
	if res.Updated != 0 {
		t.Errorf("result = %+v, expected the local edit to win", res)
	}
	var got models.Comment
	fx.db.First(&got, c.ID)
	if got.Content != "local rewrite" {
		t.Errorf("content = %q", got.Content)
	}

	pending, err := fx.mirror.pendingPushes(ctx, f.ID, models.IntegrationGitHub)
	if err != nil || len(pending) != 1 {
		t.Errorf("pendingPushes() = %d, %v; expected the local edit", len(pending), err)
	}
}

func TestMirror_DeletedCommentIsNotResurrected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f := fx.linkedFeature(t, "7", now.Add(-time.Hour), now.Add(-2*time.Hour))
	fx.adapter.addComment("7", "c1", "octocat", "spam", now.Add(-30*time.Minute))
	if _, err := fx.mirror.PullComments(ctx, fx.adapter, f, fx.cfg); err != nil {
		t.Fatalf("PullComments() error = %v", err)
	}

	fx.db.Where("content = ?", "spam").Delete(&models.Comment{})
	fx.adapter.editComment("7", "c1", "more spam", now)

	res, err := fx.mirror.PullComments(ctx, fx.adapter, f, fx.cfg)
	if err != nil {
		t.Fatalf("PullComments() error = %v", err)
	}
	if res.Synced() != 0 {
		t.Errorf("result = %+v, expected the deleted comment to stay deleted", res)
	}
	if n := fx.count(t, &models.Comment{}); n != 0 {
		t.Errorf("visible comments = %d, expected 0", n)
	}
}

func TestMirror_LockedFeatureImportsNothing(t *testing.T) {
	fx := newFixture(t)
	now := time.Now()
	f := fx.linkedFeature(t, "7", now.Add(-time.Hour), now.Add(-2*time.Hour))
	f.CommentsLocked = true
	fx.adapter.addComment("7", "c1", "octocat", "late", now)

	res, err := fx.mirror.PullComments(context.Background(), fx.adapter, f, fx.cfg)
	if err != nil {
		t.Fatalf("PullComments() error = %v", err)
	}
	if res.Created != 0 {
		t.Errorf("result = %+v, expected nothing imported", res)
	}
}

func TestMirror_PushSkipsImportedComments(t *testing.T) {
	fx := newFixture(t)
	now := time.Now()
	f := fx.linkedFeature(t, "7", now.Add(-time.Hour), now.Add(-2*time.Hour))
	c := &models.Comment{FeatureID: f.ID, AuthorName: "octocat", Content: "from github", Source: models.CommentSourceExternal}
	fx.db.Create(c)

	sent, err := fx.mirror.PushComment(context.Background(), fx.adapter, f, fx.cfg, c)
	if err != nil || sent {
		t.Errorf("PushComment() = %v, %v; imported comments must not be pushed back", sent, err)
	}
}
