package webhook

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/pkg/logger"
)

// HandleGitHub processes one GitHub delivery. Only issue_comment created and
// edited events trigger a sync; everything else is acknowledged as a no-op.
func (s *Service) HandleGitHub(ctx context.Context, eventType, signature string, body []byte, info RequestInfo) (*Result, error) {
	if s.cfg.GitHubSecret == "" {
		if !s.allowUnsigned(models.IntegrationGitHub, info) {
			return nil, reject(models.IntegrationGitHub, info, ErrNotConfigured)
		}
	} else if !VerifyGitHubSignature(s.cfg.GitHubSecret, body, signature) {
		return nil, reject(models.IntegrationGitHub, info, ErrSignatureVerification)
	}

	if eventType != "issue_comment" {
		return &Result{}, nil
	}
	var event GitHubIssueCommentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, ErrInvalidPayload
	}
	if event.Action != "created" && event.Action != "edited" {
		return &Result{}, nil
	}
	if event.Issue.PullRequest != nil || event.Issue.Number == 0 {
		return &Result{}, nil
	}

	owner := event.Repository.Owner.Login
	repo := event.Repository.Name
	if owner == "" || repo == "" {
		if o, r, ok := strings.Cut(event.Repository.FullName, "/"); ok {
			owner, repo = o, r
		}
	}

	f, cfg, err := s.resolveFeature(ctx, models.IntegrationGitHub, strconv.Itoa(event.Issue.Number),
		func(cfg *models.IntegrationConfig) bool {
			return strings.EqualFold(cfg.Owner, owner) && strings.EqualFold(cfg.Repo, repo)
		})
	if err != nil {
		return nil, err
	}
	if f == nil {
		logger.Debug().Str("repo", owner+"/"+repo).Int("issue", event.Issue.Number).
			Msg("[Webhook] GitHub comment for an unlinked issue")
	}
	return s.syncFeature(ctx, f, cfg)
}
