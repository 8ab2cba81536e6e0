package webhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/pkg/logger"
)

// HandleAzureDevOps processes one Azure DevOps service hook delivery,
// authenticated with the hook's basic credentials. Only workitem.commented
// triggers a sync.
func (s *Service) HandleAzureDevOps(ctx context.Context, authorization string, body []byte, info RequestInfo) (*Result, error) {
	if s.cfg.AzureDevOpsPassword == "" {
		if !s.allowUnsigned(models.IntegrationAzureDevOps, info) {
			return nil, reject(models.IntegrationAzureDevOps, info, ErrNotConfigured)
		}
	} else if !VerifyBasicAuth(authorization, s.cfg.AzureDevOpsUsername, s.cfg.AzureDevOpsPassword) {
		return nil, reject(models.IntegrationAzureDevOps, info, ErrSignatureVerification)
	}

	var event AzureDevOpsEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, ErrInvalidPayload
	}
	if event.EventType != "workitem.commented" {
		return &Result{}, nil
	}

	org := event.Organization()
	project := event.TeamProject()
	workItemID := event.WorkItemID()

	f, cfg, err := s.resolveFeature(ctx, models.IntegrationAzureDevOps, workItemID,
		func(cfg *models.IntegrationConfig) bool {
			if !strings.EqualFold(cfg.Organization, org) {
				return false
			}
			return project == "" || strings.EqualFold(cfg.Project, project)
		})
	if err != nil {
		return nil, err
	}
	if f == nil {
		logger.Debug().Str("organization", org).Str("work_item", workItemID).
			Msg("[Webhook] Azure DevOps comment for an unlinked work item")
	}
	return s.syncFeature(ctx, f, cfg)
}
