package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/featurehub/internal/services/webhook"
	"github.com/huangang/featurehub/pkg/logger"
	"github.com/huangang/featurehub/pkg/response"
)

// maxWebhookBody bounds what a delivery may send; both trackers stay far below it.
const maxWebhookBody = 5 << 20

type WebhookHandler struct {
	service *webhook.Service
}

func NewWebhookHandler(service *webhook.Service) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// HandleGitHub receives GitHub issue_comment deliveries.
// POST /api/webhooks/github
func (h *WebhookHandler) HandleGitHub(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	res, err := h.service.HandleGitHub(c.Request.Context(),
		c.GetHeader("X-GitHub-Event"),
		c.GetHeader("X-Hub-Signature-256"),
		body, requestInfo(c))
	h.respond(c, "github", res, err)
}

// HandleAzureDevOps receives Azure DevOps service hook deliveries.
// POST /api/webhooks/azure-devops
func (h *WebhookHandler) HandleAzureDevOps(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	res, err := h.service.HandleAzureDevOps(c.Request.Context(), c.GetHeader("Authorization"), body, requestInfo(c))
	h.respond(c, "azure_devops", res, err)
}

func (h *WebhookHandler) respond(c *gin.Context, provider string, res *webhook.Result, err error) {
	switch {
	case err == nil:
		response.Success(c, res)
	case errors.Is(err, webhook.ErrSignatureVerification):
		response.Unauthorized(c, "invalid webhook credentials")
	case errors.Is(err, webhook.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, response.Response{
			Code:    http.StatusServiceUnavailable,
			Message: provider + " webhook is not configured",
		})
	case errors.Is(err, webhook.ErrInvalidPayload):
		response.BadRequest(c, "invalid webhook payload")
	default:
		logger.Error().Err(err).Str("provider", provider).Msg("[Webhook] Delivery failed")
		response.ServerError(c, "webhook processing failed")
	}
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(c, "failed to read body")
		return nil, false
	}
	return body, true
}

func requestInfo(c *gin.Context) webhook.RequestInfo {
	return webhook.RequestInfo{ClientIP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}
