package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/featurehub/internal/middleware"
	"github.com/huangang/featurehub/internal/services"
	"github.com/huangang/featurehub/pkg/response"
)

type CategoryHandler struct {
	service *services.IntegrationConfigService
}

func NewCategoryHandler(service *services.IntegrationConfigService) *CategoryHandler {
	return &CategoryHandler{service: service}
}

// GET /api/categories
func (h *CategoryHandler) List(c *gin.Context) {
	categories, err := h.service.ListCategories()
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, categories)
}

// POST /api/categories
func (h *CategoryHandler) Create(c *gin.Context) {
	var req services.CreateCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	category, err := h.service.CreateCategory(&req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, category)
}

// GET /api/categories/:id/integration
func (h *CategoryHandler) GetIntegration(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	cfg, err := h.service.Get(id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, cfg)
}

// UpsertIntegration saves the tracker settings; a token in the body is
// encrypted before it is stored.
// PUT /api/categories/:id/integration
func (h *CategoryHandler) UpsertIntegration(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.UpsertIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	cfg, err := h.service.Upsert(id, &req, middleware.GetUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, cfg)
}

// ValidateIntegration checks the stored settings against the tracker.
// POST /api/categories/:id/integration/validate
func (h *CategoryHandler) ValidateIntegration(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	locations, err := h.service.Validate(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"valid": true, "locations": locations})
}
