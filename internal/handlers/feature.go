package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/featurehub/internal/middleware"
	"github.com/huangang/featurehub/internal/services"
	"github.com/huangang/featurehub/internal/services/syncengine"
	"github.com/huangang/featurehub/pkg/response"
)

type FeatureHandler struct {
	service      *services.FeatureService
	orchestrator *syncengine.Orchestrator
}

func NewFeatureHandler(service *services.FeatureService, orchestrator *syncengine.Orchestrator) *FeatureHandler {
	return &FeatureHandler{service: service, orchestrator: orchestrator}
}

// List returns features with pagination and filters.
// GET /api/features
func (h *FeatureHandler) List(c *gin.Context) {
	var req services.FeatureListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	resp, err := h.service.List(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}

// GET /api/features/:id
func (h *FeatureHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	feature, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, feature)
}

// POST /api/features
func (h *FeatureHandler) Create(c *gin.Context) {
	var req services.CreateFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	feature, err := h.service.Create(c.Request.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, feature)
}

// PUT /api/features/:id
func (h *FeatureHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.UpdateFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	feature, err := h.service.UpdateFields(c.Request.Context(), id, middleware.GetUserID(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, feature)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateStatus changes the status (admin).
// PUT /api/features/:id/status
func (h *FeatureHandler) UpdateStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	feature, err := h.service.UpdateStatus(c.Request.Context(), id, middleware.GetUserID(c), req.Status)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, feature)
}

// POST /api/features/:id/vote
func (h *FeatureHandler) Vote(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.service.Vote(c.Request.Context(), id, middleware.GetUserID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "voted"})
}

// GET /api/features/:id/comments
func (h *FeatureHandler) ListComments(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	comments, err := h.service.ListComments(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, comments)
}

type commentRequest struct {
	Content string `json:"content" binding:"required"`
}

// POST /api/features/:id/comments
func (h *FeatureHandler) AddComment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	comment, err := h.service.AddComment(c.Request.Context(), id, middleware.GetUserID(c), req.Content)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, comment)
}

// PUT /api/comments/:id
func (h *FeatureHandler) EditComment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	comment, err := h.service.EditComment(c.Request.Context(), id, middleware.GetUserID(c), middleware.IsAdmin(c), req.Content)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, comment)
}

// DELETE /api/comments/:id
func (h *FeatureHandler) DeleteComment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteComment(c.Request.Context(), id, middleware.GetUserID(c), middleware.IsAdmin(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "comment deleted"})
}

type mergeRequest struct {
	ChildID uint `json:"child_id" binding:"required"`
}

// Merge folds the child feature into :id (admin).
// POST /api/features/:id/merge
func (h *FeatureHandler) Merge(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	record, err := h.service.Merge(c.Request.Context(), id, req.ChildID, middleware.GetUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, record)
}

type linkRequest struct {
	ExternalID string `json:"external_id" binding:"required"`
}

// Link attaches an existing work item (admin).
// POST /api/features/:id/link
func (h *FeatureHandler) Link(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	feature, err := h.service.Link(c.Request.Context(), id, middleware.GetUserID(c), req.ExternalID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, feature)
}

// DELETE /api/features/:id/link
func (h *FeatureHandler) Unlink(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.service.Unlink(c.Request.Context(), id, middleware.GetUserID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "feature unlinked"})
}

// CreateWorkItem creates the tracker work item now instead of waiting for
// approval (admin).
// POST /api/features/:id/work-item
func (h *FeatureHandler) CreateWorkItem(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	feature, err := h.orchestrator.CreateWorkItem(c.Request.Context(), id)
	if err != nil {
		syncError(c, err)
		return
	}
	feature.Category = nil
	response.Success(c, feature)
}
