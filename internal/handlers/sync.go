package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huangang/featurehub/internal/lock"
	"github.com/huangang/featurehub/internal/middleware"
	"github.com/huangang/featurehub/internal/services"
	"github.com/huangang/featurehub/internal/services/syncengine"
	"github.com/huangang/featurehub/pkg/response"
)

type SyncHandler struct {
	orchestrator *syncengine.Orchestrator
	scheduler    *syncengine.Scheduler
}

func NewSyncHandler(orchestrator *syncengine.Orchestrator, scheduler *syncengine.Scheduler) *SyncHandler {
	return &SyncHandler{orchestrator: orchestrator, scheduler: scheduler}
}

// Run triggers a reconciliation sweep and waits for its summary.
// POST /api/admin/sync/run
func (h *SyncHandler) Run(c *gin.Context) {
	summary, err := h.scheduler.RunSweep(c.Request.Context())
	if errors.Is(err, syncengine.ErrSweepRunning) {
		response.Error(c, response.NewConflict(err.Error()))
		return
	}
	if err != nil && summary == nil {
		response.Error(c, err)
		return
	}
	response.Success(c, summary)
}

// Status returns the sync counters.
// GET /api/admin/sync/status
func (h *SyncHandler) Status(c *gin.Context) {
	status, err := h.orchestrator.Status(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// ReconcileFeature reconciles a single feature now.
// POST /api/admin/sync/features/:id
func (h *SyncHandler) ReconcileFeature(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	result, err := h.orchestrator.ReconcileFeature(c.Request.Context(), id)
	if err != nil {
		syncError(c, err)
		return
	}
	response.Success(c, result)
}

type resolveConflictRequest struct {
	Keep string `json:"keep" binding:"required,oneof=local external"`
}

// ResolveConflict clears a sync conflict by keeping one side.
// POST /api/admin/sync/features/:id/resolve
func (h *SyncHandler) ResolveConflict(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	feature, err := h.orchestrator.ResolveConflict(c.Request.Context(), id, req.Keep, middleware.GetUserID(c))
	if err != nil {
		syncError(c, err)
		return
	}
	response.Success(c, feature)
}

// syncError renders errors of operator-triggered sync calls.
func syncError(c *gin.Context, err error) {
	if errors.Is(err, lock.ErrNotAcquired) {
		response.Error(c, response.NewConflict("feature is being synced, try again shortly"))
		return
	}
	response.Error(c, services.TrackerAppError(err))
}
