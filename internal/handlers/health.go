package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/services"
	"gorm.io/gorm"
)

// HealthHandler reports the state of the database and the task queue.
type HealthHandler struct {
	db    *gorm.DB
	queue services.TaskQueue
}

func NewHealthHandler(db *gorm.DB, queue services.TaskQueue) *HealthHandler {
	return &HealthHandler{db: db, queue: queue}
}

// CheckHealth returns the health status of all subsystems.
// GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := http.StatusOK

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	queueMode := "in-process"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	var conflicts int64
	h.db.WithContext(c.Request.Context()).Model(&models.Feature{}).
		Where("sync_conflict = ?", true).Count(&conflicts)

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "featurehub",
		"components": gin.H{
			"database":       dbStatus,
			"queue_mode":     queueMode,
			"sync_conflicts": conflicts,
		},
	})
}
