package services

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/pkg/logger"
	"gorm.io/gorm"
)

// System log modules
const (
	ModuleSync    = "sync"
	ModuleWebhook = "webhook"
	ModuleFeature = "feature"
	ModuleAdmin   = "admin"
	ModuleAuth    = "auth"
)

var globalDB *gorm.DB

func InitSystemLogger(db *gorm.DB) {
	globalDB = db
}

func LogInfo(module, action, message string, userID *uint, ip, userAgent string, extra interface{}) {
	writeLog(&models.SystemLog{Level: "info", Module: module, Action: action, Message: message,
		UserID: userID, IP: ip, UserAgent: userAgent}, extra)
}

func LogWarning(module, action, message string, userID *uint, ip, userAgent string, extra interface{}) {
	writeLog(&models.SystemLog{Level: "warning", Module: module, Action: action, Message: message,
		UserID: userID, IP: ip, UserAgent: userAgent}, extra)
}

func LogError(module, action, message string, userID *uint, ip, userAgent string, extra interface{}) {
	writeLog(&models.SystemLog{Level: "error", Module: module, Action: action, Message: message,
		UserID: userID, IP: ip, UserAgent: userAgent}, extra)
}

// LogFeatureEvent records a sync event against one feature so administrators
// can filter the audit trail by feature.
func LogFeatureEvent(level, action string, featureID uint, message string, extra interface{}) {
	writeLog(&models.SystemLog{Level: level, Module: ModuleSync, Action: action, Message: message,
		FeatureID: &featureID}, extra)
}

func writeLog(entry *models.SystemLog, extra interface{}) {
	if globalDB == nil {
		return
	}
	if extra != nil {
		if b, err := json.Marshal(extra); err == nil {
			entry.Extra = string(b)
		}
	}
	entry.CreatedAt = time.Now()
	if err := globalDB.Create(entry).Error; err != nil {
		logger.Warn().Err(err).Str("action", entry.Action).Msg("failed to write system log")
	}
}

type SystemLogService struct {
	db *gorm.DB
}

func NewSystemLogService(db *gorm.DB) *SystemLogService {
	return &SystemLogService{db: db}
}

type SystemLogListRequest struct {
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size"`
	Level     string `form:"level"`
	Module    string `form:"module"`
	Action    string `form:"action"`
	FeatureID uint   `form:"feature_id"`
	Search    string `form:"search"`
}

type SystemLogListResponse struct {
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Items    []models.SystemLog `json:"items"`
}

func (s *SystemLogService) List(req *SystemLogListRequest) (*SystemLogListResponse, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 20
	}

	query := s.db.Model(&models.SystemLog{})
	if req.Level != "" {
		query = query.Where("level = ?", req.Level)
	}
	if req.Module != "" {
		query = query.Where("module = ?", req.Module)
	}
	if req.Action != "" {
		query = query.Where("action LIKE ?", "%"+req.Action+"%")
	}
	if req.FeatureID != 0 {
		query = query.Where("feature_id = ?", req.FeatureID)
	}
	if req.Search != "" {
		query = query.Where("message LIKE ?", "%"+req.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var logs []models.SystemLog
	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("created_at DESC, id DESC").Find(&logs).Error; err != nil {
		return nil, err
	}

	return &SystemLogListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    logs,
	}, nil
}

// CleanupOldLogs deletes logs older than retentionDays and returns the count.
func (s *SystemLogService) CleanupOldLogs(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result := s.db.Where("created_at < ?", cutoff).Delete(&models.SystemLog{})
	return result.RowsAffected, result.Error
}

var (
	cleanupMu   sync.Mutex
	cleanupStop chan struct{}
)

// StartLogCleanupScheduler prunes old logs on startup and then daily.
func StartLogCleanupScheduler(db *gorm.DB, retentionDays int) {
	if retentionDays <= 0 {
		logger.Info().Msg("[SystemLog] Log cleanup disabled")
		return
	}

	cleanupMu.Lock()
	defer cleanupMu.Unlock()
	if cleanupStop != nil {
		return
	}
	stop := make(chan struct{})
	cleanupStop = stop

	service := NewSystemLogService(db)
	go func() {
		runCleanup(service, retentionDays)

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				runCleanup(service, retentionDays)
			}
		}
	}()
}

// StopLogCleanupScheduler ends the daily cleanup started above.
func StopLogCleanupScheduler() {
	cleanupMu.Lock()
	defer cleanupMu.Unlock()
	if cleanupStop != nil {
		close(cleanupStop)
		cleanupStop = nil
	}
}

func runCleanup(service *SystemLogService, retentionDays int) {
	deleted, err := service.CleanupOldLogs(retentionDays)
	if err != nil {
		logger.Error().Err(err).Msg("[SystemLog] Failed to cleanup old logs")
		return
	}
	if deleted > 0 {
		logger.Infof("[SystemLog] Cleaned up %d logs older than %d days", deleted, retentionDays)
	}
}
