package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/featurehub/internal/middleware"
	"github.com/huangang/featurehub/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine. It returns
// the webhook rate limiter so shutdown can stop its cleanup.
func registerRoutes(r *gin.Engine, svc *appServices) *middleware.RateLimiter {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	webhookLimiter := middleware.NewRateLimiter(10, 20)

	r.GET("/health", svc.healthHandler.CheckHealth)

	api := r.Group("/api")
	{
		api.POST("/auth/login", svc.authHandler.Login)

		// Tracker webhooks (public, authenticated by signature or basic auth)
		hooks := api.Group("/webhooks", webhookLimiter.Middleware())
		{
			hooks.POST("/github", svc.webhookHandler.HandleGitHub)
			hooks.POST("/azure-devops", svc.webhookHandler.HandleAzureDevOps)
		}

		protected := api.Group("")
		protected.Use(middleware.AuthRequired())
		{
			protected.GET("/auth/me", svc.authHandler.GetCurrentUser)

			protected.GET("/categories", svc.categoryHandler.List)

			protected.GET("/features", svc.featureHandler.List)
			protected.POST("/features", svc.featureHandler.Create)
			protected.GET("/features/:id", svc.featureHandler.Get)
			protected.PUT("/features/:id", svc.featureHandler.Update)
			protected.POST("/features/:id/vote", svc.featureHandler.Vote)
			protected.GET("/features/:id/comments", svc.featureHandler.ListComments)
			protected.POST("/features/:id/comments", svc.featureHandler.AddComment)
			protected.PUT("/comments/:id", svc.featureHandler.EditComment)
			protected.DELETE("/comments/:id", svc.featureHandler.DeleteComment)
		}

		admin := api.Group("")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired(), middleware.AuditLog())
		{
			admin.POST("/users", svc.authHandler.CreateUser)

			admin.POST("/categories", svc.categoryHandler.Create)
			admin.GET("/categories/:id/integration", svc.categoryHandler.GetIntegration)
			admin.PUT("/categories/:id/integration", svc.categoryHandler.UpsertIntegration)
			admin.POST("/categories/:id/integration/validate", svc.categoryHandler.ValidateIntegration)

			admin.PUT("/features/:id/status", svc.featureHandler.UpdateStatus)
			admin.POST("/features/:id/merge", svc.featureHandler.Merge)
			admin.POST("/features/:id/link", svc.featureHandler.Link)
			admin.DELETE("/features/:id/link", svc.featureHandler.Unlink)
			admin.POST("/features/:id/work-item", svc.featureHandler.CreateWorkItem)

			admin.POST("/admin/sync/run", svc.syncHandler.Run)
			admin.GET("/admin/sync/status", svc.syncHandler.Status)
			admin.POST("/admin/sync/features/:id", svc.syncHandler.ReconcileFeature)
			admin.POST("/admin/sync/features/:id/resolve", svc.syncHandler.ResolveConflict)

			admin.GET("/system-logs", svc.systemLogHandler.List)
		}
	}
	return webhookLimiter
}
