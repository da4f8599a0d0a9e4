package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes sets up all API routes under the base path.
func registerRoutes(router *gin.Engine, a *api, gatherer prometheus.Gatherer) {
	g := router.Group(a.basePath)

	g.GET("/", a.handleRoot)
	g.GET("/health", a.handleHealth)
	if gatherer != nil {
		g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	g.GET("/dashboard/stats", a.handleDashboardStats)

	// Projects.
	g.GET("/projects", a.handleListProjects)
	g.POST("/projects", a.handleCreateProject)
	g.GET("/projects/:id", a.handleGetProject)
	g.PUT("/projects/:id", a.handleUpdateProject)
	g.DELETE("/projects/:id", a.handleDeleteProject)

	// Data files.
	g.GET("/data", a.handleListFiles)
	g.POST("/data/upload", a.handleUpload)
	g.GET("/data/:id", a.handleGetFile)
	g.DELETE("/data/:id", a.handleDeleteFile)
	g.GET("/missing-value/summary/:projectId", a.handleMissingSummary)

	// Validation.
	g.POST("/validation/execute", a.handleExecuteValidation)
	g.GET("/validation/status/:jobId", a.handleValidationStatus)
	g.POST("/validation/rules/:projectId", a.handleSaveRules)
	g.GET("/validation/rules/:projectId", a.handleGetRules)
	g.GET("/validation/download-report/:projectId", a.handleDownloadReport)

	// Imputation.
	g.GET("/imputation/methods", a.handleMethods)
	g.POST("/imputation/execute", a.handleExecuteImputation)
	g.POST("/imputation/execute-multiomics", a.handleExecuteMultiOmics)
	g.GET("/imputation/status/:jobId", a.handleImputationStatus)
	g.GET("/imputation/results/:jobId", a.handleImputationResults)
	g.GET("/imputation/download/:jobId/:modality", a.handleDownload)

	// Push channel.
	g.GET("/jobs/:jobId/events", a.handleJobEvents)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not found"})
	})
}

func (a *api) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "GeneQ API Server", "version": a.version})
}

func (a *api) handleHealth(c *gin.Context) {
	sqlDB, err := a.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		a.logger.Warn("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "message": "database unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
