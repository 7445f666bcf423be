package api

import (
	"github.com/gin-gonic/gin"
	"github.com/potplag/potplag/internal/api/handler"
	"github.com/potplag/potplag/internal/api/middleware"
	"github.com/potplag/potplag/internal/logger"
	"github.com/potplag/potplag/internal/service"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	authService *service.AuthService,
	documentService *service.DocumentService,
	adminService *service.AdminService,
	log *logger.Logger,
	cors middleware.CORSConfig,
	mode string,
) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cors))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	authHandler := handler.NewAuthHandler(authService)
	documentHandler := handler.NewDocumentHandler(documentService)
	adminHandler := handler.NewAdminHandler(adminService)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Auth
		auth := v1.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
		}

		// Documents (authenticated)
		docs := v1.Group("/documents", middleware.Auth(authService))
		{
			docs.POST("", documentHandler.Upload)
			docs.GET("", documentHandler.List)
			docs.GET("/:id", documentHandler.Get)
			docs.DELETE("/:id", documentHandler.Delete)
			docs.POST("/:id/reprocess", documentHandler.Reprocess)
			docs.GET("/:id/report", documentHandler.Report)
			docs.GET("/:id/file", documentHandler.File)
		}

		// Admin
		admin := v1.Group("/admin", middleware.Auth(authService), middleware.AdminOnly())
		{
			admin.GET("/users", adminHandler.ListUsers)
			admin.PUT("/users/:id/active", adminHandler.SetUserActive)
			admin.PUT("/users/:id/admin", adminHandler.SetUserAdmin)
			admin.DELETE("/users/:id", adminHandler.DeleteUser)
			admin.GET("/documents", adminHandler.ListDocuments)
			admin.GET("/stats", adminHandler.Stats)
		}
	}

	return r
}
