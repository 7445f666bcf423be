package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/potplag/potplag/internal/api"
	"github.com/potplag/potplag/internal/api/middleware"
	"github.com/potplag/potplag/internal/config"
	"github.com/potplag/potplag/internal/logger"
	"github.com/potplag/potplag/internal/remote/academi"
	"github.com/potplag/potplag/internal/repository"
	"github.com/potplag/potplag/internal/service"
	"github.com/potplag/potplag/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewDefault()
	logger.SetDefaultLogger(log)
	defer logger.Sync()

	log.Infof("Starting potplag server on port %d", cfg.Server.Port)

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	documentRepo := repository.NewDocumentRepository(db)
	userRepo := repository.NewUserRepository(db)

	// Initialize report artifact store
	reportStore, err := storage.NewStorage(&storage.Config{
		Type:      storage.StorageType(cfg.Reports.Storage),
		Dir:       cfg.Reports.Dir,
		Endpoint:  cfg.Reports.Endpoint,
		AccessKey: cfg.Reports.AccessKey,
		SecretKey: cfg.Reports.SecretKey,
		UseSSL:    cfg.Reports.UseSSL,
		Bucket:    cfg.Reports.Bucket,
		Region:    cfg.Reports.Region,
		PublicURL: cfg.Reports.PublicURL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize report storage: %v", err)
	}
	if s3Store, ok := reportStore.(*storage.S3Storage); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := s3Store.EnsureBucket(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to ensure report bucket: %v", err)
		}
		cancel()
	}

	// Remote plagiarism-check session factory
	dialer := academi.NewDialer(&academi.Config{
		BaseURL:  cfg.Academi.BaseURL,
		Email:    cfg.Academi.Email,
		Password: cfg.Academi.Password,
		Timeout:  cfg.Academi.Timeout,
	})

	// Initialize services
	processor := service.NewProcessor(documentRepo, dialer, reportStore, log, &service.ProcessorConfig{
		MaxAttempts:  cfg.Processing.MaxAttempts,
		PollInterval: cfg.Processing.PollInterval,
		InitialDelay: cfg.Processing.InitialDelay,
		StaleAfter:   cfg.Processing.StaleAfter,
	})

	documentService := service.NewDocumentService(documentRepo, reportStore, processor, log, service.UploadConfig{
		Dir:               cfg.Upload.Dir,
		MaxBytes:          cfg.Upload.MaxBytes(),
		AllowedExtensions: cfg.Upload.AllowedExtensions,
	})

	authService := service.NewAuthService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, log)
	adminService := service.NewAdminService(userRepo, documentRepo, reportStore, log)

	// Reconcile documents left in `processing` by a previous run
	go func() {
		ctx := log.WithContext(context.Background())
		ctx = logger.SetComponent(ctx, "reconciler")
		if err := processor.RecoverStale(ctx); err != nil {
			logger.CtxError(ctx, "Startup reconciliation failed: %v", err)
		}
	}()

	// Setup router
	router := api.SetupRouter(authService, documentService, adminService, log, middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}, cfg.Server.Mode)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Infof("Server listening on %s", srv.Addr)

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}
