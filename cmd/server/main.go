package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"formflow-backend/internal/auth"
	"formflow-backend/internal/config"
	"formflow-backend/internal/engine"
	"formflow-backend/internal/instrument"
	"formflow-backend/internal/metadata"
	"formflow-backend/internal/org"
	"formflow-backend/internal/storage"
	"formflow-backend/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Create registry and load workflow config
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.DB, reg); err != nil {
		log.Printf("WARN: Failed to load workflow config: %v", err)
	}

	// 5. Instrumentation
	var inst instrument.Instrumenter = &instrument.NoopInstrumenter{}
	var buffer *instrument.EventBuffer
	if cfg.Instrumentation.Enabled {
		buffer = instrument.NewEventBuffer(db.DB, db.Dialect, cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushIntervalMs)
		inst = instrument.NewDBInstrumenter(buffer)
	}

	// 6. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(inst, cfg.Instrumentation.SamplingRate))

	// 7. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 8. Auth routes (no auth required)
	authHandler := auth.NewAuthHandler(db, cfg.JWTSecret)
	auth.RegisterAuthRoutes(app, authHandler)

	// 9. Everything else under /api requires a valid token
	app.Use("/api", auth.AuthMiddleware(cfg.JWTSecret))

	// 10. Organizations and membership
	orgService := org.NewService(db)
	org.RegisterRoutes(app, org.NewHandler(orgService))

	// 11. Workflow engine: authoring, versions, runs, config
	workflows := engine.NewWorkflowService(db)
	versions := engine.NewVersionService(db, workflows)
	runs := engine.NewRunService(db, reg, versions)
	handler := engine.NewHandler(db, reg, workflows, versions, runs, orgService)
	configHandler := engine.NewConfigHandler(db, reg, handler)
	engine.RegisterRoutes(app, handler, configHandler)

	// 12. Run file uploads
	fileStorage := storage.NewLocalStorage(cfg.Storage.LocalPath)
	fileHandler := engine.NewFileHandler(db, fileStorage, handler, cfg.Storage.MaxFileSize)
	engine.RegisterFileRoutes(app, fileHandler)

	// 13. Event inspection endpoints (admin only)
	adminMW := auth.RequireAdmin()
	eventHandler := instrument.NewEventHandler(db.DB, db.Dialect)
	app.Post("/api/_events", adminMW, eventHandler.Emit)
	app.Get("/api/_events", adminMW, eventHandler.List)
	app.Get("/api/_events/traces/:traceId", adminMW, eventHandler.GetTrace)
	app.Get("/api/_events/stats", adminMW, eventHandler.GetStats)

	// 14. Webhook retry scheduler
	var webhookScheduler *engine.WebhookScheduler
	if cfg.Webhooks.Enabled {
		webhookScheduler = engine.NewWebhookScheduler(db)
		webhookScheduler.Start()
	}

	// 15. Event retention sweep
	cleanupDone := make(chan struct{})
	if cfg.Instrumentation.Enabled {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					instrument.CleanupOldEvents(ctx, db.DB, db.Dialect, cfg.Instrumentation.RetentionDays)
				case <-cleanupDone:
					return
				}
			}
		}()
	}

	// 16. Start server, shut down cleanly on SIGINT/SIGTERM
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down")
	_ = app.Shutdown()
	close(cleanupDone)
	if webhookScheduler != nil {
		webhookScheduler.Stop()
	}
	if buffer != nil {
		buffer.Stop()
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
