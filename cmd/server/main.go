package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/genqueue/internal/client"
	"github.com/makeasinger/genqueue/internal/config"
	"github.com/makeasinger/genqueue/internal/handler"
	"github.com/makeasinger/genqueue/internal/journal"
	"github.com/makeasinger/genqueue/internal/middleware"
	"github.com/makeasinger/genqueue/internal/model"
	"github.com/makeasinger/genqueue/internal/notify"
	"github.com/makeasinger/genqueue/internal/scheduler"
	ws "github.com/makeasinger/genqueue/internal/websocket"
	"github.com/makeasinger/genqueue/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(appLogger)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	ctx := context.Background()
	redisUp := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available, notifications will only be logged: %v", err)
		redisUp = false
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Journal
	jrnl, err := openJournal(cfg.Journal, appLogger)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer jrnl.Close()

	// Engine client and work functions
	engineClient := client.NewEngineClient(&cfg.Engine)
	workflows, err := worker.LoadWorkflowDir(cfg.Engine.WorkflowDir)
	if err != nil {
		log.Fatalf("Failed to load workflows: %v", err)
	}
	generationWorker := worker.NewGenerationWorker(engineClient, workflows)

	// WebSocket hub receives every job transition
	hub := ws.NewHub()
	go hub.Run()
	defer hub.Close()

	opts := []scheduler.Option{
		scheduler.WithLogger(appLogger.With("component", "scheduler")),
		scheduler.WithObserver(hub),
		scheduler.WithCacheSize(cfg.Journal.CacheSize),
	}
	if redisUp {
		opts = append(opts, scheduler.WithNotifier(notify.NewAsynqNotifier(asynqClient, appLogger.With("component", "notify"))))
	} else {
		opts = append(opts, scheduler.WithNotifier(notify.NewLogNotifier(appLogger.With("component", "notify"))))
	}

	// Closed partitions go to R2 when it is configured
	r2Client, err := client.NewR2Client(ctx, &cfg.R2)
	if err != nil {
		log.Printf("Warning: journal archive disabled: %v", err)
	} else {
		opts = append(opts, scheduler.WithArchiver(journal.NewArchiver(jrnl, r2Client, "journal", appLogger.With("component", "archive"))))
	}

	sched, err := scheduler.New(cfg.Scheduler, cfg.Poller, jrnl, engineClient, opts...)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	types := generationWorker.Register(sched)
	if len(types) == 0 {
		log.Printf("Warning: no workflows found in %s, every submission will be rejected", cfg.Engine.WorkflowDir)
	} else {
		log.Printf("Registered workflows: %v", types)
	}

	report, err := sched.Start(ctx)
	if err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	log.Printf("Recovery: %d requeued, %d reattached, %d retried, %d failed, %d untouched",
		len(report.Requeued), len(report.Reattached), len(report.Retried), len(report.Failed), len(report.Untouched))

	// Initialize validator
	validate := validator.New()

	// Initialize handlers
	jobHandler := handler.NewJobHandler(sched, validate)
	healthHandler := handler.NewHealthHandler(engineClient, cfg.Journal.Backend)

	// Initialize middleware
	var limiterRedis redis.Cmdable
	if redisUp {
		limiterRedis = redisClient
	}
	rateLimiter := middleware.NewRateLimiter(limiterRedis)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024, // 4MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Health check
	app.Get("/health", healthHandler.Check)

	// API routes
	api := app.Group("/api")

	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), jobHandler.Submit)
	jobs.Get("/", jobHandler.List)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Put("/:jobId/status", jobHandler.UpdateStatus)

	api.Get("/queue", jobHandler.Queue)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		var initial *model.WSStatusMessage
		if st, err := sched.GetStatus(jobID); err == nil {
			initial = &model.WSStatusMessage{
				Type:         model.WSMessageTypeStatus,
				JobID:        st.JobID,
				Status:       st.Status,
				AttemptCount: st.AttemptCount,
				Message:      st.Message,
				OutputRefs:   st.OutputRefs,
			}
		}
		hub.HandleConnection(c, jobID, initial)
	}))

	// Start Asynq worker server
	var workerSrv *asynq.Server
	if redisUp {
		workerSrv = newWorkerServer(cfg, redisOpt)
		go runWorkerServer(workerSrv, cfg.SMTP)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Printf("Server error: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.Printf("Scheduler shutdown error: %v", err)
	}
	if workerSrv != nil {
		workerSrv.Shutdown()
	}
	log.Println("Server stopped")
}

func openJournal(cfg config.JournalConfig, base *slog.Logger) (journal.Journal, error) {
	jl := base.With("component", "journal", "backend", cfg.Backend)
	switch cfg.Backend {
	case "badger":
		return journal.NewBadgerJournal(cfg.Dir, jl)
	case "", "file":
		return journal.NewFileJournal(cfg.Dir, jl)
	default:
		log.Printf("Warning: unknown journal backend %q, using file", cfg.Backend)
		return journal.NewFileJournal(cfg.Dir, jl)
	}
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt) *asynq.Server {
	return asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				notify.Queue: 1,
			},
			LogLevel: asynqLevel(cfg.Server.LogLevel),
		},
	)
}

func runWorkerServer(srv *asynq.Server, smtpCfg config.SMTPConfig) {
	var mailer notify.Mailer
	if m := notify.NewSMTPMailer(smtpCfg); m.Configured() {
		mailer = m
	} else {
		log.Println("Warning: SMTP not configured, notifications will only be logged")
	}
	notifyWorker := worker.NewNotifyWorker(mailer)

	mux := asynq.NewServeMux()
	mux.HandleFunc(notify.TaskTypeJobSucceeded, notifyWorker.ProcessTask)
	mux.HandleFunc(notify.TaskTypeJobFailed, notifyWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func asynqLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
