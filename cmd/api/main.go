package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "ictaccess/api/swagger" // swagger docs
	"ictaccess/internal/config"
	"ictaccess/internal/database"
	"ictaccess/internal/event"
	"ictaccess/internal/handler"
	"ictaccess/internal/middleware"
	"ictaccess/internal/model"
	"ictaccess/internal/notification"
	"ictaccess/internal/policy"
	"ictaccess/internal/repository"
	"ictaccess/internal/scheduler"
	"ictaccess/internal/service"
	"ictaccess/internal/websocket"
	"ictaccess/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title           ICT Access Request API
// @version         1.0
// @description     Multi-stage approval of hospital ICT access requests, implementation tasks and SMS notifications.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	envPath := flag.String("env", "configs/.env", "path to the .env file")
	yamlPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*envPath, *yamlPath)
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Failed to load configuration")
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	if cfg.SSM.Path != "" {
		client, err := config.NewSSMClient(ctx, cfg.SSM)
		if err != nil {
			log.WithField("error", err.Error()).Fatal("Failed to create SSM client")
		}
		if err := config.ApplySSM(ctx, client, cfg, log); err != nil {
			log.WithField("error", err.Error()).Fatal("Failed to apply SSM secrets")
		}
	}

	db, err := database.NewConnection(cfg.Database, log)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("Database connection failed")
	}
	log.Info("Connected to PostgreSQL successfully")

	// Repositories
	txManager := repository.NewTransactionManager(db)
	requestRepo := repository.NewRequestRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	smsLogRepo := repository.NewSMSLogRepository(db)
	roleRepo := repository.NewRoleRepository(db)
	statisticsRepo := repository.NewStatisticsRepository(db)

	pol := policy.New(cfg.Workflow.Policy())
	queue := event.NewQueue(cfg.Workflow.EventQueueSize, log)

	// Services
	roleService := service.NewRoleService(roleRepo)
	if err := roleService.SeedDefaultRolesAndPermissions(ctx); err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to seed roles")
	}
	workflowService := service.NewWorkflowService(service.WorkflowDeps{
		Tx:              txManager,
		Requests:        requestRepo,
		Tasks:           taskRepo,
		Audit:           auditRepo,
		SMSLogs:         smsLogRepo,
		Policy:          pol,
		Events:          queue,
		Logger:          log,
		ReferencePrefix: cfg.Workflow.ReferencePrefix,
	})
	taskService := service.NewTaskService(service.TaskDeps{
		Tx:       txManager,
		Requests: requestRepo,
		Tasks:    taskRepo,
		Users:    userRepo,
		Audit:    auditRepo,
		Policy:   pol,
		Events:   queue,
		Logger:   log,
	})
	auditService := service.NewAuditService(auditRepo)
	statisticsService := service.NewStatisticsService(statisticsRepo)
	userService := service.NewUserService(userRepo)

	// Event subscribers
	nc := cfg.Notification
	dispatcher := notification.NewDispatcher(notification.DispatcherDeps{
		Config: notification.Config{
			Enabled:        nc.Enabled,
			RatePerHour:    nc.RatePerHour,
			MaxBulkSize:    nc.MaxBulkSize,
			MaxConcurrency: nc.MaxConcurrency,
			SendTimeout:    nc.Timeout,
			RetryAttempts:  nc.RetryAttempts,
			RetryBackoff:   nc.RetryBackoff,
		},
		Gateway: notification.NewHTTPGateway(notification.GatewayConfig{
			BaseURL:   nc.BaseURL,
			APIKey:    nc.APIKey,
			APISecret: nc.APISecret,
			SenderID:  nc.SenderID,
			Timeout:   nc.Timeout,
			TestMode:  nc.TestMode,
		}),
		Requests: requestRepo,
		Users:    userRepo,
		SMSLogs:  smsLogRepo,
		Policy:   pol,
		Logger:   log,
	})
	wsHub := websocket.NewHub(log)
	go wsHub.Run(ctx)

	queue.Subscribe("sms", dispatcher.Handle)
	queue.Subscribe("websocket", wsHub.HandleEvent)
	queue.Start(context.WithoutCancel(ctx), cfg.Workflow.EventWorkers)

	// Retention cleanup
	jobs := scheduler.New(log)
	err = jobs.AddCleanup(cfg.Workflow.CleanupSchedule, &scheduler.CleanupJob{
		Tx:        txManager,
		Requests:  requestRepo,
		Audit:     auditRepo,
		Retention: cfg.Workflow.Retention(),
		Logger:    log,
	})
	if err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to schedule cleanup")
	}
	jobs.Start()

	// Handlers
	auth := middleware.NewAuth([]byte(cfg.Auth.JWTSecret), roleService, log)
	requestHandler := handler.NewRequestHandler(workflowService, auth, log)
	taskHandler := handler.NewTaskHandler(taskService, auth, log)
	auditHandler := handler.NewAuditHandler(auditService, auth, log)
	roleHandler := handler.NewRoleHandler(roleService, auth, log)
	statisticsHandler := handler.NewStatisticsHandler(statisticsService, auth, log)
	userHandler := handler.NewUserHandler(userService, auth, log)

	if cfg.Server.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})

	// Live workflow feed for the approvers' dashboard
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(wsHub, c, auth,
			model.RoleHeadOfDepartment, model.RoleDivisionalDirector, model.RoleICTDirector,
			model.RoleHeadOfIT, model.RoleICTOfficer, model.RoleAdmin)
	})

	requestHandler.RegisterRoutes(router.Group(""))
	taskHandler.RegisterRoutes(router.Group(""))
	auditHandler.RegisterRoutes(router.Group(""))
	roleHandler.RegisterRoutes(router.Group(""))
	statisticsHandler.RegisterRoutes(router.Group(""))
	userHandler.RegisterRoutes(router.Group(""))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("port", cfg.Server.Port).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err.Error()).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Warn("HTTP shutdown incomplete")
	}
	jobs.Stop(shutdownCtx)
	// Drain queued events so committed decisions still notify.
	queue.Close()
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}
