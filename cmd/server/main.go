package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticketflow/internal/config"
	"ticketflow/internal/handlers"
	"ticketflow/internal/middleware"
	"ticketflow/internal/models"
	"ticketflow/internal/observability"
	"ticketflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	// 根据需要迁移（此处默认迁移，生产可改为条件控制）
	if err := db.AutoMigrate(
		&models.Organization{}, &models.User{}, &models.Group{}, &models.GroupMember{},
		&models.Tag{}, &models.Ticket{}, &models.TicketComment{},
		&models.TaskList{}, &models.TaskItem{}, &models.TicketTask{},
		&models.Rule{}, &models.RuleEvent{}, &models.ConditionGroup{}, &models.Condition{},
		&models.Action{}, &models.ExecutionLogEntry{}, &models.RoundRobinAgentSlot{},
		&models.Activity{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 规则引擎装配
	matcher := services.NewMatcher(db)
	assignment := services.NewAssignmentService(db, appLogger)
	renderer := services.NewTemplateRenderer()
	slackSender := services.NewSlackSender(cfg.Slack, appLogger)
	emailSender := services.NewEmailSender(appLogger)

	dispatcher := services.NewDispatcher(appLogger)
	dispatcher.Register(emailSender)
	dispatcher.Register(slackSender)

	queue := services.NewWorkerQueue(cfg.Engine.QueueWorkers, cfg.Engine.QueueDepth, appLogger)
	executor := services.NewActionExecutor(db, appLogger, assignment, queue, slackSender, renderer)
	execution := services.NewExecutionService(db, appLogger, matcher, executor, queue, cfg.Engine)

	hub := services.NewEventHub()
	go hub.Run()
	execution.SetBroadcaster(hub)

	queue.SetHandler(func(ctx context.Context, job services.Job) error {
		switch job.Type {
		case services.JobTicketEvent:
			return execution.HandleJob(ctx, job)
		case services.JobNotification:
			if job.Notification == nil {
				return nil
			}
			return dispatcher.Dispatch(ctx, *job.Notification)
		default:
			return fmt.Errorf("unknown job type %q", job.Type)
		}
	})
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	queue.Start(engineCtx)

	// 业务服务
	ruleService := services.NewRuleService(db, appLogger, matcher)
	ticketService := services.NewTicketService(db, appLogger, queue)

	// 定时触发 time_based 规则
	scheduler := services.NewScheduler(db, appLogger, execution, cfg.Engine.SchedulerSpec)
	if err := scheduler.Start(); err != nil {
		appLogger.Fatalf("Failed to start scheduler: %v", err)
	}

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// 健康检查
	healthHandler := handlers.NewHealthHandler(cfg, db, hub)
	handlers.RegisterHealthRoutes(r, healthHandler)

	// Prometheus Metrics（若启用）
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.Handler()))
	}

	// 事件推送
	r.GET("/ws/events", hub.HandleWebSocket)

	// API 路由组（管理类），全部接口先做鉴权
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))

	rulesAPI := api.Group("/")
	rulesAPI.Use(middleware.RequireRole(models.RoleAdmin, models.RoleAgent))
	handlers.RegisterRuleRoutes(rulesAPI, handlers.NewRuleHandler(ruleService, execution, appLogger))

	handlers.RegisterTicketRoutes(api, handlers.NewTicketHandler(ticketService, execution, appLogger))

	// 启动服务器
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	go func() {
		appLogger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	scheduler.Stop()
	stopEngine()
	queue.Stop()
	appLogger.Info("Server exited")
}
