package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"ticketflow/internal/config"
	"ticketflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	config *config.Config
	db     *gorm.DB
	hub    *services.EventHub
	logger *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(cfg *config.Config, db *gorm.DB, hub *services.EventHub) *HealthHandler {
	return &HealthHandler{
		config: cfg,
		db:     db,
		hub:    hub,
		logger: logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    time.Duration `json:"uptime"`
	GoVersion string        `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime),
			GoVersion: runtime.Version(),
		},
	}

	allHealthy := true
	h.checkDatabase(ctx, &response, &allHealthy)
	h.checkEventHub(&response)

	if !allHealthy {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}

// Ready 就绪检查端点：数据库可达即就绪
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := h.pingDatabase(ctx) == nil

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
	})
}

// checkDatabase 检查数据库状态
func (h *HealthHandler) checkDatabase(ctx context.Context, response *HealthResponse, allHealthy *bool) {
	start := time.Now()

	serviceInfo := ServiceInfo{
		Latency: time.Since(start).String(),
		Details: map[string]interface{}{
			"host": h.config.Database.Host,
			"port": h.config.Database.Port,
		},
	}

	if err := h.pingDatabase(ctx); err != nil {
		serviceInfo.Status = "unhealthy"
		serviceInfo.Error = err.Error()
		*allHealthy = false
		h.logger.Warnf("Database health check failed: %v", err)
	} else {
		serviceInfo.Status = "healthy"
		serviceInfo.Latency = time.Since(start).String()
	}

	response.Services["database"] = serviceInfo
}

// checkEventHub 检查事件推送状态
func (h *HealthHandler) checkEventHub(response *HealthResponse) {
	info := ServiceInfo{Status: "healthy"}
	if h.hub != nil {
		info.Details = map[string]interface{}{
			"connected_clients": h.hub.GetClientCount(),
		}
	} else {
		info.Status = "disabled"
	}
	response.Services["events"] = info
}

func (h *HealthHandler) pingDatabase(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RegisterHealthRoutes 注册健康检查路由
func RegisterHealthRoutes(r *gin.Engine, handler *HealthHandler) {
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
}
