package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"agrihub/internal/alert"
	"agrihub/internal/analysis"
	"agrihub/internal/bus"
	"agrihub/internal/config"
	"agrihub/internal/hub"
	"agrihub/internal/ingest"
	"agrihub/internal/models"
	"agrihub/internal/mqtt"
	"agrihub/internal/repository"
	"agrihub/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
)

// Service 遥测与分析编排服务（整合各层）
type Service struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	eventBus      *bus.Bus
	deviceStore   *store.DeviceStore
	adapter       *ingest.Adapter
	telemetryRepo *repository.TelemetryRepository
	alertsRepo    *repository.AlertEventsRepository
	orchestrator  *analysis.Orchestrator
	alertEngine   *alert.Engine
	broadcastHub  *hub.Hub

	httpServer *http.Server
}

// New 创建并装配服务
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	// 1. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 2. 连接 Postgres（可选：告警历史表）
	var db *sql.DB
	var alertsRepo *repository.AlertEventsRepository
	if cfg.Database.Enabled {
		var err error
		db, err = sql.Open("postgres", buildDSN(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		alertsRepo = repository.NewAlertEventsRepository(db, logger)
	}

	// 3. Repository 层
	telemetryRepo := repository.NewTelemetryRepository(
		redisClient,
		cfg.Telemetry.KeyPrefix,
		cfg.Telemetry.StreamMaxLen,
		cfg.Telemetry.AnalysisTTL,
		logger,
	)

	// 4. 核心组件
	eventBus := bus.New(cfg.Bus.BufferSize, logger)

	deviceStore := store.NewDeviceStore(store.Options{
		SweepInterval:    cfg.Store.SweepInterval,
		StaleThreshold:   cfg.Store.StaleThreshold,
		OfflineThreshold: cfg.Store.OfflineThreshold,
	}, eventBus, logger)

	adapter := ingest.NewAdapter(deviceStore, eventBus, telemetryRepo, logger)

	engine := analysis.NewRestEngine(cfg.Analysis.EngineURL, 2*cfg.Analysis.RunTimeout, logger)
	orchestrator := analysis.NewOrchestrator(analysis.Options{
		Workers:    cfg.Analysis.Workers,
		QueueLimit: cfg.Analysis.QueueLimit,
		RunTimeout: cfg.Analysis.RunTimeout,
		CacheSize:  cfg.Analysis.CacheSize,
		CacheTTL:   cfg.Analysis.CacheTTL,
	}, engine, deviceStore, eventBus, telemetryRepo, logger)

	alertEngine := alert.NewEngine(alert.Options{
		Rules:    alert.DefaultRules(),
		AlertTTL: cfg.Alert.TTL,
	}, eventBus, telemetryRepo, alertsRepo, logger)

	broadcastHub := hub.New(hub.Options{
		QueueSize:         cfg.Hub.QueueSize,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
	}, eventBus, orchestrator, logger)

	s := &Service{
		config:        cfg,
		logger:        logger,
		db:            db,
		redisClient:   redisClient,
		eventBus:      eventBus,
		deviceStore:   deviceStore,
		adapter:       adapter,
		telemetryRepo: telemetryRepo,
		alertsRepo:    alertsRepo,
		orchestrator:  orchestrator,
		alertEngine:   alertEngine,
		broadcastHub:  broadcastHub,
	}

	s.httpServer = &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: s.router(),
	}

	return s, nil
}

// Start 启动服务（阻塞直到 ctx 取消或 HTTP 服务出错）
func (s *Service) Start(ctx context.Context) error {
	// 后台循环
	go s.deviceStore.StartSweeper(ctx)
	go s.alertEngine.Start(ctx)
	go s.broadcastHub.Start(ctx)

	// MQTT 接入
	mqttClient, err := mqtt.NewClient(mqtt.Config{
		Broker:   s.config.MQTT.Broker,
		ClientID: s.config.MQTT.ClientID,
		Username: s.config.MQTT.Username,
		Password: s.config.MQTT.Password,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}
	s.mqttClient = mqttClient

	qos := byte(s.config.MQTT.QoS)
	for _, topic := range []string{s.config.MQTT.DataTopic, s.config.MQTT.StatusTopic} {
		if err := mqttClient.Subscribe(topic, qos, s.adapter.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		s.logger.Info("Subscribed to MQTT topic", zap.String("topic", topic))
	}

	// HTTP/WebSocket 服务
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.config.HTTP.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("http server error: %w", err)
	}
}

// Stop 释放连接资源
func (s *Service) Stop() {
	s.logger.Info("Stopping service")

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
}

// router HTTP 路由
func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.broadcastHub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{deviceID}", s.handleGetDevice)
		r.Get("/devices/{deviceID}/history", s.handleDeviceHistory)
		r.Get("/alerts", s.handleListAlerts)
		r.Get("/alerts/history", s.handleAlertHistory)
		r.Delete("/alerts/{alertID}", s.handleDismissAlert)
	})

	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"devices":            len(s.deviceStore.List()),
		"clients":            s.broadcastHub.ClientCount(),
		"analysis_in_flight": s.orchestrator.InFlight(),
	})
}

func (s *Service) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deviceStore.List())
}

func (s *Service) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	state, ok := s.deviceStore.Get(deviceID)
	if ok {
		writeJSON(w, http.StatusOK, state)
		return
	}

	// 内存中没有：回退持久层的最新读数（重启后首次上报前仍可查）
	reading, err := s.telemetryRepo.GetLatestReading(r.Context(), deviceID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	writeJSON(w, http.StatusOK, models.DeviceState{
		DeviceID:    deviceID,
		LastReading: *reading,
		Status:      models.StatusOffline,
		LastSeen:    reading.Timestamp,
	})
}

func (s *Service) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	readings, err := s.telemetryRepo.GetReadingHistory(r.Context(), deviceID, parseLimit(r, 100))
	if err != nil {
		s.logger.Error("Failed to read device history", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read history"})
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Service) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	includeAcked := r.URL.Query().Get("include_acknowledged") == "true"
	alerts := s.alertEngine.List(includeAcked)
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Service) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if s.alertsRepo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "alert history store disabled"})
		return
	}
	alerts, err := s.alertsRepo.ListRecentAlerts(r.Context(), int(parseLimit(r, 100)))
	if err != nil {
		s.logger.Error("Failed to read alert history", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read alert history"})
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Service) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	s.alertEngine.Dismiss(r.Context(), alertID)
	w.WriteHeader(http.StatusNoContent)
}

// parseLimit 解析 limit 查询参数（缺失或非法时用默认值）
func parseLimit(r *http.Request, def int64) int64 {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// buildDSN 构建数据库连接字符串
func buildDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Database,
		cfg.Database.SSLMode,
	)
}
