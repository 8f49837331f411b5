package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agrihub/internal/config"
	"agrihub/internal/models"
	"agrihub/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupTestService 用内存 Redis 装配服务（不连 MQTT/Postgres）
func setupTestService(t *testing.T) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := &config.Config{}
	cfg.Redis.Addr = mr.Addr()
	cfg.Database.Enabled = false
	cfg.HTTP.Addr = ":0"

	svc, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return svc
}

func doRequest(t *testing.T, svc *Service, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	svc.router().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	svc := setupTestService(t)

	rec := doRequest(t, svc, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleGetDevice_FallsBackToRepository(t *testing.T) {
	svc := setupTestService(t)

	// 内存状态为空，但持久层有最新读数（如进程重启后）
	reading := models.DeviceReading{
		DeviceID:  "sensor-001",
		Timestamp: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		Metrics:   map[string]float64{"soil_moisture": 33.0},
	}
	require.NoError(t, svc.telemetryRepo.AppendReading(context.Background(), reading))

	rec := doRequest(t, svc, http.MethodGet, "/api/devices/sensor-001")
	require.Equal(t, http.StatusOK, rec.Code)

	var state models.DeviceState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "sensor-001", state.DeviceID)
	assert.Equal(t, models.StatusOffline, state.Status)
	assert.Equal(t, 33.0, state.LastReading.Metrics["soil_moisture"])

	rec = doRequest(t, svc, http.MethodGet, "/api/devices/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDeviceHistory(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i, soil := range []float64{10.0, 20.0, 30.0} {
		require.NoError(t, svc.telemetryRepo.AppendReading(ctx, models.DeviceReading{
			DeviceID:  "sensor-001",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Metrics:   map[string]float64{"soil_moisture": soil},
		}))
	}

	rec := doRequest(t, svc, http.MethodGet, "/api/devices/sensor-001/history?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var readings []models.DeviceReading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &readings))
	require.Len(t, readings, 2)
	assert.Equal(t, 30.0, readings[0].Metrics["soil_moisture"])
	assert.Equal(t, 20.0, readings[1].Metrics["soil_moisture"])

	// 无历史的设备返回空列表而非 404
	rec = doRequest(t, svc, http.MethodGet, "/api/devices/ghost/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHandleAlertHistory(t *testing.T) {
	svc := setupTestService(t)

	// 告警历史表未启用
	rec := doRequest(t, svc, http.MethodGet, "/api/alerts/history")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	svc.alertsRepo = repository.NewAlertEventsRepository(db, zap.NewNop())

	raisedAt := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT(.|\n)+FROM alert_events").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{
			"alert_id", "device_id", "severity", "rule_id", "message", "raised_at", "acknowledged",
		}).AddRow("alert-1", "sensor-001", "warning", "soil_moisture_low", "Soil moisture low", raisedAt, false))

	rec = doRequest(t, svc, http.MethodGet, "/api/alerts/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var alerts []models.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "alert-1", alerts[0].AlertID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
