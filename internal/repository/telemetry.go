package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agrihub/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrNotFound 表示记录不存在
var ErrNotFound = errors.New("record not found")

// TelemetryRepository 遥测数据仓库（Redis：追加写读数历史 + 最新值键 + 分析结果缓存）
type TelemetryRepository struct {
	client *redis.Client
	logger *zap.Logger

	keyPrefix    string        // 键前缀，如 "agri:"
	streamMaxLen int64         // 每设备读数流的近似最大长度（有界保留策略）
	analysisTTL  time.Duration // 分析结果持久化 TTL
}

// NewTelemetryRepository 创建遥测仓库
func NewTelemetryRepository(client *redis.Client, keyPrefix string, streamMaxLen int64, analysisTTL time.Duration, logger *zap.Logger) *TelemetryRepository {
	if keyPrefix == "" {
		keyPrefix = "agri:"
	}
	if streamMaxLen <= 0 {
		streamMaxLen = 10000
	}
	if analysisTTL <= 0 {
		analysisTTL = 24 * time.Hour
	}
	return &TelemetryRepository{
		client:       client,
		logger:       logger,
		keyPrefix:    keyPrefix,
		streamMaxLen: streamMaxLen,
		analysisTTL:  analysisTTL,
	}
}

// readingStreamKey 读数历史流键
func (r *TelemetryRepository) readingStreamKey(deviceID string) string {
	return fmt.Sprintf("%sreadings:%s", r.keyPrefix, deviceID)
}

// latestKey 最新读数键
func (r *TelemetryRepository) latestKey(deviceID string) string {
	return fmt.Sprintf("%sdevice:%s:latest", r.keyPrefix, deviceID)
}

// analysisKey 分析结果键
func (r *TelemetryRepository) analysisKey(fp models.Fingerprint) string {
	return fmt.Sprintf("%sanalysis:%s", r.keyPrefix, fp)
}

// alertStreamKey 告警历史流键
func (r *TelemetryRepository) alertStreamKey() string {
	return r.keyPrefix + "alerts"
}

// AppendReading 追加写入读数（历史流 + 最新值键）
func (r *TelemetryRepository) AppendReading(ctx context.Context, reading models.DeviceReading) error {
	jsonData, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	// 有界历史流：MAXLEN ~ 近似裁剪，避免无界增长
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.readingStreamKey(reading.DeviceID),
		MaxLen: r.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":      string(jsonData),
			"timestamp": reading.Timestamp.Unix(),
		},
	}).Err(); err != nil {
		return fmt.Errorf("failed to append reading to stream: %w", err)
	}

	if err := r.client.Set(ctx, r.latestKey(reading.DeviceID), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set latest reading: %w", err)
	}

	return nil
}

// GetLatestReading 读取设备最新读数
func (r *TelemetryRepository) GetLatestReading(ctx context.Context, deviceID string) (*models.DeviceReading, error) {
	val, err := r.client.Get(ctx, r.latestKey(deviceID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest reading: %w", err)
	}

	var reading models.DeviceReading
	if err := json.Unmarshal([]byte(val), &reading); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reading: %w", err)
	}
	return &reading, nil
}

// GetReadingHistory 读取设备最近的读数历史（新到旧，至多 limit 条）
func (r *TelemetryRepository) GetReadingHistory(ctx context.Context, deviceID string, limit int64) ([]models.DeviceReading, error) {
	if limit <= 0 {
		limit = 100
	}

	msgs, err := r.client.XRevRangeN(ctx, r.readingStreamKey(deviceID), "+", "-", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read reading history: %w", err)
	}

	readings := make([]models.DeviceReading, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var reading models.DeviceReading
		if err := json.Unmarshal([]byte(data), &reading); err != nil {
			r.logger.Warn("Skipping undecodable history entry",
				zap.String("device_id", deviceID),
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		readings = append(readings, reading)
	}
	return readings, nil
}

// SaveAnalysisResult 持久化分析结果（按指纹，带 TTL）
func (r *TelemetryRepository) SaveAnalysisResult(ctx context.Context, result *models.AnalysisResult) error {
	jsonData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis result: %w", err)
	}
	if err := r.client.Set(ctx, r.analysisKey(result.Fingerprint), jsonData, r.analysisTTL).Err(); err != nil {
		return fmt.Errorf("failed to save analysis result: %w", err)
	}
	return nil
}

// GetAnalysisResult 按指纹读取分析结果
func (r *TelemetryRepository) GetAnalysisResult(ctx context.Context, fp models.Fingerprint) (*models.AnalysisResult, error) {
	val, err := r.client.Get(ctx, r.analysisKey(fp)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis result: %w", err)
	}

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis result: %w", err)
	}
	return &result, nil
}

// AppendAlert 追加写入告警记录到告警流
func (r *TelemetryRepository) AppendAlert(ctx context.Context, alert *models.Alert) error {
	jsonData, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.alertStreamKey(),
		MaxLen: r.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":      string(jsonData),
			"device_id": alert.DeviceID,
		},
	}).Err(); err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}
