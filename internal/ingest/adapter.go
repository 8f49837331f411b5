package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agrihub/internal/bus"
	"agrihub/internal/models"
	"agrihub/internal/repository"
	"agrihub/internal/store"

	"go.uber.org/zap"
)

// ErrMalformedMessage 入站消息无法解析为 DeviceReading
var ErrMalformedMessage = errors.New("malformed message")

// timestampLayouts 入站时间戳支持的格式（设备固件不统一）
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// Adapter 摄入适配器：原始 broker 消息 → 校验 → 状态存储更新 + 事件发布 + 持久化
type Adapter struct {
	store  *store.DeviceStore
	bus    *bus.Bus
	repo   *repository.TelemetryRepository
	logger *zap.Logger
}

// NewAdapter 创建摄入适配器（repo 可为 nil，表示不持久化）
func NewAdapter(deviceStore *store.DeviceStore, eventBus *bus.Bus, repo *repository.TelemetryRepository, logger *zap.Logger) *Adapter {
	return &Adapter{
		store:  deviceStore,
		bus:    eventBus,
		repo:   repo,
		logger: logger,
	}
}

// Ingest 处理单条入站消息。解析失败返回 ErrMalformedMessage；
// 重复消息（同设备同时间戳）为幂等空操作，不发布事件。
func (a *Adapter) Ingest(ctx context.Context, topic string, payload []byte) (models.DeviceState, error) {
	reading, err := ParseReading(payload)
	if err != nil {
		return models.DeviceState{}, err
	}

	result := a.store.Update(reading)
	if result.Duplicate {
		a.logger.Debug("Duplicate reading ignored",
			zap.String("device_id", reading.DeviceID),
			zap.Time("timestamp", reading.Timestamp),
		)
		return result.State, nil
	}

	// 追加写历史：尽力而为，持久化失败不影响实时路径
	if a.repo != nil {
		if err := a.repo.AppendReading(ctx, reading); err != nil {
			a.logger.Warn("Failed to persist reading",
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
		}
	}

	evt, err := models.NewEvent(models.EventSensorUpdate, reading.DeviceID, result.State)
	if err != nil {
		return result.State, fmt.Errorf("failed to build sensor event: %w", err)
	}
	a.bus.Publish(evt)

	return result.State, nil
}

// HandleMessage MQTT 回调入口：格式错误的消息记录后丢弃，绝不中断 broker 连接
func (a *Adapter) HandleMessage(topic string, payload []byte) error {
	if _, err := a.Ingest(context.Background(), topic, payload); err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			a.logger.Warn("Dropping malformed message",
				zap.String("topic", topic),
				zap.ByteString("payload", truncate(payload, 256)),
				zap.Error(err),
			)
			return nil
		}
		return err
	}
	return nil
}

// ParseReading 解析 JSON 载荷为 DeviceReading。
// device_id 缺失、指标非数值、时间戳无法解析均视为格式错误。
func ParseReading(payload []byte) (models.DeviceReading, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return models.DeviceReading{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedMessage, err)
	}

	deviceID, ok := raw["device_id"].(string)
	if !ok || deviceID == "" {
		return models.DeviceReading{}, fmt.Errorf("%w: missing device_id", ErrMalformedMessage)
	}
	delete(raw, "device_id")

	ts, err := parseTimestamp(raw["timestamp"])
	if err != nil {
		return models.DeviceReading{}, err
	}
	delete(raw, "timestamp")

	reading := models.DeviceReading{
		DeviceID:  deviceID,
		Timestamp: ts,
		Metrics:   make(map[string]float64),
	}

	if battery, present := raw["battery_level"]; present {
		v, err := toFloat(battery)
		if err != nil {
			return models.DeviceReading{}, fmt.Errorf("%w: non-numeric battery_level", ErrMalformedMessage)
		}
		reading.BatteryLevel = &v
		delete(raw, "battery_level")
	}

	// 其余字段均视为数值指标；字符串元数据字段（status、firmware 等）跳过
	for name, value := range raw {
		if _, isString := value.(string); isString {
			continue
		}
		v, err := toFloat(value)
		if err != nil {
			return models.DeviceReading{}, fmt.Errorf("%w: non-numeric metric %q", ErrMalformedMessage, name)
		}
		reading.Metrics[name] = v
	}

	return reading, nil
}

// parseTimestamp 解析时间戳（ISO-8601 字符串或 Unix 秒数）
func parseTimestamp(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMalformedMessage, v)
	case json.Number:
		sec, err := v.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMalformedMessage, v.String())
		}
		return time.Unix(int64(sec), 0).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrMalformedMessage)
	default:
		return time.Time{}, fmt.Errorf("%w: unparseable timestamp", ErrMalformedMessage)
	}
}

// toFloat 数值字段转 float64
func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Float64()
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("not a number")
	}
}

// truncate 截断日志用的载荷
func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
