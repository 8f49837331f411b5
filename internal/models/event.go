package models

import (
	"encoding/json"
	"time"
)

// EventKind 事件类型（内部总线与 WebSocket 推送共用）
type EventKind string

const (
	EventSensorUpdate        EventKind = "sensor_update"
	EventDeviceStatusChanged EventKind = "device_status_changed"
	EventAnalysisComplete    EventKind = "analysis_complete"
	EventAnalysisFailed      EventKind = "analysis_failed"
	EventNewAlert            EventKind = "new_alert"
)

// Event 总线事件（带类型标签的统一事件，入口处校验后生成）
type Event struct {
	Kind      EventKind       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"device_id,omitempty"` // 与设备无关的事件（如分析完成）为空
	Data      json.RawMessage `json:"data"`
}

// NewEvent 构建事件（data 序列化失败时由调用方处理）
func NewEvent(kind EventKind, deviceID string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
		Data:      raw,
	}, nil
}
