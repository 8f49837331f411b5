package models

import (
	"time"
)

// DeviceStatus 设备在线状态
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusStale   DeviceStatus = "stale"
	StatusOffline DeviceStatus = "offline"
)

// DeviceReading 单条传感器读数（创建后不可变，同设备的新读数取代旧读数）
type DeviceReading struct {
	DeviceID     string             `json:"device_id"`
	Timestamp    time.Time          `json:"timestamp"`
	Metrics      map[string]float64 `json:"metrics"`                 // temperature, humidity, soil_moisture, light 等
	BatteryLevel *float64           `json:"battery_level,omitempty"` // 电池电量百分比（可选）
}

// Metric 读取指定指标值
func (r *DeviceReading) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// DeviceState 设备的权威最新状态（每个 device_id 唯一一条）
type DeviceState struct {
	DeviceID    string        `json:"device_id"`
	LastReading DeviceReading `json:"last_reading"`
	Status      DeviceStatus  `json:"status"`
	LastSeen    time.Time     `json:"last_seen"`
}

// Clone 返回状态快照副本（读路径只暴露副本，避免共享可变数据）
func (s *DeviceState) Clone() DeviceState {
	cp := *s
	if s.LastReading.Metrics != nil {
		cp.LastReading.Metrics = make(map[string]float64, len(s.LastReading.Metrics))
		for k, v := range s.LastReading.Metrics {
			cp.LastReading.Metrics[k] = v
		}
	}
	if s.LastReading.BatteryLevel != nil {
		b := *s.LastReading.BatteryLevel
		cp.LastReading.BatteryLevel = &b
	}
	return cp
}
