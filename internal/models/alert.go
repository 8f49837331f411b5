package models

import (
	"strings"
	"time"
)

// AlertSeverity 告警级别
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert 告警记录（规则从未触发转为触发时创建一条；确认后不复活，
// 同一规则再次触发会生成新的 alert_id）
type Alert struct {
	AlertID      string        `json:"alert_id"`
	DeviceID     string        `json:"device_id"`
	Severity     AlertSeverity `json:"severity"`
	RuleID       string        `json:"rule_id"`
	Message      string        `json:"message"`
	RaisedAt     time.Time     `json:"raised_at"`
	Acknowledged bool          `json:"acknowledged"`
}

// ClassifySeverity 根据消息关键字判定级别（引擎产出的 alert_message 用）
func ClassifySeverity(message string) AlertSeverity {
	lower := strings.ToLower(message)
	for _, kw := range []string{"critical", "severe", "emergency", "irrigation needed"} {
		if strings.Contains(lower, kw) {
			return SeverityCritical
		}
	}
	for _, kw := range []string{"warning", "low", "dry"} {
		if strings.Contains(lower, kw) {
			return SeverityWarning
		}
	}
	return SeverityInfo
}
