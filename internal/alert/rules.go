package alert

import (
	"agrihub/internal/models"
)

// Direction 阈值比较方向
type Direction string

const (
	// Below 指标低于触发阈值时告警
	Below Direction = "below"
	// Above 指标高于触发阈值时告警
	Above Direction = "above"
)

// Rule 阈值/滞回告警规则。触发与恢复阈值可不同（滞回），
// 连续 K 个样本越界才触发，连续 K 个样本恢复才清除（去抖）。
type Rule struct {
	RuleID         string
	Metric         string // 指标名；"battery_level" 特殊处理
	Direction      Direction
	FireThreshold  float64
	ClearThreshold float64
	Consecutive    int // K：触发/清除所需的连续样本数
	Severity       models.AlertSeverity
	Message        string
}

// breached 样本是否越过触发阈值
func (r Rule) breached(value float64) bool {
	if r.Direction == Above {
		return value > r.FireThreshold
	}
	return value < r.FireThreshold
}

// recovered 样本是否越过恢复阈值
func (r Rule) recovered(value float64) bool {
	if r.Direction == Above {
		return value < r.ClearThreshold
	}
	return value > r.ClearThreshold
}

// DefaultRules 农业监控默认规则集
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID:         "soil_moisture_low",
			Metric:         "soil_moisture",
			Direction:      Below,
			FireThreshold:  15.0,
			ClearThreshold: 18.0,
			Consecutive:    3,
			Severity:       models.SeverityWarning,
			Message:        "Soil moisture low - irrigation recommended",
		},
		{
			RuleID:         "temperature_high",
			Metric:         "temperature",
			Direction:      Above,
			FireThreshold:  40.0,
			ClearThreshold: 38.0,
			Consecutive:    3,
			Severity:       models.SeverityCritical,
			Message:        "Temperature critically high - crop stress risk",
		},
		{
			RuleID:         "humidity_low",
			Metric:         "humidity",
			Direction:      Below,
			FireThreshold:  20.0,
			ClearThreshold: 25.0,
			Consecutive:    3,
			Severity:       models.SeverityWarning,
			Message:        "Air humidity low",
		},
		{
			RuleID:         "battery_low",
			Metric:         "battery_level",
			Direction:      Below,
			FireThreshold:  10.0,
			ClearThreshold: 15.0,
			Consecutive:    2,
			Severity:       models.SeverityInfo,
			Message:        "Device battery low",
		},
	}
}
