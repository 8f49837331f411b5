package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"agrihub/internal/bus"
	"agrihub/internal/models"
	"agrihub/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// evalState 单个 (device_id, rule_id) 的去抖状态机：Normal ⇄ Firing
type evalState struct {
	firing     bool
	fireCount  int // 连续越界样本数
	clearCount int // 连续恢复样本数
}

// Options 告警引擎配置
type Options struct {
	Rules    []Rule
	AlertTTL time.Duration // 未确认告警的自动过期时间
}

func (o *Options) setDefaults() {
	if len(o.Rules) == 0 {
		o.Rules = DefaultRules()
	}
	if o.AlertTTL <= 0 {
		o.AlertTTL = 24 * time.Hour
	}
}

// Engine 告警引擎：消费读数事件流，按规则去抖评估，产出去重后的告警。
// 同一 (device_id, rule_id) 任意时刻至多一条未确认的打开告警；
// 进入 Normal 不删除告警，仅在确认或 TTL 过期后允许再次触发。
type Engine struct {
	mu     sync.Mutex
	states map[string]*evalState    // key: device_id|rule_id
	open   map[string]*models.Alert // 打开的未确认告警，key 同上
	byID   map[string]*models.Alert

	opts      Options
	bus       *bus.Bus
	telemetry *repository.TelemetryRepository   // 可为 nil
	events    *repository.AlertEventsRepository // 可为 nil
	logger    *zap.Logger
}

// NewEngine 创建告警引擎
func NewEngine(opts Options, eventBus *bus.Bus, telemetry *repository.TelemetryRepository, events *repository.AlertEventsRepository, logger *zap.Logger) *Engine {
	opts.setDefaults()
	return &Engine{
		states:    make(map[string]*evalState),
		open:      make(map[string]*models.Alert),
		byID:      make(map[string]*models.Alert),
		opts:      opts,
		bus:       eventBus,
		telemetry: telemetry,
		events:    events,
		logger:    logger,
	}
}

// Start 订阅总线上的 sensor_update 与 analysis_complete 事件并持续评估
func (e *Engine) Start(ctx context.Context) {
	sub := e.bus.Subscribe(bus.Filter{Kinds: []models.EventKind{
		models.EventSensorUpdate,
		models.EventAnalysisComplete,
	}})
	defer e.bus.Unsubscribe(sub)

	e.logger.Info("Alert engine started",
		zap.Int("rule_count", len(e.opts.Rules)),
		zap.Duration("alert_ttl", e.opts.AlertTTL),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Alert engine stopped")
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case models.EventSensorUpdate:
				var state models.DeviceState
				if err := json.Unmarshal(evt.Data, &state); err != nil {
					e.logger.Error("Failed to decode sensor event", zap.Error(err))
					continue
				}
				e.HandleReading(ctx, state)
			case models.EventAnalysisComplete:
				var result models.AnalysisResult
				if err := json.Unmarshal(evt.Data, &result); err != nil {
					e.logger.Error("Failed to decode analysis event", zap.Error(err))
					continue
				}
				e.HandleAnalysisResult(ctx, result)
			}
		}
	}
}

// HandleReading 对一条读数评估全部规则
func (e *Engine) HandleReading(ctx context.Context, state models.DeviceState) {
	for _, rule := range e.opts.Rules {
		value, ok := metricValue(state.LastReading, rule.Metric)
		if !ok {
			continue
		}
		if alert := e.evaluate(state.DeviceID, rule, value); alert != nil {
			e.publish(ctx, alert)
		}
	}
}

// enginePayload 引擎结果载荷中与告警相关的字段
type enginePayload struct {
	AlertMessage string `json:"alert_message"`
}

// HandleAnalysisResult 将引擎产出的 alert_message 转为告警并广播。
// 空消息表示无异常；同一分析类型的相同消息在打开告警存续期内不重复
// 触发，消息变化视为新情况，替换旧告警。
func (e *Engine) HandleAnalysisResult(ctx context.Context, result models.AnalysisResult) {
	var payload enginePayload
	if err := json.Unmarshal(result.Payload, &payload); err != nil || payload.AlertMessage == "" {
		return
	}

	ruleID := "engine_" + string(result.Type)
	key := "|" + ruleID

	e.mu.Lock()
	e.pruneLocked()
	if existing, ok := e.open[key]; ok {
		if existing.Message == payload.AlertMessage && time.Since(existing.RaisedAt) < e.opts.AlertTTL {
			e.mu.Unlock()
			return
		}
		delete(e.open, key)
		delete(e.byID, existing.AlertID)
	}
	alert := &models.Alert{
		AlertID:  uuid.New().String(),
		Severity: models.ClassifySeverity(payload.AlertMessage),
		RuleID:   ruleID,
		Message:  payload.AlertMessage,
		RaisedAt: time.Now().UTC(),
	}
	e.open[key] = alert
	e.byID[alert.AlertID] = alert
	e.mu.Unlock()

	e.publish(ctx, alert)
}

// evaluate 推进单个状态机；Normal→Firing 转换且无打开告警时返回新告警
func (e *Engine) evaluate(deviceID string, rule Rule, value float64) *models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := deviceID + "|" + rule.RuleID
	st, ok := e.states[key]
	if !ok {
		st = &evalState{}
		e.states[key] = st
	}

	if !st.firing {
		if !rule.breached(value) {
			st.fireCount = 0
			return nil
		}
		st.fireCount++
		if st.fireCount < rule.Consecutive {
			return nil
		}
		// Normal → Firing
		st.firing = true
		st.fireCount = 0
		st.clearCount = 0
		return e.raiseLocked(deviceID, rule, value)
	}

	// Firing → Normal：恢复需要连续 K 个越过恢复阈值的样本
	if rule.recovered(value) {
		st.clearCount++
		if st.clearCount >= rule.Consecutive {
			st.firing = false
			st.clearCount = 0
		}
	} else {
		st.clearCount = 0
	}
	return nil
}

// raiseLocked 创建告警（持锁调用）。已有未确认且未过期的打开告警时抑制。
func (e *Engine) raiseLocked(deviceID string, rule Rule, value float64) *models.Alert {
	e.pruneLocked()

	key := deviceID + "|" + rule.RuleID
	if existing, ok := e.open[key]; ok {
		if time.Since(existing.RaisedAt) < e.opts.AlertTTL {
			e.logger.Debug("Alert suppressed, open alert exists",
				zap.String("device_id", deviceID),
				zap.String("rule_id", rule.RuleID),
			)
			return nil
		}
		// TTL 过期：旧告警自动失效，允许新触发
		delete(e.open, key)
		delete(e.byID, existing.AlertID)
	}

	alert := &models.Alert{
		AlertID:  uuid.New().String(),
		DeviceID: deviceID,
		Severity: rule.Severity,
		RuleID:   rule.RuleID,
		Message:  fmt.Sprintf("%s (%s=%.1f)", rule.Message, rule.Metric, value),
		RaisedAt: time.Now().UTC(),
	}
	e.open[key] = alert
	e.byID[alert.AlertID] = alert
	return alert
}

// pruneLocked 清理已确认且超过 TTL 的告警，内存不无界增长（持锁调用）
func (e *Engine) pruneLocked() {
	for id, alert := range e.byID {
		if alert.Acknowledged && time.Since(alert.RaisedAt) >= e.opts.AlertTTL {
			delete(e.byID, id)
		}
	}
}

// publish 发布 new_alert 事件并持久化
func (e *Engine) publish(ctx context.Context, alert *models.Alert) {
	e.logger.Warn("Alert raised",
		zap.String("alert_id", alert.AlertID),
		zap.String("device_id", alert.DeviceID),
		zap.String("rule_id", alert.RuleID),
		zap.String("severity", string(alert.Severity)),
	)

	if e.events != nil {
		if err := e.events.InsertAlert(ctx, alert); err != nil {
			e.logger.Error("Failed to persist alert", zap.Error(err))
		}
	}
	if e.telemetry != nil {
		if err := e.telemetry.AppendAlert(ctx, alert); err != nil {
			e.logger.Warn("Failed to append alert to stream", zap.Error(err))
		}
	}

	evt, err := models.NewEvent(models.EventNewAlert, alert.DeviceID, alert)
	if err != nil {
		e.logger.Error("Failed to build alert event", zap.Error(err))
		return
	}
	e.bus.Publish(evt)
}

// Dismiss 确认/关闭告警。幂等：重复确认与未知 ID 均为空操作。
func (e *Engine) Dismiss(ctx context.Context, alertID string) {
	e.mu.Lock()
	alert, ok := e.byID[alertID]
	if !ok || alert.Acknowledged {
		e.mu.Unlock()
		return
	}
	alert.Acknowledged = true
	delete(e.open, alert.DeviceID+"|"+alert.RuleID)
	e.mu.Unlock()

	e.logger.Info("Alert dismissed", zap.String("alert_id", alertID))

	if e.events != nil {
		if err := e.events.MarkAcknowledged(ctx, alertID); err != nil {
			e.logger.Error("Failed to persist alert acknowledgement", zap.Error(err))
		}
	}
}

// Get 按 ID 读取告警
func (e *Engine) Get(alertID string) (models.Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.byID[alertID]
	if !ok {
		return models.Alert{}, false
	}
	return *alert, true
}

// List 当前引擎维护的告警（按触发时间倒序）
func (e *Engine) List(includeAcknowledged bool) []models.Alert {
	e.mu.Lock()
	out := make([]models.Alert, 0, len(e.byID))
	for _, alert := range e.byID {
		if !includeAcknowledged && alert.Acknowledged {
			continue
		}
		out = append(out, *alert)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	return out
}

// metricValue 取读数中的指标值（battery_level 存储在独立字段）
func metricValue(reading models.DeviceReading, metric string) (float64, bool) {
	if metric == "battery_level" {
		if reading.BatteryLevel == nil {
			return 0, false
		}
		return *reading.BatteryLevel, true
	}
	return reading.Metric(metric)
}
