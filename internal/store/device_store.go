package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"agrihub/internal/bus"
	"agrihub/internal/models"

	"go.uber.org/zap"
)

// seenWindow 每设备保留的已接受时间戳条数（重发检测窗口）
const seenWindow = 32

// Options 状态存储配置
type Options struct {
	SweepInterval    time.Duration // 存活检查间隔（默认 30s）
	StaleThreshold   time.Duration // 超过该时长未上报 → stale
	OfflineThreshold time.Duration // 超过该时长未上报 → offline
}

func (o *Options) setDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 90 * time.Second
	}
	if o.OfflineThreshold <= 0 {
		o.OfflineThreshold = 5 * time.Minute
	}
}

// deviceEntry 单设备状态及其最近接受过的读数时间戳。
// 窗口内重复时间戳视为重发（QoS 1 的 broker 会重投递），
// 窗口之外的更旧消息退化为乱序处理。
type deviceEntry struct {
	state *models.DeviceState
	seen  []time.Time
}

func (e *deviceEntry) seenBefore(ts time.Time) bool {
	for _, t := range e.seen {
		if t.Equal(ts) {
			return true
		}
	}
	return false
}

func (e *deviceEntry) remember(ts time.Time) {
	e.seen = append(e.seen, ts)
	if len(e.seen) > seenWindow {
		e.seen = e.seen[1:]
	}
}

// DeviceStore 设备状态存储（每个设备的权威最新读数缓存）
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*deviceEntry
	version uint64 // 快照版本（每次接受新读数时 +1，用于分析缓存失效判断）

	opts   Options
	bus    *bus.Bus
	logger *zap.Logger
}

// NewDeviceStore 创建设备状态存储
func NewDeviceStore(opts Options, eventBus *bus.Bus, logger *zap.Logger) *DeviceStore {
	opts.setDefaults()
	return &DeviceStore{
		devices: make(map[string]*deviceEntry),
		opts:    opts,
		bus:     eventBus,
		logger:  logger,
	}
}

// UpdateResult 更新结果
type UpdateResult struct {
	State     models.DeviceState
	Applied   bool // 读数被接受为最新状态
	Duplicate bool // 重发消息（时间戳在该设备的已接受窗口内）
}

// Update 应用新读数。时间戳早于当前最新读数的消息不回退 last_reading
// （仍计入历史，由调用方负责持久化）；重发消息（时间戳命中窗口）为幂等
// 空操作。读数使 stale/offline 设备恢复 online 时发布 device_status_changed。
func (s *DeviceStore) Update(reading models.DeviceReading) UpdateResult {
	var result UpdateResult
	var revived *models.DeviceState

	s.mu.Lock()
	entry, ok := s.devices[reading.DeviceID]
	if !ok {
		state := &models.DeviceState{
			DeviceID:    reading.DeviceID,
			LastReading: reading,
			Status:      models.StatusOnline,
			LastSeen:    time.Now().UTC(),
		}
		entry = &deviceEntry{state: state}
		entry.remember(reading.Timestamp)
		s.devices[reading.DeviceID] = entry
		s.version++
		result = UpdateResult{State: state.Clone(), Applied: true}
		s.mu.Unlock()
		return result
	}

	state := entry.state
	if entry.seenBefore(reading.Timestamp) {
		result = UpdateResult{State: state.Clone(), Duplicate: true}
		s.mu.Unlock()
		return result
	}

	wasDemoted := state.Status != models.StatusOnline
	state.LastSeen = time.Now().UTC()
	state.Status = models.StatusOnline
	entry.remember(reading.Timestamp)

	if reading.Timestamp.Before(state.LastReading.Timestamp) {
		// 乱序旧消息：接受但不回退最新读数
		result = UpdateResult{State: state.Clone()}
	} else {
		state.LastReading = reading
		s.version++
		result = UpdateResult{State: state.Clone(), Applied: true}
	}

	if wasDemoted {
		cp := state.Clone()
		revived = &cp
	}
	s.mu.Unlock()

	if revived != nil {
		s.publishStatusChange(*revived)
	}
	return result
}

// Get 读取单个设备状态快照
func (s *DeviceStore) Get(deviceID string) (models.DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.devices[deviceID]
	if !ok {
		return models.DeviceState{}, false
	}
	return entry.state.Clone(), true
}

// List 读取全部设备状态快照（按 device_id 排序）
func (s *DeviceStore) List() []models.DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DeviceState, 0, len(s.devices))
	for _, entry := range s.devices {
		out = append(out, entry.state.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Snapshot 生成带版本号的全量快照（供分析编排器计算指纹）
func (s *DeviceStore) Snapshot() models.AnalysisSnapshot {
	s.mu.RLock()
	version := s.version
	s.mu.RUnlock()
	return models.AnalysisSnapshot{
		Version: version,
		TakenAt: time.Now().UTC(),
		Devices: s.List(),
	}
}

// Version 当前快照版本
func (s *DeviceStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// StartSweeper 启动存活检查循环（除 Update 外唯一的状态写入方）。
// 每次状态变化（降级与恢复）都会发布 device_status_changed 事件。
func (s *DeviceStore) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("Device liveness sweeper started",
		zap.Duration("interval", s.opts.SweepInterval),
		zap.Duration("stale_threshold", s.opts.StaleThreshold),
		zap.Duration("offline_threshold", s.opts.OfflineThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Device liveness sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(time.Now().UTC())
		}
	}
}

// sweep 单次存活检查
func (s *DeviceStore) sweep(now time.Time) {
	var changed []models.DeviceState

	s.mu.Lock()
	for _, entry := range s.devices {
		state := entry.state
		age := now.Sub(state.LastSeen)
		next := state.Status
		switch {
		case age >= s.opts.OfflineThreshold:
			next = models.StatusOffline
		case age >= s.opts.StaleThreshold:
			next = models.StatusStale
		}
		if next != state.Status {
			state.Status = next
			changed = append(changed, state.Clone())
		}
	}
	s.mu.Unlock()

	for _, state := range changed {
		s.publishStatusChange(state)
	}
}

// publishStatusChange 发布 device_status_changed 事件
func (s *DeviceStore) publishStatusChange(state models.DeviceState) {
	s.logger.Warn("Device status changed",
		zap.String("device_id", state.DeviceID),
		zap.String("status", string(state.Status)),
	)
	evt, err := models.NewEvent(models.EventDeviceStatusChanged, state.DeviceID, state)
	if err != nil {
		s.logger.Error("Failed to build status event", zap.Error(err))
		return
	}
	s.bus.Publish(evt)
}
