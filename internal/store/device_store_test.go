package store

import (
	"encoding/json"
	"testing"
	"time"

	"agrihub/internal/bus"
	"agrihub/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*DeviceStore, *bus.Bus) {
	t.Helper()
	eventBus := bus.New(16, zap.NewNop())
	s := NewDeviceStore(Options{
		SweepInterval:    time.Second,
		StaleThreshold:   time.Minute,
		OfflineThreshold: 5 * time.Minute,
	}, eventBus, zap.NewNop())
	return s, eventBus
}

func reading(deviceID string, ts time.Time, soilMoisture float64) models.DeviceReading {
	return models.DeviceReading{
		DeviceID:  deviceID,
		Timestamp: ts,
		Metrics:   map[string]float64{"soil_moisture": soilMoisture},
	}
}

func TestUpdate_FirstReadingCreatesState(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()

	result := s.Update(reading("D1", now, 42.0))

	require.True(t, result.Applied)
	assert.Equal(t, "D1", result.State.DeviceID)
	assert.Equal(t, models.StatusOnline, result.State.Status)
	assert.Equal(t, 42.0, result.State.LastReading.Metrics["soil_moisture"])
	assert.Equal(t, uint64(1), s.Version())
}

func TestUpdate_TimestampMonotonicNonDecreasing(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now().UTC()

	// 任意顺序的读数序列，last_reading 时间戳单调不减
	offsets := []int{0, 3, 1, 5, 2, 4, 5}
	var lastTS time.Time
	for _, off := range offsets {
		result := s.Update(reading("D1", base.Add(time.Duration(off)*time.Second), float64(off)))
		require.False(t, result.State.LastReading.Timestamp.Before(lastTS))
		lastTS = result.State.LastReading.Timestamp
	}

	state, ok := s.Get("D1")
	require.True(t, ok)
	assert.Equal(t, base.Add(5*time.Second), state.LastReading.Timestamp)
	assert.Equal(t, 5.0, state.LastReading.Metrics["soil_moisture"])
}

func TestUpdate_StaleReadingDoesNotRegress(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now().UTC()

	s.Update(reading("D1", base, 10.0))
	versionAfterFirst := s.Version()

	result := s.Update(reading("D1", base.Add(-time.Minute), 99.0))

	assert.False(t, result.Applied)
	assert.Equal(t, 10.0, result.State.LastReading.Metrics["soil_moisture"])
	// 乱序消息不推进快照版本
	assert.Equal(t, versionAfterFirst, s.Version())
}

func TestUpdate_DuplicateIsNoOp(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now().UTC()

	s.Update(reading("D1", base, 10.0))
	result := s.Update(reading("D1", base, 10.0))

	assert.True(t, result.Duplicate)
	assert.False(t, result.Applied)
	assert.Equal(t, uint64(1), s.Version())
}

func TestUpdate_ResentOlderReadingIsDuplicate(t *testing.T) {
	s, eventBus := newTestStore(t)
	sub := eventBus.Subscribe(bus.Filter{})
	defer eventBus.Unsubscribe(sub)
	base := time.Now().UTC()

	s.Update(reading("D1", base, 10.0))
	s.Update(reading("D1", base.Add(time.Second), 20.0))

	// broker 重投递一份旧读数：时间戳已在窗口内 → 重发，不是乱序
	result := s.Update(reading("D1", base, 10.0))

	assert.True(t, result.Duplicate)
	assert.False(t, result.Applied)
	assert.Equal(t, 20.0, result.State.LastReading.Metrics["soil_moisture"])
	assert.Equal(t, uint64(2), s.Version())
	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event for resent reading: %s", evt.Kind)
	default:
	}
}

func TestList_ReturnsSortedSnapshots(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()

	s.Update(reading("D2", now, 1.0))
	s.Update(reading("D1", now, 2.0))

	states := s.List()
	require.Len(t, states, 2)
	assert.Equal(t, "D1", states[0].DeviceID)
	assert.Equal(t, "D2", states[1].DeviceID)

	// 快照是副本：修改不影响存储内数据
	states[0].LastReading.Metrics["soil_moisture"] = 999.0
	state, _ := s.Get("D1")
	assert.Equal(t, 2.0, state.LastReading.Metrics["soil_moisture"])
}

func TestSnapshot_CarriesVersion(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()

	s.Update(reading("D1", now, 1.0))
	s.Update(reading("D1", now.Add(time.Second), 2.0))

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Version)
	require.Len(t, snap.Devices, 1)
}

func TestSweep_DemotesStaleAndOffline(t *testing.T) {
	s, eventBus := newTestStore(t)
	sub := eventBus.Subscribe(bus.Filter{Kinds: []models.EventKind{models.EventDeviceStatusChanged}})
	defer eventBus.Unsubscribe(sub)

	now := time.Now().UTC()
	s.Update(reading("D1", now, 1.0))

	// 超过 stale 阈值
	s.sweep(now.Add(2 * time.Minute))
	state, _ := s.Get("D1")
	assert.Equal(t, models.StatusStale, state.Status)

	evt := <-sub.Events()
	assert.Equal(t, models.EventDeviceStatusChanged, evt.Kind)
	assert.Equal(t, "D1", evt.DeviceID)

	// 超过 offline 阈值
	s.sweep(now.Add(10 * time.Minute))
	state, _ = s.Get("D1")
	assert.Equal(t, models.StatusOffline, state.Status)

	evt = <-sub.Events()
	assert.Equal(t, "D1", evt.DeviceID)

	// 状态不变时不再发事件
	s.sweep(now.Add(11 * time.Minute))
	select {
	case <-sub.Events():
		t.Fatal("unexpected status event for unchanged state")
	default:
	}
}

func TestSweep_NewReadingRevivesDevice(t *testing.T) {
	s, eventBus := newTestStore(t)
	sub := eventBus.Subscribe(bus.Filter{Kinds: []models.EventKind{models.EventDeviceStatusChanged}})
	defer eventBus.Unsubscribe(sub)
	now := time.Now().UTC()

	s.Update(reading("D1", now, 1.0))
	s.sweep(now.Add(10 * time.Minute))
	<-sub.Events() // offline 降级事件

	state, _ := s.Get("D1")
	require.Equal(t, models.StatusOffline, state.Status)

	s.Update(reading("D1", now.Add(10*time.Minute), 2.0))
	state, _ = s.Get("D1")
	assert.Equal(t, models.StatusOnline, state.Status)

	// 恢复与降级一样广播状态变化
	evt := <-sub.Events()
	var revived models.DeviceState
	require.NoError(t, json.Unmarshal(evt.Data, &revived))
	assert.Equal(t, "D1", revived.DeviceID)
	assert.Equal(t, models.StatusOnline, revived.Status)

	// 保持 online 的后续读数不再发事件
	s.Update(reading("D1", now.Add(11*time.Minute), 3.0))
	select {
	case <-sub.Events():
		t.Fatal("unexpected status event for already-online device")
	default:
	}
}
