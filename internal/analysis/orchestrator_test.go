package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agrihub/internal/bus"
	"agrihub/internal/models"
	"agrihub/internal/repository"
	"agrihub/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeEngine 可控的引擎替身：阻塞直到 release，统计调用次数
type fakeEngine struct {
	mu       sync.Mutex
	calls    atomic.Int64
	started  chan struct{} // 每次调用开始时发一个信号
	release  chan struct{} // 收到信号后返回
	failNext bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		started: make(chan struct{}, 16),
		release: make(chan struct{}, 16),
	}
}

func (f *fakeEngine) Run(ctx context.Context, analysisType models.AnalysisType, snapshot models.AnalysisSnapshot) (json.RawMessage, float64, error) {
	f.calls.Add(1)
	f.started <- struct{}{}

	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()
	if fail {
		return nil, 0, errors.New("engine exploded")
	}
	return json.RawMessage(`{"mean_health": 0.8}`), 0.95, nil
}

func (f *fakeEngine) setFailNext() {
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()
}

func newTestOrchestrator(t *testing.T, engine Engine, opts Options) (*Orchestrator, *store.DeviceStore, *bus.Bus) {
	t.Helper()
	eventBus := bus.New(16, zap.NewNop())
	deviceStore := store.NewDeviceStore(store.Options{}, eventBus, zap.NewNop())
	deviceStore.Update(models.DeviceReading{
		DeviceID:  "D1",
		Timestamp: time.Now().UTC(),
		Metrics:   map[string]float64{"soil_moisture": 30},
	})
	o := NewOrchestrator(opts, engine, deviceStore, eventBus, nil, zap.NewNop())
	return o, deviceStore, eventBus
}

func TestRequest_CoalescesConcurrentCallers(t *testing.T) {
	engine := newFakeEngine()
	o, _, _ := newTestOrchestrator(t, engine, Options{})

	ctx := context.Background()
	results := make(chan *models.AnalysisResult, 2)
	errs := make(chan error, 2)

	for i := 0; i < 2; i++ {
		go func() {
			res, err := o.Request(ctx, models.AnalysisCropHealth, false)
			results <- res
			errs <- err
		}()
	}

	// 第一个调用到达引擎后放行（第二个调用合并等待，不触发新调用）
	<-engine.started
	engine.release <- struct{}{}

	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
		res := <-results
		require.NotNil(t, res)
		assert.Equal(t, 0.95, res.Confidence)
	}

	// 缓存属性：相同指纹的并发请求只产生一次引擎调用
	assert.Equal(t, int64(1), engine.calls.Load())
}

func TestRequest_CacheHitSkipsEngine(t *testing.T) {
	engine := newFakeEngine()
	o, _, _ := newTestOrchestrator(t, engine, Options{})

	ctx := context.Background()
	go func() { <-engine.started; engine.release <- struct{}{} }()
	first, err := o.Request(ctx, models.AnalysisCropHealth, false)
	require.NoError(t, err)

	second, err := o.Request(ctx, models.AnalysisCropHealth, false)
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, int64(1), engine.calls.Load())
}

func TestRequest_ForceRefreshBypassesCache(t *testing.T) {
	engine := newFakeEngine()
	o, _, _ := newTestOrchestrator(t, engine, Options{})

	ctx := context.Background()
	go func() { <-engine.started; engine.release <- struct{}{} }()
	_, err := o.Request(ctx, models.AnalysisCropHealth, false)
	require.NoError(t, err)

	go func() { <-engine.started; engine.release <- struct{}{} }()
	_, err = o.Request(ctx, models.AnalysisCropHealth, true)
	require.NoError(t, err)

	assert.Equal(t, int64(2), engine.calls.Load())
}

func TestRequest_NewSnapshotVersionNewFingerprint(t *testing.T) {
	engine := newFakeEngine()
	o, deviceStore, _ := newTestOrchestrator(t, engine, Options{})

	ctx := context.Background()
	go func() { <-engine.started; engine.release <- struct{}{} }()
	_, err := o.Request(ctx, models.AnalysisCropHealth, false)
	require.NoError(t, err)

	// 新读数推进快照版本 → 缓存失效 → 新调用
	deviceStore.Update(models.DeviceReading{
		DeviceID:  "D1",
		Timestamp: time.Now().UTC().Add(time.Second),
		Metrics:   map[string]float64{"soil_moisture": 10},
	})

	go func() { <-engine.started; engine.release <- struct{}{} }()
	_, err = o.Request(ctx, models.AnalysisCropHealth, false)
	require.NoError(t, err)

	assert.Equal(t, int64(2), engine.calls.Load())
}

func TestRequest_EngineFailureIsRetryable(t *testing.T) {
	engine := newFakeEngine()
	o, _, eventBus := newTestOrchestrator(t, engine, Options{})
	sub := eventBus.Subscribe(bus.Filter{Kinds: []models.EventKind{models.EventAnalysisFailed}})
	defer eventBus.Unsubscribe(sub)

	ctx := context.Background()

	engine.setFailNext()
	go func() { <-engine.started; engine.release <- struct{}{} }()
	_, err := o.Request(ctx, models.AnalysisCropHealth, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineFailure)

	evt := <-sub.Events()
	assert.Equal(t, models.EventAnalysisFailed, evt.Kind)

	// 失败指纹被逐出，重试触发新调用并成功
	go func() { <-engine.started; engine.release <- struct{}{} }()
	res, err := o.Request(ctx, models.AnalysisCropHealth, false)
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, int64(2), engine.calls.Load())
}

func TestRequest_TimeoutIsEngineFailure(t *testing.T) {
	engine := newFakeEngine()
	o, _, _ := newTestOrchestrator(t, engine, Options{RunTimeout: 50 * time.Millisecond})

	// 不放行：引擎一直阻塞直到超时
	_, err := o.Request(context.Background(), models.AnalysisCropHealth, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineFailure)
	assert.Equal(t, 0, o.InFlight())
}

func TestRequest_CancelReleasesWaiterButRunCompletes(t *testing.T) {
	engine := newFakeEngine()
	o, _, _ := newTestOrchestrator(t, engine, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		_, err := o.Request(ctx, models.AnalysisCropHealth, false)
		errChan <- err
	}()

	<-engine.started
	cancel()
	require.ErrorIs(t, <-errChan, ErrCancelled)

	// 运行不被中断：放行后结果仍写入缓存，后续请求缓存命中
	engine.release <- struct{}{}
	require.Eventually(t, func() bool { return o.InFlight() == 0 }, time.Second, 10*time.Millisecond)

	res, err := o.Request(context.Background(), models.AnalysisCropHealth, false)
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, int64(1), engine.calls.Load())
}

func TestRequest_OverloadedWhenQueueFull(t *testing.T) {
	engine := newFakeEngine()
	o, deviceStore, _ := newTestOrchestrator(t, engine, Options{Workers: 1, QueueLimit: 1})

	go func() {
		_, _ = o.Request(context.Background(), models.AnalysisCropHealth, false)
	}()
	<-engine.started

	// 推进快照版本，第二个请求是不同指纹 → 队列满 → 立即拒绝
	deviceStore.Update(models.DeviceReading{
		DeviceID:  "D1",
		Timestamp: time.Now().UTC().Add(time.Second),
		Metrics:   map[string]float64{"soil_moisture": 5},
	})

	_, err := o.Request(context.Background(), models.AnalysisCropHealth, false)
	assert.ErrorIs(t, err, ErrOverloaded)

	engine.release <- struct{}{}
}

func TestRequest_UnknownAnalysisType(t *testing.T) {
	engine := newFakeEngine()
	o, _, _ := newTestOrchestrator(t, engine, Options{})

	_, err := o.Request(context.Background(), models.AnalysisType("weather_magic"), false)
	require.Error(t, err)
	assert.Equal(t, int64(0), engine.calls.Load())
}

func TestRequest_PublishesCompletionEvent(t *testing.T) {
	engine := newFakeEngine()
	o, _, eventBus := newTestOrchestrator(t, engine, Options{})
	sub := eventBus.Subscribe(bus.Filter{Kinds: []models.EventKind{models.EventAnalysisComplete}})
	defer eventBus.Unsubscribe(sub)

	go func() { <-engine.started; engine.release <- struct{}{} }()
	_, err := o.Request(context.Background(), models.AnalysisCropHealth, false)
	require.NoError(t, err)

	evt := <-sub.Events()
	var result models.AnalysisResult
	require.NoError(t, json.Unmarshal(evt.Data, &result))
	assert.Equal(t, models.AnalysisCropHealth, result.Type)
	assert.Equal(t, 0.95, result.Confidence)
}

func TestRequest_RestoredFromRepository(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	repo := repository.NewTelemetryRepository(client, "agri:", 100, time.Hour, zap.NewNop())

	engine := newFakeEngine()
	eventBus := bus.New(16, zap.NewNop())
	deviceStore := store.NewDeviceStore(store.Options{}, eventBus, zap.NewNop())
	deviceStore.Update(models.DeviceReading{
		DeviceID:  "D1",
		Timestamp: time.Now().UTC(),
		Metrics:   map[string]float64{"soil_moisture": 30},
	})

	// 模拟上一个进程留下的持久化结果
	fp := models.NewFingerprint(models.AnalysisCropHealth, deviceStore.Version())
	saved := &models.AnalysisResult{
		RequestID:   "req-0",
		Type:        models.AnalysisCropHealth,
		Fingerprint: fp,
		CompletedAt: time.Now().UTC(),
		Payload:     json.RawMessage(`{"mean_health": 0.7}`),
		Confidence:  0.8,
	}
	require.NoError(t, repo.SaveAnalysisResult(context.Background(), saved))

	o := NewOrchestrator(Options{}, engine, deviceStore, eventBus, repo, zap.NewNop())

	// 持久层回填命中：不触发引擎调用
	res, err := o.Request(context.Background(), models.AnalysisCropHealth, false)
	require.NoError(t, err)
	assert.Equal(t, fp, res.Fingerprint)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, int64(0), engine.calls.Load())

	// 再次请求命中内存缓存
	_, err = o.Request(context.Background(), models.AnalysisCropHealth, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), engine.calls.Load())

	// 强制刷新绕过回填，照常调引擎
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := o.Request(context.Background(), models.AnalysisCropHealth, true)
		assert.NoError(t, err)
		assert.Equal(t, 0.95, res.Confidence)
	}()
	<-engine.started
	engine.release <- struct{}{}
	<-done
	assert.Equal(t, int64(1), engine.calls.Load())
}
