package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agrihub/internal/bus"
	"agrihub/internal/models"
	"agrihub/internal/repository"
	"agrihub/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrOverloaded 等待队列已满，请求被立即拒绝（调用方可退避重试）
	ErrOverloaded = errors.New("analysis orchestrator overloaded")
	// ErrCancelled 等待方取消。运行中的引擎调用不会被中断，
	// 完成后结果照常写入缓存供后续命中。
	ErrCancelled = errors.New("analysis request cancelled")
)

// Options 编排器配置
type Options struct {
	Workers    int           // 引擎并发容量（1 = 所有指纹串行，对应单容量引擎）
	QueueLimit int           // 在途指纹上限（含运行中），超出返回 ErrOverloaded
	RunTimeout time.Duration // 单次引擎调用硬超时（超时视为引擎失败）
	CacheSize  int           // 结果缓存最大条目数（FIFO 淘汰）
	CacheTTL   time.Duration // 结果缓存 TTL
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = 16
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 60 * time.Second
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 64
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Hour
	}
}

// flight 一次在途引擎调用（同指纹的并发请求合并等待同一次调用）
type flight struct {
	request models.AnalysisRequest
	done    chan struct{}
	result  *models.AnalysisResult
	err     error
}

// cacheEntry 缓存条目
type cacheEntry struct {
	result   *models.AnalysisResult
	storedAt time.Time
}

// Orchestrator 分析编排器：对慢速外部引擎的调用做序列化、合并与缓存。
// 指纹状态机：Idle → Running → {Succeeded, Failed}；Failed 指纹被逐出，
// 后续请求可重试。
type Orchestrator struct {
	mu      sync.Mutex
	flights map[models.Fingerprint]*flight
	cache   map[models.Fingerprint]*cacheEntry
	order   []models.Fingerprint // 缓存淘汰顺序（先进先出）

	workerSlots chan struct{}

	engine Engine
	store  *store.DeviceStore
	bus    *bus.Bus
	repo   *repository.TelemetryRepository
	logger *zap.Logger
	opts   Options
}

// NewOrchestrator 创建编排器（repo 可为 nil，表示结果不持久化）
func NewOrchestrator(opts Options, engine Engine, deviceStore *store.DeviceStore, eventBus *bus.Bus, repo *repository.TelemetryRepository, logger *zap.Logger) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		flights:     make(map[models.Fingerprint]*flight),
		cache:       make(map[models.Fingerprint]*cacheEntry),
		workerSlots: make(chan struct{}, opts.Workers),
		engine:      engine,
		store:       deviceStore,
		bus:         eventBus,
		repo:        repo,
		logger:      logger,
		opts:        opts,
	}
}

// Request 触发一次分析。按（分析类型, 当前快照版本）计算指纹：
//   - 缓存命中且未强制刷新 → 立即返回，不调引擎；
//   - 同指纹已在运行 → 合并等待该次调用的结果；
//   - 持久层存有同指纹结果（上一进程产生）→ 回填缓存后返回；
//   - 否则占用一个队列槽位并调度引擎调用；队列满返回 ErrOverloaded。
//
// ctx 取消只释放等待方（返回 ErrCancelled），不中断引擎调用。
func (o *Orchestrator) Request(ctx context.Context, analysisType models.AnalysisType, forceRefresh bool) (*models.AnalysisResult, error) {
	if !analysisType.Valid() {
		return nil, fmt.Errorf("unknown analysis type: %s", analysisType)
	}

	snapshot := o.store.Snapshot()
	fp := models.NewFingerprint(analysisType, snapshot.Version)

	o.mu.Lock()
	if !forceRefresh {
		if entry, ok := o.cache[fp]; ok && time.Since(entry.storedAt) < o.opts.CacheTTL {
			o.mu.Unlock()
			o.logger.Debug("Analysis cache hit", zap.String("fingerprint", string(fp)))
			return entry.result, nil
		}
	}

	if fl, ok := o.flights[fp]; ok {
		o.mu.Unlock()
		return o.wait(ctx, fl)
	}
	o.mu.Unlock()

	// 持久层回填：进程重启后同指纹不再触发引擎调用
	if !forceRefresh && o.repo != nil {
		if result, err := o.repo.GetAnalysisResult(ctx, fp); err == nil {
			o.mu.Lock()
			o.cacheInsert(fp, result)
			o.mu.Unlock()
			o.logger.Debug("Analysis result restored from repository", zap.String("fingerprint", string(fp)))
			return result, nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("Failed to look up persisted analysis result", zap.Error(err))
		}
	}

	o.mu.Lock()
	if fl, ok := o.flights[fp]; ok {
		o.mu.Unlock()
		return o.wait(ctx, fl)
	}

	if len(o.flights) >= o.opts.QueueLimit {
		o.mu.Unlock()
		return nil, ErrOverloaded
	}

	fl := &flight{
		request: models.AnalysisRequest{
			RequestID:   uuid.New().String(),
			Type:        analysisType,
			Fingerprint: fp,
			RequestedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	o.flights[fp] = fl
	o.mu.Unlock()

	go o.run(fl, snapshot)

	return o.wait(ctx, fl)
}

// wait 等待在途调用完成或调用方取消
func (o *Orchestrator) wait(ctx context.Context, fl *flight) (*models.AnalysisResult, error) {
	select {
	case <-fl.done:
		return fl.result, fl.err
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// run 执行一次引擎调用（指纹状态 Running）
func (o *Orchestrator) run(fl *flight, snapshot models.AnalysisSnapshot) {
	// 占用引擎容量槽位（容量 1 时即全局串行）
	o.workerSlots <- struct{}{}
	defer func() { <-o.workerSlots }()

	// 超时独立于调用方 context：等待方取消不中断运行
	runCtx, cancel := context.WithTimeout(context.Background(), o.opts.RunTimeout)
	defer cancel()

	started := time.Now()
	payload, confidence, err := o.engine.Run(runCtx, fl.request.Type, snapshot)
	if err != nil {
		o.finishFailed(fl, err, time.Since(started))
		return
	}

	result := &models.AnalysisResult{
		RequestID:   fl.request.RequestID,
		Type:        fl.request.Type,
		Fingerprint: fl.request.Fingerprint,
		CompletedAt: time.Now().UTC(),
		Payload:     payload,
		Confidence:  confidence,
	}
	o.finishSucceeded(fl, result, time.Since(started))
}

// finishSucceeded 结果入缓存，指纹转 Succeeded，发布 analysis_complete
func (o *Orchestrator) finishSucceeded(fl *flight, result *models.AnalysisResult, elapsed time.Duration) {
	o.mu.Lock()
	delete(o.flights, fl.request.Fingerprint)
	o.cacheInsert(fl.request.Fingerprint, result)
	o.mu.Unlock()

	fl.result = result
	close(fl.done)

	o.logger.Info("Analysis run succeeded",
		zap.String("analysis_type", string(result.Type)),
		zap.String("fingerprint", string(result.Fingerprint)),
		zap.Duration("elapsed", elapsed),
		zap.Float64("confidence", result.Confidence),
	)

	if o.repo != nil {
		if err := o.repo.SaveAnalysisResult(context.Background(), result); err != nil {
			o.logger.Warn("Failed to persist analysis result", zap.Error(err))
		}
	}

	evt, err := models.NewEvent(models.EventAnalysisComplete, "", result)
	if err != nil {
		o.logger.Error("Failed to build analysis event", zap.Error(err))
		return
	}
	o.bus.Publish(evt)
}

// finishFailed 指纹转 Failed 并逐出（允许重试），发布 analysis_failed
func (o *Orchestrator) finishFailed(fl *flight, runErr error, elapsed time.Duration) {
	o.mu.Lock()
	delete(o.flights, fl.request.Fingerprint)
	o.mu.Unlock()

	fl.err = fmt.Errorf("%w: %v", ErrEngineFailure, runErr)
	close(fl.done)

	o.logger.Error("Analysis run failed",
		zap.String("analysis_type", string(fl.request.Type)),
		zap.String("fingerprint", string(fl.request.Fingerprint)),
		zap.Duration("elapsed", elapsed),
		zap.Error(runErr),
	)

	evt, err := models.NewEvent(models.EventAnalysisFailed, "", map[string]interface{}{
		"request_id":    fl.request.RequestID,
		"analysis_type": fl.request.Type,
		"fingerprint":   fl.request.Fingerprint,
		"error":         runErr.Error(),
	})
	if err != nil {
		o.logger.Error("Failed to build analysis event", zap.Error(err))
		return
	}
	o.bus.Publish(evt)
}

// cacheInsert 插入缓存并按上限淘汰最旧条目（持锁调用）
func (o *Orchestrator) cacheInsert(fp models.Fingerprint, result *models.AnalysisResult) {
	if _, exists := o.cache[fp]; !exists {
		o.order = append(o.order, fp)
	}
	o.cache[fp] = &cacheEntry{result: result, storedAt: time.Now()}

	for len(o.order) > o.opts.CacheSize {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.cache, oldest)
	}
}

// InFlight 当前在途指纹数（观测用）
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.flights)
}
