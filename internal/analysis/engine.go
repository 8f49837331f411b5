package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agrihub/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrEngineFailure 外部分析引擎调用出错或超时
var ErrEngineFailure = errors.New("analysis engine failure")

// Engine 外部分析引擎抽象。调用可能阻塞数十秒；约定"最终返回或报错"，
// 无部分结果、无流式输出。
type Engine interface {
	Run(ctx context.Context, analysisType models.AnalysisType, snapshot models.AnalysisSnapshot) (json.RawMessage, float64, error)
}

// runRequest 引擎 HTTP 请求体
type runRequest struct {
	AnalysisType models.AnalysisType     `json:"analysis_type"`
	Snapshot     models.AnalysisSnapshot `json:"snapshot"`
}

// runResponse 引擎 HTTP 响应体
type runResponse struct {
	Payload    json.RawMessage `json:"payload"`
	Confidence float64         `json:"confidence"`
}

// RestEngine 通过 HTTP 桥接的分析引擎客户端（原系统为 MATLAB 引擎桥）
type RestEngine struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewRestEngine 创建引擎客户端。超时由编排器通过 context 控制，
// 这里只设兜底超时，防止连接层悬挂。
func NewRestEngine(baseURL string, maxTimeout time.Duration, logger *zap.Logger) *RestEngine {
	if maxTimeout <= 0 {
		maxTimeout = 120 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(maxTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &RestEngine{
		httpClient: client,
		logger:     logger,
	}
}

// Run 调用引擎执行一次分析
func (e *RestEngine) Run(ctx context.Context, analysisType models.AnalysisType, snapshot models.AnalysisSnapshot) (json.RawMessage, float64, error) {
	e.logger.Info("Calling analysis engine",
		zap.String("analysis_type", string(analysisType)),
		zap.Uint64("snapshot_version", snapshot.Version),
		zap.Int("device_count", len(snapshot.Devices)),
	)

	var response runResponse
	resp, err := e.httpClient.R().
		SetContext(ctx).
		SetBody(runRequest{AnalysisType: analysisType, Snapshot: snapshot}).
		SetResult(&response).
		Post("/run")

	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	if resp.IsError() {
		return nil, 0, fmt.Errorf("%w: engine returned status %d", ErrEngineFailure, resp.StatusCode())
	}

	return response.Payload, response.Confidence, nil
}
