package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AnalysisType 分析类型（对应外部引擎的分析函数）
type AnalysisType string

const (
	AnalysisCropHealth         AnalysisType = "crop_health"
	AnalysisCropHealthEnhanced AnalysisType = "crop_health_enhanced"
)

// Valid 检查分析类型是否受支持
func (t AnalysisType) Valid() bool {
	switch t {
	case AnalysisCropHealth, AnalysisCropHealthEnhanced:
		return true
	}
	return false
}

// Fingerprint 分析请求的去重/缓存键（分析类型 + 设备状态快照版本）
type Fingerprint string

// NewFingerprint 计算指纹（快照版本单调递增，版本相同则输入相同）
func NewFingerprint(analysisType AnalysisType, snapshotVersion uint64) Fingerprint {
	return Fingerprint(fmt.Sprintf("%s@v%d", analysisType, snapshotVersion))
}

// AnalysisRequest 一次分析请求
type AnalysisRequest struct {
	RequestID   string       `json:"request_id"`
	Type        AnalysisType `json:"analysis_type"`
	Fingerprint Fingerprint  `json:"fingerprint"`
	RequestedAt time.Time    `json:"requested_at"`
}

// AnalysisResult 分析结果（按指纹缓存，写入后不可变）
type AnalysisResult struct {
	RequestID   string          `json:"request_id"`
	Type        AnalysisType    `json:"analysis_type"`
	Fingerprint Fingerprint     `json:"fingerprint"`
	CompletedAt time.Time       `json:"completed_at"`
	Payload     json.RawMessage `json:"payload"`
	Confidence  float64         `json:"confidence"`
}

// AnalysisSnapshot 送入引擎的设备状态快照
type AnalysisSnapshot struct {
	Version uint64        `json:"version"`
	TakenAt time.Time     `json:"taken_at"`
	Devices []DeviceState `json:"devices"`
}
