package hub

import (
	"encoding/json"
	"time"

	"agrihub/internal/models"
)

// 入站消息类型（客户端 → 服务端）
const (
	TypePing              = "ping"
	TypePong              = "pong"
	TypeSubscribeDevice   = "subscribe_device"
	TypeUnsubscribeDevice = "unsubscribe_device"
	TypeRequestAnalysis   = "request_analysis"
)

// Envelope WebSocket 消息信封（入站/出站共用）
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"device_id,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AnalysisRequestData request_analysis 消息的载荷
type AnalysisRequestData struct {
	AnalysisType models.AnalysisType `json:"analysis_type"`
	ForceRefresh bool                `json:"force_refresh"`
}

// eventEnvelope 总线事件转出站信封
func eventEnvelope(evt models.Event) Envelope {
	return Envelope{
		Type:      string(evt.Kind),
		Timestamp: evt.Timestamp,
		DeviceID:  evt.DeviceID,
		Data:      evt.Data,
	}
}
