package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"agrihub/internal/analysis"
	"agrihub/internal/bus"
	"agrihub/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrSlowConsumer 客户端消费速度跟不上推送，连接被服务端断开
var ErrSlowConsumer = errors.New("slow consumer")

// Options 广播中心配置
type Options struct {
	QueueSize         int           // 每客户端出站队列容量
	HeartbeatInterval time.Duration // 客户端心跳间隔；两个间隔无消息即断开
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
}

// Hub 广播中心：管理客户端连接与订阅，消费总线事件并按
// 各客户端兴趣过滤推送，带背压处理与心跳检测。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	opts         Options
	bus          *bus.Bus
	orchestrator *analysis.Orchestrator
	upgrader     websocket.Upgrader
	logger       *zap.Logger
}

// New 创建广播中心
func New(opts Options, eventBus *bus.Bus, orchestrator *analysis.Orchestrator, logger *zap.Logger) *Hub {
	opts.setDefaults()
	return &Hub{
		clients:      make(map[string]*Client),
		opts:         opts,
		bus:          eventBus,
		orchestrator: orchestrator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 仪表盘为局域/黑客松场景，不做 Origin 校验
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Start 消费总线事件并分发到客户端
func (h *Hub) Start(ctx context.Context) {
	sub := h.bus.Subscribe(bus.Filter{})
	defer h.bus.Unsubscribe(sub)

	h.logger.Info("Broadcast hub started",
		zap.Int("queue_size", h.opts.QueueSize),
		zap.Duration("heartbeat_interval", h.opts.HeartbeatInterval),
	)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Broadcast hub stopped")
			h.closeAll()
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			h.dispatch(evt)
		}
	}
}

// dispatch 按客户端兴趣集过滤并推送一条事件
func (h *Hub) dispatch(evt models.Event) {
	env := eventEnvelope(evt)

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		if client.interestedIn(evt.DeviceID) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.send(env) {
			h.disconnect(client, ErrSlowConsumer)
		}
	}
}

// ServeWS WebSocket 升级入口
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, h.opts.QueueSize)

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	go client.writePump()
	go h.readPump(client)
}

// readPump 读取客户端入站消息。读超时为两个心跳间隔：
// 期间无任何消息（含 ping）即判定失联并断开。
func (h *Hub) readPump(client *Client) {
	defer h.disconnect(client, nil)

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(2 * h.opts.HeartbeatInterval))

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Client read error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(2 * h.opts.HeartbeatInterval))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.logger.Warn("Invalid client message",
				zap.String("client_id", client.ID),
				zap.Error(err),
			)
			continue
		}
		h.handleInbound(client, env)
	}
}

// handleInbound 处理单条入站消息
func (h *Hub) handleInbound(client *Client, env Envelope) {
	switch env.Type {
	case TypePing:
		client.send(Envelope{
			Type:      TypePong,
			Timestamp: time.Now().UTC(),
			ClientID:  client.ID,
		})

	case TypeSubscribeDevice:
		if env.DeviceID == "" {
			return
		}
		client.subscribe(env.DeviceID)
		h.logger.Debug("Client subscribed",
			zap.String("client_id", client.ID),
			zap.String("device_id", env.DeviceID),
		)

	case TypeUnsubscribeDevice:
		if env.DeviceID == "" {
			return
		}
		client.unsubscribe(env.DeviceID)

	case TypeRequestAnalysis:
		var req AnalysisRequestData
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.logger.Warn("Invalid analysis request",
				zap.String("client_id", client.ID),
				zap.Error(err),
			)
			return
		}
		// 结果经由总线的 analysis_complete/analysis_failed 事件广播；
		// 准入失败（过载等）直接回给发起方。
		go h.runAnalysis(client, req)

	default:
		h.logger.Debug("Unknown message type",
			zap.String("client_id", client.ID),
			zap.String("type", env.Type),
		)
	}
}

// runAnalysis 触发分析并将准入错误回发给发起客户端
func (h *Hub) runAnalysis(client *Client, req AnalysisRequestData) {
	_, err := h.orchestrator.Request(context.Background(), req.AnalysisType, req.ForceRefresh)
	if err != nil && !errors.Is(err, analysis.ErrEngineFailure) {
		// 引擎失败已通过 analysis_failed 事件广播，这里只回发准入类错误
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		client.send(Envelope{
			Type:      string(models.EventAnalysisFailed),
			Timestamp: time.Now().UTC(),
			ClientID:  client.ID,
			Data:      data,
		})
	}
}

// disconnect 断开客户端并销毁其订阅。服务端主动断开（慢消费者等）
// 先发带原因的关闭帧，客户端可据此区分与网络故障。
func (h *Hub) disconnect(client *Client, reason error) {
	client.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, client.ID)
		h.mu.Unlock()

		// 关闭帧先于队列关闭：writePump 退出时会随手关连接
		if reason != nil {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason.Error())
			_ = client.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		client.out.close()
		client.conn.Close()

		if reason != nil {
			h.logger.Warn("Client disconnected by server",
				zap.String("client_id", client.ID),
				zap.String("reason", reason.Error()),
			)
		} else {
			h.logger.Info("Client disconnected",
				zap.String("client_id", client.ID),
			)
		}
	})
}

// closeAll 关闭全部客户端连接
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.disconnect(c, nil)
	}
}

// ClientCount 当前连接的客户端数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
