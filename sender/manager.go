package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"relaynode/config"
	"relaynode/logs"
	"relaynode/types"
)

// controlTopics 走控制面队列的话题
var controlTopics = map[string]bool{
	"blocks":   true,
	"propose":  true,
	"votes":    true,
	"block":    true,
	"sendVote": true,
}

// SenderManager 管理所有出站发送：广播走 SendQueue，请求同步等待响应
type SenderManager struct {
	sendQueue  *SendQueue
	httpClient *http.Client
	headers    RequestHeaders
	maxRetries int
	Logger     logs.Logger
}

// NewSenderManager 创建发送管理器；httpClient 为 nil 时使用 HTTP/3 客户端
func NewSenderManager(cfg *config.Config, httpClient *http.Client, logger logs.Logger) *SenderManager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logs.Default()
	}
	if httpClient == nil {
		httpClient = NewHTTP3Client(cfg)
	}
	return &SenderManager{
		sendQueue:  NewSendQueue(httpClient, logger, cfg),
		httpClient: httpClient,
		headers: RequestHeaders{
			Magic:   cfg.Node.Magic,
			Port:    cfg.Server.Port,
			Version: cfg.Node.Version,
		},
		maxRetries: cfg.Sender.MaxRetries,
		Logger:     logger,
	}
}

// Start 启动发送 worker
func (sm *SenderManager) Start() {
	sm.sendQueue.Start()
}

// Stop 停止发送 worker
func (sm *SenderManager) Stop() {
	sm.sendQueue.Stop()
}

// Queue 暴露队列，用于统计
func (sm *SenderManager) Queue() *SendQueue {
	return sm.sendQueue
}

// PublishTo 把消息异步投递给 targets，不等待结果
func (sm *SenderManager) PublishTo(targets []string, topic string, msg *types.PeerMessage) int {
	priority := PriorityData
	if controlTopics[topic] {
		priority = PriorityControl
	}
	send := publishFunc(sm.headers)
	for _, target := range targets {
		sm.sendQueue.Enqueue(&SendTask{
			Target:     target,
			Topic:      topic,
			Message:    msg,
			MaxRetries: sm.maxRetries,
			SendFunc:   send,
			Priority:   priority,
		})
	}
	return len(targets)
}

// RequestTo 同步请求 target 的 topic 处理函数，返回对端的 JSON 响应
func (sm *SenderManager) RequestTo(ctx context.Context, target, topic string, msg *types.PeerMessage) (json.RawMessage, error) {
	if target == "" {
		return nil, fmt.Errorf("request %s: empty target", topic)
	}
	data, err := postJSON(ctx, sm.httpClient, sm.headers, "request."+topic, target, PathRPC+topic, msg)
	if err != nil {
		sm.Logger.Debug("[Sender] request %s to %s failed: %v", topic, target, err)
		return nil, err
	}
	return json.RawMessage(data), nil
}
