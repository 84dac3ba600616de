package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"relaynode/config"
	"relaynode/interfaces"
	"relaynode/logs"
	"relaynode/middleware"
	"relaynode/sender"
	"relaynode/types"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoPeers 没有可用的在线节点
var ErrNoPeers = errors.New("no available peers")

// randomRequestAttempts RandomRequest 最多尝试的节点数
const randomRequestAttempts = 3

// HTTP3Peer 基于 HTTP/3 的点对点传输：
// 服务端把 /peer/rpc/<topic>、/peer/pub/<topic> 分发给注册的处理函数，
// 客户端广播走 SendQueue，请求同步等待
type HTTP3Peer struct {
	network     *Network
	sender      *sender.SenderManager
	fanout      int
	maxBodySize int64
	magic       string

	mu       sync.RWMutex
	handlers map[string]interfaces.RequestHandler
	subs     map[string][]interfaces.MessageHandler

	Logger logs.Logger
}

var _ interfaces.Peer = (*HTTP3Peer)(nil)

func NewHTTP3Peer(network *Network, sm *sender.SenderManager, cfg *config.Config, logger logs.Logger) *HTTP3Peer {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logs.Default()
	}
	return &HTTP3Peer{
		network:     network,
		sender:      sm,
		fanout:      cfg.Network.BroadcastFanout,
		maxBodySize: cfg.Server.MaxRequestBodySize,
		magic:       cfg.Node.Magic,
		handlers:    make(map[string]interfaces.RequestHandler),
		subs:        make(map[string][]interfaces.MessageHandler),
		Logger:      logger,
	}
}

// Handle 注册请求/响应话题，重复注册覆盖旧的
func (p *HTTP3Peer) Handle(topic string, fn interfaces.RequestHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = fn
}

// Subscribe 订阅广播话题
func (p *HTTP3Peer) Subscribe(topic string, fn interfaces.MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[topic] = append(p.subs[topic], fn)
}

// Publish 异步广播给 fanout 个在线节点，只负责入队
func (p *HTTP3Peer) Publish(ctx context.Context, topic string, msg *types.PeerMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	targets := p.network.RandomPeers(p.fanout)
	if len(targets) == 0 {
		p.Logger.Debug("[Peer] publish %s skipped: no online peers", topic)
		return nil
	}
	p.sender.PublishTo(targets, topic, msg)
	return nil
}

// Request 同步请求指定节点
func (p *HTTP3Peer) Request(ctx context.Context, topic string, msg *types.PeerMessage, target interfaces.Contact) (json.RawMessage, error) {
	addr := p.GetIdentity(target)
	raw, err := p.sender.RequestTo(ctx, addr, topic, msg)
	if err != nil {
		var statusErr *sender.HTTPStatusError
		if !errors.As(err, &statusErr) {
			// 连接层失败才认为节点下线
			p.network.MarkOffline(addr)
		}
		return nil, err
	}
	p.network.AddOrUpdatePeer(addr, true)
	return raw, nil
}

// RandomRequest 随机挑选在线节点请求，失败换下一个
func (p *HTTP3Peer) RandomRequest(ctx context.Context, topic string, msg *types.PeerMessage) (json.RawMessage, error) {
	candidates := p.network.RandomPeers(randomRequestAttempts)
	if len(candidates) == 0 {
		return nil, ErrNoPeers
	}
	var lastErr error
	for _, addr := range candidates {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := p.Request(ctx, topic, msg, interfaces.Contact{Host: host, Port: port})
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("random request %s: %w", topic, lastErr)
}

// GetIdentity host:port
func (p *HTTP3Peer) GetIdentity(contact interfaces.Contact) string {
	return net.JoinHostPort(contact.Host, contact.Port)
}

// RegisterRoutes 注册节点间路由；跨网请求由 magic 中间件拒绝
func (p *HTTP3Peer) RegisterRoutes(mux *http.ServeMux) {
	magic := middleware.Magic(p.magic)
	mux.Handle(sender.PathRPC, middleware.Chain(http.HandlerFunc(p.serveRPC), magic))
	mux.Handle(sender.PathPub, middleware.Chain(http.HandlerFunc(p.servePub), magic))
}

func (p *HTTP3Peer) serveRPC(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimPrefix(r.URL.Path, sender.PathRPC)
	p.mu.RLock()
	fn, ok := p.handlers[topic]
	p.mu.RUnlock()
	if !ok {
		middleware.WriteJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "Unknown topic " + topic,
		})
		return
	}

	msg, err := p.readMessage(w, r)
	if err != nil {
		middleware.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, fn(r.Context(), msg))
}

func (p *HTTP3Peer) servePub(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimPrefix(r.URL.Path, sender.PathPub)
	p.mu.RLock()
	subs := p.subs[topic]
	p.mu.RUnlock()

	msg, err := p.readMessage(w, r)
	if err != nil {
		middleware.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	if len(subs) == 0 {
		// 话题没有订阅者：照常回成功，不视为错误
		p.Logger.Debug("[Peer] publish %s from %s: no subscribers", topic, msg.From)
	}
	for _, fn := range subs {
		fn(r.Context(), msg)
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "delivered": len(subs)})
}

// readMessage 解析信封并填入 From；请求头带了 port 时顺便记住对端
func (p *HTTP3Peer) readMessage(w http.ResponseWriter, r *http.Request) (*types.PeerMessage, error) {
	if p.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, p.maxBodySize)
	}
	msg := &types.PeerMessage{}
	if err := jsonAPI.NewDecoder(r.Body).Decode(msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	msg.From = host
	if port, err := strconv.Atoi(r.Header.Get("port")); err == nil && port > 0 && port < 65536 {
		msg.From = net.JoinHostPort(host, strconv.Itoa(port))
		p.network.AddOrUpdatePeer(msg.From, true)
	}
	return msg, nil
}
