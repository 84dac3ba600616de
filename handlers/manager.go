package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"relaynode/blocksync"
	"relaynode/cache"
	"relaynode/interfaces"
	"relaynode/logs"
	"relaynode/middleware"
	"relaynode/relay"
	"relaynode/stats"
	"relaynode/txpool"
	"relaynode/types"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// numberAPI 解码 propose 对象时保留数字字面量，整数校验不经过 float64
var numberAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// ReadinessChecker 节点是否已同步到可以接收交易
type ReadinessChecker interface {
	Check() error
}

// ChannelStatsSource 其他带队列的组件，/peer/stats 里一并展示
type ChannelStatsSource interface {
	GetChannelStats() []stats.ChannelStat
}

// Deps HandlerManager 的协作方，启动时构造一次
type Deps struct {
	Peer       interfaces.Peer
	Bus        interfaces.EventBus
	Blocks     interfaces.BlockStore
	Mempool    interfaces.Mempool
	Normalizer interfaces.Normalizer
	System     interfaces.System
	Gate       ReadinessChecker
	Sync       *blocksync.Engine
	Relay      *relay.ChainRelay

	// Ingest 必须还没 Start，NewHandlerManager 会设置入池回调
	Ingest        *txpool.IngestQueue
	ProcessedTrs  *cache.DedupCache
	ChainMessages *cache.DedupCache

	ChannelSources []ChannelStatsSource

	Stats  *stats.Stats
	Logger logs.Logger
}

// Options 协议参数
type Options struct {
	MaxProposeIDLength int
	MaxRequestBodySize int64
	RequestTimeout     time.Duration
}

// HandlerManager 传输层入口：本地提交接口 + 节点间各话题的处理函数 + 广播
type HandlerManager struct {
	peer       interfaces.Peer
	bus        interfaces.EventBus
	blocks     interfaces.BlockStore
	mempool    interfaces.Mempool
	normalizer interfaces.Normalizer
	system     interfaces.System
	gate       ReadinessChecker
	sync       *blocksync.Engine
	relay      *relay.ChainRelay

	ingest        *txpool.IngestQueue
	processedTrs  *cache.DedupCache
	chainMessages *cache.DedupCache

	channelSources []ChannelStatsSource

	opts    Options
	headers middleware.NodeHeaders
	loaded  atomic.Bool
	now     func() time.Time

	Stats  *stats.Stats
	Logger logs.Logger
}

// NewHandlerManager 创建处理器管理器
func NewHandlerManager(deps Deps, opts Options) (*HandlerManager, error) {
	switch {
	case deps.Peer == nil:
		return nil, fmt.Errorf("handlers: peer is required")
	case deps.Blocks == nil || deps.Mempool == nil:
		return nil, fmt.Errorf("handlers: block store and mempool are required")
	case deps.Ingest == nil || deps.ProcessedTrs == nil || deps.ChainMessages == nil:
		return nil, fmt.Errorf("handlers: ingest queue and dedup caches are required")
	case deps.Gate == nil || deps.Sync == nil || deps.Relay == nil:
		return nil, fmt.Errorf("handlers: readiness gate, sync engine and relay are required")
	case deps.System == nil:
		return nil, fmt.Errorf("handlers: system info is required")
	}
	if deps.Normalizer == nil {
		deps.Normalizer = types.DefaultNormalizer{}
	}
	if deps.Logger == nil {
		deps.Logger = logs.Default()
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewStats()
	}
	if opts.MaxProposeIDLength <= 0 {
		opts.MaxProposeIDLength = types.DefaultMaxProposeIDLength
	}
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = 8 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}

	hm := &HandlerManager{
		peer:          deps.Peer,
		bus:           deps.Bus,
		blocks:        deps.Blocks,
		mempool:       deps.Mempool,
		normalizer:    deps.Normalizer,
		system:        deps.System,
		gate:          deps.Gate,
		sync:          deps.Sync,
		relay:         deps.Relay,
		ingest:        deps.Ingest,
		processedTrs:  deps.ProcessedTrs,
		chainMessages: deps.ChainMessages,
		opts:          opts,

		channelSources: deps.ChannelSources,
		now:           time.Now,
		Stats:         deps.Stats,
		Logger:        deps.Logger,
	}
	hm.headers = middleware.NodeHeaders{
		OS:      deps.System.GetOS(),
		Version: deps.System.GetVersion(),
		Port:    deps.System.GetPort(),
		Magic:   deps.System.GetMagic(),
	}
	hm.ingest.SetOnAccepted(hm.OnUnconfirmedTransaction)
	return hm, nil
}

// RegisterRoutes 注册本地接口，全部挂在 /peer/ 下
func (hm *HandlerManager) RegisterRoutes(mux *http.ServeMux) {
	submit := middleware.Chain(http.HandlerFunc(hm.HandleTransactions),
		middleware.Readiness(hm.checkReady),
		middleware.Headers(hm.headers),
		middleware.Magic(hm.headers.Magic),
	)

	peerMux := http.NewServeMux()
	peerMux.Handle("/peer/transactions", methodOnly(http.MethodPost, submit))
	peerMux.Handle("/peer/stats", methodOnly(http.MethodGet, http.HandlerFunc(hm.HandleStats)))
	peerMux.Handle("/peer/", middleware.NotFound())

	mux.Handle("/peer/", middleware.Chain(peerMux,
		middleware.Recover(hm.Logger),
		middleware.Loaded(hm.IsLoaded),
	))
}

func methodOnly(method string, h http.Handler) http.Handler {
	notFound := middleware.NotFound()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			notFound.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// RegisterPeerHandlers 在节点间传输上注册所有话题
func (hm *HandlerManager) RegisterPeerHandlers() {
	hm.peer.Handle(types.TopicCommonBlock, hm.safeRequest(types.TopicCommonBlock, hm.HandleCommonBlock))
	hm.peer.Handle(types.TopicBlocks, hm.safeRequest(types.TopicBlocks, hm.HandleBlocks))
	hm.peer.Handle(types.TopicVotes, hm.safeRequest(types.TopicVotes, hm.HandleVotes))
	hm.peer.Handle(types.TopicTransactions, hm.safeRequest(types.TopicTransactions, hm.HandleUnconfirmedList))
	hm.peer.Handle(types.TopicHeight, hm.safeRequest(types.TopicHeight, hm.HandleHeight))
	hm.peer.Handle(types.TopicChainRequest, hm.safeRequest(types.TopicChainRequest, hm.HandleChainRequest))

	hm.peer.Subscribe(types.TopicBlock, hm.safeMessage(types.TopicBlock, hm.HandleBlockGossip))
	hm.peer.Subscribe(types.TopicPropose, hm.safeMessage(types.TopicPropose, hm.HandleProposeGossip))
	hm.peer.Subscribe(types.TopicTransaction, hm.safeMessage(types.TopicTransaction, hm.HandleTransactionGossip))
	hm.peer.Subscribe(types.TopicChainMessage, hm.safeMessage(types.TopicChainMessage, hm.HandleChainMessage))
}

// safeRequest 统计调用并兜住 panic，对端总能拿到 {success:false} 信封
func (hm *HandlerManager) safeRequest(topic string, fn interfaces.RequestHandler) interfaces.RequestHandler {
	return func(ctx context.Context, msg *types.PeerMessage) (resp interface{}) {
		hm.Stats.RecordAPICall(topic)
		defer func() {
			if r := recover(); r != nil {
				hm.Logger.Error("[Transport] panic in %s handler: %v", topic, r)
				resp = types.Response{Success: false, Error: "Internal error"}
			}
		}()
		if msg == nil {
			msg = &types.PeerMessage{}
		}
		return fn(ctx, msg)
	}
}

func (hm *HandlerManager) safeMessage(topic string, fn interfaces.MessageHandler) interfaces.MessageHandler {
	return func(ctx context.Context, msg *types.PeerMessage) {
		hm.Stats.RecordAPICall(topic)
		defer func() {
			if r := recover(); r != nil {
				hm.Logger.Error("[Transport] panic in %s subscriber: %v", topic, r)
			}
		}()
		if msg == nil {
			return
		}
		fn(ctx, msg)
	}
}

// OnBlockchainReady 区块链加载完成
func (hm *HandlerManager) OnBlockchainReady() {
	hm.loaded.Store(true)
	hm.Logger.Info("[Transport] blockchain ready, accepting requests")
}

// IsLoaded 是否已完成加载
func (hm *HandlerManager) IsLoaded() bool {
	return hm.loaded.Load()
}

// Cleanup 关闭前调用，之后本地接口返回 loading
func (hm *HandlerManager) Cleanup() {
	hm.loaded.Store(false)
}

func (hm *HandlerManager) Stop() {
	hm.Cleanup()
	if hm.ingest != nil {
		hm.ingest.Stop()
	}
}
