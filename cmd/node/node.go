package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relaynode/blocksync"
	"relaynode/cache"
	"relaynode/config"
	"relaynode/crt"
	"relaynode/db"
	"relaynode/handlers"
	"relaynode/logs"
	"relaynode/middleware"
	"relaynode/network"
	"relaynode/relay"
	"relaynode/sender"
	"relaynode/slots"
	"relaynode/stats"
	"relaynode/txpool"
	"relaynode/types"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// newGenesisBlock 空库时写入的创世块。时间戳没有配置时取 now，
// 否则新节点的最新时隙落后当前时隙太多，就绪判断一开始就不通过
func newGenesisBlock(cfg *config.Config, now time.Time) *types.Block {
	ts := cfg.Slots.GenesisTimestamp
	if ts == 0 {
		ts = slots.New(cfg.Slots.EpochTime, cfg.Slots.Interval).EpochTime(now)
	}
	return &types.Block{
		ID:        "genesis",
		Height:    1,
		Timestamp: ts,
	}
}

// NodeInstance 表示一个节点实例
type NodeInstance struct {
	NodeID         string
	Config         *config.Config
	HTTP3Server    *http3.Server // 节点间 QUIC
	LocalServer    *http.Server  // 本地提交接口
	DBManager      *db.Manager
	TxPool         *txpool.TxPool
	Ingest         *txpool.IngestQueue
	Network        *network.Network
	Peer           *network.HTTP3Peer
	SenderManager  *sender.SenderManager
	HandlerManager *handlers.HandlerManager
	Relay          *relay.ChainRelay
	RateLimiter    *middleware.RateLimiter
	stopCleanup    chan struct{}
	Logger         logs.Logger
}

// initializeNode 按依赖顺序构造各组件
func initializeNode(node *NodeInstance) error {
	cfg := node.Config

	// 1. 数据库 + 创世块
	dbManager, err := db.NewManager(cfg.Node.DataPath, node.Logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to init db: %v", err)
	}
	node.DBManager = dbManager
	if err := dbManager.EnsureGenesis(newGenesisBlock(cfg, time.Now())); err != nil {
		return fmt.Errorf("failed to write genesis: %v", err)
	}

	// 2. 交易池 + 串行入池队列
	txPool, err := txpool.NewTxPool(cfg.Ingest.UnconfirmedSize, nil, dbManager, node.Logger)
	if err != nil {
		return fmt.Errorf("failed to create TxPool: %v", err)
	}
	node.TxPool = txPool

	processedTrs, err := cache.NewDedupCache("processedTrs", cfg.Cache.ProcessedTxSize)
	if err != nil {
		return err
	}
	chainMessages, err := cache.NewDedupCache("chainMessages", cfg.Cache.ChainMessageSize)
	if err != nil {
		return err
	}
	st := stats.NewStats()
	node.Ingest = txpool.NewIngestQueue(txPool, processedTrs, cfg.Ingest.QueueSize, node.Logger, st)

	// 3. 节点间传输
	self := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.Port))
	node.Network = network.NewNetwork(dbManager, self, cfg.Network.Peers, node.Logger)
	node.SenderManager = sender.NewSenderManager(cfg, nil, node.Logger)
	node.Peer = network.NewHTTP3Peer(node.Network, node.SenderManager, cfg, node.Logger)

	// 4. 同步查询 / 就绪判断 / 应用链
	gate := slots.NewReadinessGate(
		slots.New(cfg.Slots.EpochTime, cfg.Slots.Interval),
		dbManager,
		cfg.Slots.NotReadyThreshold,
		node.Logger,
	)
	node.Relay = relay.NewChainRelay(node.Logger)

	// 5. HandlerManager
	hm, err := handlers.NewHandlerManager(handlers.Deps{
		Peer:           node.Peer,
		Bus:            newLocalBus(dbManager, txPool, node.Logger),
		Blocks:         dbManager,
		Mempool:        txPool,
		System:         newNodeSystem(cfg),
		Gate:           gate,
		Sync:           blocksync.NewEngine(dbManager, cfg.Transport.MaxBlocksPerRequest, node.Logger),
		Relay:          node.Relay,
		Ingest:         node.Ingest,
		ProcessedTrs:   processedTrs,
		ChainMessages:  chainMessages,
		ChannelSources: []handlers.ChannelStatsSource{node.SenderManager.Queue()},
		Stats:          st,
		Logger:         node.Logger,
	}, handlers.Options{
		MaxProposeIDLength: cfg.Transport.MaxProposeIDLength,
		MaxRequestBodySize: cfg.Server.MaxRequestBodySize,
		RequestTimeout:     cfg.Network.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create handler manager: %v", err)
	}
	node.HandlerManager = hm
	hm.RegisterPeerHandlers()
	return nil
}

// startNode 启动 worker 和两个服务端，返回后节点已在监听
func startNode(node *NodeInstance, errorChan chan<- error) error {
	cfg := node.Config
	node.SenderManager.Start()
	node.Ingest.Start()

	// 本地 HTTP 接口
	node.RateLimiter = middleware.NewRateLimiter(cfg.Server.RequestsPerSecond)
	node.stopCleanup = make(chan struct{})
	node.RateLimiter.StartIPCleanup(node.stopCleanup)

	localMux := http.NewServeMux()
	node.HandlerManager.RegisterRoutes(localMux)
	node.LocalServer = &http.Server{
		Addr:              cfg.Server.LocalAddr,
		Handler:           node.RateLimiter.RateLimit(localMux),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.HTTPTimeout,
	}
	localListener, err := net.Listen("tcp", cfg.Server.LocalAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", cfg.Server.LocalAddr, err)
	}
	go func() {
		if err := node.LocalServer.Serve(localListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChan <- fmt.Errorf("local server: %v", err)
		}
	}()
	node.Logger.Info("Local API listening on %s", cfg.Server.LocalAddr)

	// 节点间 HTTP/3
	cert, nodeID, err := crt.LoadOrCreate(cfg.Server.CertFile, cfg.Server.KeyFile, cfg.Server.CertOrgName)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %v", err)
	}
	node.NodeID = nodeID
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		NextProtos:   []string{http3.NextProtoH3},
	}
	quicConfig := &quic.Config{
		KeepAlivePeriod: cfg.Server.QUICKeepAlivePeriod,
		MaxIdleTimeout:  cfg.Server.QUICMaxIdleTimeout,
		Allow0RTT:       cfg.Server.QUICAllow0RTT,
	}

	peerMux := http.NewServeMux()
	node.Peer.RegisterRoutes(peerMux)
	addr := ":" + strconv.Itoa(cfg.Server.Port)
	node.HTTP3Server = &http3.Server{
		Addr:       addr,
		Handler:    middleware.Chain(peerMux, middleware.Recover(node.Logger)),
		TLSConfig:  tlsConfig,
		QUICConfig: quicConfig,
	}
	listener, err := quic.ListenAddr(addr, http3.ConfigureTLSConfig(tlsConfig), quicConfig)
	if err != nil {
		return fmt.Errorf("failed to create QUIC listener: %v", err)
	}
	go func() {
		if err := node.HTTP3Server.ServeListener(listener); err != nil && !isServerClosedErr(err) {
			errorChan <- fmt.Errorf("HTTP/3 server: %v", err)
		}
	}()
	node.Logger.Info("Node %s: Starting HTTP/3 server on port %d", nodeID, cfg.Server.Port)

	node.HandlerManager.OnBlockchainReady()
	return nil
}

// shutdownNode 按启动的逆序关闭
func shutdownNode(node *NodeInstance) {
	node.Logger.Info("Stopping node %s...", node.NodeID)

	// 1. 先拒绝新请求
	if node.HandlerManager != nil {
		node.HandlerManager.Cleanup()
	}

	// 2. 关闭服务端
	if node.HTTP3Server != nil {
		if err := node.HTTP3Server.Close(); err != nil && !isServerClosedErr(err) {
			node.Logger.Warn("failed to close HTTP/3 server: %v", err)
		}
	}
	if node.LocalServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := node.LocalServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			node.Logger.Warn("failed to shutdown local server: %v", err)
		}
		cancel()
	}
	if node.stopCleanup != nil {
		close(node.stopCleanup)
	}

	// 3. 停止入池队列和发送队列
	if node.HandlerManager != nil {
		node.HandlerManager.Stop()
	}
	if node.SenderManager != nil {
		node.SenderManager.Stop()
	}

	// 4. 最后关闭数据库
	if node.DBManager != nil {
		node.DBManager.Close()
	}
	node.Logger.Info("Node %s stopped.", node.NodeID)
}

func isServerClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, quic.ErrServerClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "server closed") ||
		strings.Contains(msg, "use of closed network connection")
}
