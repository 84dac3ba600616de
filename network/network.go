package network

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"relaynode/db"
	"relaynode/logs"
)

// PeerStore 节点信息的持久化，由 db.Manager 实现
type PeerStore interface {
	SavePeerInfo(info *db.PeerInfo) error
	GetAllPeerInfos() ([]*db.PeerInfo, error)
}

// Network 负责维护对等节点列表、从DB加载或更新
type Network struct {
	store  PeerStore
	self   string
	mu     sync.RWMutex
	peers  map[string]*db.PeerInfo // key=host:port
	Logger logs.Logger
}

// NewNetwork 创建一个 Network 实例，加载 DB 里已有节点并合并配置里的种子节点
func NewNetwork(store PeerStore, self string, seeds []string, logger logs.Logger) *Network {
	if logger == nil {
		logger = logs.Default()
	}
	n := &Network{
		store:  store,
		self:   self,
		peers:  make(map[string]*db.PeerInfo),
		Logger: logger,
	}

	if store != nil {
		saved, err := store.GetAllPeerInfos()
		if err != nil {
			logger.Verbose("[Network] Failed to load peers from DB: %v", err)
		}
		for _, p := range saved {
			n.peers[p.Address] = p
		}
	}
	for _, addr := range seeds {
		if _, ok := n.peers[addr]; !ok && addr != self {
			n.peers[addr] = &db.PeerInfo{Address: addr, IsOnline: true}
		}
	}
	logger.Info("[Network] %d known peers", len(n.peers))
	return n
}

// AddOrUpdatePeer 更新或新增节点信息
func (n *Network) AddOrUpdatePeer(address string, isOnline bool) {
	if address == "" || address == n.self {
		return
	}
	info := &db.PeerInfo{Address: address, IsOnline: isOnline, LastSeen: time.Now()}

	n.mu.Lock()
	prev, existed := n.peers[address]
	n.peers[address] = info
	n.mu.Unlock()

	// 状态没变且刚见过就不重复写盘
	if existed && prev.IsOnline == isOnline && time.Since(prev.LastSeen) < time.Minute {
		return
	}
	if n.store != nil {
		if err := n.store.SavePeerInfo(info); err != nil {
			n.Logger.Verbose("[Network] Failed to save peer info: %v", err)
		}
	}
}

// MarkOffline 请求失败后标记下线，下次随机选择时跳过
func (n *Network) MarkOffline(address string) {
	n.mu.RLock()
	_, ok := n.peers[address]
	n.mu.RUnlock()
	if ok {
		n.AddOrUpdatePeer(address, false)
	}
}

// GetPeer 获取某个地址对应的 PeerInfo
func (n *Network) GetPeer(address string) *db.PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[address]
}

// GetAllPeers 返回所有节点信息，按地址排序
func (n *Network) GetAllPeers() []*db.PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	result := make([]*db.PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result
}

// RandomPeers 随机取最多 count 个在线节点；count <= 0 返回全部在线节点
func (n *Network) RandomPeers(count int) []string {
	n.mu.RLock()
	online := make([]string, 0, len(n.peers))
	for addr, p := range n.peers {
		if p.IsOnline {
			online = append(online, addr)
		}
	}
	n.mu.RUnlock()

	rand.Shuffle(len(online), func(i, j int) { online[i], online[j] = online[j], online[i] })
	if count > 0 && len(online) > count {
		online = online[:count]
	}
	return online
}
