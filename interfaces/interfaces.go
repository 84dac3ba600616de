// interfaces/interfaces.go
package interfaces

import (
	"context"
	"encoding/json"

	"relaynode/types"
)

// 传输层只借用这些协作方，不持有它们的状态

// Mempool 未确认交易集合
type Mempool interface {
	HasUnconfirmed(tx *types.Transaction) bool
	// ReceiveTransactions 批量入池，返回账本规范化之后的交易
	ReceiveTransactions(ctx context.Context, txs []*types.Transaction) ([]*types.Transaction, error)
	GetUnconfirmedTransactionList() []*types.Transaction
}

// BlockStore 区块存储（只读）
type BlockStore interface {
	GetLastBlock() (*types.Block, error)
	// GetBlockByID 不存在时返回 (nil, nil)
	GetBlockByID(ctx context.Context, id string) (*types.Block, error)
	// GetBlocksByHeightRange 闭区间 [min, max]，按高度升序
	GetBlocksByHeightRange(ctx context.Context, min, max uint64) ([]*types.Block, error)
	// GetTransactionsByHeightRange 左开右闭 (min, max]
	GetTransactionsByHeightRange(ctx context.Context, min, max uint64) ([]*types.Transaction, error)
}

// Normalizer 把线上的原始数据转成规范的内存结构，失败即拒绝
type Normalizer interface {
	NormalizeTransaction(raw json.RawMessage) (*types.Transaction, error)
	NormalizeBlock(raw json.RawMessage) (*types.Block, error)
	NormalizeVotes(raw json.RawMessage) (*types.Votes, error)
}

// RequestHandler 请求/响应类话题的处理函数，返回值会被序列化后回给对端
type RequestHandler func(ctx context.Context, msg *types.PeerMessage) interface{}

// MessageHandler 发布/订阅类话题的处理函数，没有响应
type MessageHandler func(ctx context.Context, msg *types.PeerMessage)

// Contact 对端地址
type Contact struct {
	Host string
	Port string
}

// Peer 底层点对点传输
type Peer interface {
	Handle(topic string, fn RequestHandler)
	Subscribe(topic string, fn MessageHandler)
	Publish(ctx context.Context, topic string, msg *types.PeerMessage) error
	Request(ctx context.Context, topic string, msg *types.PeerMessage, target Contact) (json.RawMessage, error)
	RandomRequest(ctx context.Context, topic string, msg *types.PeerMessage) (json.RawMessage, error)
	GetIdentity(contact Contact) string
}

// ChainHandler 某条应用链的处理模块
type ChainHandler interface {
	Request(ctx context.Context, method, path string, query json.RawMessage) (map[string]interface{}, error)
	Message(ctx context.Context, body json.RawMessage) (map[string]interface{}, error)
}

// EventBus 向共识/上层模块转发收到的数据
type EventBus interface {
	ReceiveVotes(votes json.RawMessage)
	ReceiveBlock(block *types.Block, votes *types.Votes)
	ReceivePropose(propose *types.Propose)
	Message(msg *types.PeerMessage)
}

// System 节点自身信息，作为响应头下发
type System interface {
	GetOS() string
	GetVersion() string
	GetPort() int
	GetMagic() string
}
