package types

import "encoding/json"

// 节点间话题
const (
	TopicCommonBlock  = "commonBlock"
	TopicBlocks       = "blocks"
	TopicVotes        = "votes"
	TopicTransactions = "transactions"
	TopicHeight       = "height"
	TopicChainRequest = "chainRequest"
	TopicChainMessage = "chainMessage"
	TopicBlock        = "block"
	TopicPropose      = "propose"
	TopicTransaction  = "transaction"
)

// PeerMessage 节点间消息信封；Body 按话题再解码成具体结构
type PeerMessage struct {
	Chain     string          `json:"chain,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Hash      string          `json:"hash,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	// From 发送方地址，由底层传输填入，不上线
	From string `json:"-"`
}

// CommonBlockRequest max/min 保留原始 JSON，校验是否为整数
type CommonBlockRequest struct {
	Max json.RawMessage `json:"max"`
	Min json.RawMessage `json:"min"`
	IDs []string        `json:"ids"`
}

type BlocksRequest struct {
	LastBlockID string          `json:"lastBlockId"`
	Limit       json.RawMessage `json:"limit,omitempty"`
}

type VotesRequest struct {
	Votes json.RawMessage `json:"votes"`
}

// BlockGossip block 话题负载
type BlockGossip struct {
	Block json.RawMessage `json:"block"`
	Votes json.RawMessage `json:"votes"`
}

// ProposeGossip propose 可能是对象，也可能是 base64 编码的二进制
type ProposeGossip struct {
	Propose json.RawMessage `json:"propose"`
}

// TransactionGossip transaction 同上
type TransactionGossip struct {
	Transaction json.RawMessage `json:"transaction"`
}

// ChainQuery chainRequest 的 body，hash 对整个 body 计算
type ChainQuery struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
	Peer   string          `json:"peer,omitempty"`
}

// ChainRequest 本地发出的链请求
type ChainRequest struct {
	Chain string
	Body  ChainQuery
}

// ChainMessage 本地发出的链消息
type ChainMessage struct {
	Chain string
	Body  json.RawMessage
}

// Response 请求/响应类话题的统一信封
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type CommonBlockResponse struct {
	Success bool   `json:"success"`
	Common  *Block `json:"common,omitempty"`
	Error   string `json:"error,omitempty"`
}

type BlocksResponse struct {
	Blocks []*Block `json:"blocks"`
}

type TransactionsResponse struct {
	Transactions []*Transaction `json:"transactions"`
}

type HeightResponse struct {
	Height uint64 `json:"height"`
}

// SubmitRequest 本地提交接口请求体
type SubmitRequest struct {
	Transaction json.RawMessage `json:"transaction"`
}

// SubmitResponse 本地提交接口响应
type SubmitResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error,omitempty"`
	Expected      string `json:"expected,omitempty"`
	Received      string `json:"received,omitempty"`
}
