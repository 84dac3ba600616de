package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Transaction 已签名交易；Asset 的结构由交易类型决定，传输层不解析
type Transaction struct {
	ID              string          `json:"id"`
	Type            int32           `json:"type"`
	Timestamp       int64           `json:"timestamp"`
	SenderPublicKey string          `json:"senderPublicKey"`
	SenderID        string          `json:"senderId,omitempty"`
	Fee             decimal.Decimal `json:"fee"`
	Signature       string          `json:"signature"`
	Asset           json.RawMessage `json:"asset,omitempty"`
	// Height 只有已确认交易才有
	Height uint64 `json:"height,omitempty"`
}

// Block 区块；Transactions 在同步查询里按高度拼接进来
type Block struct {
	ID                 string         `json:"id"`
	Height             uint64         `json:"height"`
	Timestamp          int64          `json:"timestamp"`
	PreviousBlock      string         `json:"previousBlock,omitempty"`
	GeneratorPublicKey string         `json:"generatorPublicKey"`
	BlockSignature     string         `json:"blockSignature,omitempty"`
	Transactions       []*Transaction `json:"transactions,omitempty"`
}

// VoteSignature 单个受托人对区块的签名
type VoteSignature struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// Votes 对某个候选区块的投票集合
type Votes struct {
	Height     uint64          `json:"height"`
	ID         string          `json:"id"`
	Signatures []VoteSignature `json:"signatures"`
}

// Propose 区块提案
type Propose struct {
	Height             uint64 `json:"height"`
	ID                 string `json:"id"`
	Timestamp          int64  `json:"timestamp"`
	GeneratorPublicKey string `json:"generatorPublicKey"`
	Address            string `json:"address"`
	Hash               string `json:"hash"`
	Signature          string `json:"signature"`
}
