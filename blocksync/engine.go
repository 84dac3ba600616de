// Package blocksync 回答节点同步时的两类只读查询：公共区块、区块区间。
package blocksync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"relaynode/interfaces"
	"relaynode/logs"
	"relaynode/types"
)

// DefaultMaxBlocks 单次 blocks 查询最多返回的区块数
const DefaultMaxBlocks = 200

// Engine 同步查询，只读不写
type Engine struct {
	store     interfaces.BlockStore
	maxBlocks int
	Logger    logs.Logger
}

func NewEngine(store interfaces.BlockStore, maxBlocks int, logger logs.Logger) *Engine {
	if maxBlocks <= 0 {
		maxBlocks = DefaultMaxBlocks
	}
	if logger == nil {
		logger = logs.Default()
	}
	return &Engine{store: store, maxBlocks: maxBlocks, Logger: logger}
}

// MaxBlocks 当前的上限
func (e *Engine) MaxBlocks() int {
	return e.maxBlocks
}

// CommonBlock 在 [min, max] 内按高度倒序，与对端给出的 ids 逐位比对，返回第一个匹配的区块。
// 区间内没有区块或没有匹配返回 types.ErrQueryNotFound；存储出错返回 types.ErrQueryError。
func (e *Engine) CommonBlock(ctx context.Context, min, max int64, ids []string) (*types.Block, error) {
	if max < 0 || min > max {
		return nil, fmt.Errorf("%w: blocks not found", types.ErrQueryNotFound)
	}
	if min < 0 {
		min = 0
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: common block not found", types.ErrQueryNotFound)
	}

	// 只加载能参与比对的最高 len(ids) 个高度，区间上界不超过本地最新高度
	last, err := e.store.GetLastBlock()
	if err != nil || last == nil {
		return nil, fmt.Errorf("%w: blocks not found", types.ErrQueryNotFound)
	}
	if last.Height <= math.MaxInt64 && int64(last.Height) < max {
		max = int64(last.Height)
	}
	if min > max {
		return nil, fmt.Errorf("%w: blocks not found", types.ErrQueryNotFound)
	}
	if lo := max - int64(len(ids)) + 1; lo > min {
		min = lo
	}

	blocks, err := e.store.GetBlocksByHeightRange(ctx, uint64(min), uint64(max))
	if err != nil {
		e.Logger.Error("[BlockSync] Failed to find common block: %v", err)
		return nil, fmt.Errorf("%w: failed to find common block", types.ErrQueryError)
	}
	e.Logger.Trace("[BlockSync] find common blocks in database, count=%d", len(blocks))
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: blocks not found", types.ErrQueryNotFound)
	}

	// 倒序：最高的在前
	desc := make([]*types.Block, len(blocks))
	for i, b := range blocks {
		desc[len(blocks)-1-i] = b
	}

	for i, id := range ids {
		if i >= len(desc) {
			break
		}
		if desc[i] != nil && desc[i].ID == id {
			return desc[i], nil
		}
	}
	return nil, fmt.Errorf("%w: common block not found", types.ErrQueryNotFound)
}

// BlocksAfter 返回 lastBlockID 之后最多 limit 个区块，并把 (lastHeight, maxHeight] 内的交易
// 按高度挂到对应区块上。任何失败都退化成空列表。
func (e *Engine) BlocksAfter(ctx context.Context, lastBlockID string, limit int) []*types.Block {
	empty := []*types.Block{}
	if limit <= 0 {
		return empty
	}
	if limit > e.maxBlocks {
		limit = e.maxBlocks
	}

	lastBlock, err := e.store.GetBlockByID(ctx, lastBlockID)
	if err != nil {
		e.Logger.Error("[BlockSync] Failed to get blocks or transactions: %v", err)
		return empty
	}
	if lastBlock == nil {
		e.Logger.Debug("[BlockSync] Last block not found: %s", lastBlockID)
		return empty
	}

	minHeight := lastBlock.Height + 1
	maxHeight := minHeight + uint64(limit) - 1
	blocks, err := e.store.GetBlocksByHeightRange(ctx, minHeight, maxHeight)
	if err != nil {
		e.Logger.Error("[BlockSync] Failed to get blocks or transactions: %v", err)
		return empty
	}
	if len(blocks) == 0 {
		return empty
	}

	maxHeight = blocks[len(blocks)-1].Height
	txs, err := e.store.GetTransactionsByHeightRange(ctx, lastBlock.Height, maxHeight)
	if err != nil {
		e.Logger.Error("[BlockSync] Failed to get blocks or transactions: %v", err)
		return empty
	}
	e.Logger.Debug("[BlockSync] get blocks transactions, blocks=%d txs=%d", len(blocks), len(txs))

	// 拷贝一份再挂交易，不改动存储层返回的对象
	out := make([]*types.Block, len(blocks))
	for i, b := range blocks {
		if b == nil {
			continue
		}
		cp := *b
		cp.Transactions = nil
		out[i] = &cp
	}

	firstHeight := blocks[0].Height
	for _, tx := range txs {
		if tx == nil || tx.Height < firstHeight {
			continue
		}
		offset := tx.Height - firstHeight
		if offset >= uint64(len(blocks)) {
			continue
		}
		b := out[offset]
		if b == nil {
			continue
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return out
}

// ParseLimit 解析 blocks 请求的 limit：缺省、0 或无法解析时取上限，负数返回 0
func ParseLimit(raw json.RawMessage, ceiling int) int {
	if ceiling <= 0 {
		ceiling = DefaultMaxBlocks
	}
	n, ok := parseNumber(raw)
	if !ok || n == 0 || math.IsNaN(n) {
		return ceiling
	}
	if n < 0 {
		return 0
	}
	if n > float64(ceiling) {
		return ceiling
	}
	return int(n)
}

// ParseInteger max/min 必须是 JSON 整数（不接受字符串或小数）
func ParseInteger(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, errors.New("not an integer")
	}
	if i, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64 {
		return 0, errors.New("not an integer")
	}
	return int64(f), nil
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	s := string(raw)
	if raw[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return 0, false
		}
		s = unq
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
