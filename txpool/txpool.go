package txpool

import (
	"context"
	"fmt"
	"sync"

	"relaynode/logs"
	"relaynode/types"

	lru "github.com/hashicorp/golang-lru"
)

// TxValidator 用于抽象交易校验（签名、余额等，由账本模块实现）
type TxValidator interface {
	CheckTransaction(tx *types.Transaction) error
}

// PendingStore 未确认交易的持久化，节点重启后恢复
type PendingStore interface {
	SavePendingTx(tx *types.Transaction) error
	DeletePendingTx(txID string) error
	LoadPendingTxs() ([]*types.Transaction, error)
}

// TxPool 未确认交易集合，实现 interfaces.Mempool。
// 写操作只会从 IngestQueue 的 worker 和区块确认路径进来。
// 集合满了拒绝新交易，不淘汰旧交易，内存和持久化的 pending 行始终一致。
type TxPool struct {
	mu           sync.RWMutex
	capacity     int
	pendingCache *lru.Cache // txID -> *types.Transaction
	validator    TxValidator
	store        PendingStore
	Logger       logs.Logger
}

// NewTxPool 创建交易池；validator / store 可以为 nil
func NewTxPool(size int, validator TxValidator, store PendingStore, logger logs.Logger) (*TxPool, error) {
	if size <= 0 {
		size = 100000
	}
	pendingCache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logs.Default()
	}
	tp := &TxPool{
		capacity:     size,
		pendingCache: pendingCache,
		validator:    validator,
		store:        store,
		Logger:       logger,
	}
	tp.loadFromStore()
	return tp, nil
}

func (tp *TxPool) loadFromStore() {
	if tp.store == nil {
		return
	}
	txs, err := tp.store.LoadPendingTxs()
	if err != nil {
		tp.Logger.Warn("[TxPool] load pending txs failed: %v", err)
		return
	}
	restored := 0
	for _, tx := range txs {
		if tp.pendingCache.Len() >= tp.capacity {
			// 超出容量的部分丢弃，同时删掉持久化记录
			if err := tp.store.DeletePendingTx(tx.ID); err != nil {
				tp.Logger.Debug("[TxPool] delete pending tx=%s failed: %v", tx.ID, err)
			}
			continue
		}
		tp.pendingCache.Add(tx.ID, tx)
		restored++
	}
	if dropped := len(txs) - restored; dropped > 0 {
		tp.Logger.Warn("[TxPool] pool capacity %d reached on restore, dropped %d pending txs", tp.capacity, dropped)
	}
	tp.Logger.Info("[TxPool] restored %d pending txs", restored)
}

// HasUnconfirmed 是否已在未确认集合里
func (tp *TxPool) HasUnconfirmed(tx *types.Transaction) bool {
	if tx == nil {
		return false
	}
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.pendingCache.Contains(tx.ID)
}

// ReceiveTransactions 校验并入池；任一笔失败则整体返回错误，已入池的保留
func (tp *TxPool) ReceiveTransactions(ctx context.Context, txs []*types.Transaction) ([]*types.Transaction, error) {
	accepted := make([]*types.Transaction, 0, len(txs))
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		if tx == nil || tx.ID == "" {
			return accepted, fmt.Errorf("transaction without id")
		}
		if tp.validator != nil {
			if err := tp.validator.CheckTransaction(tx); err != nil {
				return accepted, fmt.Errorf("check transaction %s: %w", tx.ID, err)
			}
		}

		tp.mu.Lock()
		if tp.pendingCache.Contains(tx.ID) {
			tp.mu.Unlock()
			return accepted, fmt.Errorf("transaction %s: %w", tx.ID, types.ErrAlreadyExists)
		}
		if tp.pendingCache.Len() >= tp.capacity {
			tp.mu.Unlock()
			tp.Logger.Warn("[TxPool] reject tx=%s: pool full (%d)", tx.ID, tp.capacity)
			return accepted, fmt.Errorf("transaction %s: %w", tx.ID, types.ErrPoolFull)
		}
		tp.pendingCache.Add(tx.ID, tx)
		tp.mu.Unlock()

		if tp.store != nil {
			if err := tp.store.SavePendingTx(tx); err != nil {
				tp.Logger.Warn("[TxPool] persist pending tx=%s failed: %v", tx.ID, err)
			}
		}
		accepted = append(accepted, tx)
	}
	return accepted, nil
}

// GetUnconfirmedTransactionList 按入池顺序返回
func (tp *TxPool) GetUnconfirmedTransactionList() []*types.Transaction {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	keys := tp.pendingCache.Keys()
	result := make([]*types.Transaction, 0, len(keys))
	for _, k := range keys {
		if v, ok := tp.pendingCache.Peek(k); ok {
			if tx, ok := v.(*types.Transaction); ok {
				result = append(result, tx)
			}
		}
	}
	return result
}

// RemoveConfirmed 区块确认后把其中的交易移出未确认集合
func (tp *TxPool) RemoveConfirmed(block *types.Block) {
	if block == nil {
		return
	}
	tp.mu.Lock()
	for _, tx := range block.Transactions {
		tp.pendingCache.Remove(tx.ID)
	}
	tp.mu.Unlock()

	if tp.store == nil {
		return
	}
	for _, tx := range block.Transactions {
		if err := tp.store.DeletePendingTx(tx.ID); err != nil {
			tp.Logger.Debug("[TxPool] delete pending tx=%s failed: %v", tx.ID, err)
		}
	}
}

// PendingLen 未确认交易数量
func (tp *TxPool) PendingLen() int {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.pendingCache.Len()
}
