package db

import (
	"context"
	"errors"
	"fmt"

	"relaynode/types"

	"github.com/dgraph-io/badger/v2"
)

// SaveBlock 一个事务里写入区块、高度索引、区块内交易和最新区块指针
func (m *Manager) SaveBlock(block *types.Block) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("save block: empty block")
	}
	m.Logger.Debug("[DB] Saving new block_%d id=%s txs=%d", block.Height, block.ID, len(block.Transactions))

	header := *block
	header.Transactions = nil
	data, err := json.Marshal(&header)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}

	m.lastBlockMu.Lock()
	defer m.lastBlockMu.Unlock()

	err = m.Db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(KeyBlockData(block.ID)), data); err != nil {
			return err
		}
		if err := txn.Set([]byte(KeyHeightBlock(block.Height)), []byte(block.ID)); err != nil {
			return err
		}
		for i, tx := range block.Transactions {
			confirmed := *tx
			confirmed.Height = block.Height
			txData, err := json.Marshal(&confirmed)
			if err != nil {
				return fmt.Errorf("marshal tx %s: %w", tx.ID, err)
			}
			if err := txn.Set([]byte(KeyHeightTx(block.Height, i)), txData); err != nil {
				return err
			}
			// 已确认的交易不再是 pending
			if err := txn.Delete([]byte(KeyPendingTx(tx.ID))); err != nil {
				return err
			}
		}
		if m.lastBlock == nil || block.Height >= m.lastBlock.Height {
			return txn.Set([]byte(KeyLatestBlock()), []byte(block.ID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save block %s: %w", block.ID, err)
	}

	if m.lastBlock == nil || block.Height >= m.lastBlock.Height {
		m.lastBlock = &header
	}
	return nil
}

// EnsureGenesis 空库时写入创世块
func (m *Manager) EnsureGenesis(genesis *types.Block) error {
	if last, _ := m.GetLastBlock(); last != nil {
		return nil
	}
	return m.SaveBlock(genesis)
}

func (m *Manager) loadLastBlock() error {
	id, err := m.Read(KeyLatestBlock())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read latest block: %w", err)
	}
	b, err := m.readBlock(string(id))
	if err != nil {
		return fmt.Errorf("read latest block %s: %w", id, err)
	}
	m.lastBlockMu.Lock()
	m.lastBlock = b
	m.lastBlockMu.Unlock()
	return nil
}

func (m *Manager) readBlock(id string) (*types.Block, error) {
	data, err := m.Read(KeyBlockData(id))
	if err != nil {
		return nil, err
	}
	b := &types.Block{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("unmarshal block %s: %w", id, err)
	}
	return b, nil
}

// GetLastBlock 最新区块（不含交易）
func (m *Manager) GetLastBlock() (*types.Block, error) {
	m.lastBlockMu.RLock()
	defer m.lastBlockMu.RUnlock()
	if m.lastBlock == nil {
		return nil, fmt.Errorf("no block in database")
	}
	b := *m.lastBlock
	return &b, nil
}

// GetBlockByID 不存在时返回 (nil, nil)
func (m *Manager) GetBlockByID(ctx context.Context, id string) (*types.Block, error) {
	if id == "" {
		return nil, nil
	}
	b, err := m.readBlock(id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// GetBlocksByHeightRange 闭区间 [min, max]，按高度升序
func (m *Manager) GetBlocksByHeightRange(ctx context.Context, min, max uint64) ([]*types.Block, error) {
	if min > max {
		return nil, nil
	}
	var ids []string
	err := m.scanPrefix(PrefixHeightBlock(), KeyHeightBlock(min), func(key string, val []byte) (bool, error) {
		if key > KeyHeightBlock(max) {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ids = append(ids, string(val))
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	blocks := make([]*types.Block, 0, len(ids))
	for _, id := range ids {
		b, err := m.readBlock(id)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// GetTransactionsByHeightRange 左开右闭 (min, max]，按高度、区块内顺序排列
func (m *Manager) GetTransactionsByHeightRange(ctx context.Context, min, max uint64) ([]*types.Transaction, error) {
	if min >= max {
		return nil, nil
	}
	var txs []*types.Transaction
	end := KeyHeightTxStart(max + 1)
	err := m.scanPrefix(PrefixHeightTx(), KeyHeightTxStart(min+1), func(key string, val []byte) (bool, error) {
		if key >= end {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		tx := &types.Transaction{}
		if err := json.Unmarshal(val, tx); err != nil {
			return false, fmt.Errorf("unmarshal tx at %s: %w", key, err)
		}
		txs = append(txs, tx)
		return true, nil
	})
	return txs, err
}
