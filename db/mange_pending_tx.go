package db

import (
	"fmt"

	"relaynode/types"

	"github.com/dgraph-io/badger/v2"
)

// SavePendingTx 未确认交易落盘，重启后由 TxPool 恢复
func (m *Manager) SavePendingTx(tx *types.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal pending tx: %w", err)
	}
	return m.Db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(KeyPendingTx(tx.ID)), data)
	})
}

// DeletePendingTx 交易确认或被丢弃后删除
func (m *Manager) DeletePendingTx(txID string) error {
	return m.Db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(KeyPendingTx(txID)))
	})
}

// LoadPendingTxs 读出所有未确认交易
func (m *Manager) LoadPendingTxs() ([]*types.Transaction, error) {
	var txs []*types.Transaction
	err := m.scanPrefix(PrefixPendingTx(), PrefixPendingTx(), func(key string, val []byte) (bool, error) {
		tx := &types.Transaction{}
		if err := json.Unmarshal(val, tx); err != nil {
			m.Logger.Warn("[DB] skip broken pending tx %s: %v", key, err)
			return true, nil
		}
		txs = append(txs, tx)
		return true, nil
	})
	return txs, err
}
