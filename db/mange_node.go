package db

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
)

// PeerInfo 已知对等节点
type PeerInfo struct {
	Address  string    `json:"address"` // host:port
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// SavePeerInfo 保存/更新节点信息
func (m *Manager) SavePeerInfo(info *PeerInfo) error {
	if info == nil || info.Address == "" {
		return fmt.Errorf("save peer: empty address")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return m.Db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(KeyPeer(info.Address)), data)
	})
}

// GetAllPeerInfos 读取所有保存的节点
func (m *Manager) GetAllPeerInfos() ([]*PeerInfo, error) {
	var peers []*PeerInfo
	err := m.scanPrefix(PrefixPeer(), PrefixPeer(), func(key string, val []byte) (bool, error) {
		info := &PeerInfo{}
		if err := json.Unmarshal(val, info); err != nil {
			return true, nil
		}
		peers = append(peers, info)
		return true, nil
	})
	return peers, err
}
