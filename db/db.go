package db

import (
	"errors"
	"fmt"
	"sync"

	"relaynode/config"
	"relaynode/logs"
	"relaynode/types"

	"github.com/dgraph-io/badger/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound key 不存在
var ErrNotFound = errors.New("db: key not found")

// Manager 封装 BadgerDB 的管理器，实现传输层需要的区块只读接口，
// 以及未确认交易、对等节点的持久化
type Manager struct {
	Db *badger.DB
	mu sync.RWMutex

	// 最新区块常驻内存，height 查询和 readiness 判断每次请求都会读
	lastBlockMu sync.RWMutex
	lastBlock   *types.Block

	Logger logs.Logger
}

// NewManager 创建一个新的 DBManager 实例
func NewManager(path string, logger logs.Logger, cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if cfg.Database.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.Database.ValueLogFileSize)
	}
	opts = opts.WithSyncWrites(cfg.Database.SyncWrites)
	return open(opts, logger)
}

// NewInMemoryManager 不落盘，测试和单机演示用
func NewInMemoryManager(logger logs.Logger) (*Manager, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return open(opts, logger)
}

func open(opts badger.Options, logger logs.Logger) (*Manager, error) {
	if logger == nil {
		logger = logs.Default()
	}
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	mgr := &Manager{Db: bdb, Logger: logger}
	if err := mgr.loadLastBlock(); err != nil {
		bdb.Close()
		return nil, err
	}
	return mgr, nil
}

// Close 关闭数据库
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Db == nil {
		return nil
	}
	err := m.Db.Close()
	m.Db = nil
	return err
}

// Read 读取 key，不存在返回 ErrNotFound
func (m *Manager) Read(key string) ([]byte, error) {
	var val []byte
	err := m.Db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

// scanPrefix 按 key 顺序遍历 [start, ...) 中仍带 prefix 的条目，fn 返回 false 停止
func (m *Manager) scanPrefix(prefix, start string, fn func(key string, val []byte) (bool, error)) error {
	return m.Db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(start)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cont, err := fn(string(item.KeyCopy(nil)), val)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}
