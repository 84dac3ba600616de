package main

import (
	"encoding/json"
	"runtime"

	"relaynode/config"
	"relaynode/db"
	"relaynode/interfaces"
	"relaynode/logs"
	"relaynode/txpool"
	"relaynode/types"
)

// localBus 没有共识模块时的事件出口：接上链的区块落盘，其余只记日志
type localBus struct {
	db     *db.Manager
	pool   *txpool.TxPool
	Logger logs.Logger
}

var _ interfaces.EventBus = (*localBus)(nil)

func newLocalBus(dbm *db.Manager, pool *txpool.TxPool, logger logs.Logger) *localBus {
	return &localBus{db: dbm, pool: pool, Logger: logger}
}

func (b *localBus) ReceiveVotes(votes json.RawMessage) {
	b.Logger.Debug("[Bus] votes received, %d bytes", len(votes))
}

// ReceiveBlock 只接受紧接在最新区块之后的区块
func (b *localBus) ReceiveBlock(block *types.Block, votes *types.Votes) {
	last, err := b.db.GetLastBlock()
	if err != nil {
		b.Logger.Warn("[Bus] drop block %s: %v", block.ID, err)
		return
	}
	if block.Height != last.Height+1 || block.PreviousBlock != last.ID {
		b.Logger.Debug("[Bus] drop block %s height=%d: does not extend %s height=%d",
			block.ID, block.Height, last.ID, last.Height)
		return
	}
	if err := b.db.SaveBlock(block); err != nil {
		b.Logger.Error("[Bus] save block %s: %v", block.ID, err)
		return
	}
	b.pool.RemoveConfirmed(block)
	b.Logger.Info("[Bus] block %s applied, height=%d txs=%d", block.ID, block.Height, len(block.Transactions))
}

func (b *localBus) ReceivePropose(propose *types.Propose) {
	b.Logger.Debug("[Bus] propose %s height=%d from %s", propose.ID, propose.Height, propose.Address)
}

func (b *localBus) Message(msg *types.PeerMessage) {
	b.Logger.Debug("[Bus] chain message for %s", msg.Chain)
}

// nodeSystem 节点自身信息
type nodeSystem struct {
	os      string
	version string
	port    int
	magic   string
}

var _ interfaces.System = (*nodeSystem)(nil)

func newNodeSystem(cfg *config.Config) *nodeSystem {
	osName := cfg.Node.OS
	if osName == "" {
		osName = runtime.GOOS + runtime.GOARCH
	}
	return &nodeSystem{
		os:      osName,
		version: cfg.Node.Version,
		port:    cfg.Server.Port,
		magic:   cfg.Node.Magic,
	}
}

func (s *nodeSystem) GetOS() string      { return s.os }
func (s *nodeSystem) GetVersion() string { return s.version }
func (s *nodeSystem) GetPort() int       { return s.port }
func (s *nodeSystem) GetMagic() string   { return s.magic }
