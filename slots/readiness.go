package slots

import (
	"fmt"

	"relaynode/logs"
	"relaynode/types"
)

// DefaultNotReadyThreshold 落后多少个时隙认为未同步
const DefaultNotReadyThreshold = 12

// LastBlockSource 提供最新区块
type LastBlockSource interface {
	GetLastBlock() (*types.Block, error)
}

// Status 一次就绪判断的结果
type Status struct {
	Ready           bool
	NextSlot        int64
	LastSlot        int64
	LastBlockHeight uint64
}

// ReadinessGate 节点落后太多时拒绝接收新交易
type ReadinessGate struct {
	slots     *Slots
	blocks    LastBlockSource
	threshold int64
	Logger    logs.Logger
}

func NewReadinessGate(s *Slots, blocks LastBlockSource, threshold int64, logger logs.Logger) *ReadinessGate {
	if threshold <= 0 {
		threshold = DefaultNotReadyThreshold
	}
	if logger == nil {
		logger = logs.Default()
	}
	return &ReadinessGate{slots: s, blocks: blocks, threshold: threshold, Logger: logger}
}

// Status 每次请求现算，不缓存
func (g *ReadinessGate) Status() (Status, error) {
	last, err := g.blocks.GetLastBlock()
	if err != nil {
		return Status{}, fmt.Errorf("get last block: %w", err)
	}
	if last == nil {
		return Status{}, fmt.Errorf("get last block: no block")
	}
	st := Status{
		NextSlot:        g.slots.NextSlot(),
		LastSlot:        g.slots.SlotNumber(last.Timestamp),
		LastBlockHeight: last.Height,
	}
	st.Ready = st.NextSlot-st.LastSlot < g.threshold
	return st, nil
}

// Check 未就绪时返回包装了 types.ErrNotReady 的错误
func (g *ReadinessGate) Check() error {
	st, err := g.Status()
	if err != nil {
		g.Logger.Error("[ReadinessGate] %v", err)
		return fmt.Errorf("%w: %v", types.ErrNotReady, err)
	}
	if !st.Ready {
		g.Logger.Error("[ReadinessGate] Blockchain is not ready nextSlot=%d lastSlot=%d lastBlockHeight=%d",
			st.NextSlot, st.LastSlot, st.LastBlockHeight)
		return fmt.Errorf("%w: nextSlot=%d lastSlot=%d", types.ErrNotReady, st.NextSlot, st.LastSlot)
	}
	return nil
}
