package handlers

import (
	"context"
	"errors"

	"relaynode/blocksync"
	"relaynode/types"
)

// checkReady 未同步时记一次 Rejected
func (hm *HandlerManager) checkReady() error {
	if err := hm.gate.Check(); err != nil {
		hm.Stats.RecordOutcome(string(types.OutcomeRejected))
		return err
	}
	return nil
}

// HandleCommonBlock commonBlock 话题
func (hm *HandlerManager) HandleCommonBlock(ctx context.Context, msg *types.PeerMessage) interface{} {
	var req types.CommonBlockRequest
	if err := jsonAPI.Unmarshal(msg.Body, &req); err != nil {
		return types.CommonBlockResponse{Success: false, Error: "Invalid body"}
	}
	max, err := blocksync.ParseInteger(req.Max)
	if err != nil {
		return types.CommonBlockResponse{Success: false, Error: "Field max must be integer"}
	}
	min, err := blocksync.ParseInteger(req.Min)
	if err != nil {
		return types.CommonBlockResponse{Success: false, Error: "Field min must be integer"}
	}

	common, err := hm.sync.CommonBlock(ctx, min, max, req.IDs)
	switch {
	case err == nil:
		return types.CommonBlockResponse{Success: true, Common: common}
	case errors.Is(err, types.ErrQueryNotFound):
		hm.Logger.Debug("[Transport] common block not found in [%d, %d]", min, max)
		return types.CommonBlockResponse{Success: false, Error: err.Error()}
	default:
		return types.CommonBlockResponse{Success: false, Error: "Failed to find common block"}
	}
}

// HandleBlocks blocks 话题，任何失败都返回空列表
func (hm *HandlerManager) HandleBlocks(ctx context.Context, msg *types.PeerMessage) interface{} {
	var req types.BlocksRequest
	if err := jsonAPI.Unmarshal(msg.Body, &req); err != nil {
		hm.Logger.Debug("[Transport] invalid blocks request: %v", err)
		return types.BlocksResponse{Blocks: []*types.Block{}}
	}
	limit := blocksync.ParseLimit(req.Limit, hm.sync.MaxBlocks())
	return types.BlocksResponse{Blocks: hm.sync.BlocksAfter(ctx, req.LastBlockID, limit)}
}

// HandleVotes votes 话题，转给共识模块后直接回 {}
func (hm *HandlerManager) HandleVotes(ctx context.Context, msg *types.PeerMessage) interface{} {
	var req types.VotesRequest
	if err := jsonAPI.Unmarshal(msg.Body, &req); err != nil {
		hm.Logger.Debug("[Transport] invalid votes request: %v", err)
		return struct{}{}
	}
	if hm.bus != nil {
		hm.bus.ReceiveVotes(req.Votes)
	}
	return struct{}{}
}

// HandleUnconfirmedList transactions 话题
func (hm *HandlerManager) HandleUnconfirmedList(ctx context.Context, msg *types.PeerMessage) interface{} {
	txs := hm.mempool.GetUnconfirmedTransactionList()
	if txs == nil {
		txs = []*types.Transaction{}
	}
	return types.TransactionsResponse{Transactions: txs}
}

// HandleHeight height 话题
func (hm *HandlerManager) HandleHeight(ctx context.Context, msg *types.PeerMessage) interface{} {
	last, err := hm.blocks.GetLastBlock()
	if err != nil || last == nil {
		hm.Logger.Error("[Transport] get last block failed: %v", err)
		return types.Response{Success: false, Error: types.ErrQueryError.Error()}
	}
	return types.HeightResponse{Height: last.Height}
}
