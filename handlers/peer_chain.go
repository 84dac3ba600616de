package handlers

import (
	"context"

	"relaynode/integrity"
	"relaynode/relay"
	"relaynode/types"
)

// verifyEnvelope 检查 chain / timestamp / hash，再按 (body, timestamp) 校验完整性戳
func verifyEnvelope(msg *types.PeerMessage) error {
	if msg.Chain == "" {
		return types.ErrMissingChain
	}
	if msg.Timestamp == 0 || msg.Hash == "" {
		return types.ErrMissingHash
	}
	if !integrity.Verify(msg.Body, msg.Timestamp, msg.Hash) {
		return types.ErrIntegrityMismatch
	}
	return nil
}

// HandleChainRequest chainRequest 话题：校验通过后转给应用链，结果合并进 {success:true}
func (hm *HandlerManager) HandleChainRequest(ctx context.Context, msg *types.PeerMessage) interface{} {
	if err := verifyEnvelope(msg); err != nil {
		hm.Logger.Warn("[Transport] receive invalid chain request from %s: %v", msg.From, err)
		return types.Response{Success: false, Error: err.Error()}
	}

	var query types.ChainQuery
	if err := jsonAPI.Unmarshal(msg.Body, &query); err != nil {
		hm.Logger.Warn("[Transport] receive invalid chain request body: %v", err)
		return types.Response{Success: false, Error: types.ErrInvalidBody.Error()}
	}

	ret, err := hm.relay.Request(ctx, msg.Chain, query.Method, query.Path, query.Body)
	if err != nil {
		hm.Logger.Error("[Transport] failed to process chain request: %v", err)
	}
	return relay.Envelope(ret, err)
}

// HandleChainMessage chainMessage 话题：单向消息，失败只记日志
func (hm *HandlerManager) HandleChainMessage(ctx context.Context, msg *types.PeerMessage) {
	if err := verifyEnvelope(msg); err != nil {
		hm.Logger.Debug("[Transport] receive invalid chain message from %s: %v", msg.From, err)
		return
	}
	if !hm.chainMessages.MarkIfAbsent(msg.Hash) {
		return
	}

	if _, err := hm.relay.Message(ctx, msg.Chain, msg.Body); err != nil {
		hm.Logger.Error("[Transport] failed to process chain message: %v", err)
		return
	}
	if hm.bus != nil {
		hm.bus.Message(msg)
	}
}
