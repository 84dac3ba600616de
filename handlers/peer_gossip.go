package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"relaynode/types"
)

// HandleBlockGossip block 话题：规范化失败直接丢弃
func (hm *HandlerManager) HandleBlockGossip(ctx context.Context, msg *types.PeerMessage) {
	var body types.BlockGossip
	if err := jsonAPI.Unmarshal(msg.Body, &body); err != nil {
		hm.Logger.Verbose("[Transport] invalid block gossip from %s: %v", msg.From, err)
		return
	}
	block, err := hm.normalizer.NormalizeBlock(body.Block)
	if err != nil {
		hm.Logger.Verbose("[Transport] normalize block object error: %v", err)
		return
	}
	votes, err := hm.normalizer.NormalizeVotes(body.Votes)
	if err != nil {
		hm.Logger.Verbose("[Transport] normalize votes object error: %v", err)
		return
	}
	if hm.bus != nil {
		hm.bus.ReceiveBlock(block, votes)
	}
}

// HandleProposeGossip propose 话题：可能是 base64 二进制，也可能是 JSON 对象，都要过 schema
func (hm *HandlerManager) HandleProposeGossip(ctx context.Context, msg *types.PeerMessage) {
	var body types.ProposeGossip
	if err := jsonAPI.Unmarshal(msg.Body, &body); err != nil {
		hm.Logger.Error("[Transport] Received propose is invalid: %v", err)
		return
	}
	fields, err := decodeProposeFields(body.Propose)
	if err != nil {
		hm.Logger.Error("[Transport] Received propose is invalid: %v", err)
		return
	}
	propose, err := types.ValidatePropose(fields, hm.opts.MaxProposeIDLength)
	if err != nil {
		hm.Logger.Error("[Transport] Received propose is invalid: %v", err)
		return
	}
	if hm.bus != nil {
		hm.bus.ReceivePropose(propose)
	}
}

func decodeProposeFields(raw json.RawMessage) (map[string]interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing propose", types.ErrSchemaViolation)
	}
	if raw[0] == '"' {
		var encoded string
		if err := jsonAPI.Unmarshal(raw, &encoded); err != nil {
			return nil, err
		}
		b, err := types.DecodeBase64(encoded)
		if err != nil {
			return nil, err
		}
		return types.DecodeProposeFields(b)
	}
	var fields map[string]interface{}
	if err := numberAPI.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSchemaViolation, err)
	}
	return fields, nil
}

// HandleTransactionGossip transaction 话题：与本地提交走同一套 readiness / 去重 / 入池流程，只是没有响应
func (hm *HandlerManager) HandleTransactionGossip(ctx context.Context, msg *types.PeerMessage) {
	if err := hm.checkReady(); err != nil {
		return
	}

	var body types.TransactionGossip
	if err := jsonAPI.Unmarshal(msg.Body, &body); err != nil {
		hm.Logger.Error("[Transport] Received transaction parse error: %v", err)
		hm.Stats.RecordOutcome(string(types.OutcomeNormalizationFailed))
		return
	}
	raw, err := transactionJSON(body.Transaction)
	if err != nil {
		hm.Logger.Error("[Transport] Received transaction parse error: %v", err)
		hm.Stats.RecordOutcome(string(types.OutcomeNormalizationFailed))
		return
	}
	tx, err := hm.normalizer.NormalizeTransaction(raw)
	if err != nil {
		hm.Logger.Error("[Transport] Received transaction parse error: %v", err)
		hm.Stats.RecordOutcome(string(types.OutcomeNormalizationFailed))
		return
	}

	if hm.processedTrs.Has(tx.ID) {
		hm.Stats.RecordOutcome(string(types.OutcomeDuplicateRejected))
		return
	}

	res := hm.ingest.Process(ctx, tx, "peer "+msg.From)
	if res.Err != nil {
		hm.Logger.Debug("[Transport] transaction %s from peer not admitted: %v", tx.ID, res.Err)
	}
}

// transactionJSON base64 编码的二进制先转成 JSON，统一交给 Normalizer
func transactionJSON(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}
	var encoded string
	if err := jsonAPI.Unmarshal(raw, &encoded); err != nil {
		return nil, err
	}
	b, err := types.DecodeBase64(encoded)
	if err != nil {
		return nil, err
	}
	tx, err := types.DecodeTransaction(b)
	if err != nil {
		return nil, err
	}
	return jsonAPI.Marshal(tx)
}
