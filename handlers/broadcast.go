package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"relaynode/integrity"
	"relaynode/interfaces"
	"relaynode/types"
)

// broadcast 发给所有节点，失败只记日志
func (hm *HandlerManager) broadcast(topic string, msg *types.PeerMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), hm.opts.RequestTimeout)
	defer cancel()
	if err := hm.peer.Publish(ctx, topic, msg); err != nil {
		hm.Logger.Warn("[Transport] broadcast %s failed: %v", topic, err)
	}
}

func encodeBody(v interface{}) (json.RawMessage, error) {
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// OnUnconfirmedTransaction 交易入池后广播到 transactions 话题。
// 对端只订阅了单数的 transaction 话题，transactions 在对端是请求话题，
// 所以这条广播在 HTTP3Peer 上没有订阅者，只有按 transactions 订阅的传输层才会收到。
func (hm *HandlerManager) OnUnconfirmedTransaction(tx *types.Transaction) {
	body, err := encodeBody(map[string]interface{}{"transaction": tx})
	if err != nil {
		hm.Logger.Error("[Transport] encode transaction %s: %v", tx.ID, err)
		return
	}
	hm.broadcast(types.TopicTransactions, &types.PeerMessage{Body: body})
}

// OnNewBlock 新区块连同投票一起广播
func (hm *HandlerManager) OnNewBlock(block *types.Block, votes *types.Votes) {
	body, err := encodeBody(map[string]interface{}{"block": block, "votes": votes})
	if err != nil {
		hm.Logger.Error("[Transport] encode block: %v", err)
		return
	}
	hm.broadcast(types.TopicBlock, &types.PeerMessage{Body: body})
}

// OnNewPropose 提案编码成二进制再 base64 广播
func (hm *HandlerManager) OnNewPropose(propose *types.Propose) {
	encoded, err := types.EncodeProposeString(propose)
	if err != nil {
		hm.Logger.Error("[Transport] encode propose: %v", err)
		return
	}
	body, err := encodeBody(map[string]interface{}{"propose": encoded})
	if err != nil {
		hm.Logger.Error("[Transport] encode propose body: %v", err)
		return
	}
	hm.broadcast(types.TopicPropose, &types.PeerMessage{Body: body})
}

// SendVotes 把投票直接发给指定节点（host:port）
func (hm *HandlerManager) SendVotes(votes *types.Votes, address string) error {
	contact, err := parseContact(address)
	if err != nil {
		return err
	}
	body, err := encodeBody(map[string]interface{}{"votes": votes})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), hm.opts.RequestTimeout)
	defer cancel()
	hm.Logger.Debug("[Transport] send votes to %s (%s)", address, hm.peer.GetIdentity(contact))
	if _, err := hm.peer.Request(ctx, types.TopicVotes, &types.PeerMessage{Body: body}, contact); err != nil {
		hm.Logger.Error("[Transport] send votes error: %v", err)
		return err
	}
	return nil
}

// OnMessage 转发已经带完整性戳的链消息
func (hm *HandlerManager) OnMessage(msg *types.PeerMessage) {
	if msg == nil {
		return
	}
	hm.broadcast(types.TopicChainMessage, &types.PeerMessage{
		Chain:     msg.Chain,
		Timestamp: msg.Timestamp,
		Hash:      msg.Hash,
		Body:      msg.Body,
	})
}

// Message 本地应用链发出的链消息：打时间戳和完整性戳后广播
func (hm *HandlerManager) Message(ctx context.Context, m types.ChainMessage) error {
	if m.Chain == "" {
		return types.ErrMissingChain
	}
	msg, err := hm.stamp(m.Chain, m.Body)
	if err != nil {
		return err
	}
	if err := hm.peer.Publish(ctx, types.TopicChainMessage, msg); err != nil {
		return fmt.Errorf("publish chain message: %w", err)
	}
	return nil
}

// Request 本地应用链发出的链请求：指定了 peer 就定向发送，否则随机挑一个节点
func (hm *HandlerManager) Request(ctx context.Context, req types.ChainRequest) (json.RawMessage, error) {
	if req.Chain == "" {
		return nil, types.ErrMissingChain
	}
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}
	msg, err := hm.stamp(req.Chain, body)
	if err != nil {
		return nil, err
	}

	if req.Body.Peer != "" {
		contact, err := parseContact(req.Body.Peer)
		if err != nil {
			return nil, err
		}
		return hm.peer.Request(ctx, types.TopicChainRequest, msg, contact)
	}
	return hm.peer.RandomRequest(ctx, types.TopicChainRequest, msg)
}

func (hm *HandlerManager) stamp(chain string, body json.RawMessage) (*types.PeerMessage, error) {
	ts := hm.now().UnixMilli()
	hash, err := integrity.Stamp(body, ts)
	if err != nil {
		return nil, fmt.Errorf("stamp chain body: %w", err)
	}
	return &types.PeerMessage{Chain: chain, Timestamp: ts, Hash: hash, Body: body}, nil
}

func parseContact(address string) (interfaces.Contact, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return interfaces.Contact{}, fmt.Errorf("invalid peer address %q: %w", address, err)
	}
	return interfaces.Contact{Host: host, Port: port}, nil
}
