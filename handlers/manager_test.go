package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"relaynode/blocksync"
	"relaynode/cache"
	"relaynode/integrity"
	"relaynode/interfaces"
	"relaynode/logs"
	"relaynode/relay"
	"relaynode/stats"
	"relaynode/txpool"
	"relaynode/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMagic = "594fe0f3"

type published struct {
	topic string
	msg   *types.PeerMessage
}

type fakePeer struct {
	mu        sync.Mutex
	handlers  map[string]interfaces.RequestHandler
	subs      map[string]interfaces.MessageHandler
	published []published
	requests  []published
	targets   []interfaces.Contact
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		handlers: make(map[string]interfaces.RequestHandler),
		subs:     make(map[string]interfaces.MessageHandler),
	}
}

func (p *fakePeer) Handle(topic string, fn interfaces.RequestHandler)    { p.handlers[topic] = fn }
func (p *fakePeer) Subscribe(topic string, fn interfaces.MessageHandler) { p.subs[topic] = fn }

func (p *fakePeer) Publish(ctx context.Context, topic string, msg *types.PeerMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, published{topic, msg})
	return nil
}

func (p *fakePeer) Request(ctx context.Context, topic string, msg *types.PeerMessage, target interfaces.Contact) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, published{topic, msg})
	p.targets = append(p.targets, target)
	return json.RawMessage(`{"success":true}`), nil
}

func (p *fakePeer) RandomRequest(ctx context.Context, topic string, msg *types.PeerMessage) (json.RawMessage, error) {
	return p.Request(ctx, topic, msg, interfaces.Contact{})
}

func (p *fakePeer) GetIdentity(c interfaces.Contact) string { return c.Host + ":" + c.Port }

func (p *fakePeer) publishedOn(topic string) []*types.PeerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*types.PeerMessage
	for _, m := range p.published {
		if m.topic == topic {
			out = append(out, m.msg)
		}
	}
	return out
}

type fakeBus struct {
	mu       sync.Mutex
	votes    []json.RawMessage
	blocks   []*types.Block
	proposes []*types.Propose
	messages []*types.PeerMessage
}

func (b *fakeBus) ReceiveVotes(v json.RawMessage) {
	b.mu.Lock()
	b.votes = append(b.votes, v)
	b.mu.Unlock()
}

func (b *fakeBus) ReceiveBlock(blk *types.Block, v *types.Votes) {
	b.mu.Lock()
	b.blocks = append(b.blocks, blk)
	b.mu.Unlock()
}
func (b *fakeBus) ReceivePropose(p *types.Propose) {
	b.mu.Lock()
	b.proposes = append(b.proposes, p)
	b.mu.Unlock()
}
func (b *fakeBus) Message(m *types.PeerMessage) {
	b.mu.Lock()
	b.messages = append(b.messages, m)
	b.mu.Unlock()
}

type fakeSystem struct{}

func (fakeSystem) GetOS() string      { return "linux" }
func (fakeSystem) GetVersion() string { return "1.0.0" }
func (fakeSystem) GetPort() int       { return 7000 }
func (fakeSystem) GetMagic() string   { return testMagic }

type fakeGate struct{ err error }

func (g *fakeGate) Check() error { return g.err }

type memStore struct {
	blocks []*types.Block
}

func (s *memStore) GetLastBlock() (*types.Block, error) { return s.blocks[len(s.blocks)-1], nil }
func (s *memStore) GetBlockByID(ctx context.Context, id string) (*types.Block, error) {
	for _, b := range s.blocks {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, nil
}
func (s *memStore) GetBlocksByHeightRange(ctx context.Context, min, max uint64) ([]*types.Block, error) {
	var out []*types.Block
	for _, b := range s.blocks {
		if b.Height >= min && b.Height <= max {
			out = append(out, b)
		}
	}
	return out, nil
}
func (s *memStore) GetTransactionsByHeightRange(ctx context.Context, min, max uint64) ([]*types.Transaction, error) {
	return nil, nil
}

type echoChain struct{}

func (echoChain) Request(ctx context.Context, method, path string, query json.RawMessage) (map[string]interface{}, error) {
	ret := map[string]interface{}{"path": path}
	if len(query) > 0 {
		ret["body"] = string(query)
	}
	return ret, nil
}
func (echoChain) Message(ctx context.Context, body json.RawMessage) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

type testNode struct {
	hm     *HandlerManager
	peer   *fakePeer
	bus    *fakeBus
	gate   *fakeGate
	pool   *txpool.TxPool
	ingest *txpool.IngestQueue
	mux    *http.ServeMux
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	logger := logs.Default()
	st := stats.NewStats()

	store := &memStore{}
	for h := 0; h <= 5; h++ {
		store.blocks = append(store.blocks, &types.Block{ID: fmt.Sprintf("b%d", h), Height: uint64(h), GeneratorPublicKey: "aa"})
	}
	pool, err := txpool.NewTxPool(100, nil, nil, logger)
	require.NoError(t, err)
	processed, err := cache.NewDedupCache("processedTrs", 100)
	require.NoError(t, err)
	chainMsgs, err := cache.NewDedupCache("chainMessages", 100)
	require.NoError(t, err)
	ingest := txpool.NewIngestQueue(pool, processed, 16, logger, st)

	rl := relay.NewChainRelay(logger)
	require.NoError(t, rl.Register("dapp", echoChain{}))

	n := &testNode{peer: newFakePeer(), bus: &fakeBus{}, gate: &fakeGate{}, pool: pool, ingest: ingest}
	n.hm, err = NewHandlerManager(Deps{
		Peer:          n.peer,
		Bus:           n.bus,
		Blocks:        store,
		Mempool:       pool,
		System:        fakeSystem{},
		Gate:          n.gate,
		Sync:          blocksync.NewEngine(store, 200, logger),
		Relay:         rl,
		Ingest:        ingest,
		ProcessedTrs:  processed,
		ChainMessages: chainMsgs,
		Stats:         st,
		Logger:        logger,
	}, Options{RequestTimeout: time.Second})
	require.NoError(t, err)

	ingest.Start()
	t.Cleanup(n.hm.Stop)

	n.hm.RegisterPeerHandlers()
	n.hm.OnBlockchainReady()
	n.mux = http.NewServeMux()
	n.hm.RegisterRoutes(n.mux)
	return n
}

func (n *testNode) submit(t *testing.T, body string, magic string) (int, types.SubmitResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/peer/transactions", bytes.NewBufferString(body))
	req.Header.Set("magic", magic)
	rec := httptest.NewRecorder()
	n.mux.ServeHTTP(rec, req)
	var resp types.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

const txT1 = `{"transaction":{"id":"T1","type":0,"timestamp":1,"senderPublicKey":"aa","signature":"bb","fee":"0.1"}}`

func TestSubmitTransaction_EndToEnd(t *testing.T) {
	n := newTestNode(t)

	code, resp := n.submit(t, txT1, testMagic)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, "T1", resp.TransactionID)

	msgs := n.peer.publishedOn(types.TopicTransactions)
	require.Len(t, msgs, 1)
	var body struct {
		Transaction types.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Body, &body))
	assert.Equal(t, "T1", body.Transaction.ID)

	code, resp = n.submit(t, txT1, testMagic)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Already processed")
	assert.Len(t, n.peer.publishedOn(types.TopicTransactions), 1)
}

func TestStatsReportsIngestLatency(t *testing.T) {
	n := newTestNode(t)
	code, _ := n.submit(t, txT1, testMagic)
	require.Equal(t, http.StatusOK, code)

	rec := httptest.NewRecorder()
	n.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peer/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(1), resp.Latency[stats.LatencyIngestProcess].Count)
	assert.Equal(t, uint64(1), resp.Latency[stats.LatencyIngestWait].Count)
	assert.Equal(t, uint64(1), resp.Outcomes[string(types.OutcomeAdmitted)])
}

func TestSubmitTransaction_Rejections(t *testing.T) {
	n := newTestNode(t)

	code, resp := n.submit(t, txT1, "wrongnet")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, testMagic, resp.Expected)
	assert.Equal(t, "wrongnet", resp.Received)

	code, resp = n.submit(t, `{"transaction":{"id":""}}`, testMagic)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Invalid transaction body", resp.Error)

	code, resp = n.submit(t, `garbage`, testMagic)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Success)

	n.gate.err = types.ErrNotReady
	code, resp = n.submit(t, txT1, testMagic)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Blockchain is not ready", resp.Error)
	assert.Empty(t, n.peer.publishedOn(types.TopicTransactions))
	assert.Equal(t, 0, n.pool.PendingLen())
}

func TestLocalRoutes_LoadingAndNotFound(t *testing.T) {
	n := newTestNode(t)

	rec := httptest.NewRecorder()
	n.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peer/nothing", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "API endpoint not found")

	rec = httptest.NewRecorder()
	n.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peer/transactions", nil))
	assert.Contains(t, rec.Body.String(), "API endpoint not found")

	rec = httptest.NewRecorder()
	n.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peer/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	n.hm.Cleanup()
	rec = httptest.NewRecorder()
	n.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/peer/transactions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTransactionGossip_SharedPipeline(t *testing.T) {
	n := newTestNode(t)
	sub := n.peer.subs[types.TopicTransaction]
	require.NotNil(t, sub)

	msg := &types.PeerMessage{Body: json.RawMessage(`{"transaction":{"id":"P1","senderPublicKey":"aa","signature":"bb"}}`), From: "10.0.0.2:7000"}
	sub(context.Background(), msg)
	sub(context.Background(), msg)

	assert.Equal(t, 1, n.pool.PendingLen())
	assert.Len(t, n.peer.publishedOn(types.TopicTransactions), 1)

	// base64 编码的二进制交易
	raw, err := types.EncodeTransaction(&types.Transaction{ID: "P2", SenderPublicKey: "aa", Signature: "bb"})
	require.NoError(t, err)
	encoded, err := json.Marshal(map[string]string{"transaction": base64.StdEncoding.EncodeToString(raw)})
	require.NoError(t, err)
	sub(context.Background(), &types.PeerMessage{Body: encoded})
	assert.Equal(t, 2, n.pool.PendingLen())

	n.gate.err = types.ErrNotReady
	sub(context.Background(), &types.PeerMessage{Body: json.RawMessage(`{"transaction":{"id":"P3","senderPublicKey":"aa","signature":"bb"}}`)})
	assert.Equal(t, 2, n.pool.PendingLen())
}

func signedPropose(t *testing.T) *types.Propose {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	hash := bytes.Repeat([]byte{7}, 32)
	sig, err := schnorr.Sign(priv, hash)
	require.NoError(t, err)
	return &types.Propose{
		Height:             6,
		ID:                 "b6",
		Timestamp:          60,
		GeneratorPublicKey: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		Address:            "A1",
		Hash:               hex.EncodeToString(hash),
		Signature:          hex.EncodeToString(sig.Serialize()),
	}
}

func TestProposeGossip(t *testing.T) {
	n := newTestNode(t)
	sub := n.peer.subs[types.TopicPropose]

	p := signedPropose(t)
	n.hm.OnNewPropose(p)
	out := n.peer.publishedOn(types.TopicPropose)
	require.Len(t, out, 1)

	// 自己广播出去的 base64 提案能被对端接受
	sub(context.Background(), out[0])
	require.Len(t, n.bus.proposes, 1)
	assert.Equal(t, p, n.bus.proposes[0])

	// 缺 signature 的提案被丢弃，不 panic 也不转发
	missing := fmt.Sprintf(`{"propose":{"height":6,"id":"b6","timestamp":60,"generatorPublicKey":"%s","address":"A1","hash":"%s"}}`,
		p.GeneratorPublicKey, p.Hash)
	assert.NotPanics(t, func() {
		sub(context.Background(), &types.PeerMessage{Body: json.RawMessage(missing)})
	})
	assert.Len(t, n.bus.proposes, 1)

	// JSON 对象形式
	obj, err := json.Marshal(map[string]interface{}{"propose": p})
	require.NoError(t, err)
	sub(context.Background(), &types.PeerMessage{Body: obj})
	assert.Len(t, n.bus.proposes, 2)
}

func TestBlockGossip(t *testing.T) {
	n := newTestNode(t)
	sub := n.peer.subs[types.TopicBlock]

	n.hm.OnNewBlock(&types.Block{ID: "b6", Height: 6, GeneratorPublicKey: "aa"},
		&types.Votes{Height: 6, ID: "b6", Signatures: []types.VoteSignature{{PublicKey: "aa", Signature: "bb"}}})
	out := n.peer.publishedOn(types.TopicBlock)
	require.Len(t, out, 1)

	sub(context.Background(), out[0])
	require.Len(t, n.bus.blocks, 1)
	assert.Equal(t, "b6", n.bus.blocks[0].ID)

	sub(context.Background(), &types.PeerMessage{Body: json.RawMessage(`{"block":{"id":""},"votes":null}`)})
	assert.Len(t, n.bus.blocks, 1)
}

func TestSyncHandlers(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	resp := n.peer.handlers[types.TopicCommonBlock](ctx, &types.PeerMessage{Body: json.RawMessage(`{"max":5,"min":3,"ids":["b5","b4","b3"]}`)})
	cb := resp.(types.CommonBlockResponse)
	require.True(t, cb.Success)
	assert.Equal(t, "b5", cb.Common.ID)

	resp = n.peer.handlers[types.TopicCommonBlock](ctx, &types.PeerMessage{Body: json.RawMessage(`{"max":"5","min":3,"ids":[]}`)})
	assert.Equal(t, "Field max must be integer", resp.(types.CommonBlockResponse).Error)

	resp = n.peer.handlers[types.TopicBlocks](ctx, &types.PeerMessage{Body: json.RawMessage(`{"lastBlockId":"unknown"}`)})
	assert.NotNil(t, resp.(types.BlocksResponse).Blocks)
	assert.Empty(t, resp.(types.BlocksResponse).Blocks)

	resp = n.peer.handlers[types.TopicBlocks](ctx, &types.PeerMessage{Body: json.RawMessage(`{"lastBlockId":"b2","limit":2}`)})
	assert.Len(t, resp.(types.BlocksResponse).Blocks, 2)

	resp = n.peer.handlers[types.TopicHeight](ctx, &types.PeerMessage{})
	assert.Equal(t, uint64(5), resp.(types.HeightResponse).Height)

	resp = n.peer.handlers[types.TopicVotes](ctx, &types.PeerMessage{Body: json.RawMessage(`{"votes":{"height":5}}`)})
	assert.Equal(t, struct{}{}, resp)
	assert.Len(t, n.bus.votes, 1)

	resp = n.peer.handlers[types.TopicTransactions](ctx, &types.PeerMessage{})
	assert.NotNil(t, resp.(types.TransactionsResponse).Transactions)
}

func TestChainRequestAndMessage(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	body := json.RawMessage(`{"method":"get","path":"/balance","body":{"limit":10}}`)
	ts := int64(1700000000000)
	hash, err := integrity.Stamp(body, ts)
	require.NoError(t, err)

	resp := n.peer.handlers[types.TopicChainRequest](ctx, &types.PeerMessage{Chain: "dapp", Timestamp: ts, Hash: hash, Body: body})
	env := resp.(map[string]interface{})
	assert.Equal(t, true, env["success"])
	assert.Equal(t, "/balance", env["path"])
	assert.JSONEq(t, `{"limit":10}`, env["body"].(string))

	resp = n.peer.handlers[types.TopicChainRequest](ctx, &types.PeerMessage{Chain: "dapp", Timestamp: ts + 1, Hash: hash, Body: body})
	assert.Equal(t, types.ErrIntegrityMismatch.Error(), resp.(types.Response).Error)

	resp = n.peer.handlers[types.TopicChainRequest](ctx, &types.PeerMessage{Chain: "other", Timestamp: ts, Hash: hash, Body: body})
	assert.Equal(t, false, resp.(map[string]interface{})["success"])

	resp = n.peer.handlers[types.TopicChainRequest](ctx, &types.PeerMessage{Timestamp: ts, Hash: hash, Body: body})
	assert.Equal(t, types.ErrMissingChain.Error(), resp.(types.Response).Error)

	sub := n.peer.subs[types.TopicChainMessage]
	msg := &types.PeerMessage{Chain: "dapp", Timestamp: ts, Hash: hash, Body: body}
	sub(ctx, msg)
	sub(ctx, msg)
	assert.Len(t, n.bus.messages, 1)

	tampered := &types.PeerMessage{Chain: "dapp", Timestamp: ts, Hash: hash, Body: json.RawMessage(`{"method":"post","path":"/balance"}`)}
	sub(ctx, tampered)
	assert.Len(t, n.bus.messages, 1)
}

func TestLocalChainTraffic(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.hm.Message(ctx, types.ChainMessage{Chain: "dapp", Body: json.RawMessage(`{"x":1}`)}))
	out := n.peer.publishedOn(types.TopicChainMessage)
	require.Len(t, out, 1)
	assert.True(t, integrity.Verify(out[0].Body, out[0].Timestamp, out[0].Hash))
	assert.ErrorIs(t, n.hm.Message(ctx, types.ChainMessage{}), types.ErrMissingChain)

	_, err := n.hm.Request(ctx, types.ChainRequest{Chain: "dapp", Body: types.ChainQuery{Method: "get", Path: "/x", Peer: "10.0.0.3:7000"}})
	require.NoError(t, err)
	require.Len(t, n.peer.targets, 1)
	assert.Equal(t, interfaces.Contact{Host: "10.0.0.3", Port: "7000"}, n.peer.targets[0])

	// 对端收到后校验通过
	req := n.peer.requests[0].msg
	resp := n.peer.handlers[types.TopicChainRequest](ctx, req)
	assert.Equal(t, true, resp.(map[string]interface{})["success"])

	require.NoError(t, n.hm.SendVotes(&types.Votes{Height: 5, ID: "b5"}, "10.0.0.4:7000"))
	assert.Error(t, n.hm.SendVotes(&types.Votes{}, "no-port"))
}

func TestPeerHandler_PanicIsContained(t *testing.T) {
	n := newTestNode(t)
	h := n.hm.safeRequest("boom", func(ctx context.Context, msg *types.PeerMessage) interface{} {
		panic(errors.New("nil pointer"))
	})
	resp := h(context.Background(), nil)
	assert.Equal(t, types.Response{Success: false, Error: "Internal error"}, resp)
}
