package txpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"relaynode/cache"
	"relaynode/logs"
	"relaynode/stats"
	"relaynode/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingMempool 总是拒绝入池
type failingMempool struct {
	calls int
}

func (m *failingMempool) HasUnconfirmed(tx *types.Transaction) bool { return false }

func (m *failingMempool) ReceiveTransactions(ctx context.Context, txs []*types.Transaction) ([]*types.Transaction, error) {
	m.calls++
	return nil, errors.New("insufficient balance")
}

func (m *failingMempool) GetUnconfirmedTransactionList() []*types.Transaction { return nil }

// blockingMempool 第一次调用阻塞到 release 关闭
type blockingMempool struct {
	*TxPool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (m *blockingMempool) ReceiveTransactions(ctx context.Context, txs []*types.Transaction) ([]*types.Transaction, error) {
	m.once.Do(func() {
		close(m.entered)
		<-m.release
	})
	return m.TxPool.ReceiveTransactions(ctx, txs)
}

func newTestQueue(t *testing.T, pool interface {
	HasUnconfirmed(*types.Transaction) bool
	ReceiveTransactions(context.Context, []*types.Transaction) ([]*types.Transaction, error)
	GetUnconfirmedTransactionList() []*types.Transaction
}, size int) (*IngestQueue, *cache.DedupCache) {
	t.Helper()
	processed, err := cache.NewDedupCache("processedTrs", 100)
	require.NoError(t, err)
	q := NewIngestQueue(pool, processed, size, logs.NewWriterLogger("test", testWriter{t}), stats.NewStats())
	return q, processed
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testTx(id string) *types.Transaction {
	return &types.Transaction{ID: id, SenderPublicKey: "aa", Signature: "bb"}
}

func TestIngestQueue_ConcurrentDuplicateAdmittedOnce(t *testing.T) {
	pool, err := NewTxPool(100, nil, nil, logs.Default())
	require.NoError(t, err)
	q, processed := newTestQueue(t, pool, 16)

	var (
		broadcastMu sync.Mutex
		broadcasts  []string
	)
	q.SetOnAccepted(func(tx *types.Transaction) {
		broadcastMu.Lock()
		broadcasts = append(broadcasts, tx.ID)
		broadcastMu.Unlock()
	})
	q.Start()
	defer q.Stop()

	const n = 8
	results := make([]IngestResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Process(context.Background(), testTx("T1"), "test")
		}(i)
	}
	wg.Wait()

	admitted, duplicates := 0, 0
	for _, r := range results {
		switch r.Outcome {
		case types.OutcomeAdmitted:
			admitted++
		case types.OutcomeDuplicateRejected:
			duplicates++
			assert.ErrorIs(t, r.Err, types.ErrAlreadyExists)
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, n-1, duplicates)
	assert.Equal(t, []string{"T1"}, broadcasts)
	assert.True(t, processed.Has("T1"))
	assert.Equal(t, 1, pool.PendingLen())
}

func TestIngestQueue_FailureStillMarksProcessed(t *testing.T) {
	mp := &failingMempool{}
	q, processed := newTestQueue(t, mp, 4)
	accepted := 0
	q.SetOnAccepted(func(tx *types.Transaction) { accepted++ })
	q.Start()
	defer q.Stop()

	res := q.Process(context.Background(), testTx("bad"), "test")
	assert.Equal(t, types.OutcomeIngestFailed, res.Outcome)
	assert.EqualError(t, res.Err, "insufficient balance")
	assert.True(t, processed.Has("bad"))
	assert.Equal(t, 0, accepted)
	assert.Equal(t, 1, mp.calls)
}

func TestIngestQueue_RecordsJobLatency(t *testing.T) {
	pool, err := NewTxPool(100, nil, nil, logs.Default())
	require.NoError(t, err)
	q, _ := newTestQueue(t, pool, 4)
	q.Start()
	defer q.Stop()

	q.Process(context.Background(), testTx("t1"), "test")
	q.Process(context.Background(), testTx("t1"), "test")

	lat := q.Stats.GetLatencyStats()
	assert.Equal(t, uint64(2), lat[stats.LatencyIngestWait].Count)
	assert.Equal(t, uint64(2), lat[stats.LatencyIngestProcess].Count)
	assert.GreaterOrEqual(t, lat[stats.LatencyIngestProcess].Max, 0.0)
}

func TestIngestQueue_QueueFull(t *testing.T) {
	pool, err := NewTxPool(100, nil, nil, logs.Default())
	require.NoError(t, err)
	q, _ := newTestQueue(t, pool, 2)

	// 不启动 worker，队列只进不出
	for i := 0; i < 2; i++ {
		_, err := q.Submit(testTx(fmt.Sprintf("t%d", i)), "test")
		require.NoError(t, err)
	}
	_, err = q.Submit(testTx("overflow"), "test")
	assert.ErrorIs(t, err, types.ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	st := q.GetChannelStats()
	require.Len(t, st, 1)
	assert.Equal(t, 1.0, st[0].Usage)
}

func TestIngestQueue_CallerTimeoutDoesNotAbortJob(t *testing.T) {
	inner, err := NewTxPool(100, nil, nil, logs.Default())
	require.NoError(t, err)
	mp := &blockingMempool{TxPool: inner, entered: make(chan struct{}), release: make(chan struct{})}
	q, processed := newTestQueue(t, mp, 4)
	done := make(chan string, 1)
	q.SetOnAccepted(func(tx *types.Transaction) { done <- tx.ID })
	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan IngestResult, 1)
	go func() { resCh <- q.Process(ctx, testTx("slow"), "test") }()

	<-mp.entered
	cancel()
	res := <-resCh
	assert.ErrorIs(t, res.Err, context.Canceled)

	close(mp.release)
	select {
	case id := <-done:
		assert.Equal(t, "slow", id)
	case <-time.After(2 * time.Second):
		t.Fatal("queued job was not completed")
	}
	assert.Eventually(t, func() bool { return processed.Has("slow") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, inner.PendingLen())
}

func TestIngestQueue_SubmitAfterStop(t *testing.T) {
	pool, err := NewTxPool(100, nil, nil, logs.Default())
	require.NoError(t, err)
	q, _ := newTestQueue(t, pool, 2)
	q.Start()
	q.Stop()

	_, err = q.Submit(testTx("late"), "test")
	assert.Error(t, err)
}

func TestTxPool_RemoveConfirmedKeepsOrder(t *testing.T) {
	pool, err := NewTxPool(10, nil, nil, logs.Default())
	require.NoError(t, err)

	_, err = pool.ReceiveTransactions(context.Background(), []*types.Transaction{testTx("a"), testTx("b"), testTx("c")})
	require.NoError(t, err)

	_, err = pool.ReceiveTransactions(context.Background(), []*types.Transaction{testTx("b")})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)

	pool.RemoveConfirmed(&types.Block{Transactions: []*types.Transaction{testTx("b")}})

	var ids []string
	for _, tx := range pool.GetUnconfirmedTransactionList() {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
	assert.False(t, pool.HasUnconfirmed(testTx("b")))
}

// memPending 内存版 PendingStore
type memPending struct {
	mu   sync.Mutex
	txs  []*types.Transaction
	rows map[string]bool
}

func newMemPending(txs ...*types.Transaction) *memPending {
	m := &memPending{rows: make(map[string]bool)}
	for _, tx := range txs {
		m.txs = append(m.txs, tx)
		m.rows[tx.ID] = true
	}
	return m
}

func (m *memPending) SavePendingTx(tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[tx.ID] = true
	return nil
}

func (m *memPending) DeletePendingTx(txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, txID)
	return nil
}

func (m *memPending) LoadPendingTxs() ([]*types.Transaction, error) {
	return m.txs, nil
}

func TestTxPool_FullRejectsWithoutEvicting(t *testing.T) {
	store := newMemPending()
	pool, err := NewTxPool(2, nil, store, logs.Default())
	require.NoError(t, err)

	_, err = pool.ReceiveTransactions(context.Background(), []*types.Transaction{testTx("a"), testTx("b")})
	require.NoError(t, err)

	_, err = pool.ReceiveTransactions(context.Background(), []*types.Transaction{testTx("c")})
	assert.ErrorIs(t, err, types.ErrPoolFull)

	// 最早的交易还在，持久化记录也没变
	assert.True(t, pool.HasUnconfirmed(testTx("a")))
	assert.False(t, pool.HasUnconfirmed(testTx("c")))
	assert.Equal(t, map[string]bool{"a": true, "b": true}, store.rows)

	pool.RemoveConfirmed(&types.Block{Transactions: []*types.Transaction{testTx("a")}})
	_, err = pool.ReceiveTransactions(context.Background(), []*types.Transaction{testTx("c")})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"b": true, "c": true}, store.rows)
}

func TestTxPool_RestoreBeyondCapacityDropsRows(t *testing.T) {
	store := newMemPending(testTx("a"), testTx("b"), testTx("c"))
	pool, err := NewTxPool(2, nil, store, logs.Default())
	require.NoError(t, err)

	assert.Equal(t, 2, pool.PendingLen())
	assert.False(t, pool.HasUnconfirmed(testTx("c")))
	assert.Equal(t, map[string]bool{"a": true, "b": true}, store.rows)
}

func TestIngestQueue_PoolFullIsIngestFailure(t *testing.T) {
	pool, err := NewTxPool(1, nil, nil, logs.Default())
	require.NoError(t, err)
	q, processed := newTestQueue(t, pool, 4)
	q.Start()
	defer q.Stop()

	assert.Equal(t, types.OutcomeAdmitted, q.Process(context.Background(), testTx("a"), "test").Outcome)
	res := q.Process(context.Background(), testTx("b"), "test")
	assert.Equal(t, types.OutcomeIngestFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, types.ErrPoolFull)
	assert.True(t, processed.Has("b"))
	assert.True(t, pool.HasUnconfirmed(testTx("a")))
}
