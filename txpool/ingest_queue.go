package txpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaynode/cache"
	"relaynode/interfaces"
	"relaynode/logs"
	"relaynode/stats"
	"relaynode/types"
)

var errQueueStopped = errors.New("ingest queue stopped")

// OnAcceptedCallback 交易真正入池之后的回调（广播）
type OnAcceptedCallback func(tx *types.Transaction)

// IngestResult 一个入池任务的结果
type IngestResult struct {
	// Transaction 账本返回的规范交易，失败时为 nil
	Transaction *types.Transaction
	Outcome     types.Outcome
	Err         error
}

type ingestJob struct {
	tx       *types.Transaction
	source   string
	result   chan IngestResult
	queuedAt time.Time
}

// IngestQueue 单 worker 的 FIFO 队列，所有会改动未确认交易集合的操作都在这里串行执行。
// 提交不阻塞；任务一旦出队就一定执行完，调用方超时也不会中断。
type IngestQueue struct {
	mempool    interfaces.Mempool
	processed  *cache.DedupCache
	onAccepted OnAcceptedCallback
	msgChan    chan *ingestJob
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	Logger     logs.Logger
	Stats      *stats.Stats
}

// NewIngestQueue 创建队列，需要调用 Start 才会开始消费
func NewIngestQueue(mempool interfaces.Mempool, processed *cache.DedupCache, size int, logger logs.Logger, st *stats.Stats) *IngestQueue {
	if size <= 0 {
		size = 10000
	}
	if logger == nil {
		logger = logs.Default()
	}
	return &IngestQueue{
		mempool:   mempool,
		processed: processed,
		msgChan:   make(chan *ingestJob, size),
		stopChan:  make(chan struct{}),
		Logger:    logger,
		Stats:     st,
	}
}

// SetOnAccepted 必须在 Start 之前设置
func (q *IngestQueue) SetOnAccepted(fn OnAcceptedCallback) {
	q.onAccepted = fn
}

func (q *IngestQueue) Start() {
	q.wg.Add(1)
	go q.runLoop()
	q.Logger.Info("[IngestQueue] Started, capacity=%d", cap(q.msgChan))
}

func (q *IngestQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopChan)
	})
	q.wg.Wait()
	q.Logger.Info("[IngestQueue] Stopped")
}

// Submit 非阻塞提交；队列满返回 types.ErrQueueFull
func (q *IngestQueue) Submit(tx *types.Transaction, source string) (<-chan IngestResult, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	job := &ingestJob{
		tx:     tx,
		source: source,
		result:   make(chan IngestResult, 1),
		queuedAt: time.Now(),
	}
	select {
	case <-q.stopChan:
		return nil, errQueueStopped
	default:
	}
	select {
	case q.msgChan <- job:
		return job.result, nil
	default:
		return nil, fmt.Errorf("%w (%d/%d)", types.ErrQueueFull, len(q.msgChan), cap(q.msgChan))
	}
}

// Process 提交并等待结果。ctx 结束只影响等待，任务本身照常完成
func (q *IngestQueue) Process(ctx context.Context, tx *types.Transaction, source string) IngestResult {
	ch, err := q.Submit(tx, source)
	if err != nil {
		return IngestResult{Outcome: types.OutcomeIngestFailed, Err: err}
	}
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return IngestResult{Outcome: types.OutcomeIngestFailed, Err: ctx.Err()}
	case <-q.stopChan:
		return IngestResult{Outcome: types.OutcomeIngestFailed, Err: errQueueStopped}
	}
}

func (q *IngestQueue) runLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopChan:
			return
		case job := <-q.msgChan:
			if job == nil {
				continue
			}
			res := q.handleJob(job)
			job.result <- res
		}
	}
}

func (q *IngestQueue) handleJob(job *ingestJob) (res IngestResult) {
	tx := job.tx
	start := time.Now()
	q.Stats.RecordLatency(stats.LatencyIngestWait, start.Sub(job.queuedAt))
	defer func() {
		if r := recover(); r != nil {
			q.Logger.Error("[IngestQueue] panic while receiving tx=%s: %v", tx.ID, r)
			q.processed.Set(tx.ID, true)
			res = IngestResult{Outcome: types.OutcomeIngestFailed, Err: fmt.Errorf("receive transaction: %v", r)}
		}
		q.Stats.RecordOutcome(string(res.Outcome))
		q.Stats.RecordLatency(stats.LatencyIngestProcess, time.Since(start))
	}()

	var (
		accepted []*types.Transaction
		err      error
	)
	if q.mempool.HasUnconfirmed(tx) {
		err = types.ErrAlreadyExists
	} else {
		q.Logger.Debug("[IngestQueue] Received transaction %s from %s", tx.ID, job.source)
		// 出队后不受调用方 ctx 影响
		accepted, err = q.mempool.ReceiveTransactions(context.Background(), []*types.Transaction{tx})
	}

	// 成功失败都记入去重缓存，key 用提交时的 id
	q.processed.Set(tx.ID, true)

	if err != nil {
		if errors.Is(err, types.ErrAlreadyExists) {
			return IngestResult{Outcome: types.OutcomeDuplicateRejected, Err: err}
		}
		q.Logger.Warn("[IngestQueue] Receive invalid transaction, id is %s: %v", tx.ID, err)
		return IngestResult{Outcome: types.OutcomeIngestFailed, Err: err}
	}

	canonical := tx
	if len(accepted) > 0 && accepted[0] != nil {
		canonical = accepted[0]
	}
	if q.onAccepted != nil {
		q.onAccepted(tx)
	}
	return IngestResult{Transaction: canonical, Outcome: types.OutcomeAdmitted}
}

// Len 当前排队长度
func (q *IngestQueue) Len() int {
	return len(q.msgChan)
}

// GetChannelStats 队列 channel 使用情况
func (q *IngestQueue) GetChannelStats() []stats.ChannelStat {
	return []stats.ChannelStat{
		stats.NewChannelStat("msgChan", "IngestQueue", len(q.msgChan), cap(q.msgChan)),
	}
}
