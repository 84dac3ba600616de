package sender

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relaynode/config"
	"relaynode/logs"
	"relaynode/stats"
	"relaynode/types"
)

// TaskPriority 任务优先级
type TaskPriority int

const (
	PriorityData    TaskPriority = iota // 数据面：交易、链消息
	PriorityControl                     // 控制面：区块、propose、投票
)

// SendTask 封装一次发送所需的信息
type SendTask struct {
	Target      string // host:port
	Topic       string
	Message     *types.PeerMessage
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time // 任务创建时间，用于检测过期
	NextAttempt time.Time
	SendFunc    func(task *SendTask, client *http.Client) error
	Priority    TaskPriority
}

// SendQueue 负责管理任务队列 + worker
// 双队列：controlChan 放共识相关广播，dataChan 放交易和链消息
type SendQueue struct {
	controlWorkerCount int
	dataWorkerCount    int
	controlChan        chan *SendTask
	dataChan           chan *SendTask
	stopChan           chan struct{}
	stopOnce           sync.Once
	wg                 sync.WaitGroup
	httpClient         *http.Client
	cfg                *config.Config
	Logger             logs.Logger
	InflightMap        map[string]int32 // 目标->在途请求数
	InflightMutex      sync.RWMutex

	delayedTimerBacklog atomic.Int64
	dropControlFull     atomic.Uint64
	dropDataFull        atomic.Uint64
	dropStale           atomic.Uint64
	inflightRequeue     atomic.Uint64
	retryExhausted      atomic.Uint64
	retryExpired        atomic.Uint64
	sendSuccess         atomic.Uint64
	sendError           atomic.Uint64
	sendTimeout         atomic.Uint64
}

// NewSendQueue 创建发送队列，需要调用 Start
func NewSendQueue(httpClient *http.Client, logger logs.Logger, cfg *config.Config) *SendQueue {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logs.Default()
	}
	workerCount := cfg.Sender.WorkerCount
	queueCapacity := cfg.Sender.QueueCapacity

	// 分配 worker：控制面占 1/3，数据面占 2/3，最少各 1 个
	controlWorkers := workerCount / 3
	if controlWorkers < 1 {
		controlWorkers = 1
	}
	dataWorkers := workerCount - controlWorkers
	if dataWorkers < 1 {
		dataWorkers = 1
	}

	controlCapacity := queueCapacity / 4
	if controlCapacity < 64 {
		controlCapacity = 64
	}
	dataCapacity := queueCapacity - controlCapacity
	if dataCapacity < 64 {
		dataCapacity = 64
	}

	return &SendQueue{
		controlWorkerCount: controlWorkers,
		dataWorkerCount:    dataWorkers,
		controlChan:        make(chan *SendTask, controlCapacity),
		dataChan:           make(chan *SendTask, dataCapacity),
		stopChan:           make(chan struct{}),
		httpClient:         httpClient,
		cfg:                cfg,
		Logger:             logger,
		InflightMap:        make(map[string]int32),
	}
}

// Start 启动 worker 协程
func (sq *SendQueue) Start() {
	sq.wg.Add(sq.controlWorkerCount + sq.dataWorkerCount)
	for i := 0; i < sq.controlWorkerCount; i++ {
		go sq.workerLoop(i, sq.controlChan, "control")
	}
	for i := 0; i < sq.dataWorkerCount; i++ {
		go sq.workerLoop(i, sq.dataChan, "data")
	}
	sq.Logger.Verbose("[SendQueue] Started with %d control workers + %d data workers",
		sq.controlWorkerCount, sq.dataWorkerCount)
}

// Stop 停止队列, 等待所有worker退出
func (sq *SendQueue) Stop() {
	sq.stopOnce.Do(func() {
		close(sq.stopChan)
	})
	sq.wg.Wait()
	sq.Logger.Info("[SendQueue] Stopped.")
}

// Enqueue 非阻塞入队，队列满直接丢弃
func (sq *SendQueue) Enqueue(task *SendTask) {
	if task == nil {
		return
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.NextAttempt.IsZero() {
		task.NextAttempt = now
	}
	if task.NextAttempt.After(now) {
		// 未到执行时间：先等到 NextAttempt，再真正入队
		delay := task.NextAttempt.Sub(now)
		sq.delayedTimerBacklog.Add(1)
		go func(t *SendTask, d time.Duration) {
			defer sq.delayedTimerBacklog.Add(-1)
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				sq.enqueueNow(t)
			case <-sq.stopChan:
			}
		}(task, delay)
		return
	}
	sq.enqueueNow(task)
}

func (sq *SendQueue) enqueueNow(task *SendTask) {
	select {
	case <-sq.stopChan:
		return
	default:
	}

	if task.Priority == PriorityControl {
		select {
		case sq.controlChan <- task:
		default:
			sq.dropControlFull.Add(1)
			sq.Logger.Warn("[SendQueue] Control queue FULL, dropping task target=%s topic=%s len=%d",
				task.Target, task.Topic, len(sq.controlChan))
		}
		return
	}

	select {
	case sq.dataChan <- task:
	default:
		sq.dropDataFull.Add(1)
		sq.Logger.Debug("[SendQueue] Data task dropped: queue full len=%d, target=%s topic=%s",
			len(sq.dataChan), task.Target, task.Topic)
	}
}

// workerLoop 逐个获取队列任务并执行
func (sq *SendQueue) workerLoop(workerID int, taskChan chan *SendTask, queueType string) {
	defer sq.wg.Done()

	for {
		select {
		case <-sq.stopChan:
			return
		case task := <-taskChan:
			if task == nil {
				return
			}
			if age := time.Since(task.CreatedAt); age > sq.cfg.Sender.TaskExpire {
				sq.dropStale.Add(1)
				sq.Logger.Debug("[SendQueue][%s] Dropping stale task: age=%v target=%s topic=%s",
					queueType, age, task.Target, task.Topic)
				continue
			}

			if !sq.tryAcquireInflight(task.Target) {
				sq.requeueForTargetOverload(task)
				continue
			}
			err := sq.doSend(task, workerID, queueType)
			sq.releaseInflight(task.Target)

			if err != nil {
				sq.handleRetry(task, err)
			}
		}
	}
}

func (sq *SendQueue) tryAcquireInflight(target string) bool {
	limit := sq.cfg.Sender.MaxInflightPerTarget

	sq.InflightMutex.Lock()
	defer sq.InflightMutex.Unlock()

	current := sq.InflightMap[target]
	if limit > 0 && int(current) >= limit {
		return false
	}
	sq.InflightMap[target] = current + 1
	return true
}

func (sq *SendQueue) releaseInflight(target string) {
	sq.InflightMutex.Lock()
	defer sq.InflightMutex.Unlock()

	sq.InflightMap[target]--
	if sq.InflightMap[target] <= 0 {
		delete(sq.InflightMap, target)
	}
}

func (sq *SendQueue) requeueForTargetOverload(task *SendTask) {
	const delay = 25 * time.Millisecond
	// 轻微抖动，避免大量任务同一时刻回灌
	jitter := time.Duration(float64(delay) * 0.2 * (rand.Float64()*2 - 1))
	task.NextAttempt = time.Now().Add(delay + jitter)
	sq.inflightRequeue.Add(1)
	sq.Enqueue(task)
}

func (sq *SendQueue) doSend(task *SendTask, workerID int, queueType string) error {
	if task.SendFunc == nil {
		return fmt.Errorf("SendFunc is nil, cannot send")
	}

	start := time.Now()
	err := task.SendFunc(task, sq.httpClient)
	elapsed := time.Since(start)

	if err != nil {
		sq.sendError.Add(1)
		if isTimeoutSendError(err) {
			sq.sendTimeout.Add(1)
		}
		sq.Logger.Debug("[SendQueue][%s] worker=%d topic=%s send to %s FAILED after %v: %v",
			queueType, workerID, task.Topic, task.Target, elapsed, err)
	} else {
		sq.sendSuccess.Add(1)
		sq.Logger.Trace("[SendQueue][%s] worker=%d topic=%s send to %s success in %v",
			queueType, workerID, task.Topic, task.Target, elapsed)
	}
	return err
}

// nextBackoff backoff = base * 2^(retry-1) * (1 ± jitter)，上限 MaxRetryDelay
func (sq *SendQueue) nextBackoff(retryCount int) time.Duration {
	cfg := sq.cfg.Sender
	backoff := cfg.BaseRetryDelay * time.Duration(math.Pow(2, float64(retryCount-1)))
	if backoff > cfg.MaxRetryDelay {
		backoff = cfg.MaxRetryDelay
	}
	jitterRange := float64(backoff) * cfg.JitterFactor
	return backoff + time.Duration(jitterRange*(rand.Float64()*2-1))
}

func (sq *SendQueue) handleRetry(task *SendTask, sendErr error) {
	task.RetryCount++

	if task.RetryCount > task.MaxRetries {
		sq.retryExhausted.Add(1)
		sq.Logger.Debug("[SendQueue] Exceed max retries(%d) target=%s topic=%s, giving up: %v",
			task.MaxRetries, task.Target, task.Topic, sendErr)
		return
	}
	if time.Since(task.CreatedAt) > sq.cfg.Sender.TaskExpire {
		sq.retryExpired.Add(1)
		sq.Logger.Debug("[SendQueue] Task expired after %v, giving up retry target=%s topic=%s",
			time.Since(task.CreatedAt), task.Target, task.Topic)
		return
	}

	backoff := sq.nextBackoff(task.RetryCount)
	task.NextAttempt = time.Now().Add(backoff)
	sq.Enqueue(task)
	sq.Logger.Debug("[SendQueue] Retry %d/%d after %v for %s (err=%v)",
		task.RetryCount, task.MaxRetries, backoff, task.Target, sendErr)
}

func isTimeoutSendError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "timeout") || strings.Contains(low, "deadline exceeded")
}

type SendQueueRuntimeStats struct {
	DelayedTimerBacklog int64  `json:"delayedTimerBacklog"`
	DropControlFull     uint64 `json:"dropControlFull"`
	DropDataFull        uint64 `json:"dropDataFull"`
	DropStale           uint64 `json:"dropStale"`
	InflightRequeue     uint64 `json:"inflightRequeue"`
	RetryExhausted      uint64 `json:"retryExhausted"`
	RetryExpired        uint64 `json:"retryExpired"`
	SendSuccess         uint64 `json:"sendSuccess"`
	SendError           uint64 `json:"sendError"`
	SendTimeout         uint64 `json:"sendTimeout"`
}

// QueueLen 返回两个队列的总长度
func (sq *SendQueue) QueueLen() int {
	return len(sq.controlChan) + len(sq.dataChan)
}

// GetChannelStats 返回所有队列的 channel 状态
func (sq *SendQueue) GetChannelStats() []stats.ChannelStat {
	return []stats.ChannelStat{
		stats.NewChannelStat("controlChan", "SendQueue", len(sq.controlChan), cap(sq.controlChan)),
		stats.NewChannelStat("dataChan", "SendQueue", len(sq.dataChan), cap(sq.dataChan)),
	}
}

func (sq *SendQueue) GetRuntimeStats() SendQueueRuntimeStats {
	if sq == nil {
		return SendQueueRuntimeStats{}
	}
	return SendQueueRuntimeStats{
		DelayedTimerBacklog: sq.delayedTimerBacklog.Load(),
		DropControlFull:     sq.dropControlFull.Load(),
		DropDataFull:        sq.dropDataFull.Load(),
		DropStale:           sq.dropStale.Load(),
		InflightRequeue:     sq.inflightRequeue.Load(),
		RetryExhausted:      sq.retryExhausted.Load(),
		RetryExpired:        sq.retryExpired.Load(),
		SendSuccess:         sq.sendSuccess.Load(),
		SendError:           sq.sendError.Load(),
		SendTimeout:         sq.sendTimeout.Load(),
	}
}
