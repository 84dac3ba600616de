package stats

import (
	"sync"
	"time"
)

// 入池任务的耗时指标名
const (
	LatencyIngestWait    = "ingest.wait"    // 提交到出队
	LatencyIngestProcess = "ingest.process" // 出队到得出结果
)

// Stats 传输层计数器：API/话题调用次数 + 入池结果 + 入池耗时
type Stats struct {
	statsLock     sync.RWMutex
	apiCallCounts map[string]uint64
	outcomeCounts map[string]uint64
	latency       *LatencyRecorder
}

func NewStats() *Stats {
	return &Stats{
		apiCallCounts: make(map[string]uint64),
		outcomeCounts: make(map[string]uint64),
		latency:       NewLatencyRecorder(DefaultLatencyWindow),
	}
}

// RecordLatency 记录一次耗时
func (h *Stats) RecordLatency(name string, d time.Duration) {
	if h == nil {
		return
	}
	h.latency.Record(name, d)
}

// GetLatencyStats 各耗时指标的分位数
func (h *Stats) GetLatencyStats() map[string]LatencySummary {
	if h == nil {
		return map[string]LatencySummary{}
	}
	return h.latency.Snapshot()
}

// 记录API调用
func (h *Stats) RecordAPICall(apiName string) {
	if h == nil {
		return
	}
	h.statsLock.Lock()
	defer h.statsLock.Unlock()

	if h.apiCallCounts == nil {
		h.apiCallCounts = make(map[string]uint64)
	}
	h.apiCallCounts[apiName]++
}

// RecordOutcome 记录一条入站数据的最终状态（Admitted / DuplicateRejected ...）
func (h *Stats) RecordOutcome(outcome string) {
	if h == nil {
		return
	}
	h.statsLock.Lock()
	defer h.statsLock.Unlock()

	if h.outcomeCounts == nil {
		h.outcomeCounts = make(map[string]uint64)
	}
	h.outcomeCounts[outcome]++
}

// 获取API调用统计
func (h *Stats) GetAPICallStats() map[string]uint64 {
	h.statsLock.RLock()
	defer h.statsLock.RUnlock()
	return copyCounts(h.apiCallCounts)
}

// GetOutcomeStats 获取入站结果统计
func (h *Stats) GetOutcomeStats() map[string]uint64 {
	h.statsLock.RLock()
	defer h.statsLock.RUnlock()
	return copyCounts(h.outcomeCounts)
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ChannelStat 单个 channel 的状态
type ChannelStat struct {
	Name   string  `json:"name"`   // channel 名称
	Module string  `json:"module"` // 所属模块
	Len    int     `json:"len"`    // 当前长度
	Cap    int     `json:"cap"`    // 容量
	Usage  float64 `json:"usage"`  // 使用率 (len/cap)
}

// NewChannelStat 创建并计算使用率
func NewChannelStat(name, module string, length, capacity int) ChannelStat {
	usage := 0.0
	if capacity > 0 {
		usage = float64(length) / float64(capacity)
	}
	return ChannelStat{
		Name:   name,
		Module: module,
		Len:    length,
		Cap:    capacity,
		Usage:  usage,
	}
}
