package slots

import "time"

// Slots 时隙计算；区块 timestamp 是相对 epoch 的秒数
type Slots struct {
	epoch    time.Time
	interval time.Duration
	now      func() time.Time
}

func New(epoch time.Time, interval time.Duration) *Slots {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Slots{epoch: epoch, interval: interval, now: time.Now}
}

// WithClock 替换时钟，测试用
func (s *Slots) WithClock(now func() time.Time) *Slots {
	s.now = now
	return s
}

// EpochTime 把绝对时间换算成 epoch 秒
func (s *Slots) EpochTime(t time.Time) int64 {
	return floorDiv(t.Sub(s.epoch).Milliseconds(), 1000)
}

// Now 当前 epoch 秒
func (s *Slots) Now() int64 {
	return s.EpochTime(s.now())
}

// SlotNumber epoch 秒所在的时隙号
func (s *Slots) SlotNumber(epochSeconds int64) int64 {
	return floorDiv(epochSeconds*1000, s.interval.Milliseconds())
}

// NextSlot 当前时隙 + 1
func (s *Slots) NextSlot() int64 {
	return s.SlotNumber(s.Now()) + 1
}

func (s *Slots) Interval() time.Duration {
	return s.interval
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
