package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/config"
)

// ewmaAlpha weights the newest flush-cost sample.
const ewmaAlpha = 0.2

type increment struct {
	name   string
	labels []string
	delta  float64
}

// Batcher coalesces hot counter increments and applies them from a single
// goroutine. Increments merge per series as they arrive, so a flush fires
// when the distinct (name, label tuple) count reaches the threshold, not
// when raw enqueues do. The flush target adapts to observed flush cost
// between the configured min and max batch sizes. When the queue is full
// the increment is applied inline, or dropped if shed mode is on and the
// metric is sheddable.
type Batcher struct {
	reg       *Registry
	ch        chan increment
	quit      chan struct{}
	wg        sync.WaitGroup
	interval  time.Duration
	minBatch  int
	maxBatch  int
	threshold int
	target    atomic.Int64
	shed      bool
	direct    bool
	closed    atomic.Bool
	ewma      float64
}

// NewBatcher starts the flush loop. With batching disabled in config the
// returned batcher applies increments directly and runs no goroutine.
func NewBatcher(reg *Registry, cfg config.BatchSection) *Batcher {
	b := &Batcher{
		reg:       reg,
		interval:  time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
		minBatch:  cfg.MinBatch,
		maxBatch:  cfg.MaxBatch,
		threshold: cfg.FlushThreshold,
		shed:      cfg.Shed,
	}
	if cfg.Enabled != nil && !*cfg.Enabled {
		b.direct = true
		return b
	}
	b.ch = make(chan increment, cfg.QueueSize)
	b.quit = make(chan struct{})
	b.target.Store(int64(cfg.MinBatch))
	reg.Gauge(MBatchTarget).Set(float64(cfg.MinBatch))
	b.wg.Add(1)
	go b.loop()
	return b
}

// Inc adds one to a batched counter.
func (b *Batcher) Inc(name string, labels ...string) { b.Add(1, name, labels...) }

// Add enqueues a counter increment.
func (b *Batcher) Add(delta float64, name string, labels ...string) {
	if b.direct || b.closed.Load() {
		b.reg.Counter(name, labels...).Add(delta)
		return
	}
	inc := increment{name: name, labels: labels, delta: delta}
	select {
	case b.ch <- inc:
	default:
		b.reg.Counter(MBatchBackpressure).Inc()
		if b.shed {
			if spec, ok := b.reg.Spec(name); ok && spec.Sheddable {
				b.reg.Counter(MBatchShed).Inc()
				return
			}
		}
		b.reg.Counter(MBatchFallthrough).Inc()
		b.reg.Counter(name, labels...).Add(delta)
	}
}

// Close stops the loop after draining the queue.
func (b *Batcher) Close() {
	if b.direct || !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.quit)
	b.wg.Wait()
}

// batchBuffer merges queued increments per series so the loop can count
// distinct keys cheaply.
type batchBuffer struct {
	merged map[string]*increment
	incs   int
}

func newBatchBuffer(sizeHint int) *batchBuffer {
	return &batchBuffer{merged: make(map[string]*increment, sizeHint)}
}

func (bb *batchBuffer) add(inc increment) {
	bb.incs++
	key := inc.name + "\x1f" + strings.Join(inc.labels, "\x1f")
	if a, ok := bb.merged[key]; ok {
		a.delta += inc.delta
		return
	}
	cp := inc
	bb.merged[key] = &cp
}

func (bb *batchBuffer) distinct() int { return len(bb.merged) }

func (bb *batchBuffer) reset() {
	bb.merged = make(map[string]*increment, len(bb.merged))
	bb.incs = 0
}

func (b *Batcher) loop() {
	defer b.wg.Done()
	buf := newBatchBuffer(b.minBatch)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case inc := <-b.ch:
			buf.add(inc)
			if buf.distinct() >= b.flushTrigger() {
				b.flush(buf)
			}
		case <-ticker.C:
			b.reg.Gauge(MBatchQueueDepth).Set(float64(len(b.ch)))
			if buf.distinct() > 0 {
				b.flush(buf)
			}
		case <-b.quit:
			for {
				select {
				case inc := <-b.ch:
					buf.add(inc)
				default:
					if buf.distinct() > 0 {
						b.flush(buf)
					}
					return
				}
			}
		}
	}
}

// flushTrigger is the distinct-series count that forces a flush: the
// explicit flush_threshold when configured, the adaptive target otherwise.
func (b *Batcher) flushTrigger() int {
	if b.threshold > 0 {
		return b.threshold
	}
	return int(b.target.Load())
}

// flush applies the merged series, then adapts the target batch size from
// the per-increment cost EWMA.
func (b *Batcher) flush(buf *batchBuffer) {
	start := time.Now()
	for _, a := range buf.merged {
		b.reg.Counter(a.name, a.labels...).Add(a.delta)
	}
	elapsed := time.Since(start)
	n := buf.incs
	b.reg.Observe(MBatchFlushDuration, elapsed.Seconds())
	b.reg.Gauge(MBatchFlushIncr).Set(float64(n))
	b.adapt(elapsed, n)
	buf.reset()
}

// adapt moves the flush target toward the size a quarter flush interval of
// work would fill, based on the smoothed per-increment cost.
func (b *Batcher) adapt(elapsed time.Duration, n int) {
	if n == 0 {
		return
	}
	costPer := elapsed.Seconds() / float64(n)
	if b.ewma == 0 {
		b.ewma = costPer
	} else {
		b.ewma = (1-ewmaAlpha)*b.ewma + ewmaAlpha*costPer
	}
	target := b.maxBatch
	if b.ewma > 0 {
		budget := b.interval.Seconds() / 4
		target = int(budget / b.ewma)
	}
	if target < b.minBatch {
		target = b.minBatch
	}
	if target > b.maxBatch {
		target = b.maxBatch
	}
	prev := b.target.Swap(int64(target))
	if prev != int64(target) {
		b.reg.Gauge(MBatchTarget).Set(float64(target))
		log.Debug().Int("target", target).Float64("cost_per_inc_us", b.ewma*1e6).Msg("batch target adapted")
	}
}

// Target reports the current adaptive flush target.
func (b *Batcher) Target() int {
	if b.direct {
		return 0
	}
	return int(b.target.Load())
}
