package stats

import (
	"context"
	"sync"
	"time"
)

// StatsCollector collects real-time build-farm statistics with 1 Hz
// sampling, maintaining a 60-second sliding window for throughput and
// notifying registered consumers on each tick. Thread-safe for concurrent
// access from SlaveDriver (completions, active count) and the sampling
// goroutine.
type StatsCollector struct {
	mu            sync.RWMutex
	snapshot      Snapshot
	rateBuckets   [60]int
	currentBucket int
	bucketStart   time.Time
	startTime     time.Time
	ticker        *time.Ticker
	consumers     []StatsConsumer
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewStatsCollector creates a StatsCollector and starts its 1 Hz sampling
// loop. The collector runs until Close is called or ctx is canceled.
func NewStatsCollector(ctx context.Context) *StatsCollector {
	collectorCtx, cancel := context.WithCancel(ctx)
	now := time.Now()

	sc := &StatsCollector{
		snapshot:    Snapshot{StartTime: now},
		bucketStart: now,
		startTime:   now,
		ticker:      time.NewTicker(1 * time.Second),
		ctx:         collectorCtx,
		cancel:      cancel,
	}

	sc.wg.Add(1)
	go sc.run()

	return sc
}

// RecordCompletion records one build completion event. BuildSkipped does
// not count toward throughput (no build work actually ran).
func (sc *StatsCollector) RecordCompletion(status BuildStatus) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.advanceBucketLocked(time.Now())

	switch status {
	case BuildSuccess:
		sc.snapshot.Built++
	case BuildFailed:
		sc.snapshot.Failed++
	case BuildSkipped:
		sc.snapshot.Skipped++
		return
	}

	sc.rateBuckets[sc.currentBucket]++
}

// UpdateActiveSlaves sets the number of slaves currently building.
func (sc *StatsCollector) UpdateActiveSlaves(active int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.snapshot.ActiveSlaves = active
}

// UpdateConnectedSlaves sets the number of slaves currently registered,
// building or idle.
func (sc *StatsCollector) UpdateConnectedSlaves(connected int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.snapshot.ConnectedSlaves = connected
}

// UpdatePendingCount sets the total pending-build count across every ABI,
// as last reported by db.GetPendingPackages.
func (sc *StatsCollector) UpdatePendingCount(pending int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.snapshot.Pending = pending
}

// UpdateHostMetrics sets the master host's own load and swap readings.
func (sc *StatsCollector) UpdateHostMetrics(load float64, swapPct int, noSwap bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.snapshot.Load = load
	sc.snapshot.SwapPct = swapPct
	sc.snapshot.NoSwap = noSwap
}

// GetSnapshot returns a thread-safe copy of the current Snapshot.
func (sc *StatsCollector) GetSnapshot() Snapshot {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.snapshot
}

// AddConsumer registers a consumer to receive updates on each tick, in
// registration order.
func (sc *StatsCollector) AddConsumer(consumer StatsConsumer) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.consumers = append(sc.consumers, consumer)
}

// Close stops the sampling loop and waits for it to exit.
func (sc *StatsCollector) Close() error {
	sc.cancel()
	sc.ticker.Stop()
	sc.wg.Wait()
	return nil
}

func (sc *StatsCollector) run() {
	defer sc.wg.Done()

	for {
		select {
		case <-sc.ticker.C:
			sc.tick()
		case <-sc.ctx.Done():
			return
		}
	}
}

func (sc *StatsCollector) tick() {
	now := time.Now()

	if load, err := getAdjustedLoad(); err == nil {
		swapPct, noSwap, err := getSwapUsage()
		if err == nil {
			sc.UpdateHostMetrics(load, swapPct, noSwap)
		}
	}

	sc.mu.Lock()

	sc.advanceBucketLocked(now)
	sc.snapshot.Elapsed = now.Sub(sc.startTime)
	sc.snapshot.Rate = sc.calculateRateLocked()

	prevBucket := (sc.currentBucket + 59) % 60
	sc.snapshot.Impulse = float64(sc.rateBuckets[prevBucket])
	sc.snapshot.Remaining = sc.snapshot.Pending - (sc.snapshot.Built + sc.snapshot.Failed)

	snapshot := sc.snapshot
	consumers := sc.consumers

	sc.mu.Unlock()

	for _, consumer := range consumers {
		consumer.OnStatsUpdate(snapshot)
	}
}

// advanceBucketLocked advances the bucket index for each elapsed second,
// clearing each newly entered bucket. Must be called with lock held.
func (sc *StatsCollector) advanceBucketLocked(now time.Time) {
	elapsed := now.Sub(sc.bucketStart)

	for elapsed >= time.Second {
		sc.currentBucket = (sc.currentBucket + 1) % 60
		sc.rateBuckets[sc.currentBucket] = 0
		sc.bucketStart = sc.bucketStart.Add(time.Second)
		elapsed = now.Sub(sc.bucketStart)
	}
}

// calculateRateLocked computes builds/hour from the 60-second window. Must
// be called with lock held.
func (sc *StatsCollector) calculateRateLocked() float64 {
	sum := 0
	for _, count := range sc.rateBuckets {
		sum += count
	}
	return float64(sum * 60)
}
