package sim

import (
	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/stat"
)

// Collector adapts a Scheduler's point-in-time stats into Prometheus
// metrics. It implements prometheus.Collector so the driver can
// prometheus.MustRegister it once and rely on Collect being called on
// every /metrics scrape (spec §6 "Observable outputs" — carried as an
// ambient concern per SPEC_FULL.md, not the "UI/visualization" the spec
// excludes as a Non-goal).
type Collector struct {
	sched *Scheduler

	freeBlocks    *prometheus.Desc
	usedBlocks    *prometheus.Desc
	totalBlocks   *prometheus.Desc
	hashMapSize   *prometheus.Desc
	cacheHitRatio *prometheus.Desc
	waitingLen    *prometheus.Desc
	runningLen    *prometheus.Desc
	prefillSteps  *prometheus.Desc
	decodeSteps   *prometheus.Desc
	preemptions   *prometheus.Desc
	finished      *prometheus.Desc
	occupancyP50  *prometheus.Desc
	occupancyP95  *prometheus.Desc
	occupancyMean *prometheus.Desc
}

// NewCollector builds a Collector over sched. Register it with a
// prometheus.Registry (or the default one via prometheus.MustRegister) in
// cmd/serve.go.
func NewCollector(sched *Scheduler) *Collector {
	ns := "kvsched"
	return &Collector{
		sched:         sched,
		freeBlocks:    prometheus.NewDesc(ns+"_free_blocks", "Currently free KV-cache blocks.", nil, nil),
		usedBlocks:    prometheus.NewDesc(ns+"_used_blocks", "Currently used KV-cache blocks.", nil, nil),
		totalBlocks:   prometheus.NewDesc(ns+"_total_blocks", "Total KV-cache blocks in the pool.", nil, nil),
		hashMapSize:   prometheus.NewDesc(ns+"_hash_map_size", "Entries in the advisory content-hash map.", nil, nil),
		cacheHitRatio: prometheus.NewDesc(ns+"_cache_hit_ratio", "Cumulative fraction of block allocations satisfied by a content-addressed cache hit.", nil, nil),
		waitingLen:    prometheus.NewDesc(ns+"_waiting_sequences", "Sequences currently in the waiting queue.", nil, nil),
		runningLen:    prometheus.NewDesc(ns+"_running_sequences", "Sequences currently in the running queue.", nil, nil),
		prefillSteps:  prometheus.NewDesc(ns+"_prefill_steps_total", "Cumulative schedule() calls that performed a prefill.", nil, nil),
		decodeSteps:   prometheus.NewDesc(ns+"_decode_steps_total", "Cumulative schedule() calls that performed a decode.", nil, nil),
		preemptions:   prometheus.NewDesc(ns+"_preemptions_total", "Cumulative sequences preempted back to waiting.", nil, nil),
		finished:      prometheus.NewDesc(ns+"_finished_sequences_total", "Cumulative sequences that reached FINISHED.", nil, nil),
		occupancyP50:  prometheus.NewDesc(ns+"_batch_occupancy_p50", "p50 of batch size over the last schedule() calls.", nil, nil),
		occupancyP95:  prometheus.NewDesc(ns+"_batch_occupancy_p95", "p95 of batch size over the last schedule() calls.", nil, nil),
		occupancyMean: prometheus.NewDesc(ns+"_batch_occupancy_mean", "Mean batch size over the last schedule() calls.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freeBlocks
	ch <- c.usedBlocks
	ch <- c.totalBlocks
	ch <- c.hashMapSize
	ch <- c.cacheHitRatio
	ch <- c.waitingLen
	ch <- c.runningLen
	ch <- c.prefillSteps
	ch <- c.decodeSteps
	ch <- c.preemptions
	ch <- c.finished
	ch <- c.occupancyP50
	ch <- c.occupancyP95
	ch <- c.occupancyMean
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	bmStats := c.sched.BlockManager().Stats()
	schedStats := c.sched.Stats()
	occupancy := c.sched.OccupancyWindow()

	ch <- prometheus.MustNewConstMetric(c.freeBlocks, prometheus.GaugeValue, float64(bmStats.FreeBlocks))
	ch <- prometheus.MustNewConstMetric(c.usedBlocks, prometheus.GaugeValue, float64(bmStats.UsedBlocks))
	ch <- prometheus.MustNewConstMetric(c.totalBlocks, prometheus.GaugeValue, float64(bmStats.TotalBlocks))
	ch <- prometheus.MustNewConstMetric(c.hashMapSize, prometheus.GaugeValue, float64(bmStats.HashMapSize))
	ch <- prometheus.MustNewConstMetric(c.cacheHitRatio, prometheus.GaugeValue, bmStats.HitRatio())
	ch <- prometheus.MustNewConstMetric(c.waitingLen, prometheus.GaugeValue, float64(c.sched.WaitingLen()))
	ch <- prometheus.MustNewConstMetric(c.runningLen, prometheus.GaugeValue, float64(c.sched.RunningLen()))
	ch <- prometheus.MustNewConstMetric(c.prefillSteps, prometheus.CounterValue, float64(schedStats.PrefillSteps))
	ch <- prometheus.MustNewConstMetric(c.decodeSteps, prometheus.CounterValue, float64(schedStats.DecodeSteps))
	ch <- prometheus.MustNewConstMetric(c.preemptions, prometheus.CounterValue, float64(schedStats.Preemptions))
	ch <- prometheus.MustNewConstMetric(c.finished, prometheus.CounterValue, float64(schedStats.SequencesDone))
	ch <- prometheus.MustNewConstMetric(c.occupancyP50, prometheus.GaugeValue, occupancy.Quantile(0.5))
	ch <- prometheus.MustNewConstMetric(c.occupancyP95, prometheus.GaugeValue, occupancy.Quantile(0.95))
	ch <- prometheus.MustNewConstMetric(c.occupancyMean, prometheus.GaugeValue, occupancy.Mean())
}

// OccupancyWindow is a rolling window of per-step batch occupancy
// (len(batch) per schedule() call), used to compute p50/p95 batch-size
// stats the way a production scheduler would report them on a dashboard —
// without building a visualizer (spec §1 Non-goal excludes UI, not
// statistics).
type OccupancyWindow struct {
	capacity int
	samples  []float64
}

// NewOccupancyWindow creates a rolling window retaining the last capacity
// samples.
func NewOccupancyWindow(capacity int) *OccupancyWindow {
	return &OccupancyWindow{capacity: capacity}
}

// Observe records a new batch-occupancy sample, evicting the oldest
// sample once the window is full.
func (w *OccupancyWindow) Observe(batchLen int) {
	w.samples = append(w.samples, float64(batchLen))
	if len(w.samples) > w.capacity {
		w.samples = w.samples[len(w.samples)-w.capacity:]
	}
}

// Mean returns the window's arithmetic mean batch occupancy, or 0 if empty.
func (w *OccupancyWindow) Mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return stat.Mean(w.samples, nil)
}

// Quantile returns the p-th quantile (0 <= p <= 1) of the window's batch
// occupancy, or 0 if empty. Samples are sorted on a copy — the window
// itself retains insertion order.
func (w *OccupancyWindow) Quantile(p float64) float64 {
	if len(w.samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), w.samples...)
	stat.SortWeighted(sorted, nil)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}
