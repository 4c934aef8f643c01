package sim

import (
	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

// WaitingOrderer reorders the waiting queue in place before each
// schedule() call's prefill phase. The default FCFSOrderer is a no-op,
// preserving spec.md's exact FIFO semantics; this hook generalizes the
// teacher's InstanceScheduler extension point without changing any
// invariant — it never touches running, and preemption/postprocess are
// unaffected by whatever order waiting ends up in.
type WaitingOrderer interface {
	OrderWaiting(waiting []*Sequence)
}

// FCFSOrderer preserves first-come-first-served order (no-op).
type FCFSOrderer struct{}

func (FCFSOrderer) OrderWaiting(_ []*Sequence) {}

// SchedulerConfig groups the scheduler's batch-width, token-budget and
// EOS parameters (spec §6 "Configuration").
type SchedulerConfig struct {
	MaxNumSeqs          int `yaml:"max_num_seqs"`
	MaxNumBatchedTokens int `yaml:"max_num_batched_tokens"`
	EOS                 int `yaml:"eos"`
}

// Scheduler admits waiting sequences, batches prefill and decode steps,
// and preempts running sequences when the block pool is exhausted. It is
// driven synchronously: Schedule -> (external model forward) ->
// Postprocess, repeated until IsFinished.
type Scheduler struct {
	cfg          SchedulerConfig
	blockManager *BlockManager
	waiting      deque.Deque[*Sequence]
	running      deque.Deque[*Sequence]
	orderer      WaitingOrderer
	occupancy    *OccupancyWindow

	stats SchedulerStats
}

// occupancyWindowSize bounds how many recent schedule() calls feed the
// batch-occupancy p50/p95 the Collector reports (see metrics.go).
const occupancyWindowSize = 256

// SchedulerStats accumulates cumulative counters for observability.
type SchedulerStats struct {
	PrefillSteps    int64
	DecodeSteps     int64
	Preemptions     int64
	SequencesAdded  int64
	SequencesDone   int64
}

// NewScheduler constructs a Scheduler owning a fresh BlockManager of
// numBlocks blocks, each holding blockSize tokens.
func NewScheduler(cfg SchedulerConfig, numBlocks, blockSize int) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		blockManager: NewBlockManager(numBlocks, blockSize),
		orderer:      FCFSOrderer{},
		occupancy:    NewOccupancyWindow(occupancyWindowSize),
	}
}

// SetWaitingOrderer installs a non-default waiting-queue ordering policy.
func (s *Scheduler) SetWaitingOrderer(o WaitingOrderer) { s.orderer = o }

// BlockManager exposes the underlying pool, primarily for tests and
// observability; the scheduler is the only intended mutator.
func (s *Scheduler) BlockManager() *BlockManager { return s.blockManager }

// IsFinished reports whether both queues are empty (spec §6).
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add enqueues a new WAITING sequence at the tail of the waiting queue.
func (s *Scheduler) Add(seq *Sequence) {
	check(seq.Status == StatusWaiting, "add: sequence must be WAITING",
		logrus.Fields{"seq_id": seq.SeqID, "status": seq.Status.String()})
	s.waiting.PushBack(seq)
	s.stats.SequencesAdded++
}

// waitingSlice copies the waiting deque into a slice so the WaitingOrderer
// can reorder it; the result is written back via reorderWaiting.
func (s *Scheduler) waitingSlice() []*Sequence {
	out := make([]*Sequence, s.waiting.Len())
	for i := range out {
		out[i] = s.waiting.At(i)
	}
	return out
}

func (s *Scheduler) reorderWaiting(seqs []*Sequence) {
	s.waiting.Clear()
	for _, seq := range seqs {
		s.waiting.PushBack(seq)
	}
}

// Schedule produces the next batch (spec §4.2 "schedule()"). Prefill is
// always attempted first; if it admits at least one sequence, decode is
// skipped entirely for this step. Otherwise decode proceeds, preempting
// running sequences as needed to free blocks. Schedule never returns an
// empty batch once called on a non-finished scheduler (fatal otherwise —
// the decode-phase assertion below).
func (s *Scheduler) Schedule() ([]*Sequence, bool) {
	if ordered := s.waitingSlice(); len(ordered) > 0 {
		s.orderer.OrderWaiting(ordered)
		s.reorderWaiting(ordered)
	}

	if batch := s.schedulePrefill(); len(batch) > 0 {
		s.stats.PrefillSteps++
		s.occupancy.Observe(len(batch))
		return batch, true
	}

	batch := s.scheduleDecode()
	s.stats.DecodeSteps++
	s.occupancy.Observe(len(batch))
	return batch, false
}

func (s *Scheduler) schedulePrefill() []*Sequence {
	var batch []*Sequence
	batchedTokens := 0

	for s.waiting.Len() > 0 && len(batch) < s.cfg.MaxNumSeqs {
		seq := s.waiting.Front()
		if batchedTokens+seq.NumTokens() > s.cfg.MaxNumBatchedTokens || !s.blockManager.CanAllocate(seq) {
			break
		}

		s.blockManager.Allocate(seq)
		batchedTokens += seq.NumTokens() - seq.NumCachedTokens
		seq.Status = StatusRunning
		s.waiting.PopFront()
		s.running.PushBack(seq)
		batch = append(batch, seq)
	}

	return batch
}

func (s *Scheduler) scheduleDecode() []*Sequence {
	var batch []*Sequence

	for s.running.Len() > 0 && len(batch) < s.cfg.MaxNumSeqs {
		seq := s.running.PopFront()

		skip := false
		for !s.blockManager.CanAppend(seq) {
			if s.running.Len() > 0 {
				victim := s.running.PopBack()
				s.preempt(victim)
			} else {
				s.preempt(seq)
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		s.blockManager.MayAppend(seq)
		batch = append(batch, seq)
	}

	check(len(batch) > 0, "schedule: decode phase produced an empty batch",
		logrus.Fields{"running_len": s.running.Len(), "waiting_len": s.waiting.Len()})

	// Reinsert the assembled batch at the head of running, preserving
	// order, so the next decode step resumes from the same ordering
	// (spec §4.2).
	for i := len(batch) - 1; i >= 0; i-- {
		s.running.PushFront(batch[i])
	}

	return batch
}

// preempt evicts seq back to WAITING: deallocates its blocks and pushes
// it to the front of the waiting queue (spec §4.2 "preempt", §9
// "Preemption policy" — newest-admitted victim, re-prioritized on
// re-admission to minimize rework).
func (s *Scheduler) preempt(seq *Sequence) {
	seq.Status = StatusWaiting
	s.blockManager.Deallocate(seq)
	s.waiting.PushFront(seq)
	s.stats.Preemptions++
}

// Postprocess applies sampled tokens to the just-scheduled batch and
// retires sequences that have hit EOS or their max_tokens bound (spec
// §4.2 "postprocess()"). len(seqs) must equal len(sampledTokenIDs).
func (s *Scheduler) Postprocess(seqs []*Sequence, sampledTokenIDs []int) {
	check(len(seqs) == len(sampledTokenIDs), "postprocess: seqs/sampledTokenIDs length mismatch",
		logrus.Fields{"seqs": len(seqs), "tokens": len(sampledTokenIDs)})

	for i, seq := range seqs {
		tok := sampledTokenIDs[i]
		seq.AppendToken(tok)

		terminate := (!seq.Sampling.IgnoreEOS && tok == s.cfg.EOS) ||
			seq.NumCompletionTokens() == seq.Sampling.MaxTokens
		if !terminate {
			continue
		}

		seq.Status = StatusFinished
		s.blockManager.Deallocate(seq)
		s.removeRunning(seq)
		s.stats.SequencesDone++
	}
}

func (s *Scheduler) removeRunning(target *Sequence) {
	for i := 0; i < s.running.Len(); i++ {
		if s.running.At(i) == target {
			s.running.Remove(i)
			return
		}
	}
}

// Stats returns a copy of the scheduler's cumulative counters, consumed by
// the Prometheus collector in metrics.go. Queue depths are not included;
// they come from WaitingLen and RunningLen.
func (s *Scheduler) Stats() SchedulerStats {
	stats := s.stats
	return stats
}

// WaitingLen and RunningLen expose queue depths for observability/tests.
func (s *Scheduler) WaitingLen() int { return s.waiting.Len() }
func (s *Scheduler) RunningLen() int { return s.running.Len() }

// OccupancyWindow exposes the rolling batch-occupancy window for the
// Prometheus collector (see metrics.go).
func (s *Scheduler) OccupancyWindow() *OccupancyWindow { return s.occupancy }
