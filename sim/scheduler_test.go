package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(numBlocks, blockSize, maxNumSeqs, maxNumBatchedTokens, eos int) *Scheduler {
	return NewScheduler(SchedulerConfig{
		MaxNumSeqs:          maxNumSeqs,
		MaxNumBatchedTokens: maxNumBatchedTokens,
		EOS:                 eos,
	}, numBlocks, blockSize)
}

func TestSchedule_PrefillBeforeDecode(t *testing.T) {
	s := newTestScheduler(16, 4, 4, 64, 999)
	seq := NewSequence([]int{1, 2, 3}, SamplingParams{MaxTokens: 10})
	s.Add(seq)

	batch, isPrefill := s.Schedule()

	require.Len(t, batch, 1)
	assert.True(t, isPrefill)
	assert.Equal(t, StatusRunning, seq.Status)
	assert.Equal(t, 0, s.WaitingLen())
	assert.Equal(t, 1, s.RunningLen())
}

func TestSchedule_TokenBudgetBlocksPrefill(t *testing.T) {
	s := newTestScheduler(16, 4, 4, 4, 999)
	first := NewSequence([]int{1, 2, 3, 4}, SamplingParams{MaxTokens: 10})
	second := NewSequence([]int{5, 6, 7, 8}, SamplingParams{MaxTokens: 10})
	s.Add(first)
	s.Add(second)

	batch, isPrefill := s.Schedule()

	require.Len(t, batch, 1)
	assert.True(t, isPrefill)
	assert.Same(t, first, batch[0])
	assert.Equal(t, 1, s.WaitingLen())
}

// S5 — Preemption: three single-block sequences admitted against a pool
// with exactly one spare block beyond their prefill needs, then a decode
// step where all three cross a block boundary simultaneously. The first
// sequence processed claims the one spare block outright; the second
// must evict the tail of running (the third sequence) to get its block;
// the evicted sequence goes back to WAITING at the front of the queue
// (spec §4.2 "preempt", §9 "Preemption policy").
func TestSchedule_PreemptionOnBlockExhaustion(t *testing.T) {
	s := newTestScheduler(4, 4, 3, 64, 999)
	prompts := [][]int{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}}
	seqs := make([]*Sequence, 3)
	for i := range seqs {
		seqs[i] = NewSequence(prompts[i], SamplingParams{MaxTokens: 10, IgnoreEOS: true})
		s.Add(seqs[i])
	}

	batch, isPrefill := s.Schedule()
	require.Len(t, batch, 3)
	require.True(t, isPrefill)
	require.Equal(t, 1, s.BlockManager().FreeCount())

	s.Postprocess(batch, []int{5, 6, 7})
	for _, seq := range seqs {
		assert.Equal(t, 5, seq.Len())
	}

	decodeBatch, isPrefill2 := s.Schedule()
	assert.False(t, isPrefill2)
	require.Len(t, decodeBatch, 2)
	assert.Same(t, seqs[0], decodeBatch[0])
	assert.Same(t, seqs[1], decodeBatch[1])
	assert.Equal(t, 0, s.BlockManager().FreeCount())
	assert.Equal(t, 1, s.WaitingLen())

	// The preempted sequence (tail of running == seqs[2]) is back at
	// WAITING with its blocks released.
	assert.Equal(t, StatusWaiting, seqs[2].Status)
	assert.Empty(t, seqs[2].BlockTable)
	assert.Equal(t, int64(1), s.Stats().Preemptions)
}

// S6 — Termination.
func TestPostprocess_Termination(t *testing.T) {
	s := newTestScheduler(16, 4, 4, 64, 999)
	seq := NewSequence([]int{1, 2}, SamplingParams{MaxTokens: 2, IgnoreEOS: true})
	s.Add(seq)

	batch, _ := s.Schedule()
	require.Len(t, batch, 1)

	s.Postprocess(batch, []int{10})
	assert.Equal(t, StatusRunning, seq.Status)

	decodeBatch, _ := s.Schedule()
	require.Len(t, decodeBatch, 1)
	s.Postprocess(decodeBatch, []int{11})

	assert.Equal(t, StatusFinished, seq.Status)
	assert.Equal(t, 0, s.RunningLen())
	assert.Empty(t, seq.BlockTable)
	assert.True(t, s.IsFinished())
}

func TestPostprocess_EOSTerminates(t *testing.T) {
	s := newTestScheduler(16, 4, 4, 64, 42)
	seq := NewSequence([]int{1, 2}, SamplingParams{MaxTokens: 100})
	s.Add(seq)
	batch, _ := s.Schedule()

	s.Postprocess(batch, []int{42})

	assert.Equal(t, StatusFinished, seq.Status)
}

func TestPostprocess_IgnoreEOSKeepsRunning(t *testing.T) {
	s := newTestScheduler(16, 4, 4, 64, 42)
	seq := NewSequence([]int{1, 2}, SamplingParams{MaxTokens: 100, IgnoreEOS: true})
	s.Add(seq)
	batch, _ := s.Schedule()

	s.Postprocess(batch, []int{42})

	assert.Equal(t, StatusRunning, seq.Status)
}

func TestIsFinished_EmptyQueues(t *testing.T) {
	s := newTestScheduler(16, 4, 4, 64, 999)
	assert.True(t, s.IsFinished())
	s.Add(NewSequence([]int{1}, SamplingParams{MaxTokens: 1}))
	assert.False(t, s.IsFinished())
}

func TestSchedule_PanicsWhenDecodeBatchEmptyWithNoWaiting(t *testing.T) {
	// A single running sequence that needs a new block, with nothing in
	// waiting and no other running sequence to evict, has no legal
	// progress: spec.md's fatal condition (decode batch empty) fires.
	// Preempting seq itself is the only option, so the decode loop ends
	// with an empty batch and this same schedule() call panics on the
	// postcondition check (len(batch) > 0).
	s := newTestScheduler(1, 4, 4, 64, 999)
	seq := NewSequence([]int{1, 2, 3, 4}, SamplingParams{MaxTokens: 100, IgnoreEOS: true})
	s.Add(seq)
	batch, _ := s.Schedule()
	require.Len(t, batch, 1)

	s.Postprocess(batch, []int{5})

	assert.Panics(t, func() {
		s.Schedule()
	})
}
