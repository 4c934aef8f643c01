package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequence_DerivedQuantities(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3, 4, 5}, SamplingParams{MaxTokens: 10})

	assert.Equal(t, 5, seq.NumTokens())
	assert.Equal(t, 5, seq.NumPromptTokens)
	assert.Equal(t, 0, seq.NumCompletionTokens())
	assert.Equal(t, 2, seq.NumBlocks(4))
	assert.Equal(t, []int{1, 2, 3, 4}, seq.Block(0, 4))
	assert.Equal(t, []int{5}, seq.Block(1, 4))
	assert.Equal(t, StatusWaiting, seq.Status)
	assert.NotEqual(t, seq.SeqID, NewSequence([]int{1}, SamplingParams{}).SeqID)
}

func TestSequence_AppendTokenGrowsOnlyViaAppendToken(t *testing.T) {
	seq := NewSequence([]int{1, 2}, SamplingParams{MaxTokens: 10})
	seq.AppendToken(99)

	assert.Equal(t, 3, seq.NumTokens())
	assert.Equal(t, 1, seq.NumCompletionTokens())
	assert.Equal(t, 99, seq.TokenIDs[2])
}

func TestSequence_CorrelationIDIsUnique(t *testing.T) {
	a := NewSequence([]int{1}, SamplingParams{})
	b := NewSequence([]int{1}, SamplingParams{})
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}
