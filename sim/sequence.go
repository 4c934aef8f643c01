package sim

import "github.com/google/uuid"

// SequenceStatus is the lifecycle state of a Sequence. See package doc and
// SPEC_FULL.md for the full state machine: WAITING -> RUNNING -> FINISHED,
// with RUNNING -> WAITING possible via preemption. FINISHED is terminal.
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusRunning:
		return "RUNNING"
	case StatusFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// SamplingParams are opaque to the scheduler except for the two fields that
// bound generation length/termination; Temperature is recorded only for
// the external sampler to consume.
type SamplingParams struct {
	Temperature float64
	MaxTokens   int
	IgnoreEOS   bool
}

// nextSeqID is the monotonic counter backing NewSequence's SeqID
// assignment. The core is single-threaded (package doc), so a bare package
// variable is sufficient — no atomic/mutex needed.
var nextSeqID int64

// Sequence represents one request's state for its entire lifetime: prompt
// plus generated tokens, the block table mapping it onto the KV-cache
// pool, and its place in the WAITING/RUNNING/FINISHED state machine.
type Sequence struct {
	SeqID    int64
	TokenIDs []int

	// NumPromptTokens is frozen at construction: len(prompt tokens).
	NumPromptTokens int

	// BlockTable is the ordered list of block indices backing this
	// sequence's KV cache. Mutated only by BlockManager.
	BlockTable []int

	// NumCachedTokens counts prompt tokens whose KV was reused from an
	// already-populated block; always a multiple of the pool's block size.
	NumCachedTokens int

	Status SequenceStatus

	Sampling SamplingParams

	// CorrelationID is an ambient cross-system tracing identifier; it plays
	// no part in any scheduling or block-manager invariant.
	CorrelationID uuid.UUID
}

// NewSequence constructs a fresh WAITING sequence from a prompt and
// sampling params. NumPromptTokens is frozen to len(promptTokens) here and
// never changes afterward.
func NewSequence(promptTokens []int, sampling SamplingParams) *Sequence {
	nextSeqID++
	tokenIDs := make([]int, len(promptTokens))
	copy(tokenIDs, promptTokens)
	return &Sequence{
		SeqID:           nextSeqID,
		TokenIDs:        tokenIDs,
		NumPromptTokens: len(promptTokens),
		Status:          StatusWaiting,
		Sampling:        sampling,
		CorrelationID:   uuid.New(),
	}
}

// NumTokens returns len(token_ids): prompt tokens plus generated tokens so far.
func (s *Sequence) NumTokens() int { return len(s.TokenIDs) }

// Len is an alias for NumTokens, matching the "len(seq)" notation spec.md
// uses throughout §4.1/§4.2.
func (s *Sequence) Len() int { return s.NumTokens() }

// NumCompletionTokens returns the number of tokens generated since the
// prompt (num_tokens - num_prompt_tokens).
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens() - s.NumPromptTokens
}

// NumBlocks returns ceil(num_tokens / blockSize), the number of blocks
// this sequence's full token stream requires.
func (s *Sequence) NumBlocks(blockSize int) int {
	return ceilDiv(s.NumTokens(), blockSize)
}

// Block returns the i-th chunk of token_ids of length up to blockSize: the
// tokens that would live in (or already live in) BlockTable[i].
func (s *Sequence) Block(i, blockSize int) []int {
	start := i * blockSize
	end := start + blockSize
	if end > len(s.TokenIDs) {
		end = len(s.TokenIDs)
	}
	return s.TokenIDs[start:end]
}

// AppendToken is the only way TokenIDs grows after construction. The
// caller (Scheduler.Postprocess) must call it exactly once per decode step
// per sequence in the batch.
func (s *Sequence) AppendToken(tok int) {
	s.TokenIDs = append(s.TokenIDs, tok)
}

func ceilDiv(n, d int) int {
	if n == 0 {
		return 0
	}
	return (n + d - 1) / d
}
