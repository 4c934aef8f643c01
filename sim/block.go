package sim

// noHash marks a block whose content is not (yet) content-addressable:
// a partial block, or a fresh/reclaimed block before it is populated.
const noHash = -1

// Block is a fixed-size slot in the attention-cache pool, identified by its
// index in [0, N). RefCount is the number of sequences currently holding
// this block in their block table; the block is free iff RefCount == 0.
// Hash and TokenIDs are preserved across deallocation so a later identical
// prefix can revive the block's content without recomputation (spec §4.1
// "Rationale"); they are only cleared when the block is reused for
// different content.
type Block struct {
	ID       int
	RefCount int
	Hash     int64
	TokenIDs []int
}

// newBlock creates a free block at the given pool index.
func newBlock(id int) *Block {
	return &Block{ID: id, Hash: noHash}
}

// reset prepares a free block for a new owner: single reference, no
// content-address until update is called. Matches nanovllm's
// Block.reset(), which leaves ref_count at 1 (the allocating caller is
// always the sole initial owner).
func (b *Block) reset() {
	b.RefCount = 1
	b.Hash = noHash
	b.TokenIDs = nil
}

// update records this block's content hash and backing tokens once it is
// known to be full (or being revived from a validated cache hit).
func (b *Block) update(hash int64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = tokenIDs
}

// matches reports whether the block's stored tokens are identical to the
// candidate chunk — the collision guard spec §4.1 step 2 requires before
// any hash-map lookup is trusted as a cache hit.
func (b *Block) matches(tokenIDs []int) bool {
	if len(b.TokenIDs) != len(tokenIDs) {
		return false
	}
	for i, t := range tokenIDs {
		if b.TokenIDs[i] != t {
			return false
		}
	}
	return true
}
