package sim

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

// BlockManager owns the block pool: a fixed array of Block, an ordered
// (FIFO) free list, the used set implied by RefCount > 0, and the
// advisory hash -> block-id map used for content-addressed reuse.
//
// The free list is FIFO by design (spec §4.1 Rationale, §9): recently
// freed — but still content-populated — blocks are reclaimed last, which
// maximizes the window during which their content can still be reused by
// a later identical prefix.
type BlockManager struct {
	blockSize   int
	blocks      []*Block
	hashToBlock map[int64]int
	free        deque.Deque[int]
	usedCount   int

	cacheHits   int64
	cacheMisses int64
}

// NewBlockManager constructs a pool of numBlocks blocks, each sized for
// blockSize tokens, all initially free.
func NewBlockManager(numBlocks, blockSize int) *BlockManager {
	bm := &BlockManager{
		blockSize:   blockSize,
		blocks:      make([]*Block, numBlocks),
		hashToBlock: make(map[int64]int),
	}
	for i := 0; i < numBlocks; i++ {
		bm.blocks[i] = newBlock(i)
		bm.free.PushBack(i)
	}
	return bm
}

// BlockSize returns the configured tokens-per-block.
func (bm *BlockManager) BlockSize() int { return bm.blockSize }

// FreeCount returns the number of currently free blocks.
func (bm *BlockManager) FreeCount() int { return bm.free.Len() }

// UsedCount returns the number of currently used (ref-counted) blocks.
func (bm *BlockManager) UsedCount() int { return bm.usedCount }

// TotalBlocks returns the pool's total block count.
func (bm *BlockManager) TotalBlocks() int { return len(bm.blocks) }

// computeHash implements spec §4.1's compute_hash: xxhash64 over the
// little-endian 8 bytes of prefix (if prefix != -1) followed by the raw
// per-token bytes, chaining the prior block's hash so the digest
// identifies the full prefix path from token 0. Only full blocks
// (len(tokenIDs) == blockSize) are hashed by callers; this function itself
// is unconditional so tests can probe it directly.
func computeHash(tokenIDs []int, prefix int64) int64 {
	h := xxhash.New()
	if prefix != noHash {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(prefix))
		_, _ = h.Write(buf[:])
	}
	buf := make([]byte, 8*len(tokenIDs))
	for i, t := range tokenIDs {
		binary.LittleEndian.PutUint64(buf[i*8:(i+1)*8], uint64(int64(t)))
	}
	_, _ = h.Write(buf)
	return int64(h.Sum64())
}

// CanAllocate reports whether a fresh sequence's full block table can be
// satisfied by the current free list — the precondition of Allocate.
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return bm.free.Len() >= seq.NumBlocks(bm.blockSize)
}

// allocateBlock pops the given free block id into the used set, resetting
// it to a single owning reference. Fatal if the block is not actually
// free (spec §4.1 error contract: "_allocate_block requires ref_count==0
// on entry").
func (bm *BlockManager) allocateBlock(id int) *Block {
	b := bm.blocks[id]
	check(b.RefCount == 0, "_allocate_block: block has nonzero ref_count on entry",
		logrus.Fields{"block_id": id, "ref_count": b.RefCount})
	b.reset()
	bm.usedCount++
	return b
}

// deallocateBlock returns the given block, which must already have
// RefCount == 0, to the tail of the free list. Fatal otherwise (spec
// §4.1 error contract: "_deallocate_block requires ref_count==0 on
// entry").
func (bm *BlockManager) deallocateBlock(id int) {
	b := bm.blocks[id]
	check(b.RefCount == 0, "_deallocate_block: block has nonzero ref_count on entry",
		logrus.Fields{"block_id": id, "ref_count": b.RefCount})
	bm.usedCount--
	bm.free.PushBack(id)
}

// removeFromFree pops the specific block id out of the middle of the free
// list — used when a content-addressed cache hit lands on a block that is
// currently free (populated but unreferenced).
func (bm *BlockManager) removeFromFree(id int) {
	for i := 0; i < bm.free.Len(); i++ {
		if bm.free.At(i) == id {
			bm.free.Remove(i)
			return
		}
	}
}

// Allocate assigns a block table to a fresh sequence (spec §4.1
// "Allocation for a fresh sequence"). Precondition: seq.BlockTable is
// empty and CanAllocate(seq) holds; callers must check CanAllocate first.
func (bm *BlockManager) Allocate(seq *Sequence) {
	check(len(seq.BlockTable) == 0, "allocate: sequence already has a block table",
		logrus.Fields{"seq_id": seq.SeqID})

	h := int64(noHash)
	cacheMiss := false
	numBlocks := seq.NumBlocks(bm.blockSize)

	for i := 0; i < numBlocks; i++ {
		chunk := seq.Block(i, bm.blockSize)
		if len(chunk) == bm.blockSize {
			h = computeHash(chunk, h)
		} else {
			h = noHash
		}

		// Monotonic miss flag: once a miss occurs, every subsequent block in
		// this call is treated as a miss too — chained hashes past the
		// divergence point identify a different prefix path (spec §4.1
		// step 2, §9 "Monotonic cache miss").
		if !cacheMiss {
			blockID, ok := bm.hashToBlock[h]
			if h == noHash || !ok || !bm.blocks[blockID].matches(chunk) {
				cacheMiss = true
			}
		}

		var block *Block
		var blockID int
		if cacheMiss {
			blockID = bm.free.PopFront()
			block = bm.allocateBlock(blockID)
			bm.cacheMisses++
		} else {
			blockID = bm.hashToBlock[h]
			block = bm.blocks[blockID]
			if block.RefCount > 0 {
				block.RefCount++
			} else {
				bm.removeFromFree(blockID)
				block = bm.allocateBlock(blockID)
			}
			seq.NumCachedTokens += bm.blockSize
			bm.cacheHits++
		}

		if h != noHash {
			block.update(h, chunk)
			bm.hashToBlock[h] = blockID
		}

		seq.BlockTable = append(seq.BlockTable, blockID)
	}
}

// CanAppend reports whether a decode step extending seq (whose token_ids
// already includes the newly-sampled token) can proceed without
// preemption: a free block is only required when len(seq) % blockSize ==
// 1 (the token opens a brand-new block); otherwise no allocation is
// needed and the check always passes (spec §4.1 "can_append").
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	if seq.Len()%bm.blockSize == 1 {
		return bm.free.Len() >= 1
	}
	return true
}

// MayAppend is the unconditional per-decode-step callback (spec §9 Open
// Question): it must run every step regardless of what CanAppend just
// returned, because a block that has simply become full this step needs
// its hash computed even though no new block allocation is required.
func (bm *BlockManager) MayAppend(seq *Sequence) {
	lastID := seq.BlockTable[len(seq.BlockTable)-1]
	last := bm.blocks[lastID]

	switch seq.Len() % bm.blockSize {
	case 1:
		check(last.Hash != noHash, "may_append: new block opened but previous tail block was never hashed",
			logrus.Fields{"seq_id": seq.SeqID, "block_id": lastID})
		blockID := bm.free.PopFront()
		bm.allocateBlock(blockID)
		seq.BlockTable = append(seq.BlockTable, blockID)

	case 0:
		check(last.Hash == noHash, "may_append: tail block filled but already carried a hash",
			logrus.Fields{"seq_id": seq.SeqID, "block_id": lastID})
		chunk := seq.Block(seq.NumBlocks(bm.blockSize)-1, bm.blockSize)
		prefix := int64(noHash)
		if len(seq.BlockTable) > 1 {
			prefix = bm.blocks[seq.BlockTable[len(seq.BlockTable)-2]].Hash
		}
		h := computeHash(chunk, prefix)
		last.update(h, chunk)
		bm.hashToBlock[h] = lastID

	default:
		check(last.Hash == noHash, "may_append: partial block unexpectedly carries a hash",
			logrus.Fields{"seq_id": seq.SeqID, "block_id": lastID})
	}
}

// Deallocate releases every block a sequence references, walking the
// block table in reverse so freed blocks land on the free list tail in
// reverse order — the last (most prefix-specific, least reusable) block
// is evicted first (spec §4.1 "Deallocation", §9 "Free list ordering").
func (bm *BlockManager) Deallocate(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		id := seq.BlockTable[i]
		b := bm.blocks[id]
		b.RefCount--
		check(b.RefCount >= 0, "deallocate: ref_count underflow",
			logrus.Fields{"seq_id": seq.SeqID, "block_id": id})
		if b.RefCount == 0 {
			bm.deallocateBlock(id)
		}
	}
	seq.NumCachedTokens = 0
	seq.BlockTable = nil
}

// BlockManagerStats is a point-in-time snapshot for observability (see
// metrics.go).
type BlockManagerStats struct {
	TotalBlocks int
	FreeBlocks  int
	UsedBlocks  int
	HashMapSize int
	CacheHits   int64
	CacheMisses int64
}

// HitRatio returns the fraction of blocks placed by Allocate since pool
// creation that were satisfied by a content-addressed cache hit, or 0 if
// Allocate has placed no blocks yet. Blocks opened by MayAppend during
// decode are not counted.
func (s BlockManagerStats) HitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Stats returns a snapshot of the pool's current occupancy, hash-map size,
// and cumulative cache hit/miss counters, consumed by the Prometheus
// collector in metrics.go.
func (bm *BlockManager) Stats() BlockManagerStats {
	return BlockManagerStats{
		TotalBlocks: len(bm.blocks),
		FreeBlocks:  bm.free.Len(),
		UsedBlocks:  bm.usedCount,
		HashMapSize: len(bm.hashToBlock),
		CacheHits:   bm.cacheHits,
		CacheMisses: bm.cacheMisses,
	}
}
