// Package sim implements the KV-cache block manager and request scheduler
// that form the memory-management core of a paged-attention inference
// engine: a pool of fixed-size attention-cache blocks, content-addressed
// reuse of identical prompt prefixes across requests, and a scheduler that
// batches prefill and decode steps under hard memory and batch-width
// limits, preempting running sequences when the pool is exhausted.
//
// # Reading Guide
//
// Start with these three files:
//   - sequence.go: per-request state (token buffer, block table, status)
//   - block_manager.go: the block pool, content hashing, allocate/deallocate
//   - scheduler.go: the two-phase schedule()/postprocess() driver API
//
// # Architecture
//
// The core runs single-threaded and cooperative: an external driver loop
// calls Scheduler.Schedule, runs the model forward pass on the returned
// batch, then calls Scheduler.Postprocess with the sampled tokens. There is
// no event queue, no goroutines, and no locking inside this package —
// every operation is synchronous with respect to the driver. See
// ../SPEC_FULL.md for the full expanded specification this package
// implements, and ../DESIGN.md for how each file is grounded.
package sim
