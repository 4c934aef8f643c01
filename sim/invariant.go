package sim

import "github.com/sirupsen/logrus"

// check panics with a structured log line when a fatal precondition fails:
// a nonzero ref_count on block allocate/deallocate, ref-count underflow, a
// may_append case mismatch, or an empty decode batch. An empty free list
// is not guarded here; popping from it panics inside the deque itself.
// These indicate a bug in the
// scheduler or block manager, not a runtime resource condition, so they
// are never recovered from (spec §7.1 — "fail loudly").
func check(cond bool, msg string, fields logrus.Fields) {
	if cond {
		return
	}
	logrus.WithFields(fields).Panic("kv-cache invariant violation: " + msg)
}
