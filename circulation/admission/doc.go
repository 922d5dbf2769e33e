// Package admission bounds how many circulation operations may be in flight
// at once, independent of the coordinator's exclusive lock.
//
// The gate models a constrained worker pool (for example, limited downstream
// storage connections) rather than correctness of the loan state itself: a
// caller first acquires one of N permits, then proceeds through the
// coordinator. Permits are handed out in FIFO order, and the per-category
// operation counters use lock-free atomic increments so diagnostics never
// contend with the critical path.
package admission
