// Package anonymity implements the one-time reservation of anonymous
// participant identifiers.
//
// Each experiment carries its own reservation scope: an anonymous identifier
// may be used at most once per experiment, but the same identifier is free
// to appear in different experiments. Reservations are write-once, with no
// release operation: a consumed identifier stays consumed for the life of
// the experiment record.
//
// Two implementations are provided: MemoryRegistry for single-instance
// deployments and tests, and RedisRegistry for deployments where several
// ledger instances must agree on reservations. Both guarantee that Reserve
// is an atomic test-and-set.
package anonymity
