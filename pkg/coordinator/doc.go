// Package coordinator is the "C2": it materializes the IPv4 sweep into an
// in-memory FIFO queue of jobs backed by the durable Job Store, hands jobs
// out to workers with at-most-one-in-flight-per-worker semantics, refills
// the queue from new and recycled jobs as it runs low, persists PTR
// results, and recovers jobs a worker abandoned without finishing.
package coordinator
