// Package worker runs the fetch -> work -> finish loop: pull a job from
// the coordinator, resolve every address in its range through a per-worker
// Resolver Driver, batch the results back to the coordinator, and report
// completion stats.
package worker
