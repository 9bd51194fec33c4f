// Package types holds the data model shared by the coordinator, worker,
// resolver, and storage packages.
package types

import "time"

// Job represents a contiguous half-open IPv4 block [IPFrom, IPTo) that a
// worker resolves in full before reporting completion.
//
// Nullable fields use pointers so "never happened" is distinguishable from
// the zero time/value, matching the nullable SQL columns in the jobs table.
type Job struct {
	ID int64
	// IPFrom/IPTo are uint64, matching blockgen.Block: the exclusive upper
	// bound of the full sweep is 2^32, one past the largest real IPv4
	// address, which overflows a uint32.
	IPFrom        uint64
	IPTo          uint64
	RetrievedAt   *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Nameserver    *string
	NXDomainCount *int
	ErrorCount    *int
}

// PTRRecord is a single reverse-DNS observation, keyed by IP.
type PTRRecord struct {
	IP  uint32
	PTR string
}

// Result text alphabet. Every PTR lookup outcome is either a domain name
// or one of these four values, so the result stream is always well-formed.
const (
	ResultNXDomain = "NXDOMAIN"
	ResultTimeout  = "TIMEOUT"
	ResultServfail = "SERVFAIL"
	ResultError    = "ERROR"
)

// JobStats accumulates resolver outcomes for a single job. It is reset to
// zero at the start of every job.
type JobStats struct {
	ResolveCount  int
	NXDomainCount int
	TimeoutCount  int
	ErrCount      int
	ServfailCount int
	TotalDuration time.Duration
}

// Reset zeroes all counters in place.
func (s *JobStats) Reset() {
	*s = JobStats{}
}

// ErrorCountTotal returns the rolled-up error count a finished job reports:
// timeouts, comm errors, and SERVFAILs are all "not a clean resolve."
func (s *JobStats) ErrorCountTotal() int {
	return s.TimeoutCount + s.ErrCount + s.ServfailCount
}

// NameserverHealth tracks one nameserver's behavior over the lifetime of
// the worker that owns it. It is never shared across workers.
type NameserverHealth struct {
	Good          bool
	ResolveCount  int
	NXDomainCount int
	TimeoutCount  int
	ErrCount      int
	ServfailCount int
	TotalDuration time.Duration
}
