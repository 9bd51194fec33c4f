package resolver

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/ptrsweep/ptrsweep/pkg/ipaddr"
	"github.com/ptrsweep/ptrsweep/pkg/log"
	"github.com/ptrsweep/ptrsweep/pkg/metrics"
	"github.com/ptrsweep/ptrsweep/pkg/types"
)

// CommErrThreshold is the cumulative comm-error count a nameserver must
// strictly exceed before it is demoted. SERVFAIL and TIMEOUT never count
// toward this total.
const CommErrThreshold = 10

// Outcome classifies a single PTR query, in the priority order the driver
// evaluates them: a truncated UDP response is retried over TCP before any
// of these are assigned.
type Outcome int

const (
	Success Outcome = iota
	NXDomain
	Servfail
	Timeout
	CommError
)

// ErrNoGoodNameservers is fatal: every nameserver in the pool has been
// demoted and the driver has nothing left to query with.
var ErrNoGoodNameservers = errors.New("resolver: no more nameservers")

// DefaultTimeout is the per-query timeout NewDriver applies when the
// caller doesn't specify one, per spec.md §4.3.
const DefaultTimeout = 3 * time.Second

// Exchanger is the raw message-layer send/receive the driver needs. It is
// satisfied by *dns.Client, and by a fake in tests so outcomes can be
// scripted without a network.
type Exchanger interface {
	Exchange(m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// Driver resolves PTR records against a pool of nameservers, tracking each
// nameserver's health and demoting ones that accumulate too many
// communication errors. A Driver is owned by a single worker; it is not
// safe for concurrent use by more than one goroutine.
type Driver struct {
	udp Exchanger
	tcp Exchanger

	mu          sync.Mutex
	nameservers []string
	health      map[string]*types.NameserverHealth
	current     string

	log zerolog.Logger
}

// NewDriver builds a Driver over nameservers, shuffled so that many
// worker goroutines starting at once don't all hammer the same nameserver
// first. If includeHostDefault is true, the system resolver's first
// configured nameserver (read from /etc/resolv.conf) is appended to the
// pool afterward, matching the original tool's "always fall back to
// whatever the host already trusts" behavior. timeout <= 0 applies
// DefaultTimeout.
func NewDriver(nameservers []string, timeout time.Duration, includeHostDefault bool) *Driver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pool := append([]string(nil), nameservers...)
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if includeHostDefault {
		if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
			pool = append(pool, cfg.Servers[0])
		}
	}
	return newDriver(pool, &dns.Client{Net: "udp", Timeout: timeout}, &dns.Client{Net: "tcp", Timeout: timeout})
}

// NewDriverForTesting builds a Driver that sends every query (UDP and the
// TCP truncation retry alike) through ex instead of a real network socket,
// so outcomes can be scripted deterministically.
func NewDriverForTesting(nameservers []string, ex Exchanger) *Driver {
	return newDriver(append([]string(nil), nameservers...), ex, ex)
}

func newDriver(pool []string, udp, tcp Exchanger) *Driver {
	health := make(map[string]*types.NameserverHealth, len(pool))
	for _, ns := range pool {
		health[ns] = &types.NameserverHealth{Good: true}
	}

	var current string
	if len(pool) > 0 {
		current = pool[0]
	}

	metrics.NameserversGood.Add(float64(len(pool)))

	return &Driver{
		udp:         udp,
		tcp:         tcp,
		nameservers: pool,
		health:      health,
		current:     current,
		log:         log.WithComponent("resolver"),
	}
}

// Current returns the nameserver the driver is presently using.
func (d *Driver) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Health returns a snapshot of a nameserver's accumulated stats. It is
// intended for tests and diagnostics, not the hot path.
func (d *Driver) Health(ns string) types.NameserverHealth {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.health[ns]
}

// Resolve looks up the PTR record for ip, returning the result text
// (always one of the well-formed alphabet values) and the classified
// outcome. It returns ctx.Err() if ctx is already done, and
// ErrNoGoodNameservers if the nameserver pool is exhausted; both are
// fatal to the caller's job, which is left unfinished for the watchdog.
func (d *Driver) Resolve(ctx context.Context, ip uint32) (string, Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", CommError, err
	}

	d.mu.Lock()
	ns := d.current
	d.mu.Unlock()

	if ns == "" {
		return "", CommError, ErrNoGoodNameservers
	}

	name := ipaddr.ReverseName(ip)
	m := &dns.Msg{}
	m.SetQuestion(name, dns.TypePTR)
	m.RecursionDesired = true

	addr := joinHostPort(ns)

	start := time.Now()
	resp, _, err := d.udp.Exchange(m, addr)
	if err == nil && resp != nil && resp.Truncated {
		resp, _, err = d.tcp.Exchange(m, addr)
	}
	duration := time.Since(start)

	ptrText, outcome := classify(resp, err)

	metrics.ResolveOutcomesTotal.WithLabelValues(outcomeLabel(outcome)).Inc()
	metrics.ResolveDuration.Observe(duration.Seconds())

	// A demotion that exhausts the pool surfaces on the NEXT call, once
	// Current() is empty and there is nowhere left to send a query: this
	// query's own outcome is still reported normally.
	d.record(ns, outcome, duration)
	return ptrText, outcome, nil
}

func outcomeLabel(o Outcome) string {
	switch o {
	case Success:
		return "success"
	case NXDomain:
		return "nxdomain"
	case Servfail:
		return "servfail"
	case Timeout:
		return "timeout"
	default:
		return "comm_error"
	}
}

// classify maps a raw exchange result to the well-formed result-text
// alphabet and an Outcome, in spec priority order: success, then
// NXDOMAIN, then SERVFAIL, then TIMEOUT, with anything else (a socket
// error, a malformed response, REFUSED, FORMERR, YXDOMAIN, ...) falling
// through to CommError/"ERROR".
func classify(resp *dns.Msg, err error) (string, Outcome) {
	if err != nil {
		if isTimeout(err) {
			return types.ResultTimeout, Timeout
		}
		return types.ResultError, CommError
	}
	if resp == nil {
		return types.ResultError, CommError
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return ptr.Ptr, Success
			}
		}
		// NOERROR with no PTR answer (e.g. an empty or referral response)
		// is not a usable result, but it is also not a transport failure.
		return types.ResultNXDomain, NXDomain
	case dns.RcodeNameError:
		return types.ResultNXDomain, NXDomain
	case dns.RcodeServerFailure:
		return types.ResultServfail, Servfail
	default:
		return types.ResultError, CommError
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "i/o timeout")
}

// record updates the current nameserver's health counters for outcome and
// duration, demoting and switching nameservers as needed. It returns true
// if the pool is now exhausted.
func (d *Driver) record(ns string, outcome Outcome, duration time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.health[ns]
	if !ok {
		return d.current == ""
	}

	switch outcome {
	case Success:
		h.ResolveCount++
		h.TotalDuration += duration
	case NXDomain:
		h.ResolveCount++
		h.NXDomainCount++
		h.TotalDuration += duration
	case Servfail:
		h.ServfailCount++
	case Timeout:
		h.TimeoutCount++
	case CommError:
		h.ErrCount++
	}

	if h.ErrCount > CommErrThreshold {
		d.log.Warn().Str("nameserver", ns).Int("errcnt", h.ErrCount).Msg("demoting nameserver")
		h.Good = false
		metrics.NameserversDemotedTotal.Inc()
		metrics.NameserversGood.Dec()
		return d.switchNameserver()
	}
	return false
}

// switchNameserver picks the next good nameserver after the current one,
// wrapping around the pool, and resets its stats to zero — matching the
// original tool's reset-on-switch-to behavior. Caller must hold d.mu.
// It returns true if no good nameserver remains.
func (d *Driver) switchNameserver() bool {
	n := len(d.nameservers)
	start := 0
	for i, ns := range d.nameservers {
		if ns == d.current {
			start = i
			break
		}
	}
	for i := 1; i <= n; i++ {
		ns := d.nameservers[(start+i)%n]
		if d.health[ns].Good {
			d.current = ns
			*d.health[ns] = types.NameserverHealth{Good: true}
			d.log.Info().Str("nameserver", ns).Msg("switched nameserver")
			return false
		}
	}
	d.current = ""
	d.log.Error().Msg("no good nameservers remain")
	return true
}

// joinHostPort appends the standard DNS port unless ns already names one,
// handling bare IPv6 literals the way net.JoinHostPort expects.
func joinHostPort(ns string) string {
	if host, port, err := net.SplitHostPort(ns); err == nil {
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(ns, "53")
}
