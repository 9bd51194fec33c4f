// Package resolver drives PTR lookups against a rotating pool of
// nameservers. It issues queries at the raw DNS message layer so it can
// tell a SERVFAIL rcode apart from a transport failure — a distinction
// github.com/miekg/dns's higher-level client collapses into a single
// error.
package resolver
