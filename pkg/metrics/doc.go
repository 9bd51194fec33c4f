// Package metrics exposes the sweep's Prometheus metrics and a lightweight
// HTTP health surface.
//
// All metrics are registered at package init and updated from the
// coordinator, resolver, and worker packages as the sweep runs. Handler
// wires /metrics; HealthHandler/ReadyHandler/LivenessHandler wire the rest
// of the operational surface a long-running sweep process needs.
package metrics
