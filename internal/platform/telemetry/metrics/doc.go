// Package metrics exposes Prometheus collectors for the dispatch service.
//
// All recorder methods are safe to call on a nil *Metrics, so components can
// take an optional recorder without guarding every call site.
package metrics
