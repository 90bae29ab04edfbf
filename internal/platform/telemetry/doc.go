// Package telemetry provides observability for the dispatch service.
//
// Two concerns are kept apart:
//
// # Audit Log
//
// The audit log is the durable, queryable record of every state transition
// and notification outcome. It lives in the service store and is written in
// the same transaction as the state change it describes.
//
// # Operational Metrics (telemetry/metrics)
//
// Operational metrics capture process health for scraping:
//   - Request status transitions
//   - Notification attempts and breaker state
//   - SLA sweep latency
//   - HTTP request latency
//
// Metrics are lossy and reset on restart; the audit log is not.
package telemetry
