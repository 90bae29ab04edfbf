// Package timeouts defines shared timeout constants used across the dispatch
// service. Every external call carries one of these bounds.
package timeouts

import "time"

// ChannelSend caps a single notification channel send attempt.
const ChannelSend = 10 * time.Second

// PoolLookup caps one counterparty pool lookup against the eligibility source.
const PoolLookup = 5 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second

// RemoteCall caps one CLI call against the dispatch HTTP API.
const RemoteCall = 10 * time.Second
