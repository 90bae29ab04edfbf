// Package domain defines the request-matching data model: requests and their
// snapshots, ranked candidates, routing attempts, decisions, notification
// events and audit entries.
//
// Types here carry no persistence or transport concerns. Lifecycle rules that
// do not need storage (status transitions, terminal checks, terms parsing) live
// beside the types they govern.
package domain
