// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// === Chase notice events (per owner) ===
	EventChaseSent    EventType = "chase.sent"
	EventChaseFailed  EventType = "chase.failed"
	EventChaseSkipped EventType = "chase.skipped"

	// === Run lifecycle events ===
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunGated     EventType = "run.gated"

	// === Ingestion events ===
	EventIngestCompleted EventType = "ingest.completed"
	EventIngestFailed    EventType = "ingest.failed"
)

// Severity indicates the importance of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single audit record. Events are write-once; sinks must never
// mutate them.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Severity indicates the event importance.
	Severity Severity `json:"severity"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID correlates every event of one dispatch run.
	RunID string `json:"runId,omitempty"`

	// Owner is the e-mail address of the affected data owner, when the
	// event concerns a single owner.
	Owner string `json:"owner,omitempty"`

	// Details carries event-specific payload.
	Details map[string]any `json:"details,omitempty"`
}

// severityFor maps event types to a default severity.
func severityFor(t EventType) Severity {
	switch t {
	case EventChaseFailed, EventIngestFailed:
		return SeverityWarning
	case EventRunFailed:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}
