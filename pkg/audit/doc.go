// Package audit emits an immutable trail of dispatch-run events to
// configurable sinks (structured log, Kafka).
package audit
