// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder stamps and fans out audit events. Sink failures are logged and
// swallowed: the audit trail must never abort a dispatch run.
type Recorder struct {
	sink   Sink
	logger *zap.Logger

	// now is overridable in tests.
	now func() time.Time
}

// NewRecorder creates a Recorder writing to the given sink. A nil sink
// produces a recorder that drops everything, so callers never need to branch.
func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	return &Recorder{
		sink:   sink,
		logger: logger.Named("audit-recorder"),
		now:    time.Now,
	}
}

// Record builds an event and writes it to the sink.
func (r *Recorder) Record(ctx context.Context, eventType EventType, runID, owner string, details map[string]any) {
	if r == nil || r.sink == nil {
		return
	}

	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Severity:  severityFor(eventType),
		Timestamp: r.now().UTC(),
		RunID:     runID,
		Owner:     owner,
		Details:   details,
	}

	if err := r.sink.Write(ctx, event); err != nil {
		r.logger.Warn("dropping audit event",
			zap.String("event_type", string(eventType)),
			zap.String("owner", owner),
			zap.String("error", err.Error()))
	}
}

// Close releases the underlying sink.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.Close()
}
