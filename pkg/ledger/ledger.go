// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

// Package ledger is the durable record of notification attempts per owned
// file. Attempts are append-only facts; chase state (last primary notice,
// chase counter, dedup window) is derived by aggregation, never stored
// independently. Writes are single conditional inserts so a crashed run
// leaves the ledger valid and the next run picks up via the dedup check.
package ledger

import (
	"context"
	"time"
)

// AttemptKind discriminates notification facts. The single-letter values are
// the wire format of the notification_type column.
type AttemptKind string

const (
	// KindPrimary is the first notice informing an owner of flagged data.
	KindPrimary AttemptKind = "m"
	// KindChase is a follow-up notice after the cooldown elapsed without
	// remediation.
	KindChase AttemptKind = "c"
)

// OwnerChase is the per-owner aggregate the selection query produces: one row
// per distinct owner email with pending HR files, the timestamp of the last
// successful primary notice, and the highest recorded chase sequence.
type OwnerChase struct {
	Email          string
	Name           string
	PendingFiles   int
	LastNotifiedAt time.Time
	ChaseCount     int
}

// Attempt is one recorded notification fact.
type Attempt struct {
	OwnershipID   int64
	OccurredAt    time.Time
	Kind          AttemptKind
	Finished      bool
	IsError       bool
	ChaseSequence int
}

// Ledger exposes the chase state reads and the conditional append. All
// methods are safe for use from a single run at a time; the dedup invariant
// is enforced at write time inside the store, not by the caller.
type Ledger interface {
	// EligibleOwners returns owners whose last successful primary notice is
	// older than the cooldown, who have no terminal action on any owned
	// file, and whose address is non-blank.
	EligibleOwners(ctx context.Context, cooldown time.Duration) ([]OwnerChase, error)

	// CurrentChaseCount returns the highest chase sequence among successful,
	// non-error chase facts for the owner. Zero when none exist.
	CurrentChaseCount(ctx context.Context, email string) (int, error)

	// IsWithinDedupWindow reports whether any chase fact, regardless of
	// outcome, exists for the owner within the window.
	IsWithinDedupWindow(ctx context.Context, email string, window time.Duration) (bool, error)

	// RecordAttempt appends one fact per ownership of the owner, unless a
	// chase fact already exists within the dedup window; in that case it
	// affects zero rows and returns no error. The insert and the window
	// check execute as one statement, closing the race between selection
	// and write.
	RecordAttempt(ctx context.Context, email string, kind AttemptKind, finished, isError bool, chaseSequence int, window time.Duration) (int64, error)

	Close() error
}
