// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/telekom/hrdata-chaser/pkg/metrics"
)

// RawRow is one classified-file record from a scanner export.
type RawRow struct {
	PathID             int64
	FullPath           string
	DocumentName       string
	DFS                string
	CreatedDate        string
	ModifiedDate       string
	AccessedDate       string
	CreatorName        string
	OwnerName          string
	OwnerLogin         string
	ModifierName       string
	ModifierLogin      string
	AccessorName       string
	AccessorLogin      string
	ClassifyTime       string
	Tags               string
	Ownership          string
	InferredOwnerLevel string
	LoadFor            string
}

// Owner identifies the person a file is attributed to.
type Owner struct {
	PSID  string
	Name  string
	Email string
}

// RawWriter is the ingestion-facing half of the store.
type RawWriter interface {
	InsertRawRows(ctx context.Context, rows []RawRow) (int64, error)
	UpsertOwner(ctx context.Context, o Owner) error
	AddOwnership(ctx context.Context, psid string, fileID int64) (int64, error)
	RecordPrimaryNotice(ctx context.Context, email string, when time.Time) error
}

// InsertRawRows appends scanner rows in one transaction and returns the id of
// the first inserted row. Ownerships reference these ids.
func (s *Store) InsertRawRows(ctx context.Context, rows []RawRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO di_raw (path_id, full_path, document_name, dfs,
                    created_date, modified_date, accessed_date,
                    creator_name, owner_name, owner_login,
                    modifier_name, modifier_login, accessor_name, accessor_login,
                    classify_time, tags, ownership, inferred_owner_level, load_for)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var firstID int64
	for i, r := range rows {
		res, err := stmt.ExecContext(ctx,
			r.PathID, r.FullPath, r.DocumentName, r.DFS,
			r.CreatedDate, r.ModifiedDate, r.AccessedDate,
			r.CreatorName, r.OwnerName, r.OwnerLogin,
			r.ModifierName, r.ModifierLogin, r.AccessorName, r.AccessorLogin,
			r.ClassifyTime, r.Tags, r.Ownership, r.InferredOwnerLevel, r.LoadFor)
		if err != nil {
			return 0, fmt.Errorf("inserting raw row %d: %w", i, err)
		}
		if i == 0 {
			if firstID, err = res.LastInsertId(); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	metrics.IngestRows.Add(float64(len(rows)))
	return firstID, nil
}

// UpsertOwner creates or refreshes the owner record keyed by PSID.
func (s *Store) UpsertOwner(ctx context.Context, o Owner) error {
	if strings.TrimSpace(o.PSID) == "" {
		return fmt.Errorf("owner psid is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO file_owner (psid, owner_name, owner_email)
VALUES (?, ?, ?)
ON CONFLICT (psid) DO UPDATE SET
    owner_name  = excluded.owner_name,
    owner_email = excluded.owner_email`,
		o.PSID, o.Name, o.Email)
	if err != nil {
		return fmt.Errorf("upserting owner %s: %w", o.PSID, err)
	}
	return nil
}

// AddOwnership links a raw file row to an owner and returns the ownership id.
func (s *Store) AddOwnership(ctx context.Context, psid string, fileID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO file_ownership (psid, file_id) VALUES (?, ?)`, psid, fileID)
	if err != nil {
		return 0, fmt.Errorf("linking file %d to owner %s: %w", fileID, psid, err)
	}
	return res.LastInsertId()
}

// RecordPrimaryNotice appends a successful first notice for every HR
// ownership of the owner, dated at the given time. Chase eligibility starts
// from this fact.
func (s *Store) RecordPrimaryNotice(ctx context.Context, email string, when time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_notification (ownership_id, notification_date, notification_type, finished, is_error, chasing_count)
SELECT fop.id, ?, 'm', 1, 0, 0
FROM file_ownership fop
JOIN file_owner fo ON fo.psid = fop.psid
JOIN di_raw didat ON didat.id = fop.file_id
WHERE fo.owner_email = ?
  AND didat.load_for = 'HR'`, fmtTime(when), email)
	if err != nil {
		return fmt.Errorf("recording primary notice for %s: %w", email, err)
	}
	return nil
}
