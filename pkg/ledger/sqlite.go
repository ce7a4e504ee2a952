package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/telekom/hrdata-chaser/pkg/metrics"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeLayout is a fixed-width UTC format so lexicographic comparison in SQL
// matches chronological order.
const timeLayout = "2006-01-02 15:04:05.000"

// Store is the SQLite-backed Ledger. It also carries the raw-data writes the
// ingestion pipeline needs.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger

	// now is overridable in tests to backdate facts.
	now func() time.Time
}

// Open opens (and migrates) the ledger database at path.
func Open(path string, busyTimeout time.Duration, log *zap.SugaredLogger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log.Named("ledger"), now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating ledger schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const eligibleOwnersQuery = `
SELECT fo.owner_email,
       COALESCE(fo.owner_name, 'User')       AS owner_name,
       COUNT(DISTINCT fop.id)                AS pending_files,
       MAX(last_ok.nd)                       AS last_notification,
       COALESCE(MAX(chase.cc), 0)            AS chase_count
FROM file_owner fo
JOIN file_ownership fop ON fop.psid = fo.psid
JOIN di_raw didat ON didat.id = fop.file_id
LEFT JOIN (
    SELECT ownership_id, MAX(notification_date) AS nd
    FROM user_notification
    WHERE notification_type = 'm' AND finished = 1 AND is_error = 0
    GROUP BY ownership_id
) last_ok ON last_ok.ownership_id = fop.id
LEFT JOIN (
    SELECT ownership_id, MAX(chasing_count) AS cc
    FROM user_notification
    WHERE notification_type = 'c' AND finished = 1 AND is_error = 0
    GROUP BY ownership_id
) chase ON chase.ownership_id = fop.id
WHERE last_ok.nd IS NOT NULL
  AND last_ok.nd <= ?
  AND NOT EXISTS (SELECT 1 FROM label_action la WHERE la.ownership_id = fop.id)
  AND NOT EXISTS (SELECT 1 FROM delete_action da WHERE da.ownership_id = fop.id)
  AND NOT EXISTS (SELECT 1 FROM user_action ua WHERE ua.ownership_id = fop.id)
  AND didat.load_for = 'HR'
  AND TRIM(COALESCE(fo.owner_email, '')) <> ''
GROUP BY fo.owner_email, fo.owner_name
ORDER BY fo.owner_email`

// EligibleOwners implements the selection read of the chase run.
func (s *Store) EligibleOwners(ctx context.Context, cooldown time.Duration) ([]OwnerChase, error) {
	cutoff := fmtTime(s.now().Add(-cooldown))

	rows, err := s.db.QueryContext(ctx, eligibleOwnersQuery, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying eligible owners: %w", err)
	}
	defer rows.Close()

	var owners []OwnerChase
	for rows.Next() {
		var o OwnerChase
		var last string
		if err := rows.Scan(&o.Email, &o.Name, &o.PendingFiles, &last, &o.ChaseCount); err != nil {
			return nil, fmt.Errorf("scanning eligible owner: %w", err)
		}
		if o.LastNotifiedAt, err = parseTime(last); err != nil {
			return nil, fmt.Errorf("parsing notification date for %s: %w", o.Email, err)
		}
		owners = append(owners, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating eligible owners: %w", err)
	}

	s.log.Infow("Selected owners for chasing", "count", len(owners))
	return owners, nil
}

// CurrentChaseCount returns the highest successful chase sequence for the owner.
func (s *Store) CurrentChaseCount(ctx context.Context, email string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(un.chasing_count), 0)
FROM user_notification un
JOIN file_ownership fop ON fop.id = un.ownership_id
JOIN file_owner fo ON fo.psid = fop.psid
WHERE fo.owner_email = ?
  AND un.notification_type = 'c'
  AND un.finished = 1
  AND un.is_error = 0`, email).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("reading chase count for %s: %w", email, err)
	}
	return count, nil
}

// IsWithinDedupWindow reports whether any chase fact, successful or not,
// exists for the owner within the window.
func (s *Store) IsWithinDedupWindow(ctx context.Context, email string, window time.Duration) (bool, error) {
	cutoff := fmtTime(s.now().Add(-window))

	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1
FROM user_notification un
JOIN file_ownership fop ON fop.id = un.ownership_id
JOIN file_owner fo ON fo.psid = fop.psid
WHERE fo.owner_email = ?
  AND un.notification_type = 'c'
  AND un.notification_date >= ?
LIMIT 1`, email, cutoff).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking dedup window for %s: %w", email, err)
	}
	return true, nil
}

// RecordAttempt appends one notification fact per HR ownership of the owner.
// For chase attempts the dedup window is re-checked inside the insert
// statement itself, so a concurrent writer cannot slip a second attempt into
// the window between selection and write.
func (s *Store) RecordAttempt(ctx context.Context, email string, kind AttemptKind, finished, isError bool, chaseSequence int, window time.Duration) (int64, error) {
	now := s.now()
	occurredAt := fmtTime(now)

	var res sql.Result
	var err error
	if kind == KindChase {
		cutoff := fmtTime(now.Add(-window))
		res, err = s.db.ExecContext(ctx, `
INSERT INTO user_notification (ownership_id, notification_date, notification_type, finished, is_error, chasing_count)
SELECT fop.id, ?, ?, ?, ?, ?
FROM file_ownership fop
JOIN file_owner fo ON fo.psid = fop.psid
JOIN di_raw didat ON didat.id = fop.file_id
WHERE fo.owner_email = ?
  AND didat.load_for = 'HR'
  AND NOT EXISTS (
      SELECT 1 FROM user_notification un
      WHERE un.ownership_id = fop.id
        AND un.notification_type = 'c'
        AND un.notification_date >= ?
  )`, occurredAt, string(kind), boolInt(finished), boolInt(isError), chaseSequence, email, cutoff)
	} else {
		res, err = s.db.ExecContext(ctx, `
INSERT INTO user_notification (ownership_id, notification_date, notification_type, finished, is_error, chasing_count)
SELECT fop.id, ?, ?, ?, ?, ?
FROM file_ownership fop
JOIN file_owner fo ON fo.psid = fop.psid
JOIN di_raw didat ON didat.id = fop.file_id
WHERE fo.owner_email = ?
  AND didat.load_for = 'HR'`, occurredAt, string(kind), boolInt(finished), boolInt(isError), chaseSequence, email)
	}
	if err != nil {
		metrics.LedgerWriteErrors.Inc()
		return 0, fmt.Errorf("recording %s attempt for %s: %w", kind, email, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows for %s: %w", email, err)
	}
	if affected > 0 {
		metrics.ChaseRecorded.WithLabelValues(string(kind)).Add(float64(affected))
		s.log.Infow("Recorded notification attempt",
			"email", email,
			"kind", kind,
			"rows", affected,
			"chaseSequence", chaseSequence,
			"isError", isError)
	} else if kind == KindChase {
		metrics.ChaseDeduped.Inc()
		s.log.Infow("Attempt blocked by dedup window", "email", email)
	}
	return affected, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
