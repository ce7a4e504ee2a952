// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testCooldown = 7 * 24 * time.Hour
	testWindow   = 24 * time.Hour
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), time.Second, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedOwner creates an owner with the given number of HR files and returns
// the ownership ids.
func seedOwner(t *testing.T, s *Store, psid, name, email string, files int) []int64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertOwner(ctx, Owner{PSID: psid, Name: name, Email: email}))

	ids := make([]int64, 0, files)
	for i := 0; i < files; i++ {
		fileID, err := s.InsertRawRows(ctx, []RawRow{{
			FullPath:     fmt.Sprintf("/dfs/share/%s/report-%d.xlsx", psid, i),
			DocumentName: fmt.Sprintf("report-%d.xlsx", i),
			OwnerLogin:   psid,
			LoadFor:      "HR",
		}})
		require.NoError(t, err)
		oid, err := s.AddOwnership(ctx, psid, fileID)
		require.NoError(t, err)
		ids = append(ids, oid)
	}
	return ids
}

func TestEligibleOwnersAfterCooldown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOwner(t, s, "A123", "Alice Adams", "alice@example.com", 3)
	seedOwner(t, s, "B456", "Bob Brown", "bob@example.com", 1)

	now := time.Now()
	require.NoError(t, s.RecordPrimaryNotice(ctx, "alice@example.com", now.Add(-8*24*time.Hour)))
	require.NoError(t, s.RecordPrimaryNotice(ctx, "bob@example.com", now.Add(-6*24*time.Hour)))

	owners, err := s.EligibleOwners(ctx, testCooldown)
	require.NoError(t, err)
	require.Len(t, owners, 1)

	assert.Equal(t, "alice@example.com", owners[0].Email)
	assert.Equal(t, "Alice Adams", owners[0].Name)
	assert.Equal(t, 3, owners[0].PendingFiles)
	assert.Equal(t, 0, owners[0].ChaseCount)
	assert.WithinDuration(t, now.Add(-8*24*time.Hour), owners[0].LastNotifiedAt, time.Second)
}

func TestEligibleOwnersRequiresPrimaryNotice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Files on record but the owner was never notified.
	seedOwner(t, s, "C789", "Carol Clark", "carol@example.com", 2)

	owners, err := s.EligibleOwners(ctx, testCooldown)
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestEligibleOwnersSkipsBlankEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOwner(t, s, "D012", "Dan Doe", "   ", 1)
	require.NoError(t, s.RecordPrimaryNotice(ctx, "   ", time.Now().Add(-10*24*time.Hour)))

	owners, err := s.EligibleOwners(ctx, testCooldown)
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestEligibleOwnersSkipsNonHRLoads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertOwner(ctx, Owner{PSID: "E345", Name: "Eve Evans", Email: "eve@example.com"}))
	fileID, err := s.InsertRawRows(ctx, []RawRow{{FullPath: "/dfs/fin/q3.xlsx", LoadFor: "FINANCE"}})
	require.NoError(t, err)
	_, err = s.AddOwnership(ctx, "E345", fileID)
	require.NoError(t, err)

	// Primary notice insert is itself scoped to HR loads, so backdate by hand.
	_, err = s.db.Exec(`
INSERT INTO user_notification (ownership_id, notification_date, notification_type, finished, is_error, chasing_count)
SELECT id, ?, 'm', 1, 0, 0 FROM file_ownership WHERE psid = 'E345'`,
		fmtTime(time.Now().Add(-10*24*time.Hour)))
	require.NoError(t, err)

	owners, err := s.EligibleOwners(ctx, testCooldown)
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestEligibleOwnersExcludesActionedFiles(t *testing.T) {
	for _, table := range []string{"label_action", "delete_action", "user_action"} {
		t.Run(table, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()

			ids := seedOwner(t, s, "F678", "Finn Ford", "finn@example.com", 2)
			require.NoError(t, s.RecordPrimaryNotice(ctx, "finn@example.com", time.Now().Add(-9*24*time.Hour)))

			// One remediated file drops out, the other keeps the owner eligible.
			_, err := s.db.Exec(
				fmt.Sprintf(`INSERT INTO %s (ownership_id, acted_at) VALUES (?, ?)`, table),
				ids[0], fmtTime(time.Now()))
			require.NoError(t, err)

			owners, err := s.EligibleOwners(ctx, testCooldown)
			require.NoError(t, err)
			require.Len(t, owners, 1)
			assert.Equal(t, 1, owners[0].PendingFiles)

			// Remediating the last file removes the owner entirely.
			_, err = s.db.Exec(
				fmt.Sprintf(`INSERT INTO %s (ownership_id, acted_at) VALUES (?, ?)`, table),
				ids[1], fmtTime(time.Now()))
			require.NoError(t, err)

			owners, err = s.EligibleOwners(ctx, testCooldown)
			require.NoError(t, err)
			assert.Empty(t, owners)
		})
	}
}

func TestChaseCountIncrementsPerSuccessfulChase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOwner(t, s, "G901", "Gina Gray", "gina@example.com", 1)
	require.NoError(t, s.RecordPrimaryNotice(ctx, "gina@example.com", time.Now().Add(-60*24*time.Hour)))

	for seq := 1; seq <= 3; seq++ {
		// Space attempts beyond the dedup window.
		backdate := time.Now().Add(-time.Duration(10-3*seq) * 24 * time.Hour)
		s.now = func() time.Time { return backdate }

		count, err := s.CurrentChaseCount(ctx, "gina@example.com")
		require.NoError(t, err)
		assert.Equal(t, seq-1, count)

		affected, err := s.RecordAttempt(ctx, "gina@example.com", KindChase, true, false, count+1, testWindow)
		require.NoError(t, err)
		assert.Equal(t, int64(1), affected)
	}

	s.now = time.Now
	count, err := s.CurrentChaseCount(ctx, "gina@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestFailedChaseDoesNotAdvanceCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOwner(t, s, "H234", "Hank Hill", "hank@example.com", 1)
	require.NoError(t, s.RecordPrimaryNotice(ctx, "hank@example.com", time.Now().Add(-30*24*time.Hour)))

	s.now = func() time.Time { return time.Now().Add(-2 * 24 * time.Hour) }
	affected, err := s.RecordAttempt(ctx, "hank@example.com", KindChase, true, true, 1, testWindow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	s.now = time.Now

	count, err := s.CurrentChaseCount(ctx, "hank@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDedupWindowBlocksRecentChase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOwner(t, s, "I567", "Iris Ito", "iris@example.com", 1)
	require.NoError(t, s.RecordPrimaryNotice(ctx, "iris@example.com", time.Now().Add(-30*24*time.Hour)))

	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	_, err := s.RecordAttempt(ctx, "iris@example.com", KindChase, true, false, 1, testWindow)
	require.NoError(t, err)
	s.now = time.Now

	within, err := s.IsWithinDedupWindow(ctx, "iris@example.com", testWindow)
	require.NoError(t, err)
	assert.True(t, within)

	affected, err := s.RecordAttempt(ctx, "iris@example.com", KindChase, true, false, 2, testWindow)
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestDedupWindowAllowsOldChase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOwner(t, s, "J890", "Jon Jones", "jon@example.com", 1)
	require.NoError(t, s.RecordPrimaryNotice(ctx, "jon@example.com", time.Now().Add(-30*24*time.Hour)))

	s.now = func() time.Time { return time.Now().Add(-25 * time.Hour) }
	_, err := s.RecordAttempt(ctx, "jon@example.com", KindChase, true, false, 1, testWindow)
	require.NoError(t, err)
	s.now = time.Now

	within, err := s.IsWithinDedupWindow(ctx, "jon@example.com", testWindow)
	require.NoError(t, err)
	assert.False(t, within)

	affected, err := s.RecordAttempt(ctx, "jon@example.com", KindChase, true, false, 2, testWindow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
}

func TestDedupWindowCountsFailedAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOwner(t, s, "K123", "Kim Ko", "kim@example.com", 1)
	require.NoError(t, s.RecordPrimaryNotice(ctx, "kim@example.com", time.Now().Add(-30*24*time.Hour)))

	// A failed chase still occupies the window.
	s.now = func() time.Time { return time.Now().Add(-3 * time.Hour) }
	_, err := s.RecordAttempt(ctx, "kim@example.com", KindChase, true, true, 1, testWindow)
	require.NoError(t, err)
	s.now = time.Now

	affected, err := s.RecordAttempt(ctx, "kim@example.com", KindChase, true, false, 1, testWindow)
	require.NoError(t, err)
	assert.Zero(t, affected)
}

// Two writers whose pre-checks both passed cannot both land inside the
// window: the second insert finds the first fact and affects zero rows.
func TestRecordAttemptClosesSelectionRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOwner(t, s, "L456", "Lea Lang", "lea@example.com", 1)
	require.NoError(t, s.RecordPrimaryNotice(ctx, "lea@example.com", time.Now().Add(-30*24*time.Hour)))

	within, err := s.IsWithinDedupWindow(ctx, "lea@example.com", testWindow)
	require.NoError(t, err)
	require.False(t, within)

	first, err := s.RecordAttempt(ctx, "lea@example.com", KindChase, true, false, 1, testWindow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	second, err := s.RecordAttempt(ctx, "lea@example.com", KindChase, true, false, 1, testWindow)
	require.NoError(t, err)
	assert.Zero(t, second)
}

func TestPrimaryNoticeIgnoresDedupWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOwner(t, s, "M789", "Max Mayer", "max@example.com", 1)

	first, err := s.RecordAttempt(ctx, "max@example.com", KindPrimary, true, false, 0, testWindow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	second, err := s.RecordAttempt(ctx, "max@example.com", KindPrimary, true, false, 0, testWindow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second)
}

func TestRecordAttemptCoversEveryPendingFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOwner(t, s, "N012", "Nina Novak", "nina@example.com", 4)
	require.NoError(t, s.RecordPrimaryNotice(ctx, "nina@example.com", time.Now().Add(-30*24*time.Hour)))

	affected, err := s.RecordAttempt(ctx, "nina@example.com", KindChase, true, false, 1, testWindow)
	require.NoError(t, err)
	assert.Equal(t, int64(4), affected)
}
