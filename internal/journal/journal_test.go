package journal_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/filesentry/agent/internal/daemon"
	"github.com/filesentry/agent/internal/journal"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// makeEvent returns a minimal ChangeEvent for use in tests.
func makeEvent(target string) daemon.ChangeEvent {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return daemon.ChangeEvent{
		EventID:    uuid.NewString(),
		Target:     target,
		Path:       "/etc/" + target,
		ModTime:    now.Add(-time.Second),
		DetectedAt: now,
	}
}

// openMemJournal opens an in-memory Journal and registers t.Cleanup to close
// it, ensuring the database is closed even when tests fail.
func openMemJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestOpen_InMemory_EmptyDepth(t *testing.T) {
	j := openMemJournal(t)
	if d := j.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestOpen_FileDB_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open(%q): %v", path, err)
	}
	if err := j.Record(ctx, makeEvent("hosts")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the depth counter must be seeded from the persisted rows.
	j2, err := journal.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	if d := j2.Depth(); d != 1 {
		t.Errorf("Depth after reopen = %d, want 1", d)
	}
}

// ---------------------------------------------------------------------------
// Record / Recent
// ---------------------------------------------------------------------------

func TestRecord_IncreasesDepth(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, makeEvent("nginx-conf")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if d := j.Depth(); d != 1 {
		t.Errorf("Depth = %d after one Record, want 1", d)
	}
}

func TestRecord_DuplicateEventID_Fails(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	evt := makeEvent("hosts")
	if err := j.Record(ctx, evt); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(ctx, evt); err == nil {
		t.Fatal("expected unique-constraint error for duplicate event_id")
	}
}

func TestRecent_NewestFirstWithPaging(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := j.Record(ctx, makeEvent(fmt.Sprintf("target-%d", i))); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	page, err := j.Recent(ctx, 2, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len(Recent) = %d, want 2", len(page))
	}
	if page[0].Target != "target-4" || page[1].Target != "target-3" {
		t.Errorf("page 1 = [%s, %s], want [target-4, target-3]", page[0].Target, page[1].Target)
	}

	page2, err := j.Recent(ctx, 2, 2)
	if err != nil {
		t.Fatalf("Recent offset 2: %v", err)
	}
	if len(page2) != 2 || page2[0].Target != "target-2" {
		t.Errorf("page 2 starts with %q, want target-2", page2[0].Target)
	}
}

func TestRecent_RoundTripsTimestamps(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	evt := makeEvent("hosts")
	if err := j.Record(ctx, evt); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := j.Recent(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(Recent) = %d, want 1", len(got))
	}
	if !got[0].ModTime.Equal(evt.ModTime) {
		t.Errorf("ModTime = %v, want %v", got[0].ModTime, evt.ModTime)
	}
	if !got[0].DetectedAt.Equal(evt.DetectedAt) {
		t.Errorf("DetectedAt = %v, want %v", got[0].DetectedAt, evt.DetectedAt)
	}
}

func TestRecent_ZeroLimitReturnsNil(t *testing.T) {
	j := openMemJournal(t)
	got, err := j.Recent(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if got != nil {
		t.Errorf("Recent(0) = %v, want nil", got)
	}
}

// ---------------------------------------------------------------------------
// Unarchived / MarkArchived
// ---------------------------------------------------------------------------

func TestUnarchived_OldestFirstAndExcludesArchived(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := j.Record(ctx, makeEvent(fmt.Sprintf("target-%d", i))); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	pending, err := j.Unarchived(ctx, 10)
	if err != nil {
		t.Fatalf("Unarchived: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("len(Unarchived) = %d, want 3", len(pending))
	}
	if pending[0].Evt.Target != "target-0" {
		t.Errorf("first pending = %q, want target-0 (oldest first)", pending[0].Evt.Target)
	}

	if err := j.MarkArchived(ctx, []int64{pending[0].ID, pending[1].ID}); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}

	remaining, err := j.Unarchived(ctx, 10)
	if err != nil {
		t.Fatalf("Unarchived after MarkArchived: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Evt.Target != "target-2" {
		t.Fatalf("remaining = %+v, want only target-2", remaining)
	}
	if d := j.Depth(); d != 1 {
		t.Errorf("Depth = %d after archiving 2 of 3, want 1", d)
	}
}

func TestMarkArchived_IsIdempotent(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, makeEvent("hosts")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	pending, err := j.Unarchived(ctx, 1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Unarchived: %v (len %d)", err, len(pending))
	}

	ids := []int64{pending[0].ID}
	if err := j.MarkArchived(ctx, ids); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}
	if err := j.MarkArchived(ctx, ids); err != nil {
		t.Fatalf("MarkArchived (repeat): %v", err)
	}

	if d := j.Depth(); d != 0 {
		t.Errorf("Depth = %d after double archive, want 0", d)
	}
}

func TestMarkArchived_EmptyIDsIsNoOp(t *testing.T) {
	j := openMemJournal(t)
	if err := j.MarkArchived(context.Background(), nil); err != nil {
		t.Fatalf("MarkArchived(nil): %v", err)
	}
}
