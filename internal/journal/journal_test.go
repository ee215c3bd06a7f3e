package journal

import (
	"testing"
)

func TestJournal_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := j.Record("apply", PhaseBegin, "p1", "m1", ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := j.Record("apply", PhaseCommit, "p1", "m1", ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := j.Record("apply", PhaseBegin, "p2", "m1", ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries, err := Replay(j.Path())
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("replayed %d entries, want 3", len(entries))
	}
	if entries[0].PatchID != "p1" || entries[0].Phase != PhaseBegin {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
}

func TestUnfinished(t *testing.T) {
	entries := []Entry{
		{Op: "apply", Phase: PhaseBegin, PatchID: "p1"},
		{Op: "apply", Phase: PhaseCommit, PatchID: "p1"},
		{Op: "apply", Phase: PhaseBegin, PatchID: "p2"},
		{Op: "rollback", Phase: PhaseBegin, PatchID: "p3"},
		{Op: "rollback", Phase: PhaseAbort, PatchID: "p3"},
	}

	open := Unfinished(entries)
	if len(open) != 1 || open[0].PatchID != "p2" {
		t.Fatalf("Unfinished = %v, want the open begin for p2", open)
	}
	if open[0].Op != "apply" {
		t.Errorf("open entry op = %s, want apply", open[0].Op)
	}
}

func TestUnfinished_ReopenedPatchID(t *testing.T) {
	entries := []Entry{
		{Op: "apply", Phase: PhaseBegin, PatchID: "p1"},
		{Op: "apply", Phase: PhaseCommit, PatchID: "p1"},
		{Op: "rollback", Phase: PhaseBegin, PatchID: "p1"},
	}

	open := Unfinished(entries)
	if len(open) != 1 || open[0].Op != "rollback" {
		t.Errorf("Unfinished = %v, want the open rollback begin for p1", open)
	}
}

func TestReplay_MissingFile(t *testing.T) {
	entries, err := Replay("/nonexistent/journal.log")
	if err != nil {
		t.Fatalf("Replay of missing file should return nil, got %v", err)
	}
	if entries != nil {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}
