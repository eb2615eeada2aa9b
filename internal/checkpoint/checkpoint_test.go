package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"scriptorium/internal/story"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return NewStore(filepath.Join(root, "meta", "checkpoints"), filepath.Join(root, "checkpoints"), nil)
}

func sampleRecord() *Record {
	return &Record{
		UnitID: "bd-42",
		Title:  "Scene 4",
		Goal:   "Character confronts the storm",
		Outline: &story.OutlinePlan{
			BeforeState: "calm dock",
			AfterState:  "adrift",
			Beats:       []string{"lines snap", "boat drifts"},
		},
		Draft:            "The dock groaned.",
		LintDone:         true,
		TribunalAttempts: 2,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	want := sampleRecord()
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("bd-42")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil")
	}
	if got.Title != want.Title || got.Draft != want.Draft || got.TribunalAttempts != 2 || !got.LintDone {
		t.Fatalf("got %+v", got)
	}
	if got.Outline == nil || got.Outline.AfterState != "adrift" {
		t.Fatalf("outline lost: %+v", got.Outline)
	}
}

func TestPrimaryLoadsWithoutMirror(t *testing.T) {
	s := newTestStore(t)
	want := sampleRecord()
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.Remove(s.legacyPath(want.UnitID)); err != nil {
		t.Fatalf("remove mirror: %v", err)
	}
	got, err := s.Load(want.UnitID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("primary alone must satisfy Load")
	}
	if got.Draft != want.Draft || got.TribunalAttempts != want.TribunalAttempts {
		t.Fatalf("got %+v", got)
	}
}

func TestLoadAbsent(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Load("nope")
	if err != nil || got != nil {
		t.Fatalf("Load absent = %v, %v; want nil, nil", got, err)
	}
}

func TestLoadCorruptPrimaryFallsBackToMirror(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord()
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Corrupt the primary checksum.
	if err := os.WriteFile(s.primaryPath(rec.UnitID), []byte(`{"checksum":"00","record":{"unit_id":"bd-42"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(rec.UnitID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || got.Draft != rec.Draft {
		t.Fatalf("mirror fallback failed: %+v", got)
	}
}

func TestLoadCorruptBothTreatedAsAbsent(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord()
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	os.WriteFile(s.primaryPath(rec.UnitID), []byte("garbage"), 0o644)
	os.WriteFile(s.legacyPath(rec.UnitID), []byte("garbage"), 0o644)
	got, err := s.Load(rec.UnitID)
	if err != nil || got != nil {
		t.Fatalf("corrupt load = %v, %v; want nil, nil", got, err)
	}
}

func TestChecksumMismatchTreatedAsAbsent(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord()
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Flip a byte inside the stored record while keeping valid JSON.
	data, err := os.ReadFile(s.primaryPath(rec.UnitID))
	if err != nil {
		t.Fatal(err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	tampered := []byte(`{"unit_id":"bd-42","title":"Tampered","goal":"","lint_done":false,"subtext_done":false,"drift_done":false,"tribunal_attempts":0}`)
	env["record"] = tampered
	out, _ := json.Marshal(env)
	os.WriteFile(s.primaryPath(rec.UnitID), out, 0o644)
	os.Remove(s.legacyPath(rec.UnitID))

	got, err := s.Load(rec.UnitID)
	if err != nil || got != nil {
		t.Fatalf("tampered load = %v, %v; want nil, nil", got, err)
	}
}

func TestDeleteRemovesBothLocations(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord()
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(rec.UnitID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, p := range []string{s.primaryPath(rec.UnitID), s.legacyPath(rec.UnitID)} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s still exists", p)
		}
	}
	// Deleting again is a no-op.
	if err := s.Delete(rec.UnitID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestLegacyMirrorIsMsgpack(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord()
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(s.legacyPath(rec.UnitID))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	var got Record
	if err := msgpack.Unmarshal(data, &got); err != nil {
		t.Fatalf("mirror not msgpack: %v", err)
	}
	if got.UnitID != rec.UnitID || got.Draft != rec.Draft {
		t.Fatalf("mirror record = %+v", got)
	}
}

func TestSafeIDSanitizesPathCharacters(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord()
	rec.UnitID = "weird/unit:id"
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("weird/unit:id")
	if err != nil || got == nil {
		t.Fatalf("Load sanitized id = %v, %v", got, err)
	}
}
