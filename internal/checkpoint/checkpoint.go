// Package checkpoint persists per-unit pipeline progress. The primary
// record is JSON with a blake3 content checksum; a legacy mirror
// location is written alongside and read as a fallback so projects
// from the pre-reorganization layout resume cleanly. A record that
// cannot be read or fails its checksum is treated as absent: the unit
// regenerates from scratch rather than blocking on corrupt state.
package checkpoint

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"scriptorium/internal/story"
)

// Record is the durable progress snapshot for one WorkUnit.
// Flag invariant: a later-stage flag being true implies all earlier
// flags are true, and Draft is non-empty once any flag is true.
type Record struct {
	UnitID           string             `json:"unit_id" msgpack:"unit_id"`
	Title            string             `json:"title" msgpack:"title"`
	Goal             string             `json:"goal" msgpack:"goal"`
	Outline          *story.OutlinePlan `json:"outline,omitempty" msgpack:"outline,omitempty"`
	Draft            string             `json:"draft,omitempty" msgpack:"draft,omitempty"`
	LintDone         bool               `json:"lint_done" msgpack:"lint_done"`
	SubtextDone      bool               `json:"subtext_done" msgpack:"subtext_done"`
	DriftDone        bool               `json:"drift_done" msgpack:"drift_done"`
	TribunalAttempts int                `json:"tribunal_attempts" msgpack:"tribunal_attempts"`
}

// envelope wraps the primary JSON record with its content checksum.
type envelope struct {
	Checksum string          `json:"checksum"`
	Record   json.RawMessage `json:"record"`
}

type Store struct {
	primaryDir string
	legacyDir  string
	log        *slog.Logger
}

func NewStore(primaryDir, legacyDir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		primaryDir: primaryDir,
		legacyDir:  legacyDir,
		log:        log.With("component", "checkpoint"),
	}
}

func (s *Store) primaryPath(unitID string) string {
	return filepath.Join(s.primaryDir, safeID(unitID)+".json")
}

func (s *Store) legacyPath(unitID string) string {
	return filepath.Join(s.legacyDir, safeID(unitID)+".msgpack")
}

// Load returns the record for unitID, or nil when none exists.
// Corruption in the primary falls back to the mirror; corruption in
// both yields nil.
func (s *Store) Load(unitID string) (*Record, error) {
	if rec := s.loadPrimary(unitID); rec != nil {
		return rec, nil
	}
	if rec := s.loadLegacy(unitID); rec != nil {
		return rec, nil
	}
	return nil, nil
}

func (s *Store) loadPrimary(unitID string) *Record {
	data, err := os.ReadFile(s.primaryPath(unitID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("checkpoint unreadable, treating as absent", "unit", unitID, "error", err)
		}
		return nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("checkpoint malformed, treating as absent", "unit", unitID, "error", err)
		return nil
	}
	canonical, err := canonicalize(env.Record)
	if err != nil {
		s.log.Warn("checkpoint record malformed, treating as absent", "unit", unitID, "error", err)
		return nil
	}
	if sum := checksum(canonical); sum != env.Checksum {
		s.log.Warn("checkpoint checksum mismatch, treating as absent", "unit", unitID)
		return nil
	}
	var rec Record
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		s.log.Warn("checkpoint record malformed, treating as absent", "unit", unitID, "error", err)
		return nil
	}
	return &rec
}

func (s *Store) loadLegacy(unitID string) *Record {
	data, err := os.ReadFile(s.legacyPath(unitID))
	if err != nil {
		return nil
	}
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		s.log.Warn("legacy checkpoint malformed, treating as absent", "unit", unitID, "error", err)
		return nil
	}
	s.log.Info("resumed from legacy checkpoint location", "unit", unitID)
	return &rec
}

// Save writes the record durably to both locations. The primary write
// completes first; the checkpoint is the sole recovery record, so both
// writes are temp-then-rename with an fsync before the rename.
func (s *Store) Save(rec *Record) error {
	if rec == nil || strings.TrimSpace(rec.UnitID) == "" {
		return fmt.Errorf("checkpoint record missing unit id")
	}
	// The checksum covers the compact form of the record; the envelope
	// encoder re-indents the nested raw message, so the reader
	// re-compacts before verifying.
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	env, err := json.MarshalIndent(envelope{Checksum: checksum(raw), Record: raw}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint envelope: %w", err)
	}
	if err := atomicWrite(s.primaryPath(rec.UnitID), env); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	packed, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode legacy checkpoint: %w", err)
	}
	if err := atomicWrite(s.legacyPath(rec.UnitID), packed); err != nil {
		// The primary is durable; a failed mirror only costs legacy
		// readers.
		s.log.Warn("legacy checkpoint mirror write failed", "unit", rec.UnitID, "error", err)
	}
	return nil
}

// Delete removes both locations. Called only after the unit is fully
// finalized and externally committed.
func (s *Store) Delete(unitID string) error {
	var firstErr error
	for _, p := range []string{s.primaryPath(unitID), s.legacyPath(unitID)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("delete checkpoint %s: %w", p, err)
		}
	}
	return firstErr
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalize compacts raw JSON so the checksum is stable across
// whatever whitespace the envelope encoder introduced.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

var unsafeIDRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func safeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "_"
	}
	return unsafeIDRe.ReplaceAllString(id, "_")
}
