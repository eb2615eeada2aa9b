// Package output writes finalized scenes: a numbered scene file plus
// metadata record per unit, and an append-only manuscript stream. It
// also loads the rolling recent-prose context for drafting.
package output

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
)

// Meta is the metadata emitted alongside a finalized draft.
type Meta struct {
	SceneID     string         `json:"scene_id"`
	UnitID      string         `json:"unit_id"`
	Title       string         `json:"title"`
	Summary     string         `json:"summary,omitempty"`
	WordCount   int            `json:"word_count"`
	Scores      map[string]int `json:"scores,omitempty"`
	Forced      bool           `json:"forced_acceptance,omitempty"`
	FinalizedAt time.Time      `json:"finalized_at"`
}

type Sink struct {
	scenesDir  string
	legacyDir  string
	manuscript string
	log        *slog.Logger
}

func NewSink(scenesDir, legacyScenesDir, manuscriptPath string, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		scenesDir:  scenesDir,
		legacyDir:  legacyScenesDir,
		manuscript: manuscriptPath,
		log:        log.With("component", "output"),
	}
}

var unsafeRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func safe(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return unsafeRe.ReplaceAllString(s, "_")
}

// existingSceneID returns the scene id already written for unitID.
// Re-finalization after a crash between output and checkpoint deletion
// lands here and must not duplicate the scene.
func (s *Sink) existingSceneID(unitID string) (string, bool) {
	matches, err := doublestar.FilepathGlob(filepath.Join(s.scenesDir, "scene_*_u-"+safe(unitID)+".json"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	var meta Meta
	data, err := os.ReadFile(matches[0])
	if err != nil || json.Unmarshal(data, &meta) != nil || meta.SceneID == "" {
		return "", false
	}
	return meta.SceneID, true
}

// sceneCount counts already-written scene files across the current and
// legacy locations.
func (s *Sink) sceneCount() int {
	n := 0
	for _, pattern := range []string{
		filepath.Join(s.scenesDir, "**", "*.md"),
		filepath.Join(s.legacyDir, "**", "*.md"),
	} {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			continue
		}
		n += len(matches)
	}
	return n
}

// WriteScene persists a finalized draft exactly once per unit and
// returns its scene id. Repeat calls for the same unit are no-ops
// returning the original id.
func (s *Sink) WriteScene(unitID, title, draft string, meta Meta) (string, error) {
	if id, ok := s.existingSceneID(unitID); ok {
		s.log.Info("scene already written, skipping re-finalization output", "unit", unitID, "scene", id)
		return id, nil
	}
	if err := os.MkdirAll(s.scenesDir, 0o755); err != nil {
		return "", fmt.Errorf("create scenes dir: %w", err)
	}

	id := ulid.Make().String()
	ordinal := s.sceneCount() + 1
	base := fmt.Sprintf("scene_%03d_u-%s", ordinal, safe(unitID))

	body := fmt.Sprintf("# %s\n\n%s\n", title, draft)
	if err := os.WriteFile(filepath.Join(s.scenesDir, base+".md"), []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write scene file: %w", err)
	}

	meta.SceneID = id
	meta.UnitID = unitID
	meta.Title = title
	if meta.FinalizedAt.IsZero() {
		meta.FinalizedAt = time.Now().UTC()
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode scene meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.scenesDir, base+".json"), metaJSON, 0o644); err != nil {
		return "", fmt.Errorf("write scene meta: %w", err)
	}

	f, err := os.OpenFile(s.manuscript, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open manuscript: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\n\n## %s\n\n%s\n", title, draft); err != nil {
		return "", fmt.Errorf("append manuscript: %w", err)
	}
	s.log.Info("scene written", "unit", unitID, "scene", id, "words", meta.WordCount)
	return id, nil
}

// RecentProse returns the tail of the most recent scenes, newest last,
// capped at maxChars (head is dropped, the freshest prose matters
// most for voice matching).
func (s *Sink) RecentProse(maxScenes, maxChars int) string {
	var files []string
	for _, pattern := range []string{
		filepath.Join(s.scenesDir, "**", "*.md"),
		filepath.Join(s.legacyDir, "**", "*.md"),
	} {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}
	// Ordinal-prefixed names sort chronologically.
	sort.Strings(files)
	if maxScenes > 0 && len(files) > maxScenes {
		files = files[len(files)-maxScenes:]
	}

	var b strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		b.WriteString(strings.TrimSpace(string(data)))
		b.WriteString("\n\n")
	}
	out := strings.TrimSpace(b.String())
	if maxChars > 0 && len(out) > maxChars {
		out = out[len(out)-maxChars:]
	}
	return out
}

// ManuscriptWordCount counts words in the manuscript stream.
func (s *Sink) ManuscriptWordCount() int {
	data, err := os.ReadFile(s.manuscript)
	if err != nil {
		return 0
	}
	return CountWords(string(data))
}

func CountWords(text string) int {
	return len(strings.Fields(text))
}
