package story

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// PlannedScene is one entry of the macro outline used for
// auto-seeding the task queue.
type PlannedScene struct {
	Title string `json:"title"`
	Goal  string `json:"goal"`
}

// State is the narrative world snapshot persisted between runs.
type State struct {
	World         map[string]string            `json:"world,omitempty"`
	Inventory     []string                     `json:"inventory,omitempty"`
	History       []SceneEntry                 `json:"history,omitempty"`
	Characters    map[string]*CharacterProfile `json:"characters,omitempty"`
	Stakes        []string                     `json:"stakes,omitempty"`
	Promises      []string                     `json:"promises,omitempty"`
	OpenQuestions []string                     `json:"open_questions,omitempty"`
	Outline       []PlannedScene               `json:"macro_outline,omitempty"`
	OutlineCursor int                          `json:"outline_cursor,omitempty"`
}

// profileListCap bounds every learned-profile list.
const profileListCap = 12

// Store is the single-writer narrative state store backed by one JSON
// file. The pipeline is the only writer per project; the mutex guards
// the in-process fan-out callers.
type Store struct {
	path string
	log  *slog.Logger

	mu    sync.Mutex
	state State
}

func OpenStore(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, log: log.With("component", "state")}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := s.decode(data); err != nil {
			return nil, fmt.Errorf("parse state file: %w", err)
		}
	case os.IsNotExist(err):
		// fresh project
	default:
		return nil, fmt.Errorf("read state file: %w", err)
	}
	s.ensureMaps()
	return s, nil
}

// decode reads the persisted state, migrating legacy character records
// that stored an entire profile as a JSON blob inside the voice-notes
// text. The migration is one-time and lives here at the storage
// boundary, not inline in pipeline logic.
func (s *Store) decode(data []byte) error {
	var raw struct {
		State
		Characters map[string]json.RawMessage `json:"characters"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.state = raw.State
	s.state.Characters = map[string]*CharacterProfile{}
	for name, rec := range raw.Characters {
		prof, migrated := decodeProfile(name, rec)
		if migrated {
			s.log.Info("migrated legacy character profile", "character", name)
		}
		s.state.Characters[name] = prof
	}
	return nil
}

// decodeProfile accepts three historical shapes: the typed profile, a
// bare JSON-string blob, and a typed profile whose voice_notes carries
// one JSON blob entry.
func decodeProfile(name string, rec json.RawMessage) (*CharacterProfile, bool) {
	var blob string
	if err := json.Unmarshal(rec, &blob); err == nil {
		var prof CharacterProfile
		if err := json.Unmarshal([]byte(blob), &prof); err == nil {
			prof.Name = name
			return &prof, true
		}
		return &CharacterProfile{Name: name, VoiceNotes: []string{blob}}, true
	}

	var prof CharacterProfile
	if err := json.Unmarshal(rec, &prof); err != nil {
		return &CharacterProfile{Name: name}, false
	}
	prof.Name = name
	if len(prof.VoiceNotes) == 1 {
		var nested CharacterProfile
		note := strings.TrimSpace(prof.VoiceNotes[0])
		if strings.HasPrefix(note, "{") && json.Unmarshal([]byte(note), &nested) == nil &&
			(len(nested.BehavioralMarkers) > 0 || len(nested.VoiceNotes) > 0 || len(nested.HardLimits) > 0) {
			nested.Name = name
			return &nested, true
		}
	}
	return &prof, false
}

func (s *Store) ensureMaps() {
	if s.state.World == nil {
		s.state.World = map[string]string{}
	}
	if s.state.Characters == nil {
		s.state.Characters = map[string]*CharacterProfile{}
	}
}

// Get returns the world value for key, or fallback when unset.
func (s *Store) Get(key, fallback string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.state.World[key]; ok {
		return v
	}
	return fallback
}

func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.World[key] = value
}

func (s *Store) AppendHistory(entry SceneEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.History = append(s.state.History, entry)
}

// SceneCount returns how many scenes have been finalized.
func (s *Store) SceneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.History)
}

// UpsertCharacter merges learned markers into the named profile,
// deduplicating case-insensitively and keeping each list bounded.
func (s *Store) UpsertCharacter(name string, incoming CharacterProfile) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prof, ok := s.state.Characters[name]
	if !ok {
		prof = &CharacterProfile{Name: name}
		s.state.Characters[name] = prof
	}
	prof.BehavioralMarkers = mergeBounded(prof.BehavioralMarkers, incoming.BehavioralMarkers)
	prof.VoiceNotes = mergeBounded(prof.VoiceNotes, incoming.VoiceNotes)
	prof.HardLimits = mergeBounded(prof.HardLimits, incoming.HardLimits)
}

func mergeBounded(existing, incoming []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(existing)+len(incoming))
	for _, lst := range [][]string{existing, incoming} {
		for _, v := range lst {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			key := strings.ToLower(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}
	if len(out) > profileListCap {
		// Newest learnings win; the oldest entries age out.
		out = out[len(out)-profileListCap:]
	}
	return out
}

// ApplyWorldDelta merges a conservative extracted delta.
func (s *Store) ApplyWorldDelta(d WorldDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := strings.TrimSpace(d.Time); v != "" {
		s.state.World["time"] = v
	}
	if v := strings.TrimSpace(d.Location); v != "" {
		s.state.World["location"] = v
	}
	for _, item := range d.InventoryAdd {
		if item = strings.TrimSpace(item); item != "" && !containsFold(s.state.Inventory, item) {
			s.state.Inventory = append(s.state.Inventory, item)
		}
	}
	for _, item := range d.InventoryRemove {
		s.state.Inventory = removeFold(s.state.Inventory, item)
	}
	for name, status := range d.CharacterStatus {
		if name = strings.TrimSpace(name); name != "" {
			s.state.World["status:"+name] = strings.TrimSpace(status)
		}
	}
}

// ApplyArcDelta records the scene in history and merges ledger lists.
func (s *Store) ApplyArcDelta(entry SceneEntry, d ArcDelta) {
	entry.Want = d.Want
	entry.Turn = d.Turn
	entry.Consequence = d.Consequence
	s.AppendHistory(entry)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Stakes = mergeBounded(s.state.Stakes, d.StakesRaised)
	s.state.Promises = mergeBounded(s.state.Promises, d.PromisesMade)
	s.state.OpenQuestions = mergeBounded(s.state.OpenQuestions, d.QuestionsOpened)
	for _, closed := range d.QuestionsClosed {
		s.state.OpenQuestions = removeFold(s.state.OpenQuestions, closed)
	}
}

// SetOutline replaces the macro outline and resets the cursor.
func (s *Store) SetOutline(scenes []PlannedScene) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Outline = scenes
	s.state.OutlineCursor = 0
}

// NextPlannedScene pops the next unseeded scene from the macro
// outline. ok is false when the outline is exhausted.
func (s *Store) NextPlannedScene() (PlannedScene, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.OutlineCursor >= len(s.state.Outline) {
		return PlannedScene{}, false
	}
	p := s.state.Outline[s.state.OutlineCursor]
	s.state.OutlineCursor++
	return p, true
}

// Snapshot returns a deep-enough copy for read-only prompt assembly.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.World = map[string]string{}
	for k, v := range s.state.World {
		out.World[k] = v
	}
	out.Inventory = append([]string(nil), s.state.Inventory...)
	out.History = append([]SceneEntry(nil), s.state.History...)
	out.Stakes = append([]string(nil), s.state.Stakes...)
	out.Promises = append([]string(nil), s.state.Promises...)
	out.OpenQuestions = append([]string(nil), s.state.OpenQuestions...)
	out.Characters = map[string]*CharacterProfile{}
	for name, p := range s.state.Characters {
		cp := *p
		out.Characters[name] = &cp
	}
	return out
}

// CharacterNames returns the known character names, sorted.
func (s *Store) CharacterNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.state.Characters))
	for n := range s.state.Characters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Save writes the state atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create state temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

func removeFold(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if !strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(v)) {
			out = append(out, item)
		}
	}
	return out
}
