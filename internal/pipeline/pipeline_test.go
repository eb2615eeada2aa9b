package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"scriptorium/internal/checkpoint"
	"scriptorium/internal/draft"
	"scriptorium/internal/llm"
	"scriptorium/internal/llm/invoke"
	"scriptorium/internal/output"
	"scriptorium/internal/story"
	"scriptorium/internal/tracker"
	"scriptorium/internal/tribunal"
)

// stormDraft trips exactly two filter-word lint rules ("felt" and
// "saw" three times each) and contains no dialogue.
const stormDraft = `She felt the storm before it broke. The dock felt wrong underfoot. Rain came sideways and she felt it sting. He saw the rope slip. Far off, someone saw the light fail. Nobody saw the boat go.`

const cleanDraft = `The storm broke over the dock and the boat slipped loose into the dark. Rain hammered the planks until the ropes gave. Dawn found the water empty.`

// scriptedModel answers every invocation by routing on the system and
// user prompt text, recording a label per call.
type scriptedModel struct {
	mu    sync.Mutex
	calls []string

	drafts map[float64]string
	choice int      // 1-based selector answer
	scores [][3]int // per scoring round: prose, redundancy, arc

	proseN, redunN, arcN int

	driftFound bool
	failLabels map[string]error // label -> error to return

	subtextRevisePrompt string
}

func (m *scriptedModel) count(label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == label {
			n++
		}
	}
	return n
}

func (m *scriptedModel) Invoke(_ context.Context, msgs []llm.Message, opts invoke.Options) (string, error) {
	sys := msgs[0].Content
	user := msgs[len(msgs)-1].Content

	label, reply := m.route(sys, user, opts)
	m.mu.Lock()
	m.calls = append(m.calls, label)
	err := m.failLabels[label]
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (m *scriptedModel) route(sys, user string, opts invoke.Options) (string, string) {
	switch {
	case strings.Contains(sys, "planning a single scene"):
		return "outline", `{"before_state":"calm dock","after_state":"adrift","irreversible_change":"the boat is lost","beats":["storm rises","rope slips"],"hooks":"who cut the line"}`
	case strings.Contains(sys, "planning the road ahead"):
		return "macro", `{"scenes":[{"title":"The Crossing","goal":"Reach the far shore before the storm returns."}]}`
	case strings.Contains(sys, "decisive fiction editor"):
		return "selector", fmt.Sprintf(`{"choice": %d, "reason": "strongest voice"}`, m.choice)
	case strings.Contains(sys, "analyze dialogue subtext"):
		return "subtext_map", `{"speakers":[{"name":"Mara","want":"the rope","avoid":"asking for help","tactic":"commands"}]}`
	case strings.Contains(sys, "continuity editor"):
		if m.driftFound {
			return "drift_check", `{"drift_found": true, "notes": "Mara would never beg"}`
		}
		return "drift_check", `{"drift_found": false, "notes": ""}`
	case strings.Contains(sys, "line editor"):
		m.mu.Lock()
		round := m.proseN
		m.proseN++
		m.mu.Unlock()
		return "critic_prose", m.verdict(round, 0)
	case strings.Contains(sys, "hunting repetition"):
		m.mu.Lock()
		round := m.redunN
		m.redunN++
		m.mu.Unlock()
		return "critic_redundancy", m.verdict(round, 1)
	case strings.Contains(sys, "story editor"):
		m.mu.Lock()
		round := m.arcN
		m.arcN++
		m.mu.Unlock()
		return "critic_arc", m.verdict(round, 2)
	case strings.Contains(sys, "track story-world state"):
		return "world_delta", `{"time":"night","location":"open water","inventory_add":[],"inventory_remove":["rope"],"character_status":{"Mara":"adrift"}}`
	case strings.Contains(sys, "arc ledger"):
		return "arc_delta", `{"want":"reach shore","turn":"the rope slips","consequence":"adrift at night","stakes_raised":["the crossing"],"promises_made":[],"questions_opened":["who cut the line"],"questions_closed":[]}`
	case strings.Contains(sys, "character bibles"):
		return "profiles", `{"characters":[{"name":"Mara","behavioral_markers":["acts before speaking"],"voice_notes":["clipped sentences"],"hard_limits":["never begs"]}]}`
	case strings.HasPrefix(user, "Revise the scene below fixing ONLY these issues"):
		return "lint_revise", cleanDraft
	case strings.Contains(user, "SUBTEXT MAP"):
		m.mu.Lock()
		m.subtextRevisePrompt = user
		m.mu.Unlock()
		return "subtext_revise", `"Hand it over," Mara said. "Now," she said again, quieter.`
	case strings.Contains(user, "continuity problems"):
		return "drift_revise", cleanDraft + " She did not beg."
	case strings.HasPrefix(user, "Revise the scene below."):
		m.mu.Lock()
		n := 0
		for _, c := range m.calls {
			if c == "tribunal_revise" {
				n++
			}
		}
		m.mu.Unlock()
		return "tribunal_revise", fmt.Sprintf("Revision %d of the storm scene, tighter now. The boat is still lost.", n+1)
	case !opts.JSONMode && strings.Contains(user, "Write the full scene now."):
		return fmt.Sprintf("sample_%.1f", opts.Temperature), m.drafts[opts.Temperature]
	}
	return "unknown", ""
}

func (m *scriptedModel) verdict(round, cat int) string {
	if round >= len(m.scores) {
		round = len(m.scores) - 1
	}
	v := m.scores[round][cat]
	return fmt.Sprintf(`{"score": %d, "fix": "tighten category %d"}`, v, cat)
}

type fakeSource struct {
	mu      sync.Mutex
	ready   []story.WorkUnit
	closed  []string
	created []string
}

func (f *fakeSource) ListReady(context.Context) ([]story.WorkUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]story.WorkUnit, len(f.ready))
	copy(out, f.ready)
	return out, nil
}

func (f *fakeSource) OpenCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ready), nil
}

func (f *fakeSource) Close(_ context.Context, unitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, u := range f.ready {
		if u.ID == unitID {
			f.ready = append(f.ready[:i], f.ready[i+1:]...)
			break
		}
	}
	f.closed = append(f.closed, unitID)
	return nil
}

func (f *fakeSource) Create(_ context.Context, title, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("seed-%d", len(f.created)+1)
	f.created = append(f.created, id)
	f.ready = append(f.ready, story.WorkUnit{ID: id, Title: title, Goal: description})
	return id, nil
}

var _ tracker.Source = (*fakeSource)(nil)

type fixture struct {
	p     *Pipeline
	model *scriptedModel
	src   *fakeSource
	ckpt  *checkpoint.Store
	state *story.Store
	root  string
}

func newFixture(t *testing.T, model *scriptedModel, src *fakeSource, cfg Config) *fixture {
	t.Helper()
	root := t.TempDir()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ckpt := checkpoint.NewStore(filepath.Join(root, "meta", "checkpoints"), filepath.Join(root, "checkpoints"), log)
	state, err := story.OpenStore(filepath.Join(root, "meta", "state.json"), log)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	sink := output.NewSink(filepath.Join(root, "scenes"), filepath.Join(root, "chapters"), filepath.Join(root, "manuscript.md"), log)

	cfg.PollInterval = time.Millisecond
	cfg.ErrorDelay = time.Millisecond
	p := New(cfg, Deps{
		Invoker:     model,
		Sampler:     draft.NewSampler(model, []float64{0.7, 0.9, 1.1}, 3000, log),
		Panel:       tribunal.NewPanel(model, 0, 0, log),
		Analyst:     story.NewAnalyst(model, log),
		Checkpoints: ckpt,
		State:       state,
		Source:      src,
		Sink:        sink,
		Logger:      log,
	})
	p.sleep = func(context.Context, time.Duration) {}
	return &fixture{p: p, model: model, src: src, ckpt: ckpt, state: state, root: root}
}

func TestProcessUnitFullScenario(t *testing.T) {
	model := &scriptedModel{
		drafts: map[float64]string{
			0.7: "Quiet draft about a dock.",
			0.9: "Louder draft about a dock.",
			1.1: stormDraft,
		},
		choice: 3,
		scores: [][3]int{
			{70, 95, 88},
			{92, 96, 91},
		},
	}
	unit := story.WorkUnit{ID: "bd-4", Title: "Scene 4", Goal: "Character confronts the storm"}
	src := &fakeSource{ready: []story.WorkUnit{unit}}
	fx := newFixture(t, model, src, Config{PassThreshold: 90, MaxRevisions: 3})

	// An established profile makes the drift check run.
	fx.state.UpsertCharacter("Mara", story.CharacterProfile{Name: "Mara", BehavioralMarkers: []string{"acts first"}})

	if err := fx.p.ProcessUnit(context.Background(), unit); err != nil {
		t.Fatalf("ProcessUnit: %v", err)
	}

	wantCounts := map[string]int{
		"outline":         1,
		"sample_0.7":      1,
		"sample_0.9":      1,
		"sample_1.1":      1,
		"selector":        1,
		"lint_revise":     1,
		"subtext_map":     0,
		"drift_check":     1,
		"critic_prose":    2,
		"critic_arc":      2,
		"tribunal_revise": 1,
		"world_delta":     1,
		"arc_delta":       1,
		"profiles":        1,
	}
	for label, want := range wantCounts {
		if got := model.count(label); got != want {
			t.Errorf("%s calls = %d, want %d", label, got, want)
		}
	}

	if got := src.closed; len(got) != 1 || got[0] != "bd-4" {
		t.Fatalf("closed units = %v, want [bd-4]", got)
	}
	rec, err := fx.ckpt.Load("bd-4")
	if err != nil || rec != nil {
		t.Fatalf("checkpoint after finalize = %+v, %v; want deleted", rec, err)
	}

	ms, err := os.ReadFile(filepath.Join(fx.root, "manuscript.md"))
	if err != nil {
		t.Fatalf("read manuscript: %v", err)
	}
	if !strings.Contains(string(ms), "Revision 1 of the storm scene") {
		t.Fatalf("manuscript should hold the round-2 draft, got: %q", ms)
	}

	metas, _ := filepath.Glob(filepath.Join(fx.root, "scenes", "*.json"))
	if len(metas) != 1 {
		t.Fatalf("scene meta files = %d, want 1", len(metas))
	}
	raw, _ := os.ReadFile(metas[0])
	var meta output.Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if meta.Forced {
		t.Fatal("pass within budget must not be marked forced")
	}
	if meta.Scores["prose"] != 92 || meta.Scores["redundancy"] != 96 || meta.Scores["structural-arc"] != 91 {
		t.Fatalf("meta scores = %v", meta.Scores)
	}

	st := fx.state.Snapshot()
	if len(st.History) != 1 || st.History[0].Consequence != "adrift at night" {
		t.Fatalf("history = %+v", st.History)
	}
	if st.World["location"] != "open water" {
		t.Fatalf("world location = %q", st.World["location"])
	}
	if st.Characters["mara"] == nil && st.Characters["Mara"] == nil {
		t.Fatalf("character profile not learned: %v", fx.state.CharacterNames())
	}
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	model := &scriptedModel{
		scores: [][3]int{{95, 95, 95}},
	}
	unit := story.WorkUnit{ID: "bd-9", Title: "Scene 9", Goal: "Two people argue over a rope"}
	src := &fakeSource{ready: []story.WorkUnit{unit}}
	fx := newFixture(t, model, src, Config{PassThreshold: 90, MaxRevisions: 3})

	if err := fx.ckpt.Save(&checkpoint.Record{
		UnitID:   unit.ID,
		Title:    unit.Title,
		Goal:     unit.Goal,
		Outline:  &story.OutlinePlan{BeforeState: "tense", AfterState: "broken", IrreversibleChange: "the rope is cut", Beats: []string{"argument"}},
		Draft:    `"Give me the rope," she said. "No," he said.`,
		LintDone: true,
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	if err := fx.p.ProcessUnit(context.Background(), unit); err != nil {
		t.Fatalf("ProcessUnit: %v", err)
	}

	for _, label := range []string{"outline", "sample_0.7", "sample_0.9", "sample_1.1", "selector", "lint_revise"} {
		if n := model.count(label); n != 0 {
			t.Errorf("%s called %d times on resume, want 0", label, n)
		}
	}
	if n := model.count("subtext_map"); n != 1 {
		t.Errorf("subtext_map calls = %d, want 1", n)
	}
	if n := model.count("subtext_revise"); n != 1 {
		t.Errorf("subtext_revise calls = %d, want 1", n)
	}
	if !strings.Contains(model.subtextRevisePrompt, `"speakers"`) {
		t.Fatalf("revision prompt missing extracted speaker map: %q", model.subtextRevisePrompt)
	}
	if len(model.calls) == 0 || model.calls[0] != "subtext_map" {
		t.Fatalf("first call = %v, want subtext_map", model.calls)
	}
	if rec, _ := fx.ckpt.Load(unit.ID); rec != nil {
		t.Fatalf("checkpoint not deleted after finalize: %+v", rec)
	}
}

func TestForcedAcceptanceAfterRevisionBudget(t *testing.T) {
	model := &scriptedModel{
		drafts: map[float64]string{0.7: cleanDraft, 0.9: cleanDraft, 1.1: cleanDraft},
		choice: 1,
		// never reaches the threshold
		scores: [][3]int{{70, 95, 88}},
	}
	unit := story.WorkUnit{ID: "bd-11", Title: "Scene 11", Goal: "The storm wins"}
	src := &fakeSource{ready: []story.WorkUnit{unit}}
	fx := newFixture(t, model, src, Config{PassThreshold: 90, MaxRevisions: 3})

	if err := fx.p.ProcessUnit(context.Background(), unit); err != nil {
		t.Fatalf("ProcessUnit: %v", err)
	}

	if n := model.count("critic_prose"); n != 4 {
		t.Errorf("scoring rounds = %d, want 4", n)
	}
	if n := model.count("tribunal_revise"); n != 3 {
		t.Errorf("revisions = %d, want 3", n)
	}
	if len(src.closed) != 1 {
		t.Fatalf("unit not closed under forced acceptance: %v", src.closed)
	}
	if rec, _ := fx.ckpt.Load(unit.ID); rec != nil {
		t.Fatalf("checkpoint not deleted: %+v", rec)
	}

	metas, _ := filepath.Glob(filepath.Join(fx.root, "scenes", "*.json"))
	if len(metas) != 1 {
		t.Fatalf("scene meta files = %d, want 1", len(metas))
	}
	raw, _ := os.ReadFile(metas[0])
	var meta output.Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if !meta.Forced {
		t.Fatal("forced acceptance must be recorded in scene metadata")
	}
}

func TestFailedStagePreservesCheckpointAndResumes(t *testing.T) {
	model := &scriptedModel{
		drafts: map[float64]string{
			0.7: `"Hand it over," she said. "Make me," he said.`,
			0.9: `"Hand it over," she said. "Make me," he said.`,
			1.1: `"Hand it over," she said. "Make me," he said.`,
		},
		choice:     1,
		scores:     [][3]int{{95, 95, 95}},
		failLabels: map[string]error{"subtext_map": errors.New("endpoint down")},
	}
	unit := story.WorkUnit{ID: "bd-2", Title: "Scene 2", Goal: "A standoff"}
	src := &fakeSource{ready: []story.WorkUnit{unit}}
	fx := newFixture(t, model, src, Config{PassThreshold: 90, MaxRevisions: 3})

	err := fx.p.ProcessUnit(context.Background(), unit)
	if err == nil {
		t.Fatal("expected error from failed subtext stage")
	}

	rec, loadErr := fx.ckpt.Load(unit.ID)
	if loadErr != nil || rec == nil {
		t.Fatalf("checkpoint must survive a failed iteration: %+v, %v", rec, loadErr)
	}
	if rec.Draft == "" || !rec.LintDone || rec.SubtextDone {
		t.Fatalf("checkpoint flags = %+v, want draft kept, lint done, subtext pending", rec)
	}

	model.mu.Lock()
	delete(model.failLabels, "subtext_map")
	model.calls = nil
	model.mu.Unlock()

	if err := fx.p.ProcessUnit(context.Background(), unit); err != nil {
		t.Fatalf("resumed ProcessUnit: %v", err)
	}
	for _, label := range []string{"outline", "sample_0.7", "lint_revise"} {
		if n := model.count(label); n != 0 {
			t.Errorf("%s re-ran on resume, calls = %d", label, n)
		}
	}
	if len(src.closed) != 1 {
		t.Fatalf("unit not closed after resume: %v", src.closed)
	}
}

func TestRunSeedsFromMacroOutlineAndStopsAtTarget(t *testing.T) {
	model := &scriptedModel{
		drafts: map[float64]string{0.7: cleanDraft, 0.9: cleanDraft, 1.1: cleanDraft},
		choice: 1,
		scores: [][3]int{{95, 95, 95}},
	}
	src := &fakeSource{}
	fx := newFixture(t, model, src, Config{PassThreshold: 90, MaxRevisions: 3, TargetWords: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fx.p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run did not stop on its own")
	}

	if n := model.count("macro"); n != 1 {
		t.Errorf("macro outline calls = %d, want 1", n)
	}
	if len(src.created) != 1 || len(src.closed) != 1 {
		t.Fatalf("created = %v, closed = %v; want one seeded unit processed", src.created, src.closed)
	}
	scenes, _ := filepath.Glob(filepath.Join(fx.root, "scenes", "*.md"))
	if len(scenes) != 1 {
		t.Fatalf("scene files = %d, want 1", len(scenes))
	}
}

func TestRunStopsWhenTrackerEmpty(t *testing.T) {
	model := &scriptedModel{}
	src := &fakeSource{}
	fx := newFixture(t, model, src, Config{PassThreshold: 90, MaxRevisions: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fx.p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(model.calls) != 0 {
		t.Fatalf("no model calls expected, got %v", model.calls)
	}
}
