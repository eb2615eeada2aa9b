// Package pipeline drives one work unit through the staged scene
// machine and runs the outer poll loop. Progress is checkpointed after
// every stage so a crashed run resumes at the first unfinished stage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"scriptorium/internal/checkpoint"
	"scriptorium/internal/draft"
	"scriptorium/internal/jsonutil"
	"scriptorium/internal/lint"
	"scriptorium/internal/llm/invoke"
	"scriptorium/internal/output"
	"scriptorium/internal/sanitize"
	"scriptorium/internal/story"
	"scriptorium/internal/tracker"
	"scriptorium/internal/tribunal"
)

type Config struct {
	PassThreshold int
	// MaxRevisions bounds revisions after the first scoring round, so
	// total scoring rounds = MaxRevisions + 1.
	MaxRevisions int
	TargetWords  int
	PollInterval time.Duration
	ErrorDelay   time.Duration
	RecentScenes int
	RecentChars  int
}

func (c *Config) applyDefaults() {
	if c.PassThreshold == 0 {
		c.PassThreshold = 90
	}
	if c.MaxRevisions == 0 {
		c.MaxRevisions = 3
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ErrorDelay == 0 {
		c.ErrorDelay = 15 * time.Second
	}
	if c.RecentScenes == 0 {
		c.RecentScenes = 3
	}
	if c.RecentChars == 0 {
		c.RecentChars = 8000
	}
}

type Deps struct {
	Invoker     invoke.Invoker
	Sampler     *draft.Sampler
	Panel       *tribunal.Panel
	Analyst     *story.Analyst
	Checkpoints *checkpoint.Store
	State       *story.Store
	Source      tracker.Source
	Sink        *output.Sink
	Logger      *slog.Logger
}

type Pipeline struct {
	cfg   Config
	inv   invoke.Invoker
	samp  *draft.Sampler
	panel *tribunal.Panel
	an    *story.Analyst
	ckpt  *checkpoint.Store
	state *story.Store
	src   tracker.Source
	sink  *output.Sink
	log   *slog.Logger

	sleep func(context.Context, time.Duration)
}

func New(cfg Config, deps Deps) *Pipeline {
	cfg.applyDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:   cfg,
		inv:   deps.Invoker,
		samp:  deps.Sampler,
		panel: deps.Panel,
		an:    deps.Analyst,
		ckpt:  deps.Checkpoints,
		state: deps.State,
		src:   deps.Source,
		sink:  deps.Sink,
		log:   log.With("component", "pipeline"),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ProcessUnit runs one unit through every remaining stage. A returned
// error means the iteration was aborted with the checkpoint intact, so
// the same unit resumes at the failed stage on the next poll pass.
func (p *Pipeline) ProcessUnit(ctx context.Context, unit story.WorkUnit) error {
	rec, err := p.ckpt.Load(unit.ID)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", unit.ID, err)
	}
	if rec == nil {
		rec = &checkpoint.Record{UnitID: unit.ID, Title: unit.Title, Goal: unit.Goal}
	} else {
		p.log.Info("resuming unit from checkpoint", "unit", unit.ID,
			"has_outline", rec.Outline != nil, "has_draft", rec.Draft != "",
			"lint_done", rec.LintDone, "subtext_done", rec.SubtextDone,
			"drift_done", rec.DriftDone, "tribunal_attempts", rec.TribunalAttempts)
	}

	snap := p.state.Snapshot()
	storyCtx := story.BuildContext(snap)
	priorScenes := p.state.SceneCount()

	if rec.Outline == nil {
		rec.Outline = p.an.Outline(ctx, unit, storyCtx)
		if err := p.ckpt.Save(rec); err != nil {
			return fmt.Errorf("save checkpoint after outline: %w", err)
		}
	}

	if rec.Draft == "" {
		recent := p.sink.RecentProse(p.cfg.RecentScenes, p.cfg.RecentChars)
		text, err := p.samp.Sample(ctx, story.DraftMessages(unit, rec.Outline, storyCtx, recent))
		if err != nil {
			return fmt.Errorf("draft sampling: %w", err)
		}
		rec.Draft = sanitize.Clean(text)
		if err := p.ckpt.Save(rec); err != nil {
			return fmt.Errorf("save checkpoint after draft: %w", err)
		}
	}

	if !rec.LintDone {
		if err := p.lintStage(ctx, rec); err != nil {
			return err
		}
	}

	if !rec.SubtextDone {
		if err := p.subtextStage(ctx, rec); err != nil {
			return err
		}
	}

	if !rec.DriftDone {
		if err := p.driftStage(ctx, rec, snap); err != nil {
			return err
		}
	}

	set, forced, err := p.tribunalStage(ctx, rec, storyCtx, priorScenes)
	if err != nil {
		return err
	}

	return p.finalize(ctx, unit, rec, set, forced)
}

// lintStage is best-effort: the flag is set even when the revision
// call fails, lint is not a hard gate.
func (p *Pipeline) lintStage(ctx context.Context, rec *checkpoint.Record) error {
	issues := lint.Check(rec.Draft)
	if len(issues) > 0 {
		p.log.Info("lint found issues", "unit", rec.UnitID, "count", len(issues))
		revised, err := p.inv.Invoke(ctx, story.LintReviseMessages(rec.Draft, issues), invoke.Options{})
		if err != nil {
			p.log.Warn("lint revision failed, keeping draft as-is", "unit", rec.UnitID, "error", err)
		} else if cleaned := sanitize.Clean(revised); cleaned != "" {
			rec.Draft = cleaned
		}
	}
	rec.LintDone = true
	if err := p.ckpt.Save(rec); err != nil {
		return fmt.Errorf("save checkpoint after lint: %w", err)
	}
	return nil
}

func (p *Pipeline) subtextStage(ctx context.Context, rec *checkpoint.Record) error {
	if !story.HasDialogue(rec.Draft) {
		p.log.Info("no dialogue, skipping subtext pass", "unit", rec.UnitID)
	} else {
		raw, err := p.inv.Invoke(ctx, story.SubtextMapMessages(rec.Draft), invoke.Options{JSONMode: true})
		if err != nil {
			return fmt.Errorf("subtext map: %w", err)
		}
		subtextMap, err := jsonutil.ExtractObject(raw)
		if err != nil {
			p.log.Warn("subtext map unparseable, skipping revision", "unit", rec.UnitID, "error", err)
		} else {
			revised, err := p.inv.Invoke(ctx, story.SubtextReviseMessages(rec.Draft, string(subtextMap)), invoke.Options{})
			if err != nil {
				return fmt.Errorf("subtext revision: %w", err)
			}
			if cleaned := sanitize.Clean(revised); cleaned != "" {
				rec.Draft = cleaned
			}
		}
	}
	rec.SubtextDone = true
	if err := p.ckpt.Save(rec); err != nil {
		return fmt.Errorf("save checkpoint after subtext: %w", err)
	}
	return nil
}

type driftVerdict struct {
	DriftFound bool   `json:"drift_found"`
	Notes      string `json:"notes"`
}

var driftSchema = jsonutil.MustSchema("drift.json", `{
	"type": "object",
	"properties": {
		"drift_found": {"type": "boolean"},
		"notes": {"type": "string"}
	},
	"required": ["drift_found"]
}`)

// driftStage sets its flag whether or not drift was found and whether
// or not the corrective revision succeeded.
func (p *Pipeline) driftStage(ctx context.Context, rec *checkpoint.Record, snap story.State) error {
	notes := story.CharacterNotes(snap)
	if notes == "" {
		p.log.Info("no character notes yet, skipping drift check", "unit", rec.UnitID)
	} else {
		raw, err := p.inv.Invoke(ctx, story.DriftCheckMessages(rec.Draft, notes), invoke.Options{JSONMode: true})
		if err != nil {
			return fmt.Errorf("drift check: %w", err)
		}
		var v driftVerdict
		if err := jsonutil.DecodeValidated(raw, driftSchema, &v); err != nil {
			p.log.Warn("drift verdict unparseable, assuming no drift", "unit", rec.UnitID, "error", err)
		} else if v.DriftFound && strings.TrimSpace(v.Notes) != "" {
			p.log.Info("character drift flagged", "unit", rec.UnitID)
			revised, err := p.inv.Invoke(ctx, story.DriftReviseMessages(rec.Draft, v.Notes), invoke.Options{})
			if err != nil {
				p.log.Warn("drift revision failed, keeping draft as-is", "unit", rec.UnitID, "error", err)
			} else if cleaned := sanitize.Clean(revised); cleaned != "" {
				rec.Draft = cleaned
			}
		}
	}
	rec.DriftDone = true
	if err := p.ckpt.Save(rec); err != nil {
		return fmt.Errorf("save checkpoint after drift: %w", err)
	}
	return nil
}

// tribunalStage runs the bounded score-and-revise loop. The attempt
// counter is persisted right after each scoring round so a crash
// resumes with the same count. forced reports that the bound was hit
// without the scores passing.
func (p *Pipeline) tribunalStage(ctx context.Context, rec *checkpoint.Record, storyCtx string, priorScenes int) (tribunal.ScoreSet, bool, error) {
	maxRounds := p.cfg.MaxRevisions + 1
	var set tribunal.ScoreSet
	var history []string

	for {
		if rec.TribunalAttempts >= maxRounds {
			p.log.Warn("revision budget exhausted, forcing acceptance",
				"unit", rec.UnitID, "rounds", rec.TribunalAttempts)
			return set, true, nil
		}
		rec.TribunalAttempts++
		set = p.panel.Review(ctx, rec.Draft, storyCtx, priorScenes)
		if err := p.ckpt.Save(rec); err != nil {
			return set, false, fmt.Errorf("save checkpoint after scoring: %w", err)
		}

		if set.Passes(p.cfg.PassThreshold) {
			p.log.Info("draft passed tribunal", "unit", rec.UnitID,
				"round", rec.TribunalAttempts, "scores", set.String())
			return set, false, nil
		}
		if rec.TribunalAttempts >= maxRounds {
			p.log.Warn("revision budget exhausted, forcing acceptance",
				"unit", rec.UnitID, "rounds", rec.TribunalAttempts, "scores", set.String())
			return set, true, nil
		}

		fixes := make(map[string]string, len(set.Verdicts))
		for cat, v := range set.Verdicts {
			fixes[string(cat)] = v.Fix
		}
		history = append(history, fmt.Sprintf("round %d: %s", rec.TribunalAttempts, set.String()))
		msgs := story.RevisionMessages(rec.Draft, fixes, set.PriorityFix(), strings.Join(history, "\n"), rec.Outline)
		revised, err := p.inv.Invoke(ctx, msgs, invoke.Options{})
		if err != nil {
			return set, false, fmt.Errorf("tribunal revision: %w", err)
		}
		if cleaned := sanitize.Clean(revised); cleaned != "" {
			rec.Draft = cleaned
		}
		if err := p.ckpt.Save(rec); err != nil {
			return set, false, fmt.Errorf("save checkpoint after revision: %w", err)
		}
	}
}

// finalize writes the scene, updates the narrative state, closes the
// unit, and deletes the checkpoint. Checkpoint deletion stays last so
// a crash anywhere earlier re-runs finalization harmlessly.
func (p *Pipeline) finalize(ctx context.Context, unit story.WorkUnit, rec *checkpoint.Record, set tribunal.ScoreSet, forced bool) error {
	draftText := rec.Draft
	if delta, stripped, ok := story.ExtractStateBlock(draftText); ok {
		p.state.ApplyWorldDelta(delta)
		draftText = stripped
	}

	title := rec.Title
	if title == "" {
		title = unit.Title
	}
	arc := p.an.ArcDelta(ctx, unit, draftText)
	words := output.CountWords(draftText)

	scores := make(map[string]int, len(set.Verdicts))
	for cat, v := range set.Verdicts {
		scores[string(cat)] = v.Score
	}
	sceneID, err := p.sink.WriteScene(unit.ID, title, draftText, output.Meta{
		Summary:   arc.Consequence,
		WordCount: words,
		Scores:    scores,
		Forced:    forced,
	})
	if err != nil {
		return fmt.Errorf("write scene: %w", err)
	}

	p.state.ApplyWorldDelta(p.an.WorldDelta(ctx, draftText))
	p.state.ApplyArcDelta(story.SceneEntry{
		SceneID:     sceneID,
		Title:       title,
		Want:        arc.Want,
		Turn:        arc.Turn,
		Consequence: arc.Consequence,
		WordCount:   words,
	}, arc)
	for _, prof := range p.an.LearnProfiles(ctx, draftText) {
		p.state.UpsertCharacter(prof.Name, prof)
	}
	if err := p.state.Save(); err != nil {
		return fmt.Errorf("save narrative state: %w", err)
	}

	if err := p.src.Close(ctx, unit.ID); err != nil {
		return fmt.Errorf("close unit %s: %w", unit.ID, err)
	}
	if err := p.ckpt.Delete(unit.ID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", unit.ID, err)
	}
	p.log.Info("unit finalized", "unit", unit.ID, "scene", sceneID, "words", words, "forced", forced)
	return nil
}

// Run polls for ready work and processes one unit at a time until the
// context is cancelled or all work is done and the word target met.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			p.log.Info("shutdown requested, stopping poll loop")
			return nil
		}

		units, err := p.src.ListReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("listing ready work failed, will retry", "error", err)
			p.sleep(ctx, p.cfg.ErrorDelay)
			continue
		}

		if len(units) == 0 {
			done, seeded := p.idle(ctx)
			if done {
				return nil
			}
			if !seeded {
				p.sleep(ctx, p.cfg.PollInterval)
			}
			continue
		}

		unit := units[0]
		p.log.Info("processing unit", "unit", unit.ID, "title", unit.Title)
		if err := p.ProcessUnit(ctx, unit); err != nil {
			if ctx.Err() != nil {
				p.log.Info("shutdown requested, stopping poll loop")
				return nil
			}
			p.log.Warn("unit iteration failed, state preserved", "unit", unit.ID, "error", err)
			p.sleep(ctx, p.cfg.ErrorDelay)
		}
	}
}

// idle handles an empty ready list: seed the next planned scene while
// the word target is unmet, otherwise stop once nothing remains open.
func (p *Pipeline) idle(ctx context.Context) (done, seeded bool) {
	words := p.sink.ManuscriptWordCount()
	if p.cfg.TargetWords > 0 && words < p.cfg.TargetWords {
		return false, p.seedNext(ctx, words)
	}

	open, err := p.src.OpenCount(ctx)
	if err != nil {
		p.log.Warn("open-count check failed", "error", err)
		return false, false
	}
	if open == 0 {
		p.log.Info("no ready work and nothing open, stopping", "words", words)
		return true, false
	}
	p.log.Info("backlog blocked, waiting", "open", open)
	return false, false
}

func (p *Pipeline) seedNext(ctx context.Context, currentWords int) bool {
	next, ok := p.state.NextPlannedScene()
	if !ok {
		p.log.Info("macro outline exhausted, regenerating", "words", currentWords)
		scenes := p.an.MacroOutline(ctx, story.BuildContext(p.state.Snapshot()), p.cfg.TargetWords, currentWords)
		p.state.SetOutline(scenes)
		next, ok = p.state.NextPlannedScene()
		if !ok {
			return false
		}
	}
	if err := p.state.Save(); err != nil {
		p.log.Warn("saving outline cursor failed", "error", err)
	}

	id, err := p.src.Create(ctx, next.Title, next.Goal)
	if err != nil {
		p.log.Warn("seeding next scene failed", "title", next.Title, "error", err)
		return false
	}
	p.log.Info("seeded next scene", "unit", id, "title", next.Title)
	return true
}
