// Package tracker adapts the external beads (bd) issue tracker as the
// pipeline's task source. Only the narrow list/create/close surface is
// wrapped; tracker internals stay external.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"scriptorium/internal/story"
)

type Source interface {
	ListReady(ctx context.Context) ([]story.WorkUnit, error)
	OpenCount(ctx context.Context) (int, error)
	Close(ctx context.Context, unitID string) error
	Create(ctx context.Context, title, description string) (string, error)
}

type Beads struct {
	bin string
	dir string
	log *slog.Logger
}

func NewBeads(bin, workdir string, log *slog.Logger) *Beads {
	if strings.TrimSpace(bin) == "" {
		bin = "bd"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Beads{bin: bin, dir: workdir, log: log.With("component", "tracker")}
}

// Available reports whether the bd binary can be found. Startup treats
// failure as fatal.
func (b *Beads) Available() error {
	if _, err := exec.LookPath(b.bin); err != nil {
		return fmt.Errorf("task tracker binary %q not found: %w", b.bin, err)
	}
	return nil
}

// issue is the subset of bd's JSON output the pipeline reads.
type issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

func (b *Beads) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.bin, args...)
	cmd.Dir = b.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("bd %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ListReady returns the units with no unmet dependencies, in bd's
// priority order.
func (b *Beads) ListReady(ctx context.Context) ([]story.WorkUnit, error) {
	out, err := b.run(ctx, "ready", "--json")
	if err != nil {
		return nil, err
	}
	issues, err := parseIssues(out)
	if err != nil {
		return nil, fmt.Errorf("parse bd ready output: %w", err)
	}
	units := make([]story.WorkUnit, 0, len(issues))
	for _, is := range issues {
		units = append(units, story.WorkUnit{
			ID:    is.ID,
			Title: is.Title,
			Goal:  is.Description,
		})
	}
	return units, nil
}

// OpenCount returns how many issues are not yet closed. Zero combined
// with an empty ready list is the terminal signal.
func (b *Beads) OpenCount(ctx context.Context) (int, error) {
	out, err := b.run(ctx, "list", "--json")
	if err != nil {
		return 0, err
	}
	issues, err := parseIssues(out)
	if err != nil {
		return 0, fmt.Errorf("parse bd list output: %w", err)
	}
	n := 0
	for _, is := range issues {
		if !strings.EqualFold(is.Status, "closed") && !strings.EqualFold(is.Status, "done") {
			n++
		}
	}
	return n, nil
}

func (b *Beads) Close(ctx context.Context, unitID string) error {
	if _, err := b.run(ctx, "close", unitID); err != nil {
		return err
	}
	b.log.Info("closed work unit", "unit", unitID)
	return nil
}

// Create adds a new unit and returns its id when bd reports one.
func (b *Beads) Create(ctx context.Context, title, description string) (string, error) {
	out, err := b.run(ctx, "create", title, "-d", description, "--json")
	if err != nil {
		return "", err
	}
	var created issue
	if err := json.Unmarshal(bytes.TrimSpace(out), &created); err == nil && created.ID != "" {
		return created.ID, nil
	}
	// Older bd prints a plain "Created <id>" line.
	fields := strings.Fields(string(out))
	if len(fields) >= 2 && strings.EqualFold(fields[0], "created") {
		return strings.TrimSuffix(fields[1], ":"), nil
	}
	return "", nil
}

// parseIssues accepts both the bare-array and wrapped-object output
// shapes bd has used across versions.
func parseIssues(out []byte) ([]issue, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	var issues []issue
	if err := json.Unmarshal(out, &issues); err == nil {
		return issues, nil
	}
	var wrapped struct {
		Issues []issue `json:"issues"`
	}
	if err := json.Unmarshal(out, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Issues, nil
}
