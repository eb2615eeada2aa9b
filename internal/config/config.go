// Package config loads per-project settings and resolves the directory
// layout used by every other component. There are no process globals:
// callers receive an explicit ProjectContext and pass it down.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables read from scriptorium.yaml. Pointer fields
// distinguish "explicitly zero" from "unset"; unset fields receive
// defaults in applyDefaults.
type Config struct {
	Provider string `yaml:"provider"` // "ollama" or "openai"
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"-"` // from env only, never from file

	ConnectTimeoutSec *float64 `yaml:"connect_timeout_sec"`
	ReadTimeoutSec    *float64 `yaml:"read_timeout_sec"`
	MaxRetries        *int     `yaml:"max_retries"`
	BackoffBaseSec    *float64 `yaml:"backoff_base_sec"`
	BackoffJitterSec  *float64 `yaml:"backoff_jitter_sec"`

	ContextTokens   *int     `yaml:"context_tokens"`
	CharsPerToken   *float64 `yaml:"chars_per_token"`
	ReserveTokens   *int     `yaml:"reserve_tokens"`
	MinBudgetTokens *int     `yaml:"min_budget_tokens"`
	SlashRatio      *float64 `yaml:"slash_ratio"`

	SampleTemperatures   []float64 `yaml:"sample_temperatures"`
	CandidatePreviewChar *int      `yaml:"candidate_preview_chars"`

	PassThreshold *int `yaml:"pass_threshold"`
	MaxRevisions  *int `yaml:"max_revisions"`
	ArcSkipBelow  *int `yaml:"arc_skip_below"`
	ArcLightBelow *int `yaml:"arc_light_below"`

	TargetWords     *int     `yaml:"target_words"`
	PollIntervalSec *float64 `yaml:"poll_interval_sec"`
	ShowReasoning   *bool    `yaml:"show_reasoning"`
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Provider) == "" {
		c.Provider = "ollama"
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = "qwen3:32b"
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		if c.Provider == "ollama" {
			c.BaseURL = "http://localhost:11434"
		}
	}
	if c.ConnectTimeoutSec == nil {
		c.ConnectTimeoutSec = f64p(10)
	}
	if c.ReadTimeoutSec == nil {
		c.ReadTimeoutSec = f64p(600)
	}
	if c.MaxRetries == nil {
		c.MaxRetries = intp(5)
	}
	if c.BackoffBaseSec == nil {
		c.BackoffBaseSec = f64p(3.0)
	}
	if c.BackoffJitterSec == nil {
		c.BackoffJitterSec = f64p(1.35)
	}
	if c.ContextTokens == nil {
		c.ContextTokens = intp(32768)
	}
	if c.CharsPerToken == nil {
		c.CharsPerToken = f64p(3.5)
	}
	if c.ReserveTokens == nil {
		c.ReserveTokens = intp(2000)
	}
	if c.MinBudgetTokens == nil {
		c.MinBudgetTokens = intp(1000)
	}
	if c.SlashRatio == nil {
		c.SlashRatio = f64p(0.7)
	}
	if len(c.SampleTemperatures) == 0 {
		c.SampleTemperatures = []float64{0.7, 0.9, 1.1}
	}
	if c.CandidatePreviewChar == nil {
		c.CandidatePreviewChar = intp(3000)
	}
	if c.PassThreshold == nil {
		c.PassThreshold = intp(90)
	}
	if c.MaxRevisions == nil {
		c.MaxRevisions = intp(3)
	}
	if c.ArcSkipBelow == nil {
		c.ArcSkipBelow = intp(2)
	}
	if c.ArcLightBelow == nil {
		c.ArcLightBelow = intp(5)
	}
	if c.TargetWords == nil {
		c.TargetWords = intp(80000)
	}
	if c.PollIntervalSec == nil {
		c.PollIntervalSec = f64p(15)
	}
	if c.ShowReasoning == nil {
		c.ShowReasoning = boolp(false)
	}
}

func f64p(v float64) *float64 { return &v }
func intp(v int) *int         { return &v }
func boolp(v bool) *bool      { return &v }

// ProjectContext is the resolved view of one project directory. It is
// immutable after Load and safe to share across components.
type ProjectContext struct {
	Root   string
	Config Config
}

// Directory layout. The legacy checkpoint dir is kept readable and
// mirrored for projects created before the meta/ reorganization.
func (p ProjectContext) MetaDir() string            { return filepath.Join(p.Root, "meta") }
func (p ProjectContext) CheckpointDir() string      { return filepath.Join(p.Root, "meta", "checkpoints") }
func (p ProjectContext) LegacyCheckpointDir() string { return filepath.Join(p.Root, "checkpoints") }
func (p ProjectContext) ScenesDir() string          { return filepath.Join(p.Root, "scenes") }
func (p ProjectContext) LegacyScenesDir() string    { return filepath.Join(p.Root, "chapters") }
func (p ProjectContext) ManuscriptPath() string     { return filepath.Join(p.Root, "manuscript.md") }
func (p ProjectContext) StatePath() string          { return filepath.Join(p.Root, "meta", "state.json") }
func (p ProjectContext) LogsDir() string            { return filepath.Join(p.Root, "logs") }

// Load reads .env (if present) and scriptorium.yaml from the project
// root and returns a fully defaulted ProjectContext. A missing config
// file is not an error; defaults apply.
func Load(root string) (ProjectContext, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return ProjectContext{}, fmt.Errorf("resolve project root: %w", err)
	}
	// Ignore load errors for a missing .env; only malformed files matter.
	if _, statErr := os.Stat(filepath.Join(abs, ".env")); statErr == nil {
		if err := godotenv.Load(filepath.Join(abs, ".env")); err != nil {
			return ProjectContext{}, fmt.Errorf("load .env: %w", err)
		}
	}

	var cfg Config
	data, err := os.ReadFile(filepath.Join(abs, "scriptorium.yaml"))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return ProjectContext{}, fmt.Errorf("parse scriptorium.yaml: %w", err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return ProjectContext{}, fmt.Errorf("read scriptorium.yaml: %w", err)
	}
	cfg.applyDefaults()

	if key := strings.TrimSpace(os.Getenv("SCRIPTORIUM_API_KEY")); key != "" {
		cfg.APIKey = key
	} else if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		cfg.APIKey = key
	}
	return ProjectContext{Root: abs, Config: cfg}, nil
}

// EnsureLayout creates the writable directories the pipeline expects.
func (p ProjectContext) EnsureLayout() error {
	for _, dir := range []string{p.MetaDir(), p.CheckpointDir(), p.ScenesDir(), p.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
