package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models cadence.yml: the evaluation program's rounds, the fixed
// per-participant-type stage sequences, the event transition table, and the
// trigger rules deciding whether a stage entry produces a message.
type Config struct {
	Program struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"program"`
	Rounds    []string `yaml:"rounds"`
	Workflows struct {
		Sequences   map[string][]string   `yaml:"sequences"`
		Transitions map[string]Transition `yaml:"transitions"`
	} `yaml:"workflows"`
	Communications struct {
		DedupWindowHours int            `yaml:"dedup_window_hours"`
		DedupOverrides   map[string]int `yaml:"dedup_overrides"`
		Sweep            struct {
			BatchSize       int `yaml:"batch_size"`
			IntervalSeconds int `yaml:"interval_seconds"`
			StaleMinutes    int `yaml:"stale_minutes"`
		} `yaml:"sweep"`
	} `yaml:"communications"`
	TriggerRules []TriggerRule `yaml:"trigger_rules"`
	Scoring      struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"scoring"`
}

// Transition maps an application event to a workflow stage. Rewind marks
// reopen-style events that are allowed to move a workflow backwards.
type Transition struct {
	Stage    string `yaml:"stage"`
	Dispatch bool   `yaml:"dispatch"`
	Rewind   bool   `yaml:"rewind"`
}

type TriggerRule struct {
	Stage            string `yaml:"stage"`
	ParticipantType  string `yaml:"participant_type"`
	Active           bool   `yaml:"active"`
	DelayHours       int    `yaml:"delay_hours"`
	TemplateCategory string `yaml:"template_category"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cad config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Sequence returns the fixed stage order for a participant type.
func (c *Config) Sequence(participantType string) []string {
	return c.Workflows.Sequences[participantType]
}

// StageIndex returns the position of a stage in a participant type's
// sequence, or -1 when the stage is not part of it.
func (c *Config) StageIndex(participantType, stage string) int {
	for i, s := range c.Workflows.Sequences[participantType] {
		if s == stage {
			return i
		}
	}
	return -1
}

// TransitionFor resolves an event type against the transition table.
func (c *Config) TransitionFor(eventType string) (Transition, bool) {
	t, ok := c.Workflows.Transitions[eventType]
	return t, ok
}

// RuleFor returns the trigger rule for a (stage, participant type) pair.
// Inactive rules are returned with ok=true; callers decide whether an
// inactive rule is a no-op.
func (c *Config) RuleFor(stage, participantType string) (TriggerRule, bool) {
	for _, r := range c.TriggerRules {
		if r.Stage == stage && r.ParticipantType == participantType {
			return r, true
		}
	}
	return TriggerRule{}, false
}

// DedupWindow returns the duplicate-suppression window for a template
// category, falling back to the program-wide default.
func (c *Config) DedupWindow(templateCategory string) time.Duration {
	hours := c.Communications.DedupWindowHours
	if override, ok := c.Communications.DedupOverrides[templateCategory]; ok {
		hours = override
	}
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Program.ID == "" {
		return fmt.Errorf("config.program.id is required")
	}
	if len(c.Rounds) == 0 {
		return fmt.Errorf("config.rounds is required")
	}
	seenRounds := map[string]bool{}
	for _, name := range c.Rounds {
		if name == "" {
			return fmt.Errorf("config.rounds contains empty name")
		}
		if seenRounds[name] {
			return fmt.Errorf("config.rounds contains duplicate round %s", name)
		}
		seenRounds[name] = true
	}
	if len(c.Workflows.Sequences) == 0 {
		return fmt.Errorf("config.workflows.sequences is required")
	}
	knownStages := map[string]bool{}
	for ptype, seq := range c.Workflows.Sequences {
		if ptype == "" {
			return fmt.Errorf("config.workflows.sequences contains empty participant type")
		}
		if len(seq) == 0 {
			return fmt.Errorf("sequence for %s is empty", ptype)
		}
		seen := map[string]bool{}
		for _, stage := range seq {
			if stage == "" {
				return fmt.Errorf("sequence for %s contains empty stage", ptype)
			}
			if seen[stage] {
				return fmt.Errorf("sequence for %s repeats stage %s", ptype, stage)
			}
			seen[stage] = true
			knownStages[stage] = true
		}
	}
	for event, t := range c.Workflows.Transitions {
		if event == "" {
			return fmt.Errorf("config.workflows.transitions contains empty event type")
		}
		if t.Stage == "" {
			return fmt.Errorf("transition %s has no stage", event)
		}
		if !knownStages[t.Stage] {
			return fmt.Errorf("transition %s targets unknown stage %s", event, t.Stage)
		}
	}
	seenRules := map[string]bool{}
	for _, r := range c.TriggerRules {
		if !knownStages[r.Stage] {
			return fmt.Errorf("trigger rule references unknown stage %s", r.Stage)
		}
		if _, ok := c.Workflows.Sequences[r.ParticipantType]; !ok {
			return fmt.Errorf("trigger rule for stage %s references unknown participant type %s", r.Stage, r.ParticipantType)
		}
		if r.TemplateCategory == "" {
			return fmt.Errorf("trigger rule for stage %s has no template category", r.Stage)
		}
		if r.DelayHours < 0 {
			return fmt.Errorf("trigger rule for stage %s has negative delay", r.Stage)
		}
		key := r.Stage + "|" + r.ParticipantType
		if seenRules[key] {
			return fmt.Errorf("duplicate trigger rule for (%s, %s)", r.Stage, r.ParticipantType)
		}
		seenRules[key] = true
	}
	if c.Communications.DedupWindowHours < 0 {
		return fmt.Errorf("config.communications.dedup_window_hours must not be negative")
	}
	if c.Communications.Sweep.BatchSize < 0 {
		return fmt.Errorf("config.communications.sweep.batch_size must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cadence.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(programID string) string {
	return fmt.Sprintf(defaultTemplate, programID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a program.
func Default(programID string) *Config {
	var cfg Config
	cfg.Program.ID = programID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, programID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `program:
  id: %s
  name: Evaluation Program

rounds:
  - screening
  - pitching

workflows:
  sequences:
    juror:
      - onboarding
      - assignment_notification
      - evaluation_reminders
      - screening_results
      - pitching_assignment
      - pitch_reminders
      - final_results
    startup:
      - screening_results
      - pitching_assignment
      - pitch_reminders
      - final_results

  transitions:
    juror_onboarded:
      stage: onboarding
      dispatch: true
    assignments_created:
      stage: assignment_notification
      dispatch: true
    evaluations_pending:
      stage: evaluation_reminders
      dispatch: true
    screening_completed:
      stage: screening_results
      dispatch: true
    pitching_assignments_created:
      stage: pitching_assignment
      dispatch: true
    pitch_scheduled:
      stage: pitch_reminders
      dispatch: true
    final_results_published:
      stage: final_results
      dispatch: true
    screening_reopened:
      stage: screening_results
      dispatch: false
      rewind: true

communications:
  dedup_window_hours: 24
  dedup_overrides:
    evaluation_reminder: 6
    pitch_reminder: 6
  sweep:
    batch_size: 10
    interval_seconds: 60
    stale_minutes: 15

trigger_rules:
  - stage: onboarding
    participant_type: juror
    active: true
    delay_hours: 0
    template_category: juror_onboarding
  - stage: assignment_notification
    participant_type: juror
    active: true
    delay_hours: 0
    template_category: assignment_notification
  - stage: evaluation_reminders
    participant_type: juror
    active: true
    delay_hours: 24
    template_category: evaluation_reminder
  - stage: screening_results
    participant_type: juror
    active: true
    delay_hours: 0
    template_category: screening_results_juror
  - stage: screening_results
    participant_type: startup
    active: true
    delay_hours: 0
    template_category: screening_results_startup
  - stage: pitching_assignment
    participant_type: juror
    active: true
    delay_hours: 0
    template_category: pitching_assignment
  - stage: pitching_assignment
    participant_type: startup
    active: true
    delay_hours: 0
    template_category: pitching_invitation
  - stage: pitch_reminders
    participant_type: juror
    active: true
    delay_hours: 48
    template_category: pitch_reminder
  - stage: pitch_reminders
    participant_type: startup
    active: true
    delay_hours: 48
    template_category: pitch_reminder
  - stage: final_results
    participant_type: juror
    active: true
    delay_hours: 0
    template_category: final_results
  - stage: final_results
    participant_type: startup
    active: true
    delay_hours: 0
    template_category: final_results
`
