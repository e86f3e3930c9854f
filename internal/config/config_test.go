package config_test

import (
	"strings"
	"testing"
	"time"

	"cadence/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("prog-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Program.ID != "prog-1" {
		t.Fatalf("program id not applied: %s", cfg.Program.ID)
	}
	if len(cfg.Rounds) != 2 || cfg.Rounds[0] != "screening" || cfg.Rounds[1] != "pitching" {
		t.Fatalf("unexpected rounds: %v", cfg.Rounds)
	}
	if len(cfg.Sequence("juror")) != 7 {
		t.Fatalf("juror sequence: %v", cfg.Sequence("juror"))
	}
	if len(cfg.Sequence("startup")) != 4 {
		t.Fatalf("startup sequence: %v", cfg.Sequence("startup"))
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("prog-x")))
	if err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if cfg.Program.ID != "prog-x" {
		t.Fatalf("program id: %s", cfg.Program.ID)
	}
}

func TestStageIndex(t *testing.T) {
	cfg := config.Default("prog-1")
	if idx := cfg.StageIndex("juror", "onboarding"); idx != 0 {
		t.Fatalf("onboarding index %d", idx)
	}
	if idx := cfg.StageIndex("startup", "onboarding"); idx != -1 {
		t.Fatalf("startup should not have onboarding, got %d", idx)
	}
	if idx := cfg.StageIndex("juror", "unknown"); idx != -1 {
		t.Fatalf("unknown stage index %d", idx)
	}
}

func TestTransitionTable(t *testing.T) {
	cfg := config.Default("prog-1")
	tr, ok := cfg.TransitionFor("juror_onboarded")
	if !ok || tr.Stage != "onboarding" || !tr.Dispatch {
		t.Fatalf("unexpected transition: %+v ok=%v", tr, ok)
	}
	tr, ok = cfg.TransitionFor("screening_reopened")
	if !ok || !tr.Rewind || tr.Dispatch {
		t.Fatalf("reopen transition should rewind without dispatch: %+v", tr)
	}
	if _, ok := cfg.TransitionFor("nonsense"); ok {
		t.Fatalf("unknown event should not resolve")
	}
}

func TestDedupWindowOverrides(t *testing.T) {
	cfg := config.Default("prog-1")
	if w := cfg.DedupWindow("juror_onboarding"); w != 24*time.Hour {
		t.Fatalf("default window %v", w)
	}
	if w := cfg.DedupWindow("evaluation_reminder"); w != 6*time.Hour {
		t.Fatalf("override window %v", w)
	}
	cfg.Communications.DedupWindowHours = 0
	if w := cfg.DedupWindow("juror_onboarding"); w != 24*time.Hour {
		t.Fatalf("zero config should fall back to 24h, got %v", w)
	}
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing program id", func(c *config.Config) { c.Program.ID = "" }, "program.id"},
		{"no rounds", func(c *config.Config) { c.Rounds = nil }, "rounds"},
		{"duplicate round", func(c *config.Config) { c.Rounds = []string{"screening", "screening"} }, "duplicate"},
		{"transition to unknown stage", func(c *config.Config) {
			c.Workflows.Transitions["bad"] = config.Transition{Stage: "nope"}
		}, "unknown stage"},
		{"rule for unknown type", func(c *config.Config) {
			c.TriggerRules = append(c.TriggerRules, config.TriggerRule{
				Stage: "onboarding", ParticipantType: "mentor", TemplateCategory: "x",
			})
		}, "unknown participant type"},
		{"negative delay", func(c *config.Config) {
			c.TriggerRules = append(c.TriggerRules, config.TriggerRule{
				Stage: "final_results", ParticipantType: "juror", TemplateCategory: "x", DelayHours: -1,
			})
		}, "negative delay"},
		{"duplicate rule", func(c *config.Config) {
			c.TriggerRules = append(c.TriggerRules, c.TriggerRules[0])
		}, "duplicate trigger rule"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default("prog-1")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
