package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/platformbuilds/buildwatch/internal/utils"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
jenkins:
  baseURL: https://jenkins.example.com
inference:
  endpoint: http://inference.internal/v1/classify
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.TriggerAddress != ":8080" || cfg.Server.MetricsAddress != ":2112" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Discovery.Interval != time.Minute || cfg.Discovery.MaxConcurrentAnalyses != 4 {
		t.Fatalf("unexpected discovery defaults %+v", cfg.Discovery)
	}
	if cfg.Patterns.SeedConfidence != 0.30 || cfg.Patterns.TTL != 720*time.Hour {
		t.Fatalf("unexpected pattern defaults %+v", cfg.Patterns)
	}
	if cfg.Actions.RetryThreshold != 0.80 || cfg.Actions.MaxRetries != 3 {
		t.Fatalf("unexpected action defaults %+v", cfg.Actions)
	}
	if !cfg.Learning.Enabled || cfg.Learning.ConfirmationWindow != 2*time.Hour {
		t.Fatalf("unexpected learning defaults %+v", cfg.Learning)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
discovery:
  interval: 30s
  excludePatterns:
    - "sandbox/*"
patterns:
  learningRate: 0.1
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Discovery.Interval != 30*time.Second {
		t.Fatalf("interval override lost: %v", cfg.Discovery.Interval)
	}
	if len(cfg.Discovery.ExcludePatterns) != 1 || cfg.Discovery.ExcludePatterns[0] != "sandbox/*" {
		t.Fatalf("exclude patterns lost: %v", cfg.Discovery.ExcludePatterns)
	}
	if cfg.Patterns.LearningRate != 0.1 {
		t.Fatalf("learning rate override lost: %v", cfg.Patterns.LearningRate)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BUILDWATCH_JENKINS_URL", "https://other.example.com")
	t.Setenv("BUILDWATCH_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Jenkins.BaseURL != "https://other.example.com" {
		t.Fatalf("env override lost: %v", cfg.Jenkins.BaseURL)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("env override lost: %v", cfg.Logging.Level)
	}
}

func TestLoadRejectsMissingCollaborators(t *testing.T) {
	_, err := Load(writeConfig(t, "jenkins:\n  baseURL: \"\"\n"))
	if utils.ClassOf(err) != utils.ClassFatal {
		t.Fatalf("expected fatal error for missing jenkins URL, got %v", err)
	}

	_, err = Load(writeConfig(t, "jenkins:\n  baseURL: https://jenkins.example.com\n"))
	if utils.ClassOf(err) != utils.ClassFatal {
		t.Fatalf("expected fatal error for missing inference endpoint, got %v", err)
	}
}

func TestLoadRejectsBadLearningRate(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
patterns:
  learningRate: 1.5
`))
	if utils.ClassOf(err) != utils.ClassFatal {
		t.Fatalf("expected fatal error for out-of-range learning rate, got %v", err)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
