package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/model"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	gt.NoError(t, cfg.Validate())
	gt.Equal(t, cfg.Promotion.MinEscalations, 3)
	gt.Equal(t, cfg.Formation.RequiredSeverity, model.SeverityCritical)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threatmem.yaml")
	data := `
working:
  ttl: 2h
promotion:
  min_escalations: 4
formation:
  min_sources: 3
sweep:
  schedule: "@every 1m"
`
	gt.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := config.Load(path)
	gt.NoError(t, err)
	gt.Equal(t, cfg.Working.TTL, 2*time.Hour)
	gt.Equal(t, cfg.Promotion.MinEscalations, 4)
	gt.Equal(t, cfg.Formation.MinSources, 3)
	gt.Equal(t, cfg.Sweep.Schedule, "@every 1m")

	// untouched fields keep their defaults
	gt.Equal(t, cfg.Promotion.MinInteractions, 5)
	gt.Equal(t, cfg.Working.MaxActions, 256)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := config.Load("")
	gt.NoError(t, err)
	gt.Equal(t, cfg.Sweep.Schedule, "@every 5m")
}

func TestParseRejectsInvalid(t *testing.T) {
	testCases := map[string]string{
		"unknown field":    "promotion:\n  min_votes: 1\n",
		"zero ttl":         "working:\n  ttl: 0s\n",
		"bad severity":     "formation:\n  required_severity: SEVERE\n",
		"bad failure rate": "resilience:\n  failure_rate: 1.5\n",
		"bad confidence":   "formation:\n  min_evidence_confidence: 2\n",
	}

	for name, data := range testCases {
		t.Run(name, func(t *testing.T) {
			gt.Error(t, config.Parse([]byte(data), config.Default()))
		})
	}
}
