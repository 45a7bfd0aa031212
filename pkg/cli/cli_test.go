package cli_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/threatmem/pkg/cli"
)

func TestRunIngest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threats.json")
	gt.NoError(t, os.WriteFile(path, []byte(`[
		{"content": "beacon to rare domain", "severity": "HIGH"},
		{"content": "mass file rename", "severity": "CRITICAL", "metadata": {"source": "edr"}}
	]`), 0644))

	err := cli.Run(context.Background(), []string{"threatmem", "ingest", "--log-level", "error", "--input", path})
	gt.True(t, err == nil)
}

func TestRunErrors(t *testing.T) {
	testCases := map[string][]string{
		"unknown threat":         {"threatmem", "get", "--log-level", "error", "thr-missing"},
		"missing threat id":      {"threatmem", "interact", "--log-level", "error", "--analyst", "alice"},
		"invalid action":         {"threatmem", "interact", "--log-level", "error", "--analyst", "alice", "--action", "poke", "thr-1"},
		"unknown export target":  {"threatmem", "export", "--log-level", "error", "--target", "ftp"},
		"missing evidence file":  {"threatmem", "form", "--log-level", "error", "--evidence", "/nonexistent/evidence.json"},
		"invalid sweep schedule": {"threatmem", "serve", "--log-level", "error", "--sweep-schedule", "every tuesday"},
	}

	for name, argv := range testCases {
		t.Run(name, func(t *testing.T) {
			err := cli.Run(context.Background(), argv)
			gt.V(t, err).NotNil()
			gt.Equal(t, err.Code, 1)
		})
	}
}
