package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

func TestNewWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sysrev.log")

	logger, err := New(types.LoggingConfig{Level: "debug", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("pipeline started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "pipeline started") {
		t.Errorf("log file missing record, got: %s", data)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(types.LoggingConfig{Level: "shouty"})
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}
