package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	if err := Init(Config{Level: "chatty"}); err == nil {
		t.Error("unknown level must be rejected")
	}
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nuvii.log")
	if err := Init(Config{Level: "debug", File: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	Info("file sink check")
	Debug("debug passes at debug level")
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, "file sink check") {
		t.Errorf("info entry missing from %q", out)
	}
	if !strings.Contains(out, "debug passes at debug level") {
		t.Errorf("debug entry missing from %q", out)
	}
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nuvii.log")
	if err := Init(Config{Level: "warn", File: path}); err != nil {
		t.Fatal(err)
	}

	Info("should be filtered")
	Warn("should appear")
	Sync()

	data, _ := os.ReadFile(path)
	out := string(data)
	if strings.Contains(out, "should be filtered") {
		t.Error("info entry leaked past warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn entry missing")
	}
}

func TestNamedTagsComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nuvii.log")
	if err := Init(Config{Level: "info", File: path}); err != nil {
		t.Fatal(err)
	}

	Named("hydrate").Info("component entry")
	Sync()

	data, _ := os.ReadFile(path)
	out := string(data)
	if !strings.Contains(out, "component entry") {
		t.Fatalf("entry missing from %q", out)
	}
	if !strings.Contains(out, "hydrate") {
		t.Errorf("component name missing from %q", out)
	}
}
