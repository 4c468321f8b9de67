package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/facesense/internal/config"
)

func TestNewLevel(t *testing.T) {
	log, err := New(config.LogConfig{Level: "debug"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %s", log.GetLevel())
	}

	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNewWritesFile(t *testing.T) {
	t.Setenv("APP_ENV", "")
	path := filepath.Join(t.TempDir(), "logs", "facesense.log")

	log, err := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.WithField("component", "test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("Expected log output in file")
	}
}

func TestNewSkipsFileInTests(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	path := filepath.Join(t.TempDir(), "facesense.log")

	log, err := New(config.LogConfig{File: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info("hello")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected no log file when APP_ENV=test")
	}
}
