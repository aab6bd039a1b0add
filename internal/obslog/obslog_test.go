package obslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("LOG_FORMAT", "yaml")
	t.Setenv("LOG_TO_FILE", "false")
	s := SettingsFromEnv("logs/x.log")
	if s.Level != zapcore.WarnLevel {
		t.Fatalf("level: %v", s.Level)
	}
	if s.Format != "legacy" {
		t.Fatalf("unknown format not reset: %q", s.Format)
	}
	if s.File != "" {
		t.Fatalf("file core enabled: %q", s.File)
	}
}

func TestBuildWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "colordrop.log")
	l, err := Build(Settings{Level: zapcore.InfoLevel, Format: "json", File: path})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	l.Info("pool_poll_error", zap.Uint64("pool_id", 3))
	l.Debug("dropped")
	_ = l.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `"msg":"pool_poll_error"`) || !strings.Contains(out, `"pool_id":3`) {
		t.Fatalf("log line: %s", out)
	}
	if strings.Contains(out, "dropped") {
		t.Fatalf("debug entry written at info level")
	}
}

func TestDefaultLoggerIsNop(t *testing.T) {
	if L() == nil || Named("x") == nil {
		t.Fatalf("nil logger")
	}
	L().Info("ignored")
}
