package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewSessionLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewSessionLogger(base, "", "peer", "session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when sessionLogDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewSessionLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewSessionLogger(base, dir, "test-peer", "session-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	peerDir := filepath.Join(dir, "test-peer")
	if _, err := os.Stat(peerDir); os.IsNotExist(err) {
		t.Fatalf("peer dir not created: %s", peerDir)
	}

	expectedPath := filepath.Join(peerDir, "session-abc.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	logger.Info("test message", "key", "value")

	closer.Close()

	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading session log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("log message not found in session file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in session file: %s", content)
	}
}

func TestNewSessionLogger_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	// Base logger at INFO — DEBUG records should not reach it.
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewSessionLogger(base, dir, "peer", "sess-debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	// Both should appear in the session file, which is always DEBUG.
	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from session file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from session file: %s", content)
	}
}

func TestRemoveSessionLog(t *testing.T) {
	dir := t.TempDir()
	peerDir := filepath.Join(dir, "peer")
	os.MkdirAll(peerDir, 0755)

	logPath := filepath.Join(peerDir, "session-to-remove.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: log file not created")
	}

	RemoveSessionLog(dir, "peer", "session-to-remove")

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("session log file should have been removed")
	}
}

func TestRemoveSessionLog_NoOpWhenEmpty(t *testing.T) {
	RemoveSessionLog("", "peer", "session")
}

func TestRemoveSessionLog_NoOpWhenFileMissing(t *testing.T) {
	RemoveSessionLog(t.TempDir(), "peer", "nonexistent-session")
}

func TestNewSessionLogger_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewSessionLogger(base, dir, "peer", "sess-attrs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enriched := logger.With("session", "sess-attrs", "mode", "parallel")
	enriched.Info("enriched message")

	closer.Close()

	if !strings.Contains(baseBuf.String(), "sess-attrs") {
		t.Error("session attr missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "sess-attrs") {
		t.Errorf("session attr missing from session file: %s", content)
	}
	if !strings.Contains(content, "parallel") {
		t.Errorf("mode attr missing from session file: %s", content)
	}
}
