package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLogging(t *testing.T) {
	t.Helper()
	CloseAll()
	CloseAudit()
	configMu.Lock()
	settings = Settings{}
	logsDir = ""
	logLevel = LevelInfo
	configMu.Unlock()
	t.Cleanup(func() {
		CloseAll()
		CloseAudit()
		configMu.Lock()
		settings = Settings{}
		logsDir = ""
		configMu.Unlock()
	})
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	resetLogging(t)
	dataDir := t.TempDir()

	if err := Initialize(dataDir, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("Expected debug mode to be enabled")
	}

	for _, cat := range AllCategories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	Protocol("Convenience protocol log")
	Session("Convenience session log")
	Store("Convenience store log")

	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dataDir, "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	for _, cat := range AllCategories {
		found := false
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), "_"+string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(dataDir, "logs", entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
				} else if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug_mode is false
func TestDebugModeDisabled(t *testing.T) {
	resetLogging(t)
	dataDir := t.TempDir()

	if err := Initialize(dataDir, Settings{DebugMode: false, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if IsDebugMode() {
		t.Error("Expected debug mode to be disabled")
	}
	for _, cat := range AllCategories {
		if IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be disabled when debug_mode=false", cat)
		}
	}

	Boot("This should NOT be logged")
	Get(CategorySession).Error("This should NOT be logged")
	CloseAll()

	if _, err := os.Stat(filepath.Join(dataDir, "logs")); !os.IsNotExist(err) {
		t.Errorf("Expected no logs directory in production mode, stat err=%v", err)
	}
}

// TestCategoryToggle tests individual category enable/disable
func TestCategoryToggle(t *testing.T) {
	resetLogging(t)
	dataDir := t.TempDir()

	err := Initialize(dataDir, Settings{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{"session": true, "store": false},
	})
	if err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsCategoryEnabled(CategorySession) {
		t.Error("session should be enabled")
	}
	if IsCategoryEnabled(CategoryStore) {
		t.Error("store should be disabled")
	}
	if !IsCategoryEnabled(CategoryPoller) {
		t.Error("unlisted categories default to enabled")
	}

	Store("dropped")
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(dataDir, "logs", "*_store.log"))
	if len(matches) != 0 {
		t.Errorf("store log should not exist, found %v", matches)
	}
}

func TestLevelFiltering(t *testing.T) {
	resetLogging(t)
	dataDir := t.TempDir()

	if err := Initialize(dataDir, Settings{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatal(err)
	}
	l := Get(CategoryTransport)
	l.Debug("debug-line")
	l.Info("info-line")
	l.Warn("warn-line")
	l.Error("error-line")
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(dataDir, "logs", "*_transport.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one transport log, got %v", matches)
	}
	content, _ := os.ReadFile(matches[0])
	text := string(content)
	if strings.Contains(text, "debug-line") || strings.Contains(text, "info-line") {
		t.Errorf("lines below warn were written: %s", text)
	}
	if !strings.Contains(text, "warn-line") || !strings.Contains(text, "error-line") {
		t.Errorf("warn/error lines missing: %s", text)
	}
}

func TestJSONFormatAndRequestLogger(t *testing.T) {
	resetLogging(t)
	dataDir := t.TempDir()

	if err := Initialize(dataDir, Settings{DebugMode: true, Level: "debug", JSONFormat: true}); err != nil {
		t.Fatal(err)
	}
	WithRequestID(CategoryProtocol, "req-42").WithField("verb", "fetch").Info("sent %d bytes", 31)
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(dataDir, "logs", "*_protocol.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one protocol log, got %v", matches)
	}
	content, _ := os.ReadFile(matches[0])
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	last := lines[len(lines)-1]
	// log.Logger prefixes date/time; the JSON document follows it.
	idx := strings.Index(last, "{")
	if idx < 0 {
		t.Fatalf("no JSON in line %q", last)
	}
	var entry StructuredLogEntry
	if err := json.Unmarshal([]byte(last[idx:]), &entry); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if entry.RequestID != "req-42" || entry.Message != "sent 31 bytes" || entry.Fields["verb"] != "fetch" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestAuditLog(t *testing.T) {
	resetLogging(t)
	dataDir := t.TempDir()

	if err := Initialize(dataDir, Settings{DebugMode: true}); err != nil {
		t.Fatal(err)
	}
	if err := InitAudit(); err != nil {
		t.Fatal(err)
	}
	AuditFor("alice").Exchange("r1", "fetch", 40, 5*time.Millisecond, nil)
	CloseAudit()

	matches, _ := filepath.Glob(filepath.Join(dataDir, "logs", "*_audit.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one audit log, got %v", matches)
	}
	content, _ := os.ReadFile(matches[0])
	var ev AuditEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(content))), &ev); err != nil {
		t.Fatalf("bad audit line: %v", err)
	}
	if ev.User != "alice" || ev.Verb != "fetch" || !ev.Success || ev.EventType != AuditRequest {
		t.Errorf("unexpected audit event: %+v", ev)
	}
}

func TestInitializeRequiresDir(t *testing.T) {
	resetLogging(t)
	if err := Initialize("", Settings{}); err == nil {
		t.Error("expected error for empty data dir")
	}
}

func TestTimer(t *testing.T) {
	resetLogging(t)
	timer := StartTimer(CategoryStore, "op")
	if d := timer.StopWithThreshold(time.Hour); d < 0 {
		t.Errorf("negative duration %v", d)
	}
}
