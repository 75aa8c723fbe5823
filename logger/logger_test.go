package logger

import (
	"strings"
	"testing"
)

func TestLoggerLevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		level        Level
		messageLevel Level
		shouldLog    bool
	}{
		{"DEBUG logs at DEBUG level", DEBUG, DEBUG, true},
		{"INFO logs at DEBUG level", DEBUG, INFO, true},
		{"DEBUG doesn't log at INFO level", INFO, DEBUG, false},
		{"ERROR logs at INFO level", INFO, ERROR, true},
		{"WARN doesn't log at ERROR level", ERROR, WARN, false},
		{"ERROR logs at ERROR level", ERROR, ERROR, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level)
			result := logger.shouldLog(tt.messageLevel, "plain message")
			if result != tt.shouldLog {
				t.Errorf("shouldLog(%v) = %v, want %v", tt.messageLevel, result, tt.shouldLog)
			}
		})
	}
}

func TestLoggerComponentOverride(t *testing.T) {
	logger := New(ERROR)
	logger.componentLevels = map[string]Level{"bus": DEBUG}

	if !logger.shouldLog(DEBUG, "[bus] watch added") {
		t.Error("bus override should allow DEBUG")
	}
	if logger.shouldLog(DEBUG, "[wire] message queued") {
		t.Error("wire has no override, global ERROR should filter DEBUG")
	}
	if logger.shouldLog(DEBUG, "no component prefix") {
		t.Error("messages without a prefix follow the global level")
	}
}

func TestExtractComponent(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"[bus] connected", "bus"},
		{"[taskq] task posted", "taskq"},
		{"no prefix", ""},
		{"[unterminated", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := extractComponent(tt.msg); got != tt.want {
			t.Errorf("extractComponent(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestLoggerFormat(t *testing.T) {
	logger := New(INFO)
	formatted := logger.format(INFO, "test message")

	if !strings.Contains(formatted, "[INFO ]") {
		t.Errorf("formatted message should contain '[INFO ]', got: %s", formatted)
	}
	if !strings.Contains(formatted, "test message") {
		t.Errorf("formatted message should contain 'test message', got: %s", formatted)
	}
}

func TestSetLevel(t *testing.T) {
	originalLevel := defaultLogger.level
	defer func() {
		defaultLogger.level = originalLevel
	}()

	SetLevel(DEBUG)
	if defaultLogger.level != DEBUG {
		t.Errorf("SetLevel(DEBUG) failed, level = %d, want %d", defaultLogger.level, DEBUG)
	}

	SetLevel(ERROR)
	if defaultLogger.level != ERROR {
		t.Errorf("SetLevel(ERROR) failed, level = %d, want %d", defaultLogger.level, ERROR)
	}
}
