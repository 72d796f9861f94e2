package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	if NewLogger().GetLevel() != DebugLevel {
		t.Fatalf("expected debug level from LOG_LEVEL")
	}

	t.Setenv("LOG_LEVEL", "")
	if NewLogger().GetLevel() != InfoLevel {
		t.Fatalf("expected info level by default")
	}
}

func TestNewLoggerWithServiceStampsEntries(t *testing.T) {
	logger := NewLoggerWithService("pitwall")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.WithField("k", "v").Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	if line["service"] != "pitwall" {
		t.Fatalf("expected service field, got %v", line["service"])
	}
	if line["k"] != "v" {
		t.Fatalf("expected caller field to survive, got %v", line["k"])
	}
	if line["msg"] != "hello" {
		t.Fatalf("expected message, got %v", line["msg"])
	}
}

func TestServiceHookDoesNotOverrideExplicitField(t *testing.T) {
	logger := NewLoggerWithService("pitwall")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.WithField("service", "relay-probe").Info("probe")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["service"] != "relay-probe" {
		t.Fatalf("explicit service field should win, got %v", line["service"])
	}
}
