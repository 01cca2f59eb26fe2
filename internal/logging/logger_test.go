package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterEmitsJSONWithService(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "production", "info")
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	componentLogger := Component(logger, "dedup")
	componentLogger.Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if line["service"] != serviceName {
		t.Fatalf("unexpected service: %v", line["service"])
	}
	if line["component"] != "dedup" {
		t.Fatalf("unexpected component: %v", line["component"])
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New("local", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
