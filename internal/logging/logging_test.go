package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: zerolog.WarnLevel, Output: &buf})
	defer Init(Config{Level: zerolog.InfoLevel})

	Info().Msg("should be filtered")
	Warn().Msg("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("info message emitted at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn message missing")
	}
}

func TestForAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: zerolog.DebugLevel, Output: &buf})
	defer Init(Config{Level: zerolog.InfoLevel})

	log := For("workspace")
	log.Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["component"] != "workspace" {
		t.Errorf("component = %v, want workspace", line["component"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"Warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"fatal":   zerolog.FatalLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
