package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, false)
	l.SetOutput(&buf)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO entry written at WARN level: %q", out)
	}
	if !strings.Contains(out, "WARN: shown") {
		t.Errorf("missing WARN entry: %q", out)
	}
}

func TestJSONEntryCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, true)
	l.SetOutput(&buf)

	l.WithField("driver", "HelloREEF").Info("dispatched", Fields{"kind": "task_completed"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON entry %q: %v", buf.String(), err)
	}
	if entry.Level != "INFO" || entry.Message != "dispatched" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Fields["driver"] != "HelloREEF" || entry.Fields["kind"] != "task_completed" {
		t.Errorf("fields = %v", entry.Fields)
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(DEBUG, false)
	parent.SetOutput(&buf)

	_ = parent.WithField("child", true)
	parent.Info("parent entry")

	if strings.Contains(buf.String(), "child") {
		t.Errorf("parent picked up child field: %q", buf.String())
	}
}

func TestFatalExits(t *testing.T) {
	code := -1
	l := Discard()
	l.level = DEBUG
	l.exit = func(c int) { code = c }

	l.Fatal("bad config")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DEBUG,
		"WARNING": WARN,
		"error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
