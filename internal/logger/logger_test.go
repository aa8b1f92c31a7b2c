package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	Info("page-in complete", KeyObjectID, uint64(42), KeyDurationMS, 1.5)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "page-in complete" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry[KeyObjectID] != float64(42) {
		t.Errorf("%s = %v", KeyObjectID, entry[KeyObjectID])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	Debug("dropped")
	Info("dropped too")
	Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("below-level entries leaked: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn entry missing: %s", out)
	}

	SetLevel("DEBUG")
	Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("debug entry missing after SetLevel")
	}

	// Invalid levels and formats are ignored, not applied.
	SetLevel("LOUD")
	SetFormat("xml")
	buf.Reset()
	Debug("still visible")
	if !strings.Contains(buf.String(), "still visible") {
		t.Error("invalid SetLevel changed the level")
	}
}

func TestWithBindsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	l := With(KeyVolumeID, "vol-1")
	l.Info("bound")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry[KeyVolumeID] != "vol-1" {
		t.Errorf("%s = %v, want vol-1", KeyVolumeID, entry[KeyVolumeID])
	}
}

func TestFieldHelpers(t *testing.T) {
	if got := FormatObjectID(0x2a); got != "0x000000000000002a" {
		t.Errorf("FormatObjectID = %q", got)
	}
	if HolderKind(true) != "strong" || HolderKind(false) != "weak" {
		t.Error("HolderKind names wrong")
	}
	if Err(nil).Value.String() != "" {
		t.Error("Err(nil) is not empty")
	}
	if Err(errors.New("boom")).Value.String() != "boom" {
		t.Error("Err lost the message")
	}
	attrs := Range(0, 4096)
	if len(attrs) != 4 || attrs[0] != KeyRangeStart || attrs[2] != KeyRangeEnd {
		t.Errorf("Range attrs = %v", attrs)
	}
}
