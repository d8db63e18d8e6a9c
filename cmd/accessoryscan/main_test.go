package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"accessoryscan/internal/device"
	"accessoryscan/internal/engine"
	"accessoryscan/internal/score"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestRunWithoutArgsShowsUsage(t *testing.T) {
	out, err := execute(t)
	if err != nil {
		t.Fatalf("run returned error without args: %v", err)
	}
	if !strings.Contains(out, "scan") {
		t.Fatalf("expected usage to list the scan command, got %q", out)
	}
}

func TestRunVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("run returned error for version command: %v", err)
	}
	if !strings.HasPrefix(out, "accessoryscan ") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run([]string{"unknown"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestScanRejectsInvalidPort(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := execute(t, "scan", "--config", cfg, "--port", "70000")
	if !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("expected invalid request error, got %v", err)
	}
}

func TestScanRejectsUnknownLogLevel(t *testing.T) {
	if _, err := execute(t, "scan", "--log-level", "chatty"); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func sampleResult() engine.Result {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return engine.Result{
		SessionID: "b6f1",
		Devices: []engine.Entry{{
			Device: device.DiscoveredDevice{
				Identity:       "00:17:88:AA:BB:CC",
				NetworkAddress: "192.168.1.20",
				DisplayName:    "Hue Bridge",
				OpenPorts:      []device.Port{{Number: 80}, {Number: 51826}},
				Sources:        device.SourceProbe | device.SourceAnnouncement,
			},
			Assessment: score.Assessment{Score: 85, Classification: score.DefiniteMatch},
		}},
		Phases: []engine.PhaseReport{
			{Phase: engine.PhaseCache, Status: engine.StatusCompleted},
			{Phase: engine.PhaseCommon, Status: engine.StatusTimedOut, Attempted: 100, Responded: 3},
		},
		Advisories:       []engine.Advisory{{Kind: engine.AdvisoryEvicted, Subject: "record bound", Values: []string{"10.0.0.1"}}},
		MergeSuggestions: []engine.MergeSuggestion{{Keep: "a", Retire: "b", Names: []string{"Lamp", "Lamp 1"}, Similarity: 0.9}},
		Started:          start,
		Finished:         start.Add(4 * time.Second),
	}
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	if err := renderTable(&buf, sampleResult()); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Hue Bridge", "80,51826", "definite-match", "timed-out", "record-evicted", "possible duplicate"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := renderJSON(&buf, sampleResult()); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	phases := decoded["phases"].([]any)
	if phases[1].(map[string]any)["phase"] != "common" {
		t.Fatalf("expected phase names in JSON, got %v", phases[1])
	}
}

func TestProgressPrinterThrottles(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf)
	for i := 1; i <= 100; i++ {
		p(engine.Progress{Phase: engine.PhaseCommon, Fraction: float64(i) / 100, Devices: i / 10})
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 11 {
		t.Fatalf("expected one line per tenth plus the first, got %d:\n%s", lines, buf.String())
	}
}
