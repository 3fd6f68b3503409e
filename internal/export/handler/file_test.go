package handler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
)

func TestFileHandlerWritesOneJSONFilePerAlarm(t *testing.T) {
	dir := t.TempDir()
	h := &FileHandler{}
	cfg := fileConfig{BasePath: dir, FileFormat: "json", FilenameTemplate: "{point_name}_{timestamp}", CreateDirectories: true}
	raw, _ := json.Marshal(cfg)
	if err := h.Initialize(raw); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	result, err := h.SendAlarm(context.Background(), AlarmPayload{
		PointName: "temp", Value: 55.0, Severity: domain.SeverityMedium,
		State: domain.AlarmStateActive, Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("SendAlarm: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if _, statErr := os.Stat(result.FilePath); statErr != nil {
		t.Fatalf("expected file at %s: %v", result.FilePath, statErr)
	}
}

func TestFileHandlerAtomicWriteProducesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	h := &FileHandler{}
	cfg := fileConfig{BasePath: dir, FileFormat: "json", FilenameTemplate: "fixed", AtomicWrite: true}
	raw, _ := json.Marshal(cfg)
	h.Initialize(raw)

	result, err := h.SendAlarm(context.Background(), AlarmPayload{PointName: "p", Value: 1})
	if err != nil {
		t.Fatalf("SendAlarm: %v", err)
	}
	if _, err := os.Stat(result.FilePath + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected no leftover .tmp file after atomic write")
	}
	if _, err := os.Stat(result.FilePath); err != nil {
		t.Fatalf("expected final file to exist: %v", err)
	}
}

func TestFileHandlerAppendModeAccumulatesLines(t *testing.T) {
	dir := t.TempDir()
	h := &FileHandler{}
	cfg := fileConfig{BasePath: dir, FileFormat: "txt", FilenameTemplate: "daily", AppendMode: true}
	raw, _ := json.Marshal(cfg)
	h.Initialize(raw)

	for i := 0; i < 3; i++ {
		if _, err := h.SendAlarm(context.Background(), AlarmPayload{PointName: "p", Value: float64(i)}); err != nil {
			t.Fatalf("SendAlarm %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "daily.txt"))
	if err != nil {
		t.Fatalf("read appended file: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 3 {
		t.Fatalf("expected 3 appended lines, got %d", lines)
	}
}

func TestFileHandlerCSVIncludesOptionalHeader(t *testing.T) {
	dir := t.TempDir()
	h := &FileHandler{}
	cfg := fileConfig{BasePath: dir, FileFormat: "csv", FilenameTemplate: "out", CSVAddHeader: true}
	raw, _ := json.Marshal(cfg)
	h.Initialize(raw)

	result, err := h.SendAlarm(context.Background(), AlarmPayload{PointName: "p", Value: 1})
	if err != nil {
		t.Fatalf("SendAlarm: %v", err)
	}
	data, _ := os.ReadFile(result.FilePath)
	if len(data) == 0 {
		t.Fatal("expected non-empty csv file")
	}
}

func TestFileHandlerXMLEscapesReservedChars(t *testing.T) {
	got := escapeXML(`<a & "b"> 'c'`)
	want := "&lt;a &amp; &quot;b&quot;&gt; &apos;c&apos;"
	if got != want {
		t.Fatalf("escapeXML() = %q, want %q", got, want)
	}
}

func TestFileHandlerSanitizesIllegalFilenameChars(t *testing.T) {
	dir := t.TempDir()
	h := &FileHandler{}
	cfg := fileConfig{BasePath: dir, FileFormat: "json", FilenameTemplate: "bad/name:here"}
	raw, _ := json.Marshal(cfg)
	h.Initialize(raw)

	result, err := h.SendAlarm(context.Background(), AlarmPayload{PointName: "p", Value: 1})
	if err != nil {
		t.Fatalf("SendAlarm: %v", err)
	}
	if filepath.Base(result.FilePath) != "bad_name_here.json" {
		t.Fatalf("expected sanitized filename, got %q", filepath.Base(result.FilePath))
	}
}

func TestFileHandlerTestConnectionFailsOnUnwritableBasePath(t *testing.T) {
	h := &FileHandler{}
	cfg := fileConfig{BasePath: "/nonexistent/definitely/not/here"}
	raw, _ := json.Marshal(cfg)
	h.Initialize(raw)
	if err := h.TestConnection(context.Background()); err == nil {
		t.Fatal("expected error for unwritable base path")
	}
}
