package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeArtifact(t *testing.T, jobDir, rel, content string) {
	t.Helper()
	path := filepath.Join(jobDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestBuildWithoutArtifacts(t *testing.T) {
	a := New("", Limits{MaxFiles: 10, MaxFileChars: 1000, MaxTotalChars: 5000})
	got := a.Build("claude", "do the thing", t.TempDir(), nil)
	if got != "do the thing" {
		t.Errorf("Build() = %q, want bare prompt", got)
	}
}

func TestBuildIncludesArtifactBlocks(t *testing.T) {
	jobDir := t.TempDir()
	writeArtifact(t, jobDir, "steps/01_plan/report.md", "the plan")

	a := New("", Limits{MaxFiles: 10, MaxFileChars: 1000, MaxTotalChars: 5000})
	got := a.Build("claude", "review", jobDir, []string{"steps/01_plan/report.md"})

	for _, want := range []string{
		"=== BEGIN ARTIFACT: steps/01_plan/report.md ===",
		"the plan",
		"=== END ARTIFACT ===",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Build() missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "[artifacts_truncated_or_limited]") {
		t.Error("no truncation expected")
	}
}

func TestBuildMissingAndInvalidPaths(t *testing.T) {
	jobDir := t.TempDir()
	a := New("", Limits{MaxFiles: 10, MaxFileChars: 1000, MaxTotalChars: 5000})
	got := a.Build("claude", "p", jobDir, []string{"nope.md", "../outside.md"})

	if !strings.Contains(got, "[missing]") {
		t.Error("missing artifact should produce [missing] block")
	}
	if !strings.Contains(got, "[invalid_path]") {
		t.Error("escaping path should produce [invalid_path] block")
	}
}

func TestBuildPerFileTruncation(t *testing.T) {
	jobDir := t.TempDir()
	writeArtifact(t, jobDir, "big.md", strings.Repeat("a", 100))

	a := New("", Limits{MaxFiles: 10, MaxFileChars: 10, MaxTotalChars: 5000})
	got := a.Build("claude", "p", jobDir, []string{"big.md"})

	if !strings.Contains(got, "[truncated:file_limit]") {
		t.Error("expected [truncated:file_limit]")
	}
	if !strings.Contains(got, "[artifacts_truncated_or_limited]") {
		t.Error("any truncation implies the final sentinel")
	}
	if strings.Contains(got, strings.Repeat("a", 11)) {
		t.Error("more than MaxFileChars of artifact content leaked")
	}
}

func TestBuildTotalTruncation(t *testing.T) {
	jobDir := t.TempDir()
	writeArtifact(t, jobDir, "a.md", strings.Repeat("a", 30))
	writeArtifact(t, jobDir, "b.md", strings.Repeat("b", 30))

	a := New("", Limits{MaxFiles: 10, MaxFileChars: 100, MaxTotalChars: 40})
	got := a.Build("claude", "p", jobDir, []string{"a.md", "b.md"})

	if !strings.Contains(got, "[truncated:total_limit]") {
		t.Error("expected [truncated:total_limit]")
	}
	if !strings.Contains(got, "[artifacts_truncated_or_limited]") {
		t.Error("any truncation implies the final sentinel")
	}

	// 30 chars of a.md fit; only 10 of b.md remain under the 40-char cap.
	if !strings.Contains(got, strings.Repeat("a", 30)) {
		t.Error("a.md should be fully included")
	}
	if strings.Contains(got, strings.Repeat("b", 11)) {
		t.Error("b.md payload exceeds the remaining total budget")
	}
}

func TestBuildFileSlotCap(t *testing.T) {
	jobDir := t.TempDir()
	for _, name := range []string{"a.md", "b.md", "c.md"} {
		writeArtifact(t, jobDir, name, "x")
	}

	a := New("", Limits{MaxFiles: 2, MaxFileChars: 100, MaxTotalChars: 5000})
	got := a.Build("claude", "p", jobDir, []string{"a.md", "b.md", "c.md"})

	if n := strings.Count(got, "=== BEGIN ARTIFACT:"); n != 2 {
		t.Errorf("emitted %d artifact blocks, want 2", n)
	}
	if !strings.Contains(got, "[artifacts_truncated_or_limited]") {
		t.Error("exceeding the file cap implies the final sentinel")
	}
}

func TestMissingBlockConsumesSlot(t *testing.T) {
	jobDir := t.TempDir()
	writeArtifact(t, jobDir, "real.md", "real content")

	a := New("", Limits{MaxFiles: 1, MaxFileChars: 100, MaxTotalChars: 5000})
	got := a.Build("claude", "p", jobDir, []string{"ghost.md", "real.md"})

	if !strings.Contains(got, "[missing]") {
		t.Error("expected [missing] block")
	}
	if strings.Contains(got, "real content") {
		t.Error("missing block should consume the only file slot")
	}
}

func TestSystemPromptPrepended(t *testing.T) {
	promptsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(promptsDir, "claude.md"), []byte("You are a reviewer."), 0o640); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	a := New(promptsDir, Limits{MaxFiles: 10, MaxFileChars: 100, MaxTotalChars: 5000})
	got := a.Build("claude", "review this", t.TempDir(), nil)

	if !strings.HasPrefix(got, "You are a reviewer.") {
		t.Errorf("system prompt should lead, got:\n%s", got)
	}
	if !strings.Contains(got, "## Task\nreview this") {
		t.Errorf("task section missing, got:\n%s", got)
	}
}
