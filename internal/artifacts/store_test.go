package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJobDirRejectsTraversal(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	for _, jobID := range []string{"..", "a/b", `a\b`, "", ".", "../escape"} {
		if _, err := store.JobDir(jobID); err == nil {
			t.Errorf("JobDir(%q) should fail", jobID)
		}
	}
	if _, err := store.JobDir("job-1"); err != nil {
		t.Errorf("JobDir(job-1) failed: %v", err)
	}
}

func TestStepDirRejectsTraversal(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := store.StepDir("job-1", "../escape"); err == nil {
		t.Error("StepDir with traversal step id should fail")
	}
}

func TestWriteJobArtifacts(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.EnsureJobLayout("job-1"); err != nil {
		t.Fatalf("EnsureJobLayout() failed: %v", err)
	}

	result := map[string]any{"job_id": "job-1", "status": "success"}
	if err := store.WriteJobArtifacts("job-1", "# report", "diff", "logs", result); err != nil {
		t.Fatalf("WriteJobArtifacts() failed: %v", err)
	}

	for name, want := range map[string]string{
		"report.md":  "# report",
		"patch.diff": "diff",
		"logs.txt":   "logs",
	} {
		data, err := os.ReadFile(filepath.Join(root, "job-1", name))
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", name, data, want)
		}
	}

	data, err := os.ReadFile(filepath.Join(root, "job-1", "result.json"))
	if err != nil {
		t.Fatalf("reading result.json: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("result.json is not valid JSON: %v", err)
	}
	if decoded["status"] != "success" {
		t.Errorf("result status = %v, want success", decoded["status"])
	}
}

func TestWriteStepArtifactsSkipsEmptyRawStreams(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.EnsureStepLayout("job-1", "01_plan"); err != nil {
		t.Fatalf("EnsureStepLayout() failed: %v", err)
	}

	err = store.WriteStepArtifacts("job-1", "01_plan", StepArtifacts{
		ReportMD:  "report",
		PatchDiff: "",
		LogsTxt:   "logs",
		RawStdout: "stdout here",
	})
	if err != nil {
		t.Fatalf("WriteStepArtifacts() failed: %v", err)
	}

	stepDir := filepath.Join(root, "job-1", "steps", "01_plan")
	if _, err := os.Stat(filepath.Join(stepDir, "raw_stdout.txt")); err != nil {
		t.Error("raw_stdout.txt should exist")
	}
	if _, err := os.Stat(filepath.Join(stepDir, "raw_stderr.txt")); !os.IsNotExist(err) {
		t.Error("raw_stderr.txt should not exist for empty stderr")
	}
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.WriteState("job-1", map[string]any{"status": "running"}); err != nil {
		t.Fatalf("WriteState() failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "job-1"))
	if err != nil {
		t.Fatalf("reading job dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}
