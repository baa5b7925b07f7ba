// Package artifacts manages the per-job artifact directory tree.
//
// Layout under the artifacts root:
//
//	<job_id>/
//	  job.json state.json context.json
//	  report.md patch.diff logs.txt result.json
//	  steps/<step_id>/
//	    report.md patch.diff logs.txt result.json
//	    raw_stdout.txt raw_stderr.txt
//
// Every write goes through a same-directory temp file and an atomic
// rename. There is no locking: the runner owning the job's running queue
// entry is the single writer by construction.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// Store resolves and writes artifact paths for jobs and steps.
type Store struct {
	root string
}

// Open returns a store rooted at root, creating it if needed.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating artifacts root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the artifacts root directory.
func (s *Store) Root() string { return s.root }

func validComponent(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

// JobDir returns the artifact directory for a job. Job ids with path
// separators or dot-dot components are rejected.
func (s *Store) JobDir(jobID string) (string, error) {
	if !validComponent(jobID) {
		return "", fmt.Errorf("invalid job_id %q", jobID)
	}
	return filepath.Join(s.root, jobID), nil
}

// StepDir returns the artifact directory for a step within a job.
func (s *Store) StepDir(jobID, stepID string) (string, error) {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	if !validComponent(stepID) {
		return "", fmt.Errorf("invalid step_id %q", stepID)
	}
	return filepath.Join(jobDir, "steps", stepID), nil
}

// EnsureJobLayout creates the job directory and its steps/ subdirectory.
func (s *Store) EnsureJobLayout(jobID string) error {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(jobDir, "steps"), 0o750)
}

// EnsureStepLayout creates the step directory.
func (s *Store) EnsureStepLayout(jobID, stepID string) error {
	stepDir, err := s.StepDir(jobID, stepID)
	if err != nil {
		return err
	}
	return os.MkdirAll(stepDir, 0o750)
}

// WriteJobSpec persists job.json.
func (s *Store) WriteJobSpec(jobID string, spec any) error {
	return s.writeJSON(jobID, "job.json", spec)
}

// WriteState persists state.json.
func (s *Store) WriteState(jobID string, state any) error {
	return s.writeJSON(jobID, "state.json", state)
}

// WriteContext persists context.json.
func (s *Store) WriteContext(jobID string, contextObj any) error {
	return s.writeJSON(jobID, "context.json", contextObj)
}

// WriteJobArtifacts persists the four job-level artifact files.
func (s *Store) WriteJobArtifacts(jobID, reportMD, patchDiff, logsTxt string, result any) error {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := writeText(filepath.Join(jobDir, "report.md"), reportMD); err != nil {
		return err
	}
	if err := writeText(filepath.Join(jobDir, "patch.diff"), patchDiff); err != nil {
		return err
	}
	if err := writeText(filepath.Join(jobDir, "logs.txt"), logsTxt); err != nil {
		return err
	}
	return s.writeJSON(jobID, "result.json", result)
}

// StepArtifacts is the set of files written for one step.
type StepArtifacts struct {
	ReportMD  string
	PatchDiff string
	LogsTxt   string
	Result    any
	RawStdout string
	RawStderr string
}

// WriteStepArtifacts persists a step's artifact files. Raw stdout/stderr
// files are only written when non-empty.
func (s *Store) WriteStepArtifacts(jobID, stepID string, a StepArtifacts) error {
	stepDir, err := s.StepDir(jobID, stepID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stepDir, 0o750); err != nil {
		return err
	}
	if err := writeText(filepath.Join(stepDir, "report.md"), a.ReportMD); err != nil {
		return err
	}
	if err := writeText(filepath.Join(stepDir, "patch.diff"), a.PatchDiff); err != nil {
		return err
	}
	if err := writeText(filepath.Join(stepDir, "logs.txt"), a.LogsTxt); err != nil {
		return err
	}
	if a.RawStdout != "" {
		if err := writeText(filepath.Join(stepDir, "raw_stdout.txt"), a.RawStdout); err != nil {
			return err
		}
	}
	if a.RawStderr != "" {
		if err := writeText(filepath.Join(stepDir, "raw_stderr.txt"), a.RawStderr); err != nil {
			return err
		}
	}
	if a.Result != nil {
		data, err := marshalIndent(a.Result)
		if err != nil {
			return err
		}
		return renameio.WriteFile(filepath.Join(stepDir, "result.json"), data, 0o640)
	}
	return nil
}

// WriteStepResult persists a step's result.json without touching the
// other step files (the worker already wrote those).
func (s *Store) WriteStepResult(jobID, stepID string, result any) error {
	stepDir, err := s.StepDir(jobID, stepID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stepDir, 0o750); err != nil {
		return err
	}
	data, err := marshalIndent(result)
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(stepDir, "result.json"), data, 0o640)
}

// ReadText returns the content of a file under the job directory, or ""
// when it does not exist.
func (s *Store) ReadText(jobID string, parts ...string) string {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(append([]string{jobDir}, parts...)...))
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Store) writeJSON(jobID, name string, obj any) error {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(jobDir, 0o750); err != nil {
		return err
	}
	data, err := marshalIndent(obj)
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(jobDir, name), data, 0o640)
}

func writeText(path, text string) error {
	return renameio.WriteFile(path, []byte(text), 0o640)
}

func marshalIndent(obj any) ([]byte, error) {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding artifact: %w", err)
	}
	return append(data, '\n'), nil
}
