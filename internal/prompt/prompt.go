// Package prompt assembles the full agent prompt: an optional per-agent
// system prompt, the step prompt, and bounded artifact inclusion blocks.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Markers emitted into assembled prompts.
const (
	markerMissing     = "[missing]"
	markerInvalidPath = "[invalid_path]"
	markerFileLimit   = "[truncated:file_limit]"
	markerTotalLimit  = "[truncated:total_limit]"
	markerAnyLimit    = "[artifacts_truncated_or_limited]"
)

// Limits bound one prompt assembly. All three caps apply per assembly,
// not per artifact.
type Limits struct {
	MaxFiles      int
	MaxFileChars  int
	MaxTotalChars int
}

// Assembler builds prompts for a given job artifact directory.
type Assembler struct {
	promptsDir string
	limits     Limits

	mu     sync.Mutex
	cached map[string]string
}

// New returns an assembler loading per-agent system prompts from
// promptsDir (may be empty to disable system prompts).
func New(promptsDir string, limits Limits) *Assembler {
	return &Assembler{
		promptsDir: promptsDir,
		limits:     limits,
		cached:     make(map[string]string),
	}
}

// SystemPrompt returns the static prompt for an agent, "" when none is
// configured. Results are cached per agent.
func (a *Assembler) SystemPrompt(agent string) string {
	if a.promptsDir == "" {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if text, ok := a.cached[agent]; ok {
		return text
	}
	data, err := os.ReadFile(filepath.Join(a.promptsDir, agent+".md"))
	text := ""
	if err == nil {
		text = strings.TrimSpace(string(data))
	}
	a.cached[agent] = text
	return text
}

// Build assembles the full prompt for a step. inputArtifacts are paths
// relative to jobDir; paths escaping jobDir yield an [invalid_path] block
// and missing files a [missing] block, each consuming one file slot.
func (a *Assembler) Build(agent, stepPrompt, jobDir string, inputArtifacts []string) string {
	prompt := stepPrompt
	if system := a.SystemPrompt(agent); system != "" {
		prompt = system + "\n\n## Task\n" + prompt
	}
	if len(inputArtifacts) == 0 {
		return prompt
	}

	parts := []string{strings.TrimRight(prompt, " \t\n"), "", "## Input artifacts"}
	remainingTotal := max(0, a.limits.MaxTotalChars)
	perFileLimit := max(0, a.limits.MaxFileChars)
	maxFiles := max(0, a.limits.MaxFiles)
	usedFiles := 0
	truncated := false

	jobRoot, err := filepath.Abs(jobDir)
	if err != nil {
		jobRoot = jobDir
	}

	for _, relPath := range inputArtifacts {
		if usedFiles >= maxFiles {
			truncated = true
			break
		}
		header := fmt.Sprintf("=== BEGIN ARTIFACT: %s ===", relPath)
		footer := "=== END ARTIFACT ==="

		absPath := filepath.Join(jobRoot, relPath)
		if !within(jobRoot, absPath) {
			parts = append(parts, header, markerInvalidPath, footer)
			usedFiles++
			continue
		}
		data, readErr := os.ReadFile(absPath)
		if readErr != nil {
			parts = append(parts, header, markerMissing, footer)
			usedFiles++
			continue
		}
		text := string(data)

		var notes []string
		if perFileLimit == 0 {
			text = ""
			notes = append(notes, markerFileLimit)
		} else if len(text) > perFileLimit {
			text = text[:perFileLimit]
			notes = append(notes, markerFileLimit)
		}

		if remainingTotal <= 0 {
			parts = append(parts, header, markerTotalLimit, footer)
			truncated = true
			usedFiles++
			continue
		}
		if len(text) > remainingTotal {
			text = text[:remainingTotal]
			notes = append(notes, markerTotalLimit)
			remainingTotal = 0
			truncated = true
		} else {
			remainingTotal -= len(text)
		}

		if len(notes) > 0 {
			text = text + "\n" + strings.Join(notes, "\n")
			truncated = true
		}
		parts = append(parts, header, text, footer)
		usedFiles++
	}

	if truncated {
		parts = append(parts, markerAnyLimit)
	}
	return strings.TrimRight(strings.Join(parts, "\n"), " \t\n") + "\n"
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
