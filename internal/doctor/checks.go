package doctor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/handleui/relay/internal/budget"
	"github.com/handleui/relay/internal/config"
)

// CheckResult is one doctor verdict line.
type CheckResult struct {
	Status string // OK | WARN | FAIL
	Title  string
	Detail string
}

// Failed reports whether any check ended in FAIL.
func Failed(results []CheckResult) bool {
	for _, r := range results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

func writableDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	probe := filepath.Join(path, ".doctor-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// Run executes every environment check.
func Run(settings *config.Settings) []CheckResult {
	var out []CheckResult

	if settings.WebhookToken == "dev-token" && len(settings.WebhookTokens) == 0 {
		out = append(out, CheckResult{"WARN", "WEBHOOK_TOKEN", "using the dev-token default"})
	} else {
		out = append(out, CheckResult{"OK", "WEBHOOK_TOKEN", "configured"})
	}

	var badQueueDirs []string
	for _, state := range []string{"pending", "running", "done", "failed", "awaiting_approval"} {
		dir := filepath.Join(settings.QueueRoot, state)
		if !writableDir(dir) {
			badQueueDirs = append(badQueueDirs, dir)
		}
	}
	if len(badQueueDirs) > 0 {
		out = append(out, CheckResult{"FAIL", "Queue dirs", "not writable: " + strings.Join(badQueueDirs, ", ")})
	} else {
		out = append(out, CheckResult{"OK", "Queue dirs", "all writable"})
	}

	var badRoots []string
	for _, dir := range []string{settings.ArtifactsRoot, settings.WorkspacesRoot} {
		if !writableDir(dir) {
			badRoots = append(badRoots, dir)
		}
	}
	if len(badRoots) > 0 {
		out = append(out, CheckResult{"FAIL", "Artifacts/workspaces", "not writable: " + strings.Join(badRoots, ", ")})
	} else {
		out = append(out, CheckResult{"OK", "Artifacts/workspaces", "directories writable"})
	}

	if settings.EnableRealCLI {
		var missing []string
		for _, binary := range []string{"claude", "codex", "opencode", "git"} {
			if _, err := exec.LookPath(binary); err != nil {
				missing = append(missing, binary)
			}
		}
		if len(missing) > 0 {
			out = append(out, CheckResult{"FAIL", "Agent binaries", "not found: " + strings.Join(missing, ", ")})
		} else {
			out = append(out, CheckResult{"OK", "Agent binaries", "all found"})
		}
	} else {
		out = append(out, CheckResult{"WARN", "ENABLE_REAL_CLI", "off (simulation mode)"})
	}

	if settings.BudgetEnabled() {
		tracker, err := budget.Open(settings.StateDBPath, settings.MaxDailyAPICalls, settings.MaxDailyCostUSD)
		if err != nil {
			out = append(out, CheckResult{"FAIL", "Budget DB", err.Error()})
		} else {
			if _, err := tracker.Today(); err != nil {
				out = append(out, CheckResult{"FAIL", "Budget DB", err.Error()})
			} else {
				out = append(out, CheckResult{"OK", "Budget DB", settings.StateDBPath})
			}
			tracker.Close()
		}
	} else {
		out = append(out, CheckResult{"WARN", "Budget gate", "disabled (limits = 0)"})
	}

	if listener, err := net.Listen("tcp", settings.GatewayAddr); err == nil {
		listener.Close()
		out = append(out, CheckResult{"OK", fmt.Sprintf("Port %s", settings.GatewayAddr), "free"})
	} else {
		out = append(out, CheckResult{"WARN", fmt.Sprintf("Port %s", settings.GatewayAddr), "already in use"})
	}

	return out
}
