package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/policy"
	"github.com/handleui/relay/internal/prompt"
	"github.com/handleui/relay/internal/redact"
)

// newTestContext builds a StepContext in simulation mode with temp dirs.
func newTestContext(t *testing.T, agent, role string) *StepContext {
	t.Helper()
	jobDir := t.TempDir()
	stepID := "01_step"
	stepDir := filepath.Join(jobDir, "steps", stepID)

	job := model.NewJobSpec("test goal")
	job.Steps = []model.StepSpec{{
		StepID: stepID, Agent: agent, Role: role, Prompt: "do it",
		TimeoutSec: 30, OnFailure: "stop",
	}}

	return &StepContext{
		Job:                 &job,
		Step:                job.Steps[0],
		JobDir:              jobDir,
		StepDir:             stepDir,
		Workdir:             t.TempDir(),
		EnableRealCLI:       false,
		Policy:              policy.New(nil, false, "", nil, "allow"),
		NonGitWorkdirStatus: "needs_human",
		Assembler:           prompt.New("", prompt.Limits{MaxFiles: 10, MaxFileChars: 1000, MaxTotalChars: 5000}),
		Redactor:            redact.New(nil),
		Log:                 zap.NewNop(),
	}
}

func TestBootstrapRegistersBuiltins(t *testing.T) {
	registry := Bootstrap(zap.NewNop())
	for _, agent := range []string{"claude", "codex", "opencode", "kimi"} {
		if _, ok := registry.Get(agent); !ok {
			t.Errorf("builtin agent %q not registered", agent)
		}
	}
	if _, ok := registry.Get("nope"); ok {
		t.Error("unknown agent should not resolve")
	}
}

func TestRequiredBinaries(t *testing.T) {
	registry := Bootstrap(zap.NewNop())
	step := model.StepSpec{StepID: "s", Agent: "codex", Role: "implementer", Prompt: "p"}

	codex, _ := registry.Get("codex")
	got := codex.RequiredBinaries(step)
	if len(got) != 2 || got[0] != "codex" || got[1] != "git" {
		t.Errorf("CLI RequiredBinaries() = %v, want [codex git]", got)
	}

	kimi, _ := registry.Get("kimi")
	if got := kimi.RequiredBinaries(step); len(got) != 0 {
		t.Errorf("API RequiredBinaries() = %v, want empty", got)
	}
}

func TestSimulationRunWritesArtifacts(t *testing.T) {
	registry := Bootstrap(zap.NewNop())
	for _, agent := range []string{"claude", "codex", "opencode", "kimi"} {
		t.Run(agent, func(t *testing.T) {
			sc := newTestContext(t, agent, "worker")
			w, _ := registry.Get(agent)

			res, err := w.Run(context.Background(), sc)
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if res.Status != model.StatusSuccess {
				t.Errorf("status = %s, want success", res.Status)
			}
			if res.Kind != "step" || res.JobID != sc.Job.JobID {
				t.Errorf("result identity wrong: %+v", res)
			}
			for _, name := range []string{"report.md", "patch.diff", "logs.txt"} {
				if _, err := os.Stat(filepath.Join(sc.StepDir, name)); err != nil {
					t.Errorf("simulation should write %s: %v", name, err)
				}
			}
		})
	}
}

func TestCodexSimulationProducesPatch(t *testing.T) {
	registry := Bootstrap(zap.NewNop())
	sc := newTestContext(t, "codex", "implementer")
	w, _ := registry.Get("codex")

	if _, err := w.Run(context.Background(), sc); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(sc.StepDir, "patch.diff"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("codex simulation should produce a non-empty patch")
	}
}

func TestRegistryReplaceKeepsLatest(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	first := NewCLIWorker(&codexVariant{})
	second := NewAPIWorker(newKimiVariant(zap.NewNop()))

	registry.Register(first)
	registry.Register(&renamed{Worker: second, name: "codex"})

	w, ok := registry.Get("codex")
	if !ok {
		t.Fatal("codex missing after replace")
	}
	if _, isCLI := w.(*CLIWorker); isCLI {
		t.Error("latest registration should win")
	}
}

// renamed wraps a worker under a different agent name for replace tests.
type renamed struct {
	Worker
	name string
}

func (r *renamed) AgentName() string { return r.name }

func TestPluginFactoryRegistration(t *testing.T) {
	RegisterPluginFactory(func() Worker {
		return &renamed{Worker: NewCLIWorker(&codexVariant{}), name: "plugin-agent"}
	})
	registry := Bootstrap(zap.NewNop())
	if _, ok := registry.Get("plugin-agent"); !ok {
		t.Error("plugin factory worker not registered")
	}
}
