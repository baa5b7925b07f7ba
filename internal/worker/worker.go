// Package worker hosts the agent worker families and their registry.
//
// A worker drives one step: it assembles the prompt, invokes its agent (a
// CLI subprocess or an LLM API), captures the repository diff, and writes
// the step's artifact files. The runner owns retries, budget gating,
// schema validation, and result persistence.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/policy"
	"github.com/handleui/relay/internal/prompt"
	"github.com/handleui/relay/internal/redact"
)

// Worker executes steps for one named agent.
type Worker interface {
	AgentName() string
	RequiredBinaries(step model.StepSpec) []string
	Run(ctx context.Context, sc *StepContext) (*model.StepResult, error)
}

// StepContext carries everything a worker needs for one step. It holds
// references to immutable job data and shared collaborators; it owns
// nothing.
type StepContext struct {
	Job  *model.JobSpec
	Step model.StepSpec

	JobDir  string
	StepDir string
	Workdir string

	EnableRealCLI bool
	Policy        *policy.Policy

	EnvAllowlist   []string
	ClearEnv       bool
	IdleWatchdog   time.Duration
	MaxOutputChars int

	NonGitWorkdirStatus string

	Assembler *prompt.Assembler
	Redactor  *redact.Redactor
	Log       *zap.Logger
}

// Registry maps agent names to workers. It is filled once at bootstrap
// and read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
	log     *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{workers: make(map[string]Worker), log: log}
}

// Register adds a worker. A duplicate agent name replaces the previous
// worker with a warning.
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.AgentName()]; exists {
		r.log.Warn("worker replaced", zap.String("agent", w.AgentName()))
	}
	r.workers[w.AgentName()] = w
}

// Get returns the worker for an agent name.
func (r *Registry) Get(agent string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[agent]
	return w, ok
}

// Agents lists the registered agent names.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for name := range r.workers {
		out = append(out, name)
	}
	return out
}

// RequiredBinaries collects the binaries every step of a job needs.
func (r *Registry) RequiredBinaries(job *model.JobSpec) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, step := range job.Steps {
		w, ok := r.Get(step.Agent)
		if !ok {
			continue
		}
		for _, binary := range w.RequiredBinaries(step) {
			if _, dup := seen[binary]; !dup {
				seen[binary] = struct{}{}
				out = append(out, binary)
			}
		}
	}
	return out
}

// pluginFactories holds extra worker constructors registered by external
// packages before Bootstrap runs (the Go analogue of an entry-point
// discovery mechanism: plugins register themselves from an init func).
var (
	pluginMu        sync.Mutex
	pluginFactories []func() Worker
)

// RegisterPluginFactory queues a worker constructor for the next
// Bootstrap call.
func RegisterPluginFactory(factory func() Worker) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	pluginFactories = append(pluginFactories, factory)
}

// Bootstrap builds a registry with every built-in agent plus any
// registered plugins. Safe to call repeatedly; each call returns a fresh
// registry.
func Bootstrap(log *zap.Logger) *Registry {
	r := NewRegistry(log)
	r.Register(NewCLIWorker(&claudeVariant{log: log.Named("worker.claude")}))
	r.Register(NewCLIWorker(&codexVariant{}))
	r.Register(NewCLIWorker(&opencodeVariant{}))
	r.Register(NewAPIWorker(newKimiVariant(log.Named("worker.kimi"))))

	pluginMu.Lock()
	factories := append([]func() Worker(nil), pluginFactories...)
	pluginMu.Unlock()
	for _, factory := range factories {
		r.Register(factory())
	}
	return r
}
