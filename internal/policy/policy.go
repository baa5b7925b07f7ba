// Package policy decides which binaries may run and how commands are
// wrapped into the external sandbox.
package policy

import "fmt"

// Error is raised on any policy denial. Policy errors are fatal to the
// current job and never retried.
type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

func errorf(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Policy is the effective execution policy for a process or a job.
type Policy struct {
	AllowedBinaries    map[string]struct{}
	Sandbox            bool
	SandboxWrapper     string
	SandboxWrapperArgs []string
	NetworkPolicy      string // "deny" | "allow"
}

// New builds the base policy from configuration.
func New(allowedBinaries map[string]struct{}, sandbox bool, wrapper string, wrapperArgs []string, networkPolicy string) *Policy {
	allowed := make(map[string]struct{}, len(allowedBinaries))
	for binary := range allowedBinaries {
		allowed[binary] = struct{}{}
	}
	return &Policy{
		AllowedBinaries:    allowed,
		Sandbox:            sandbox,
		SandboxWrapper:     wrapper,
		SandboxWrapperArgs: wrapperArgs,
		NetworkPolicy:      networkPolicy,
	}
}

// ForJob merges the base policy with a job's policy slice. Sandbox is
// AND-combined, deny wins on network, and the allowed-binary set is
// intersected with the job override. The sandbox wrapper is re-added to
// the intersection whenever sandboxing stays on, so an override can never
// lock the wrapper itself out.
func (p *Policy) ForJob(jobSandbox bool, jobNetwork string, jobAllowed []string) *Policy {
	derived := &Policy{
		Sandbox:            p.Sandbox && jobSandbox,
		SandboxWrapper:     p.SandboxWrapper,
		SandboxWrapperArgs: p.SandboxWrapperArgs,
		NetworkPolicy:      "allow",
	}
	if p.NetworkPolicy == "deny" || jobNetwork == "deny" {
		derived.NetworkPolicy = "deny"
	}

	if len(jobAllowed) == 0 {
		derived.AllowedBinaries = p.AllowedBinaries
		return derived
	}
	intersection := make(map[string]struct{})
	for _, binary := range jobAllowed {
		if _, ok := p.AllowedBinaries[binary]; ok {
			intersection[binary] = struct{}{}
		}
	}
	if derived.Sandbox && derived.SandboxWrapper != "" {
		if _, ok := p.AllowedBinaries[derived.SandboxWrapper]; ok {
			intersection[derived.SandboxWrapper] = struct{}{}
		}
	}
	derived.AllowedBinaries = intersection
	return derived
}

// AssertRealCLISafe verifies the policy is coherent for real subprocess
// execution: denying network requires an actual sandbox wrapper to enforce
// the denial.
func (p *Policy) AssertRealCLISafe() error {
	if p.NetworkPolicy == "deny" {
		if !p.Sandbox {
			return errorf("NETWORK_POLICY=deny requires SANDBOX=1 when real CLI execution is enabled")
		}
		if p.SandboxWrapper == "" {
			return errorf("NETWORK_POLICY=deny requires SANDBOX_WRAPPER when real CLI execution is enabled")
		}
	}
	return nil
}

// AssertBinaryAllowed checks the allowlist for a single binary.
func (p *Policy) AssertBinaryAllowed(binary string) error {
	if len(p.AllowedBinaries) == 0 {
		return errorf("ALLOWED_BINARIES is empty; refusing to execute any external commands")
	}
	if _, ok := p.AllowedBinaries[binary]; !ok {
		return errorf("binary %q is not in allowlist (ALLOWED_BINARIES)", binary)
	}
	return nil
}

// WrapCommand validates argv[0] against the allowlist and, when sandboxing
// is on, prepends the (also allow-listed) wrapper and its arguments.
func (p *Policy) WrapCommand(argv []string) ([]string, error) {
	if len(argv) == 0 {
		return nil, errorf("empty command")
	}
	if err := p.AssertBinaryAllowed(argv[0]); err != nil {
		return nil, err
	}
	if !p.Sandbox {
		return argv, nil
	}
	if p.SandboxWrapper == "" {
		return nil, errorf("SANDBOX=1 but SANDBOX_WRAPPER is not set; refusing to execute without an isolation wrapper")
	}
	if err := p.AssertBinaryAllowed(p.SandboxWrapper); err != nil {
		return nil, err
	}
	wrapped := make([]string, 0, 1+len(p.SandboxWrapperArgs)+len(argv))
	wrapped = append(wrapped, p.SandboxWrapper)
	wrapped = append(wrapped, p.SandboxWrapperArgs...)
	wrapped = append(wrapped, argv...)
	return wrapped, nil
}
