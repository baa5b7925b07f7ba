package policy

import (
	"errors"
	"reflect"
	"testing"
)

func binaries(names ...string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func TestForJobNetworkMerge(t *testing.T) {
	tests := []struct {
		base string
		job  string
		want string
	}{
		{"allow", "deny", "deny"},
		{"deny", "allow", "deny"},
		{"allow", "allow", "allow"},
		{"deny", "deny", "deny"},
	}
	for _, tt := range tests {
		base := New(binaries("claude"), false, "", nil, tt.base)
		derived := base.ForJob(true, tt.job, nil)
		if derived.NetworkPolicy != tt.want {
			t.Errorf("ForJob(base=%s, job=%s) network = %s, want %s", tt.base, tt.job, derived.NetworkPolicy, tt.want)
		}
	}
}

func TestForJobSandboxAndCombined(t *testing.T) {
	tests := []struct {
		base bool
		job  bool
		want bool
	}{
		{true, true, true},
		{true, false, false},
		{false, true, false},
		{false, false, false},
	}
	for _, tt := range tests {
		base := New(binaries("claude"), tt.base, "bwrap", nil, "allow")
		derived := base.ForJob(tt.job, "allow", nil)
		if derived.Sandbox != tt.want {
			t.Errorf("ForJob(base=%v, job=%v) sandbox = %v, want %v", tt.base, tt.job, derived.Sandbox, tt.want)
		}
	}
}

func TestForJobIntersectionPreservesWrapper(t *testing.T) {
	base := New(binaries("claude", "codex", "bwrap"), true, "bwrap", nil, "deny")
	derived := base.ForJob(true, "deny", []string{"claude"})

	want := binaries("claude", "bwrap")
	if !reflect.DeepEqual(derived.AllowedBinaries, want) {
		t.Errorf("intersection = %v, want %v (wrapper re-added)", derived.AllowedBinaries, want)
	}
}

func TestForJobIntersectionWithoutOverride(t *testing.T) {
	base := New(binaries("claude", "codex"), false, "", nil, "allow")
	derived := base.ForJob(true, "allow", nil)
	if !reflect.DeepEqual(derived.AllowedBinaries, base.AllowedBinaries) {
		t.Errorf("no override should keep the base allowlist")
	}
}

func TestForJobIntersectionDropsUnknownBinaries(t *testing.T) {
	base := New(binaries("claude"), false, "", nil, "allow")
	derived := base.ForJob(true, "allow", []string{"claude", "rm"})
	if _, ok := derived.AllowedBinaries["rm"]; ok {
		t.Error("job override must not add binaries the base never allowed")
	}
	if _, ok := derived.AllowedBinaries["claude"]; !ok {
		t.Error("claude should survive the intersection")
	}
}

func TestWrapCommand(t *testing.T) {
	p := New(binaries("claude", "bwrap"), true, "bwrap", []string{"--die-with-parent"}, "deny")

	wrapped, err := p.WrapCommand([]string{"claude", "-p", "hi"})
	if err != nil {
		t.Fatalf("WrapCommand() failed: %v", err)
	}
	want := []string{"bwrap", "--die-with-parent", "claude", "-p", "hi"}
	if !reflect.DeepEqual(wrapped, want) {
		t.Errorf("WrapCommand() = %v, want %v", wrapped, want)
	}
}

func TestWrapCommandNoSandbox(t *testing.T) {
	p := New(binaries("claude"), false, "", nil, "allow")
	wrapped, err := p.WrapCommand([]string{"claude", "-p", "hi"})
	if err != nil {
		t.Fatalf("WrapCommand() failed: %v", err)
	}
	if !reflect.DeepEqual(wrapped, []string{"claude", "-p", "hi"}) {
		t.Errorf("WrapCommand() = %v, want unmodified argv", wrapped)
	}
}

func TestWrapCommandDenials(t *testing.T) {
	var policyErr *Error

	// Binary not allow-listed.
	p := New(binaries("claude"), false, "", nil, "allow")
	if _, err := p.WrapCommand([]string{"rm", "-rf", "/"}); !errors.As(err, &policyErr) {
		t.Errorf("disallowed binary: err = %v, want *policy.Error", err)
	}

	// Empty allowlist refuses everything.
	p = New(nil, false, "", nil, "allow")
	if _, err := p.WrapCommand([]string{"claude"}); !errors.As(err, &policyErr) {
		t.Errorf("empty allowlist: err = %v, want *policy.Error", err)
	}

	// Sandbox on without wrapper refuses.
	p = New(binaries("claude"), true, "", nil, "allow")
	if _, err := p.WrapCommand([]string{"claude"}); !errors.As(err, &policyErr) {
		t.Errorf("sandbox without wrapper: err = %v, want *policy.Error", err)
	}

	// Wrapper itself must be allow-listed.
	p = New(binaries("claude"), true, "bwrap", nil, "allow")
	if _, err := p.WrapCommand([]string{"claude"}); !errors.As(err, &policyErr) {
		t.Errorf("unlisted wrapper: err = %v, want *policy.Error", err)
	}
}

func TestAssertRealCLISafe(t *testing.T) {
	if err := New(binaries("claude", "bwrap"), true, "bwrap", nil, "deny").AssertRealCLISafe(); err != nil {
		t.Errorf("sandbox+wrapper with deny should be safe: %v", err)
	}
	if err := New(binaries("claude"), false, "", nil, "deny").AssertRealCLISafe(); err == nil {
		t.Error("deny without sandbox should be rejected")
	}
	if err := New(binaries("claude"), true, "", nil, "deny").AssertRealCLISafe(); err == nil {
		t.Error("deny without wrapper should be rejected")
	}
	if err := New(binaries("claude"), false, "", nil, "allow").AssertRealCLISafe(); err != nil {
		t.Errorf("allow without sandbox should pass: %v", err)
	}
}
