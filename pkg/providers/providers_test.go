package providers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// fakeRunner records commands and answers them with handle, or with exit
// code 0 when handle is nil.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []Command
	handle func(Command) (*Result, error)
}

func (r *fakeRunner) Run(_ context.Context, cmd Command) (*Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	if r.handle == nil {
		return &Result{}, nil
	}
	return r.handle(cmd)
}

func (r *fakeRunner) commandLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := make([]string, len(r.calls))
	for i, c := range r.calls {
		lines[i] = c.String()
	}
	return lines
}

// exitCodes answers inline shell commands with the exit code mapped to the
// script text; unknown scripts exit 0.
func exitCodes(codes map[string]int) func(Command) (*Result, error) {
	return func(cmd Command) (*Result, error) {
		script := cmd.Args[len(cmd.Args)-1]
		return &Result{ExitCode: codes[script]}, nil
	}
}

func execContext(f *facts.FactCollection) *engine.ExecutionContext {
	return &engine.ExecutionContext{
		Context: context.Background(),
		Facts:   f,
		Logger:  zerolog.Nop(),
	}
}

func linuxFacts() *facts.FactCollection {
	return facts.New(map[string]any{
		"os.platform": "linux",
		"os.linux":    true,
		"os.windows":  false,
	})
}

func windowsFacts() *facts.FactCollection {
	return facts.New(map[string]any{
		"os.platform": "windows",
		"os.linux":    false,
		"os.windows":  true,
	})
}

func TestCheckGuards(t *testing.T) {
	tests := []struct {
		name      string
		opts      []resource.Option
		codes     map[string]int
		expected  bool
		callCount int
	}{
		{
			name:     "no guards",
			expected: false,
		},
		{
			name:      "unless succeeds",
			opts:      []resource.Option{resource.Unless("test -f /done")},
			expected:  true,
			callCount: 1,
		},
		{
			name:      "unless fails",
			opts:      []resource.Option{resource.Unless("test -f /done")},
			codes:     map[string]int{"test -f /done": 1},
			expected:  false,
			callCount: 1,
		},
		{
			name:      "only_if succeeds",
			opts:      []resource.Option{resource.OnlyIf("which nginx")},
			expected:  false,
			callCount: 1,
		},
		{
			name:      "only_if fails",
			opts:      []resource.Option{resource.OnlyIf("which nginx")},
			codes:     map[string]int{"which nginx": 1},
			expected:  true,
			callCount: 1,
		},
		{
			name: "first skipping guard stops evaluation",
			opts: []resource.Option{
				resource.OnlyIf("which nginx"),
				resource.Unless("test -f /done"),
				resource.Unless("never evaluated"),
			},
			expected:  true,
			callCount: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{handle: exitCodes(tt.codes)}
			r := resource.New("exec", "guarded", tt.opts...).Build()

			skip, err := checkGuards(execContext(linuxFacts()), runner, ShellSh, r)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if skip != tt.expected {
				t.Errorf("Expected skip=%v, got %v", tt.expected, skip)
			}
			if len(runner.calls) != tt.callCount {
				t.Errorf("Expected %d guard runs, got %v", tt.callCount, runner.commandLines())
			}
		})
	}
}

func TestCheckGuards_RunnerError(t *testing.T) {
	runner := &fakeRunner{handle: func(Command) (*Result, error) {
		return nil, errors.New("sh not found")
	}}
	r := resource.New("exec", "guarded", resource.Unless("true")).Build()

	_, err := checkGuards(execContext(linuxFacts()), runner, ShellSh, r)
	if err == nil || !strings.Contains(err.Error(), "sh not found") {
		t.Errorf("Expected runner error, got %v", err)
	}
}

func TestShell(t *testing.T) {
	tests := []struct {
		shell  Shell
		inline string
		file   string
	}{
		{ShellSh, "sh -c echo hi", "sh /tmp/x"},
		{ShellBash, "bash -c echo hi", "bash /tmp/x"},
		{ShellPowerShell, "powershell -NoProfile -NonInteractive -Command echo hi", "powershell -NoProfile -NonInteractive -ExecutionPolicy Bypass -File /tmp/x"},
		{ShellCmd, "cmd /C echo hi", "cmd /C /tmp/x"},
	}

	for _, tt := range tests {
		t.Run(string(tt.shell), func(t *testing.T) {
			if got := tt.shell.Inline("echo hi").String(); got != tt.inline {
				t.Errorf("Expected %q, got %q", tt.inline, got)
			}
			if got := tt.shell.File("/tmp/x").String(); got != tt.file {
				t.Errorf("Expected %q, got %q", tt.file, got)
			}
		})
	}
}

func TestDefaultShell(t *testing.T) {
	if got := defaultShell(linuxFacts()); got != ShellSh {
		t.Errorf("Expected sh on linux, got %s", got)
	}
	if got := defaultShell(windowsFacts()); got != ShellPowerShell {
		t.Errorf("Expected powershell on windows, got %s", got)
	}
}

func TestExpandPath(t *testing.T) {
	f := facts.New(map[string]any{"user.home": "/home/ada"})

	tests := map[string]string{
		"~":          "/home/ada",
		"~/.bashrc":  "/home/ada/.bashrc",
		"/etc/hosts": "/etc/hosts",
		"~other/x":   "~other/x",
		"":           "",
	}
	for in, expected := range tests {
		got, err := expandPath(f, in)
		if err != nil {
			t.Fatalf("Expected no error for %q, got %v", in, err)
		}
		if got != expected {
			t.Errorf("Expected %q for %q, got %q", expected, in, got)
		}
	}
}

func TestParseMode(t *testing.T) {
	valid := map[string]uint32{"644": 0644, "0755": 0755, "0600": 0600}
	for in, expected := range valid {
		mode, err := parseMode(in)
		if err != nil {
			t.Fatalf("Expected no error for %q, got %v", in, err)
		}
		if uint32(mode) != expected {
			t.Errorf("Expected %o for %q, got %o", expected, in, mode)
		}
	}

	for _, in := range []string{"", "8", "0888", "rw-r--r--", "01777"} {
		if _, err := parseMode(in); err == nil {
			t.Errorf("Expected error for %q", in)
		}
	}
}

func TestNewRepository(t *testing.T) {
	repo := NewRepository()

	expected := []string{"download", "exec", "file", "package", "registry"}
	types := repo.Types()
	if strings.Join(types, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected %v, got %v", expected, types)
	}

	for _, p := range All() {
		if _, ok := p.(engine.ResourceValidator); !ok {
			t.Errorf("Expected %s provider to validate resources", p.Type())
		}
	}
}

func TestCanRunAndAdministrator(t *testing.T) {
	tests := []struct {
		provider    engine.Provider
		linux       bool
		windows     bool
		requireRoot bool
	}{
		{NewFile(), true, true, false},
		{NewExec(), true, true, false},
		{NewDownload(), true, true, false},
		{NewPackage(), true, false, true},
		{NewRegistry(), false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.provider.Type(), func(t *testing.T) {
			if got := tt.provider.CanRun(linuxFacts()); got != tt.linux {
				t.Errorf("Expected CanRun on linux %v, got %v", tt.linux, got)
			}
			if got := tt.provider.CanRun(windowsFacts()); got != tt.windows {
				t.Errorf("Expected CanRun on windows %v, got %v", tt.windows, got)
			}
			if got := tt.provider.RequireAdministrator(linuxFacts()); got != tt.requireRoot {
				t.Errorf("Expected RequireAdministrator %v, got %v", tt.requireRoot, got)
			}
		})
	}
}
