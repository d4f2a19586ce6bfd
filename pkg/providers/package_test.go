package providers

import (
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/larder/pkg/resource"
)

// fakeDpkg simulates an apt system holding the given package versions.
type fakeDpkg struct {
	installed map[string]string
	upgrades  map[string]string
}

func (d *fakeDpkg) handle(cmd Command) (*Result, error) {
	name := cmd.Args[len(cmd.Args)-1]
	switch cmd.Name {
	case "dpkg-query":
		version, ok := d.installed[name]
		if !ok {
			return &Result{ExitCode: 1, Stderr: "no packages found matching " + name}, nil
		}
		return &Result{Stdout: "install ok installed|" + version}, nil
	case "apt-get":
		switch cmd.Args[0] {
		case "install":
			pkg, version, _ := strings.Cut(name, "=")
			if version == "" {
				version = "1.0"
			}
			d.installed[pkg] = version
		case "remove":
			delete(d.installed, name)
		case "upgrade":
			if v, ok := d.upgrades[name]; ok {
				d.installed[name] = v
			}
		}
		return &Result{}, nil
	}
	return nil, errors.New("unexpected command " + cmd.String())
}

func TestPackage_States(t *testing.T) {
	dpkg := &fakeDpkg{
		installed: map[string]string{"curl": "7.88", "telnet": "0.17", "git": "2.39"},
		upgrades:  map[string]string{"git": "2.43"},
	}
	runner := &fakeRunner{handle: dpkg.handle}
	p := NewPackage(WithRunner(runner), WithLookPath(func(name string) (string, error) {
		if name == "apt" {
			return "/usr/bin/apt", nil
		}
		return "", errors.New("not found")
	}))

	tests := []struct {
		name     string
		resource *resource.Resource
		expected resource.State
	}{
		{"installed", resource.New("package", "curl").Build(), resource.Unchanged},
		{"missing", resource.New("package", "jq").Build(), resource.Changed},
		{"pinned version differs", resource.New("package", "curl", resource.WithProperty("version", "8.5")).Build(), resource.Changed},
		{"absent", resource.New("package", "telnet", resource.WithProperty("state", "absent")).Build(), resource.Changed},
		{"already absent", resource.New("package", "telnet", resource.WithProperty("state", "absent")).Build(), resource.Unchanged},
		{"latest upgrades", resource.New("package", "git", resource.WithProperty("state", "latest")).Build(), resource.Changed},
		{"latest without upgrade", resource.New("package", "curl", resource.WithProperty("state", "latest")).Build(), resource.Unchanged},
	}

	for _, tt := range tests {
		ctx := execContext(linuxFacts())
		state, err := p.Run(ctx, tt.resource)
		if err != nil {
			t.Fatalf("%s: expected no error, got %v", tt.name, err)
		}
		if state != tt.expected {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.expected, state)
		}
	}

	expected := map[string]string{"curl": "8.5", "jq": "1.0", "git": "2.43"}
	for name, version := range expected {
		if dpkg.installed[name] != version {
			t.Errorf("Expected %s %s, got %q", name, version, dpkg.installed[name])
		}
	}
	if _, ok := dpkg.installed["telnet"]; ok {
		t.Error("Expected telnet to be removed")
	}
}

func TestPackage_Commands(t *testing.T) {
	runner := &fakeRunner{handle: func(cmd Command) (*Result, error) {
		if cmd.Name == "rpm" {
			return &Result{ExitCode: 1}, nil
		}
		return &Result{}, nil
	}}
	p := NewPackage(WithRunner(runner), WithLookPath(func(name string) (string, error) {
		if name == "dnf" {
			return "/usr/bin/dnf", nil
		}
		return "", errors.New("not found")
	}))

	r := resource.New("package", "nginx", resource.WithProperties(map[string]any{
		"version": "1.24.0",
		"options": []any{"--setopt=install_weak_deps=False"},
	})).Build()
	if _, err := p.Run(execContext(linuxFacts()), r); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	expected := []string{
		"rpm -q --queryformat %{VERSION}-%{RELEASE} nginx",
		"dnf install -y --setopt=install_weak_deps=False nginx-1.24.0",
	}
	if got := runner.commandLines(); strings.Join(got, "\n") != strings.Join(expected, "\n") {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

func TestPackage_AptEnvironment(t *testing.T) {
	dpkg := &fakeDpkg{installed: map[string]string{}}
	runner := &fakeRunner{handle: dpkg.handle}
	p := NewPackage(WithRunner(runner))

	r := resource.New("package", "htop", resource.WithProperty("manager", "apt")).Build()
	if _, err := p.Run(execContext(linuxFacts()), r); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	install := runner.calls[len(runner.calls)-1]
	if install.Env["DEBIAN_FRONTEND"] != "noninteractive" {
		t.Errorf("Expected noninteractive apt, got %+v", install)
	}
}

func TestPackage_Failures(t *testing.T) {
	p := NewPackage(WithLookPath(func(string) (string, error) {
		return "", errors.New("not found")
	}))
	state, err := p.Run(execContext(linuxFacts()), resource.New("package", "curl").Build())
	if state != resource.Error || err == nil {
		t.Errorf("Expected Error without a package manager, got %s, %v", state, err)
	}

	runner := &fakeRunner{handle: func(cmd Command) (*Result, error) {
		if cmd.Name == "dpkg-query" {
			return &Result{ExitCode: 1}, nil
		}
		return &Result{ExitCode: 100, Stderr: "E: Unable to locate package nope"}, nil
	}}
	p = NewPackage(WithRunner(runner))
	state, err = p.Run(execContext(linuxFacts()), resource.New("package", "nope", resource.WithProperty("manager", "apt")).Build())
	if state != resource.Error || err == nil || !strings.Contains(err.Error(), "Unable to locate package") {
		t.Errorf("Expected install failure, got %s, %v", state, err)
	}
}

func TestPackage_DpkgStatus(t *testing.T) {
	tests := []struct {
		stdout    string
		installed bool
		version   string
	}{
		{"install ok installed|7.88", true, "7.88"},
		{"deinstall ok config-files|7.88", false, ""},
		{"unknown ok not-installed|", false, ""},
	}

	for _, tt := range tests {
		runner := &fakeRunner{handle: func(Command) (*Result, error) {
			return &Result{Stdout: tt.stdout}, nil
		}}
		p := NewPackage(WithRunner(runner))

		installed, version, err := p.installedVersion(execContext(linuxFacts()), "apt", "curl")
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if installed != tt.installed || version != tt.version {
			t.Errorf("%q: expected (%v, %q), got (%v, %q)", tt.stdout, tt.installed, tt.version, installed, version)
		}
	}
}
