package providers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

func TestFile_ContentAndMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "app.conf")
	p := NewFile()
	ctx := execContext(linuxFacts())

	r := resource.New("file", path, resource.WithProperties(map[string]any{
		"content": "listen 8080\n",
		"mode":    "0600",
	})).Build()

	state, err := p.Run(ctx, r)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if state != resource.Changed {
		t.Errorf("Expected Changed on first run, got %s", state)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected file to exist, got %v", err)
	}
	if string(data) != "listen 8080\n" {
		t.Errorf("Expected content to be written, got %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600, got %o", info.Mode().Perm())
	}

	state, err = p.Run(ctx, r)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if state != resource.Unchanged {
		t.Errorf("Expected Unchanged on second run, got %s", state)
	}
}

func TestFile_Drift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd")
	if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	p := NewFile()
	ctx := execContext(linuxFacts())

	tests := []struct {
		name  string
		props map[string]any
		state resource.State
	}{
		{"content differs", map[string]any{"content": "new"}, resource.Changed},
		{"content matches", map[string]any{"content": "new"}, resource.Unchanged},
		{"mode differs", map[string]any{"content": "new", "mode": "0640"}, resource.Changed},
		{"no content keeps file", map[string]any{"mode": "0640"}, resource.Unchanged},
	}

	for _, tt := range tests {
		state, err := p.Run(ctx, resource.New("file", path, resource.WithProperties(tt.props)).Build())
		if err != nil {
			t.Fatalf("%s: expected no error, got %v", tt.name, err)
		}
		if state != tt.state {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.state, state)
		}
	}

	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Errorf("Expected content new, got %q", data)
	}
}

func TestFile_Absent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.lock")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	p := NewFile()
	r := resource.New("file", path, resource.WithProperty("state", "absent")).Build()

	for i, expected := range []resource.State{resource.Changed, resource.Unchanged} {
		state, err := p.Run(execContext(linuxFacts()), r)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if state != expected {
			t.Errorf("Run %d: expected %s, got %s", i+1, expected, state)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected file to be removed, got %v", err)
	}
}

func TestFile_Directory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "var", "lib", "app")
	p := NewFile()
	r := resource.New("file", path, resource.WithProperties(map[string]any{
		"state": "directory",
		"mode":  "0750",
	})).Build()

	for i, expected := range []resource.State{resource.Changed, resource.Unchanged} {
		state, err := p.Run(execContext(linuxFacts()), r)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if state != expected {
			t.Errorf("Run %d: expected %s, got %s", i+1, expected, state)
		}
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		t.Fatalf("Expected directory, got %v", err)
	}
	if info.Mode().Perm() != 0750 {
		t.Errorf("Expected mode 0750, got %o", info.Mode().Perm())
	}

	// A file cannot become a directory.
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	state, err := p.Run(execContext(linuxFacts()), resource.New("file", file, resource.WithProperty("state", "directory")).Build())
	if err == nil || state != resource.Error {
		t.Errorf("Expected Error for a file in the way, got %s, %v", state, err)
	}
}

func TestFile_HomeExpansion(t *testing.T) {
	home := t.TempDir()
	f := facts.New(map[string]any{"user.home": home, "os.linux": true})

	r := resource.New("file", "dotfile", resource.WithProperties(map[string]any{
		"path":    "~/.larderrc",
		"content": "x",
	})).Build()

	if _, err := NewFile().Run(execContext(f), r); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, ".larderrc")); err != nil {
		t.Errorf("Expected file in home directory, got %v", err)
	}
}

func TestFile_DryRunAndGuards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guarded")
	runner := &fakeRunner{handle: exitCodes(map[string]int{"false": 1})}
	p := NewFile(WithRunner(runner))

	ctx := execContext(linuxFacts())
	ctx.DryRun = true
	state, err := p.Run(ctx, resource.New("file", path, resource.WithProperty("content", "x")).Build())
	if err != nil || state != resource.Changed {
		t.Errorf("Expected Changed in dry run, got %s, %v", state, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected dry run not to write the file")
	}

	state, err = p.Run(execContext(linuxFacts()), resource.New("file", path,
		resource.WithProperty("content", "x"),
		resource.OnlyIf("false")).Build())
	if err != nil || state != resource.Unchanged {
		t.Errorf("Expected Unchanged when only_if fails, got %s, %v", state, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected guarded resource not to write the file")
	}
}

func TestFile_Validate(t *testing.T) {
	p := NewFile()

	tests := []struct {
		name    string
		props   map[string]any
		wantErr bool
	}{
		{"empty", nil, false},
		{"full", map[string]any{"content": "x", "mode": "0644", "state": "present"}, false},
		{"bad mode", map[string]any{"mode": "rwx"}, true},
		{"numeric mode", map[string]any{"mode": 644}, true},
		{"bad state", map[string]any{"state": "missing"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(resource.New("file", "/tmp/x", resource.WithProperties(tt.props)).Build())
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
