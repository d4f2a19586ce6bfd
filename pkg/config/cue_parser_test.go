package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/manifest"
	"github.com/openfroyo/larder/pkg/resource"
)

const webDeclarations = `
catalogs: {
	linux: {
		when:      "fact('os.linux')"
		manifests: ["web"]
	}
	windows: {
		when:      "fact('os.windows')"
		manifests: ["tools"]
	}
}

manifests: {
	web: {
		resources: [{
			type: "package"
			name: "nginx"
		}, {
			type: "file"
			name: "/etc/nginx/nginx.conf"
			properties: {
				content: "worker_processes 1;"
			}
			after: ["package::nginx"]
		}, {
			type:     "service"
			name:     "nginx"
			after:    ["file::/etc/nginx/nginx.conf"]
			on_error: "ignore"
		}]
	}
	tools: {
		resources: [{
			type: "package"
			name: "git"
			require_administrator: true
		}]
	}
}
`

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *Document)
	}{
		{
			name:    "valid declarations",
			content: webDeclarations,
			checkFunc: func(t *testing.T, doc *Document) {
				if len(doc.Catalogs) != 2 {
					t.Fatalf("Expected 2 catalogs, got %d", len(doc.Catalogs))
				}
				if doc.Catalogs[0].Name != "linux" || doc.Catalogs[1].Name != "windows" {
					t.Errorf("Expected catalogs in declaration order, got %s, %s", doc.Catalogs[0].Name, doc.Catalogs[1].Name)
				}
				if len(doc.Manifests) != 2 {
					t.Fatalf("Expected 2 manifests, got %d", len(doc.Manifests))
				}
				web := doc.Manifests[0]
				if web.Name != "web" {
					t.Errorf("Expected first manifest web, got %s", web.Name)
				}
				if len(web.Resources) != 3 {
					t.Fatalf("Expected 3 resources, got %d", len(web.Resources))
				}
				if web.Resources[2].OnError != "ignore" {
					t.Errorf("Expected on_error ignore, got %q", web.Resources[2].OnError)
				}
				if web.Resources[1].Properties["content"] != "worker_processes 1;" {
					t.Errorf("Expected content property, got %v", web.Resources[1].Properties["content"])
				}
			},
		},
		{
			name: "invalid CUE syntax",
			content: `
manifests: {
	web: {
	invalid syntax here
}
`,
			wantErr: true,
		},
		{
			name: "missing resource name",
			content: `
manifests: web: resources: [{type: "package"}]
`,
			wantErr: true,
		},
		{
			name: "unknown resource field",
			content: `
manifests: web: resources: [{type: "package", name: "git", requires: ["x"]}]
`,
			wantErr: true,
		},
		{
			name: "bad on_error",
			content: `
manifests: web: resources: [{type: "package", name: "git", on_error: "retry"}]
`,
			wantErr: true,
		},
		{
			name: "bad reference",
			content: `
manifests: web: resources: [{type: "package", name: "git", after: ["git"]}]
`,
			wantErr: true,
		},
		{
			name: "catalog without manifests",
			content: `
catalogs: all: manifests: []
`,
			wantErr: true,
		},
		{
			name: "undeclared manifest is a warning",
			content: `
catalogs: all: manifests: ["missing"]
`,
			checkFunc: func(t *testing.T, doc *Document) {
				if len(doc.Errors) != 1 {
					t.Fatalf("Expected 1 warning, got %d", len(doc.Errors))
				}
				if doc.Errors[0].Severity != SeverityWarning {
					t.Errorf("Expected warning severity, got %s", doc.Errors[0].Severity)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}

			if tt.wantErr {
				if !doc.HasErrors() {
					t.Errorf("Expected errors, got none")
				}
				return
			}
			if doc.HasErrors() {
				t.Fatalf("Expected no errors, got %v", doc.Err())
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, doc)
			}
		})
	}
}

func TestCUEParser_ParseFile(t *testing.T) {
	tmpDir := t.TempDir()

	path := filepath.Join(tmpDir, "larder.cue")
	if err := os.WriteFile(path, []byte(webDeclarations), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	parser := NewCUEParser()
	doc, err := parser.Parse(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if doc.HasErrors() {
		t.Fatalf("Expected no errors, got %v", doc.Err())
	}
	if len(doc.SourceFiles) != 1 || doc.SourceFiles[0] != path {
		t.Errorf("Expected source file %s, got %v", path, doc.SourceFiles)
	}
	if doc.ParsedAt.IsZero() {
		t.Error("Expected ParsedAt to be set")
	}
}

func TestCUEParser_ParseErrorPosition(t *testing.T) {
	tmpDir := t.TempDir()

	path := filepath.Join(tmpDir, "bad.cue")
	content := "manifests: web: resources: [{\n\ttype: \"package\"\n\tname: 42\n}]\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	doc, err := NewCUEParser().Parse(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !doc.HasErrors() {
		t.Fatal("Expected errors for a non-string name")
	}
	found := false
	for _, e := range doc.Errors {
		if strings.HasSuffix(e.Path, "name") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected an error on the name field, got %v", doc.Errors)
	}
}

func TestCUEParser_ParseMultipleFiles(t *testing.T) {
	tmpDir := t.TempDir()

	catalogs := filepath.Join(tmpDir, "catalogs.cue")
	manifests := filepath.Join(tmpDir, "manifests.cue")
	if err := os.WriteFile(catalogs, []byte(`catalogs: all: manifests: ["base"]`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(manifests, []byte(`manifests: base: resources: [{type: "package", name: "curl"}]`), 0644); err != nil {
		t.Fatal(err)
	}

	doc, err := NewCUEParser().Parse(context.Background(), []string{catalogs, manifests})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(doc.Errors) != 0 {
		t.Fatalf("Expected no errors, got %v", doc.Errors)
	}
	if len(doc.Catalogs) != 1 || len(doc.Manifests) != 1 {
		t.Errorf("Expected 1 catalog and 1 manifest, got %d and %d", len(doc.Catalogs), len(doc.Manifests))
	}
}

func TestCUEParser_ParseMissingSource(t *testing.T) {
	parser := NewCUEParser()

	if _, err := parser.Parse(context.Background(), nil); err == nil {
		t.Error("Expected error for no sources")
	}
	if _, err := parser.Parse(context.Background(), []string{filepath.Join(t.TempDir(), "nope.cue")}); err == nil {
		t.Error("Expected error for a missing source")
	}
}

func TestCUEParser_LoadFromDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	for _, name := range []string{"b.cue", "a.cue", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("x: 1"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := NewCUEParser().LoadFromDirectory(tmpDir)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 CUE files, got %v", files)
	}
	if filepath.Base(files[0]) != "a.cue" {
		t.Errorf("Expected sorted files, got %v", files)
	}
}

func TestCUEParser_Load(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "larder.cue")
	if err := os.WriteFile(path, []byte(webDeclarations), 0644); err != nil {
		t.Fatal(err)
	}

	decls, err := NewCUEParser().Load(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(decls.Catalogs) != 2 || len(decls.Manifests) != 2 {
		t.Fatalf("Expected 2 catalogs and 2 manifests, got %d and %d", len(decls.Catalogs), len(decls.Manifests))
	}
	if len(decls.EngineOptions()) != 2 {
		t.Errorf("Expected 2 engine options, got %d", len(decls.EngineOptions()))
	}

	linux := facts.New(map[string]any{"os.linux": true})
	if !decls.Catalogs[0].CanRun(linux) {
		t.Error("Expected linux catalog to run on linux")
	}
	if decls.Catalogs[1].CanRun(linux) {
		t.Error("Expected windows catalog not to run on linux")
	}

	catalogCtx := manifest.NewCatalogContext(linux)
	if err := decls.Catalogs[0].Execute(catalogCtx); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if used := catalogCtx.Used(); len(used) != 1 || used[0] != "web" {
		t.Errorf("Expected [web], got %v", used)
	}

	ctx := manifest.NewContext("web", linux)
	if err := decls.Manifests[0].Execute(ctx); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	builders := ctx.Builders()
	if len(builders) != 3 {
		t.Fatalf("Expected 3 declarations, got %d", len(builders))
	}
	service := builders[2].Build()
	if service.OnError != resource.Ignore {
		t.Errorf("Expected ignore, got %v", service.OnError)
	}
	if len(service.After) != 1 || service.After[0] != resource.NewKey("file", "/etc/nginx/nginx.conf") {
		t.Errorf("Expected after file::/etc/nginx/nginx.conf, got %v", service.After)
	}
}

func TestCUEParser_LoadInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "larder.cue")
	if err := os.WriteFile(path, []byte(`manifests: web: resources: [{type: "package"}]`), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewCUEParser().Load(context.Background(), []string{path}); err == nil {
		t.Error("Expected error for invalid declarations")
	}
}

func TestDeclaredManifest_WhenAndScript(t *testing.T) {
	parser := NewCUEParser()
	doc, err := parser.ParseInline(context.Background(), `
manifests: dev: {
	resources: [{
		type: "package"
		name: "gdb"
		when: "fact('profile') == 'dev'"
	}, {
		type: "package"
		name: "strace"
		when: "fact('profile') == 'ops'"
	}]
	script: """
		resources = [{"type": "package", "name": p} for p in fact("extra", [])]
		"""
}
`)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if doc.HasErrors() {
		t.Fatalf("Expected no errors, got %v", doc.Err())
	}

	decls := parser.Declare(doc)
	f := facts.New(map[string]any{"profile": "dev", "extra": []any{"jq", "htop"}})
	ctx := manifest.NewContext("dev", f)
	if err := decls.Manifests[0].Execute(ctx); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var names []string
	for _, b := range ctx.Builders() {
		names = append(names, b.Key().String())
	}
	want := "package::gdb,package::jq,package::htop"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestDeclaredManifest_InvalidScriptResource(t *testing.T) {
	parser := NewCUEParser()
	doc, err := parser.ParseInline(context.Background(), `
manifests: bad: script: """
	resources = [{"type": "package"}]
	"""
`)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	decls := parser.Declare(doc)
	ctx := manifest.NewContext("bad", facts.Empty())
	if err := decls.Manifests[0].Execute(ctx); err == nil {
		t.Error("Expected error for a generated resource without name")
	}
}

func TestDeclaredCatalog_FailingConditionDoesNotRun(t *testing.T) {
	parser := NewCUEParser()
	doc, err := parser.ParseInline(context.Background(), `
catalogs: broken: {
	when:      "undefined_name"
	manifests: ["web"]
}
manifests: web: {}
`)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if doc.HasErrors() {
		t.Fatalf("Expected no errors, got %v", doc.Err())
	}

	decls := parser.Declare(doc)
	if decls.Catalogs[0].CanRun(facts.Empty()) {
		t.Error("Expected a failing condition not to run")
	}
}

func TestPropertyCopy_Binding(t *testing.T) {
	spec := ResourceSpec{
		Type: "file",
		Name: "/etc/motd",
		Copy: []PropertyCopy{{Property: "content", From: "file::/etc/issue"}},
	}
	opts, err := spec.Options()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	builder := resource.New(spec.Type, spec.Name, opts...)
	target := builder.Build()
	bindings := builder.Bindings()
	if len(bindings) != 1 {
		t.Fatalf("Expected 1 binding, got %d", len(bindings))
	}

	source := resource.New("file", "/etc/issue", resource.WithProperty("content", "hello")).Build()
	if err := bindings[0](target, staticResolver{source.Key(): source}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if target.Properties.String("content") != "hello" {
		t.Errorf("Expected copied content, got %q", target.Properties.String("content"))
	}

	if err := bindings[0](target, staticResolver{}); err == nil {
		t.Error("Expected error when the source resource is missing")
	}
}

type staticResolver map[resource.Key]*resource.Resource

func (s staticResolver) Resolve(key resource.Key) (*resource.Resource, bool) {
	r, ok := s[key]
	return r, ok
}
