package providers

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// FileProperties describes a file resource. Path defaults to the resource
// name.
type FileProperties struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
	Mode    string  `json:"mode" validate:"omitempty,filemode"`
	State   string  `json:"state" validate:"omitempty,oneof=present absent directory"`
}

// File ensures the content, mode and presence of a path.
type File struct {
	settings *settings
}

// NewFile creates the file provider.
func NewFile(opts ...Option) *File {
	return &File{settings: newSettings(opts)}
}

// Type implements engine.Provider.
func (p *File) Type() string {
	return "file"
}

// CanRun implements engine.Provider.
func (p *File) CanRun(*facts.FactCollection) bool {
	return true
}

// RequireAdministrator implements engine.Provider.
func (p *File) RequireAdministrator(*facts.FactCollection) bool {
	return false
}

// Validate implements engine.ResourceValidator.
func (p *File) Validate(r *resource.Resource) error {
	var props FileProperties
	return decode(r, &props)
}

// Run implements engine.Provider.
func (p *File) Run(ctx *engine.ExecutionContext, r *resource.Resource) (resource.State, error) {
	var props FileProperties
	if err := decode(r, &props); err != nil {
		return resource.Error, err
	}
	if props.Path == "" {
		props.Path = r.Name
	}
	path, err := expandPath(ctx.Facts, props.Path)
	if err != nil {
		return resource.Error, err
	}

	skip, err := checkGuards(ctx, p.settings.runner, defaultShell(ctx.Facts), r)
	if err != nil {
		return resource.Error, err
	}
	if skip {
		return resource.Unchanged, nil
	}

	logger := ctx.Logger.With().Str("path", path).Logger()

	switch props.State {
	case stateAbsent:
		return p.remove(ctx, path)
	case stateDirectory:
		return p.directory(ctx, path, props.Mode)
	}

	info, err := os.Stat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return resource.Error, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if exists && info.IsDir() {
		return resource.Error, fmt.Errorf("%s is a directory", path)
	}

	writeContent := !exists
	if props.Content != nil && exists {
		same, err := sameContent(path, []byte(*props.Content))
		if err != nil {
			return resource.Error, err
		}
		writeContent = !same
	}

	var mode os.FileMode = 0644
	fixMode := false
	if props.Mode != "" {
		mode, _ = parseMode(props.Mode)
		fixMode = !exists || info.Mode().Perm() != mode
	}

	if !writeContent && !fixMode {
		return resource.Unchanged, nil
	}
	if ctx.DryRun {
		return resource.Changed, nil
	}

	if writeContent {
		var content []byte
		if props.Content != nil {
			content = []byte(*props.Content)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return resource.Error, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(path, content, mode); err != nil {
			return resource.Error, fmt.Errorf("failed to write file: %w", err)
		}
		logger.Debug().Int("bytes", len(content)).Msg("File written")
	}

	// WriteFile leaves the mode of existing files alone and applies umask.
	if props.Mode != "" {
		if err := os.Chmod(path, mode); err != nil {
			return resource.Error, fmt.Errorf("failed to set mode: %w", err)
		}
	}

	return resource.Changed, nil
}

func (p *File) remove(ctx *engine.ExecutionContext, path string) (resource.State, error) {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return resource.Unchanged, nil
		}
		return resource.Error, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if ctx.DryRun {
		return resource.Changed, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return resource.Error, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return resource.Changed, nil
}

func (p *File) directory(ctx *engine.ExecutionContext, path, modeStr string) (resource.State, error) {
	var mode os.FileMode = 0755
	if modeStr != "" {
		mode, _ = parseMode(modeStr)
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return resource.Error, fmt.Errorf("%s exists and is not a directory", path)
	case err == nil && (modeStr == "" || info.Mode().Perm() == mode):
		return resource.Unchanged, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return resource.Error, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if ctx.DryRun {
		return resource.Changed, nil
	}
	if err := os.MkdirAll(path, mode); err != nil {
		return resource.Error, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return resource.Error, fmt.Errorf("failed to set mode: %w", err)
	}
	return resource.Changed, nil
}

// sameContent compares the SHA-256 digest of the file at path with content.
func sameContent(path string, content []byte) (bool, error) {
	current, err := fileDigest(path)
	if err != nil {
		return false, err
	}
	desired := sha256.Sum256(content)
	return bytes.Equal(current, desired[:]), nil
}
