package providers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// DownloadProperties describes a downloaded file. Path defaults to the
// resource name. Checksum is a SHA-256 digest, optionally prefixed with
// "sha256:".
type DownloadProperties struct {
	URL      string `json:"url" validate:"required,url"`
	Path     string `json:"path"`
	Checksum string `json:"checksum" validate:"omitempty,checksum"`
	Mode     string `json:"mode" validate:"omitempty,filemode"`
}

// Download fetches a URL to a file.
type Download struct {
	settings *settings
}

// NewDownload creates the download provider.
func NewDownload(opts ...Option) *Download {
	return &Download{settings: newSettings(opts)}
}

// Type implements engine.Provider.
func (p *Download) Type() string {
	return "download"
}

// CanRun implements engine.Provider.
func (p *Download) CanRun(*facts.FactCollection) bool {
	return true
}

// RequireAdministrator implements engine.Provider.
func (p *Download) RequireAdministrator(*facts.FactCollection) bool {
	return false
}

// Validate implements engine.ResourceValidator.
func (p *Download) Validate(r *resource.Resource) error {
	var props DownloadProperties
	return decode(r, &props)
}

// Run implements engine.Provider. An existing file is kept unless a checksum
// is given and does not match; a kept file still gets the declared mode.
func (p *Download) Run(ctx *engine.ExecutionContext, r *resource.Resource) (resource.State, error) {
	var props DownloadProperties
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
	want := strings.ToLower(strings.TrimPrefix(props.Checksum, "sha256:"))

	skip, err := checkGuards(ctx, p.settings.runner, defaultShell(ctx.Facts), r)
	if err != nil {
		return resource.Error, err
	}
	if skip {
		return resource.Unchanged, nil
	}

	var mode os.FileMode = 0644
	if props.Mode != "" {
		mode, _ = parseMode(props.Mode)
	}

	current, err := fileDigest(path)
	switch {
	case err == nil && (want == "" || hex.EncodeToString(current) == want):
		if props.Mode == "" {
			return resource.Unchanged, nil
		}
		return p.fixMode(ctx, path, mode)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return resource.Error, err
	}

	if ctx.DryRun {
		return resource.Changed, nil
	}
	if err := p.fetch(ctx, props.URL, path, want, mode); err != nil {
		return resource.Error, err
	}
	return resource.Changed, nil
}

// fixMode sets mode on a file whose content is already in place.
func (p *Download) fixMode(ctx *engine.ExecutionContext, path string, mode os.FileMode) (resource.State, error) {
	info, err := os.Stat(path)
	if err != nil {
		return resource.Error, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Mode().Perm() == mode {
		return resource.Unchanged, nil
	}
	if ctx.DryRun {
		return resource.Changed, nil
	}
	if err := os.Chmod(path, mode); err != nil {
		return resource.Error, fmt.Errorf("failed to set mode: %w", err)
	}
	ctx.Logger.Debug().Str("path", path).Str("mode", fmt.Sprintf("%04o", mode)).Msg("Download mode fixed")
	return resource.Changed, nil
}

// fetch downloads url into a temporary file next to path and renames it
// into place once the checksum is verified.
func (p *Download) fetch(ctx *engine.ExecutionContext, url, path, want string, mode os.FileMode) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.settings.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: %s", url, resp.Status)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".larder-download-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	got := hex.EncodeToString(hash.Sum(nil))
	if want != "" && got != want {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", url, want, got)
	}

	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	ctx.Logger.Debug().
		Str("url", url).
		Str("path", path).
		Int64("bytes", n).
		Str("sha256", got).
		Msg("Download completed")
	return nil
}

// fileDigest returns the SHA-256 digest of the file at path.
func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hash.Sum(nil), nil
}
