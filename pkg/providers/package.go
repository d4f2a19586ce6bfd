package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// PackageProperties describes a system package. Name defaults to the
// resource name and Manager is detected when empty.
type PackageProperties struct {
	Name    string   `json:"name"`
	State   string   `json:"state" validate:"omitempty,oneof=present absent latest"`
	Version string   `json:"version"`
	Manager string   `json:"manager" validate:"omitempty,oneof=apt dnf yum zypper"`
	Options []string `json:"options"`
}

var packageManagers = []string{"apt", "dnf", "yum", "zypper"}

// Package manages Linux packages with apt, dnf, yum or zypper.
type Package struct {
	settings *settings
}

// NewPackage creates the package provider.
func NewPackage(opts ...Option) *Package {
	return &Package{settings: newSettings(opts)}
}

// Type implements engine.Provider.
func (p *Package) Type() string {
	return "package"
}

// CanRun implements engine.Provider.
func (p *Package) CanRun(f *facts.FactCollection) bool {
	return f.Bool("os.linux")
}

// RequireAdministrator implements engine.Provider.
func (p *Package) RequireAdministrator(*facts.FactCollection) bool {
	return true
}

// Validate implements engine.ResourceValidator.
func (p *Package) Validate(r *resource.Resource) error {
	var props PackageProperties
	return decode(r, &props)
}

// Run implements engine.Provider.
func (p *Package) Run(ctx *engine.ExecutionContext, r *resource.Resource) (resource.State, error) {
	var props PackageProperties
	if err := decode(r, &props); err != nil {
		return resource.Error, err
	}
	if props.Name == "" {
		props.Name = r.Name
	}
	if props.State == "" {
		props.State = statePresent
	}

	manager := props.Manager
	if manager == "" {
		var err error
		if manager, err = p.detectManager(); err != nil {
			return resource.Error, err
		}
	}

	skip, err := checkGuards(ctx, p.settings.runner, ShellSh, r)
	if err != nil {
		return resource.Error, err
	}
	if skip {
		return resource.Unchanged, nil
	}

	installed, before, err := p.installedVersion(ctx, manager, props.Name)
	if err != nil {
		return resource.Error, err
	}

	logger := ctx.Logger.With().
		Str("manager", manager).
		Str("package", props.Name).
		Logger()

	var args []string
	switch props.State {
	case statePresent:
		if installed && (props.Version == "" || props.Version == before) {
			return resource.Unchanged, nil
		}
		args = []string{"install", "-y"}
		args = append(args, props.Options...)
		args = append(args, packageSpec(manager, props.Name, props.Version))
	case stateAbsent:
		if !installed {
			return resource.Unchanged, nil
		}
		args = []string{"remove", "-y"}
		args = append(args, props.Options...)
		args = append(args, props.Name)
	case stateLatest:
		verb := "install"
		if installed {
			verb = "upgrade"
			if manager == "zypper" {
				verb = "update"
			}
		}
		args = []string{verb, "-y"}
		args = append(args, props.Options...)
		args = append(args, props.Name)
	}

	if ctx.DryRun {
		return resource.Changed, nil
	}

	cmd := Command{Name: manager, Args: args}
	if manager == "apt" {
		cmd.Name = "apt-get"
		cmd.Env = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}
	}
	res, err := p.settings.runner.Run(ctx, cmd)
	if err != nil {
		return resource.Error, err
	}
	if !res.Success() {
		return resource.Error, failure(cmd, res)
	}

	if props.State != stateLatest || !installed {
		logger.Debug().Str("state", props.State).Msg("Package changed")
		return resource.Changed, nil
	}

	// An upgrade without a newer version leaves the package as it was.
	_, after, err := p.installedVersion(ctx, manager, props.Name)
	if err != nil {
		return resource.Error, err
	}
	if after == before {
		return resource.Unchanged, nil
	}
	logger.Debug().Str("from", before).Str("to", after).Msg("Package upgraded")
	return resource.Changed, nil
}

// installedVersion queries the package database. A failing query means the
// package is not installed.
func (p *Package) installedVersion(ctx context.Context, manager, name string) (bool, string, error) {
	var cmd Command
	switch manager {
	case "apt":
		cmd = Command{Name: "dpkg-query", Args: []string{"-W", "-f=${Status}|${Version}", name}}
	case "dnf", "yum", "zypper":
		cmd = Command{Name: "rpm", Args: []string{"-q", "--queryformat", "%{VERSION}-%{RELEASE}", name}}
	default:
		return false, "", fmt.Errorf("unsupported package manager: %s", manager)
	}

	res, err := p.settings.runner.Run(ctx, cmd)
	if err != nil {
		return false, "", err
	}
	if !res.Success() {
		return false, "", nil
	}

	out := strings.TrimSpace(res.Stdout)
	if manager != "apt" {
		return true, out, nil
	}

	// Removed packages keep a dpkg entry until purged.
	status, version, _ := strings.Cut(out, "|")
	if !strings.HasSuffix(status, "installed") || strings.HasSuffix(status, "not-installed") {
		return false, "", nil
	}
	return true, version, nil
}

func (p *Package) detectManager() (string, error) {
	for _, mgr := range packageManagers {
		if _, err := p.settings.lookPath(mgr); err == nil {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

func packageSpec(manager, name, version string) string {
	if version == "" {
		return name
	}
	switch manager {
	case "apt":
		return name + "=" + version
	case "dnf", "yum", "zypper":
		return name + "-" + version
	}
	return name
}
