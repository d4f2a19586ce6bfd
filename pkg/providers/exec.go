package providers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// ExecProperties describes a command resource. Either Command or Script is
// required. When Creates names an existing path the command is not run.
type ExecProperties struct {
	Command string            `json:"command" validate:"required_without=Script,excluded_with=Script"`
	Script  string            `json:"script"`
	Shell   string            `json:"shell" validate:"omitempty,oneof=sh bash powershell cmd"`
	Creates string            `json:"creates"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
	Timeout string            `json:"timeout" validate:"omitempty,duration"`
}

// Exec runs commands and script files.
type Exec struct {
	settings *settings
}

// NewExec creates the exec provider.
func NewExec(opts ...Option) *Exec {
	return &Exec{settings: newSettings(opts)}
}

// Type implements engine.Provider.
func (p *Exec) Type() string {
	return "exec"
}

// CanRun implements engine.Provider.
func (p *Exec) CanRun(*facts.FactCollection) bool {
	return true
}

// RequireAdministrator implements engine.Provider. Commands that need
// elevation declare it on the resource.
func (p *Exec) RequireAdministrator(*facts.FactCollection) bool {
	return false
}

// Validate implements engine.ResourceValidator.
func (p *Exec) Validate(r *resource.Resource) error {
	var props ExecProperties
	return decode(r, &props)
}

// Run implements engine.Provider.
func (p *Exec) Run(ctx *engine.ExecutionContext, r *resource.Resource) (resource.State, error) {
	var props ExecProperties
	if err := decode(r, &props); err != nil {
		return resource.Error, err
	}

	if props.Creates != "" {
		creates, err := expandPath(ctx.Facts, props.Creates)
		if err != nil {
			return resource.Error, err
		}
		if _, err := os.Stat(creates); err == nil {
			ctx.Logger.Debug().Str("creates", creates).Msg("Creates path exists")
			return resource.Unchanged, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return resource.Error, fmt.Errorf("failed to stat %s: %w", creates, err)
		}
	}

	shell := shellOf(ctx.Facts, props.Shell)
	skip, err := checkGuards(ctx, p.settings.runner, shell, r)
	if err != nil {
		return resource.Error, err
	}
	if skip {
		return resource.Unchanged, nil
	}

	var cmd Command
	if props.Script != "" {
		script, err := expandPath(ctx.Facts, props.Script)
		if err != nil {
			return resource.Error, err
		}
		cmd = shell.File(script)
	} else {
		cmd = shell.Inline(props.Command)
	}
	if cmd.Dir, err = expandPath(ctx.Facts, props.Dir); err != nil {
		return resource.Error, err
	}
	cmd.Env = props.Env

	if ctx.DryRun {
		return resource.Changed, nil
	}

	var runCtx context.Context = ctx
	if props.Timeout != "" {
		timeout, _ := time.ParseDuration(props.Timeout)
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := p.settings.runner.Run(runCtx, cmd)
	if err != nil {
		return resource.Error, err
	}
	ctx.Logger.Debug().
		Str("command", cmd.String()).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("Command finished")

	if !res.Success() {
		return resource.Error, failure(cmd, res)
	}
	return resource.Changed, nil
}
