package providers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command is a process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  map[string]string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the process exited with code 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Runner starts processes. A non-zero exit is reported through Result, not
// as an error; errors mean the process could not run at all.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		env := cmd.Environ()
		for k, v := range c.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command %s interrupted: %w", c.Name, ctx.Err())
		}
		return nil, fmt.Errorf("failed to execute %s: %w", c.Name, err)
	}

	return result, nil
}

// Shell is a command interpreter flavor.
type Shell string

const (
	ShellSh         Shell = "sh"
	ShellBash       Shell = "bash"
	ShellPowerShell Shell = "powershell"
	ShellCmd        Shell = "cmd"
)

// Inline returns the command that runs script through the shell.
func (s Shell) Inline(script string) Command {
	switch s {
	case ShellPowerShell:
		return Command{Name: "powershell", Args: []string{"-NoProfile", "-NonInteractive", "-Command", script}}
	case ShellCmd:
		return Command{Name: "cmd", Args: []string{"/C", script}}
	case ShellBash:
		return Command{Name: "bash", Args: []string{"-c", script}}
	default:
		return Command{Name: "sh", Args: []string{"-c", script}}
	}
}

// File returns the command that runs the script file at path.
func (s Shell) File(path string) Command {
	switch s {
	case ShellPowerShell:
		return Command{Name: "powershell", Args: []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", path}}
	case ShellCmd:
		return Command{Name: "cmd", Args: []string{"/C", path}}
	case ShellBash:
		return Command{Name: "bash", Args: []string{path}}
	default:
		return Command{Name: "sh", Args: []string{path}}
	}
}

// failure describes a failed process for error messages.
func failure(cmd Command, res *Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	if msg == "" {
		return fmt.Errorf("%s exited with code %d", cmd.Name, res.ExitCode)
	}
	return fmt.Errorf("%s exited with code %d: %s", cmd.Name, res.ExitCode, msg)
}
