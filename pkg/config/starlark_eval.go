package config

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/larder/pkg/facts"
)

// StarlarkEvaluator executes Starlark scripts safely.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes a Starlark script with the given input and returns its
// global variables. Names starting with an underscore are not returned.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	return se.evaluate(ctx, "config.star", script, input, nil)
}

// EvaluatePredicate evaluates a Starlark expression against facts and
// returns its truth value. The expression sees the facts as a nested dict
// named facts, and a fact(path, default=None) function for dotted lookups.
func (se *StarlarkEvaluator) EvaluatePredicate(ctx context.Context, expr string, f *facts.FactCollection) (bool, error) {
	result, err := se.evaluate(ctx, "when.star", "when = bool("+expr+")", nil, factsEnv(f))
	if err != nil {
		return false, err
	}
	when, _ := result.Output["when"].(bool)
	return when, nil
}

// GenerateResources runs a manifest script against facts and decodes the
// "resources" list it defines. A script without that global yields nothing.
func (se *StarlarkEvaluator) GenerateResources(ctx context.Context, script string, f *facts.FactCollection) ([]ResourceSpec, error) {
	result, err := se.evaluate(ctx, "manifest.star", script, nil, factsEnv(f))
	if err != nil {
		return nil, err
	}

	raw, ok := result.Output["resources"]
	if !ok {
		return nil, nil
	}
	if _, ok := raw.([]interface{}); !ok {
		return nil, fmt.Errorf("resources must be a list, got %T", raw)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generated resources: %w", err)
	}
	var specs []ResourceSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to decode generated resources: %w", err)
	}
	return specs, nil
}

// factsEnv exposes facts to a script.
func factsEnv(f *facts.FactCollection) starlark.StringDict {
	if f == nil {
		f = facts.Empty()
	}
	env := starlark.StringDict{
		"fact": starlark.NewBuiltin("fact", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			var def starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "default?", &def); err != nil {
				return nil, err
			}
			v, ok := f.Lookup(path)
			if !ok {
				return def, nil
			}
			return toStarlarkValue(v.Interface())
		}),
	}
	if dict, err := toStarlarkValue(f.Map()); err == nil {
		env["facts"] = dict
	}
	return env
}

// evaluate runs the script on its own goroutine and cancels the Starlark
// thread when the timeout or ctx expires.
func (se *StarlarkEvaluator) evaluate(
	ctx context.Context,
	filename, script string,
	input map[string]interface{},
	env starlark.StringDict,
) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "larder",
		Print: func(_ *starlark.Thread, msg string) {
			// Scripts must not write to the terminal.
		},
	}

	type outcome struct {
		result *StarlarkResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := se.evaluateSync(thread, filename, script, input, env)
		done <- outcome{result, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         fmt.Sprintf("execution timeout after %v", se.timeout),
		}, fmt.Errorf("starlark execution timeout")
	case o := <-done:
		if o.err != nil {
			return &StarlarkResult{
				ExecutionTime: time.Since(startTime),
				Error:         o.err.Error(),
			}, o.err
		}
		o.result.ExecutionTime = time.Since(startTime)
		return o.result, nil
	}
}

// evaluateSync performs the actual Starlark evaluation synchronously.
func (se *StarlarkEvaluator) evaluateSync(
	thread *starlark.Thread,
	filename, script string,
	input map[string]interface{},
	env starlark.StringDict,
) (*StarlarkResult, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for name, val := range env {
		predeclared[name] = val
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output: output,
	}, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
