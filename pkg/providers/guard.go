package providers

import (
	"fmt"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/resource"
)

// checkGuards evaluates the resource guards in declaration order and reports
// whether the provider must leave the resource alone. An unless check that
// exits 0 skips; an only_if check that exits non-zero skips.
func checkGuards(ctx *engine.ExecutionContext, runner Runner, shell Shell, r *resource.Resource) (bool, error) {
	for _, g := range r.Guards {
		cmd := shell.Inline(g.Check)
		res, err := runner.Run(ctx, cmd)
		if err != nil {
			return false, fmt.Errorf("%s guard of %s: %w", g.Kind, r, err)
		}

		var skip bool
		switch g.Kind {
		case resource.GuardUnless:
			skip = res.Success()
		case resource.GuardOnlyIf:
			skip = !res.Success()
		default:
			return false, fmt.Errorf("unknown guard kind %q on %s", g.Kind, r)
		}

		if skip {
			ctx.Logger.Debug().
				Str("guard", string(g.Kind)).
				Str("check", g.Check).
				Int("exit_code", res.ExitCode).
				Msg("Guard skipped resource")
			return true, nil
		}
	}
	return false, nil
}
