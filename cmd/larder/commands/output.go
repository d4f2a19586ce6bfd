package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// encode writes v as JSON or YAML. YAML goes through the JSON form so custom
// JSON marshalers shape both outputs the same way.
func encode(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if format == "json" {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

func printReport(w io.Writer, format string, report *engine.Report) error {
	if format != "text" {
		return encode(w, format, report)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSTATE\tDURATION\tERROR")
	for _, item := range report.Items() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.Resource, item.State, item.Duration.Round(time.Millisecond), item.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	summary := report.Summary()
	parts := make([]string, 0, 4)
	for _, state := range []resource.State{resource.Changed, resource.Unchanged, resource.Error, resource.Unknown} {
		if n := summary[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, state))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "nothing to do")
	}
	_, err := fmt.Fprintf(w, "\nRun %s %s: %s\n", report.RunID(), report.Status(), strings.Join(parts, ", "))
	return err
}

type planOutput struct {
	Catalogs  []string              `json:"catalogs"`
	Manifests []string              `json:"manifests"`
	Plan      *engine.ExecutionPlan `json:"plan"`
	Policy    *engine.PolicyResult  `json:"policy,omitempty"`
}

func printPlan(w io.Writer, format string, prep *engine.Preparation) error {
	switch format {
	case "dot":
		_, err := fmt.Fprint(w, prep.Graph.ToDOT())
		return err
	case "json", "yaml":
		return encode(w, format, planOutput{
			Catalogs:  prep.Catalogs,
			Manifests: prep.Manifests,
			Plan:      prep.Plan,
			Policy:    prep.Policy,
		})
	}

	fmt.Fprintf(w, "Catalogs:  %s\n", strings.Join(prep.Catalogs, ", "))
	fmt.Fprintf(w, "Manifests: %s\n\n", strings.Join(prep.Manifests, ", "))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tRESOURCE\tPROVIDER\tADMIN")
	for i, item := range prep.Plan.Items() {
		admin := ""
		if item.RequireAdministrator() {
			admin = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, item.Key(), item.Provider().Type(), admin)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if prep.Plan.RequiresAdministrator() {
		fmt.Fprintln(w, "\nThis plan requires administrator rights.")
	}
	if prep.Policy != nil {
		printViolations(w, prep.Policy.Violations)
	}
	return nil
}

func printViolations(w io.Writer, violations []engine.PolicyViolation) {
	if len(violations) == 0 {
		return
	}
	fmt.Fprintln(w, "\nPolicy violations:")
	for _, v := range violations {
		fmt.Fprintf(w, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
}

func printFacts(w io.Writer, format string, f *facts.FactCollection) error {
	if format != "text" {
		return encode(w, format, f)
	}

	flat := f.Flatten()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%v\n", k, flat[k])
	}
	return tw.Flush()
}
