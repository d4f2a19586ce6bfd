// Package engine provides the Larder provisioning engine.
//
// # Overview
//
// A run turns user declarations into changes on the local machine:
//
//  1. Facts - Build the FactCollection describing the machine (facts.Builder)
//  2. Catalogs - Evaluate catalog gates and collect the manifests they use
//  3. Graph - Evaluate manifests and compile resources into a ResourceGraph
//  4. Configure - Run the deferred bindings collected while building the graph
//  5. Plan - Pair every resource with its provider (ExecutionPlan)
//  6. Policy - Optionally let a PlanPolicy deny the plan
//  7. Execute - Walk the plan sequentially and assemble the Report
//
// # Resource Graph
//
// Resources are identified by type and name. After and Before constraints
// become edges from a dependency to its dependent. Building the graph fails
// on duplicate resources, references to resources that were never declared,
// and cycles. The traversal order is topological; among resources that are
// ready at the same time, the one declared first runs first, so a run is
// reproducible.
//
// # Execution
//
// One provider call is in flight at a time. A plan that requires an elevated
// process fails before any provider runs unless this is a dry run. A dry run
// never calls a provider and reports every item as Unknown. With WithWhatIf a
// dry run calls each provider with ExecutionContext.DryRun set instead, and
// the items carry the states a real run would reach.
//
// A real run stops at the first resource whose provider cannot run on this
// machine, when the context is cancelled, or when a resource fails and its
// error policy is Abort. The report then holds the items processed so far:
//
//	report, err := eng.Run(ctx, args, engine.StatusFunc(func(s string) {
//	    fmt.Println(s)
//	}), false)
//	if err != nil {
//	    // construction, resolution, policy or privilege failure
//	}
//	if !report.Successful() {
//	    // at least one resource ended in the Error state
//	}
//
// # Error Classification
//
// Failures before execution are EngineErrors with a code:
//
//   - Construction: DUPLICATE_RESOURCE, DANGLING_REFERENCE, CYCLE_DETECTED,
//     MANIFEST_FAILED, BINDING_FAILED, POLICY_DENIED (IsConstructionError)
//   - Resolution: UNRESOLVED_RESOURCE, NO_PROVIDER (IsResolutionError)
//   - Privilege: PERMISSION_DENIED (IsPrivilegeError)
package engine
