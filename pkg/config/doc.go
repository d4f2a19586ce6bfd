// Package config reads catalogs and manifests declared in CUE.
//
// # Overview
//
// A declaration document has two top-level structs. Catalogs select
// manifests, optionally gated by a Starlark expression over facts.
// Manifests list resources, optionally extended by a Starlark script that
// computes more of them from facts:
//
//	catalogs: linux: {
//		when:      "fact('os.linux')"
//		manifests: ["web"]
//	}
//
//	manifests: web: {
//		resources: [{
//			type: "package"
//			name: "nginx"
//		}, {
//			type:  "service"
//			name:  "nginx"
//			after: ["package::nginx"]
//		}]
//		script: """
//			resources = [{"type": "file", "name": "/srv/" + u, "properties": {"state": "directory"}}
//			             for u in facts.get("sites", [])]
//			"""
//	}
//
// Struct fields keep their declaration order, which becomes the
// declaration order of catalogs, manifests and resources.
//
// # Components
//
// CUEParser: parses files, directories and inline content, checks them
// against the built-in #Document schema and decodes them into a Document.
// Load adapts a Document into manifest.Catalog and manifest.Manifest values.
//
// SchemaRegistry: holds the built-in schemas and any registered ones.
//
// StarlarkEvaluator: runs scripts and predicates with a timeout. Scripts see
// the facts as a dict named facts and a fact(path, default=None) function.
//
// Watcher: reloads declarations when CUE sources change.
//
// # Usage Example
//
//	parser := config.NewCUEParser(config.WithLogger(logger))
//	decls, err := parser.Load(ctx, []string{"larder.cue"})
//	if err != nil {
//		return err
//	}
//	eng := engine.New(repo, facts.NewBuilder(), principal, decls.EngineOptions()...)
package config
