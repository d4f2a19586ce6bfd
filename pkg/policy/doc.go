// Package policy gates execution plans with Open Policy Agent (OPA) Rego
// policies.
//
// An Engine implements engine.PlanPolicy. Every enabled policy is evaluated
// against the plan and the members of its deny set become violations. A
// violation with error or critical severity denies the plan, and the engine
// refuses to run it.
//
// # Input
//
// Policies see the plan as it renders to JSON:
//
//	input.plan.requires_administrator
//	input.plan.items[_].type
//	input.plan.items[_].name
//	input.plan.items[_].provider
//	input.plan.items[_].properties
//	input.plan.items[_].guards
//	input.context.metadata
//
// Values passed with WithData are available under data.larder.
//
// # Writing policies
//
// A deny member is either a message or an object with message, severity,
// resource and rule fields:
//
//	package larder.custom
//
//	import rego.v1
//
//	deny contains violation if {
//		some item in input.plan.items
//		item.type == "package"
//		item.name == "telnetd"
//		violation := {
//			"message": "telnetd must not be installed",
//			"severity": "error",
//			"resource": sprintf("package::%s", [item.name]),
//		}
//	}
//
// # Built-in policies
//
//   - world-writable-file: file modes writable by others (error)
//   - insecure-download: plain HTTP downloads without a checksum (error)
//   - unguarded-exec: exec resources without guards or creates (warning)
//   - floating-package: packages kept at the latest version (info)
//
// # Loading
//
// A Loader reads .rego and .json policy files from files, directories and
// bundles. Engine.Watch reloads them with fsnotify when they change.
package policy
