package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		worldWritableFilePolicy(),
		insecureDownloadPolicy(),
		unguardedExecPolicy(),
		floatingPackagePolicy(),
	}
}

// worldWritableFilePolicy rejects files and directories anyone may write.
func worldWritableFilePolicy() Policy {
	return Policy{
		Name:        "world-writable-file",
		Description: "Rejects file resources whose mode lets every user write",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"file", "security"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package larder.policies.files

import rego.v1

deny contains violation if {
	some item in input.plan.items
	item.type == "file"
	mode := item.properties.mode
	is_string(mode)

	# The last octal digit is the permission of others.
	other := substring(mode, count(mode) - 1, 1)
	other in {"2", "3", "6", "7"}

	violation := {
		"message": sprintf("file %s is world writable (mode %s)", [item.name, mode]),
		"severity": "error",
		"resource": sprintf("file::%s", [item.name]),
	}
}`,
	}
}

// insecureDownloadPolicy rejects downloads that cannot be verified.
func insecureDownloadPolicy() Policy {
	return Policy{
		Name:        "insecure-download",
		Description: "Rejects plain HTTP downloads without a checksum",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"download", "security"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package larder.policies.downloads

import rego.v1

deny contains violation if {
	some item in input.plan.items
	item.type == "download"
	startswith(lower(item.properties.url), "http://")
	not item.properties.checksum

	violation := {
		"message": sprintf("download %s uses plain HTTP without a checksum", [item.name]),
		"severity": "error",
		"resource": sprintf("download::%s", [item.name]),
	}
}`,
	}
}

// unguardedExecPolicy flags commands that run on every apply.
func unguardedExecPolicy() Policy {
	return Policy{
		Name:        "unguarded-exec",
		Description: "Warns about exec resources without guards or a creates path",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"exec", "idempotence"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package larder.policies.exec

import rego.v1

deny contains violation if {
	some item in input.plan.items
	item.type == "exec"
	count(object.get(item, "guards", [])) == 0
	not item.properties.creates

	violation := {
		"message": sprintf("exec %s runs on every apply; add unless, only_if or creates", [item.name]),
		"severity": "warning",
		"resource": sprintf("exec::%s", [item.name]),
	}
}`,
	}
}

// floatingPackagePolicy notes packages that track the latest version.
func floatingPackagePolicy() Policy {
	return Policy{
		Name:        "floating-package",
		Description: "Reports packages kept at the latest version",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"package", "reproducibility"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package larder.policies.packages

import rego.v1

deny contains violation if {
	some item in input.plan.items
	item.type == "package"
	item.properties.state == "latest"

	violation := {
		"message": sprintf("package %s follows the latest version", [item.name]),
		"severity": "info",
		"resource": sprintf("package::%s", [item.name]),
	}
}`,
	}
}
