package policy

// BuiltinPolicies returns the policies every plan is checked against.
func BuiltinPolicies() []Policy {
	return []Policy{
		filePermissionsPolicy(),
		absolutePathsPolicy(),
		notificationTargetsPolicy(),
	}
}

// filePermissionsPolicy flags credential files other users can read and any
// file other users can write.
func filePermissionsPolicy() Policy {
	return Policy{
		Name:        "file-permissions",
		Description: "Sensitive files should not be world-readable; no file may be world-writable",
		Severity:    SeverityWarning,
		Rego: `package cinderhost.policies.files

import rego.v1

deny contains violation if {
	some r in input.resources
	r.kind == "file"
	r.state == "present"
	r.sensitive
	bits.and(r.mode, 4) != 0
	violation := {
		"message": sprintf("%s holds credentials but is world-readable (mode %o)", [r.identifier, r.mode]),
		"severity": "warning",
		"resource": r.id,
	}
}

deny contains violation if {
	some r in input.resources
	r.kind == "file"
	r.state == "present"
	bits.and(r.mode, 2) != 0
	violation := {
		"message": sprintf("%s would be world-writable (mode %o)", [r.identifier, r.mode]),
		"severity": "error",
		"resource": r.id,
	}
}
`,
	}
}

// absolutePathsPolicy rejects file resources with relative paths, which would
// resolve against whatever directory the run happens to start in.
func absolutePathsPolicy() Policy {
	return Policy{
		Name:        "absolute-paths",
		Description: "File resources must use absolute paths without parent references",
		Severity:    SeverityError,
		Rego: `package cinderhost.policies.paths

import rego.v1

deny contains violation if {
	some r in input.resources
	r.kind == "file"
	not startswith(r.identifier, "/")
	violation := {
		"message": sprintf("file path %q is not absolute", [r.identifier]),
		"severity": "error",
		"resource": r.id,
	}
}

deny contains violation if {
	some r in input.resources
	r.kind == "file"
	contains(concat("", [r.identifier, "/"]), "/../")
	violation := {
		"message": sprintf("file path %q contains a parent reference", [r.identifier]),
		"severity": "error",
		"resource": r.id,
	}
}
`,
	}
}

// notificationTargetsPolicy requires both ends of every notification edge to
// be declared in the plan.
func notificationTargetsPolicy() Policy {
	return Policy{
		Name:        "notification-targets",
		Description: "Notification sources and targets must be declared resources",
		Severity:    SeverityError,
		Rego: `package cinderhost.policies.notifications

import rego.v1

declared contains r.id if {
	some r in input.resources
}

deny contains violation if {
	some n in input.notifications
	not declared[n.target]
	violation := {
		"message": sprintf("%s notifies undeclared resource %s", [n.source, n.target]),
		"severity": "error",
		"resource": n.source,
	}
}

deny contains violation if {
	some n in input.notifications
	not declared[n.source]
	violation := {
		"message": sprintf("notification source %s is not declared", [n.source]),
		"severity": "error",
		"resource": n.source,
	}
}
`,
	}
}
