// Package policy checks a converge plan against Open Policy Agent (OPA)
// Rego policies before any resource is touched.
//
// Each policy is a Rego module that defines a deny set. Entries are either
// plain strings or objects with message, severity and resource fields:
//
//	package site.cinder
//
//	import rego.v1
//
//	deny contains violation if {
//		some r in input.resources
//		r.kind == "package"
//		r.state == "upgraded"
//		violation := {"message": "upgrades are frozen", "severity": "error", "resource": r.id}
//	}
//
// The input document lists the plan's resources and notification edges.
// File content is never exposed; policies see its length only.
//
// Violations with severity "error" fail the pass with POLICY_DENIED.
// Anything else is logged as a warning.
package policy
