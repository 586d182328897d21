// Package policy gates what running scripts may do, using Open Policy Agent.
//
// Every policy is a Rego module whose package defines a "deny" set. The
// engine evaluates each enabled policy against an Input describing the
// operation:
//
//	{"operation": "invoke", "identifier": "script:orders", "caller": "timer", "depth": 2}
//	{"operation": "fetch", "location": "https://scripts.example.com/a.star", "scheme": "https"}
//
// A violation with severity "error" or "critical" denies the operation; the
// rest are reported as warnings. A policy that fails to evaluate denies.
//
// # Built-in policies
//
//   - fetch-schemes: only file, http, https and sftp locations are fetched
//   - plain-http: warns about fetches over unencrypted http
//   - identifier-format: rejects empty identifiers, whitespace and ".."
//   - invoke-depth: bounds the nesting of script invocations
//
// # Custom policies
//
// Policies are loaded from .rego files or JSON policy definitions:
//
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := gate.LoadPolicies(ctx, []string{"/etc/webscript/policies"}); err != nil {
//	    return err
//	}
//	if err := gate.Watch(ctx, []string{"/etc/webscript/policies"}); err != nil {
//	    return err
//	}
//
// A Rego policy looks like:
//
//	package webscript.policies.internal_only
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.operation == "fetch"
//	    not startswith(input.location, "https://scripts.internal/")
//	    violation := {"message": "only internal script hosts are allowed"}
//	}
//
// A nil *Engine allows everything.
package policy
