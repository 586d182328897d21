package policy

import (
	"time"
)

// DefaultMaxDepth is the nesting bound enforced by the invoke-depth policy.
const DefaultMaxDepth = 16

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		fetchSchemesPolicy(),
		plainHTTPPolicy(),
		identifierFormatPolicy(),
		invokeDepthPolicy(),
	}
}

// fetchSchemesPolicy restricts the schemes scripts are fetched from.
func fetchSchemesPolicy() Policy {
	return Policy{
		Name:        "fetch-schemes",
		Description: "Only file, http, https and sftp locations may be fetched",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package webscript.policies.fetch_schemes

import rego.v1

allowed_schemes := {"file", "http", "https", "sftp"}

deny contains violation if {
	input.operation == "fetch"
	not allowed_schemes[input.scheme]
	violation := {
		"message": sprintf("scheme '%s' is not allowed for %s", [input.scheme, input.location]),
	}
}
`,
	}
}

func plainHTTPPolicy() Policy {
	return Policy{
		Name:        "plain-http",
		Description: "Warns when script content is fetched without TLS",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package webscript.policies.plain_http

import rego.v1

deny contains violation if {
	input.operation == "fetch"
	input.scheme == "http"
	not startswith(input.location, "http://localhost")
	not startswith(input.location, "http://127.0.0.1")
	violation := {
		"message": sprintf("%s is fetched over plain http", [input.location]),
	}
}
`,
	}
}

// identifierFormatPolicy rejects identifiers that cannot name a script.
func identifierFormatPolicy() Policy {
	return Policy{
		Name:        "identifier-format",
		Description: "Invoked identifiers must be non-empty without whitespace or '..'",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package webscript.policies.identifier_format

import rego.v1

deny contains violation if {
	input.operation == "invoke"
	input.identifier == ""
	violation := {"message": "identifier must not be empty"}
}

deny contains violation if {
	input.operation == "invoke"
	regex.match("\\s", input.identifier)
	violation := {
		"message": sprintf("identifier '%s' contains whitespace", [input.identifier]),
	}
}

deny contains violation if {
	input.operation == "invoke"
	contains(input.identifier, "..")
	violation := {
		"message": sprintf("identifier '%s' contains '..'", [input.identifier]),
	}
}
`,
	}
}

// invokeDepthPolicy bounds how deeply scripts may invoke each other.
func invokeDepthPolicy() Policy {
	return Policy{
		Name:        "invoke-depth",
		Description: "Nested invocations may not exceed the maximum depth",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Metadata: map[string]interface{}{
			"max_depth": DefaultMaxDepth,
		},
		Rego: `package webscript.policies.invoke_depth

import rego.v1

max_depth := 16

deny contains violation if {
	input.operation == "invoke"
	input.depth > max_depth
	violation := {
		"message": sprintf("invocation of %s at depth %d exceeds %d", [input.identifier, input.depth, max_depth]),
	}
}
`,
	}
}
