// Package config loads the webscript configuration.
//
// # Sources
//
// Configuration is layered. Defaults come from Default(). A configuration
// file overrides them, and WEBSCRIPT_* environment variables override the
// file: WEBSCRIPT_SERVER_ADDRESS sets server.address and
// WEBSCRIPT_FETCH_SFTP_PASSWORD sets the SFTP password, which is never
// written to a file dump.
//
// Files may be CUE, YAML, TOML or JSON. CUE files are checked against the
// embedded #Config schema (schema.cue) before they are merged, so type
// errors are reported with file positions:
//
//	server: address: ":9090"
//	bindings: {
//	    kind: "sqlite"
//	    path: "/var/lib/webscript/bindings.db"
//	}
//	timer: {
//	    script: "script:heartbeat"
//	    period: "5s"
//	}
//	policy: paths: ["/etc/webscript/policies"]
//
// All formats then go through viper, and the decoded Config is validated
// with go-playground/validator.
//
// # Usage
//
//	cfg, err := config.Load("webscript.cue")
//	if err != nil {
//	    return err
//	}
//	out, _ := cfg.YAML()
package config
