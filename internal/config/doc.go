// Package config loads and validates the multimcp configuration document.
//
// The document is JSON or YAML. Backends are declared either in the
// MultiMCP-style "mcpServers" object keyed by name, or in a "backends" list
// whose entries carry their own name:
//
//	{
//	  "settings": {"callTimeout": "30s"},
//	  "mcpServers": {
//	    "geo":    {"command": "python", "args": ["./tools/geo.py"]},
//	    "remote": {"url": "http://127.0.0.1:9080/sse"}
//	  }
//	}
//
// Validation is exhaustive: every entry is checked and all problems are
// returned together in a single *ConfigError, so a malformed document never
// results in a partially started backend set.
//
// Env and header values may use Go templates with the sprig function set,
// for example {{ env "API_TOKEN" }}; they are expanded once at load time.
//
// Watcher reloads the file on change and passes each valid document to a
// callback; invalid edits are logged and ignored.
package config
