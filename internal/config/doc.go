// Package config loads the bridge agent's JSON configuration file, fills in
// defaults, resolves relative paths against the file's directory and reads
// secrets indirectly through environment variable names.
package config
