// Package defaults provides embedded copies of the example config and
// persona files for the nakari init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PersonaMD is the example persona file.
//
//go:embed persona.example.md
var PersonaMD []byte
